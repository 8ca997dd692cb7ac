package source

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func startConsoleServer(t *testing.T) (net.Listener, chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	handshakes := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		handshake := make([]byte, len(consoleHandshake))
		if _, err := readFull(conn, handshake); err != nil {
			return
		}
		handshakes <- handshake

		send := func(data []byte) {
			length := make([]byte, 4)
			binary.BigEndian.PutUint32(length, uint32(len(data)))
			_, _ = conn.Write(length)
			_, _ = conn.Write(data)
		}

		withData, _ := json.Marshal(map[string]any{"type": 2, "payload": map[string]any{"data": []byte("hello")}})
		send(withData)

		noPayload, _ := json.Marshal(map[string]any{"type": 2})
		send(noPayload)

		emptyData, _ := json.Marshal(map[string]any{"type": 2, "payload": map[string]any{"data": []byte{}}})
		send(emptyData)

		time.Sleep(100 * time.Millisecond)
	}()
	return ln, handshakes
}

func TestConsoleStreamWritesHandshakeAndYieldsPayloads(t *testing.T) {
	ln, handshakes := startConsoleServer(t)
	defer ln.Close()

	ep := Endpoint{Scheme: SchemeConsole, Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	stream, interrupt, err := ConnectConsole(ep, nil)
	if err != nil {
		t.Fatalf("ConnectConsole: %v", err)
	}
	defer interrupt.Trigger()

	select {
	case got := <-handshakes:
		if string(got) != string(consoleHandshake) {
			t.Fatalf("server received unexpected handshake bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	select {
	case payload := <-stream.Payloads():
		if string(payload) != "hello" {
			t.Fatalf("expected payload %q, got %q", "hello", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestConsoleStreamEndsOnInterrupt(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, len(consoleHandshake))
		_, _ = readFull(conn, buf)
		<-time.After(time.Second)
		conn.Close()
	}()

	ep := Endpoint{Scheme: SchemeConsole, Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	stream, interrupt, err := ConnectConsole(ep, nil)
	if err != nil {
		t.Fatalf("ConnectConsole: %v", err)
	}
	interrupt.Trigger()

	select {
	case _, ok := <-stream.Payloads():
		if ok {
			t.Fatal("expected stream to end without further payloads")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to end after interrupt")
	}
}
