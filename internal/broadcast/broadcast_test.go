package broadcast

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gcpreston/swb-go/internal/frame"
	"github.com/gcpreston/swb-go/internal/relay"
)

// startOneShotConsoleSource accepts a single TCP connection, reads the fixed
// handshake, writes one enveloped payload, then closes: enough to drive one
// packet through the broadcast pipeline and let the source stream end.
func startOneShotConsoleSource(t *testing.T, payload string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		handshake := make([]byte, 83)
		if _, err := readFullTest(conn, handshake); err != nil {
			return
		}

		body, _ := json.Marshal(map[string]any{
			"type":    2,
			"payload": map[string]any{"data": []byte(payload)},
		})
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(body)))
		_, _ = conn.Write(length)
		_, _ = conn.Write(body)
	}()
	return ln
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// relayHarness is a minimal scripted relay server used to drive the
// orchestrator end to end: it delivers a fixed BridgeInfo handshake and
// records every inbound framed packet.
type relayHarness struct {
	srv     *httptest.Server
	inbound chan []byte
}

func startRelayHarness(t *testing.T, streamIDs []uint32) *relayHarness {
	t.Helper()
	h := &relayHarness{inbound: make(chan []byte, 64)}
	var upgrader = websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge_socket/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		info, _ := json.Marshal(relay.BridgeInfo{BridgeID: "test-bridge", StreamIDs: streamIDs})
		if err := conn.WriteMessage(websocket.TextMessage, info); err != nil {
			return
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				h.inbound <- append([]byte(nil), data...)
			}
		}
	})
	h.srv = httptest.NewServer(mux)
	return h
}

func (h *relayHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/bridge_socket/websocket"
}

func (h *relayHarness) close() { h.srv.Close() }

func TestRunForwardsFramedPacketsAndEndsCleanly(t *testing.T) {
	lnA := startOneShotConsoleSource(t, "from-a")
	defer lnA.Close()
	lnB := startOneShotConsoleSource(t, "from-b")
	defer lnB.Close()

	harness := startRelayHarness(t, []uint32{10, 20})
	defer harness.close()

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	opts := Options{
		Sources: []string{
			"console://" + lnA.Addr().String(),
			"console://" + lnB.Addr().String(),
		},
		Dest: harness.wsURL(),
	}

	var (
		result Result
		runErr error
		done   = make(chan struct{})
	)
	go func() {
		result, runErr = Run(ctx, opts)
		close(done)
	}()

	seen := map[uint32]string{}
	var mu sync.Mutex
	collecting := make(chan struct{})
	go func() {
		defer close(collecting)
		for i := 0; i < 2; i++ {
			select {
			case raw := <-harness.inbound:
				streamID, payload, err := frame.Decode(raw)
				if err != nil {
					t.Errorf("frame.Decode: %v", err)
					return
				}
				mu.Lock()
				seen[streamID] = string(payload)
				mu.Unlock()
			case <-time.After(5 * time.Second):
				t.Error("timed out waiting for forwarded frame")
				return
			}
		}
	}()

	<-collecting
	mu.Lock()
	if seen[10] != "from-a" || seen[20] != "from-b" {
		t.Fatalf("unexpected forwarded payloads: %+v", seen)
	}
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	if runErr != nil {
		t.Fatalf("Run returned error: %v", runErr)
	}
	if result.BridgeID != "test-bridge" {
		t.Fatalf("unexpected bridge id %q", result.BridgeID)
	}
}

func TestRunRejectsEmptySourceList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Run(ctx, Options{Dest: "ws://unused"}); err == nil {
		t.Fatal("expected error for empty source list")
	}
}
