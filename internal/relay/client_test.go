package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// scriptedServer accepts every upgrade (counting them in conns, or refusing
// them while refuse is set), sends the given BridgeInfo as a text frame on
// each, then records every binary frame it receives on inbound.
type scriptedServer struct {
	srv     *httptest.Server
	inbound chan []byte
	closed  chan struct{}

	mu        sync.Mutex
	conns     int
	refuse    bool
	dropAfter bool
}

func newScriptedServer(t *testing.T, info BridgeInfo) *scriptedServer {
	t.Helper()
	s := &scriptedServer{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge_socket/websocket", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		refuse := s.refuse
		s.conns++
		s.mu.Unlock()
		if refuse {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
			s.closed <- struct{}{}
		}()

		payload, _ := json.Marshal(info)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				s.inbound <- append([]byte(nil), data...)
			}
			s.mu.Lock()
			drop := s.dropAfter
			s.mu.Unlock()
			if drop {
				return
			}
		}
	})
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *scriptedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/bridge_socket/websocket"
}

func (s *scriptedServer) close() { s.srv.Close() }

func TestDialDeliversBridgeInfo(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "abc123", StreamIDs: []uint32{1, 2}})
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.wsURL(), 2, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	info, err := client.BridgeInfo(ctx)
	if err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}
	if info.BridgeID != "abc123" || len(info.StreamIDs) != 2 {
		t.Fatalf("unexpected bridge info: %+v", info)
	}
}

func TestClientSendDeliversBinaryFrames(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "xyz", StreamIDs: []uint32{1}})
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.wsURL(), 1, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.BridgeInfo(ctx); err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}

	if err := client.Send([]byte("frame-one")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-srv.inbound:
		if string(got) != "frame-one" {
			t.Fatalf("got %q, want %q", got, "frame-one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}

func TestClientCloseResolvesMonitorCleanly(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "close-me"})
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.wsURL(), 1, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := client.BridgeInfo(ctx); err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := client.Monitor().WaitForClose(ctx); err != nil {
		t.Fatalf("WaitForClose: %v", err)
	}

	if err := client.Send([]byte("too-late")); err != ErrSendOnClosed {
		t.Fatalf("expected ErrSendOnClosed, got %v", err)
	}
}

func TestConnectionMonitorAlreadyConsumed(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "m"})
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.wsURL(), 1, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := client.BridgeInfo(ctx); err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}
	_ = client.Close()

	if err := client.Monitor().WaitForClose(ctx); err != nil {
		t.Fatalf("first WaitForClose: %v", err)
	}
	if err := client.Monitor().WaitForClose(ctx); err != ErrAlreadyConsumed {
		t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestDialFailsAfterExhaustingAttempts(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{})
	srv.mu.Lock()
	srv.refuse = true
	srv.mu.Unlock()
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, srv.wsURL(), 1, nil)
	if err == nil {
		t.Fatal("expected Dial to fail when server always refuses the upgrade")
	}
}

func TestClientReconnectsAfterIdleTimeout(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "idle", StreamIDs: []uint32{1}})
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A short idle timeout stands in for the real 15s contract: the server
	// delivers BridgeInfo and then goes silent, so the client's read pump
	// must time out and transparently reconnect rather than hang forever.
	client, err := dial(ctx, srv.wsURL(), 1, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.BridgeInfo(ctx); err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}

	select {
	case <-srv.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for idle connection to be torn down")
	}

	if err := client.Send([]byte("after-idle-reconnect")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-srv.inbound:
		if string(got) != "after-idle-reconnect" {
			t.Fatalf("got %q, want %q", got, "after-idle-reconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for post-idle-timeout frame")
	}

	srv.mu.Lock()
	conns := srv.conns
	srv.mu.Unlock()
	if conns < 2 {
		t.Fatalf("expected at least 2 connections (initial + idle-triggered reconnect), got %d", conns)
	}
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	srv := newScriptedServer(t, BridgeInfo{BridgeID: "reconnect"})
	srv.mu.Lock()
	srv.dropAfter = true
	srv.mu.Unlock()
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.wsURL(), 1, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.BridgeInfo(ctx); err != nil {
		t.Fatalf("BridgeInfo: %v", err)
	}

	if err := client.Send([]byte("first")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-srv.inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first frame")
	}

	srv.mu.Lock()
	srv.dropAfter = false
	srv.mu.Unlock()

	select {
	case <-srv.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to observe the drop")
	}

	if err := client.Send([]byte("after-reconnect")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}

	select {
	case got := <-srv.inbound:
		if string(got) != "after-reconnect" {
			t.Fatalf("got %q, want %q", got, "after-reconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for post-reconnect frame")
	}
}
