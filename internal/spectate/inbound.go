package spectate

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/gcpreston/swb-go/internal/logging"
)

// InboundStream yields the binary frame payloads of a spectate WebSocket
// connection. It satisfies the same Payloads()/Err() contract as the
// broadcast source adapters, but never reconnects: a text frame, close, or
// error ends the stream for good.
type InboundStream struct {
	conn     *websocket.Conn
	payloads chan []byte
	err      error
}

func (s *InboundStream) Payloads() <-chan []byte { return s.payloads }
func (s *InboundStream) Err() error              { return s.err }

// Close tears down the underlying connection, ending the stream if it has
// not already ended on its own.
func (s *InboundStream) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// ConnectInbound dials wsURL and returns a running InboundStream.
func ConnectInbound(ctx context.Context, wsURL string, log *logging.Logger) (*InboundStream, error) {
	if log == nil {
		log = logging.L()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("spectate: connect %s: %w", wsURL, err)
	}

	stream := &InboundStream{conn: conn, payloads: make(chan []byte, 64)}
	go runInboundLoop(stream, log)
	return stream, nil
}

func runInboundLoop(stream *InboundStream, log *logging.Logger) {
	defer close(stream.payloads)
	defer stream.conn.Close()

	for {
		kind, data, err := stream.conn.ReadMessage()
		if err != nil {
			stream.err = err
			return
		}
		if kind != websocket.BinaryMessage {
			stream.err = fmt.Errorf("spectate: unexpected frame type %d, ending session", kind)
			log.Warn("spectate: ending session on non-binary frame", logging.Int("frame_type", kind))
			return
		}
		if len(data) == 0 {
			continue
		}
		stream.payloads <- data
	}
}
