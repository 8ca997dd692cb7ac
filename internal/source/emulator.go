package source

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gcpreston/swb-go/internal/enetpeer"
	"github.com/gcpreston/swb-go/internal/logging"
)

// emulatorTickInterval is the ENet service cadence: ~8.333ms, i.e. 120Hz.
const emulatorTickInterval = time.Second / 120

// disconnectCode is the application-level reason sent when the adapter
// tears down its peer on interrupt.
const disconnectCode = 1337

// controlMessage is one JSON control-protocol message. Cursor must not be
// omitempty: the opening handshake is the exact literal
// {"type":"connect_request","cursor":0}.
type controlMessage struct {
	Type    string `json:"type"`
	Cursor  int    `json:"cursor"`
	Payload string `json:"payload,omitempty"`
}

// EmulatorStream is the SourceStream implementation backed by an
// enetpeer.Peer running the emulator's JSON-over-ENet control protocol.
type EmulatorStream struct {
	payloads chan []byte
	err      error
}

func (s *EmulatorStream) Payloads() <-chan []byte { return s.payloads }
func (s *EmulatorStream) Err() error              { return s.err }

// ConnectEmulator dials the emulator endpoint and returns a running Stream
// plus its paired Interrupt. The handshake finishes inside the stream's loop:
// connect_request is sent once the peer reports EventConnect.
func ConnectEmulator(ep Endpoint, log *logging.Logger) (Stream, *Interrupt, error) {
	if log == nil {
		log = logging.L()
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	peer, err := enetpeer.Connect(addr, enetpeer.DefaultHostSettings())
	if err != nil {
		return nil, nil, fmt.Errorf("source: emulator connect %s: %w", addr, err)
	}

	stream := &EmulatorStream{payloads: make(chan []byte, 64)}
	interrupt := NewInterrupt()

	go runEmulatorLoop(peer, stream, interrupt, log)

	return stream, interrupt, nil
}

func runEmulatorLoop(peer *enetpeer.Peer, stream *EmulatorStream, interrupt *Interrupt, log *logging.Logger) {
	defer close(stream.payloads)

	ticker := time.NewTicker(emulatorTickInterval)
	defer ticker.Stop()

	var pending []byte

	fail := func(err error) {
		stream.err = err
		peer.Disconnect(disconnectCode)
	}
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		blob := pending
		pending = nil
		select {
		case stream.payloads <- blob:
			return true
		case <-interrupt.Done():
			peer.Disconnect(disconnectCode)
			return false
		}
	}

	for {
		select {
		case <-interrupt.Done():
			peer.Disconnect(disconnectCode)
			return

		case <-peer.Done():
			return

		case ev := <-peer.Events():
			switch ev.Type {
			case enetpeer.EventConnect:
				request, _ := json.Marshal(controlMessage{Type: "connect_request", Cursor: 0})
				if err := peer.Send(0, request); err != nil {
					fail(fmt.Errorf("source: emulator send connect_request: %w", err))
					return
				}
			case enetpeer.EventDisconnect:
				return
			case enetpeer.EventReceive:
				var msg controlMessage
				if err := json.Unmarshal(ev.Data, &msg); err != nil {
					fail(fmt.Errorf("source: emulator parse control message: %w", err))
					return
				}
				switch msg.Type {
				case "connect_reply":
					log.Debug("emulator source: handshake complete")
				case "start_game":
					log.Info("emulator source: game started")
				case "end_game":
					log.Info("emulator source: game ended")
				case "game_event":
					decoded, err := base64.StdEncoding.DecodeString(msg.Payload)
					if err != nil {
						fail(fmt.Errorf("source: emulator decode game_event payload: %w", err))
						return
					}
					pending = append(pending, decoded...)
				default:
					fail(fmt.Errorf("source: emulator unexpected control message type %q", msg.Type))
					return
				}
			}

		case <-ticker.C:
			if !flush() {
				return
			}
		}
	}
}
