package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gcpreston/swb-go/internal/logging"
)

// consoleReadTimeout bounds every blocking read on the console connection;
// expiry (or any I/O error) ends the stream, per the interface contract
// with the game-console firmware.
const consoleReadTimeout = 5 * time.Second

// consoleHandshake is the fixed 83-byte opening message the console adapter
// writes immediately after connecting: a binary-JSON envelope declaring
// {type:1, payload:{cursor:[],clientToken:[],isRealtime:false}}. The byte
// literal is part of the interface contract with the firmware and is kept
// bitwise opaque rather than re-derived from the envelope encoder.
var consoleHandshake = []byte{
	0x7b, 0x22, 0x74, 0x79, 0x70, 0x65, 0x22, 0x3a, 0x31, 0x2c,
	0x22, 0x70, 0x61, 0x79, 0x6c, 0x6f, 0x61, 0x64, 0x22, 0x3a,
	0x7b, 0x22, 0x63, 0x75, 0x72, 0x73, 0x6f, 0x72, 0x22, 0x3a,
	0x5b, 0x5d, 0x2c, 0x22, 0x63, 0x6c, 0x69, 0x65, 0x6e, 0x74,
	0x54, 0x6f, 0x6b, 0x65, 0x6e, 0x22, 0x3a, 0x5b, 0x5d, 0x2c,
	0x22, 0x69, 0x73, 0x52, 0x65, 0x61, 0x6c, 0x74, 0x69, 0x6d,
	0x65, 0x22, 0x3a, 0x66, 0x61, 0x6c, 0x73, 0x65, 0x7d, 0x7d,
	0x0a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00,
}

type consoleEnvelope struct {
	Type    int `json:"type"`
	Payload *struct {
		Data []byte `json:"data"`
	} `json:"payload"`
}

// ConsoleStream is the SourceStream implementation backed by a TCP
// connection speaking the console's length-prefixed binary-JSON envelope
// protocol.
type ConsoleStream struct {
	payloads chan []byte
	err      error
}

func (s *ConsoleStream) Payloads() <-chan []byte { return s.payloads }
func (s *ConsoleStream) Err() error              { return s.err }

// ConnectConsole dials the console endpoint, writes the fixed handshake, and
// returns a running Stream plus its paired Interrupt.
func ConnectConsole(ep Endpoint, log *logging.Logger) (Stream, *Interrupt, error) {
	if log == nil {
		log = logging.L()
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("source: console connect %s: %w", addr, err)
	}
	if _, err := conn.Write(consoleHandshake); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("source: console handshake: %w", err)
	}

	stream := &ConsoleStream{payloads: make(chan []byte, 64)}
	interrupt := NewInterrupt()

	go runConsoleLoop(conn, stream, interrupt, log)

	return stream, interrupt, nil
}

func runConsoleLoop(conn net.Conn, stream *ConsoleStream, interrupt *Interrupt, log *logging.Logger) {
	defer close(stream.payloads)
	defer conn.Close()

	for {
		select {
		case <-interrupt.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(consoleReadTimeout))
		var lengthBuf [4]byte
		if _, err := readFull(conn, lengthBuf[:]); err != nil {
			stream.err = err
			return
		}
		length := binary.BigEndian.Uint32(lengthBuf[:])

		_ = conn.SetReadDeadline(time.Now().Add(consoleReadTimeout))
		body := make([]byte, length)
		if _, err := readFull(conn, body); err != nil {
			stream.err = err
			return
		}

		var envelope consoleEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			stream.err = fmt.Errorf("source: console decode envelope: %w", err)
			return
		}
		if envelope.Payload == nil || len(envelope.Payload.Data) == 0 {
			continue
		}

		select {
		case stream.payloads <- envelope.Payload.Data:
		case <-interrupt.Done():
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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
