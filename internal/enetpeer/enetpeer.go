// Package enetpeer implements the narrow subset of ENet's reliable-UDP peer
// semantics the emulator source adapter needs: a connect handshake, a fixed
// number of reliable channels, periodic pings, an event stream (connect,
// receive, disconnect), and peer-initiated disconnect with a reason code.
//
// It is not a general ENet implementation. Only single-peer,
// reliably-delivered, ordered-per-channel datagrams are supported, which is
// everything the emulator control protocol requires.
package enetpeer

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	packetTypeConnect    byte = 1
	packetTypeConnectAck byte = 2
	packetTypeData       byte = 3
	packetTypeDataAck    byte = 4
	packetTypeDisconnect byte = 5
	packetTypePing       byte = 6
	packetTypePong       byte = 7
)

// headerSize is {type:u8, channel:u8, seq:u16 big-endian}.
const headerSize = 4

const resendInterval = 50 * time.Millisecond
const maxResends = 20

// EventType identifies the kind of Event delivered on Peer.Events.
type EventType int

const (
	// EventConnect signals the handshake completed.
	EventConnect EventType = iota
	// EventReceive carries an inbound reliable packet's payload.
	EventReceive
	// EventDisconnect signals the peer connection ended, locally or remotely.
	EventDisconnect
)

// Event is one ENet-level occurrence surfaced to the adapter above this
// package.
type Event struct {
	Type           EventType
	ChannelID      byte
	Data           []byte
	DisconnectCode uint32
}

// HostSettings configures a Peer's connection parameters.
type HostSettings struct {
	ChannelLimit byte
	PingInterval time.Duration
	ConnectID    uint32
}

// DefaultHostSettings matches the emulator host's expectations: channel
// limit 3, 100ms ping interval.
func DefaultHostSettings() HostSettings {
	return HostSettings{ChannelLimit: 3, PingInterval: 100 * time.Millisecond}
}

// Peer is a single-peer reliable-UDP connection to a remote ENet-like host.
type Peer struct {
	conn     *net.UDPConn
	remote   *net.UDPAddr
	settings HostSettings

	events chan Event

	mu        sync.Mutex
	sendSeq   map[byte]uint16
	recvSeq   map[byte]uint16
	pending   map[byte]map[uint16]*inFlightPacket
	connected bool
	closed    bool
	closeOnce sync.Once
	stopCh    chan struct{}
}

type inFlightPacket struct {
	data    []byte
	acked   bool
	resends int
}

// Connect dials addr over UDP and sends the connect packet, returning without
// waiting for the reply; EventConnect arrives on Events once the host acks.
func Connect(addr string, settings HostSettings) (*Peer, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("enetpeer: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("enetpeer: dial %q: %w", addr, err)
	}
	if settings.ChannelLimit == 0 {
		settings = DefaultHostSettings()
	}

	p := &Peer{
		conn:     conn,
		remote:   remote,
		settings: settings,
		events:   make(chan Event, 32),
		sendSeq:  make(map[byte]uint16),
		recvSeq:  make(map[byte]uint16),
		pending:  make(map[byte]map[uint16]*inFlightPacket),
		stopCh:   make(chan struct{}),
	}

	go p.readLoop()
	go p.pingLoop()
	go p.resendLoop()

	if err := p.sendRaw(packetTypeConnect, 0, 0, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enetpeer: send connect: %w", err)
	}

	return p, nil
}

// Events returns the peer's event stream. The channel is never closed. At
// teardown Done is closed first, then EventDisconnect is queued as the last
// event if the channel has room (otherwise it is dropped); nothing is queued
// after it.
func (p *Peer) Events() <-chan Event {
	return p.events
}

// Done returns a channel closed once the peer has fully shut down. Consumers
// select on it alongside Events so a teardown that races an undrained event
// queue still terminates them.
func (p *Peer) Done() <-chan struct{} {
	return p.stopCh
}

// Send reliably delivers data on channel, retransmitting until acked or the
// peer disconnects.
func (p *Peer) Send(channel byte, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("enetpeer: send on closed peer")
	}
	seq := p.sendSeq[channel]
	p.sendSeq[channel] = seq + 1
	if p.pending[channel] == nil {
		p.pending[channel] = make(map[uint16]*inFlightPacket)
	}
	p.pending[channel][seq] = &inFlightPacket{data: append([]byte(nil), data...)}
	p.mu.Unlock()

	return p.sendRaw(packetTypeData, channel, seq, data)
}

// Disconnect sends a peer-initiated disconnect carrying code, then tears
// down local resources. It is safe to call multiple times.
func (p *Peer) Disconnect(code uint32) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	_ = p.sendRaw(packetTypeDisconnect, 0, 0, payload)
	p.shutdown(Event{Type: EventDisconnect, DisconnectCode: code})
}

func (p *Peer) shutdown(final Event) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
		_ = p.conn.Close()
		// The events channel stays open so a delivery racing this teardown
		// can never hit a closed channel. If the consumer has stopped
		// draining (it initiated the disconnect), the terminal event is
		// dropped rather than blocking teardown; Done tells it the peer is
		// gone either way.
		select {
		case p.events <- final:
		default:
		}
	})
}

// deliver queues ev for the consumer, giving up once the peer is shutting
// down so an in-flight send can neither panic nor strand its goroutine.
func (p *Peer) deliver(ev Event) {
	select {
	case <-p.stopCh:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.stopCh:
	}
}

func (p *Peer) sendRaw(kind, channel byte, seq uint16, payload []byte) error {
	header := make([]byte, headerSize)
	header[0] = kind
	header[1] = channel
	binary.BigEndian.PutUint16(header[2:4], seq)
	buf := append(header, payload...)
	_, err := p.conn.Write(buf)
	return err
}

func (p *Peer) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			p.shutdown(Event{Type: EventDisconnect})
			return
		}
		if n < headerSize {
			continue
		}
		p.handlePacket(append([]byte(nil), buf[:n]...))
	}
}

func (p *Peer) handlePacket(buf []byte) {
	kind := buf[0]
	channel := buf[1]
	seq := binary.BigEndian.Uint16(buf[2:4])
	payload := buf[headerSize:]

	switch kind {
	case packetTypeConnectAck:
		p.mu.Lock()
		already := p.connected
		p.connected = true
		p.mu.Unlock()
		if !already {
			p.deliver(Event{Type: EventConnect})
		}
	case packetTypeData:
		p.mu.Lock()
		last, seen := p.recvSeq[channel]
		fresh := !seen || seq == last+1
		if fresh {
			p.recvSeq[channel] = seq
		}
		p.mu.Unlock()
		_ = p.sendRaw(packetTypeDataAck, channel, seq, nil)
		if fresh {
			p.deliver(Event{Type: EventReceive, ChannelID: channel, Data: append([]byte(nil), payload...)})
		}
	case packetTypeDataAck:
		p.mu.Lock()
		if inflight, ok := p.pending[channel]; ok {
			delete(inflight, seq)
		}
		p.mu.Unlock()
	case packetTypeDisconnect:
		var code uint32
		if len(payload) >= 4 {
			code = binary.BigEndian.Uint32(payload)
		}
		p.shutdown(Event{Type: EventDisconnect, DisconnectCode: code})
	case packetTypePing:
		_ = p.sendRaw(packetTypePong, 0, 0, nil)
	case packetTypePong:
		// no-op: liveness only
	}
}

func (p *Peer) pingLoop() {
	interval := p.settings.PingInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.sendRaw(packetTypePing, 0, 0, nil)
		}
	}
}

func (p *Peer) resendLoop() {
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			for channel, inflight := range p.pending {
				for seq, pkt := range inflight {
					if pkt.resends >= maxResends {
						delete(inflight, seq)
						continue
					}
					pkt.resends++
					data := pkt.data
					ch := channel
					sq := seq
					go func() { _ = p.sendRaw(packetTypeData, ch, sq, data) }()
				}
			}
			p.mu.Unlock()
		}
	}
}
