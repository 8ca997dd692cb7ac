// Package relay implements the persistent WebSocket client that carries
// outbound framed gameplay bytes to the remote broadcast relay: bounded
// connect retries, one-shot delivery of the server's bridge-info handshake,
// non-blocking binary sends, and transparent reconnection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gcpreston/swb-go/internal/logging"
)

// Tunables matching the relay client's contract.
const (
	IdleTimeout               = 15 * time.Second
	MaxInitialConnectAttempts = 3
	MaxReconnectAttempts      = 3
)

// Sentinel errors surfaced to callers.
var (
	ErrConnectError     = errors.New("relay: failed to establish connection")
	ErrConnectionClosed = errors.New("relay: connection permanently closed")
	ErrSendOnClosed     = errors.New("relay: send on closed client")
	ErrAlreadyConsumed  = errors.New("relay: connection monitor already consumed")
)

// BridgeInfo is the server's one-shot handshake payload, delivered as the
// first text frame after a successful connect.
type BridgeInfo struct {
	BridgeID  string   `json:"bridge_id"`
	StreamIDs []uint32 `json:"stream_ids"`
}

// ConnectionMonitor resolves exactly once, when the Client's underlying
// connection task permanently terminates (locally closed, or reconnect
// attempts exhausted).
type ConnectionMonitor struct {
	once sync.Once
	ch   chan error
}

func newConnectionMonitor() *ConnectionMonitor {
	return &ConnectionMonitor{ch: make(chan error, 1)}
}

func (m *ConnectionMonitor) resolve(err error) {
	m.once.Do(func() {
		m.ch <- err
		close(m.ch)
	})
}

// WaitForClose blocks until the client's connection terminates, returning
// the terminal error (nil for a clean local close). A second call on the
// same monitor returns ErrAlreadyConsumed.
func (m *ConnectionMonitor) WaitForClose(ctx context.Context) error {
	select {
	case err, ok := <-m.ch:
		if !ok {
			return ErrAlreadyConsumed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type inboundMessage struct {
	kind int
	data []byte
	err  error
}

// Client is a single broadcast session's relay connection.
type Client struct {
	dest        string
	streamCount int
	log         *logging.Logger
	limiter     *rate.Limiter
	idleTimeout time.Duration

	bridgeMu   sync.Mutex
	bridgeCh   chan struct{}
	bridgeInfo *BridgeInfo
	bridgeErr  error

	sendMu sync.Mutex
	queue  [][]byte
	notify chan struct{}
	closed bool

	monitor  *ConnectionMonitor
	closeReq chan struct{}
}

// Dial opens a relay session to dest (appending stream_count=streamCount),
// blocking until the BridgeInfo handshake is delivered or the connection
// permanently fails.
func Dial(ctx context.Context, dest string, streamCount int, log *logging.Logger) (*Client, error) {
	return dial(ctx, dest, streamCount, log, IdleTimeout)
}

// dial is Dial's implementation, parameterized on the idle-read timeout so
// tests can shrink it instead of waiting out the real 15s contract.
func dial(ctx context.Context, dest string, streamCount int, log *logging.Logger, idleTimeout time.Duration) (*Client, error) {
	if log == nil {
		log = logging.L()
	}
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("relay: parse dest %q: %w", dest, err)
	}
	q := u.Query()
	q.Set("stream_count", strconv.Itoa(streamCount))
	u.RawQuery = q.Encode()

	c := &Client{
		dest:        u.String(),
		streamCount: streamCount,
		log:         log,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		idleTimeout: idleTimeout,
		bridgeCh:    make(chan struct{}),
		notify:      make(chan struct{}, 1),
		monitor:     newConnectionMonitor(),
		closeReq:    make(chan struct{}),
	}

	ready := make(chan error, 1)
	go c.run(ctx, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BridgeInfo returns the handshake payload, blocking until it arrives or ctx
// is cancelled. It may be called any number of times; the value delivered
// by the server is cached after the first successful connect.
func (c *Client) BridgeInfo(ctx context.Context) (BridgeInfo, error) {
	select {
	case <-c.bridgeCh:
		c.bridgeMu.Lock()
		defer c.bridgeMu.Unlock()
		if c.bridgeErr != nil {
			return BridgeInfo{}, c.bridgeErr
		}
		return *c.bridgeInfo, nil
	case <-ctx.Done():
		return BridgeInfo{}, ctx.Err()
	}
}

// Monitor returns the connection monitor for this client.
func (c *Client) Monitor() *ConnectionMonitor { return c.monitor }

// Send enqueues a binary frame for delivery. It never blocks; on a
// permanently closed client it returns ErrSendOnClosed.
func (c *Client) Send(payload []byte) error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return ErrSendOnClosed
	}
	c.queue = append(c.queue, append([]byte(nil), payload...))
	c.sendMu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close requests a graceful shutdown: a normal close frame is sent and the
// connection monitor resolves with nil. Safe to call more than once.
func (c *Client) Close() error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return nil
	}
	c.closed = true
	c.sendMu.Unlock()
	select {
	case <-c.closeReq:
	default:
		close(c.closeReq)
	}
	return nil
}

func (c *Client) drainQueue() [][]byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *Client) deliverBridgeInfo(info *BridgeInfo, err error) {
	c.bridgeMu.Lock()
	defer c.bridgeMu.Unlock()
	select {
	case <-c.bridgeCh:
		return // already delivered
	default:
	}
	c.bridgeInfo = info
	c.bridgeErr = err
	close(c.bridgeCh)
}

func (c *Client) run(ctx context.Context, ready chan<- error) {
	conn, err := c.connectWithRetries(ctx, MaxInitialConnectAttempts)
	if err != nil {
		c.deliverBridgeInfo(nil, err)
		ready <- err
		c.monitor.resolve(ErrConnectError)
		return
	}

	msgCh := startReadPump(conn, c.idleTimeout)

	first, ok := <-msgCh
	if !ok || first.err != nil || first.kind != websocket.TextMessage {
		_ = conn.Close()
		err := fmt.Errorf("%w: expected bridge info handshake", ErrConnectError)
		c.deliverBridgeInfo(nil, err)
		ready <- err
		c.monitor.resolve(ErrConnectError)
		return
	}
	var info BridgeInfo
	if err := json.Unmarshal(first.data, &info); err != nil {
		_ = conn.Close()
		wrapped := fmt.Errorf("%w: decode bridge info: %v", ErrConnectError, err)
		c.deliverBridgeInfo(nil, wrapped)
		ready <- wrapped
		c.monitor.resolve(ErrConnectError)
		return
	}
	c.deliverBridgeInfo(&info, nil)
	ready <- nil

	c.streamLoop(ctx, conn, msgCh)
}

// streamLoop drives outbound sends and inbound monitoring once the bridge
// handshake has completed, transparently reconnecting on transient
// disconnects until the client is closed or reconnect attempts are
// exhausted.
func (c *Client) streamLoop(ctx context.Context, conn *websocket.Conn, msgCh <-chan inboundMessage) {
	for {
		select {
		case <-c.closeReq:
			for _, payload := range c.drainQueue() {
				_ = conn.WriteMessage(websocket.BinaryMessage, payload)
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			c.monitor.resolve(nil)
			return

		case <-ctx.Done():
			_ = conn.Close()
			c.monitor.resolve(ctx.Err())
			return

		case <-c.notify:
			for _, payload := range c.drainQueue() {
				if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
					_ = conn.Close()
					newConn, reconnectErr := c.reconnect(ctx)
					if reconnectErr != nil {
						c.monitor.resolve(reconnectErr)
						return
					}
					conn = newConn
					msgCh = startReadPump(conn, c.idleTimeout)
					break
				}
			}

		case msg, ok := <-msgCh:
			if !ok || msg.err != nil {
				_ = conn.Close()
				newConn, reconnectErr := c.reconnect(ctx)
				if reconnectErr != nil {
					c.monitor.resolve(reconnectErr)
					return
				}
				conn = newConn
				msgCh = startReadPump(conn, c.idleTimeout)
				continue
			}
			// Inbound text after the handshake is ignored; no other inbound
			// traffic is expected on the broadcast path.
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	c.log.Info("relay: attempting reconnect", logging.String("dest", c.dest))
	conn, err := c.connectWithRetries(ctx, MaxReconnectAttempts)
	if err != nil {
		return nil, ErrConnectionClosed
	}
	return conn, nil
}

func (c *Client) connectWithRetries(ctx context.Context, maxAttempts int) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dest, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Warn("relay: connect attempt failed", logging.Int("attempt", attempt+1), logging.Error(err))
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectError, lastErr)
}

func startReadPump(conn *websocket.Conn, idleTimeout time.Duration) <-chan inboundMessage {
	ch := make(chan inboundMessage)
	go func() {
		defer close(ch)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			kind, data, err := conn.ReadMessage()
			ch <- inboundMessage{kind: kind, data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
