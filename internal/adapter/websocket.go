package adapter

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CircuitState represents the health of the WebSocket connection.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // disconnected or reconnecting
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// FrameKind tags the items delivered on WSClient.Frames.
type FrameKind uint8

const (
	// FrameData carries one inbound text or binary message.
	FrameData FrameKind = iota + 1
	// FrameConnected is delivered after every successful dial, including
	// reconnects.
	FrameConnected
	// FrameDisconnected is delivered when the connection is lost. Err holds
	// the cause.
	FrameDisconnected
)

// Frame is one inbound item: a message or a connection-state change. Data
// frames and state changes share a channel so consumers observe them in the
// order they happened.
type Frame struct {
	Kind FrameKind
	Data []byte
	Err  error
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of inbound silence (data or
	// ping) before the client considers the connection dead and reconnects.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Keepalive is sent whenever nothing has been written for
	// Keepalive.Interval. Every outbound frame restarts the timer.
	Keepalive KeepalivePolicy

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults suited to exchange market-data feeds.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 60 * time.Second,
		BackoffInitial:   250 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a reconnecting WebSocket connection with a single ordered
// consumer. It reconnects with exponential backoff, keeps the link alive
// with the configured keepalive payload and reports state changes inline
// with the data it reads.
type WSClient struct {
	cfg WSConfig
	log *zap.Logger

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	frames chan Frame
	outbox chan []byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	ws := &WSClient{
		cfg:    cfg,
		log:    log,
		frames: make(chan Frame, 1024),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// Circuit returns the current connection health.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// Frames returns the ordered stream of inbound messages and connection-state
// changes. It is closed once the client has stopped reading.
func (ws *WSClient) Frames() <-chan Frame {
	return ws.frames
}

// Send enqueues a message for delivery, blocking while the outbox is full.
func (ws *WSClient) Send(ctx context.Context, data []byte) error {
	select {
	case ws.outbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ws.done:
		return ErrNotConnected
	}
}

// Connect dials the WebSocket endpoint and starts the read and write loops.
// It blocks until the initial connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.cancel()
		return err
	}
	ws.circuit.Store(int32(CircuitClosed))

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client and the underlying connection.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()
		close(ws.done)
	})
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	ws.mu.RLock()
	url := ws.cfg.URL
	ws.mu.RUnlock()

	conn, _, err := dialer.DialContext(ctx, url, ws.cfg.Headers)
	if err != nil {
		return err
	}

	// Server pings count as liveness, not only data.
	timeout := ws.cfg.HeartbeatTimeout
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		if e, ok := err.(net.Error); ok && e.Timeout() {
			return nil
		}
		return err
	})

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is re-established
// or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.drainOutbox()
		ws.circuit.Store(int32(CircuitClosed))
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// drainOutbox discards writes queued for the dead connection. The consumer
// resubscribes once it sees FrameConnected, so anything left over would
// only duplicate that.
func (ws *WSClient) drainOutbox() {
	for {
		select {
		case data := <-ws.outbox:
			ws.log.Debug("discarding stale write", zap.Int("bytes", len(data)))
		default:
			return
		}
	}
}

// readLoop is the only sender on ws.frames. It doubles as the heartbeat
// monitor: if nothing arrives within HeartbeatTimeout it reconnects.
func (ws *WSClient) readLoop(ctx context.Context) {
	defer close(ws.frames)

	if !ws.deliver(ctx, Frame{Kind: FrameConnected}) {
		return
	}

	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.circuit.Store(int32(CircuitOpen))
			c.Close()
			ws.log.Warn("read error, reconnecting", zap.Error(err))
			if !ws.deliver(ctx, Frame{Kind: FrameDisconnected, Err: err}) {
				return
			}
			if !ws.reconnect(ctx) {
				return
			}
			if !ws.deliver(ctx, Frame{Kind: FrameConnected}) {
				return
			}
			continue
		}

		if !ws.deliver(ctx, Frame{Kind: FrameData, Data: msg}) {
			return
		}
	}
}

// deliver blocks until the consumer takes f. Frames are never dropped: a
// missing update would silently corrupt the consumer's book.
func (ws *WSClient) deliver(ctx context.Context, f Frame) bool {
	select {
	case ws.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeLoop drains the outbox and sends the keepalive payload whenever the
// connection has been idle for the keepalive interval.
func (ws *WSClient) writeLoop(ctx context.Context) {
	interval := ws.cfg.Keepalive.Interval

	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		tick = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.write(data)
		case <-tick:
			ws.write(ws.cfg.Keepalive.Payload)
		}
		if timer != nil {
			timer.Reset(interval)
		}
	}
}

func (ws *WSClient) write(data []byte) {
	ws.mu.RLock()
	c := ws.conn
	ws.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the broken connection and reconnects.
		ws.log.Warn("write error", zap.Error(err), zap.Int("bytes", len(data)))
	}
}
