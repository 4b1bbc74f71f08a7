// Package transport adapts WebSocket connections to live sessions.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/ragops-web/internal/protocol"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrQueueFull is returned when the client cannot keep up. The
	// connection is closed as well.
	ErrQueueFull = errors.New("outbound queue full")
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// Conn is the outbound half of a WebSocket bound to a session. Send queues
// without blocking; a single writer goroutine owns all writes.
type Conn struct {
	ws           *websocket.Conn
	queue        chan protocol.Outbound
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	mu     sync.Mutex
	status websocket.StatusCode
	reason string
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithQueueSize bounds the number of unsent messages.
func WithQueueSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.queue = make(chan protocol.Outbound, n)
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithConnLogger sets the logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConn wraps ws and starts its writer.
func NewConn(ws *websocket.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		ws:           ws,
		queue:        make(chan protocol.Outbound, defaultQueueSize),
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		status:       websocket.StatusNormalClosure,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writeLoop()
	return c
}

// Send queues msg for delivery. It never blocks.
func (c *Conn) Send(_ context.Context, msg protocol.Outbound) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	default:
		c.logger.Warn("Outbound queue full, closing connection", "queued", len(c.queue))
		c.closeWith(websocket.StatusPolicyViolation, "backpressure")
		return ErrQueueFull
	}
}

// Close flushes what is already queued and closes the socket with reason.
// It does not wait; use Done for that.
func (c *Conn) Close(reason string) {
	c.closeWith(websocket.StatusNormalClosure, reason)
}

func (c *Conn) closeWith(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = status
		c.reason = reason
		c.mu.Unlock()
		close(c.closing)
	})
}

// Done is closed once the socket has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.logger.Debug("WebSocket write failed", "type", msg.OutboundType(), "error", err)
				c.closeWith(websocket.StatusInternalError, "write failed")
				c.shutdown()
				return
			}
		case <-c.closing:
			c.drain()
			c.shutdown()
			return
		}
	}
}

// drain writes whatever was queued before Close.
func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("Failed to encode outbound message", "type", msg.OutboundType(), "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	status, reason := c.status, c.reason
	c.mu.Unlock()

	if err := c.ws.Close(status, reason); err != nil {
		c.logger.Debug("Failed to close websocket", "error", err)
	}
}
