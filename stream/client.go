// Package stream maintains a long-lived WebSocket connection to the event
// broker and delivers decoded status events to a handler, reconnecting with
// exponential backoff whenever the connection fails.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/contractflow/pipeline"
)

const (
	// DefaultBaseDelay is the first reconnection delay unit.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnection delay.
	DefaultMaxDelay = 30 * time.Second

	maxFrameSize = 1 << 20
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("stream client closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("stream client already started")
)

// Conn is the subset of a WebSocket connection the client reads from.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Handler receives each decoded event in arrival order.
type Handler func(pipeline.Event)

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the base and maximum reconnection delay.
func WithBackoff(base, limit time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.baseDelay = base
		}
		if limit > 0 {
			c.maxDelay = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithStateHandler registers a callback invoked whenever the connected state
// changes. It runs on the client's loop goroutine.
func WithStateHandler(fn func(connected bool)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// Client is a reconnecting event stream consumer. All connection and retry
// state is owned by the instance; observers only see Connected.
type Client struct {
	url       string
	handler   Handler
	dial      DialFunc
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
	onState   func(bool)
	sleep     func(ctx context.Context, d time.Duration) error

	connected atomic.Bool
	attempts  atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64

	mu      sync.Mutex
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// NewClient creates a client for the WebSocket endpoint url.
func NewClient(url string, handler Handler, opts ...Option) *Client {
	c := &Client{
		url:       url,
		handler:   handler,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		logger:    slog.Default(),
		sleep:     sleepContext,
	}
	c.dial = WebSocketDialer(&websocket.Dialer{HandshakeTimeout: 10 * time.Second})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WebSocketDialer adapts a gorilla dialer to DialFunc.
func WebSocketDialer(d *websocket.Dialer) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		conn.SetReadLimit(maxFrameSize)
		return conn, nil
	}
}

// Delay returns the wait before the next connection attempt after attempt
// consecutive failures: min(base * 2^attempt, limit).
func Delay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Attempts returns the number of consecutive failed or closed connections.
func (c *Client) Attempts() int {
	return int(c.attempts.Load())
}

// Stats returns the number of frames received and dropped as malformed.
func (c *Client) Stats() (received, dropped int64) {
	return c.received.Load(), c.dropped.Load()
}

// Start launches the connect/read/reconnect loop. The loop stops when ctx is
// cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go c.run(runCtx)
	return nil
}

// Run starts the client and blocks until ctx is cancelled, then closes it.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Close()
}

// Close stops reconnection, releases the live connection and waits for the
// loop to exit. No handler call happens after Close returns. Close is
// idempotent and must not be called from the handler.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setConnected(false)

	for ctx.Err() == nil {
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Stream connect failed", "url", c.url, "error", err)
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		if !c.setConn(conn) {
			_ = conn.Close()
			return
		}
		c.attempts.Store(0)
		c.setConnected(true)
		c.logger.Info("Stream connected", "url", c.url)

		c.readLoop(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Stream disconnected", "url", c.url)
		if !c.backoff(ctx) {
			return
		}
	}
}

// backoff records a failure and waits out the delay. It returns false if
// the client was stopped during the wait.
func (c *Client) backoff(ctx context.Context) bool {
	n := c.attempts.Add(1)
	delay := Delay(int(n), c.baseDelay, c.maxDelay)
	c.logger.Debug("Stream reconnect scheduled", "attempt", n, "delay", delay)
	return c.sleep(ctx, delay) == nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("Stream read failed", "error", err)
			}
			return
		}
		c.received.Add(1)

		events, err := pipeline.ParseEvents(data)
		if err != nil {
			c.dropped.Add(1)
			c.logger.Debug("Dropping malformed frame", "bytes", len(data))
			continue
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			c.handler(ev)
		}
	}
}

// setConn records the live connection. It refuses once the client is closed.
func (c *Client) setConn(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != nil && c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) setConnected(v bool) {
	if c.connected.Swap(v) != v && c.onState != nil {
		c.onState(v)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
