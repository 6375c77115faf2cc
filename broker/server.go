// Package broker implements the relay that validates inbound status events
// and fans them out to every connected stream client.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/c360studio/contractflow/pipeline"
	"github.com/c360studio/contractflow/validation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxBodyBytes   = 4 << 20
	shutdownPeriod = 5 * time.Second
)

// Config configures the broker.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// MaxConnections caps concurrent TCP connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int `yaml:"send_buffer"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxConnections: 1024,
		SendBuffer:     256,
	}
}

// Result reports the outcome of one submission.
type Result struct {
	Sent   int                    `json:"sent"`
	Errors []validation.ItemError `json:"errors"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry sets the Prometheus registry that collects and exposes the
// broker metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithRelay publishes every accepted event to NATS under subjectPrefix.<agent>.
func WithRelay(pub Publisher, subjectPrefix string) Option {
	return func(s *Server) {
		s.relay = pub
		s.relayPrefix = subjectPrefix
	}
}

// Server is the broker HTTP/WebSocket server.
type Server struct {
	cfg       Config
	pipeline  *pipeline.Pipeline
	validator *validation.Validator
	hub       *Hub
	metrics   *Metrics
	registry  *prometheus.Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	relay       Publisher
	relayPrefix string

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a broker for pipeline p.
func New(cfg Config, p *pipeline.Pipeline, opts ...Option) (*Server, error) {
	v, err := validation.NewValidator(p)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}

	s := &Server{
		cfg:       cfg,
		pipeline:  p,
		validator: v,
		logger:    slog.Default(),
		ready:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)
	s.hub = NewHub(s.logger, s.metrics)
	return s, nil
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every broker endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /schema", s.handleSchema)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Accept validates body and broadcasts every valid item verbatim. Invalid
// items are reported individually and never block the rest of the batch.
func (s *Server) Accept(body []byte) (Result, error) {
	valid, itemErrs, err := s.validator.ValidateBatch(body)
	if err != nil {
		return Result{}, err
	}

	for _, raw := range valid {
		s.hub.Broadcast(raw)
		s.publish(raw)
	}

	if itemErrs == nil {
		itemErrs = []validation.ItemError{}
	}
	for _, ie := range itemErrs {
		s.logger.Warn("Rejected event", "index", ie.Index, "error", ie.Error)
	}
	s.metrics.accepted(len(valid)+len(itemErrs), len(itemErrs), len(valid))

	return Result{Sent: len(valid), Errors: itemErrs}, nil
}

// Serve listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled or serving fails. Either
// way connected stream clients are closed before it returns.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-serveDone:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Broker shutdown incomplete", "error", err)
		}
		s.hub.CloseAll()
	}()

	s.logger.Info("Broker listening", "addr", ln.Addr().String(), "stages", s.pipeline.Stages())
	s.readyOnce.Do(func() { close(s.ready) })
	err := srv.Serve(ln)
	close(serveDone)
	<-shutdownDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := s.Accept(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Count(),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.validator.Schema())
}

// greeting is the out-of-band frame sent to every new stream client.
type greeting struct {
	Type     string           `json:"type"`
	ClientID string           `json:"clientId"`
	Stages   []pipeline.Stage `json:"stages"`
}

// handleStream handles GET /ws: upgrades to WebSocket, sends a greeting and
// then relays every broadcast event until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
	}

	hello, err := json.Marshal(greeting{Type: "hello", ClientID: c.id, Stages: s.pipeline.Stages()})
	if err == nil {
		c.send <- hello
	}

	s.hub.add(c)
	go s.writePump(c)
	s.readPump(c)
}

// readPump discards inbound frames and detects disconnects.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
