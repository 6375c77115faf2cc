// Package tracker consumes the broker's event stream, keeps the fleet state
// current and serves it over HTTP. It also periodically publishes summaries
// to a Publisher such as storage.FleetStore.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/contractflow/fleet"
	"github.com/c360studio/contractflow/pipeline"
	"github.com/c360studio/contractflow/stream"
)

// Config holds tracker settings.
type Config struct {
	// URL is the broker WebSocket endpoint.
	URL string `yaml:"url"`
	// Addr is the listen address of the tracker's HTTP API.
	Addr string `yaml:"addr"`
	// PublishInterval is how often a changed summary is logged and published.
	PublishInterval time.Duration `yaml:"publish_interval"`
	// HeartbeatInterval is the SSE keep-alive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// PublishContracts also publishes every changed contract record.
	PublishContracts bool `yaml:"publish_contracts"`
}

// DefaultConfig returns default tracker settings.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		Addr:              ":8090",
		PublishInterval:   5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		PublishContracts:  true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.PublishInterval <= 0 {
		return fmt.Errorf("publish_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

// Publisher receives fleet state on every publish tick.
type Publisher interface {
	PutSummary(ctx context.Context, sum fleet.Summary) (uint64, error)
	PutContract(ctx context.Context, e *fleet.EntityState, pos fleet.Position) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPublisher sets where summaries are published.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) {
		t.publisher = p
	}
}

// WithRegistry sets the Prometheus registry used for /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Tracker) {
		t.registry = reg
	}
}

// WithStreamOptions passes options to the underlying stream client.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(t *Tracker) {
		t.streamOpts = append(t.streamOpts, opts...)
	}
}

// Tracker connects a stream client to a fleet reconciler.
type Tracker struct {
	cfg        Config
	pipeline   *pipeline.Pipeline
	reconciler *fleet.Reconciler
	client     *stream.Client
	publisher  Publisher
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics
	streamOpts []stream.Option

	publishMu sync.Mutex
	last      fleet.Snapshot
	published atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a tracker for pipeline p.
func New(cfg Config, p *pipeline.Pipeline, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}

	t := &Tracker{
		cfg:        cfg,
		pipeline:   p,
		reconciler: fleet.NewReconciler(p),
		logger:     slog.Default(),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
	}
	t.last = fleet.NewSnapshot(p)
	t.metrics = newMetrics(t.registry, t.reconciler)

	clientOpts := append([]stream.Option{
		stream.WithLogger(t.logger),
		stream.WithStateHandler(t.onState),
	}, t.streamOpts...)
	t.client = stream.NewClient(cfg.URL, t.handle, clientOpts...)
	return t, nil
}

// Reconciler returns the fleet state owner.
func (t *Tracker) Reconciler() *fleet.Reconciler {
	return t.reconciler
}

// Connected reports whether the stream is currently connected.
func (t *Tracker) Connected() bool {
	return t.client.Connected()
}

// Ready is closed the first time the stream connects.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Published returns the number of summaries published so far.
func (t *Tracker) Published() int64 {
	return t.published.Load()
}

func (t *Tracker) handle(ev pipeline.Event) {
	if t.reconciler.Apply(ev) {
		t.metrics.applied.Inc()
		return
	}
	t.metrics.ignored.Inc()
	t.logger.Debug("Ignored event",
		"contract_id", ev.ContractID,
		"agent", ev.Agent,
		"status", ev.Status)
}

func (t *Tracker) onState(connected bool) {
	if connected {
		t.readyOnce.Do(func() { close(t.ready) })
		t.metrics.connected.Set(1)
		t.logger.Info("Stream connected", "url", t.cfg.URL)
		return
	}
	t.metrics.connected.Set(0)
	t.logger.Info("Stream disconnected", "url", t.cfg.URL, "attempts", t.client.Attempts())
}

// Run consumes the stream and publishes summaries until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.client.Start(ctx); err != nil {
		return fmt.Errorf("start stream client: %w", err)
	}
	defer t.client.Close()

	t.logger.Info("Tracker started",
		"url", t.cfg.URL,
		"publish_interval", t.cfg.PublishInterval)

	t.publishLoop(ctx)

	received, dropped := t.client.Stats()
	t.logger.Info("Tracker stopped", "frames", received, "dropped", dropped)
	return nil
}

// publishLoop periodically publishes the summary when it changed.
func (t *Tracker) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final publish so readers see the last state.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.PublishIfChanged(flushCtx)
			cancel()
			return
		case <-ticker.C:
			t.PublishIfChanged(ctx)
		}
	}
}

// PublishIfChanged logs and publishes the summary when the snapshot version
// moved since the last successful publish. It reports whether anything was
// published.
func (t *Tracker) PublishIfChanged(ctx context.Context) bool {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	snap := t.reconciler.Snapshot()
	if snap.Version() == t.last.Version() {
		return false
	}

	sum := fleet.Summarize(snap)
	t.logger.Info("Fleet summary",
		"version", sum.Version,
		"total", sum.Total,
		"done", sum.Done,
		"active", sum.Active,
		"failed", sum.Failed,
		"erroring", sum.Erroring)

	if t.publisher != nil {
		if err := t.publish(ctx, snap, sum); err != nil {
			t.logger.Warn("Failed to publish fleet state", "version", sum.Version, "error", err)
			return false
		}
	}

	t.last = snap
	t.published.Add(1)
	return true
}

func (t *Tracker) publish(ctx context.Context, snap fleet.Snapshot, sum fleet.Summary) error {
	var errs []error
	if t.cfg.PublishContracts {
		for _, e := range snap.Entities() {
			// Unchanged contracts share their state with the previous snapshot.
			if prev, ok := t.last.Get(e.ID()); ok && prev == e {
				continue
			}
			if err := t.publisher.PutContract(ctx, e, snap.CurrentStage(e)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, err := t.publisher.PutSummary(ctx, sum); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP API on cfg.Addr until ctx is cancelled.
func (t *Tracker) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              t.cfg.Addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Ends open summary streams when ctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("Tracker API listening", "addr", t.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve tracker api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown tracker api: %w", err)
	}
	return nil
}
