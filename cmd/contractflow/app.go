package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/contractflow/broker"
	"github.com/c360studio/contractflow/config"
	"github.com/c360studio/contractflow/pipeline"
	"github.com/c360studio/contractflow/simulator"
	"github.com/c360studio/contractflow/storage"
	"github.com/c360studio/contractflow/stream"
	"github.com/c360studio/contractflow/tracker"
)

// App wires the configured components together.
type App struct {
	cfg      *config.Config
	source   string
	logger   *slog.Logger
	pipeline *pipeline.Pipeline

	// NATS
	embeddedServer *server.Server
	storeDir       string
	natsConn       *nats.Conn
	js             jetstream.JetStream
}

// NewApp creates a new application instance. source is the config file to
// watch for live simulator tuning; empty disables watching.
func NewApp(cfg *config.Config, source string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := cfg.Pipeline.Build()
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &App{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		pipeline: p,
	}, nil
}

// Start connects to NATS when configured.
func (a *App) Start(ctx context.Context) error {
	if !a.cfg.NATS.Enabled() {
		return nil
	}
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if url == "" {
		a.logger.Info("Starting embedded NATS server")
		dir, err := os.MkdirTemp("", "contractflow-nats-*")
		if err != nil {
			return fmt.Errorf("create JetStream store dir: %w", err)
		}
		a.storeDir = dir

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
			StoreDir:  dir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", url)
	conn, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return wrapNATSError(err, url)
	}
	a.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError provides guidance when a NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server, set nats.url to a reachable one, or set nats.embedded: true
to run one in-process.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

// Shutdown releases NATS resources.
func (a *App) Shutdown() {
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	if a.storeDir != "" {
		_ = os.RemoveAll(a.storeDir)
	}
}

// RunBroker serves the broker until ctx is cancelled. With NATS configured,
// accepted events are relayed and the ingest subject is consumed.
func (a *App) RunBroker(ctx context.Context) error {
	b, stop, err := a.newBroker()
	if err != nil {
		return err
	}
	defer stop()
	return b.Serve(ctx)
}

func (a *App) newBroker() (*broker.Server, func(), error) {
	opts := []broker.Option{broker.WithLogger(a.logger.With("component", "broker"))}
	if a.natsConn != nil {
		opts = append(opts, broker.WithRelay(a.natsConn, a.cfg.NATS.RelayPrefix))
	}

	b, err := broker.New(a.cfg.Broker, a.pipeline, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create broker: %w", err)
	}

	stop := func() {}
	if a.natsConn != nil {
		sub, err := b.SubscribeIngest(a.natsConn, a.cfg.NATS.IngestSubject)
		if err != nil {
			return nil, nil, fmt.Errorf("subscribe ingest: %w", err)
		}
		stop = func() { _ = sub.Unsubscribe() }
	}
	return b, stop, nil
}

func (a *App) newTracker(ctx context.Context) (*tracker.Tracker, error) {
	logger := a.logger.With("component", "tracker")
	opts := []tracker.Option{
		tracker.WithLogger(logger),
		tracker.WithStreamOptions(
			stream.WithBackoff(a.cfg.Stream.BaseDelay, a.cfg.Stream.MaxDelay),
		),
	}

	if a.js != nil && a.cfg.NATS.PublishFleet {
		store, err := storage.NewFleetStore(ctx, a.js)
		if err != nil {
			return nil, fmt.Errorf("open fleet store: %w", err)
		}
		opts = append(opts, tracker.WithPublisher(store))
	}

	return tracker.New(a.cfg.Tracker, a.pipeline, opts...)
}

// RunTracker consumes the broker stream and serves the fleet API until ctx
// is cancelled.
func (a *App) RunTracker(ctx context.Context) error {
	t, err := a.newTracker(ctx)
	if err != nil {
		return err
	}
	return runTracker(ctx, t)
}

func runTracker(ctx context.Context, t *tracker.Tracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Run(gctx) })
	g.Go(func() error { return t.Serve(gctx) })
	return g.Wait()
}

func (a *App) newSink() (simulator.Sink, error) {
	switch a.cfg.Simulator.Target {
	case config.TargetNATS:
		if a.natsConn == nil {
			return nil, fmt.Errorf("nats target requires a NATS connection")
		}
		return simulator.NewNATSSink(a.natsConn, a.cfg.NATS.IngestSubject), nil
	default:
		return simulator.NewHTTPSink(a.cfg.Simulator.BrokerURL, nil), nil
	}
}

// RunSimulator generates traffic until the simulation finishes or ctx is
// cancelled. Edits to the config file retune emit probability and interval
// while it runs.
func (a *App) RunSimulator(ctx context.Context) error {
	var rng *rand.Rand
	if seed := a.cfg.Simulator.Seed; seed != 0 {
		rng = rand.New(rand.NewPCG(seed, seed))
	}
	sim, err := simulator.New(a.cfg.Simulator.Config, a.pipeline, rng)
	if err != nil {
		return fmt.Errorf("create simulator: %w", err)
	}
	sink, err := a.newSink()
	if err != nil {
		return err
	}

	logger := a.logger.With("component", "simulator")
	runner := simulator.NewRunner(sim, sink, a.cfg.Simulator.Interval, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.source != "" {
		w, err := config.NewWatcher(a.source, 0, func(c *config.Config) {
			runner.Tune(simulator.Tuning{
				EmitProbability: c.Simulator.EmitProbability,
				Interval:        c.Simulator.Interval,
			})
		}, logger)
		if err != nil {
			logger.Warn("Config watching disabled", "path", a.source, "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})
	return g.Wait()
}

// RunAll runs broker, tracker and simulator together. The simulator starts
// once the broker is listening and the tracker has connected to it, so no
// batch is sent before anyone can receive it. The broker and tracker keep
// serving after the simulation finishes.
func (a *App) RunAll(ctx context.Context) error {
	b, stop, err := a.newBroker()
	if err != nil {
		return err
	}
	defer stop()
	t, err := a.newTracker(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Serve(gctx) })
	g.Go(func() error { return runTracker(gctx, t) })
	g.Go(func() error {
		a.logger.Info("Waiting for broker and tracker before simulating", "tracker_url", a.cfg.Tracker.URL)
		for _, ready := range []<-chan struct{}{b.Ready(), t.Ready()} {
			select {
			case <-ready:
			case <-gctx.Done():
				return nil
			}
		}
		return a.RunSimulator(gctx)
	})
	return g.Wait()
}
