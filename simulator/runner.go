package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/contractflow/pipeline"
)

// Sink receives each tick's batch of events.
type Sink interface {
	Send(ctx context.Context, events []pipeline.Event) error
}

// Tuning holds the parameters that may change while the simulation runs.
// Zero fields leave the current value unchanged.
type Tuning struct {
	EmitProbability float64
	Interval        time.Duration
}

// Runner drives a Simulator on a ticker and forwards batches to a Sink.
type Runner struct {
	sim      *Simulator
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending *Tuning

	batches int
	events  int
	errors  int
}

// NewRunner creates a runner ticking every interval.
func NewRunner(sim *Simulator, sink Sink, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Runner{
		sim:      sim,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Tune schedules new parameters; they take effect before the next tick.
// Safe to call from any goroutine.
func (r *Runner) Tune(t Tuning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = &Tuning{}
	}
	if t.EmitProbability > 0 {
		r.pending.EmitProbability = t.EmitProbability
	}
	if t.Interval > 0 {
		r.pending.Interval = t.Interval
	}
}

// Stats returns the number of batches sent, events produced, and sink errors.
// Only meaningful once Run has returned.
func (r *Runner) Stats() (batches, events, errors int) {
	return r.batches, r.events, r.errors
}

// Run ticks until the simulator is done or ctx is cancelled. Sink failures
// are logged and the batch is dropped.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Simulation started",
		"interval", r.interval,
		"max_total", r.sim.cfg.MaxTotal,
		"max_live", r.sim.cfg.MaxLive)

	for {
		r.applyTuning(ticker)

		batch := r.sim.Tick()
		if len(batch) > 0 {
			r.batches++
			r.events += len(batch)
			if err := r.sink.Send(ctx, batch); err != nil {
				r.errors++
				r.logger.Warn("Failed to send batch", "events", len(batch), "error", err)
			}
		}

		if r.sim.Done() {
			r.logger.Info("Simulation finished",
				"created", r.sim.Created(),
				"events", r.events,
				"send_errors", r.errors)
			return nil
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Simulation stopped", "created", r.sim.Created(), "live", r.sim.Live())
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) applyTuning(ticker *time.Ticker) {
	r.mu.Lock()
	t := r.pending
	r.pending = nil
	r.mu.Unlock()

	if t == nil {
		return
	}
	if t.EmitProbability > 0 {
		r.sim.SetEmitProbability(t.EmitProbability)
	}
	if t.Interval > 0 && t.Interval != r.interval {
		r.interval = t.Interval
		ticker.Reset(t.Interval)
	}
	r.logger.Info("Simulation retuned",
		"emit_probability", r.sim.cfg.EmitProbability,
		"interval", r.interval)
}
