// Package simulator generates realistic contract status traffic. Each
// simulated contract is a small stochastic state machine that walks the
// pipeline, retries, and eventually retires with success, error or a
// human-in-the-loop hand-off.
package simulator

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360studio/contractflow/pipeline"
)

// Config controls the generated workload.
type Config struct {
	// MaxLive bounds concurrently simulated contracts.
	MaxLive int `yaml:"max_live"`
	// MaxTotal bounds contracts ever created; the simulator finishes once
	// they have all retired.
	MaxTotal int `yaml:"max_total"`
	// SpawnPerTick is how many contracts may be created per tick.
	SpawnPerTick int `yaml:"spawn_per_tick"`
	// EmitProbability is the chance a live contract reports on a tick.
	EmitProbability float64 `yaml:"emit_probability"`
	// FinalSuccessProbability is the chance a contract destined for the last
	// stage finishes with success rather than error.
	FinalSuccessProbability float64 `yaml:"final_success_probability"`
	// EarlyErrorProbability is the chance a contract that stops before the
	// last stage ends in error rather than hil.
	EarlyErrorProbability float64 `yaml:"early_error_probability"`
	// FinalStageWeights weights the stage each contract stops at. Empty means
	// a default biased toward later stages.
	FinalStageWeights []float64 `yaml:"final_stage_weights"`
	// IDPrefix prefixes generated contract ids.
	IDPrefix string `yaml:"id_prefix"`
	// Interval is the tick period used by the Runner.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxLive:                 40,
		MaxTotal:                200,
		SpawnPerTick:            2,
		EmitProbability:         0.35,
		FinalSuccessProbability: 0.85,
		EarlyErrorProbability:   0.5,
		IDPrefix:                "CTR",
		Interval:                500 * time.Millisecond,
	}
}

// Validate checks the configuration against a pipeline.
func (c *Config) Validate(p *pipeline.Pipeline) error {
	if c.MaxLive <= 0 {
		return fmt.Errorf("max_live must be positive")
	}
	if c.MaxTotal <= 0 {
		return fmt.Errorf("max_total must be positive")
	}
	if c.SpawnPerTick <= 0 {
		return fmt.Errorf("spawn_per_tick must be positive")
	}
	if c.EmitProbability <= 0 || c.EmitProbability > 1 {
		return fmt.Errorf("emit_probability must be in (0, 1]")
	}
	if c.FinalSuccessProbability < 0 || c.FinalSuccessProbability > 1 {
		return fmt.Errorf("final_success_probability must be in [0, 1]")
	}
	if c.EarlyErrorProbability < 0 || c.EarlyErrorProbability > 1 {
		return fmt.Errorf("early_error_probability must be in [0, 1]")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if len(c.FinalStageWeights) > 0 {
		if len(c.FinalStageWeights) != p.Len() {
			return fmt.Errorf("final_stage_weights needs %d entries, got %d", p.Len(), len(c.FinalStageWeights))
		}
		sum := 0.0
		for i, w := range c.FinalStageWeights {
			if w < 0 {
				return fmt.Errorf("final_stage_weights[%d] must not be negative", i)
			}
			sum += w
		}
		if sum == 0 {
			return fmt.Errorf("final_stage_weights must not all be zero")
		}
	}
	return nil
}

// defaultFinalStageWeights weights stage i by i+1 and gives the last stage
// the largest share.
func defaultFinalStageWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = float64(i + 1)
	}
	w[n-1] = float64(max(2*(n-1), n))
	return w
}

// entity is the simulator-side state of one contract.
type entity struct {
	id           string
	stageIndex   int
	attempts     int
	finalStage   int
	finalOutcome pipeline.Status
	retired      bool
}

// Simulator owns the table of live simulated contracts. It is advanced by
// Tick and is not safe for concurrent use.
type Simulator struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	rng      *rand.Rand
	now      func() time.Time
	weights  []float64

	live    []*entity
	created int
}

// New creates a simulator. A nil rng seeds one from the runtime.
func New(cfg Config, p *pipeline.Pipeline, rng *rand.Rand) (*Simulator, error) {
	if err := cfg.Validate(p); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	weights := cfg.FinalStageWeights
	if len(weights) == 0 {
		weights = defaultFinalStageWeights(p.Len())
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = DefaultConfig().IDPrefix
	}

	return &Simulator{
		cfg:      cfg,
		pipeline: p,
		rng:      rng,
		now:      time.Now,
		weights:  weights,
	}, nil
}

// Live returns the number of contracts still being simulated.
func (s *Simulator) Live() int {
	return len(s.live)
}

// Created returns the number of contracts created so far.
func (s *Simulator) Created() int {
	return s.created
}

// Done reports whether every contract has been created and retired.
func (s *Simulator) Done() bool {
	return s.created >= s.cfg.MaxTotal && len(s.live) == 0
}

// SetEmitProbability changes the per-tick report probability. Values outside
// (0, 1] are ignored.
func (s *Simulator) SetEmitProbability(p float64) {
	if p > 0 && p <= 1 {
		s.cfg.EmitProbability = p
	}
}

// Tick advances every live contract once, retires finished ones and spawns
// new ones, returning the events produced in order.
func (s *Simulator) Tick() []pipeline.Event {
	var events []pipeline.Event

	kept := s.live[:0]
	for _, e := range s.live {
		if s.rng.Float64() < s.cfg.EmitProbability {
			events = append(events, s.step(e)...)
		}
		if !e.retired {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.live); i++ {
		s.live[i] = nil
	}
	s.live = kept

	for i := 0; i < s.cfg.SpawnPerTick && len(s.live) < s.cfg.MaxLive && s.created < s.cfg.MaxTotal; i++ {
		e := s.spawn()
		s.live = append(s.live, e)
		events = append(events, s.event(e, pipeline.StatusRunning))
	}

	return events
}

func (s *Simulator) spawn() *entity {
	s.created++
	e := &entity{
		id:         fmt.Sprintf("%s-%05d", s.cfg.IDPrefix, s.created),
		finalStage: pick(s.rng, s.weights),
	}

	last := s.pipeline.Len() - 1
	switch {
	case e.finalStage == last && s.rng.Float64() < s.cfg.FinalSuccessProbability:
		e.finalOutcome = pipeline.StatusSuccess
	case e.finalStage == last:
		e.finalOutcome = pipeline.StatusError
	case s.rng.Float64() < s.cfg.EarlyErrorProbability:
		e.finalOutcome = pipeline.StatusError
	default:
		e.finalOutcome = pipeline.StatusHIL
	}
	return e
}

// step emits one report for e's current stage and applies the transition.
func (s *Simulator) step(e *entity) []pipeline.Event {
	status := pipeline.AllStatuses()[pick(s.rng, statusWeights(e))]
	out := []pipeline.Event{s.event(e, status)}

	atFinal := e.stageIndex == e.finalStage
	switch {
	case !atFinal && status == pipeline.StatusSuccess:
		e.stageIndex++
		e.attempts = 0
		out = append(out, s.event(e, pipeline.StatusRunning))
	case atFinal && status == e.finalOutcome:
		e.retired = true
	default:
		e.attempts++
	}
	return out
}

func (s *Simulator) event(e *entity, status pipeline.Status) pipeline.Event {
	ev := pipeline.NewEvent(e.id, s.pipeline.At(e.stageIndex), status).WithTimestamp(s.now().UnixMilli())
	if d := details(status, e.attempts); d != "" {
		ev = ev.WithDetails(d)
	}
	return ev
}

func details(status pipeline.Status, attempts int) string {
	switch status {
	case pipeline.StatusRetry:
		return fmt.Sprintf("transient failure, attempt %d", attempts+1)
	case pipeline.StatusHIL:
		return "manual review requested"
	case pipeline.StatusError:
		return "stage failed"
	case pipeline.StatusSuccess:
		return "completed"
	default:
		return ""
	}
}

// statusWeights returns sampling weights indexed like pipeline.AllStatuses.
// The weight of the status that moves e forward (success before the final
// stage, the destined outcome at it) grows with every attempt. Success is
// never drawn at the final stage unless it is the destined outcome.
func statusWeights(e *entity) []float64 {
	progress := 1 + 1.5*float64(e.attempts)
	w := map[pipeline.Status]float64{
		pipeline.StatusQueued:  0.5,
		pipeline.StatusRunning: 3,
		pipeline.StatusSuccess: 0,
		pipeline.StatusRetry:   1.5,
		pipeline.StatusHIL:     0.5,
		pipeline.StatusError:   0.5,
	}
	if e.stageIndex < e.finalStage {
		w[pipeline.StatusSuccess] = progress
	} else {
		w[e.finalOutcome] += 2 * progress
	}

	statuses := pipeline.AllStatuses()
	out := make([]float64, len(statuses))
	for i, st := range statuses {
		out[i] = w[st]
	}
	return out
}

// pick draws an index with probability proportional to its weight.
func pick(rng *rand.Rand, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return len(weights) - 1
}
