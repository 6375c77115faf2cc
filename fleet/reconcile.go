package fleet

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/contractflow/pipeline"
)

// Apply merges one event into s and returns the resulting snapshot.
//
// Events with a blank contract id, an unknown stage or an unknown status
// leave s unchanged. Otherwise the referenced stage is overwritten: the
// latest arriving event wins regardless of its timestamp, so a delayed event
// can move a stage backwards. A missing timestamp is replaced by now and
// missing details keep the previous details. An error on any stage latches
// the contract's failed flag. No workflow rules are checked.
func Apply(s Snapshot, ev pipeline.Event, now time.Time) Snapshot {
	if s.pipeline == nil {
		return s
	}
	id := strings.TrimSpace(ev.ContractID)
	if id == "" || !s.pipeline.Contains(ev.Agent) || !ev.Status.IsValid() {
		return s
	}

	var next *EntityState
	if prev, ok := s.entities[id]; ok {
		next = prev.clone()
	} else {
		next = newEntityState(id, s.pipeline)
	}

	cur := next.stages[ev.Agent]
	ts := now.UnixMilli()
	if ev.TS != nil {
		ts = *ev.TS
	}
	details := cur.Details
	if ev.Details != nil {
		details = *ev.Details
	}
	next.stages[ev.Agent] = StageState{Status: ev.Status, Timestamp: ts, Details: details}
	if ev.Status == pipeline.StatusError {
		next.failed = true
	}

	entities := make(map[string]*EntityState, len(s.entities)+1)
	for k, v := range s.entities {
		entities[k] = v
	}
	entities[id] = next

	return Snapshot{
		pipeline: s.pipeline,
		entities: entities,
		version:  s.version + 1,
	}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the source of processing time used for events without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler owns the current fleet snapshot and applies events to it one
// at a time. It is safe for concurrent use; concurrent Apply calls are
// serialized in the order they acquire the lock.
type Reconciler struct {
	mu      sync.RWMutex
	current Snapshot
	now     func() time.Time

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}

	applied atomic.Int64
	ignored atomic.Int64
}

// NewReconciler creates a reconciler with an empty snapshot for p.
func NewReconciler(p *pipeline.Pipeline, opts ...Option) *Reconciler {
	r := &Reconciler{
		current: NewSnapshot(p),
		now:     time.Now,
		subs:    make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply merges ev into the current snapshot. It returns false when the event
// was ignored.
func (r *Reconciler) Apply(ev pipeline.Event) bool {
	r.mu.Lock()
	prev := r.current
	next := Apply(prev, ev, r.now())
	r.current = next
	r.mu.Unlock()

	if next.version == prev.version {
		r.ignored.Add(1)
		return false
	}
	r.applied.Add(1)
	r.notify()
	return true
}

// Snapshot returns the current snapshot.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Stats returns the number of applied and ignored events.
func (r *Reconciler) Stats() (applied, ignored int64) {
	return r.applied.Load(), r.ignored.Load()
}

// Subscribe returns a channel that receives a signal after the snapshot
// changes. Signals are coalesced: a slow reader sees one pending signal, not
// one per event. The returned function cancels the subscription.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, ch)
			r.subsMu.Unlock()
		})
	}
}

func (r *Reconciler) notify() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
