// Package fleet holds the in-memory state of every tracked contract. State
// is kept in immutable snapshots: applying an event produces a new snapshot
// and never mutates one that has already been handed out.
package fleet

import (
	"encoding/json"
	"sort"

	"github.com/c360studio/contractflow/pipeline"
)

// StageState is the last recorded state of one stage of one contract.
type StageState struct {
	Status pipeline.Status `json:"status"`
	// Timestamp is epoch milliseconds; zero means the stage was never reported.
	Timestamp int64  `json:"ts"`
	Details   string `json:"details,omitempty"`
}

// EntityState is the per-stage state of one contract. It always holds
// exactly one StageState per configured stage.
type EntityState struct {
	id     string
	stages map[pipeline.Stage]StageState
	// failed latches once any stage has been reported as error.
	failed bool
}

func newEntityState(id string, p *pipeline.Pipeline) *EntityState {
	e := &EntityState{
		id:     id,
		stages: make(map[pipeline.Stage]StageState, p.Len()),
	}
	for _, s := range p.Stages() {
		e.stages[s] = StageState{Status: pipeline.StatusQueued}
	}
	return e
}

func (e *EntityState) clone() *EntityState {
	c := &EntityState{
		id:     e.id,
		stages: make(map[pipeline.Stage]StageState, len(e.stages)),
		failed: e.failed,
	}
	for k, v := range e.stages {
		c.stages[k] = v
	}
	return c
}

// ID returns the contract identifier.
func (e *EntityState) ID() string {
	return e.id
}

// Stage returns the state of stage s.
func (e *EntityState) Stage(s pipeline.Stage) (StageState, bool) {
	st, ok := e.stages[s]
	return st, ok
}

// Stages returns a copy of the stage map.
func (e *EntityState) Stages() map[pipeline.Stage]StageState {
	out := make(map[pipeline.Stage]StageState, len(e.stages))
	for k, v := range e.stages {
		out[k] = v
	}
	return out
}

// HasStatus reports whether any stage currently shows status.
func (e *EntityState) HasStatus(status pipeline.Status) bool {
	for _, st := range e.stages {
		if st.Status == status {
			return true
		}
	}
	return false
}

// Failed reports whether any stage of the contract has ever been reported
// as error, even if the stage has since recovered.
func (e *EntityState) Failed() bool {
	return e.failed
}

// MarshalJSON encodes the entity as {"id":..., "stages":{...}, "failed":...}.
func (e *EntityState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     string                        `json:"id"`
		Stages map[pipeline.Stage]StageState `json:"stages"`
		Failed bool                          `json:"failed"`
	}{ID: e.id, Stages: e.stages, Failed: e.failed})
}

// Snapshot is an immutable view of the whole fleet. Snapshots are cheap to
// copy and safe to share between goroutines.
type Snapshot struct {
	pipeline *pipeline.Pipeline
	entities map[string]*EntityState
	version  uint64
}

// NewSnapshot returns an empty snapshot for p.
func NewSnapshot(p *pipeline.Pipeline) Snapshot {
	return Snapshot{
		pipeline: p,
		entities: map[string]*EntityState{},
	}
}

// Pipeline returns the pipeline the snapshot was built for.
func (s Snapshot) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// Version counts the events that changed state since the empty snapshot.
func (s Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of tracked contracts.
func (s Snapshot) Len() int {
	return len(s.entities)
}

// Get returns the state of contract id.
func (s Snapshot) Get(id string) (*EntityState, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// IDs returns the contract identifiers in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entities returns the contracts sorted by identifier.
func (s Snapshot) Entities() []*EntityState {
	ids := s.IDs()
	out := make([]*EntityState, len(ids))
	for i, id := range ids {
		out[i] = s.entities[id]
	}
	return out
}
