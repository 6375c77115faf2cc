// Package pipeline defines the fixed stage pipeline that contracts move
// through, the closed set of per-stage statuses, and the event wire shape.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned when a stage identifier is not part of the pipeline.
var ErrUnknownStage = errors.New("unknown stage")

// Stage identifies one named step of the pipeline.
type Stage string

// Done is the sentinel stage reported for an entity whose every stage succeeded.
const Done Stage = "DONE"

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// StageDef describes a configured stage.
type StageDef struct {
	// ID is the wire identifier used in the event "agent" field.
	ID Stage `yaml:"id" json:"id"`
	// Name is the human-readable stage name.
	Name string `yaml:"name" json:"name"`
}

// Reference deployment stages.
const (
	StageExtraction     Stage = "extraction"
	StageClauseCuration Stage = "clause_curation"
	StageRightsAvails   Stage = "rights_avails"
	StageRoyalties      Stage = "royalties"
)

// DefaultStages returns the reference deployment stages in pipeline order.
func DefaultStages() []StageDef {
	return []StageDef{
		{ID: StageExtraction, Name: "Extraction"},
		{ID: StageClauseCuration, Name: "Clause Curation"},
		{ID: StageRightsAvails, Name: "Rights & Avails"},
		{ID: StageRoyalties, Name: "Royalties"},
	}
}

// Pipeline is an ordered, immutable set of stages. Order is fixed at
// construction time.
type Pipeline struct {
	defs  []StageDef
	index map[Stage]int
}

// New builds a pipeline from stage definitions in order.
func New(defs []StageDef) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}

	p := &Pipeline{
		defs:  make([]StageDef, 0, len(defs)),
		index: make(map[Stage]int, len(defs)),
	}
	for i, d := range defs {
		id := Stage(strings.TrimSpace(string(d.ID)))
		if id == "" {
			return nil, fmt.Errorf("stage %d: id is required", i)
		}
		if id == Done {
			return nil, fmt.Errorf("stage %d: id %q is reserved", i, Done)
		}
		if _, dup := p.index[id]; dup {
			return nil, fmt.Errorf("stage %d: duplicate id %q", i, id)
		}
		name := d.Name
		if name == "" {
			name = string(id)
		}
		p.index[id] = len(p.defs)
		p.defs = append(p.defs, StageDef{ID: id, Name: name})
	}
	return p, nil
}

// Default returns the reference deployment pipeline.
func Default() *Pipeline {
	p, err := New(DefaultStages())
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.defs)
}

// Stages returns the stage identifiers in order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.defs))
	for i, d := range p.defs {
		out[i] = d.ID
	}
	return out
}

// Defs returns a copy of the stage definitions in order.
func (p *Pipeline) Defs() []StageDef {
	out := make([]StageDef, len(p.defs))
	copy(out, p.defs)
	return out
}

// At returns the stage at position i.
func (p *Pipeline) At(i int) Stage {
	return p.defs[i].ID
}

// Last returns the final stage of the pipeline.
func (p *Pipeline) Last() Stage {
	return p.defs[len(p.defs)-1].ID
}

// Index returns the position of stage s.
func (p *Pipeline) Index(s Stage) (int, bool) {
	i, ok := p.index[s]
	return i, ok
}

// Contains reports whether s is a configured stage.
func (p *Pipeline) Contains(s Stage) bool {
	_, ok := p.index[s]
	return ok
}

// Name returns the display name of s, or the identifier itself when unknown.
func (p *Pipeline) Name(s Stage) string {
	if i, ok := p.index[s]; ok {
		return p.defs[i].Name
	}
	return string(s)
}

// Lookup resolves a stage identifier, returning ErrUnknownStage when absent.
func (p *Pipeline) Lookup(id string) (Stage, error) {
	s := Stage(id)
	if !p.Contains(s) {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
	return s, nil
}
