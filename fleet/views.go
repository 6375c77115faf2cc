package fleet

import "github.com/c360studio/contractflow/pipeline"

// Position is where a contract currently sits in the pipeline.
type Position struct {
	Stage  pipeline.Stage  `json:"stage"`
	Status pipeline.Status `json:"status"`
}

// IsDone reports whether the position is the terminal DONE marker.
func (p Position) IsDone() bool {
	return p.Stage == pipeline.Done
}

// CurrentStage returns the first stage, in pipeline order, whose status is
// not success, together with that status. A contract whose every stage
// succeeded is at {Done, success}.
func CurrentStage(p *pipeline.Pipeline, e *EntityState) Position {
	for _, s := range p.Stages() {
		st := e.stages[s]
		if st.Status != pipeline.StatusSuccess {
			return Position{Stage: s, Status: st.Status}
		}
	}
	return Position{Stage: pipeline.Done, Status: pipeline.StatusSuccess}
}

// CurrentStage returns the current position of e within the snapshot's pipeline.
func (s Snapshot) CurrentStage(e *EntityState) Position {
	return CurrentStage(s.pipeline, e)
}

// StageTally counts the contracts in each status for one stage.
type StageTally struct {
	Stage  pipeline.Stage          `json:"stage"`
	Name   string                  `json:"name"`
	Counts map[pipeline.Status]int `json:"counts"`
}

// Summary aggregates a snapshot.
type Summary struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Active int `json:"active"`
	// Failed counts contracts that have had an error reported on any stage,
	// including contracts that recovered and are now Done.
	Failed int `json:"failed"`
	// Erroring counts contracts with at least one stage currently in error.
	Erroring int `json:"erroring"`
	// Current counts contracts that are not done by the status of their
	// current stage.
	Current map[pipeline.Status]int `json:"current"`
	// AtStage counts contracts that are not done by their current stage.
	AtStage map[pipeline.Stage]int `json:"atStage"`
	Stages  []StageTally           `json:"stages"`
	Version uint64                 `json:"version"`
}

// currentBuckets are the statuses a contract that is not done can be in.
var currentBuckets = []pipeline.Status{
	pipeline.StatusQueued,
	pipeline.StatusRunning,
	pipeline.StatusRetry,
	pipeline.StatusHIL,
	pipeline.StatusError,
}

// Summarize computes fleet-wide counts from scratch.
func Summarize(s Snapshot) Summary {
	sum := Summary{
		Current: make(map[pipeline.Status]int, len(currentBuckets)),
		AtStage: make(map[pipeline.Stage]int),
		Version: s.version,
	}
	for _, st := range currentBuckets {
		sum.Current[st] = 0
	}
	if s.pipeline == nil {
		return sum
	}

	stages := s.pipeline.Stages()
	sum.Stages = make([]StageTally, len(stages))
	for i, stage := range stages {
		counts := make(map[pipeline.Status]int, 6)
		for _, st := range pipeline.AllStatuses() {
			counts[st] = 0
		}
		sum.Stages[i] = StageTally{Stage: stage, Name: s.pipeline.Name(stage), Counts: counts}
		sum.AtStage[stage] = 0
	}

	for _, e := range s.entities {
		sum.Total++
		for i, stage := range stages {
			sum.Stages[i].Counts[e.stages[stage].Status]++
		}

		pos := CurrentStage(s.pipeline, e)
		if pos.IsDone() {
			sum.Done++
		} else {
			sum.Current[pos.Status]++
			sum.AtStage[pos.Stage]++
		}

		if e.failed {
			sum.Failed++
		}
		if e.HasStatus(pipeline.StatusError) {
			sum.Erroring++
		}
	}
	sum.Active = sum.Total - sum.Done

	return sum
}
