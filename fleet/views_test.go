package fleet

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/contractflow/pipeline"
)

func TestCurrentStage(t *testing.T) {
	p := pipeline.Default()

	t.Run("all success is done", func(t *testing.T) {
		s := NewSnapshot(p)
		for _, stage := range p.Stages() {
			s = Apply(s, ev("C1", stage, pipeline.StatusSuccess), fixedNow)
		}
		e, _ := s.Get("C1")
		pos := s.CurrentStage(e)
		assert.True(t, pos.IsDone())
		assert.Equal(t, Position{Stage: pipeline.Done, Status: pipeline.StatusSuccess}, pos)
	})

	t.Run("second stage error", func(t *testing.T) {
		s := applyAll(NewSnapshot(p),
			ev("C1", pipeline.StageExtraction, pipeline.StatusSuccess),
			ev("C1", pipeline.StageClauseCuration, pipeline.StatusError),
		)
		e, _ := s.Get("C1")
		assert.Equal(t, Position{Stage: pipeline.StageClauseCuration, Status: pipeline.StatusError}, CurrentStage(p, e))
	})

	t.Run("fresh entity sits at first stage", func(t *testing.T) {
		s := applyAll(NewSnapshot(p), ev("C1", pipeline.StageRoyalties, pipeline.StatusSuccess))
		e, _ := s.Get("C1")
		assert.Equal(t, Position{Stage: pipeline.StageExtraction, Status: pipeline.StatusQueued}, CurrentStage(p, e))
	})
}

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize(NewSnapshot(pipeline.Default()))

	assert.Zero(t, sum.Total)
	assert.Zero(t, sum.Done)
	assert.Zero(t, sum.Active)
	assert.Zero(t, sum.Failed)
	require.Len(t, sum.Stages, 4)
	for _, tally := range sum.Stages {
		assert.Len(t, tally.Counts, 6)
	}
	assert.Len(t, sum.Current, 5)

	zero := Summarize(Snapshot{})
	assert.Zero(t, zero.Total)
}

func TestSummarize_Scenario(t *testing.T) {
	s := applyAll(NewSnapshot(pipeline.Default()),
		ev("E1", pipeline.StageExtraction, pipeline.StatusRunning),
		ev("E1", pipeline.StageExtraction, pipeline.StatusSuccess),
		ev("E1", pipeline.StageClauseCuration, pipeline.StatusError),
	)

	e, _ := s.Get("E1")
	assert.Equal(t, Position{Stage: pipeline.StageClauseCuration, Status: pipeline.StatusError}, s.CurrentStage(e))

	sum := Summarize(s)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Done)
	assert.Equal(t, 1, sum.Active)
	assert.Equal(t, 1, sum.Current[pipeline.StatusError])
	assert.Equal(t, 1, sum.AtStage[pipeline.StageClauseCuration])
	assert.Equal(t, 1, sum.Erroring)
}

func TestSummarize_FailedIsCumulative(t *testing.T) {
	p := pipeline.Default()
	s := applyAll(NewSnapshot(p), ev("C1", pipeline.StageExtraction, pipeline.StatusError))
	for _, stage := range p.Stages() {
		s = Apply(s, ev("C1", stage, pipeline.StatusSuccess), fixedNow)
	}

	sum := Summarize(s)
	assert.Equal(t, 1, sum.Done)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Erroring)
	assert.Equal(t, 0, sum.Active)
}

func TestSummarize_Invariants(t *testing.T) {
	p := pipeline.Default()
	rng := rand.New(rand.NewPCG(7, 11))
	statuses := pipeline.AllStatuses()

	s := NewSnapshot(p)
	for i := 0; i < 5000; i++ {
		id := string(rune('a' + rng.IntN(26)))
		// Bias toward success so some contracts finish.
		status := pipeline.StatusSuccess
		if rng.IntN(3) == 0 {
			status = statuses[rng.IntN(len(statuses))]
		}
		s = Apply(s, ev(id, p.At(rng.IntN(p.Len())), status), fixedNow)
	}

	sum := Summarize(s)
	assert.Equal(t, s.Len(), sum.Total)
	assert.Equal(t, sum.Total, sum.Done+sum.Active)

	for _, tally := range sum.Stages {
		total := 0
		for _, n := range tally.Counts {
			total += n
		}
		assert.Equal(t, sum.Total, total, tally.Stage)
	}

	current := 0
	for _, n := range sum.Current {
		current += n
	}
	assert.Equal(t, sum.Active, current)

	atStage := 0
	for _, n := range sum.AtStage {
		atStage += n
	}
	assert.Equal(t, sum.Active, atStage)
}

func TestSummary_JSON(t *testing.T) {
	s := applyAll(NewSnapshot(pipeline.Default()), ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))

	data, err := json.Marshal(Summarize(s))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["total"])
	assert.Contains(t, decoded, "stages")

	e, _ := s.Get("C1")
	data, err = json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"C1"`)
	assert.Contains(t, string(data), `"extraction":{"status":"running"`)
}
