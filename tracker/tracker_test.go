package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/contractflow/broker"
	"github.com/c360studio/contractflow/fleet"
	"github.com/c360studio/contractflow/pipeline"
	"github.com/c360studio/contractflow/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu        sync.Mutex
	summaries []fleet.Summary
	contracts []string
	err       error
}

func (f *fakePublisher) PutSummary(_ context.Context, sum fleet.Summary) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.summaries = append(f.summaries, sum)
	return uint64(len(f.summaries)), nil
}

func (f *fakePublisher) PutContract(_ context.Context, e *fleet.EntityState, _ fleet.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.contracts = append(f.contracts, e.ID())
	return nil
}

func newTestTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	tr, err := New(cfg, pipeline.Default(), append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return tr
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func ev(id string, stage pipeline.Stage, status pipeline.Status) pipeline.Event {
	return pipeline.NewEvent(id, stage, status)
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PublishInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeartbeatInterval = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestHandle_AppliesAndIgnores(t *testing.T) {
	tr := newTestTracker(t)

	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))
	tr.handle(ev("  ", pipeline.StageExtraction, pipeline.StatusRunning))
	tr.handle(ev("C2", pipeline.Stage("nope"), pipeline.StatusRunning))

	applied, ignored := tr.Reconciler().Stats()
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, int64(2), ignored)
	assert.Equal(t, 1, tr.Reconciler().Snapshot().Len())
}

func TestPublishIfChanged(t *testing.T) {
	pub := &fakePublisher{}
	tr := newTestTracker(t, WithPublisher(pub))
	ctx := context.Background()

	assert.False(t, tr.PublishIfChanged(ctx), "nothing applied yet")

	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))
	tr.handle(ev("C2", pipeline.StageExtraction, pipeline.StatusError))
	assert.True(t, tr.PublishIfChanged(ctx))
	assert.False(t, tr.PublishIfChanged(ctx), "unchanged snapshot")

	require.Len(t, pub.summaries, 1)
	assert.Equal(t, 2, pub.summaries[0].Total)
	assert.Equal(t, 1, pub.summaries[0].Failed)
	assert.Equal(t, []string{"C1", "C2"}, pub.contracts)

	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusSuccess))
	assert.True(t, tr.PublishIfChanged(ctx))
	assert.Equal(t, []string{"C1", "C2", "C1"}, pub.contracts, "only the changed contract is republished")
	assert.Equal(t, int64(2), tr.Published())
}

func TestPublishIfChanged_RetriesAfterError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("kv unavailable")}
	tr := newTestTracker(t, WithPublisher(pub))
	ctx := context.Background()

	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))
	assert.False(t, tr.PublishIfChanged(ctx))

	pub.err = nil
	assert.True(t, tr.PublishIfChanged(ctx))
	require.Len(t, pub.summaries, 1)
	assert.Equal(t, []string{"C1"}, pub.contracts)
}

func TestPublishIfChanged_NoPublisher(t *testing.T) {
	tr := newTestTracker(t)
	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))
	assert.True(t, tr.PublishIfChanged(context.Background()))
	assert.Equal(t, int64(1), tr.Published())
}

func TestHTTP_Summary(t *testing.T) {
	tr := newTestTracker(t)
	for _, stage := range pipeline.Default().Stages() {
		tr.handle(ev("C1", stage, pipeline.StatusSuccess))
	}
	tr.handle(ev("C2", pipeline.StageExtraction, pipeline.StatusHIL))

	var sum fleet.Summary
	require.Equal(t, http.StatusOK, getJSON(t, tr.Handler(), "/fleet", &sum))
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Done)
	assert.Equal(t, 1, sum.Active)
	assert.Equal(t, 1, sum.Current[pipeline.StatusHIL])
	assert.Len(t, sum.Stages, 4)
}

func TestHTTP_ListContracts(t *testing.T) {
	tr := newTestTracker(t)
	for _, stage := range pipeline.Default().Stages() {
		tr.handle(ev("A", stage, pipeline.StatusSuccess))
	}
	tr.handle(ev("B", pipeline.StageExtraction, pipeline.StatusSuccess))
	tr.handle(ev("B", pipeline.StageClauseCuration, pipeline.StatusError))
	tr.handle(ev("C", pipeline.StageExtraction, pipeline.StatusRunning))
	h := tr.Handler()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"A", "B", "C"}},
		{"done", "?stage=DONE", []string{"A"}},
		{"by stage", "?stage=clause_curation", []string{"B"}},
		{"by status", "?status=running", []string{"C"}},
		{"failed", "?failed=true", []string{"B"}},
		{"limit", "?limit=2", []string{"A", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ListContractsResponse
			require.Equal(t, http.StatusOK, getJSON(t, h, "/fleet/contracts"+tt.query, &resp))
			ids := make([]string, 0, len(resp.Contracts))
			for _, c := range resp.Contracts {
				ids = append(ids, c.ID)
				assert.Len(t, c.Stages, 4)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	var limited ListContractsResponse
	getJSON(t, h, "/fleet/contracts?limit=1", &limited)
	assert.Equal(t, 3, limited.Total)
	assert.Len(t, limited.Contracts, 1)

	for _, bad := range []string{"?stage=nope", "?status=paused", "?failed=maybe", "?limit=0", "?limit=x"} {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/fleet/contracts"+bad, nil), bad)
	}
}

func TestHTTP_GetContract(t *testing.T) {
	tr := newTestTracker(t)
	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRetry).WithDetails("ocr timeout"))
	h := tr.Handler()

	var view ContractView
	require.Equal(t, http.StatusOK, getJSON(t, h, "/fleet/contracts/C1", &view))
	assert.Equal(t, fleet.Position{Stage: pipeline.StageExtraction, Status: pipeline.StatusRetry}, view.Current)
	assert.Equal(t, "ocr timeout", view.Stages[pipeline.StageExtraction].Details)

	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/fleet/contracts/C9", nil))
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	tr := newTestTracker(t)
	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusError))
	h := tr.Handler()

	var health HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, "/health", &health))
	assert.False(t, health.Connected)
	assert.Equal(t, 1, health.Contracts)
	assert.Equal(t, uint64(1), health.Version)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `contractflow_fleet_contracts{state="total"} 1`)
	assert.Contains(t, body, `contractflow_fleet_contracts{state="erroring"} 1`)
	assert.Contains(t, body, `contractflow_fleet_current{status="error"} 1`)
	assert.Contains(t, body, `contractflow_fleet_stage_contracts{stage="extraction",status="error"} 1`)
	assert.Contains(t, body, "contractflow_tracker_events_applied_total 1")
}

type sseEvent struct {
	typ  string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var e sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if e.typ != "" {
				return e
			}
		case strings.HasPrefix(line, "event: "):
			e.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			e.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHTTP_Stream(t *testing.T) {
	tr := newTestTracker(t)
	tr.handle(ev("C1", pipeline.StageExtraction, pipeline.StatusRunning))
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/fleet/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, SSEEventConnected, readSSE(t, r).typ)

	first := readSSE(t, r)
	require.Equal(t, SSEEventSummary, first.typ)
	var sum fleet.Summary
	require.NoError(t, json.Unmarshal([]byte(first.data), &sum))
	assert.Equal(t, 1, sum.Total)

	tr.handle(ev("C2", pipeline.StageExtraction, pipeline.StatusQueued))
	for {
		e := readSSE(t, r)
		if e.typ == SSEEventHeartbeat {
			continue
		}
		require.Equal(t, SSEEventSummary, e.typ)
		require.NoError(t, json.Unmarshal([]byte(e.data), &sum))
		assert.Equal(t, 2, sum.Total)
		break
	}
}

func TestRun_ConsumesBroker(t *testing.T) {
	b, err := broker.New(broker.DefaultConfig(), pipeline.Default(), broker.WithLogger(quietLogger()))
	require.NoError(t, err)
	bsrv := httptest.NewServer(b.Handler())
	defer func() {
		b.Hub().CloseAll()
		bsrv.Close()
	}()

	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(bsrv.URL, "http") + "/ws"
	cfg.PublishInterval = 20 * time.Millisecond
	tr, err := New(cfg, pipeline.Default(),
		WithLogger(quietLogger()),
		WithPublisher(pub),
		WithStreamOptions(stream.WithBackoff(10*time.Millisecond, 50*time.Millisecond)))
	require.NoError(t, err)

	assert.False(t, closed(tr.Ready()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return closed(tr.Ready()) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(bsrv.URL+"/events", "application/json", strings.NewReader(`[
		{"contractId":"C1","agent":"extraction","status":"success"},
		{"contractId":"C1","agent":"clause_curation","status":"running"},
		{"contractId":"C2","agent":"extraction","status":"bogus"}
	]`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return tr.Reconciler().Snapshot().Version() == 2
	}, 2*time.Second, 10*time.Millisecond)

	snap := tr.Reconciler().Snapshot()
	e, ok := snap.Get("C1")
	require.True(t, ok)
	assert.Equal(t, fleet.Position{Stage: pipeline.StageClauseCuration, Status: pipeline.StatusRunning}, snap.CurrentStage(e))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.summaries) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("tracker did not stop")
	}
	assert.False(t, tr.Connected())
}

func TestRun_BrokerAcceptedTimestampsReachReconciler(t *testing.T) {
	b, err := broker.New(broker.DefaultConfig(), pipeline.Default(), broker.WithLogger(quietLogger()))
	require.NoError(t, err)
	bsrv := httptest.NewServer(b.Handler())
	defer func() {
		b.Hub().CloseAll()
		bsrv.Close()
	}()

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(bsrv.URL, "http") + "/ws"
	tr, err := New(cfg, pipeline.Default(),
		WithLogger(quietLogger()),
		WithStreamOptions(stream.WithBackoff(10*time.Millisecond, 50*time.Millisecond)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(bsrv.URL+"/events", "application/json", strings.NewReader(`[
		{"contractId":"C1","agent":"extraction","status":"success","ts":1e3},
		{"contractId":"C1","agent":"clause_curation","status":"running","ts":2000.0},
		{"contractId":"C2","agent":"extraction","status":"running","ts":1e30}
	]`))
	require.NoError(t, err)
	var result struct {
		Sent   int `json:"sent"`
		Errors []struct {
			Index int `json:"index"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, 2, result.Sent)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 2, result.Errors[0].Index)

	require.Eventually(t, func() bool {
		return tr.Reconciler().Snapshot().Version() == 2
	}, 2*time.Second, 10*time.Millisecond)

	e, ok := tr.Reconciler().Snapshot().Get("C1")
	require.True(t, ok)
	st, _ := e.Stage(pipeline.StageExtraction)
	assert.Equal(t, int64(1000), st.Timestamp)
	st, _ = e.Stage(pipeline.StageClauseCuration)
	assert.Equal(t, int64(2000), st.Timestamp)
	_, ok = tr.Reconciler().Snapshot().Get("C2")
	assert.False(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("tracker did not stop")
	}
}
