package tracker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/contractflow/fleet"
	"github.com/c360studio/contractflow/pipeline"
)

// SSE event types sent on /fleet/stream.
const (
	SSEEventConnected = "connected"
	SSEEventSummary   = "summary"
	SSEEventHeartbeat = "heartbeat"
)

// ContractView is one contract as served by /fleet/contracts.
type ContractView struct {
	ID      string                              `json:"id"`
	Current fleet.Position                      `json:"current"`
	Failed  bool                                `json:"failed"`
	Stages  map[pipeline.Stage]fleet.StageState `json:"stages"`
}

// ListContractsResponse is the response for GET /fleet/contracts.
type ListContractsResponse struct {
	Contracts []ContractView `json:"contracts"`
	Total     int            `json:"total"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Connected bool   `json:"connected"`
	Contracts int    `json:"contracts"`
	Version   uint64 `json:"version"`
}

// Handler returns the tracker HTTP API.
func (t *Tracker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fleet", t.handleSummary)
	mux.HandleFunc("GET /fleet/contracts", t.handleList)
	mux.HandleFunc("GET /fleet/contracts/{id}", t.handleGet)
	mux.HandleFunc("GET /fleet/stream", t.handleStream)
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	return mux
}

func (t *Tracker) handleSummary(w http.ResponseWriter, _ *http.Request) {
	t.writeJSON(w, http.StatusOK, fleet.Summarize(t.reconciler.Snapshot()))
}

// handleList handles GET /fleet/contracts.
// Query parameters:
//   - stage: only contracts whose current stage is this id (or DONE)
//   - status: only contracts whose current stage has this status
//   - failed: true to only list contracts that have had an error
//   - limit: max results (default: 100)
func (t *Tracker) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var stage pipeline.Stage
	if v := q.Get("stage"); v != "" {
		stage = pipeline.Stage(v)
		if stage != pipeline.Done && !t.pipeline.Contains(stage) {
			t.writeError(w, http.StatusBadRequest, "invalid stage: "+v)
			return
		}
	}

	var status pipeline.Status
	if v := q.Get("status"); v != "" {
		parsed, err := pipeline.ParseStatus(v)
		if err != nil {
			t.writeError(w, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		status = parsed
	}

	onlyFailed := false
	if v := q.Get("failed"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			t.writeError(w, http.StatusBadRequest, "invalid failed: must be true or false")
			return
		}
		onlyFailed = parsed
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 10000 {
			t.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-10000")
			return
		}
		limit = parsed
	}

	snap := t.reconciler.Snapshot()
	resp := ListContractsResponse{Contracts: []ContractView{}}
	for _, e := range snap.Entities() {
		view := newContractView(snap, e)
		if stage != "" && view.Current.Stage != stage {
			continue
		}
		if status != "" && view.Current.Status != status {
			continue
		}
		if onlyFailed && !view.Failed {
			continue
		}
		resp.Total++
		if len(resp.Contracts) < limit {
			resp.Contracts = append(resp.Contracts, view)
		}
	}

	t.writeJSON(w, http.StatusOK, resp)
}

func (t *Tracker) handleGet(w http.ResponseWriter, r *http.Request) {
	snap := t.reconciler.Snapshot()
	e, ok := snap.Get(r.PathValue("id"))
	if !ok {
		t.writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	t.writeJSON(w, http.StatusOK, newContractView(snap, e))
}

func newContractView(snap fleet.Snapshot, e *fleet.EntityState) ContractView {
	return ContractView{
		ID:      e.ID(),
		Current: snap.CurrentStage(e),
		Failed:  e.Failed(),
		Stages:  e.Stages(),
	}
}

func (t *Tracker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := t.reconciler.Snapshot()
	t.writeJSON(w, http.StatusOK, HealthResponse{
		Connected: t.Connected(),
		Contracts: snap.Len(),
		Version:   snap.Version(),
	})
}

// handleStream handles GET /fleet/stream. The current summary is sent on
// connect and again after every change, coalesced so that a burst of events
// yields one update.
func (t *Tracker) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	flusher.Flush()

	updates, cancel := t.reconciler.Subscribe()
	defer cancel()

	if err := t.sendSSEEvent(w, flusher, 0, SSEEventConnected, map[string]string{"status": "connected"}); err != nil {
		t.logger.Debug("Client disconnected during connect", "error", err)
		return
	}

	var eventID uint64
	var lastVersion uint64
	sendSummary := func() error {
		sum := fleet.Summarize(t.reconciler.Snapshot())
		if eventID > 0 && sum.Version == lastVersion {
			return nil
		}
		lastVersion = sum.Version
		eventID++
		return t.sendSSEEvent(w, flusher, eventID, SSEEventSummary, sum)
	}
	if err := sendSummary(); err != nil {
		t.logger.Debug("Client disconnected during initial summary", "error", err)
		return
	}

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := t.sendSSEEvent(w, flusher, 0, SSEEventHeartbeat, map[string]any{}); err != nil {
				t.logger.Debug("Client disconnected during heartbeat", "error", err)
				return
			}
		case <-updates:
			if err := sendSummary(); err != nil {
				t.logger.Debug("Client disconnected during update", "error", err)
				return
			}
		}
	}
}

// sendSSEEvent writes one SSE event; id 0 omits the id field.
func (t *Tracker) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id uint64, eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		t.logger.Warn("Failed to marshal SSE data", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}

func (t *Tracker) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		t.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (t *Tracker) writeError(w http.ResponseWriter, status int, message string) {
	t.writeJSON(w, status, map[string]string{"error": message})
}
