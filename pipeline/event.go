package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

var (
	// ErrMalformedFrame is returned when a frame is not JSON at all.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidTimestamp is returned for a ts that is not an integral
	// number within the int64 range.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Event is a single status report for one stage of one contract, in the
// shape it travels on the wire.
type Event struct {
	ContractID string  `json:"contractId"`
	Agent      Stage   `json:"agent"`
	Status     Status  `json:"status"`
	Details    *string `json:"details,omitempty"`
	// TS is epoch milliseconds. Nil means the receiver stamps processing time.
	TS *int64 `json:"ts,omitempty"`
}

// NewEvent creates an event without details or timestamp.
func NewEvent(contractID string, stage Stage, status Status) Event {
	return Event{ContractID: contractID, Agent: stage, Status: status}
}

// UnmarshalJSON accepts any JSON number for ts whose value is an integer that
// fits in int64, so 1e3 and 1000.0 both decode to 1000.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		ContractID string       `json:"contractId"`
		Agent      Stage        `json:"agent"`
		Status     Status       `json:"status"`
		Details    *string      `json:"details"`
		TS         *json.Number `json:"ts"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{ContractID: w.ContractID, Agent: w.Agent, Status: w.Status, Details: w.Details}
	if w.TS != nil {
		ts, err := parseMillis(*w.TS)
		if err != nil {
			return err
		}
		e.TS = &ts
	}
	return nil
}

func parseMillis(n json.Number) (int64, error) {
	if ts, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return ts, nil
	}
	if f, err := strconv.ParseFloat(n.String(), 64); err != nil || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("ts %s: %w", n, ErrInvalidTimestamp)
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, fmt.Errorf("ts %s: %w", n, ErrInvalidTimestamp)
	}
	return r.Num().Int64(), nil
}

// WithDetails returns a copy of e carrying details.
func (e Event) WithDetails(details string) Event {
	e.Details = &details
	return e
}

// WithTimestamp returns a copy of e carrying ts (epoch millis).
func (e Event) WithTimestamp(ts int64) Event {
	e.TS = &ts
	return e
}

// ParseEvents decodes a frame holding a single event object or an array of
// them. Elements that do not have the event shape (greeting frames, wrong
// field types, missing contractId/agent/status) are skipped. Only a frame
// that is not valid JSON at all yields an error.
func ParseEvents(frame []byte) ([]Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || !json.Valid(frame) {
		return nil, ErrMalformedFrame
	}

	var items []json.RawMessage
	if frame[0] == '[' {
		if err := json.Unmarshal(frame, &items); err != nil {
			return nil, ErrMalformedFrame
		}
	} else {
		items = []json.RawMessage{frame}
	}

	events := make([]Event, 0, len(items))
	for _, raw := range items {
		if ev, ok := decodeEvent(raw); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeEvent(raw json.RawMessage) (Event, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, false
	}
	if ev.ContractID == "" || ev.Agent == "" || ev.Status == "" {
		return Event{}, false
	}
	return ev, true
}
