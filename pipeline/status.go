package pipeline

import "fmt"

// Status is the state of one stage of one contract.
type Status string

const (
	// StatusQueued indicates the stage has not started.
	StatusQueued Status = "queued"
	// StatusRunning indicates the stage is being worked on.
	StatusRunning Status = "running"
	// StatusSuccess indicates the stage completed. It is the only status that
	// advances a contract past its stage.
	StatusSuccess Status = "success"
	// StatusRetry indicates the stage failed transiently and will be retried.
	StatusRetry Status = "retry"
	// StatusHIL indicates the stage needs human-in-the-loop intervention.
	StatusHIL Status = "hil"
	// StatusError indicates the stage failed.
	StatusError Status = "error"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSuccess,
	StatusRetry,
	StatusHIL,
	StatusError,
}

// AllStatuses returns every status in canonical order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the six known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusRetry, StatusHIL, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that can end a contract's run
// (success, error and hil).
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusHIL
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}
