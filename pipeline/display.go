package pipeline

// Display holds presentation attributes for a status.
type Display struct {
	Label  string `json:"label"`
	Color  string `json:"color"`
	Symbol string `json:"symbol"`
}

var displays = map[Status]Display{
	StatusQueued:  {Label: "Queued", Color: "#9ca3af", Symbol: "·"},
	StatusRunning: {Label: "Running", Color: "#3b82f6", Symbol: "▶"},
	StatusSuccess: {Label: "Success", Color: "#22c55e", Symbol: "✓"},
	StatusRetry:   {Label: "Retry", Color: "#f59e0b", Symbol: "↻"},
	StatusHIL:     {Label: "Human review", Color: "#a855f7", Symbol: "?"},
	StatusError:   {Label: "Error", Color: "#ef4444", Symbol: "✗"},
}

var unknownDisplay = Display{Label: "Unknown", Color: "#6b7280", Symbol: "-"}

// Display returns the presentation attributes for s.
func (s Status) Display() Display {
	if d, ok := displays[s]; ok {
		return d
	}
	return unknownDisplay
}
