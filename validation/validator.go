// Package validation checks inbound status events against a JSON Schema
// generated from the configured pipeline.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/c360studio/contractflow/pipeline"
)

const schemaURL = "https://contractflow.local/schemas/event.json"

var (
	// ErrMalformedBody is returned when a request body is not a JSON object or array.
	ErrMalformedBody = errors.New("malformed body")
	// ErrEmptyBatch is returned when a batch contains no events.
	ErrEmptyBatch = errors.New("empty batch")
)

// ItemError reports why one item of a batch was rejected.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Validator validates events for a specific pipeline.
type Validator struct {
	schema    *jsonschema.Schema
	schemaDoc []byte
}

// NewValidator compiles the event schema for p.
func NewValidator(p *pipeline.Pipeline) (*Validator, error) {
	doc, err := buildSchema(p)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Validator{schema: schema, schemaDoc: doc}, nil
}

// Schema returns the JSON Schema document the validator enforces.
func (v *Validator) Schema() []byte {
	out := make([]byte, len(v.schemaDoc))
	copy(out, v.schemaDoc)
	return out
}

// Validate checks a single raw event.
func (v *Validator) Validate(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("invalid JSON: trailing data")
	}
	if err := v.schema.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(flatten(ve))
		}
		return err
	}
	return nil
}

// ValidateBatch splits body into items and validates each independently.
// Body may be a single event object, an array of events, or an object of
// the form {"events": [...]}. Valid items are returned verbatim.
func (v *Validator) ValidateBatch(body []byte) ([]json.RawMessage, []ItemError, error) {
	items, err := splitBatch(body)
	if err != nil {
		return nil, nil, err
	}

	valid := make([]json.RawMessage, 0, len(items))
	var itemErrs []ItemError
	for i, raw := range items {
		if err := v.Validate(raw); err != nil {
			itemErrs = append(itemErrs, ItemError{Index: i, Error: err.Error()})
			continue
		}
		valid = append(valid, raw)
	}
	return valid, itemErrs, nil
}

func splitBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, ErrMalformedBody
	}

	var items []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, ErrMalformedBody
		}
	case '{':
		var envelope struct {
			Events *[]json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, ErrMalformedBody
		}
		if envelope.Events != nil {
			items = *envelope.Events
		} else {
			items = []json.RawMessage{body}
		}
	default:
		return nil, ErrMalformedBody
	}

	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	return items, nil
}

func buildSchema(p *pipeline.Pipeline) ([]byte, error) {
	stages := make([]string, 0, p.Len())
	for _, s := range p.Stages() {
		stages = append(stages, string(s))
	}
	statuses := make([]string, 0, 6)
	for _, s := range pipeline.AllStatuses() {
		statuses = append(statuses, string(s))
	}

	// ts must decode into an int64 on the consumer side.
	tsSchema := map[string]any{
		"type":    "integer",
		"minimum": int64(math.MinInt64),
		"maximum": int64(math.MaxInt64),
	}
	schema := map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"$id":      schemaURL,
		"title":    "Contract status event",
		"type":     "object",
		"required": []string{"contractId", "agent", "status"},
		"properties": map[string]any{
			"contractId": map[string]any{"type": "string", "pattern": `\S`},
			"agent":      map[string]any{"type": "string", "enum": stages},
			"status":     map[string]any{"type": "string", "enum": statuses},
			"details":    map[string]any{"type": "string"},
			"ts":         tsSchema,
		},
	}
	return json.Marshal(schema)
}

// flatten renders the leaf causes of a validation error on one line.
func flatten(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
