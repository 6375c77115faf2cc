package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/contractflow/pipeline"
)

// batch is the body accepted by the broker's ingest endpoints.
type batch struct {
	Events []pipeline.Event `json:"events"`
}

// HTTPSink POSTs batches to the broker's /events endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. A nil client uses a default
// with a 10s timeout.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

// Send implements Sink.
func (s *HTTPSink) Send(ctx context.Context, events []pipeline.Event) error {
	body, err := json.Marshal(batch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post batch: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes batches to the broker's ingest subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing to subject.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Send implements Sink.
func (s *NATSSink) Send(_ context.Context, events []pipeline.Event) error {
	body, err := json.Marshal(batch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = body
	msg.Header.Set("Contractflow-Batch-Size", strconv.Itoa(len(events)))
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}
