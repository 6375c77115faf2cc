package broker

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultRelayPrefix is the subject prefix accepted events are relayed under.
const DefaultRelayPrefix = "contracts.events"

// DefaultIngestSubject is the subject the broker accepts batches on.
const DefaultIngestSubject = "contracts.ingest"

// Publisher publishes NATS messages. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// publish relays one accepted event to NATS. Relay failures are logged and
// never affect the WebSocket broadcast.
func (s *Server) publish(raw json.RawMessage) {
	if s.relay == nil {
		return
	}

	var head struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}

	msg := nats.NewMsg(fmt.Sprintf("%s.%s", s.relayPrefix, head.Agent))
	msg.Data = raw
	if err := s.relay.PublishMsg(msg); err != nil {
		s.logger.Warn("Failed to relay event to NATS", "subject", msg.Subject, "error", err)
		return
	}
	s.metrics.relayed()
}

// SubscribeIngest accepts event batches published on subject. Request
// messages receive the Result (or an error object) as reply.
func (s *Server) SubscribeIngest(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, s.handleIngest)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.logger.Info("Broker ingesting from NATS", "subject", subject)
	return sub, nil
}

func (s *Server) handleIngest(msg *nats.Msg) {
	var reply any
	res, err := s.Accept(msg.Data)
	if err != nil {
		s.logger.Warn("Rejected NATS batch", "subject", msg.Subject, "error", err)
		reply = map[string]string{"error": err.Error()}
	} else {
		reply = res
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("Failed to reply to NATS ingest", "error", err)
	}
}
