// Package storage publishes fleet state to a NATS KV bucket so that other
// processes can read it. The bucket is a publication surface only: nothing
// in contractflow reads it back to rebuild state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/contractflow/fleet"
	"github.com/c360studio/contractflow/pipeline"
)

// BucketFleet is the KV bucket holding published fleet state.
const BucketFleet = "CONTRACTFLOW_FLEET"

const (
	summaryKey     = "summary"
	contractPrefix = "contract."
)

// SummaryRecord is a published fleet summary.
type SummaryRecord struct {
	fleet.Summary
	PublishedAt time.Time `json:"publishedAt"`
}

// ContractRecord is the published state of one contract.
type ContractRecord struct {
	ID        string                              `json:"id"`
	Current   fleet.Position                      `json:"current"`
	Failed    bool                                `json:"failed"`
	Stages    map[pipeline.Stage]fleet.StageState `json:"stages"`
	UpdatedAt time.Time                           `json:"updatedAt"`
}

// FleetStore writes fleet summaries and contract records to NATS KV.
type FleetStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewFleetStore opens the fleet bucket, creating it with memory storage if
// it does not exist.
func NewFleetStore(ctx context.Context, js jetstream.JetStream) (*FleetStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketFleet)
	if err != nil {
		return nil, fmt.Errorf("create fleet bucket: %w", err)
	}
	return NewFleetStoreFromKV(kv), nil
}

// NewFleetStoreFromKV wraps an already opened bucket.
func NewFleetStoreFromKV(kv jetstream.KeyValue) *FleetStore {
	return &FleetStore{kv: kv, now: time.Now}
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "contractflow published fleet state",
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
}

// PutSummary publishes sum and returns the new revision.
func (s *FleetStore) PutSummary(ctx context.Context, sum fleet.Summary) (uint64, error) {
	data, err := json.Marshal(SummaryRecord{Summary: sum, PublishedAt: s.now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("marshal summary: %w", err)
	}
	rev, err := s.kv.Put(ctx, summaryKey, data)
	if err != nil {
		return 0, fmt.Errorf("put summary: %w", err)
	}
	return rev, nil
}

// GetSummary returns the last published summary.
func (s *FleetStore) GetSummary(ctx context.Context) (*SummaryRecord, error) {
	entry, err := s.kv.Get(ctx, summaryKey)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}

	var rec SummaryRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &rec, nil
}

// PutContract publishes the state of one contract at position pos.
func (s *FleetStore) PutContract(ctx context.Context, e *fleet.EntityState, pos fleet.Position) error {
	key, err := ContractKey(e.ID())
	if err != nil {
		return err
	}

	data, err := json.Marshal(ContractRecord{
		ID:        e.ID(),
		Current:   pos,
		Failed:    e.Failed(),
		Stages:    e.Stages(),
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put contract %s: %w", e.ID(), err)
	}
	return nil
}

// GetContract returns the published record for a contract id.
func (s *FleetStore) GetContract(ctx context.Context, id string) (*ContractRecord, error) {
	key, err := ContractKey(id)
	if err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}

	var rec ContractRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal contract: %w", err)
	}
	return &rec, nil
}

// ListContractKeys returns the keys of all published contracts.
func (s *FleetStore) ListContractKeys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, contractPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// ContractKey maps a contract id to a KV key. Bytes NATS does not allow in
// keys are written as '=' followed by two hex digits, and '=' itself is
// escaped, so distinct ids never share a key. A '.' is kept unless it would
// produce an empty key token.
func ContractKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("contract key %q: %w", id, ErrInvalidKey)
	}

	var b strings.Builder
	b.Grow(len(contractPrefix) + len(id))
	b.WriteString(contractPrefix)
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-', c == '_', c == '/':
			b.WriteByte(c)
		case c == '.' && i > 0 && i < len(id)-1 && id[i-1] != '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String(), nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
