// Package config provides configuration loading and management for contractflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/contractflow/broker"
	"github.com/c360studio/contractflow/pipeline"
	"github.com/c360studio/contractflow/simulator"
	"github.com/c360studio/contractflow/stream"
	"github.com/c360studio/contractflow/tracker"
)

// Simulator sink targets.
const (
	TargetHTTP = "http"
	TargetNATS = "nats"
)

// Config represents the complete contractflow configuration
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Broker    broker.Config   `yaml:"broker"`
	Stream    StreamConfig    `yaml:"stream"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Tracker   tracker.Config  `yaml:"tracker"`
	NATS      NATSConfig      `yaml:"nats"`
}

// PipelineConfig lists the stages every contract passes through, in order.
type PipelineConfig struct {
	// Stages overrides the reference stages when non-empty
	Stages []pipeline.StageDef `yaml:"stages"`
}

// Build returns the configured pipeline.
func (c PipelineConfig) Build() (*pipeline.Pipeline, error) {
	if len(c.Stages) == 0 {
		return pipeline.Default(), nil
	}
	return pipeline.New(c.Stages)
}

// StreamConfig configures reconnection of stream consumers
type StreamConfig struct {
	// BaseDelay is the first reconnect wait
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the reconnect wait
	MaxDelay time.Duration `yaml:"max_delay"`
}

// SimulatorConfig configures the workload simulator
type SimulatorConfig struct {
	simulator.Config `yaml:",inline"`
	// Target selects the sink: "http" posts to BrokerURL, "nats" publishes
	// to the NATS ingest subject.
	Target string `yaml:"target"`
	// BrokerURL is the broker's event submission endpoint
	BrokerURL string `yaml:"broker_url"`
	// Seed makes runs reproducible; 0 picks a random seed
	Seed uint64 `yaml:"seed"`
}

// NATSConfig configures the optional NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = NATS disabled unless Embedded)
	URL string `yaml:"url"`
	// Embedded starts an in-process NATS server when URL is empty
	Embedded bool `yaml:"embedded"`
	// RelayPrefix is the subject prefix the broker relays accepted events to
	RelayPrefix string `yaml:"relay_prefix"`
	// IngestSubject is where the broker accepts event batches
	IngestSubject string `yaml:"ingest_subject"`
	// PublishFleet publishes tracker summaries to the fleet KV bucket
	PublishFleet bool `yaml:"publish_fleet"`
}

// Enabled reports whether any NATS connection is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != "" || c.Embedded
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Broker: broker.DefaultConfig(),
		Stream: StreamConfig{
			BaseDelay: stream.DefaultBaseDelay,
			MaxDelay:  stream.DefaultMaxDelay,
		},
		Simulator: SimulatorConfig{
			Config:    simulator.DefaultConfig(),
			Target:    TargetHTTP,
			BrokerURL: "http://localhost:8080/events",
		},
		Tracker: tracker.DefaultConfig(),
		NATS: NATSConfig{
			URL:           "",
			RelayPrefix:   broker.DefaultRelayPrefix,
			IngestSubject: broker.DefaultIngestSubject,
			PublishFleet:  true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	p, err := c.Pipeline.Build()
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Broker.Addr == "" {
		return fmt.Errorf("broker.addr is required")
	}
	if c.Broker.MaxConnections < 0 {
		return fmt.Errorf("broker.max_connections must not be negative")
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("stream.base_delay must be positive")
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream.max_delay must be at least stream.base_delay")
	}
	if err := c.Simulator.Config.Validate(p); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	switch c.Simulator.Target {
	case TargetHTTP:
		if c.Simulator.BrokerURL == "" {
			return fmt.Errorf("simulator.broker_url is required for the http target")
		}
	case TargetNATS:
		if !c.NATS.Enabled() {
			return fmt.Errorf("nats.url or nats.embedded is required for the nats target")
		}
	default:
		return fmt.Errorf("simulator.target must be %q or %q", TargetHTTP, TargetNATS)
	}
	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.MergeFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// MergeFile decodes the YAML file at path onto c. Keys present in the file
// replace the current values, including explicit zeros; absent keys keep
// them. On error c is left unchanged.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	next := *c
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	*c = next

	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
