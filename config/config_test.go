package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/contractflow/pipeline"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Broker.Addr != ":8080" {
		t.Errorf("expected broker addr :8080, got %s", cfg.Broker.Addr)
	}
	if cfg.Stream.BaseDelay != time.Second {
		t.Errorf("expected base delay 1s, got %v", cfg.Stream.BaseDelay)
	}
	if cfg.Stream.MaxDelay != 30*time.Second {
		t.Errorf("expected max delay 30s, got %v", cfg.Stream.MaxDelay)
	}
	if cfg.Simulator.Target != TargetHTTP {
		t.Errorf("expected http target, got %s", cfg.Simulator.Target)
	}
	if cfg.NATS.URL != "" {
		t.Error("expected NATS disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	p, err := cfg.Pipeline.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if p.Len() != 4 {
		t.Errorf("expected 4 default stages, got %d", p.Len())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing broker addr",
			modify:  func(c *Config) { c.Broker.Addr = "" },
			wantErr: true,
		},
		{
			name:    "zero base delay",
			modify:  func(c *Config) { c.Stream.BaseDelay = 0 },
			wantErr: true,
		},
		{
			name:    "max delay below base",
			modify:  func(c *Config) { c.Stream.MaxDelay = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "duplicate stages",
			modify:  func(c *Config) { c.Pipeline.Stages = []pipeline.StageDef{{ID: "a"}, {ID: "a"}} },
			wantErr: true,
		},
		{
			name: "weights must match custom stages",
			modify: func(c *Config) {
				c.Pipeline.Stages = []pipeline.StageDef{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}
				c.Simulator.FinalStageWeights = []float64{1, 2, 3, 6}
			},
			wantErr: true,
		},
		{
			name:    "unknown target",
			modify:  func(c *Config) { c.Simulator.Target = "kafka" },
			wantErr: true,
		},
		{
			name:    "nats target without url",
			modify:  func(c *Config) { c.Simulator.Target = TargetNATS },
			wantErr: true,
		},
		{
			name: "nats target with embedded server",
			modify: func(c *Config) {
				c.Simulator.Target = TargetNATS
				c.NATS.Embedded = true
			},
			wantErr: false,
		},
		{
			name: "nats target with url",
			modify: func(c *Config) {
				c.Simulator.Target = TargetNATS
				c.NATS.URL = "nats://localhost:4222"
			},
			wantErr: false,
		},
		{
			name:    "bad emit probability",
			modify:  func(c *Config) { c.Simulator.EmitProbability = 2 },
			wantErr: true,
		},
		{
			name:    "missing tracker url",
			modify:  func(c *Config) { c.Tracker.URL = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
pipeline:
  stages:
    - id: intake
      name: Intake
    - id: review
      name: Review
broker:
  addr: ":9000"
  max_connections: 10
stream:
  base_delay: 250ms
  max_delay: 5s
simulator:
  max_total: 12
  emit_probability: 0.5
  final_stage_weights: [1, 3]
  interval: 100ms
  seed: 7
tracker:
  url: "ws://broker:9000/ws"
  publish_interval: 2s
nats:
  url: "nats://test:4222"
  publish_fleet: false
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if len(cfg.Pipeline.Stages) != 2 || cfg.Pipeline.Stages[1].ID != "review" {
		t.Errorf("unexpected stages %+v", cfg.Pipeline.Stages)
	}
	if cfg.Broker.Addr != ":9000" || cfg.Broker.MaxConnections != 10 {
		t.Errorf("unexpected broker config %+v", cfg.Broker)
	}
	if cfg.Broker.SendBuffer != 256 {
		t.Errorf("expected default send buffer to survive, got %d", cfg.Broker.SendBuffer)
	}
	if cfg.Stream.BaseDelay != 250*time.Millisecond || cfg.Stream.MaxDelay != 5*time.Second {
		t.Errorf("unexpected stream config %+v", cfg.Stream)
	}
	if cfg.Simulator.MaxTotal != 12 || cfg.Simulator.EmitProbability != 0.5 {
		t.Errorf("unexpected simulator config %+v", cfg.Simulator)
	}
	if cfg.Simulator.Interval != 100*time.Millisecond || cfg.Simulator.Seed != 7 {
		t.Errorf("unexpected simulator timing %+v", cfg.Simulator)
	}
	if cfg.Simulator.MaxLive != 40 {
		t.Errorf("expected default max_live to survive, got %d", cfg.Simulator.MaxLive)
	}
	if cfg.Tracker.URL != "ws://broker:9000/ws" || cfg.Tracker.PublishInterval != 2*time.Second {
		t.Errorf("unexpected tracker config %+v", cfg.Tracker)
	}
	if cfg.NATS.URL != "nats://test:4222" || cfg.NATS.PublishFleet {
		t.Errorf("unexpected NATS config %+v", cfg.NATS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("broker: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigMergeFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	writeFile(t, first, `broker:
  addr: ":7000"
  max_connections: 10
simulator:
  max_total: 5
tracker:
  publish_contracts: false
nats:
  url: "nats://override:4222"
`)
	writeFile(t, second, `broker:
  max_connections: 0
simulator:
  early_error_probability: 0
`)

	cfg := DefaultConfig()
	if err := cfg.MergeFile(first); err != nil {
		t.Fatalf("MergeFile(first) error = %v", err)
	}
	if err := cfg.MergeFile(second); err != nil {
		t.Fatalf("MergeFile(second) error = %v", err)
	}

	if cfg.Broker.Addr != ":7000" {
		t.Errorf("expected broker addr :7000, got %s", cfg.Broker.Addr)
	}
	if cfg.Broker.MaxConnections != 0 {
		t.Errorf("expected max_connections 0 from the later file, got %d", cfg.Broker.MaxConnections)
	}
	if cfg.Simulator.MaxTotal != 5 {
		t.Errorf("expected max_total 5, got %d", cfg.Simulator.MaxTotal)
	}
	if cfg.Simulator.MaxLive != 40 {
		t.Errorf("expected max_live to remain default, got %d", cfg.Simulator.MaxLive)
	}
	if cfg.Simulator.EarlyErrorProbability != 0 {
		t.Errorf("expected early_error_probability 0, got %v", cfg.Simulator.EarlyErrorProbability)
	}
	if cfg.Simulator.FinalSuccessProbability != 0.85 {
		t.Errorf("expected final_success_probability to remain default, got %v", cfg.Simulator.FinalSuccessProbability)
	}
	if cfg.Tracker.PublishContracts {
		t.Error("expected publish_contracts false from the first file")
	}
	if !cfg.NATS.PublishFleet {
		t.Error("expected publish_fleet to remain default")
	}
	if cfg.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL override, got %s", cfg.NATS.URL)
	}
}

func TestConfigMergeFile_ErrorLeavesConfigUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "broker:\n  addr: \":7000\"\nsimulator:\n  max_live: [1, 2]\n")

	cfg := DefaultConfig()
	if err := cfg.MergeFile(path); err == nil {
		t.Fatal("expected parse error")
	}
	if cfg.Broker.Addr != ":8080" {
		t.Errorf("failed merge changed broker addr to %s", cfg.Broker.Addr)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Broker.Addr = ":8181"
	cfg.Tracker.PublishInterval = 42 * time.Second

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Broker.Addr != ":8181" {
		t.Errorf("expected addr :8181, got %s", loaded.Broker.Addr)
	}
	if loaded.Tracker.PublishInterval != 42*time.Second {
		t.Errorf("expected publish interval 42s, got %v", loaded.Tracker.PublishInterval)
	}
}

func TestLoaderExplicitPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  addr: \":6060\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(nil)
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Addr != ":6060" {
		t.Errorf("expected addr :6060, got %s", cfg.Broker.Addr)
	}
	if l.Source() != path {
		t.Errorf("expected source %s, got %s", path, l.Source())
	}

	if _, err := l.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoaderExplicitPath_ZeroValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, userPath, "broker:\n  max_connections: 64\n")

	path := filepath.Join(t.TempDir(), "zeros.yaml")
	writeFile(t, path, `broker:
  max_connections: 0
simulator:
  final_success_probability: 0
  early_error_probability: 0
`)

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.MaxConnections != 0 {
		t.Errorf("expected max_connections 0, got %d", cfg.Broker.MaxConnections)
	}
	if cfg.Simulator.FinalSuccessProbability != 0 {
		t.Errorf("expected final_success_probability 0, got %v", cfg.Simulator.FinalSuccessProbability)
	}
	if cfg.Simulator.EarlyErrorProbability != 0 {
		t.Errorf("expected early_error_probability 0, got %v", cfg.Simulator.EarlyErrorProbability)
	}
	if cfg.Simulator.EmitProbability != 0.35 {
		t.Errorf("expected emit_probability to remain default, got %v", cfg.Simulator.EmitProbability)
	}
}

func TestLoaderUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	l := NewLoader(nil)
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	if _, err := os.Stat(userPath); err != nil {
		t.Fatalf("user config not created: %v", err)
	}

	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.Broker.Addr)
	}
	if l.Source() != userPath {
		t.Errorf("expected source %s, got %s", userPath, l.Source())
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectConfigFile)
	if err := DefaultConfig().SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, 20*time.Millisecond, func(c *Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Invalid content is skipped.
	cfg := DefaultConfig()
	cfg.Broker.Addr = ""
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	cfg = DefaultConfig()
	cfg.Simulator.EmitProbability = 0.9
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		var last *Config
		if n > 0 {
			last = got[n-1]
		}
		mu.Unlock()
		if last != nil && last.Simulator.EmitProbability == 0.9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("config change not delivered, got %d reloads", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, c := range got {
		if c.Broker.Addr == "" {
			t.Error("invalid config was delivered")
		}
	}
}
