package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
dispatch:
  default_timeout: 30s
  rate_limits:
    api.example.com:
      per_sec: 5
      burst: 2
queues:
  mode: priority
  capacity: 128
  full: drop
  drain_grace: 2s
endpoints:
  bulk.example.com:
    mode: fifo
storage:
  driver: file
  path: ./store
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging not decoded: %+v", cfg.Logging)
	}
	if cfg.Dispatch.DefaultTimeout != "30s" {
		t.Fatalf("dispatch timeout: %q", cfg.Dispatch.DefaultTimeout)
	}
	rl, ok := cfg.Dispatch.RateLimits["api.example.com"]
	if !ok || rl.PerSec != 5 || rl.Burst != 2 {
		t.Fatalf("rate limit: %+v (ok=%v)", rl, ok)
	}
	if cfg.Queues.Capacity != 128 || cfg.Queues.Full != "drop" {
		t.Fatalf("queues: %+v", cfg.Queues)
	}
	if ep := cfg.Endpoints["bulk.example.com"]; ep.Mode != "fifo" {
		t.Fatalf("endpoint override: %+v", ep)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
quues:
  capacity: 10
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error for misspelled section")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"logging":{"level":"warn","console":false,"file":{"enabled":false,"path":""}}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level: %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad mode", Config{Queues: QueueConfig{Mode: "lifo"}}, "unknown mode"},
		{"bad full", Config{Queues: QueueConfig{Full: "reject"}}, "full"},
		{"bad duration", Config{Dispatch: DispatchConfig{DefaultTimeout: "soon"}}, "invalid duration"},
		{"negative rate", Config{Dispatch: DispatchConfig{RateLimits: map[string]RateLimitConfig{"k": {PerSec: -1}}}}, "per_sec"},
		{"bad driver", Config{Storage: &StorageConfig{Driver: "redis"}}, "driver"},
		{"endpoint mode", Config{Endpoints: map[string]EndpointConfig{"k": {Mode: "stack"}}}, "unknown mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}

	good := Config{
		Queues:   QueueConfig{Mode: "fifo", Full: "wait", DrainGrace: "5s"},
		Dispatch: DispatchConfig{DefaultTimeout: "10s"},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Queues: QueueConfig{Capacity: 64}}
	newCfg := &Config{
		Queues:  QueueConfig{Capacity: 128},
		Metrics: &MetricsConfig{Enabled: true, Addr: "127.0.0.1:9090", Token: "secret"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)

	want := map[string]bool{"queues": true, "metrics": true}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q", c)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing sections: %v (got %v)", want, changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs for changed sections")
	}

	if same, _ := SummarizeChange(newCfg, newCfg); len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}
