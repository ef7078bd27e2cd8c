package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ingest.EnabledSources != "ted,boamp,place" {
		t.Fatalf("unexpected enabled sources %q", cfg.Ingest.EnabledSources)
	}
	if cfg.Ingest.SyntheticEnabled {
		t.Fatal("synthetic placeholders must be off by default")
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory storage default, got %q", cfg.Storage.Driver)
	}
	if got := cfg.Source("TED").APIURL; got == "" {
		t.Fatal("expected default ted api url")
	}
	if got := cfg.RunTimeout(); got != 10*time.Minute {
		t.Fatalf("expected 10m run timeout, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
ingest:
  enabled_sources: "ted, evergabe"
  shadow_sources: evergabe
  max_concurrent_fetches: 2
  run_timeout_seconds: 120
  method_timeout_seconds: 15
  synthetic_enabled: true
  schedule: "0 */6 * * *"
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
sources:
  evergabe:
    scrape_url: https://vergabe.example.de/list
    rps: 0.25
    selectors:
      row: "table.results tr"
      title: "td.title"
dedup:
  threshold: 0.8
storage:
  driver: postgres
  dsn: postgres://localhost/tenders
archive:
  driver: local
  base_dir: /tmp/raw
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Ingest.ShadowSources != "evergabe" || !cfg.Ingest.SyntheticEnabled {
		t.Fatalf("expected ingest overrides to apply: %+v", cfg.Ingest)
	}
	src := cfg.Source("evergabe")
	if src.ScrapeURL != "https://vergabe.example.de/list" || src.RPS != 0.25 {
		t.Fatalf("expected evergabe overrides: %+v", src)
	}
	if src.Selectors.Row != "table.results tr" || src.Selectors.Title != "td.title" {
		t.Fatalf("expected selectors to load: %+v", src.Selectors)
	}
	if cfg.Dedup.Threshold != 0.8 || cfg.Dedup.TitleWeight != 0.5 {
		t.Fatalf("expected dedup threshold override with default weights: %+v", cfg.Dedup)
	}
	if got := cfg.MethodTimeout(); got != 15*time.Second {
		t.Fatalf("expected method timeout 15s, got %v", got)
	}
	if got := cfg.NavTimeout(); got != 30*time.Second {
		t.Fatalf("expected nav timeout 30s, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Ingest: IngestConfig{
			MaxConcurrentFetches: 1,
			RunTimeoutSec:        60,
			MethodTimeoutSec:     10,
		},
		HTTP:           HTTPConfig{TimeoutSeconds: 10},
		Classification: ClassificationConfig{MaxCodes: 3},
		Dedup: DedupConfig{
			Threshold:      0.75,
			TitleWeight:    0.5,
			BuyerWeight:    0.2,
			CategoryWeight: 0.15,
			ValueWeight:    0.15,
			ValueTolerance: 0.02,
			ValueCutoff:    0.5,
		},
		Storage: StorageConfig{Driver: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no fetch workers", func(c *Config) { c.Ingest.MaxConcurrentFetches = 0 }, "ingest.max_concurrent_fetches"},
		{"no run timeout", func(c *Config) { c.Ingest.RunTimeoutSec = 0 }, "ingest.run_timeout_seconds"},
		{"no method timeout", func(c *Config) { c.Ingest.MethodTimeoutSec = 0 }, "ingest.method_timeout_seconds"},
		{"synthetic without max", func(c *Config) { c.Ingest.SyntheticEnabled = true }, "ingest.synthetic_max"},
		{"invalid http timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"negative rps", func(c *Config) {
			c.Sources = map[string]SourceConfig{"ted": {RPS: -1}}
		}, "sources.ted.rps"},
		{"no max codes", func(c *Config) { c.Classification.MaxCodes = 0 }, "classification.max_codes"},
		{"threshold out of range", func(c *Config) { c.Dedup.Threshold = 1.5 }, "dedup.threshold"},
		{"negative weight", func(c *Config) { c.Dedup.BuyerWeight = -0.1 }, "dedup weights"},
		{"cutoff below tolerance", func(c *Config) { c.Dedup.ValueCutoff = 0.01 }, "dedup.value_cutoff"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"gcs without bucket", func(c *Config) { c.Archive.Driver = "gcs" }, "archive.bucket"},
		{"local without dir", func(c *Config) { c.Archive.Driver = "local" }, "archive.base_dir"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "runs" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Sources = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
