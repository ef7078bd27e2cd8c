// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// built once at startup and passed by reference to the registry and the
// orchestrator.
type Config struct {
	Server         ServerConfig            `mapstructure:"server"`
	Auth           AuthConfig              `mapstructure:"auth"`
	Logging        LoggingConfig           `mapstructure:"logging"`
	Ingest         IngestConfig            `mapstructure:"ingest"`
	HTTP           HTTPConfig              `mapstructure:"http"`
	Headless       HeadlessConfig          `mapstructure:"headless"`
	Sources        map[string]SourceConfig `mapstructure:"sources"`
	Classification ClassificationConfig    `mapstructure:"classification"`
	Dedup          DedupConfig             `mapstructure:"dedup"`
	Storage        StorageConfig           `mapstructure:"storage"`
	Archive        ArchiveConfig           `mapstructure:"archive"`
	PubSub         PubSubConfig            `mapstructure:"pubsub"`
	Telemetry      TelemetryConfig         `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// IngestConfig governs which sources run and how a run is bounded.
type IngestConfig struct {
	EnabledSources       string `mapstructure:"enabled_sources"`
	ShadowSources        string `mapstructure:"shadow_sources"`
	MaxConcurrentFetches int    `mapstructure:"max_concurrent_fetches"`
	RunTimeoutSec        int    `mapstructure:"run_timeout_seconds"`
	MethodTimeoutSec     int    `mapstructure:"method_timeout_seconds"`
	DefaultLimit         int    `mapstructure:"default_limit"`
	SinceDays            int    `mapstructure:"since_days"`
	SyntheticEnabled     bool   `mapstructure:"synthetic_enabled"`
	SyntheticMax         int    `mapstructure:"synthetic_max"`
	Schedule             string `mapstructure:"schedule"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// SourceConfig holds per-connector endpoints and limits. An empty URL leaves
// the matching acquisition method out of the connector's chain.
type SourceConfig struct {
	APIURL    string         `mapstructure:"api_url"`
	FeedURL   string         `mapstructure:"feed_url"`
	ScrapeURL string         `mapstructure:"scrape_url"`
	Limit     int            `mapstructure:"limit"`
	RPS       float64        `mapstructure:"rps"`
	Burst     int            `mapstructure:"burst"`
	Selectors SelectorConfig `mapstructure:"selectors"`
}

// SelectorConfig lists CSS selectors used by the scrape and headless methods.
// Field selectors are evaluated relative to each Row match.
type SelectorConfig struct {
	Row       string `mapstructure:"row"`
	Ref       string `mapstructure:"ref"`
	Title     string `mapstructure:"title"`
	Summary   string `mapstructure:"summary"`
	Buyer     string `mapstructure:"buyer"`
	Published string `mapstructure:"published"`
	Deadline  string `mapstructure:"deadline"`
	Amount    string `mapstructure:"amount"`
	Link      string `mapstructure:"link"`
}

// ClassificationConfig points at the keyword table and caps assigned codes.
type ClassificationConfig struct {
	KeywordTable string `mapstructure:"keyword_table"`
	MaxCodes     int    `mapstructure:"max_codes"`
}

// DedupConfig tunes the duplicate scorer.
type DedupConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	TitleWeight    float64 `mapstructure:"title_weight"`
	BuyerWeight    float64 `mapstructure:"buyer_weight"`
	CategoryWeight float64 `mapstructure:"category_weight"`
	ValueWeight    float64 `mapstructure:"value_weight"`
	ValueTolerance float64 `mapstructure:"value_tolerance"`
	ValueCutoff    float64 `mapstructure:"value_cutoff"`
}

// StorageConfig selects the tender store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxConns    int    `mapstructure:"max_conns"`
	MinConns    int    `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// ArchiveConfig selects where raw batches are archived.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TENDERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("ingest.enabled_sources", "ted,boamp,place")
	v.SetDefault("ingest.shadow_sources", "")
	v.SetDefault("ingest.max_concurrent_fetches", 3)
	v.SetDefault("ingest.run_timeout_seconds", 600)
	v.SetDefault("ingest.method_timeout_seconds", 60)
	v.SetDefault("ingest.default_limit", 200)
	v.SetDefault("ingest.since_days", 2)
	v.SetDefault("ingest.synthetic_enabled", false)
	v.SetDefault("ingest.synthetic_max", 25)
	v.SetDefault("ingest.schedule", "")
	v.SetDefault("http.user_agent", "eu-tender-ingest/0.1 (+https://github.com/JakeFAU/eu-tender-ingest)")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("classification.keyword_table", "")
	v.SetDefault("classification.max_codes", 3)
	v.SetDefault("dedup.threshold", 0.75)
	v.SetDefault("dedup.title_weight", 0.5)
	v.SetDefault("dedup.buyer_weight", 0.2)
	v.SetDefault("dedup.category_weight", 0.15)
	v.SetDefault("dedup.value_weight", 0.15)
	v.SetDefault("dedup.value_tolerance", 0.02)
	v.SetDefault("dedup.value_cutoff", 0.5)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.table", "tenders")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("archive.driver", "memory")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("telemetry.service_name", "tenderingest")

	v.SetDefault("sources.ted.api_url", "https://api.ted.europa.eu/v3/notices/search")
	v.SetDefault("sources.ted.rps", 1)
	v.SetDefault("sources.ted.burst", 1)
	v.SetDefault("sources.boamp.api_url", "https://boamp-datadila.opendatasoft.com/api/explore/v2.1/catalog/datasets/boamp/records")
	v.SetDefault("sources.boamp.rps", 2)
	v.SetDefault("sources.boamp.burst", 2)
	v.SetDefault("sources.place.feed_url", "https://contrataciondelsectorpublico.gob.es/sindicacion/sindicacion_643/licitacionesPerfilesContratanteCompleto3.atom")
	v.SetDefault("sources.place.rps", 1)
	v.SetDefault("sources.place.burst", 1)
	v.SetDefault("sources.evergabe.scrape_url", "https://www.evergabe-online.de/search.html")
	v.SetDefault("sources.evergabe.rps", 0.5)
	v.SetDefault("sources.evergabe.burst", 1)
	v.SetDefault("sources.etenders.scrape_url", "https://www.etenders.gov.ie/epps/quickSearchAction.do?searchType=cftFTS&latest=true")
	v.SetDefault("sources.etenders.rps", 0.5)
	v.SetDefault("sources.etenders.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Ingest.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("ingest.max_concurrent_fetches must be > 0")
	}
	if c.Ingest.RunTimeoutSec <= 0 {
		return fmt.Errorf("ingest.run_timeout_seconds must be > 0")
	}
	if c.Ingest.MethodTimeoutSec <= 0 {
		return fmt.Errorf("ingest.method_timeout_seconds must be > 0")
	}
	if c.Ingest.DefaultLimit < 0 {
		return fmt.Errorf("ingest.default_limit must be >= 0")
	}
	if c.Ingest.SyntheticEnabled && c.Ingest.SyntheticMax <= 0 {
		return fmt.Errorf("ingest.synthetic_max must be > 0 when synthetic is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	for id, src := range c.Sources {
		if src.RPS < 0 {
			return fmt.Errorf("sources.%s.rps must be >= 0", id)
		}
		if src.Limit < 0 {
			return fmt.Errorf("sources.%s.limit must be >= 0", id)
		}
	}
	if c.Classification.MaxCodes <= 0 {
		return fmt.Errorf("classification.max_codes must be > 0")
	}
	if err := c.Dedup.validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
		if c.Storage.Table == "" {
			return fmt.Errorf("storage.table must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case "", "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local driver")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (d DedupConfig) validate() error {
	if d.Threshold <= 0 || d.Threshold > 1 {
		return fmt.Errorf("dedup.threshold must be in (0, 1]")
	}
	weights := []float64{d.TitleWeight, d.BuyerWeight, d.CategoryWeight, d.ValueWeight}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("dedup weights must be >= 0")
		}
		sum += w
	}
	if d.TitleWeight == 0 || sum == 0 {
		return fmt.Errorf("dedup.title_weight must be > 0")
	}
	if d.ValueTolerance < 0 || d.ValueCutoff <= d.ValueTolerance {
		return fmt.Errorf("dedup.value_cutoff must exceed dedup.value_tolerance")
	}
	return nil
}

// Source returns the configuration for id, or the zero value.
func (c Config) Source(id string) SourceConfig {
	if c.Sources == nil {
		return SourceConfig{}
	}
	return c.Sources[strings.ToLower(id)]
}

// RunTimeout bounds the fetching stage of a run.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Ingest.RunTimeoutSec) * time.Second
}

// MethodTimeout bounds a single acquisition method call.
func (c Config) MethodTimeout() time.Duration {
	return time.Duration(c.Ingest.MethodTimeoutSec) * time.Second
}

// HTTPTimeout is the outbound client timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout bounds a headless navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
