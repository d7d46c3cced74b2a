// Package config loads and validates shelfbox configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Boxes     BoxesConfig     `mapstructure:"boxes"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs crawl sessions and their workers.
type CrawlerConfig struct {
	Workers                int      `mapstructure:"workers"`
	UserAgent              string   `mapstructure:"user_agent"`
	IgnoreRobots           bool     `mapstructure:"ignore_robots"`
	FrontierCapacity       int      `mapstructure:"frontier_capacity"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	MaxTotalFailures       int      `mapstructure:"max_total_failures"`
	BlockedDomains         []string `mapstructure:"blocked_domains"`
	// DefaultRPS paces hosts whose box sets no rate limit.
	DefaultRPS   float64 `mapstructure:"default_rps"`
	TitleWeight  int     `mapstructure:"title_weight"`
	MaxBodyBytes int     `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures fetch timeouts and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSec      int  `mapstructure:"nav_timeout_seconds"`
	RenderWaitMs       int  `mapstructure:"render_wait_ms"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
	MinTextChars       int  `mapstructure:"min_text_chars"`
	MaxPerSession      int  `mapstructure:"max_per_session"`
}

// StorageConfig selects where page and upload content is written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls the optional Postgres page mirror.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds the optional run notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// UploadConfig tunes the upload router.
type UploadConfig struct {
	Workers      int   `mapstructure:"workers"`
	MaxItemBytes int64 `mapstructure:"max_item_bytes"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces and logs. Spans are exported to
// Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// BoxesConfig locates box data and declares boxes to seed at start.
type BoxesConfig struct {
	DataDir     string      `mapstructure:"data_dir"`
	Definitions []BoxConfig `mapstructure:"definitions"`
}

// BoxConfig declares one box.
type BoxConfig struct {
	Name       string  `mapstructure:"name"`
	Type       string  `mapstructure:"type"`
	SeedURL    string  `mapstructure:"seed_url"`
	CrawlDepth int     `mapstructure:"crawl_depth"`
	MaxPages   *int    `mapstructure:"max_pages"`
	RateLimit  float64 `mapstructure:"rate_limit"`
	ShelfID    string  `mapstructure:"shelf_id"`
}

const (
	// DefaultMaxPages and DefaultRateLimit apply to boxes that leave them unset.
	DefaultMaxPages  = 100
	DefaultRateLimit = 1.0
)

// Box converts the declaration into a catalog Box, applying the per-box
// defaults for max_pages and rate_limit.
func (b BoxConfig) Box() ingest.Box {
	maxPages := DefaultMaxPages
	if b.MaxPages != nil {
		maxPages = *b.MaxPages
	}
	rateLimit := b.RateLimit
	if rateLimit == 0 {
		rateLimit = DefaultRateLimit
	}
	return ingest.Box{
		Name:       b.Name,
		Type:       ingest.BoxType(b.Type),
		SeedURL:    b.SeedURL,
		CrawlDepth: b.CrawlDepth,
		MaxPages:   maxPages,
		RateLimit:  rateLimit,
		ShelfID:    b.ShelfID,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHELFBOX")
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
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = filepath.Join(cfg.Boxes.DataDir, "blobs")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "shelfbox-bot/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.frontier_capacity", 1024)
	v.SetDefault("crawler.max_consecutive_failures", 20)
	v.SetDefault("crawler.max_total_failures", 0)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.default_rps", DefaultRateLimit)
	v.SetDefault("crawler.title_weight", 3)
	v.SetDefault("crawler.max_body_bytes", 5<<20)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.render_wait_ms", 500)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.min_text_chars", 200)
	v.SetDefault("headless.max_per_session", 20)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.table", "box_pages")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("upload.workers", 4)
	v.SetDefault("upload.max_item_bytes", 32<<20)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "shelfbox")
	v.SetDefault("boxes.data_dir", DefaultDataDir())
}

// DefaultDataDir returns $XDG_DATA_HOME/shelfbox, falling back to
// ~/.local/share/shelfbox.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "shelfbox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".shelfbox")
	}
	return filepath.Join(home, ".local", "share", "shelfbox")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxConsecutiveFailures < 0 || c.Crawler.MaxTotalFailures < 0 {
		return fmt.Errorf("crawler failure thresholds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	if c.Upload.Workers <= 0 {
		return fmt.Errorf("upload.workers must be > 0")
	}
	if c.Boxes.DataDir == "" {
		return fmt.Errorf("boxes.data_dir must be set")
	}
	seen := make(map[string]bool, len(c.Boxes.Definitions))
	for i, b := range c.Boxes.Definitions {
		if b.Name == "" {
			return fmt.Errorf("boxes.definitions[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("boxes.definitions: duplicate box %q", b.Name)
		}
		seen[b.Name] = true
		if !ingest.BoxType(b.Type).Valid() {
			return fmt.Errorf("boxes.definitions[%d].type %q must be indexed or raw", i, b.Type)
		}
	}
	return nil
}

// FetchTimeout is the per-fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
