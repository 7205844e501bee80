// Package config loads and validates mirror configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreElastic  = "elastic"
)

// Publisher backends.
const (
	PublisherNoop   = "noop"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Export blob backends.
const (
	ExportLocal = "local"
	ExportGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Updater   UpdaterConfig   `mapstructure:"updater"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ServerConfig controls the API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MetricsConfig controls the Prometheus listener of the background units.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend      string         `mapstructure:"backend"`
	MapsIndex    string         `mapstructure:"maps_index"`
	MapSetsIndex string         `mapstructure:"mapsets_index"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Elastic      ElasticConfig  `mapstructure:"elastic"`
}

// PostgresConfig controls access to the relational store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ElasticConfig controls access to the search cluster.
type ElasticConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Insecure  bool     `mapstructure:"insecure"`
}

// UpstreamConfig configures the osu! API client.
type UpstreamConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	TokenURL       string  `mapstructure:"token_url"`
	ClientID       string  `mapstructure:"client_id"`
	ClientSecret   string  `mapstructure:"client_secret"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	Burst          int     `mapstructure:"burst"`
	MaxRetries     int     `mapstructure:"max_retries"`
	TimeoutSeconds int     `mapstructure:"timeout"`
}

// CrawlerConfig governs the forward scan loops. Backoff values are seconds.
type CrawlerConfig struct {
	BackoffStart float64 `mapstructure:"backoff_start"`
	MaxBackoff   float64 `mapstructure:"max_backoff"`
	BatchSize    int     `mapstructure:"batch_size"`
}

// UpdaterConfig governs the staleness refresh loops.
type UpdaterConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	BackoffStart float64       `mapstructure:"backoff_start"`
	MaxBackoff   float64       `mapstructure:"max_backoff"`
}

// PublisherConfig selects where change events go.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ExportConfig selects where index exports are written.
type ExportConfig struct {
	Backend  string `mapstructure:"backend"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	PageSize int    `mapstructure:"page_size"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MIRROR")
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

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal, even when no file mentions the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.maps_index", "beatmaps")
	v.SetDefault("store.mapsets_index", "beatmapsets")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.elastic.addresses", []string{})
	v.SetDefault("store.elastic.username", "")
	v.SetDefault("store.elastic.password", "")
	v.SetDefault("store.elastic.insecure", false)
	v.SetDefault("upstream.base_url", "https://osu.ppy.sh/api/v2")
	v.SetDefault("upstream.token_url", "https://osu.ppy.sh/oauth/token")
	v.SetDefault("upstream.client_id", "")
	v.SetDefault("upstream.client_secret", "")
	v.SetDefault("upstream.rate_limit_rps", 10)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.timeout", 10)
	v.SetDefault("crawler.backoff_start", 2)
	v.SetDefault("crawler.max_backoff", 300)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("updater.batch_size", 100)
	v.SetDefault("updater.stale_after", "24h")
	v.SetDefault("updater.backoff_start", 2)
	v.SetDefault("updater.max_backoff", 300)
	v.SetDefault("publisher.backend", PublisherNoop)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("export.backend", ExportLocal)
	v.SetDefault("export.base_dir", "exports")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "")
	v.SetDefault("export.page_size", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0")
	}
	if c.Store.MapsIndex == "" || c.Store.MapSetsIndex == "" {
		return fmt.Errorf("store.maps_index and store.mapsets_index must be set")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	case StoreElastic:
		if len(c.Store.Elastic.Addresses) == 0 {
			return fmt.Errorf("store.elastic.addresses must be set for the elastic backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream.client_id and upstream.client_secret must be set")
	}
	if c.Upstream.RateLimitRPS < 0 {
		return fmt.Errorf("upstream.rate_limit_rps must be >= 0")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}

	if err := validateBackoff("crawler", c.Crawler.BackoffStart, c.Crawler.MaxBackoff); err != nil {
		return err
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if err := validateBackoff("updater", c.Updater.BackoffStart, c.Updater.MaxBackoff); err != nil {
		return err
	}
	if c.Updater.BatchSize <= 0 {
		return fmt.Errorf("updater.batch_size must be > 0")
	}
	if c.Updater.StaleAfter <= 0 {
		return fmt.Errorf("updater.stale_after must be > 0")
	}

	switch c.Publisher.Backend {
	case PublisherNoop, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}

	switch c.Export.Backend {
	case ExportLocal:
		if c.Export.BaseDir == "" {
			return fmt.Errorf("export.base_dir must be set for the local backend")
		}
	case ExportGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown export.backend %q", c.Export.Backend)
	}
	if c.Export.PageSize <= 0 {
		return fmt.Errorf("export.page_size must be > 0")
	}
	return nil
}

func validateBackoff(section string, start, maxBackoff float64) error {
	if start <= 0 {
		return fmt.Errorf("%s.backoff_start must be > 0", section)
	}
	if maxBackoff < start {
		return fmt.Errorf("%s.max_backoff must be >= %s.backoff_start", section, section)
	}
	return nil
}

// Seconds converts a fractional second count into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// UpstreamTimeout is the per-attempt HTTP timeout.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}
