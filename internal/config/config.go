// Package config loads honeyload configuration from a YAML file and
// HONEYLOAD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/honeyload/common/logging"
	natsclient "github.com/telhawk-systems/honeyload/common/messaging/nats"
	"github.com/telhawk-systems/honeyload/internal/dlq"
	"github.com/telhawk-systems/honeyload/internal/index"
	"github.com/telhawk-systems/honeyload/internal/loader"
	"github.com/telhawk-systems/honeyload/internal/parser"
	"github.com/telhawk-systems/honeyload/internal/reprocess"
	"github.com/telhawk-systems/honeyload/internal/server"
	"github.com/telhawk-systems/honeyload/internal/source"
	"github.com/telhawk-systems/honeyload/internal/storage/postgres"
)

// EnvPrefix prefixes environment overrides, e.g. HONEYLOAD_POSTGRES_DSN.
const EnvPrefix = "HONEYLOAD"

type Config struct {
	Sources    []SourceConfig   `mapstructure:"sources"`
	Loader     LoaderConfig     `mapstructure:"loader"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Schema     SchemaConfig     `mapstructure:"schema"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Reprocess  ReprocessConfig  `mapstructure:"reprocess"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type SourceConfig struct {
	ID           string        `mapstructure:"id"`
	Path         string        `mapstructure:"path"`
	Follow       bool          `mapstructure:"follow"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxLineBytes int           `mapstructure:"max_line_bytes"`
}

type LoaderConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxPendingEvents int           `mapstructure:"max_pending_events"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
}

type QuarantineConfig struct {
	Window           int     `mapstructure:"window"`
	MinSamples       int     `mapstructure:"min_samples"`
	ThresholdPercent float64 `mapstructure:"threshold_percent"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

type ParserConfig struct {
	MaxBufferLines int `mapstructure:"max_buffer_lines"`
	MaxBufferBytes int `mapstructure:"max_buffer_bytes"`
}

// SchemaConfig points at a catalogue file. Empty uses the embedded Cowrie
// catalogue.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type NATSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	// PublishCommitted announces committed events for enrichment services.
	PublishCommitted bool `mapstructure:"publish_committed"`
	// MirrorDeadLetters copies new dead letters onto the DLQ stream.
	MirrorDeadLetters bool `mapstructure:"mirror_dead_letters"`
	// MirrorQueueSize bounds dead letters waiting to be mirrored.
	MirrorQueueSize int `mapstructure:"mirror_queue_size"`
}

type RedisConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	StatusTTL       time.Duration `mapstructure:"status_ttl"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

type OpenSearchConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
	Index         string `mapstructure:"index"`
	Workers       int    `mapstructure:"workers"`
}

type EnrichConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type ReprocessConfig struct {
	BatchSize     int     `mapstructure:"batch_size"`
	Workers       int     `mapstructure:"workers"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ConfigError is an invalid or missing setting. It is only ever returned at
// startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

func setDefaults(v *viper.Viper) {
	def := loader.DefaultConfig()
	v.SetDefault("loader.batch_size", def.BatchSize)
	v.SetDefault("loader.flush_interval", def.FlushInterval)
	v.SetDefault("loader.max_pending_events", def.MaxPendingEvents)
	v.SetDefault("loader.flush_timeout", def.FlushTimeout)
	v.SetDefault("loader.retry_initial", def.RetryInitial)
	v.SetDefault("loader.retry_max", def.RetryMax)
	v.SetDefault("quarantine.window", def.Quarantine.Window)
	v.SetDefault("quarantine.min_samples", def.Quarantine.MinSamples)
	v.SetDefault("quarantine.threshold_percent", def.Quarantine.ThresholdPercent)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.cooldown", def.Breaker.Cooldown)
	v.SetDefault("breaker.max_cooldown", def.Breaker.MaxCooldown)
	v.SetDefault("parser.max_buffer_lines", parser.DefaultMaxBufferLines)
	v.SetDefault("parser.max_buffer_bytes", parser.DefaultMaxBufferBytes)
	v.SetDefault("schema.path", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", "5m")
	v.SetDefault("postgres.max_conn_idle_time", "1m")
	v.SetDefault("postgres.auto_migrate", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.publish_committed", true)
	v.SetDefault("nats.mirror_dead_letters", true)
	v.SetDefault("nats.mirror_queue_size", dlq.DefaultQueueSize)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.status_ttl", "1m")
	v.SetDefault("redis.publish_interval", "5s")

	osd := index.DefaultConfig()
	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", osd.URL)
	v.SetDefault("opensearch.username", osd.Username)
	v.SetDefault("opensearch.password", osd.Password)
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index", osd.Index)
	v.SetDefault("opensearch.workers", osd.Workers)

	v.SetDefault("enrich.queue_size", 64)

	v.SetDefault("reprocess.batch_size", reprocess.DefaultBatchSize)
	v.SetDefault("reprocess.workers", reprocess.DefaultWorkers)
	v.SetDefault("reprocess.rate_per_second", 0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9464")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from configPath, or from honeyload.yaml in the
// working directory or /etc/honeyload when configPath is empty. A missing
// default file is not an error. The result is validated.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("honeyload")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/honeyload")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigError{Key: "file", Message: err.Error()}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Key: "file", Message: fmt.Sprintf("failed to unmarshal config: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings every command depends on. Command-specific
// requirements are checked by RequireSources and RequireDatabase.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, msg string) { errs = append(errs, &ConfigError{Key: key, Message: msg}) }

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		key := fmt.Sprintf("sources[%d]", i)
		switch {
		case s.ID == "":
			bad(key+".id", "must not be empty")
		case seen[s.ID]:
			bad(key+".id", fmt.Sprintf("duplicate source id %q", s.ID))
		}
		seen[s.ID] = true
		if s.Path == "" {
			bad(key+".path", "must not be empty")
		}
		if s.MaxLineBytes < 0 {
			bad(key+".max_line_bytes", "must not be negative")
		}
	}

	if c.Loader.BatchSize <= 0 {
		bad("loader.batch_size", "must be positive")
	}
	if c.Loader.FlushInterval <= 0 {
		bad("loader.flush_interval", "must be positive")
	}
	if c.Loader.MaxPendingEvents < c.Loader.BatchSize {
		bad("loader.max_pending_events", "must be at least loader.batch_size")
	}
	if c.Quarantine.Window <= 0 {
		bad("quarantine.window", "must be positive")
	}
	if c.Quarantine.ThresholdPercent < 0 || c.Quarantine.ThresholdPercent > 100 {
		bad("quarantine.threshold_percent", "must be between 0 and 100")
	}
	if c.Breaker.FailureThreshold <= 0 {
		bad("breaker.failure_threshold", "must be positive")
	}
	if c.Breaker.MaxCooldown > 0 && c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		bad("breaker.max_cooldown", "must be at least breaker.cooldown")
	}
	if c.Reprocess.BatchSize <= 0 {
		bad("reprocess.batch_size", "must be positive")
	}
	if c.Reprocess.Workers <= 0 {
		bad("reprocess.workers", "must be positive")
	}
	if c.Reprocess.RatePerSecond < 0 {
		bad("reprocess.rate_per_second", "must not be negative")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		bad("logging.format", fmt.Sprintf("unknown format %q (json, text)", c.Logging.Format))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		bad("nats.url", "required when nats is enabled")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		bad("redis.url", "required when redis is enabled")
	}
	if c.OpenSearch.Enabled && c.OpenSearch.URL == "" {
		bad("opensearch.url", "required when opensearch is enabled")
	}
	return errors.Join(errs...)
}

func (c *Config) RequireSources() error {
	if len(c.Sources) == 0 {
		return &ConfigError{Key: "sources", Message: "at least one source is required"}
	}
	return nil
}

func (c *Config) RequireDatabase() error {
	if c.Postgres.DSN == "" {
		return &ConfigError{Key: "postgres.dsn", Message: "required (or set HONEYLOAD_POSTGRES_DSN)"}
	}
	return nil
}

// Pipeline returns the per-source loader settings.
func (c *Config) Pipeline() loader.Config {
	return loader.Config{
		BatchSize:        c.Loader.BatchSize,
		FlushInterval:    c.Loader.FlushInterval,
		MaxPendingEvents: c.Loader.MaxPendingEvents,
		FlushTimeout:     c.Loader.FlushTimeout,
		RetryInitial:     c.Loader.RetryInitial,
		RetryMax:         c.Loader.RetryMax,
		Quarantine: loader.QuarantineConfig{
			Window:           c.Quarantine.Window,
			MinSamples:       c.Quarantine.MinSamples,
			ThresholdPercent: c.Quarantine.ThresholdPercent,
		},
		Breaker: loader.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			Cooldown:         c.Breaker.Cooldown,
			MaxCooldown:      c.Breaker.MaxCooldown,
		},
		Parser: parser.Options{
			MaxBufferLines: c.Parser.MaxBufferLines,
			MaxBufferBytes: c.Parser.MaxBufferBytes,
		},
	}
}

func (c *Config) SourceConfigs() []source.Config {
	out := make([]source.Config, len(c.Sources))
	for i, s := range c.Sources {
		out[i] = source.Config{
			ID:           s.ID,
			Path:         s.Path,
			Follow:       s.Follow,
			PollInterval: s.PollInterval,
			MaxLineBytes: s.MaxLineBytes,
		}
	}
	return out
}

func (c *Config) StoreConfig() postgres.Config {
	return postgres.Config{
		DSN:             c.Postgres.DSN,
		MaxConns:        c.Postgres.MaxConns,
		MinConns:        c.Postgres.MinConns,
		MaxConnLifetime: c.Postgres.MaxConnLifetime,
		MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
	}
}

func (c *Config) NATSClientConfig() natsclient.Config {
	nc := natsclient.DefaultConfig()
	nc.URL = c.NATS.URL
	nc.Username = c.NATS.Username
	nc.Password = c.NATS.Password
	nc.Token = c.NATS.Token
	return nc
}

func (c *Config) IndexConfig() index.Config {
	return index.Config{
		URL:           c.OpenSearch.URL,
		Username:      c.OpenSearch.Username,
		Password:      c.OpenSearch.Password,
		TLSSkipVerify: c.OpenSearch.TLSSkipVerify,
		Index:         c.OpenSearch.Index,
		Workers:       c.OpenSearch.Workers,
	}
}

func (c *Config) ReprocessorConfig() reprocess.Config {
	return reprocess.Config{
		BatchSize:     c.Reprocess.BatchSize,
		Workers:       c.Reprocess.Workers,
		RatePerSecond: c.Reprocess.RatePerSecond,
	}
}

func (c *Config) HTTPConfig() server.Config {
	return server.Config{
		Addr:         c.Server.Addr,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
	}
}

// Logger builds the process logger. Logs go to stderr so command output on
// stdout stays clean.
func (c *Config) Logger() *logging.Logger {
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(c.Logging.Level), c.Logging.Format)
}
