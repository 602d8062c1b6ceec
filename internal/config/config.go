// Package config loads and hot-reloads the orchestrator's configuration.
//
// Each component gets its own section struct (ChunkConfig, SchedulerConfig,
// EngineConfig, AuditConfig, ...) that the caller maps onto that package's
// own settings; viper handles
// defaults/env-override/file merge, fsnotify drives hot reload for the
// scheduler tuning knobs that are safe to change without a restart.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChunkConfig controls C1 Chunker sizing.
type ChunkConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

// WorkerConfig controls one task-type worker family's concurrency range.
type WorkerConfig struct {
	Min int `mapstructure:"min" yaml:"min"`
	Max int `mapstructure:"max" yaml:"max"`
}

// SchedulerConfig controls the C7 round-robin scheduler.
type SchedulerConfig struct {
	TickMS           int `mapstructure:"tick_ms" yaml:"tick_ms"`
	MaxPasses        int `mapstructure:"max_passes" yaml:"max_passes"`
	MaxQueuedPerTask int `mapstructure:"max_queued_per_task" yaml:"max_queued_per_task"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryInitialMS   int `mapstructure:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`
}

// EngineConfig controls the C5 engine client.
type EngineConfig struct {
	PoolMax    int `mapstructure:"pool_max" yaml:"pool_max"`
	TimeoutMS  int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	RetryMax   int `mapstructure:"retry_max" yaml:"retry_max"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	Tracing    TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig holds OTel exporter settings for engine-call spans. No
// package in this module reads it: the engine client uses the global OTel
// tracer provider, and nothing here installs an exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter"` // "jaeger", "otlp", "stdout", ""
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// CredentialConfig controls C2 Credential Cache TTL and KV namespacing.
type CredentialConfig struct {
	TTLMinutes int    `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
	KeyPrefix  string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LockConfig controls C3 Distributed Lock defaults.
type LockConfig struct {
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds" yaml:"default_ttl_seconds"`
}

// RedisConfig is the atomic coordination store / queue substrate backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// ArchiveConfig controls the optional S3-compatible result archiver.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// KMSConfig controls the KMIP-backed guardian-credential unwrap path.
type KMSConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	KeyID    string `mapstructure:"key_id" yaml:"key_id"`
}

// AuditSinkConfig selects and configures the audit trail's output transport.
type AuditSinkConfig struct {
	Type          string            `mapstructure:"type" yaml:"type"` // "stdout", "file", "http"
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	Headers       map[string]string `mapstructure:"headers" yaml:"headers"`
	FilePath      string            `mapstructure:"file_path" yaml:"file_path"`
	BatchSize     int               `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval" yaml:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count" yaml:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// AuditConfig controls the structured audit trail of phase transitions,
// lock events, and promotions.
type AuditConfig struct {
	Enabled             bool            `mapstructure:"enabled" yaml:"enabled"`
	MaxEvents           int             `mapstructure:"max_events" yaml:"max_events"`
	RedactMetadataKeys  []string        `mapstructure:"redact_metadata_keys" yaml:"redact_metadata_keys"`
	Sink                AuditSinkConfig `mapstructure:"sink" yaml:"sink"`
}

// HTTPConfig controls the admin HTTP API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls structured-logging verbosity.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the complete orchestrator configuration, §6.
type Config struct {
	Chunk      ChunkConfig             `mapstructure:"chunk" yaml:"chunk"`
	Scheduler  SchedulerConfig         `mapstructure:"scheduler" yaml:"scheduler"`
	Engine     EngineConfig            `mapstructure:"engine" yaml:"engine"`
	Credential CredentialConfig        `mapstructure:"credential" yaml:"credential"`
	Lock       LockConfig              `mapstructure:"lock" yaml:"lock"`
	Redis      RedisConfig             `mapstructure:"redis" yaml:"redis"`
	Archive    ArchiveConfig           `mapstructure:"archive" yaml:"archive"`
	KMS        KMSConfig               `mapstructure:"kms" yaml:"kms"`
	Audit      AuditConfig             `mapstructure:"audit" yaml:"audit"`
	HTTP       HTTPConfig              `mapstructure:"http" yaml:"http"`
	Metrics    MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig               `mapstructure:"log" yaml:"log"`
	Worker     map[string]WorkerConfig `mapstructure:"worker" yaml:"worker"`
}

func (c CredentialConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func (c LockConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

func (c SchedulerConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chunk.size", 2)
	v.SetDefault("scheduler.tick_ms", 100)
	v.SetDefault("scheduler.max_passes", 8)
	v.SetDefault("scheduler.max_queued_per_task", 1)
	v.SetDefault("scheduler.retry_max_attempts", 3)
	v.SetDefault("scheduler.retry_initial_delay_ms", 5000)
	v.SetDefault("engine.pool_max", 16)
	v.SetDefault("engine.timeout_ms", 30000)
	v.SetDefault("engine.retry_max", 3)
	v.SetDefault("credential.ttl_minutes", 360)
	v.SetDefault("credential.key_prefix", "cred")
	v.SetDefault("lock.default_ttl_seconds", 7200)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("worker.tally.min", 1)
	v.SetDefault("worker.tally.max", 4)
	v.SetDefault("worker.partial.min", 1)
	v.SetDefault("worker.partial.max", 4)
	v.SetDefault("worker.compensated.min", 1)
	v.SetDefault("worker.compensated.max", 4)
	v.SetDefault("worker.combine.min", 1)
	v.SetDefault("worker.combine.max", 2)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_events", 1000)
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// Loader loads Config from a file and environment, and can hot-reload it.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur Config
}

// NewLoader builds a Loader. path may be empty, in which case only
// defaults and environment variables (prefixed ORCH_) apply.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() error {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}

// Current returns the current configuration snapshot.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// WatchAndReload watches the config file for changes via fsnotify (through
// viper) and calls onChange after each successful reload. Watching continues
// in the background for the lifetime of the process.
func (l *Loader) WatchAndReload(onChange func(Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		if err := l.reload(); err == nil && onChange != nil {
			onChange(l.Current())
		}
	})
	l.v.WatchConfig()
}
