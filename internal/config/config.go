// Package config provides configuration loading for the gateway and worker
// daemons.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all gateway configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Queue         QueueConfig         `mapstructure:"queue"`
	ResultBackend ResultBackendConfig `mapstructure:"result_backend"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Heartbeat     HeartbeatConfig     `mapstructure:"heartbeat"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Log           LogConfig           `mapstructure:"log"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Pools         []string            `mapstructure:"pools"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// DrainTimeout bounds graceful shutdown; during the drain new task
	// submissions are refused while in-flight dispatches complete.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	Environment  string        `mapstructure:"environment" validate:"oneof=dev staging prod"`
	TLSCertFile  string        `mapstructure:"tls_cert_file"`
	TLSKeyFile   string        `mapstructure:"tls_key_file"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=in_memory redis"`
	URL  string `mapstructure:"url"`
	// CompressThreshold is the envelope size in bytes above which the
	// Redis backend compresses payloads.
	CompressThreshold int `mapstructure:"compress_threshold"`
	// HighWatermark refuses new submissions once a pool's depth reaches
	// it; LowWatermark re-opens submission.
	HighWatermark int64 `mapstructure:"high_watermark"`
	LowWatermark  int64 `mapstructure:"low_watermark"`
}

// ResultBackendConfig selects and tunes the persistence backend.
type ResultBackendConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=in_memory postgres"`
	DSN  string `mapstructure:"dsn"`
}

// StorageConfig locates external artifact storage. ArtifactRoot is an
// opaque URI prefix handed to worker handlers; the core never stores
// artifact bytes itself.
type StorageConfig struct {
	ArtifactRoot string `mapstructure:"artifact_root"`
}

// DispatchConfig tunes the per-pool dispatch loops.
type DispatchConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Backoff     time.Duration `mapstructure:"backoff"`
	// TaskMaxDuration sets each task's deadline relative to submission.
	TaskMaxDuration time.Duration `mapstructure:"task_max_duration"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
}

// HeartbeatConfig tunes worker liveness tracking.
type HeartbeatConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	EvictAfter time.Duration `mapstructure:"evict_after"`
}

// WorkerConfig configures the worker daemon. GatewayURL and Endpoint are
// required by cmd/worker but optional here so gateway-only deployments can
// share a config file.
type WorkerConfig struct {
	GatewayURL string `mapstructure:"gateway_url" validate:"omitempty,url"`
	Endpoint   string `mapstructure:"endpoint" validate:"omitempty,url"`
	Pool       string `mapstructure:"pool"`
	ListenAddr string `mapstructure:"listen_addr"`
	// StateDir persists the assigned worker id and the secret-envelope
	// identity across restarts.
	StateDir          string        `mapstructure:"state_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Concurrency       int           `mapstructure:"concurrency"`
	QueueSize         int           `mapstructure:"queue_size"`
}

// LogConfig tunes the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load reads configuration from files and PEAGEN_-prefixed environment
// variables. The config file is optional; defaults cover local mode.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/peagen")

	v.SetEnvPrefix("PEAGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Nested keys need explicit binding for env-only deployments.
	v.BindEnv("queue.kind", "PEAGEN_QUEUE_KIND")
	v.BindEnv("queue.url", "PEAGEN_QUEUE_URL")
	v.BindEnv("result_backend.kind", "PEAGEN_RESULT_BACKEND_KIND")
	v.BindEnv("result_backend.dsn", "PEAGEN_RESULT_BACKEND_DSN")
	v.BindEnv("storage.artifact_root", "PEAGEN_STORAGE_ARTIFACT_ROOT")
	v.BindEnv("server.port", "PEAGEN_SERVER_PORT")
	v.BindEnv("log.level", "PEAGEN_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Queue.LowWatermark > cfg.Queue.HighWatermark {
		return fmt.Errorf("invalid configuration: queue.low_watermark %d exceeds high_watermark %d",
			cfg.Queue.LowWatermark, cfg.Queue.HighWatermark)
	}
	if cfg.Heartbeat.StaleAfter >= cfg.Heartbeat.EvictAfter {
		return fmt.Errorf("invalid configuration: heartbeat.stale_after must be below evict_after")
	}
	if cfg.ResultBackend.Kind == "postgres" && cfg.ResultBackend.DSN == "" {
		return fmt.Errorf("invalid configuration: result_backend.dsn is required for the postgres backend")
	}
	if cfg.Queue.Kind == "redis" && cfg.Queue.URL == "" {
		return fmt.Errorf("invalid configuration: queue.url is required for the redis backend")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.drain_timeout", "10s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("queue.kind", "in_memory")
	v.SetDefault("queue.compress_threshold", 4096)
	v.SetDefault("queue.high_watermark", 1000)
	v.SetDefault("queue.low_watermark", 800)

	v.SetDefault("result_backend.kind", "in_memory")

	v.SetDefault("storage.artifact_root", "")

	v.SetDefault("dispatch.poll_timeout", "2s")
	v.SetDefault("dispatch.backoff", "500ms")
	v.SetDefault("dispatch.task_max_duration", "30m")
	v.SetDefault("dispatch.max_attempts", 3)

	v.SetDefault("heartbeat.interval", "10s")
	v.SetDefault("heartbeat.stale_after", "30s")
	v.SetDefault("heartbeat.evict_after", "120s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("worker.pool", "default")
	v.SetDefault("worker.listen_addr", "0.0.0.0:8090")
	v.SetDefault("worker.state_dir", "/var/lib/peagen")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 16)

	v.SetDefault("pools", []string{})
}
