package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Provider
	ProviderBaseURL string `envconfig:"PROVIDER_BASE_URL" required:"true"`

	// Admission / concurrency
	MaxConcurrentCalls        int64 `envconfig:"MAX_CONCURRENT_CALLS" default:"100"`
	DuplicateCallWindowMinutes int  `envconfig:"DUPLICATE_CALL_WINDOW_MINUTES" default:"5"`
	MaxRetryAttempts          int  `envconfig:"MAX_RETRY_ATTEMPTS" default:"3"`

	// Retry schedule
	RetryScheduleConfigPath  string `envconfig:"RETRY_SCHEDULE_CONFIG_PATH" default:"config/retry_schedule.yaml"`
	SchedulerIntervalMinutes int    `envconfig:"SCHEDULER_INTERVAL_MINUTES" default:"1"`

	// Dead letter retention
	DLQRetentionDays int `envconfig:"DLQ_RETENTION_DAYS" default:"7"`

	// Task bus worker pool sizes, per task class.
	InitiateWorkers int `envconfig:"INITIATE_WORKERS" default:"8"`
	RetryWorkers    int `envconfig:"RETRY_WORKERS" default:"8"`
	CallbackWorkers int `envconfig:"CALLBACK_WORKERS" default:"4"`

	// Auth
	AuthToken string `envconfig:"X_AUTH_TOKEN" required:"true"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Shutdown
	ShutdownGraceSeconds int `envconfig:"SHUTDOWN_GRACE_SECONDS" default:"20"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
