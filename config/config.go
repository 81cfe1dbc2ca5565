package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0" validate:"required"`

	// ActionKey signs the spawn key on the worker URL; ActionSecret is
	// the shared secret for the header-authenticated endpoint.
	ActionKey    string `env:"ACTION_KEY" envDefault:"default"`
	ActionSecret string `env:"ACTION_SECRET"`

	BatchSize        int `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	BatchIntervalSec int `env:"BATCH_INTERVAL_SEC" envDefault:"30" validate:"min=1"`
	BatchTimeoutSec  int `env:"BATCH_TIMEOUT_SEC" envDefault:"7200" validate:"min=60"`
	MaxExecutionSec  int `env:"MAX_EXECUTION_SEC" envDefault:"1800" validate:"min=30"`

	// SpawnMode picks how a worker is started after a request: a
	// fire-and-forget HTTP self-call, or an in-process goroutine.
	SpawnMode string `env:"SPAWN_MODE" envDefault:"http" validate:"oneof=http inline"`
	WorkerURL string `env:"WORKER_URL" envDefault:"http://localhost:8080"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalSec) * time.Second
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

// SoftDeadline caps one worker pass so it releases unprocessed claims
// instead of overrunning the host execution limit.
func (c *Config) SoftDeadline() time.Duration {
	capped := min(c.MaxExecutionSec, 1800)
	return time.Duration(capped-5) * time.Second
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
