package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker"   validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	Fallback FallbackConfig `mapstructure:"fallback" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ServerConfig contains all HTTP server related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// BrokerConfig contains the connection and claim settings for the Redis
// broker backing the task queue.
type BrokerConfig struct {
	Addr     string `mapstructure:"addr"     validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"       validate:"gte=0"`

	// Namespace prefixes every Redis key the broker touches so multiple
	// deployments can share one Redis instance.
	Namespace string `mapstructure:"namespace" validate:"required"`

	// ClaimTimeout bounds how long a single blocking claim waits for work
	// before returning empty-handed.
	ClaimTimeout time.Duration `mapstructure:"claim_timeout" validate:"required,gt=0"`

	// AvailabilityCacheTTL is how long a PING result is trusted before the
	// broker is probed again. Kept short (at most a second) so workers notice
	// an outage quickly without pinging on every operation.
	AvailabilityCacheTTL time.Duration `mapstructure:"availability_cache_ttl" validate:"required,gt=0,lte=1s"`
}

// QueueConfig contains the retry, recovery, and worker settings for the
// task queue core.
type QueueConfig struct {
	// BaseDelay is the starting backoff unit for retried tasks.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"required,gt=0"`

	// MaxDelay caps the computed exponential backoff.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"required,gtefield=BaseDelay"`

	// DefaultMaxAttempts applies to tasks enqueued without an explicit ceiling.
	DefaultMaxAttempts int `mapstructure:"default_max_attempts" validate:"required,gt=0"`

	// StalenessThreshold is how old a claim must be before the recovery
	// sweeper presumes the claiming worker crashed. Must exceed the longest
	// plausible handler run, or still-running tasks get reclaimed.
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold" validate:"required,gt=0"`

	// SweepInterval is how often the recovery sweeper re-scans processing.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`

	// HandlerTimeout bounds a single handler execution; a handler exceeding
	// it is treated as failed and nacked.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" validate:"required,gt=0"`

	// WorkerCount determines how many concurrent worker loops claim tasks.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0"`
}

// FallbackConfig contains the admission-control settings used while the
// broker is unreachable. These are deliberately more conservative than the
// broker-backed limits: work admitted in degraded mode has no persistence
// behind it.
type FallbackConfig struct {
	RateWindow     time.Duration `mapstructure:"rate_window"     validate:"required,gt=0"`
	RateCap        int           `mapstructure:"rate_cap"        validate:"required,gt=0"`
	ConcurrencyCap int           `mapstructure:"concurrency_cap" validate:"required,gt=0"`
}

// DatabaseConfig contains the settings for the optional job outcome store.
// When URL is empty the store is disabled and terminal outcomes are only
// logged and emitted as events.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}
