package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variables recognized by the
// application (e.g. RENDER_SERVER_PORT, RENDER_BROKER_ADDR).
const envPrefix = "RENDER"

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take precedence
// over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file; absence is not an error.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables: RENDER_SECTION_KEY maps to section.key.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct-level validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// setDefaults registers the default value for every recognized option so a
// bare environment still yields a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.namespace", "renderq")
	v.SetDefault("broker.claim_timeout", 5*time.Second)
	v.SetDefault("broker.availability_cache_ttl", time.Second)

	v.SetDefault("queue.base_delay", 2*time.Second)
	v.SetDefault("queue.max_delay", 5*time.Minute)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.staleness_threshold", 10*time.Minute)
	v.SetDefault("queue.sweep_interval", 5*time.Minute)
	v.SetDefault("queue.handler_timeout", 8*time.Minute)
	v.SetDefault("queue.worker_count", 4)

	v.SetDefault("fallback.rate_window", time.Hour)
	v.SetDefault("fallback.rate_cap", 3)
	v.SetDefault("fallback.concurrency_cap", 3)

	// Registered with an empty default so the environment variable is
	// visible to Unmarshal; the outcome store stays disabled until set.
	v.SetDefault("database.url", "")
}
