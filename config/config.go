package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Port                 string        `env:"PORT" default:"5000"`
	RegistryHeartbeatURL string        `env:"REGISTRY_HEARTBEAT_URL" default:"http://localhost:4000/twin"`
	RegistryServiceToken string        `env:"REGISTRY_SERVICE_TOKEN" default:"mesh-secret"`
	HeartbeatTimeout     time.Duration `env:"HEARTBEAT_TIMEOUT" default:"5s"`
	LogLevel             string        `env:"LOG_LEVEL" default:"info"`
	LogFormat            string        `env:"LOG_FORMAT" default:"text"`

	MaxMessageSize int64   `env:"MAX_MESSAGE_SIZE" default:"65536"`
	MessageRate    float64 `env:"MESSAGE_RATE" default:"0"` // frames per second per connection, 0 disables
	MessageBurst   int     `env:"MESSAGE_BURST" default:"0"`
}

// LoadDotEnv copies variables from the given files (default ".env") into the
// process environment without overriding variables already set.
func LoadDotEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}

	u, err := url.Parse(cfg.RegistryHeartbeatURL)
	if err != nil {
		return fmt.Errorf("REGISTRY_HEARTBEAT_URL is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("REGISTRY_HEARTBEAT_URL must be an absolute http(s) URL, got %q", cfg.RegistryHeartbeatURL)
	}

	if cfg.HeartbeatTimeout <= 0 {
		return errors.New("HEARTBEAT_TIMEOUT must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if cfg.MessageRate < 0 || cfg.MessageBurst < 0 {
		return errors.New("MESSAGE_RATE and MESSAGE_BURST must not be negative")
	}

	return nil
}
