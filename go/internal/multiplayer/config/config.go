package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RelayConfig is the relay process configuration, read from the environment
type RelayConfig struct {
	Port     int    `env:"MULTIPLAYER_PORT" envDefault:"8787"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	// NATSURL enables gameplay event export when set
	NATSURL           string `env:"NATS_URL"`
	NATSStream        string `env:"NATS_STREAM" envDefault:"RHYTHM_EVENTS"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"rhythm.rooms"`

	// TuningFile points at an optional YAML file with connection tuning
	TuningFile string `env:"RELAY_CONFIG"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Tuning overrides relay connection limits. Zero values keep the defaults.
type Tuning struct {
	Connection struct {
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
		ReadBufferSize  int           `yaml:"read_buffer_size"`
		WriteBufferSize int           `yaml:"write_buffer_size"`
		SendBufferSize  int           `yaml:"send_buffer_size"`
	} `yaml:"connection"`
	Export struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"export"`
}

// LoadDotEnv loads .env files when present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadRelay reads the relay configuration from the environment.
func LoadRelay() (RelayConfig, error) {
	var cfg RelayConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid MULTIPLAYER_PORT %d", cfg.Port)
	}
	return cfg, nil
}

// LoadTuning reads a YAML tuning file.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var tuning Tuning
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &tuning, nil
}

// Addr returns the listen address for the configured port
func (c RelayConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
