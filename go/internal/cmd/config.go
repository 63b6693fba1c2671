package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mcdev12/planningpoker/go/internal/dbconfig"
	"github.com/mcdev12/planningpoker/go/internal/roomevents"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"gopkg.in/yaml.v3"
)

// Config is the room server configuration. Values come from the defaults,
// then the YAML file, then the environment.
type Config struct {
	Port               string          `yaml:"port" env:"PORT"`
	LogLevel           string          `yaml:"log_level" env:"LOG_LEVEL"`
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	Storage            StorageConfig   `yaml:"storage"`
	Rooms              RoomsConfig     `yaml:"rooms"`
	NATS               NATSConfig      `yaml:"nats"`
	Database           dbconfig.Config `yaml:"database"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver" env:"STORAGE_DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// postgres only, empty disables cross-instance notifications
	NotifyChannel string `yaml:"notify_channel" env:"PG_NOTIFY_CHANNEL"`
}

type RoomsConfig struct {
	Retention     time.Duration `yaml:"retention" env:"ROOM_RETENTION"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// NATSConfig enables the room event relay when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" env:"NATS_URL"`
	Stream        string `yaml:"stream" env:"NATS_STREAM"`
	SubjectPrefix string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX"`
}

func defaultConfig() Config {
	js := roomevents.DefaultJetStreamConfig()
	sweeper := store.DefaultSweeperConfig()
	return Config{
		Port:               "8080",
		LogLevel:           "info",
		CORSAllowedOrigins: []string{"*"},
		Storage: StorageConfig{
			Driver:        "memory",
			SQLitePath:    "planningpoker.db",
			NotifyChannel: store.DefaultPeerListenerConfig().NotifyChannel,
		},
		Rooms: RoomsConfig{
			Retention:     sweeper.Retention,
			SweepInterval: sweeper.Interval,
		},
		NATS: NATSConfig{
			Stream:        js.StreamName,
			SubjectPrefix: js.SubjectPrefix,
		},
		Database: dbconfig.Default(),
	}
}

// loadConfig reads path if it exists and applies environment overrides.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Rooms.Retention <= 0 {
		return fmt.Errorf("room retention must be positive, got %v", c.Rooms.Retention)
	}
	if c.Rooms.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.Rooms.SweepInterval)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
