package syncclient

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config tunes a sync client. Every field can be set from the environment.
type Config struct {
	ServerURL        string        `env:"POKER_SERVER_URL" envDefault:"http://localhost:8080"`
	PollInterval     time.Duration `env:"POKER_POLL_INTERVAL" envDefault:"2s"`
	RequestTimeout   time.Duration `env:"POKER_REQUEST_TIMEOUT" envDefault:"5s"`
	FailureThreshold int           `env:"POKER_FAILURE_THRESHOLD" envDefault:"3"`
	MaxFailures      int           `env:"POKER_MAX_FAILURES" envDefault:"10"`
	MaxBackoff       time.Duration `env:"POKER_MAX_BACKOFF" envDefault:"30s"`
	BackoffJitter    float64       `env:"POKER_BACKOFF_JITTER" envDefault:"0.2"`
	PresenceTimeout  time.Duration `env:"POKER_PRESENCE_TIMEOUT" envDefault:"30s"`
	EventBuffer      int           `env:"POKER_EVENT_BUFFER" envDefault:"32"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:        "http://localhost:8080",
		PollInterval:     2 * time.Second,
		RequestTimeout:   5 * time.Second,
		FailureThreshold: 3,
		MaxFailures:      10,
		MaxBackoff:       30 * time.Second,
		BackoffJitter:    0.2,
		PresenceTimeout:  30 * time.Second,
		EventBuffer:      32,
	}
}

// LoadConfig reads the client configuration from the environment.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse client config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	case c.MaxFailures < c.FailureThreshold:
		return fmt.Errorf("max failures (%d) must not be below the failure threshold (%d)", c.MaxFailures, c.FailureThreshold)
	case c.MaxBackoff < c.PollInterval:
		return fmt.Errorf("max backoff (%v) must not be below the poll interval (%v)", c.MaxBackoff, c.PollInterval)
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", c.BackoffJitter)
	}
	return nil
}
