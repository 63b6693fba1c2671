package store

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// SweeperConfig controls room garbage collection.
type SweeperConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// DefaultSweeperConfig sweeps hourly and keeps rooms for a day.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Hour,
		Retention: DefaultRetention,
	}
}

// Sweepable is anything that can expire old rooms.
type Sweepable interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// RunSweeper sweeps s every cfg.Interval until ctx is cancelled.
func RunSweeper(ctx context.Context, s Sweepable, clock clockwork.Clock, cfg SweeperConfig) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", cfg.Interval).
		Dur("retention", cfg.Retention).
		Msg("room sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room sweeper shutting down")
			return
		case <-ticker.Chan():
			n, err := s.Sweep(ctx, cfg.Retention)
			if err != nil {
				log.Error().Err(err).Msg("failed to sweep rooms")
				continue
			}
			if n > 0 {
				log.Info().Int("count", n).Msg("cleaned up expired rooms")
			}
		}
	}
}
