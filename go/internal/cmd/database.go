package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

func setupStore(ctx context.Context, cfg *Config, clock clockwork.Clock) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := store.OpenSQL(ctx, store.Postgres, cfg.Database.DSN(), clock)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("connected to postgres room store")
		return s, nil
	case "sqlite":
		s, err := store.OpenSQL(ctx, store.SQLite, cfg.Storage.SQLitePath, clock)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Storage.SQLitePath).Msg("opened sqlite room store")
		return s, nil
	case "memory":
		log.Info().Msg("using in-memory room store")
		return store.NewMemory(clock), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
