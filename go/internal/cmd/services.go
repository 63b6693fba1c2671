package main

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/roomevents"
	"github.com/mcdev12/planningpoker/go/internal/rooms"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Rooms *rooms.Service

	store     store.Store
	relay     *roomevents.Relay
	peers     *store.PeerListener
	publisher *roomevents.JetStreamPublisher
	clock     clockwork.Clock
	sweeper   store.SweeperConfig
	wg        sync.WaitGroup
}

func setupServices(ctx context.Context, cfg *Config, st store.Store, clock clockwork.Clock) (*Services, error) {
	// Store → Service, plus the background workers that follow the store
	services := &Services{
		Rooms: rooms.NewService(st),
		store: st,
		clock: clock,
		sweeper: store.SweeperConfig{
			Interval:  cfg.Rooms.SweepInterval,
			Retention: cfg.Rooms.Retention,
		},
	}

	if sqlStore, ok := st.(*store.SQL); ok && cfg.Storage.Driver == "postgres" && cfg.Storage.NotifyChannel != "" {
		listenerCfg := store.DefaultPeerListenerConfig()
		listenerCfg.DatabaseURL = cfg.Database.DSN()
		listenerCfg.NotifyChannel = cfg.Storage.NotifyChannel
		peers, err := store.NewPeerListener(sqlStore, listenerCfg, clock)
		if err != nil {
			return nil, err
		}
		services.peers = peers
	}

	if cfg.NATS.URL == "" {
		log.Info().Msg("NATS_URL not set, room event relay disabled")
		return services, nil
	}

	jsCfg := roomevents.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	jsCfg.StreamName = cfg.NATS.Stream
	jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

	publisher, err := roomevents.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		return nil, err
	}
	services.publisher = publisher
	services.relay = roomevents.NewRelay(st, publisher, roomevents.DefaultRelayConfig(), clock)

	log.Info().
		Str("nats_url", jsCfg.URL).
		Str("stream", jsCfg.StreamName).
		Msg("room event relay enabled")
	return services, nil
}

// Start runs the background workers until ctx is cancelled.
func (s *Services) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		store.RunSweeper(ctx, s.store, s.clock, s.sweeper)
	}()

	if s.peers != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.peers.Start(ctx); err != nil {
				log.Error().Err(err).Msg("room listener failed")
			}
		}()
	}

	if s.relay != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("room event relay failed")
			}
		}()
	}
}

// Close waits for the workers and releases the broker and store.
func (s *Services) Close() {
	s.wg.Wait()
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close NATS connection")
		}
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close room store")
	}
}

func (s *Services) readiness() *readinessChecker {
	h := &readinessChecker{store: s.store}
	if s.publisher != nil {
		h.publisher = s.publisher
	}
	if s.relay != nil {
		h.relay = s.relay
	}
	return h
}
