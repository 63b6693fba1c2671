package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/rs/zerolog/log"
)

type PeerListenerConfig struct {
	DatabaseURL   string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel string        // Channel name to LISTEN on
	PingInterval  time.Duration // keeps the dedicated connection alive
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
}

func DefaultPeerListenerConfig() PeerListenerConfig {
	return PeerListenerConfig{
		NotifyChannel: "room_changes",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
	}
}

// PeerListener follows room writes made by other server processes against
// the same Postgres database and republishes them on the local store's
// notifier, so subscribers see every change regardless of which instance
// handled the request.
type PeerListener struct {
	store    *SQL
	listener *pq.Listener
	clock    clockwork.Clock
	cfg      PeerListenerConfig
}

// NewPeerListener enables notifications on s and starts listening on the channel.
func NewPeerListener(s *SQL, cfg PeerListenerConfig, clock clockwork.Clock) (*PeerListener, error) {
	if err := s.EnableNotify(cfg.NotifyChannel); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("room listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for room notifications")

	return &PeerListener{store: s, listener: l, clock: clock, cfg: cfg}, nil
}

// Start blocks until ctx is cancelled.
func (l *PeerListener) Start(ctx context.Context) error {
	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// connection was re-established, notifications may have been lost
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle room notification")
			}
		case <-pingTicker.Chan():
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping room listener")
			}
		}
	}
}

// handleNotification re-reads the room named in extra and publishes it locally.
// Notes written by this process are ignored since they were already published.
func (l *PeerListener) handleNotification(ctx context.Context, extra string) error {
	var note peerNote
	if err := json.Unmarshal([]byte(extra), &note); err != nil {
		return fmt.Errorf("invalid room notification: %w", err)
	}
	if note.Origin == l.store.origin {
		return nil
	}

	now := l.clock.Now()
	switch note.Kind {
	case ChangeDelete:
		l.store.Publish(Change{Code: note.Code, Kind: ChangeDelete, At: now, Peer: true})
	case ChangeSet:
		state, err := l.store.Get(ctx, note.Code)
		if errors.Is(err, models.ErrRoomNotFound) {
			// deleted again before we got to it
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load room %s: %w", note.Code, err)
		}
		l.store.Publish(Change{Code: note.Code, Kind: ChangeSet, State: state, At: now, Peer: true})
	default:
		return fmt.Errorf("unknown change kind %q", note.Kind)
	}

	log.Debug().
		Str("room_code", note.Code).
		Str("kind", string(note.Kind)).
		Msg("relayed room change from peer")
	return nil
}
