package roomevents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"github.com/rs/zerolog/log"
)

type RelayConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxRetries: 5,
		RetryDelay: 200 * time.Millisecond,
	}
}

// ChangeSource is where the relay reads room changes from.
type ChangeSource interface {
	Subscribe(code string) (<-chan store.Change, func())
}

// Relay forwards every room change from a store to a publisher.
type Relay struct {
	source    ChangeSource
	publisher EventPublisher
	cfg       RelayConfig
	clock     clockwork.Clock

	mu        sync.Mutex
	running   bool
	published uint64
	dropped   uint64
	lastEvent time.Time
}

// RelayStats is a snapshot of what a relay has done since it started.
type RelayStats struct {
	Running   bool
	Published uint64
	Dropped   uint64
	LastEvent time.Time
}

func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStats{
		Running:   r.running,
		Published: r.published,
		Dropped:   r.dropped,
		LastEvent: r.lastEvent,
	}
}

func (r *Relay) setRunning(running bool) {
	r.mu.Lock()
	r.running = running
	r.mu.Unlock()
}

func (r *Relay) record(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		r.dropped++
		return
	}
	r.published++
	r.lastEvent = r.clock.Now()
}

func NewRelay(source ChangeSource, publisher EventPublisher, cfg RelayConfig, clock clockwork.Clock) *Relay {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
	}
}

// Run relays local changes until ctx is cancelled. A change that cannot be
// published after all retries is logged and dropped.
func (r *Relay) Run(ctx context.Context) error {
	changes, unsubscribe := r.source.Subscribe(store.AllRooms)
	defer unsubscribe()
	r.setRunning(true)
	defer r.setRunning(false)

	log.Info().Msg("room event relay started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room event relay shutting down")
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Peer {
				// the instance that wrote it relays it
				continue
			}
			event, err := NewEvent(change)
			if err != nil {
				log.Error().Err(err).Str("room_code", change.Code).Msg("failed to build room event")
				continue
			}
			err = r.publishWithRetry(ctx, event)
			r.record(err == nil)
			if err != nil {
				log.Error().
					Err(err).
					Str("room_code", event.RoomCode).
					Str("event_type", string(event.Type)).
					Msg("dropping room event")
			}
		}
	}
}

// NewEvent converts a store change into a broker event.
func NewEvent(change store.Change) (Event, error) {
	event := Event{
		ID:        uuid.New(),
		RoomCode:  change.Code,
		CreatedAt: change.At,
	}

	switch change.Kind {
	case store.ChangeDelete:
		event.Type = EventRoomDeleted
		event.Payload = json.RawMessage(`{}`)
	case store.ChangeSet:
		if change.State == nil {
			return Event{}, fmt.Errorf("set change for %s has no state", change.Code)
		}
		room, err := json.Marshal(change.State)
		if err != nil {
			return Event{}, fmt.Errorf("marshal room: %w", err)
		}
		payload, err := json.Marshal(RoomUpdatedPayload{
			Phase:       change.State.Phase,
			CurrentTask: change.State.CurrentTask,
			UserCount:   len(change.State.Users),
			VoteCount:   len(change.State.Votes),
			LastUpdated: change.State.LastUpdated,
			Room:        room,
		})
		if err != nil {
			return Event{}, fmt.Errorf("marshal payload: %w", err)
		}
		event.Type = EventRoomUpdated
		event.Payload = payload
	default:
		return Event{}, fmt.Errorf("unknown change kind %q", change.Kind)
	}
	return event, nil
}

// publishWithRetry publishes event, waiting RetryDelay*attempt between attempts.
func (r *Relay) publishWithRetry(ctx context.Context, event Event) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
