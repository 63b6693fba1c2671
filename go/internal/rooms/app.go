package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/voting"
	"github.com/rs/zerolog/log"
)

// maxCodeAttempts bounds how many random codes CreateRoom tries before giving up.
const maxCodeAttempts = 5

// Repository defines what the app layer needs from a room store
type Repository interface {
	Get(ctx context.Context, code string) (*models.RoomState, error)
	Set(ctx context.Context, code string, state *models.RoomState) error
	Delete(ctx context.Context, code string) error
}

// Updater is implemented by repositories that can apply a read-modify-write
// atomically. Without it the app falls back to Get then Set.
type Updater interface {
	Update(ctx context.Context, code string, fn func(*models.RoomState) error) (*models.RoomState, error)
}

// App handles room business logic
type App struct {
	repo            Repository
	clock           clockwork.Clock
	presenceTimeout int64
}

// NewApp creates a new rooms App
func NewApp(repo Repository, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:            repo,
		clock:           clock,
		presenceTimeout: models.DefaultPresenceTimeoutMs,
	}
}

// WithPresenceTimeout returns a copy of the app that prunes users after ms of silence.
func (a *App) WithPresenceTimeout(ms int64) *App {
	c := *a
	if ms > 0 {
		c.presenceTimeout = ms
	}
	return &c
}

func (a *App) now() int64 {
	return a.clock.Now().UnixMilli()
}

// mutate runs one read-modify-write cycle against the repository.
func (a *App) mutate(ctx context.Context, code string, fn func(*models.RoomState) error) (*models.RoomState, error) {
	code = models.NormalizeCode(code)
	if u, ok := a.repo.(Updater); ok {
		return u.Update(ctx, code, fn)
	}

	state, err := a.repo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := a.repo.Set(ctx, code, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CreateRoom creates a room under a fresh random code with admin as its only user.
func (a *App) CreateRoom(ctx context.Context, admin models.User) (*models.RoomState, error) {
	if err := admin.Validate(); err != nil {
		return nil, err
	}

	for range maxCodeAttempts {
		code := models.NewCode()
		_, err := a.repo.Get(ctx, code)
		if err == nil {
			log.Debug().Str("room_code", code).Msg("room code taken, retrying")
			continue
		}
		if !errors.Is(err, models.ErrRoomNotFound) {
			return nil, fmt.Errorf("failed to check room code: %w", err)
		}
		return a.CreateRoomWithCode(ctx, code, admin)
	}
	return nil, fmt.Errorf("failed to allocate a room code after %d attempts", maxCodeAttempts)
}

// CreateRoomWithCode creates a room under code, replacing any room already there.
func (a *App) CreateRoomWithCode(ctx context.Context, code string, admin models.User) (*models.RoomState, error) {
	room, err := models.NewRoom(code, admin, a.now())
	if err != nil {
		return nil, err
	}
	if err := a.repo.Set(ctx, room.Code, room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	log.Info().Str("room_code", room.Code).Str("user_id", admin.ID).Msg("created room")
	return room, nil
}

// GetRoom retrieves a room by code
func (a *App) GetRoom(ctx context.Context, code string) (*models.RoomState, error) {
	return a.repo.Get(ctx, models.NormalizeCode(code))
}

// DeleteRoom removes a room
func (a *App) DeleteRoom(ctx context.Context, code string) error {
	return a.repo.Delete(ctx, models.NormalizeCode(code))
}

// UpsertUser adds u to the room or refreshes the stored copy.
func (a *App) UpsertUser(ctx context.Context, code string, u models.User) (*models.RoomState, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return a.mutate(ctx, code, func(r *models.RoomState) error {
		return r.UpsertUser(u, a.now())
	})
}

// Heartbeat refreshes u's presence and prunes users that went silent.
func (a *App) Heartbeat(ctx context.Context, code string, u models.User) (*models.RoomState, []models.User, error) {
	if err := u.Validate(); err != nil {
		return nil, nil, err
	}

	var removed []models.User
	state, err := a.mutate(ctx, code, func(r *models.RoomState) error {
		now := a.now()
		if err := r.UpsertUser(u, now); err != nil {
			return err
		}
		removed = r.PruneStale(now, a.presenceTimeout)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, gone := range removed {
		log.Debug().Str("room_code", state.Code).Str("user_id", gone.ID).Msg("pruned stale user")
	}
	return state, removed, nil
}

// TransitionPhase moves the room to target. Any caller may do this.
func (a *App) TransitionPhase(ctx context.Context, code string, target models.Phase) (*models.RoomState, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: invalid phase %q", models.ErrValidation, target)
	}
	return a.mutate(ctx, code, func(r *models.RoomState) error {
		return r.TransitionPhase(target, a.now())
	})
}

// SetTask replaces the room's current task.
func (a *App) SetTask(ctx context.Context, code, text string) (*models.RoomState, error) {
	return a.mutate(ctx, code, func(r *models.RoomState) error {
		r.SetTask(text, a.now())
		return nil
	})
}

// RecordSubmission replaces the user's votes and submission for this round.
func (a *App) RecordSubmission(ctx context.Context, code, userID, userName string, votes []models.Vote) (*models.RoomState, error) {
	return a.mutate(ctx, code, func(r *models.RoomState) error {
		return r.RecordSubmission(userID, userName, votes, a.now())
	})
}

// Summary aggregates the room's current round.
func (a *App) Summary(ctx context.Context, code string) (voting.Summary, error) {
	room, err := a.GetRoom(ctx, code)
	if err != nil {
		return voting.Summary{}, err
	}
	return voting.Summarize(room), nil
}
