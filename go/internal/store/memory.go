package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

type memoryEntry struct {
	state     *models.RoomState
	updatedAt time.Time
}

// Memory is an in-memory Store. Rooms are lost on restart. Changes are
// published while the store lock is held, so subscribers see them in write
// order.
type Memory struct {
	*Notifier

	rooms map[string]memoryEntry
	mu    sync.RWMutex
	clock clockwork.Clock
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		Notifier: NewNotifier(0),
		rooms:    make(map[string]memoryEntry),
		clock:    clock,
	}
}

// Get returns a copy of the room stored under code.
func (m *Memory) Get(ctx context.Context, code string) (*models.RoomState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = models.NormalizeCode(code)

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrRoomNotFound)
	}
	return e.state.Clone(), nil
}

// Set replaces the room stored under code, creating it if absent.
func (m *Memory) Set(ctx context.Context, code string, state *models.RoomState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: room state is required", models.ErrValidation)
	}
	code = models.NormalizeCode(code)
	stored := state.Clone()
	stored.Code = code
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[code] = memoryEntry{state: stored, updatedAt: now}
	m.Publish(Change{Code: code, Kind: ChangeSet, State: stored.Clone(), At: now})
	return nil
}

// Delete removes the room. Deleting a missing room is not an error.
func (m *Memory) Delete(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code = models.NormalizeCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[code]; ok {
		delete(m.rooms, code)
		m.Publish(Change{Code: code, Kind: ChangeDelete, At: m.clock.Now()})
	}
	return nil
}

// Update applies fn to the stored room under the store lock, so concurrent
// Updates of one room never lose each other's changes.
func (m *Memory) Update(ctx context.Context, code string, fn func(*models.RoomState) error) (*models.RoomState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = models.NormalizeCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrRoomNotFound)
	}
	working := e.state.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Code = code
	now := m.clock.Now()
	m.rooms[code] = memoryEntry{state: working, updatedAt: now}
	m.Publish(Change{Code: code, Kind: ChangeSet, State: working.Clone(), At: now})
	return working.Clone(), nil
}

// Codes lists the stored room codes in order.
func (m *Memory) Codes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	m.mu.RUnlock()

	sort.Strings(codes)
	return codes, nil
}

// Sweep deletes rooms not written for longer than maxAge.
func (m *Memory) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for code, e := range m.rooms {
		if now.Sub(e.updatedAt) > maxAge {
			expired++
			delete(m.rooms, code)
			m.Publish(Change{Code: code, Kind: ChangeDelete, At: now})
		}
	}
	return expired, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
