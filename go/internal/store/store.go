// Package store holds the authoritative room documents: one RoomState per
// room code, replaced whole on every write.
package store

import (
	"context"
	"time"

	"github.com/mcdev12/planningpoker/go/internal/models"
)

// DefaultRetention is how long a room survives without writes.
const DefaultRetention = 24 * time.Hour

// Store is a room repository with change notification and garbage collection.
type Store interface {
	Get(ctx context.Context, code string) (*models.RoomState, error)
	Set(ctx context.Context, code string, state *models.RoomState) error
	Delete(ctx context.Context, code string) error
	Update(ctx context.Context, code string, fn func(*models.RoomState) error) (*models.RoomState, error)
	Codes(ctx context.Context) ([]string, error)
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Subscribe(code string) (<-chan Change, func())
	Close() error
}
