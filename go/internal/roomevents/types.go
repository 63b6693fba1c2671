// Package roomevents relays room repository changes to NATS JetStream so
// other services can follow rooms without polling.
package roomevents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// EventType names what happened to a room.
type EventType string

const (
	EventRoomUpdated EventType = "RoomUpdated"
	EventRoomDeleted EventType = "RoomDeleted"
)

// Event is one room change as published on the stream.
type Event struct {
	ID        uuid.UUID
	RoomCode  string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// RoomUpdatedPayload is the body of a RoomUpdated event.
type RoomUpdatedPayload struct {
	Phase       models.Phase    `json:"phase"`
	CurrentTask string          `json:"currentTask,omitempty"`
	UserCount   int             `json:"userCount"`
	VoteCount   int             `json:"voteCount"`
	LastUpdated int64           `json:"lastUpdated"`
	Room        json.RawMessage `json:"room"`
}

// EventPublisher delivers events to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
