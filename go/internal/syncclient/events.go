package syncclient

import (
	"github.com/mcdev12/planningpoker/go/internal/models"
)

// State is where the client's poll loop is.
type State string

const (
	StateDisconnected State = "disconnected"
	StatePolling      State = "polling"
	StateBackoff      State = "backoff"
)

// Status is the connection indicator shown to the user.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusUnsynced Status = "unsynced"
	// StatusOffline persists until the next successful round trip.
	StatusOffline Status = "offline"
)

type EventType string

const (
	EventRoomUpdated   EventType = "room_updated"
	EventRoundStarted  EventType = "round_started"
	EventStatusChanged EventType = "status_changed"
	EventRoomNotFound  EventType = "room_not_found"
	EventLeft          EventType = "left"
)

// Event is something the UI should react to.
type Event struct {
	Type   EventType
	Code   string
	Room   *models.RoomState
	Status Status
	Err    error
}

// View is a snapshot of everything the client shows.
type View struct {
	Code          string
	User          models.User
	Room          *models.RoomState
	State         State
	Status        Status
	Offline       bool
	Failures      int
	IsAdmin       bool
	SelectedGroup models.Group
	Selections    map[models.Group]models.Value
	Submitted     bool
}
