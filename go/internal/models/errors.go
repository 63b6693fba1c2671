package models

import "errors"

var (
	// ErrRoomNotFound is returned when a room code has no entry.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNetwork marks a transient transport failure talking to the room server.
	ErrNetwork = errors.New("network failure")
	// ErrValidation is returned when input is rejected before any round trip.
	ErrValidation = errors.New("validation failed")
	// ErrNotAdmin is returned by clients attempting an admin-only operation.
	ErrNotAdmin = errors.New("only the room admin can perform this action")
)
