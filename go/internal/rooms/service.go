package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps the size of a posted room document.
const maxBodyBytes = 1 << 20

// RoomStore defines what the service layer needs from the room store
type RoomStore interface {
	Repository
	Codes(ctx context.Context) ([]string, error)
}

// Service implements the room HTTP API. Documents are replaced whole; the
// server does not check who is writing.
type Service struct {
	store RoomStore
	app   *App
}

// NewService creates a new rooms HTTP service
func NewService(store RoomStore) *Service {
	return &Service{store: store, app: NewApp(store, nil)}
}

// RegisterRoutes mounts the room endpoints on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", s.ListRooms)
	mux.HandleFunc("GET /api/rooms/{code}", s.GetRoom)
	mux.HandleFunc("POST /api/rooms/{code}", s.SetRoom)
	mux.HandleFunc("DELETE /api/rooms/{code}", s.DeleteRoom)
	mux.HandleFunc("GET /api/rooms/{code}/summary", s.GetSummary)
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Rooms []string `json:"rooms"`
}

// GetRoom returns the full room document.
func (s *Service) GetRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	room, err := s.app.GetRoom(r.Context(), code)
	if err != nil {
		s.writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// SetRoom replaces the room document, creating the room if absent.
func (s *Service) SetRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	var room models.RoomState
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&room); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid room document: %v", err)})
		return
	}
	if !room.Phase.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid phase %q", room.Phase)})
		return
	}
	// the path decides which room is written
	room.Code = code

	if err := s.store.Set(r.Context(), code, &room); err != nil {
		s.writeError(w, code, err)
		return
	}

	log.Debug().
		Str("room_code", code).
		Str("phase", string(room.Phase)).
		Int64("last_updated", room.LastUpdated).
		Msg("room replaced")
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// DeleteRoom removes the room. Deleting a missing room succeeds.
func (s *Service) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	if err := s.app.DeleteRoom(r.Context(), code); err != nil {
		s.writeError(w, code, err)
		return
	}
	log.Info().Str("room_code", code).Msg("room deleted")
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// GetSummary returns the aggregated results of the room's current round.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	code, ok := s.pathCode(w, r)
	if !ok {
		return
	}

	summary, err := s.app.Summary(r.Context(), code)
	if err != nil {
		s.writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRooms returns the codes of every stored room.
func (s *Service) ListRooms(w http.ResponseWriter, r *http.Request) {
	codes, err := s.store.Codes(r.Context())
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Rooms: codes})
}

func (s *Service) pathCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := models.NormalizeCode(r.PathValue("code"))
	if !models.ValidCode(code) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid room code %q", code)})
		return "", false
	}
	return code, true
}

func (s *Service) writeError(w http.ResponseWriter, code string, err error) {
	switch {
	case errors.Is(err, models.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Room not found"})
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("room_code", code).Msg("room store failure")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
