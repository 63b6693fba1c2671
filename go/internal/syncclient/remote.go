package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/rooms"
)

// Remote is a room repository reached over the room server's HTTP API.
type Remote struct {
	baseURL string
	client  *http.Client
}

var _ rooms.Repository = (*Remote)(nil)

func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (r *Remote) roomURL(code string) string {
	return r.baseURL + "/api/rooms/" + url.PathEscape(models.NormalizeCode(code))
}

// Get fetches the room document.
func (r *Remote) Get(ctx context.Context, code string) (*models.RoomState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.roomURL(code), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var room models.RoomState
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, fmt.Errorf("%w: decode room %s: %v", models.ErrNetwork, code, err)
	}
	return &room, nil
}

// Set replaces the room document on the server.
func (r *Remote) Set(ctx context.Context, code string, state *models.RoomState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode room %s: %w", code, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.roomURL(code), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Delete removes the room from the server.
func (r *Remote) Delete(ctx context.Context, code string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.roomURL(code), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// do sends req and maps failures onto the room error taxonomy: transport
// errors and 5xx are ErrNetwork, 404 is ErrRoomNotFound, other 4xx are
// ErrValidation.
func (r *Remote) do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", models.ErrNetwork, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", req.URL.Path, models.ErrRoomNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s %s: status %d", models.ErrNetwork, req.Method, req.URL.Path, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: server rejected request: %s", models.ErrValidation, body.Error)
	}
}
