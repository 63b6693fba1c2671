// Package syncclient keeps one participant's view of a room in step with the
// room server by polling, and keeps the participant usable through outages
// with a private local mirror of the room.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/rooms"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"github.com/rs/zerolog/log"
)

type Option func(*Client)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRemote replaces the HTTP repository, mostly for tests.
func WithRemote(repo rooms.Repository) Option {
	return func(c *Client) { c.remote = repo }
}

// Client is one participant's session. It is safe for concurrent use.
type Client struct {
	cfg        Config
	clock      clockwork.Clock
	httpClient *http.Client
	remote     rooms.Repository
	mirror     *store.Memory
	remoteApp  *rooms.App
	mirrorApp  *rooms.App
	events     chan Event

	mu          sync.Mutex
	user        models.User
	code        string
	room        *models.RoomState
	lastApplied int64
	// session changes on every join and leave; results from an older
	// session are discarded
	session       uint64
	state         State
	status        Status
	failures      int
	offline       bool
	selectedGroup models.Group
	selections    map[models.Group]models.Value
	submitted     bool
	backoff       *backoff.ExponentialBackOff
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates a client for user. A user without an id gets a random one.
func New(cfg Config, user models.User, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Groups = append([]models.Group{}, user.Groups...)
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	c := &Client{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		user:       user,
		state:      StateDisconnected,
		status:     StatusSynced,
		selections: make(map[models.Group]models.Value),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.remote == nil {
		c.remote = NewRemote(cfg.ServerURL, c.httpClient)
	}

	presence := cfg.PresenceTimeout.Milliseconds()
	c.mirror = store.NewMemory(c.clock)
	c.remoteApp = rooms.NewApp(c.remote, c.clock).WithPresenceTimeout(presence)
	c.mirrorApp = rooms.NewApp(c.mirror, c.clock).WithPresenceTimeout(presence)
	c.events = make(chan Event, cfg.EventBuffer)
	c.backoff = newBackoff(cfg)
	return c, nil
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.PollInterval
	b.Multiplier = 2
	b.RandomizationFactor = cfg.BackoffJitter
	b.MaxInterval = cfg.MaxBackoff
	b.Reset()
	return b
}

// Events delivers room and connection changes. Events are dropped when the
// reader falls behind; Snapshot always has the latest state.
func (c *Client) Events() <-chan Event {
	return c.events
}

// User returns the local participant.
func (c *Client) User() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userLocked()
}

func (c *Client) userLocked() models.User {
	u := c.user
	u.Groups = append([]models.Group{}, c.user.Groups...)
	return u
}

// Snapshot returns the current view.
func (c *Client) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	selections := make(map[models.Group]models.Value, len(c.selections))
	for g, v := range c.selections {
		selections[g] = v
	}
	return View{
		Code:          c.code,
		User:          c.userLocked(),
		Room:          c.room.Clone(),
		State:         c.state,
		Status:        c.status,
		Offline:       c.offline,
		Failures:      c.failures,
		IsAdmin:       c.room != nil && c.room.IsAdmin(c.user.ID),
		SelectedGroup: c.selectedGroup,
		Selections:    selections,
		Submitted:     c.submitted,
	}
}

// CreateRoom creates a room with the local user as admin and starts polling it.
func (c *Client) CreateRoom(ctx context.Context) (*models.RoomState, error) {
	user, err := c.validatedUser()
	if err != nil {
		return nil, err
	}

	session := c.begin("")
	room, err := c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		return app.CreateRoom(ctx, user)
	})
	if err != nil {
		c.abort(session)
		return nil, err
	}

	log.Info().Str("room_code", room.Code).Str("user_id", user.ID).Msg("created room")
	c.startPolling(session)
	return room, nil
}

// Join adds the local user to the room under code and starts polling it.
func (c *Client) Join(ctx context.Context, code string) (*models.RoomState, error) {
	user, err := c.validatedUser()
	if err != nil {
		return nil, err
	}
	code = models.NormalizeCode(code)
	if !models.ValidCode(code) {
		return nil, fmt.Errorf("%w: invalid room code %q", models.ErrValidation, code)
	}

	session := c.begin(code)
	room, err := c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		return app.UpsertUser(ctx, code, user)
	})
	if err != nil {
		c.abort(session)
		return nil, err
	}

	log.Info().Str("room_code", code).Str("user_id", user.ID).Msg("joined room")
	c.startPolling(session)
	return room, nil
}

// Leave stops polling and forgets the room. The user stays in the room's
// user list until another client prunes it.
func (c *Client) Leave() {
	c.stopPolling()

	c.mu.Lock()
	code := c.code
	c.resetLocked("")
	c.mu.Unlock()

	if code != "" {
		log.Info().Str("room_code", code).Msg("left room")
		c.emit(Event{Type: EventLeft, Code: code})
	}
}

// Close leaves the current room.
func (c *Client) Close() error {
	c.Leave()
	return nil
}

func (c *Client) validatedUser() (models.User, error) {
	u := c.User()
	if err := u.Validate(); err != nil {
		return models.User{}, err
	}
	return u, nil
}

// begin stops any running session and starts a new one for code.
func (c *Client) begin(code string) uint64 {
	c.stopPolling()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(code)
	return c.session
}

func (c *Client) resetLocked(code string) {
	c.session++
	c.code = code
	c.room = nil
	c.lastApplied = 0
	c.state = StateDisconnected
	c.status = StatusSynced
	c.failures = 0
	c.offline = false
	c.clearRoundLocked()
	c.backoff.Reset()
}

func (c *Client) clearRoundLocked() {
	c.selectedGroup = ""
	c.selections = make(map[models.Group]models.Value)
	c.submitted = false
}

func (c *Client) abort(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == session {
		c.code = ""
		c.room = nil
		c.state = StateDisconnected
	}
}

func (c *Client) startPolling(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.state = StatePolling
	go c.run(ctx, session, done)
}

func (c *Client) stopPolling() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.session++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) run(ctx context.Context, session uint64, done chan struct{}) {
	defer close(done)

	timer := c.clock.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}

		next, ok := c.poll(ctx, session)
		if !ok {
			return
		}
		timer.Reset(next)
	}
}

// poll runs one heartbeat and returns how long to wait before the next one.
func (c *Client) poll(ctx context.Context, session uint64) (time.Duration, bool) {
	c.mu.Lock()
	code, user := c.code, c.userLocked()
	c.mu.Unlock()

	_, err := c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		room, removed, err := app.Heartbeat(ctx, code, user)
		for _, u := range removed {
			log.Debug().Str("room_code", code).Str("user_id", u.ID).Msg("pruned stale user")
		}
		return room, err
	})
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, models.ErrRoomNotFound) {
		c.lost(session, code, err)
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return 0, false
	}
	if c.offline {
		c.state = StateBackoff
		next := c.backoff.NextBackOff()
		if next <= 0 {
			next = c.cfg.MaxBackoff
		}
		return next, true
	}
	if err != nil {
		log.Error().Err(err).Str("room_code", code).Msg("poll failed")
	}
	c.state = StatePolling
	c.backoff.Reset()
	return c.cfg.PollInterval, true
}

// lost handles the room disappearing from the server while polling.
func (c *Client) lost(session uint64, code string, err error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	log.Warn().Str("room_code", code).Msg("room no longer exists, stopped polling")
	c.emit(Event{Type: EventRoomNotFound, Code: code, Err: err})
}

type operation func(ctx context.Context, app *rooms.App) (*models.RoomState, error)

// exec runs op against the server. When the server cannot be reached it runs
// op against the local mirror instead, so the user can keep going offline.
func (c *Client) exec(ctx context.Context, session uint64, op operation) (*models.RoomState, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	room, err := op(reqCtx, c.remoteApp)
	cancel()

	if err == nil {
		c.recordSuccess(session, room)
		c.apply(session, room)
		return room, nil
	}
	if !errors.Is(err, models.ErrNetwork) {
		return nil, err
	}

	c.recordFailure(session, err)
	local, lerr := op(ctx, c.mirrorApp)
	if lerr != nil {
		if errors.Is(lerr, models.ErrRoomNotFound) {
			// nothing mirrored yet; the outage is the real problem
			return nil, err
		}
		return nil, lerr
	}
	c.apply(session, local)
	return local, nil
}

func (c *Client) recordSuccess(session uint64, room *models.RoomState) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	recovered := c.offline
	if recovered {
		// the server copy wins over anything done offline
		c.lastApplied = 0
	}
	c.offline = false
	c.failures = 0
	changed := c.setStatusLocked(StatusSynced)
	code := room.Code
	c.mu.Unlock()

	if err := c.mirror.Set(context.Background(), code, room); err != nil {
		log.Warn().Err(err).Str("room_code", code).Msg("failed to update local mirror")
	}
	if recovered {
		log.Info().Str("room_code", code).Msg("room server reachable again, local mirror replaced")
	}
	if changed {
		c.emit(Event{Type: EventStatusChanged, Code: code, Status: StatusSynced})
	}
}

func (c *Client) recordFailure(session uint64, err error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.failures++
	c.offline = true
	status := statusFor(c.failures, c.cfg)
	changed := c.setStatusLocked(status)
	failures, code := c.failures, c.code
	c.mu.Unlock()

	log.Warn().
		Err(err).
		Str("room_code", code).
		Int("failures", failures).
		Msg("room server unreachable, using local mirror")
	if changed {
		c.emit(Event{Type: EventStatusChanged, Code: code, Status: status, Err: err})
	}
}

func statusFor(failures int, cfg Config) Status {
	switch {
	case failures >= cfg.MaxFailures:
		return StatusOffline
	case failures >= cfg.FailureThreshold:
		return StatusUnsynced
	default:
		return StatusSynced
	}
}

func (c *Client) setStatusLocked(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

// apply makes room the current view if it is newer than what is shown.
func (c *Client) apply(session uint64, room *models.RoomState) {
	if room == nil {
		return
	}

	c.mu.Lock()
	if c.session != session || room.LastUpdated <= c.lastApplied {
		c.mu.Unlock()
		return
	}
	prev := c.room
	c.room = room.Clone()
	c.code = room.Code
	c.lastApplied = room.LastUpdated
	c.user.IsAdmin = room.IsAdmin(c.user.ID)

	roundStarted := false
	if prev != nil && room.Phase == models.PhaseVoting {
		_, stillSubmitted := findSubmission(room, c.user.ID)
		roundStarted = prev.Phase != models.PhaseVoting || (c.submitted && !stillSubmitted)
	}
	if roundStarted {
		c.clearRoundLocked()
	}
	view := c.room.Clone()
	c.mu.Unlock()

	c.emit(Event{Type: EventRoomUpdated, Code: view.Code, Room: view})
	if roundStarted {
		log.Debug().Str("room_code", view.Code).Msg("new voting round")
		c.emit(Event{Type: EventRoundStarted, Code: view.Code, Room: view})
	}
}

func findSubmission(room *models.RoomState, userID string) (models.UserSubmission, bool) {
	for _, s := range room.Submissions {
		if s.UserID == userID {
			return s, true
		}
	}
	return models.UserSubmission{}, false
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		log.Warn().
			Str("event_type", string(e.Type)).
			Str("room_code", e.Code).
			Msg("client event buffer full, dropping event")
	}
}
