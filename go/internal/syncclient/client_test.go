package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/rooms"
	"github.com/mcdev12/planningpoker/go/internal/store"
	"github.com/mcdev12/planningpoker/go/internal/voting"
)

// flakyHandler answers 503 while down is set.
type flakyHandler struct {
	next     http.Handler
	down     atomic.Bool
	requests atomic.Int64
}

func (f *flakyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.down.Load() {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	f.next.ServeHTTP(w, r)
}

func newTestServer(t *testing.T) (*httptest.Server, *flakyHandler, *store.Memory) {
	t.Helper()
	m := store.NewMemory(nil)
	mux := http.NewServeMux()
	rooms.NewService(m).RegisterRoutes(mux)
	h := &flakyHandler{next: mux}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h, m
}

func newTestClient(t *testing.T, serverURL string, user models.User) (*Client, *clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	c, err := New(cfg, user, WithClock(clock))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Leave)
	return c, clock
}

// poll fires the client's poll timer and waits until the poll has finished.
func poll(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll timer: %v", err)
	}
	clock.Advance(d)
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll to finish: %v", err)
	}
}

func waitEvent(t *testing.T, c *Client, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

var (
	alice = models.User{ID: "alice", Name: "Alice", Groups: []models.Group{models.GroupGeneral}}
	bob   = models.User{ID: "bob", Name: "Bob", Groups: []models.Group{models.GroupFrontend}}
)

func TestVotingRoundAcrossClients(t *testing.T) {
	ctx := context.Background()
	srv, _, m := newTestServer(t)
	admin, _ := newTestClient(t, srv.URL, alice)
	participant, bobClock := newTestClient(t, srv.URL, bob)

	room, err := admin.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if room.Phase != models.PhaseWaiting || !admin.Snapshot().IsAdmin {
		t.Fatalf("created room = %+v", room)
	}

	room, err = participant.Join(ctx, room.Code)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(room.Users) != 2 {
		t.Fatalf("users after join = %+v", room.Users)
	}

	if err := participant.StartVoting(ctx); !errors.Is(err, models.ErrNotAdmin) {
		t.Fatalf("participant start voting = %v, want ErrNotAdmin", err)
	}
	if err := admin.StartVoting(ctx); err != nil {
		t.Fatalf("start voting: %v", err)
	}

	// bob still shows the lobby until his next poll
	if err := participant.Vote("5"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("vote before round = %v, want ErrValidation", err)
	}
	poll(t, bobClock, 2*time.Second)
	waitEvent(t, participant, EventRoundStarted)

	if err := participant.Vote("5"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("vote without group = %v, want ErrValidation", err)
	}
	if err := participant.SelectGroup(models.GroupBackend); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("select foreign group = %v, want ErrValidation", err)
	}
	if err := participant.SelectGroup(models.GroupFrontend); err != nil {
		t.Fatalf("select group: %v", err)
	}
	if err := participant.Vote("5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := participant.Vote("5"); err != nil {
		t.Fatalf("toggle vote: %v", err)
	}
	if got := participant.Snapshot().Selections; len(got) != 0 {
		t.Fatalf("selections after toggle = %v, want none", got)
	}
	if err := participant.SubmitVotes(ctx); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty submit = %v, want ErrValidation", err)
	}
	if err := participant.Vote("5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := participant.SubmitVotes(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !participant.Snapshot().Submitted {
		t.Fatal("submission not recorded locally")
	}

	if err := admin.Reveal(ctx); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	stored, err := m.Get(ctx, room.Code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Phase != models.PhaseReveal {
		t.Fatalf("phase = %s, want reveal", stored.Phase)
	}
	if len(stored.Votes) != 1 || stored.Votes[0].UserName != "Bob" || stored.Votes[0].Value != "5" {
		t.Fatalf("votes = %+v", stored.Votes)
	}
	if len(stored.Submissions) != 1 || !stored.Submissions[0].HasVotes {
		t.Fatalf("submissions = %+v", stored.Submissions)
	}
	if diff := cmp.Diff(map[models.Value]int{"5": 1}, voting.Tally(stored.Votes, models.GroupFrontend)); diff != "" {
		t.Fatalf("tally (-want +got):\n%s", diff)
	}
	if got := voting.Median(voting.GroupValues(stored.Votes, models.GroupFrontend)); got != "5" {
		t.Fatalf("median = %q, want 5", got)
	}
}

func TestSkipRecordsEmptySubmission(t *testing.T) {
	ctx := context.Background()
	srv, _, m := newTestServer(t)
	admin, _ := newTestClient(t, srv.URL, alice)

	room, err := admin.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := admin.Skip(ctx); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("skip outside voting = %v, want ErrValidation", err)
	}
	if err := admin.StartVoting(ctx); err != nil {
		t.Fatalf("start voting: %v", err)
	}
	if err := admin.Skip(ctx); err != nil {
		t.Fatalf("skip: %v", err)
	}

	stored, _ := m.Get(ctx, room.Code)
	if len(stored.Votes) != 0 || len(stored.Submissions) != 1 || stored.Submissions[0].HasVotes {
		t.Fatalf("room after skip = %+v", stored)
	}
}

func TestSetTaskDefaultsBlank(t *testing.T) {
	ctx := context.Background()
	srv, _, m := newTestServer(t)
	admin, _ := newTestClient(t, srv.URL, alice)

	room, err := admin.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := admin.SetTask(ctx, "   "); err != nil {
		t.Fatalf("set task: %v", err)
	}
	stored, _ := m.Get(ctx, room.Code)
	if stored.CurrentTask != UntitledTask {
		t.Fatalf("task = %q, want %q", stored.CurrentTask, UntitledTask)
	}
}

func TestJoinValidatesBeforeNetwork(t *testing.T) {
	ctx := context.Background()
	srv, h, _ := newTestServer(t)

	nameless, _ := newTestClient(t, srv.URL, models.User{Groups: []models.Group{models.GroupGeneral}})
	if _, err := nameless.Join(ctx, "ABC123"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("join without name = %v, want ErrValidation", err)
	}
	groupless, _ := newTestClient(t, srv.URL, models.User{Name: "Dana"})
	if _, err := groupless.CreateRoom(ctx); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("create without groups = %v, want ErrValidation", err)
	}
	c, _ := newTestClient(t, srv.URL, bob)
	if _, err := c.Join(ctx, "AB"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("join with short code = %v, want ErrValidation", err)
	}
	if n := h.requests.Load(); n != 0 {
		t.Fatalf("server saw %d requests, want 0", n)
	}

	if _, err := c.Join(ctx, "zzz999"); !errors.Is(err, models.ErrRoomNotFound) {
		t.Fatalf("join missing room = %v, want ErrRoomNotFound", err)
	}
	if v := c.Snapshot(); v.Code != "" || v.State != StateDisconnected {
		t.Fatalf("view after failed join = %+v", v)
	}
}

func TestJoinWhileServerDown(t *testing.T) {
	srv, h, _ := newTestServer(t)
	h.down.Store(true)

	c, _ := newTestClient(t, srv.URL, bob)
	if _, err := c.Join(context.Background(), "ABC123"); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("join = %v, want ErrNetwork", err)
	}
}

func TestPollFailuresEscalateAndRecover(t *testing.T) {
	ctx := context.Background()
	srv, h, _ := newTestServer(t)
	c, clock := newTestClient(t, srv.URL, alice)
	cfg := DefaultConfig()
	ceiling := 2 * cfg.MaxBackoff

	if _, err := c.CreateRoom(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.down.Store(true)
	for i := 1; i <= cfg.MaxFailures; i++ {
		poll(t, clock, ceiling)

		v := c.Snapshot()
		if v.Failures != i || !v.Offline || v.State != StateBackoff {
			t.Fatalf("after failure %d: view = %+v", i, v)
		}
		want := StatusSynced
		switch {
		case i >= cfg.MaxFailures:
			want = StatusOffline
		case i >= cfg.FailureThreshold:
			want = StatusUnsynced
		}
		if v.Status != want {
			t.Fatalf("after failure %d: status = %s, want %s", i, v.Status, want)
		}
	}

	// offline edits land in the local mirror only
	if err := c.SetTask(ctx, "Offline task"); err != nil {
		t.Fatalf("offline set task: %v", err)
	}
	if got := c.Snapshot().Room.CurrentTask; got != "Offline task" {
		t.Fatalf("offline task = %q", got)
	}

	h.down.Store(false)
	poll(t, clock, ceiling)

	v := c.Snapshot()
	if v.Status != StatusSynced || v.Offline || v.Failures != 0 || v.State != StatePolling {
		t.Fatalf("after recovery: view = %+v", v)
	}
	if v.Room.CurrentTask != "" {
		t.Fatalf("task after recovery = %q, want server copy", v.Room.CurrentTask)
	}
}

func TestRoomDeletedStopsPolling(t *testing.T) {
	ctx := context.Background()
	srv, _, m := newTestServer(t)
	c, clock := newTestClient(t, srv.URL, alice)

	room, err := c.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Delete(ctx, room.Code); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("waiting for poll timer: %v", err)
	}
	clock.Advance(2 * time.Second)

	e := waitEvent(t, c, EventRoomNotFound)
	if !errors.Is(e.Err, models.ErrRoomNotFound) || e.Code != room.Code {
		t.Fatalf("event = %+v", e)
	}
	if s := c.Snapshot().State; s != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s)
	}
}

func TestAdminDeletesRoom(t *testing.T) {
	ctx := context.Background()
	srv, _, m := newTestServer(t)
	admin, _ := newTestClient(t, srv.URL, alice)
	participant, _ := newTestClient(t, srv.URL, bob)

	room, err := admin.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := participant.Join(ctx, room.Code); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := participant.DeleteRoom(ctx); !errors.Is(err, models.ErrNotAdmin) {
		t.Fatalf("participant delete = %v, want ErrNotAdmin", err)
	}
	if err := admin.DeleteRoom(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, room.Code); !errors.Is(err, models.ErrRoomNotFound) {
		t.Fatalf("server get = %v, want ErrRoomNotFound", err)
	}

	e := waitEvent(t, admin, EventLeft)
	if e.Code != room.Code {
		t.Fatalf("left event = %+v", e)
	}
	if v := admin.Snapshot(); v.Room != nil || v.State != StateDisconnected {
		t.Fatalf("snapshot after delete = %+v", v)
	}
	if err := admin.DeleteRoom(ctx); err == nil {
		t.Fatal("delete outside a room succeeded")
	}
}

type countingTransport struct {
	calls atomic.Int64
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestClientUsesGivenHTTPClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	transport := &countingTransport{}
	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL
	c, err := New(cfg, alice,
		WithClock(clockwork.NewFakeClock()),
		WithHTTPClient(&http.Client{Transport: transport, Timeout: time.Second}),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Leave)

	if _, err := c.CreateRoom(context.Background()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if transport.calls.Load() == 0 {
		t.Fatal("requests did not go through the given client")
	}
}

func TestApplyIgnoresOlderState(t *testing.T) {
	c, err := New(DefaultConfig(), alice, WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	session := c.begin("ABC123")

	newer := &models.RoomState{Code: "ABC123", Phase: models.PhaseReveal, LastUpdated: 10}
	older := &models.RoomState{Code: "ABC123", Phase: models.PhaseWaiting, LastUpdated: 5}
	c.apply(session, newer)
	c.apply(session, older)
	c.apply(session+1, &models.RoomState{Code: "ABC123", Phase: models.PhaseVoting, LastUpdated: 20})

	if got := c.Snapshot().Room.Phase; got != models.PhaseReveal {
		t.Fatalf("phase = %s, want reveal", got)
	}
}

func TestStatusFor(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		failures int
		want     Status
	}{
		{0, StatusSynced},
		{2, StatusSynced},
		{3, StatusUnsynced},
		{9, StatusUnsynced},
		{10, StatusOffline},
		{50, StatusOffline},
	}
	for _, tc := range cases {
		if got := statusFor(tc.failures, cfg); got != tc.want {
			t.Errorf("statusFor(%d) = %s, want %s", tc.failures, got, tc.want)
		}
	}
}

func TestLocalProfileEdits(t *testing.T) {
	c, err := New(DefaultConfig(), alice)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.SetName("  "); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("blank name = %v, want ErrValidation", err)
	}
	if err := c.SetName("Alicia"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if err := c.ToggleGroup(models.GroupBackend); err != nil {
		t.Fatalf("add group: %v", err)
	}
	if err := c.ToggleGroup(models.GroupGeneral); err != nil {
		t.Fatalf("remove group: %v", err)
	}
	if err := c.ToggleGroup("Design"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown group = %v, want ErrValidation", err)
	}

	u := c.User()
	if u.Name != "Alicia" {
		t.Fatalf("name = %q", u.Name)
	}
	if diff := cmp.Diff([]models.Group{models.GroupBackend}, u.Groups); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.MaxFailures = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("max failures below threshold accepted")
	}
	if _, err := New(cfg, alice); err == nil {
		t.Fatal("New accepted invalid config")
	}
}
