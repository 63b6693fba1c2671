package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
)

func testRoom(t *testing.T, code string) *models.RoomState {
	t.Helper()
	admin := models.User{ID: "admin-1", Name: "Alice", Groups: []models.Group{models.GroupGeneral}}
	room, err := models.NewRoom(code, admin, 1000)
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	return room
}

func recvChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	if _, err := m.Get(ctx, "ABC123"); !errors.Is(err, models.ErrRoomNotFound) {
		t.Fatalf("get missing = %v, want ErrRoomNotFound", err)
	}

	room := testRoom(t, "ABC123")
	if err := m.Set(ctx, "abc123", room); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := m.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(room, got); diff != "" {
		t.Fatalf("stored room mismatch (-want +got):\n%s", diff)
	}

	// mutations of the returned copy do not leak into the store
	got.Users[0].Name = "Mallory"
	again, _ := m.Get(ctx, "ABC123")
	if again.Users[0].Name != "Alice" {
		t.Fatalf("store aliased caller's copy: name = %q", again.Users[0].Name)
	}

	if err := m.Delete(ctx, "ABC123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "ABC123"); !errors.Is(err, models.ErrRoomNotFound) {
		t.Fatalf("get after delete = %v, want ErrRoomNotFound", err)
	}
	if err := m.Delete(ctx, "ABC123"); err != nil {
		t.Fatalf("second delete = %v, want nil", err)
	}
}

func TestMemoryNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())

	roomCh, unsubRoom := m.Subscribe("abc123")
	defer unsubRoom()
	allCh, unsubAll := m.Subscribe(AllRooms)
	defer unsubAll()
	otherCh, unsubOther := m.Subscribe("ZZZ999")
	defer unsubOther()

	if err := m.Set(ctx, "ABC123", testRoom(t, "ABC123")); err != nil {
		t.Fatalf("set: %v", err)
	}

	for name, ch := range map[string]<-chan Change{"room": roomCh, "all": allCh} {
		c := recvChange(t, ch)
		if c.Kind != ChangeSet || c.Code != "ABC123" || c.State == nil {
			t.Fatalf("%s subscriber got %+v", name, c)
		}
	}
	select {
	case c := <-otherCh:
		t.Fatalf("unrelated subscriber got %+v", c)
	default:
	}

	if err := m.Delete(ctx, "ABC123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c := recvChange(t, roomCh); c.Kind != ChangeDelete || c.State != nil {
		t.Fatalf("delete change = %+v", c)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewMemory(nil)
	ch, unsub := m.Subscribe("ABC123")
	if m.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", m.SubscriberCount())
	}

	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if m.SubscriberCount() != 0 {
		t.Fatalf("subscribers = %d, want 0", m.SubscriberCount())
	}
	if err := m.Set(context.Background(), "ABC123", testRoom(t, "ABC123")); err != nil {
		t.Fatalf("set after unsubscribe: %v", err)
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)

	if err := m.Set(ctx, "OLD111", testRoom(t, "OLD111")); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(23 * time.Hour)
	if err := m.Set(ctx, "NEW222", testRoom(t, "NEW222")); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(2 * time.Hour)

	n, err := m.Sweep(ctx, DefaultRetention)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	codes, _ := m.Codes(ctx)
	if diff := cmp.Diff([]string{"NEW222"}, codes); diff != "" {
		t.Fatalf("codes after sweep (-want +got):\n%s", diff)
	}
}

func TestMemoryUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	if err := m.Set(ctx, "ABC123", testRoom(t, "ABC123")); err != nil {
		t.Fatalf("set: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := models.User{ID: fmt.Sprintf("user-%d", i), Name: "P", Groups: []models.Group{models.GroupBackend}}
			_, err := m.Update(ctx, "ABC123", func(r *models.RoomState) error {
				return r.UpsertUser(u, int64(2000+i))
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	room, err := m.Get(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(room.Users) != writers+1 {
		t.Fatalf("users = %d, want %d", len(room.Users), writers+1)
	}
}

func TestMemoryUpdateErrorLeavesRoomUntouched(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	room := testRoom(t, "ABC123")
	if err := m.Set(ctx, "ABC123", room); err != nil {
		t.Fatalf("set: %v", err)
	}

	boom := errors.New("boom")
	_, err := m.Update(ctx, "ABC123", func(r *models.RoomState) error {
		r.Phase = models.PhaseReveal
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := m.Get(ctx, "ABC123")
	if got.Phase != models.PhaseWaiting {
		t.Fatalf("phase = %s, want waiting", got.Phase)
	}

	if _, err := m.Update(ctx, "NOPE00", func(*models.RoomState) error { return nil }); !errors.Is(err, models.ErrRoomNotFound) {
		t.Fatalf("update missing = %v, want ErrRoomNotFound", err)
	}
}

func TestMemoryChangesFollowWriteOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClock())
	changes, unsub := m.Subscribe("ABC123")
	defer unsub()

	// stays under the subscriber buffer so nothing is dropped
	const writers = 12
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := testRoom(t, "ABC123")
			room.CurrentTask = fmt.Sprintf("task %d", i)
			if err := m.Set(ctx, "ABC123", room); err != nil {
				t.Errorf("set %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var last Change
	for i := 0; i < writers; i++ {
		last = recvChange(t, changes)
	}
	stored, err := m.Get(ctx, "ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if last.State.CurrentTask != stored.CurrentTask {
		t.Fatalf("last change = %q, stored = %q", last.State.CurrentTask, stored.CurrentTask)
	}
}

func TestMemoryConcurrentRooms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := fmt.Sprintf("ROOM%02d", i)
			if err := m.Set(ctx, code, testRoom(t, code)); err != nil {
				t.Errorf("set %s: %v", code, err)
			}
		}()
	}
	wg.Wait()

	codes, err := m.Codes(ctx)
	if err != nil {
		t.Fatalf("codes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("codes = %v, want 10 rooms", codes)
	}
}

type countingSweeper struct {
	calls chan time.Duration
}

func (c *countingSweeper) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	c.calls <- maxAge
	return 0, nil
}

func TestRunSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	s := &countingSweeper{calls: make(chan time.Duration, 1)}

	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, s, clock, DefaultSweeperConfig())
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for ticker: %v", err)
	}
	clock.Advance(time.Hour)

	select {
	case got := <-s.calls:
		if got != DefaultRetention {
			t.Fatalf("max age = %v, want %v", got, DefaultRetention)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run")
	}

	cancel()
	<-done
}
