package store

import (
	"sync"
	"time"

	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ChangeKind says what happened to a room.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeDelete ChangeKind = "delete"
)

// AllRooms subscribes to every room's changes.
const AllRooms = ""

// Change is published after every successful write. State is nil for
// deletions and must be treated as read-only by subscribers.
type Change struct {
	Code  string
	Kind  ChangeKind
	State *models.RoomState
	At    time.Time
	// written by another process sharing the database
	Peer bool
}

// Notifier fans repository changes out to subscribers. Sends never block the
// writer: a subscriber whose buffer is full misses the change.
type Notifier struct {
	subscribers map[string]map[chan Change]struct{}
	mu          sync.RWMutex
	bufferSize  int
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize changes.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Notifier{
		subscribers: make(map[string]map[chan Change]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for changes to code, or to every room with AllRooms.
// The returned func unsubscribes and closes the channel.
func (n *Notifier) Subscribe(code string) (<-chan Change, func()) {
	if code != AllRooms {
		code = models.NormalizeCode(code)
	}
	ch := make(chan Change, n.bufferSize)

	n.mu.Lock()
	if n.subscribers[code] == nil {
		n.subscribers[code] = make(map[chan Change]struct{})
	}
	n.subscribers[code][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if subs, ok := n.subscribers[code]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(n.subscribers, code)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers change to the room's subscribers and the AllRooms subscribers.
func (n *Notifier) Publish(change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, key := range []string{change.Code, AllRooms} {
		for ch := range n.subscribers[key] {
			select {
			case ch <- change:
			default:
				log.Warn().
					Str("room_code", change.Code).
					Str("change", string(change.Kind)).
					Msg("subscriber buffer full, dropping change")
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	total := 0
	for _, subs := range n.subscribers {
		total += len(subs)
	}
	return total
}
