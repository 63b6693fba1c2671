package models

import (
	"encoding/json"
	"fmt"
)

// Phase is the screen every client of a room is on.
type Phase string

const (
	PhaseMenu    Phase = "menu"
	PhaseWaiting Phase = "waiting"
	PhaseVoting  Phase = "voting"
	PhaseReveal  Phase = "reveal"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseMenu, PhaseWaiting, PhaseVoting, PhaseReveal:
		return true
	}
	return false
}

// DefaultPresenceTimeoutMs is how long a user may go without a heartbeat
// before being pruned from a room.
const DefaultPresenceTimeoutMs int64 = 30000

// User is a participant of a room.
type User struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Groups   []Group `json:"groups"`
	IsAdmin  bool    `json:"isAdmin"`
	IsOnline bool    `json:"isOnline"`
	LastSeen int64   `json:"lastSeen"`
}

// Validate checks the fields a user must have before creating or joining a room.
func (u User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if u.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(u.Groups) == 0 {
		return fmt.Errorf("%w: at least one group is required", ErrValidation)
	}
	for _, g := range u.Groups {
		if !g.Valid() {
			return fmt.Errorf("%w: unknown group %q", ErrValidation, g)
		}
	}
	return nil
}

// HasGroup reports whether the user is assigned to g.
func (u User) HasGroup(g Group) bool {
	for _, mine := range u.Groups {
		if mine == g {
			return true
		}
	}
	return false
}

// RoomState is the shared document every client of a room reads and writes.
// All timestamps are epoch milliseconds.
type RoomState struct {
	Code        string           `json:"code"`
	Phase       Phase            `json:"phase"`
	Users       []User           `json:"users"`
	Votes       []Vote           `json:"votes"`
	Submissions []UserSubmission `json:"submissions"`
	AdminID     string           `json:"adminId"`
	CurrentTask string           `json:"currentTask,omitempty"`
	CreatedAt   int64            `json:"createdAt"`
	LastUpdated int64            `json:"lastUpdated"`
}

// NewRoom creates a room in the waiting phase with admin as its only user.
func NewRoom(code string, admin User, now int64) (*RoomState, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, fmt.Errorf("%w: invalid room code %q", ErrValidation, code)
	}
	if err := admin.Validate(); err != nil {
		return nil, err
	}

	admin.IsAdmin = true
	admin.IsOnline = true
	admin.LastSeen = now
	admin.Groups = append([]Group(nil), admin.Groups...)

	return &RoomState{
		Code:        code,
		Phase:       PhaseWaiting,
		Users:       []User{admin},
		Votes:       []Vote{},
		Submissions: []UserSubmission{},
		AdminID:     admin.ID,
		CreatedAt:   now,
		LastUpdated: now,
	}, nil
}

// Touch bumps LastUpdated. It always moves forward, even when the caller's
// clock is behind the last writer's.
func (r *RoomState) Touch(now int64) {
	if now <= r.LastUpdated {
		now = r.LastUpdated + 1
	}
	r.LastUpdated = now
}

// FindUser returns the user with the given id.
func (r *RoomState) FindUser(id string) (User, bool) {
	for _, u := range r.Users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// IsAdmin reports whether id is the room's admin.
func (r *RoomState) IsAdmin(id string) bool {
	return id != "" && id == r.AdminID
}

// UpsertUser inserts u or replaces the stored user with the same id, and
// refreshes its heartbeat. The admin flag is derived from AdminID so a
// client can never promote itself.
func (r *RoomState) UpsertUser(u User, now int64) error {
	if err := u.Validate(); err != nil {
		return err
	}
	u.IsAdmin = r.IsAdmin(u.ID)
	u.IsOnline = true
	u.LastSeen = now
	u.Groups = append([]Group(nil), u.Groups...)

	replaced := false
	for i := range r.Users {
		if r.Users[i].ID == u.ID {
			r.Users[i] = u
			replaced = true
			break
		}
	}
	if !replaced {
		r.Users = append(r.Users, u)
	}
	r.Touch(now)
	return nil
}

// TransitionPhase moves the room to target. Entering the voting phase starts
// a new round: votes and submissions are cleared.
func (r *RoomState) TransitionPhase(target Phase, now int64) error {
	if !target.Valid() {
		return fmt.Errorf("%w: invalid phase %q", ErrValidation, target)
	}
	if target == PhaseVoting {
		r.Votes = []Vote{}
		r.Submissions = []UserSubmission{}
	}
	r.Phase = target
	r.Touch(now)
	return nil
}

// SetTask replaces the label of what is being estimated.
func (r *RoomState) SetTask(text string, now int64) {
	r.CurrentTask = text
	r.Touch(now)
}

// RecordSubmission replaces everything userID submitted this round with
// votes. An empty votes slice records a skip. Later votes for the same group
// win over earlier ones.
func (r *RoomState) RecordSubmission(userID, userName string, votes []Vote, now int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}

	byGroup := make(map[Group]int, len(votes))
	normalized := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if !v.Group.Valid() {
			return fmt.Errorf("%w: unknown group %q", ErrValidation, v.Group)
		}
		if !v.Value.Valid() {
			return fmt.Errorf("%w: invalid vote value %q", ErrValidation, v.Value)
		}
		v.UserID = userID
		v.UserName = userName
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		if i, ok := byGroup[v.Group]; ok {
			normalized[i] = v
			continue
		}
		byGroup[v.Group] = len(normalized)
		normalized = append(normalized, v)
	}

	kept := make([]Vote, 0, len(r.Votes)+len(normalized))
	for _, v := range r.Votes {
		if v.UserID != userID {
			kept = append(kept, v)
		}
	}
	r.Votes = append(kept, normalized...)

	submissions := make([]UserSubmission, 0, len(r.Submissions)+1)
	for _, s := range r.Submissions {
		if s.UserID != userID {
			submissions = append(submissions, s)
		}
	}
	r.Submissions = append(submissions, UserSubmission{
		UserID:    userID,
		UserName:  userName,
		Timestamp: now,
		HasVotes:  len(normalized) > 0,
	})

	r.Touch(now)
	return nil
}

// PruneStale removes users whose last heartbeat is older than timeoutMs and
// returns them. Their votes and submissions stay until the next
// round starts.
func (r *RoomState) PruneStale(now, timeoutMs int64) []User {
	var removed []User
	active := make([]User, 0, len(r.Users))
	for _, u := range r.Users {
		if now-u.LastSeen <= timeoutMs {
			active = append(active, u)
			continue
		}
		removed = append(removed, u)
	}
	if len(removed) == 0 {
		return nil
	}
	r.Users = active
	r.Touch(now)
	return removed
}

// Clone returns a deep copy of the room.
func (r *RoomState) Clone() *RoomState {
	if r == nil {
		return nil
	}
	c := *r
	c.Users = make([]User, len(r.Users))
	for i, u := range r.Users {
		u.Groups = append([]Group{}, u.Groups...)
		c.Users[i] = u
	}
	c.Votes = append([]Vote{}, r.Votes...)
	c.Submissions = append([]UserSubmission{}, r.Submissions...)
	return &c
}

// MarshalJSON encodes missing collections as empty arrays rather than null.
func (r RoomState) MarshalJSON() ([]byte, error) {
	type roomAlias RoomState
	if r.Users == nil {
		r.Users = []User{}
	}
	if r.Votes == nil {
		r.Votes = []Vote{}
	}
	if r.Submissions == nil {
		r.Submissions = []UserSubmission{}
	}
	return json.Marshal(roomAlias(r))
}

// UnmarshalJSON decodes a room document, filling defaults for fields older
// documents did not carry: currentScreen is read as phase and missing
// collections become empty.
func (r *RoomState) UnmarshalJSON(data []byte) error {
	type roomAlias RoomState
	var raw struct {
		roomAlias
		CurrentScreen Phase `json:"currentScreen"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = RoomState(raw.roomAlias)
	r.Code = NormalizeCode(r.Code)
	if r.Phase == "" {
		r.Phase = raw.CurrentScreen
	}
	if r.Phase == "" {
		r.Phase = PhaseWaiting
	}
	if r.Users == nil {
		r.Users = []User{}
	}
	for i := range r.Users {
		if r.Users[i].Groups == nil {
			r.Users[i].Groups = []Group{}
		}
	}
	if r.Votes == nil {
		r.Votes = []Vote{}
	}
	if r.Submissions == nil {
		r.Submissions = []UserSubmission{}
	}
	return nil
}
