package models

import "strconv"

// Group is an estimation group a participant votes for.
type Group string

const (
	GroupGeneral  Group = "General"
	GroupFrontend Group = "Frontend"
	GroupBackend  Group = "Backend"
)

// Groups lists every group in display order.
var Groups = []Group{GroupGeneral, GroupFrontend, GroupBackend}

// Valid reports whether g is one of the known groups.
func (g Group) Valid() bool {
	for _, known := range Groups {
		if g == known {
			return true
		}
	}
	return false
}

// Value is one card of the estimation scale.
type Value string

// Pass is the non-numeric card meaning "this needs discussion".
const Pass Value = "☕"

// Scale is the ordered set of cards a participant can play.
var Scale = []Value{Pass, "1", "2", "3", "5", "8", "13", "21"}

// Valid reports whether v is a card of the scale.
func (v Value) Valid() bool {
	for _, known := range Scale {
		if v == known {
			return true
		}
	}
	return false
}

// Numeric returns the numeric value of the card. ok is false for Pass and
// anything that does not parse as a number.
func (v Value) Numeric() (n float64, ok bool) {
	if v == Pass {
		return 0, false
	}
	n, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Vote is a participant's card for one group in the current round.
type Vote struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Group     Group  `json:"group"`
	Value     Value  `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// UserSubmission records that a user finished their turn for the round.
// HasVotes is false when the user skipped.
type UserSubmission struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
	HasVotes  bool   `json:"hasVotes"`
}
