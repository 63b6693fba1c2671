// Package voting computes round results from a set of votes. Everything
// here is pure and safe to call from any goroutine.
package voting

import (
	"sort"
	"strconv"

	"github.com/mcdev12/planningpoker/go/internal/models"
)

// Tally counts the votes cast for group, keyed by card.
func Tally(votes []models.Vote, group models.Group) map[models.Value]int {
	counts := make(map[models.Value]int)
	for _, v := range votes {
		if v.Group == group {
			counts[v.Value]++
		}
	}
	return counts
}

// Median returns the consensus card for values.
//
// Pass wins when it makes up strictly more than half of the values, whatever
// the numeric cards say. Otherwise the numeric cards are sorted and the
// standard median returned, as an integer string when whole and with one
// decimal place otherwise. No values, or no numeric values, yields Pass.
func Median(values []models.Value) string {
	if len(values) == 0 {
		return string(models.Pass)
	}

	passes := 0
	numeric := make([]float64, 0, len(values))
	for _, v := range values {
		if v == models.Pass {
			passes++
			continue
		}
		if n, ok := v.Numeric(); ok {
			numeric = append(numeric, n)
		}
	}
	if passes*2 > len(values) || len(numeric) == 0 {
		return string(models.Pass)
	}

	sort.Float64s(numeric)
	mid := len(numeric) / 2
	median := numeric[mid]
	if len(numeric)%2 == 0 {
		median = (numeric[mid-1] + numeric[mid]) / 2
	}
	return formatMedian(median)
}

func formatMedian(m float64) string {
	if m == float64(int64(m)) {
		return strconv.FormatInt(int64(m), 10)
	}
	return strconv.FormatFloat(m, 'f', 1, 64)
}

// GroupValues returns the cards cast for group.
func GroupValues(votes []models.Vote, group models.Group) []models.Value {
	values := make([]models.Value, 0, len(votes))
	for _, v := range votes {
		if v.Group == group {
			values = append(values, v.Value)
		}
	}
	return values
}

// GroupResult is the outcome of one group's round.
type GroupResult struct {
	Group  models.Group         `json:"group"`
	Counts map[models.Value]int `json:"counts"`
	Median string               `json:"median"`
	Votes  int                  `json:"votes"`
}

// Summary is what the admin sees for the round.
type Summary struct {
	Groups        []GroupResult   `json:"groups"`
	OverallMedian string          `json:"overallMedian"`
	TotalVotes    int             `json:"totalVotes"`
	Progress      []UserProgress  `json:"progress"`
	Counters      ProgressCounter `json:"counters"`
}

// Summarize aggregates a room's current round. Groups without votes are left out.
func Summarize(room *models.RoomState) Summary {
	summary := Summary{
		Groups:        []GroupResult{},
		OverallMedian: string(models.Pass),
	}
	if room == nil {
		return summary
	}

	for _, g := range models.Groups {
		values := GroupValues(room.Votes, g)
		if len(values) == 0 {
			continue
		}
		summary.Groups = append(summary.Groups, GroupResult{
			Group:  g,
			Counts: Tally(room.Votes, g),
			Median: Median(values),
			Votes:  len(values),
		})
	}

	all := make([]models.Value, 0, len(room.Votes))
	for _, v := range room.Votes {
		all = append(all, v.Value)
	}
	summary.OverallMedian = Median(all)
	summary.TotalVotes = len(room.Votes)
	summary.Progress = Progress(room.Users, room.Votes, room.Submissions)
	summary.Counters = CountProgress(summary.Progress)
	return summary
}
