package voting

import "github.com/mcdev12/planningpoker/go/internal/models"

// ProgressStatus classifies where a user is in the current round.
type ProgressStatus string

const (
	StatusPending  ProgressStatus = "pending"
	StatusComplete ProgressStatus = "complete"
	StatusPartial  ProgressStatus = "partial"
	StatusSkipped  ProgressStatus = "skipped"
)

// UserProgress is one user's line in the admin progress view.
type UserProgress struct {
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	Status      ProgressStatus `json:"status"`
	VotedGroups int            `json:"votedGroups"`
	TotalGroups int            `json:"totalGroups"`
}

// Progress classifies every user. Only votes for groups the user is
// assigned to count towards VotedGroups.
func Progress(users []models.User, votes []models.Vote, submissions []models.UserSubmission) []UserProgress {
	voted := make(map[string]map[models.Group]bool)
	for _, v := range votes {
		if voted[v.UserID] == nil {
			voted[v.UserID] = make(map[models.Group]bool)
		}
		voted[v.UserID][v.Group] = true
	}
	submitted := make(map[string]bool, len(submissions))
	for _, s := range submissions {
		submitted[s.UserID] = true
	}

	out := make([]UserProgress, 0, len(users))
	for _, u := range users {
		p := UserProgress{
			UserID:      u.ID,
			UserName:    u.Name,
			TotalGroups: len(u.Groups),
		}
		for _, g := range u.Groups {
			if voted[u.ID][g] {
				p.VotedGroups++
			}
		}

		switch {
		case !submitted[u.ID]:
			p.Status = StatusPending
			p.VotedGroups = 0
		case p.VotedGroups == 0:
			p.Status = StatusSkipped
		case p.VotedGroups < p.TotalGroups:
			p.Status = StatusPartial
		default:
			p.Status = StatusComplete
		}
		out = append(out, p)
	}
	return out
}

// ProgressCounter totals a progress list.
type ProgressCounter struct {
	Total     int     `json:"total"`
	Submitted int     `json:"submitted"`
	Full      int     `json:"full"`
	Partial   int     `json:"partial"`
	Skipped   int     `json:"skipped"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

// CountProgress totals progress. Percent is the share of users who submitted.
func CountProgress(progress []UserProgress) ProgressCounter {
	c := ProgressCounter{Total: len(progress)}
	for _, p := range progress {
		switch p.Status {
		case StatusPending:
			c.Pending++
		case StatusSkipped:
			c.Skipped++
		case StatusPartial:
			c.Partial++
		case StatusComplete:
			c.Full++
		}
	}
	c.Submitted = c.Total - c.Pending
	if c.Total > 0 {
		c.Percent = float64(c.Submitted) / float64(c.Total) * 100
	}
	return c
}
