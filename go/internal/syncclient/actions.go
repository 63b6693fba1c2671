package syncclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/rooms"
	"github.com/rs/zerolog/log"
)

// UntitledTask replaces a blank task label.
const UntitledTask = "Untitled Task"

var errNotInRoom = fmt.Errorf("%w: not in a room", models.ErrValidation)

// SetName renames the local user. The server sees it on the next heartbeat.
func (c *Client) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", models.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.user.Name = name
	return nil
}

// ToggleGroup adds g to the user's groups, or removes it if present. The last
// group cannot be removed. The server sees the change on the next heartbeat.
func (c *Client) ToggleGroup(g models.Group) error {
	if !g.Valid() {
		return fmt.Errorf("%w: unknown group %q", models.ErrValidation, g)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := make([]models.Group, 0, len(c.user.Groups))
	for _, mine := range c.user.Groups {
		if mine != g {
			kept = append(kept, mine)
		}
	}
	if len(kept) == len(c.user.Groups) {
		c.user.Groups = append(kept, g)
		return nil
	}
	if len(kept) == 0 && c.code != "" {
		return fmt.Errorf("%w: at least one group is required", models.ErrValidation)
	}

	c.user.Groups = kept
	delete(c.selections, g)
	if c.selectedGroup == g {
		c.selectedGroup = ""
	}
	return nil
}

// SelectGroup picks which of the user's groups the next Vote applies to.
func (c *Client) SelectGroup(g models.Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.user.HasGroup(g) {
		return fmt.Errorf("%w: not a member of group %q", models.ErrValidation, g)
	}
	c.selectedGroup = g
	return nil
}

// Vote picks value for the selected group. Picking the value already chosen
// clears it. Votes stay local until SubmitVotes.
func (c *Client) Vote(value models.Value) error {
	if !value.Valid() {
		return fmt.Errorf("%w: invalid vote value %q", models.ErrValidation, value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.votingOpenLocked(); err != nil {
		return err
	}
	if c.selectedGroup == "" {
		return fmt.Errorf("%w: select a group before voting", models.ErrValidation)
	}

	if c.selections[c.selectedGroup] == value {
		delete(c.selections, c.selectedGroup)
		return nil
	}
	c.selections[c.selectedGroup] = value
	return nil
}

func (c *Client) votingOpenLocked() error {
	if c.code == "" || c.room == nil {
		return errNotInRoom
	}
	if c.room.Phase != models.PhaseVoting {
		return fmt.Errorf("%w: voting is not open", models.ErrValidation)
	}
	return nil
}

// SubmitVotes sends the selected votes. At least one vote is required; use
// Skip to submit none.
func (c *Client) SubmitVotes(ctx context.Context) error {
	c.mu.Lock()
	if err := c.votingOpenLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.clock.Now().UnixMilli()
	var votes []models.Vote
	for _, g := range models.Groups {
		value, ok := c.selections[g]
		if !ok || !c.user.HasGroup(g) {
			continue
		}
		votes = append(votes, models.Vote{Group: g, Value: value, Timestamp: now})
	}
	c.mu.Unlock()

	if len(votes) == 0 {
		return fmt.Errorf("%w: select at least one vote or skip", models.ErrValidation)
	}
	return c.submit(ctx, votes)
}

// Skip submits without voting for this round.
func (c *Client) Skip(ctx context.Context) error {
	c.mu.Lock()
	err := c.votingOpenLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.submit(ctx, []models.Vote{})
}

func (c *Client) submit(ctx context.Context, votes []models.Vote) error {
	c.mu.Lock()
	code, session, user := c.code, c.session, c.userLocked()
	c.mu.Unlock()

	_, err := c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		return app.RecordSubmission(ctx, code, user.ID, user.Name, votes)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session == session {
		c.submitted = true
	}
	c.mu.Unlock()

	log.Debug().Str("room_code", code).Str("user_id", user.ID).Int("votes", len(votes)).Msg("submitted votes")
	return nil
}

// StartVoting opens a new round. Admin only.
func (c *Client) StartVoting(ctx context.Context) error {
	return c.transition(ctx, models.PhaseVoting)
}

// Reveal shows the round's results. Admin only.
func (c *Client) Reveal(ctx context.Context) error {
	return c.transition(ctx, models.PhaseReveal)
}

// BackToWaiting returns the room to the lobby. Admin only.
func (c *Client) BackToWaiting(ctx context.Context) error {
	return c.transition(ctx, models.PhaseWaiting)
}

func (c *Client) transition(ctx context.Context, phase models.Phase) error {
	code, session, err := c.requireAdmin()
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		return app.TransitionPhase(ctx, code, phase)
	})
	return err
}

// SetTask sets what the room is estimating. Admin only. A blank task
// becomes UntitledTask.
func (c *Client) SetTask(ctx context.Context, text string) error {
	code, session, err := c.requireAdmin()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = UntitledTask
	}
	_, err = c.exec(ctx, session, func(ctx context.Context, app *rooms.App) (*models.RoomState, error) {
		return app.SetTask(ctx, code, text)
	})
	return err
}

// DeleteRoom closes the room for everyone and leaves it. Admin only. It needs
// the server: there is nothing to close while offline.
func (c *Client) DeleteRoom(ctx context.Context) error {
	code, _, err := c.requireAdmin()
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.remoteApp.DeleteRoom(reqCtx, code); err != nil {
		return err
	}
	if err := c.mirror.Delete(ctx, code); err != nil {
		log.Warn().Err(err).Str("room_code", code).Msg("failed to drop local copy")
	}

	log.Info().Str("room_code", code).Msg("deleted room")
	c.Leave()
	return nil
}

// requireAdmin checks the last seen room. The server does not repeat this check.
func (c *Client) requireAdmin() (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.code == "" || c.room == nil {
		return "", 0, errNotInRoom
	}
	if !c.room.IsAdmin(c.user.ID) {
		return "", 0, models.ErrNotAdmin
	}
	return c.code, c.session, nil
}
