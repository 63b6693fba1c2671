package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planningpoker/go/internal/models"
	"github.com/mcdev12/planningpoker/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
)

// Dialect holds what differs between the SQL databases a room store can use.
type Dialect struct {
	Name       string
	DriverName string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// row lock appended to the read inside Update
	lockClause string
	maxConns   int
	// supports LISTEN/NOTIFY
	notify bool
}

var (
	// Postgres stores rooms through github.com/lib/pq.
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", numbered: true, lockClause: " FOR UPDATE", notify: true}
	// SQLite stores rooms through modernc.org/sqlite. It allows a single
	// writer so the pool is capped at one connection.
	SQLite = Dialect{Name: "sqlite", DriverName: "sqlite", maxConns: 1}
)

func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		code TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rooms_updated_at_idx ON rooms (updated_at)`,
}

const upsertRoom = `INSERT INTO rooms (code, state, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (code) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`

// SQL is a Store backed by a relational database. The whole document is
// kept as JSON in one row per room.
type SQL struct {
	*Notifier

	db      *sql.DB
	dialect Dialect
	clock   clockwork.Clock
	// set by EnableNotify
	origin        string
	notifyChannel string
}

var _ Store = (*SQL)(nil)

// OpenSQL opens dsn with the dialect's driver, pings it and creates the schema.
// The driver must be registered by the caller.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, clock clockwork.Clock) (*SQL, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	if dialect.maxConns > 0 {
		db.SetMaxOpenConns(dialect.maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect.Name, err)
	}

	s, err := NewSQL(ctx, db, dialect, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database and creates the schema if needed.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect, clock clockwork.Clock) (*SQL, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create rooms schema: %w", err)
		}
	}
	return &SQL{
		Notifier: NewNotifier(0),
		db:       db,
		dialect:  dialect,
		clock:    clock,
	}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) load(ctx context.Context, q querier, code string, lock bool) (*models.RoomState, error) {
	query := "SELECT state FROM rooms WHERE code = ?"
	if lock {
		query += s.dialect.lockClause
	}

	var raw string
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), code).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", code, models.ErrRoomNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", code, err)
	}

	var state models.RoomState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode room %s: %w", code, err)
	}
	return &state, nil
}

func (s *SQL) save(ctx context.Context, q querier, code string, state *models.RoomState, now time.Time) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode room %s: %w", code, err)
	}
	if _, err := q.ExecContext(ctx, s.dialect.rebind(upsertRoom), code, string(data), sqlutil.ToMillis(now)); err != nil {
		return fmt.Errorf("failed to save room %s: %w", code, err)
	}
	return nil
}

// Get returns the room stored under code.
func (s *SQL) Get(ctx context.Context, code string) (*models.RoomState, error) {
	return s.load(ctx, s.db, models.NormalizeCode(code), false)
}

// Set replaces the room stored under code, creating it if absent.
func (s *SQL) Set(ctx context.Context, code string, state *models.RoomState) error {
	if state == nil {
		return fmt.Errorf("%w: room state is required", models.ErrValidation)
	}
	code = models.NormalizeCode(code)
	stored := state.Clone()
	stored.Code = code
	now := s.clock.Now()

	if err := s.save(ctx, s.db, code, stored, now); err != nil {
		return err
	}
	s.notifyPeers(ctx, code, ChangeSet)
	s.Publish(Change{Code: code, Kind: ChangeSet, State: stored, At: now})
	return nil
}

// Delete removes the room. Deleting a missing room is not an error.
func (s *SQL) Delete(ctx context.Context, code string) error {
	code = models.NormalizeCode(code)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM rooms WHERE code = ?"), code)
	if err != nil {
		return fmt.Errorf("failed to delete room %s: %w", code, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.notifyPeers(ctx, code, ChangeDelete)
		s.Publish(Change{Code: code, Kind: ChangeDelete, At: s.clock.Now()})
	}
	return nil
}

// Update applies fn to the room inside a transaction.
func (s *SQL) Update(ctx context.Context, code string, fn func(*models.RoomState) error) (*models.RoomState, error) {
	code = models.NormalizeCode(code)
	now := s.clock.Now()

	var updated *models.RoomState
	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		state, err := s.load(ctx, tx, code, true)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		state.Code = code
		if err := s.save(ctx, tx, code, state, now); err != nil {
			return err
		}
		updated = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyPeers(ctx, code, ChangeSet)
	s.Publish(Change{Code: code, Kind: ChangeSet, State: updated.Clone(), At: now})
	return updated, nil
}

// Codes lists the stored room codes in order.
func (s *SQL) Codes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT code FROM rooms ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan room code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// Sweep deletes rooms not written for longer than maxAge.
func (s *SQL) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.clock.Now()
	cutoff := sqlutil.ToMillis(now.Add(-maxAge))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind("DELETE FROM rooms WHERE updated_at < ? RETURNING code"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep rooms: %w", err)
	}
	var expired []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan swept room: %w", err)
		}
		expired = append(expired, code)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to sweep rooms: %w", err)
	}
	rows.Close()

	for _, code := range expired {
		s.notifyPeers(ctx, code, ChangeDelete)
		s.Publish(Change{Code: code, Kind: ChangeDelete, At: now})
	}
	log.Debug().Str("dialect", s.dialect.Name).Int("expired", len(expired)).Msg("swept rooms")
	return len(expired), nil
}

// Close closes the database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// peerNote is the pg_notify payload written after every room change.
type peerNote struct {
	Code   string     `json:"code"`
	Kind   ChangeKind `json:"kind"`
	Origin string     `json:"origin"`
}

// EnableNotify makes every write also signal channel so other processes
// sharing the database can follow it. Only Postgres supports it.
func (s *SQL) EnableNotify(channel string) error {
	if !s.dialect.notify {
		return fmt.Errorf("%s does not support LISTEN/NOTIFY", s.dialect.Name)
	}
	s.origin = uuid.NewString()
	s.notifyChannel = channel
	return nil
}

// notifyPeers runs after the write has committed. A failed notify is logged
// and never fails the write.
func (s *SQL) notifyPeers(ctx context.Context, code string, kind ChangeKind) {
	if s.notifyChannel == "" {
		return
	}
	payload, err := json.Marshal(peerNote{Code: code, Kind: kind, Origin: s.origin})
	if err != nil {
		log.Error().Err(err).Str("room_code", code).Msg("failed to encode room notification")
		return
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.notifyChannel, string(payload)); err != nil {
		log.Warn().Err(err).Str("room_code", code).Msg("failed to notify peers")
	}
}
