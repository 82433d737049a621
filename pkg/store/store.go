// Package store persists session metadata. Sessions are the only durable
// artifact: an operator's bookmarked session URL must resolve after a
// process restart, while in-flight request payloads stay in memory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a session id is unknown. It is an expected
// outcome during reconnection, not a transport failure.
var ErrNotFound = errors.New("session not found")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Session is the durable record for one operator-facing session.
type Session struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists sessions in sqlite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the session database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers unblocked while the engine writes status updates.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Session store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Create inserts a new ACTIVE session.
func (s *Store) Create(ctx context.Context, id, description string) (Session, error) {
	if id == "" {
		return Session{}, errors.New("session id is required")
	}

	sess := Session{
		ID:          id,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, description, status, created_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.Description, string(sess.Status), sess.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Msg("Session persisted")
	return sess, nil
}

// Get returns the session with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, description, status, created_at FROM sessions WHERE id = ?", id)

	var (
		sess      Session
		status    string
		createdAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Description, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("failed to query session: %w", err)
	}

	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	return sess, nil
}

// List returns all sessions, oldest first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, status, created_at FROM sessions ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess      Session
			status    string
			createdAt int64
		)
		if err := rows.Scan(&sess.ID, &sess.Description, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.Status = Status(status)
		sess.CreatedAt = time.UnixMilli(createdAt).UTC()
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}

	return sessions, nil
}

// UpdateStatus transitions a session's status. Unknown ids return ErrNotFound.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status: %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug().
		Str("session_id", id).
		Str("status", string(status)).
		Msg("Session status updated")
	return nil
}

// CountActive returns the number of non-completed sessions.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE status != ?", string(StatusCompleted))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// PurgeCompleted deletes COMPLETED sessions created before the cutoff and
// returns how many were removed. ACTIVE and PAUSED sessions are never purged.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE status = ? AND created_at < ?",
		string(StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	if affected > 0 {
		s.logger.Info().Int64("purged", affected).Msg("Completed sessions purged")
	}
	return int(affected), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
