// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Session metadata persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL,
			project_root TEXT NOT NULL DEFAULT '',
			continuation_id TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
			ON sessions(last_activity_at DESC);

		CREATE INDEX IF NOT EXISTS idx_sessions_archived
			ON sessions(archived);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, policy, project_root, continuation_id, archived, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Policy, sess.ProjectRoot, sess.ContinuationID,
		sess.Archived, sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession fetches one session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, policy, project_root, continuation_id, archived, created_at, last_activity_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most recent activity
func (s *SQLiteStore) ListSessions(ctx context.Context, includeArchived bool) ([]*Session, error) {
	query := `
		SELECT id, title, policy, project_root, continuation_id, archived, created_at, last_activity_at
		FROM sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateTitle sets the session's display title
func (s *SQLiteStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.updateField(ctx, id, "UPDATE sessions SET title = ? WHERE id = ?", title)
}

// UpdatePolicy sets the session's permission policy
func (s *SQLiteStore) UpdatePolicy(ctx context.Context, id, policy string) error {
	if !ValidPolicy(policy) {
		return fmt.Errorf("invalid policy %q", policy)
	}
	return s.updateField(ctx, id, "UPDATE sessions SET policy = ? WHERE id = ?", policy)
}

// UpdateContinuation records the backend continuation id
func (s *SQLiteStore) UpdateContinuation(ctx context.Context, id, continuationID string) error {
	return s.updateField(ctx, id, "UPDATE sessions SET continuation_id = ? WHERE id = ?", continuationID)
}

// TouchActivity bumps the last-activity timestamp
func (s *SQLiteStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return s.updateField(ctx, id, "UPDATE sessions SET last_activity_at = ? WHERE id = ?", at.UTC())
}

// ArchiveSession marks a session archived
func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE sessions SET archived = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}
	return checkAffected(result)
}

// DeleteSession removes a session record permanently
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkAffected(result)
}

// DeleteInactiveBefore removes archived sessions older than cutoff
func (s *SQLiteStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE archived = 1 AND last_activity_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting inactive sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned inactive sessions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) updateField(ctx context.Context, id, query string, value any) error {
	result, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.Title, &sess.Policy, &sess.ProjectRoot,
		&sess.ContinuationID, &sess.Archived, &sess.CreatedAt, &sess.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
