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

	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS owners (
		owner_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		project_id TEXT,
		enterprise INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, last_activity);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withBusyRetry retries op with exponential backoff (50ms, 100ms, 200ms)
// while SQLite reports a lock conflict.
func withBusyRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := range busyRetries {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == busyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, busyRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetOwner retrieves an owner by id.
func (s *SQLiteStore) GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, created_at, last_seen_at FROM owners WHERE owner_id = ?`, ownerID)

	var owner domain.Owner
	var createdAt, lastSeen int64
	err := row.Scan(&owner.OwnerID, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan owner row: %w", err)
	}

	owner.CreatedAt = time.Unix(createdAt, 0)
	owner.LastSeenAt = time.Unix(lastSeen, 0)
	return &owner, nil
}

// UpsertOwner creates an owner or refreshes its last_seen_at.
func (s *SQLiteStore) UpsertOwner(ctx context.Context, owner *domain.Owner) error {
	query := `
	INSERT INTO owners (owner_id, created_at, last_seen_at)
	VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`

	return withBusyRetry(ctx, "upsert owner", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			owner.OwnerID, owner.CreatedAt.Unix(), owner.LastSeenAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert owner: %w", err)
		}
		return nil
	})
}

// SaveSession creates or updates session metadata.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, owner_id, provider, model, project_id, enterprise, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		provider = excluded.provider,
		model = excluded.model,
		project_id = excluded.project_id,
		enterprise = excluded.enterprise,
		last_activity = excluded.last_activity`

	var projectID any
	if session.ProjectID != "" {
		projectID = session.ProjectID
	}

	return withBusyRetry(ctx, "save session", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			session.ID, session.OwnerID, session.Provider, session.Model, projectID,
			session.Enterprise, session.CreatedAt.Unix(), session.LastActivity.Unix(),
		); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `session_id, owner_id, provider, model, project_id, enterprise, created_at, last_activity`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var projectID sql.NullString
	var createdAt, lastActivity int64
	if err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Provider, &rec.Model, &projectID,
		&rec.Enterprise, &createdAt, &lastActivity,
	); err != nil {
		return nil, err
	}
	rec.ProjectID = projectID.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.LastActivity = time.Unix(lastActivity, 0)
	return &rec, nil
}

// GetSession retrieves session metadata.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns an owner's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? ORDER BY last_activity DESC, created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// TouchSession updates last_activity.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return withBusyRetry(ctx, "touch session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET last_activity = ? WHERE session_id = ?`, at.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("TouchSession affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// DeleteSession removes a session and its transcript.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// AppendMessage adds a transcript entry and sets msg.ID.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.StoredMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return withBusyRetry(ctx, "append message", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message id: %w", err)
		}
		msg.ID = id
		return nil
	})
}

// ListMessages returns a session's transcript in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error) {
	query := `SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT id, session_id, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CleanupMessages removes transcript entries older than retention.
func (s *SQLiteStore) CleanupMessages(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	var deleted int64
	err := withBusyRetry(ctx, "cleanup messages", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup messages: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
