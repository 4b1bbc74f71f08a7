// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/ragops-web/internal/domain"
)

// Repository persists owners, session metadata and transcripts.
type Repository interface {
	// GetOwner retrieves an owner by id. It returns nil, nil when absent.
	GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error)

	// UpsertOwner creates an owner or refreshes its last_seen_at.
	UpsertOwner(ctx context.Context, owner *domain.Owner) error

	// SaveSession creates or updates session metadata.
	SaveSession(ctx context.Context, session *domain.SessionRecord) error

	// GetSession retrieves session metadata. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// ListSessions returns an owner's sessions, most recently active first.
	ListSessions(ctx context.Context, ownerID string) ([]*domain.SessionRecord, error)

	// TouchSession updates last_activity.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// DeleteSession removes a session and its transcript.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage adds a transcript entry.
	AppendMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns a session's transcript in order. A limit of zero
	// or less returns everything; otherwise the last limit entries.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error)

	// CleanupMessages removes transcript entries older than retention and
	// reports how many were deleted.
	CleanupMessages(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
