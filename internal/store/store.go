// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
)

// SessionStore persists registration sessions. Implementations return full
// snapshots; callers read-modify-write under their own per-session lock.
type SessionStore interface {
	// ActiveSessionID returns the ACTIVE or URGENT session for a subject,
	// or "" when the subject has none.
	ActiveSessionID(ctx context.Context, subjectID string) (string, error)

	// GetOrCreate loads a session, creating an empty ACTIVE one if it does not exist.
	GetOrCreate(ctx context.Context, sessionID, subjectID string) (*domain.Session, error)

	// Get loads a session. It returns nil, nil when the session does not exist.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Save persists the full session snapshot and appends new turns to the audit log.
	Save(ctx context.Context, session *domain.Session) error

	// MarkAbandoned moves ACTIVE sessions idle since before the cutoff to ABANDONED.
	MarkAbandoned(ctx context.Context, idleSince time.Time) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
