package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
)

// MemoryStore keeps sessions in process memory. It serves as the standalone
// backend for development and as the ephemeral store during a primary outage.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	retention time.Duration
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention evicts sessions not updated within d. Zero keeps them forever.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.retention = d
	}
}

// WithMemoryClock overrides the clock used for new sessions and eviction.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveSessionID returns the most recently updated open session for a subject.
func (m *MemoryStore) ActiveSessionID(_ context.Context, subjectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *domain.Session
	for _, s := range m.sessions {
		if s.SubjectID != subjectID || !s.Status.IsOpen() {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return "", nil
	}
	return best.SessionID, nil
}

// GetOrCreate returns a copy of the stored session or a new one.
// A new session is not stored until Save.
func (m *MemoryStore) GetOrCreate(_ context.Context, sessionID, subjectID string) (*domain.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return s.Clone(), nil
	}
	return domain.NewSession(sessionID, subjectID, m.now()), nil
}

// Get returns a copy of the stored session, or nil.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

// Save stores a copy of the session. A snapshot with a lower message count
// than the stored one is ignored so a stale writer cannot roll a session back.
func (m *MemoryStore) Save(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[session.SessionID]; ok && cur.MessageCount > session.MessageCount {
		return nil
	}
	m.sessions[session.SessionID] = session.Clone()
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MarkAbandoned moves idle ACTIVE sessions to ABANDONED.
func (m *MemoryStore) MarkAbandoned(_ context.Context, idleSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, s := range m.sessions {
		if s.Status == domain.StatusActive && s.UpdatedAt.Before(idleSince) {
			s.Status = domain.StatusAbandoned
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// EvictExpired drops sessions not updated within the retention period.
func (m *MemoryStore) EvictExpired() int {
	if m.retention <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// RunEviction evicts expired sessions every interval until ctx is done.
func (m *MemoryStore) RunEviction(ctx context.Context, interval time.Duration) {
	if m.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.EvictExpired(); n > 0 {
				slog.Debug("Evicted expired in-memory sessions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
