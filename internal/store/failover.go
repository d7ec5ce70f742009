package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/resilience"
)

// Failover routes calls to a primary store through its circuit breaker and
// falls back to an ephemeral in-memory store while the primary is failing.
// The user-facing exchange never sees a storage failure.
type Failover struct {
	primary   SessionStore
	ephemeral *MemoryStore
	breaker   *resilience.Breaker
	logger    *slog.Logger
	onChange  func(degraded bool)

	degraded atomic.Bool
}

// FailoverOption configures a Failover store.
type FailoverOption func(*Failover)

// WithDegradedHook registers a callback for degraded-mode changes.
func WithDegradedHook(fn func(degraded bool)) FailoverOption {
	return func(f *Failover) {
		f.onChange = fn
	}
}

// WithFailoverLogger sets the logger.
func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(f *Failover) {
		f.logger = logger
	}
}

// NewFailover wraps primary with breaker-guarded degradation to memory.
func NewFailover(primary SessionStore, breaker *resilience.Breaker, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:   primary,
		ephemeral: NewMemoryStore(),
		breaker:   breaker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether the last primary call failed.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

// EphemeralSessions returns how many sessions live only in memory.
func (f *Failover) EphemeralSessions() int { return f.ephemeral.Len() }

func (f *Failover) setDegraded(on bool, err error) {
	if f.degraded.Swap(on) == on {
		return
	}
	if on {
		f.logger.Warn("Session store degraded to in-memory sessions", "error", err)
	} else {
		f.logger.Info("Session store recovered", "ephemeral_sessions", f.ephemeral.Len())
	}
	if f.onChange != nil {
		f.onChange(on)
	}
}

// ActiveSessionID checks the primary, then sessions created during an outage.
func (f *Failover) ActiveSessionID(ctx context.Context, subjectID string) (string, error) {
	id, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (string, error) {
		return f.primary.ActiveSessionID(ctx, subjectID)
	})
	if err != nil {
		f.setDegraded(true, err)
		return f.ephemeral.ActiveSessionID(ctx, subjectID)
	}
	f.setDegraded(false, nil)
	if id != "" {
		return id, nil
	}
	return f.ephemeral.ActiveSessionID(ctx, subjectID)
}

// GetOrCreate prefers the copy that has seen more messages, so turns handled
// in memory during an outage are not lost when the primary returns.
func (f *Failover) GetOrCreate(ctx context.Context, sessionID, subjectID string) (*domain.Session, error) {
	session, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (*domain.Session, error) {
		return f.primary.GetOrCreate(ctx, sessionID, subjectID)
	})
	if err != nil {
		f.setDegraded(true, err)
		return f.ephemeral.GetOrCreate(ctx, sessionID, subjectID)
	}
	f.setDegraded(false, nil)
	if mem, _ := f.ephemeral.Get(ctx, sessionID); mem != nil && mem.MessageCount > session.MessageCount {
		return mem, nil
	}
	return session, nil
}

// Get behaves like GetOrCreate without creating.
func (f *Failover) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (*domain.Session, error) {
		return f.primary.Get(ctx, sessionID)
	})
	mem, _ := f.ephemeral.Get(ctx, sessionID)
	if err != nil {
		f.setDegraded(true, err)
		return mem, nil
	}
	f.setDegraded(false, nil)
	if mem != nil && (session == nil || mem.MessageCount > session.MessageCount) {
		return mem, nil
	}
	return session, nil
}

// Save writes to the primary; on failure the snapshot is kept in memory and
// no error is returned. A successful primary write drops the memory copy.
func (f *Failover) Save(ctx context.Context, session *domain.Session) error {
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		return f.primary.Save(ctx, session)
	})
	if err != nil {
		f.setDegraded(true, err)
		return f.ephemeral.Save(ctx, session)
	}
	f.setDegraded(false, nil)
	f.ephemeral.Delete(session.SessionID)
	return nil
}

// MarkAbandoned applies to both the primary and the memory copies.
func (f *Failover) MarkAbandoned(ctx context.Context, idleSince time.Time) (int64, error) {
	n, _ := f.ephemeral.MarkAbandoned(ctx, idleSince)
	pn, err := resilience.Call(ctx, f.breaker, func(ctx context.Context) (int64, error) {
		return f.primary.MarkAbandoned(ctx, idleSince)
	})
	if err != nil {
		f.setDegraded(true, err)
		return n, err
	}
	return n + pn, nil
}

// Ping reports primary health without tripping degraded mode.
func (f *Failover) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

// Close closes the primary.
func (f *Failover) Close() error {
	return f.primary.Close()
}
