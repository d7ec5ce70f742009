package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(now time.Time) *domain.Session {
	s := domain.NewSession("sess-1", "subject-1", now)
	s.MessageCount = 1
	s.Language = "sl"
	s.SetField(domain.FieldFirstName, "Peter", 1)
	s.RecordTurn(domain.RoleUser, "Peter Knaflič", map[domain.Field]string{domain.FieldFirstName: "Peter"}, 12, now)
	s.RecordTurn(domain.RoleSystem, "Hvala, Peter.", nil, 12, now)
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.Save(ctx, sampleSession(now)))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "subject-1", got.SubjectID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "Peter", got.Fields[domain.FieldFirstName])
	assert.Equal(t, "sl", got.Language)
	assert.Len(t, got.History, 2)
	assert.Equal(t, now.UnixMilli(), got.CreatedAt.UnixMilli())

	id, err := s.ActiveSessionID(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteTurnLogIsAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	now := time.Now()
	session := sampleSession(now)
	require.NoError(t, s.Save(ctx, session))
	// Saving the same snapshot twice must not duplicate turns.
	require.NoError(t, s.Save(ctx, session))

	session.MessageCount = 2
	session.RecordTurn(domain.RoleUser, "Ljubljana", nil, 2, now)
	require.NoError(t, s.Save(ctx, session))

	turns, err := s.Turns(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "Peter", turns[0].ExtractionDelta[domain.FieldFirstName])
	assert.Equal(t, "Ljubljana", turns[2].Text)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, got.History, 2, "session row keeps only the window")
}

func TestSQLiteSaveNeverRollsBackMessageCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	session := sampleSession(time.Now())
	session.MessageCount = 5
	require.NoError(t, s.Save(ctx, session))

	stale := session.Clone()
	stale.MessageCount = 3
	stale.SetField(domain.FieldLastName, "Stale", 1)
	require.NoError(t, s.Save(ctx, stale))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MessageCount)
	assert.NotContains(t, got.Fields, domain.FieldLastName)
}

func TestSQLiteMarkAbandoned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestSQLite(t)

	old := sampleSession(time.Now().Add(-48 * time.Hour))
	require.NoError(t, s.Save(ctx, old))

	fresh := sampleSession(time.Now())
	fresh.SessionID = "sess-2"
	fresh.SubjectID = "subject-2"
	require.NoError(t, s.Save(ctx, fresh))

	n, err := s.MarkAbandoned(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	id, err := s.ActiveSessionID(ctx, "subject-1")
	require.NoError(t, err)
	assert.Empty(t, id, "abandoned sessions are not active")
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemoryStore()

	session := sampleSession(time.Now())
	require.NoError(t, m.Save(ctx, session))
	session.Fields[domain.FieldLastName] = "mutated"

	got, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotContains(t, got.Fields, domain.FieldLastName)
}

func TestMemoryStoreEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Now()
	clock := func() time.Time { return now }
	m := NewMemoryStore(WithRetention(time.Hour), WithMemoryClock(clock))

	old := sampleSession(now.Add(-2 * time.Hour))
	require.NoError(t, m.Save(ctx, old))
	fresh := sampleSession(now)
	fresh.SessionID = "sess-2"
	require.NoError(t, m.Save(ctx, fresh))

	assert.Equal(t, 1, m.EvictExpired())
	assert.Equal(t, 1, m.Len())
}

// flakyStore is a SessionStore whose primary calls fail while down is set.
type flakyStore struct {
	mu   sync.Mutex
	down bool
	*MemoryStore
}

var errDown = errors.New("connection refused")

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *flakyStore) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return &domain.StorageError{Op: "test", Err: errDown}
	}
	return nil
}

func (f *flakyStore) GetOrCreate(ctx context.Context, id, subject string) (*domain.Session, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.MemoryStore.GetOrCreate(ctx, id, subject)
}

func (f *flakyStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.MemoryStore.Get(ctx, id)
}

func (f *flakyStore) Save(ctx context.Context, s *domain.Session) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, s)
}

func (f *flakyStore) ActiveSessionID(ctx context.Context, subject string) (string, error) {
	if err := f.err(); err != nil {
		return "", err
	}
	return f.MemoryStore.ActiveSessionID(ctx, subject)
}

func TestFailoverDegradesAndRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	breaker := resilience.NewBreaker(resilience.DepStore, resilience.Config{FailureThreshold: 5, Cooldown: time.Hour})
	t.Cleanup(breaker.Stop)

	var changes []bool
	f := NewFailover(primary, breaker, WithDegradedHook(func(d bool) { changes = append(changes, d) }))

	session, err := f.GetOrCreate(ctx, "sess-1", "subject-1")
	require.NoError(t, err)
	session.MessageCount = 1
	require.NoError(t, f.Save(ctx, session))
	assert.False(t, f.Degraded())

	primary.setDown(true)
	session, err = f.GetOrCreate(ctx, "sess-1", "subject-1")
	require.NoError(t, err, "storage failures never surface")
	session.MessageCount = 2
	session.SetField(domain.FieldFirstName, "Peter", 1)
	require.NoError(t, f.Save(ctx, session))
	assert.True(t, f.Degraded())
	assert.Equal(t, 1, f.EphemeralSessions())

	id, err := f.ActiveSessionID(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	primary.setDown(false)
	session, err = f.GetOrCreate(ctx, "sess-1", "subject-1")
	require.NoError(t, err)
	assert.Equal(t, 2, session.MessageCount, "outage copy wins over the stale primary copy")
	assert.Equal(t, "Peter", session.Fields[domain.FieldFirstName])
	assert.False(t, f.Degraded())

	require.NoError(t, f.Save(ctx, session))
	assert.Equal(t, 0, f.EphemeralSessions())
	assert.Equal(t, []bool{true, false}, changes)
}

func TestFailoverShortCircuitsWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	primary.setDown(true)
	breaker := resilience.NewBreaker(resilience.DepStore, resilience.Config{FailureThreshold: 1, Cooldown: time.Hour})
	t.Cleanup(breaker.Stop)
	f := NewFailover(primary, breaker)

	_, err := f.GetOrCreate(ctx, "sess-1", "subject-1")
	require.NoError(t, err)
	assert.Equal(t, resilience.StateOpen, breaker.State())

	primary.setDown(false)
	// Breaker stays open until cooldown, so memory keeps serving.
	session, err := f.GetOrCreate(ctx, "sess-1", "subject-1")
	require.NoError(t, err)
	require.NoError(t, f.Save(ctx, session))
	assert.True(t, f.Degraded())
}

func TestSweepIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Save(ctx, sampleSession(time.Now().Add(-2*time.Hour))))

	var got int64
	n := sweepIdleSessions(ctx, m, time.Hour, func(count int64) { got = count })
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, got)

	session, err := m.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, session.Status)
}
