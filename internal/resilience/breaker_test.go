package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(DepExtractor, Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Hour})
	defer b.Stop()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.False(t, called, "open breaker must not call the dependency")
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(DepCache, Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour})
	defer b.Stop()

	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), succeed))
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerWindowExpiresStreak(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	b := NewBreaker(DepStore, Config{FailureThreshold: 2, Window: 10 * time.Second, Cooldown: time.Hour}, WithClock(clock))
	defer b.Stop()

	_ = b.Execute(context.Background(), fail)
	advance(11 * time.Second)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "failures outside the window start a new streak")

	advance(time.Second)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	var mu sync.Mutex
	var transitions []Transition
	b := NewBreaker(DepExtractor,
		Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 20 * time.Millisecond},
		WithTransitionHook(func(tr Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}),
	)
	defer b.Stop()

	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	err := b.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable, "second call during probe must be rejected")

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateOpen, transitions[0].To)
	assert.Equal(t, StateHalfOpen, transitions[1].To)
	assert.Equal(t, StateClosed, transitions[2].To)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(DepEnrichment, Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 20 * time.Millisecond})
	defer b.Stop()

	_ = b.Execute(context.Background(), fail)
	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	require.Eventually(t, func() bool { return b.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
}

func TestCallerCancellationDoesNotCount(t *testing.T) {
	b := NewBreaker(DepExtractor, Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Hour})
	defer b.Stop()

	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestCallReturnsValue(t *testing.T) {
	b := NewBreaker(DepCache, DefaultConfig())
	defer b.Stop()

	v, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSetSnapshot(t *testing.T) {
	s := NewSet(Config{FailureThreshold: 1, Cooldown: time.Hour})
	defer s.Stop()

	_ = s.Store.Execute(context.Background(), fail)
	snap := s.Snapshot()
	require.Len(t, snap, 4)
	for _, st := range snap {
		if st.Dependency == DepStore {
			assert.Equal(t, "open", st.State)
			assert.False(t, st.OpenedAt.IsZero())
		} else {
			assert.Equal(t, "closed", st.State)
		}
	}
}
