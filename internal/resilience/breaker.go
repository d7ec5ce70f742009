// Package resilience provides per-dependency circuit breakers.
//
// A Breaker is CLOSED while calls succeed. After FailureThreshold consecutive
// failures inside Window it opens and short-circuits every call with a
// domain.UnavailableError. Cooldown later a timer moves it to HALF_OPEN, where
// exactly one probe call is admitted: success closes the breaker, failure
// reopens it and re-arms the timer.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Window bounds how far apart the first and last failure of a streak may be.
	Window time.Duration
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultConfig returns defaults for external dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Transition describes a state change.
type Transition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Dependency string    `json:"dependency"`
	State      string    `json:"state"`
	Failures   int       `json:"consecutive_failures"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to one external dependency. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	hooks  []func(Transition)
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	probeInFlight bool
	timer         *time.Timer
	generation    uint64
	stopped       bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the clock used for the failure window.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithTransitionHook registers a callback invoked after every state change.
// Hooks run outside the breaker lock.
func WithTransitionHook(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.hooks = append(b.hooks, fn)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for health reporting.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Dependency: b.name,
		State:      b.state.String(),
		Failures:   b.failures,
	}
	if b.state != StateClosed {
		st.OpenedAt = b.openedAt
	}
	return st
}

// Execute runs fn if the breaker admits the call and records its outcome.
// An open breaker returns a *domain.UnavailableError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Stop cancels a pending cooldown timer. The breaker keeps answering calls
// but no longer transitions out of OPEN on its own.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return false, &domain.UnavailableError{Dependency: b.name}
	case StateHalfOpen:
		if b.probeInFlight {
			return false, &domain.UnavailableError{Dependency: b.name}
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe bool, callErr error) {
	// A caller that gave up says nothing about the dependency.
	if callErr != nil && errors.Is(callErr, context.Canceled) {
		if probe {
			b.mu.Lock()
			b.probeInFlight = false
			b.mu.Unlock()
		}
		return
	}

	b.mu.Lock()
	var tr *Transition
	if callErr == nil {
		b.failures = 0
		if probe {
			b.probeInFlight = false
		}
		if b.state == StateHalfOpen {
			tr = b.setState(StateClosed)
		}
	} else {
		switch {
		case probe:
			b.probeInFlight = false
			tr = b.trip()
		case b.state == StateClosed:
			now := b.now()
			if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
				b.failures = 0
				b.firstFailure = now
			}
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				tr = b.trip()
			}
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// trip opens the circuit and arms the half-open timer. Caller holds mu.
func (b *Breaker) trip() *Transition {
	tr := b.setState(StateOpen)
	b.openedAt = b.now()
	b.generation++
	gen := b.generation
	if b.timer != nil {
		b.timer.Stop()
	}
	if !b.stopped {
		b.timer = time.AfterFunc(b.cfg.Cooldown, func() { b.halfOpen(gen) })
	}
	return tr
}

func (b *Breaker) halfOpen(gen uint64) {
	b.mu.Lock()
	if gen != b.generation || b.state != StateOpen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.probeInFlight = false
	tr := b.setState(StateHalfOpen)
	b.mu.Unlock()

	b.notify(tr)
}

// setState changes state and returns the transition. Caller holds mu.
func (b *Breaker) setState(to State) *Transition {
	if b.state == to {
		return nil
	}
	tr := &Transition{Dependency: b.name, From: b.state, To: to, At: b.now()}
	b.state = to
	if to == StateClosed {
		b.failures = 0
		b.openedAt = time.Time{}
	}
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	if tr.To == StateOpen {
		b.logger.Warn("Circuit breaker opened", "dependency", tr.Dependency, "from", tr.From.String(), "cooldown", b.cfg.Cooldown)
	} else {
		b.logger.Info("Circuit breaker transition", "dependency", tr.Dependency, "from", tr.From.String(), "to", tr.To.String())
	}
	for _, hook := range b.hooks {
		hook(*tr)
	}
}
