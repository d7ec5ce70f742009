// Package enrich gathers optional similarity and sentiment context for a turn.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/resilience"
	"golang.org/x/sync/errgroup"
)

// Similarity finds past conversation snippets similar to a text.
type Similarity interface {
	SimilaritySearch(ctx context.Context, text string, topK int) ([]domain.Snippet, error)
}

// SentimentClassifier classifies the emotional state of a text.
type SentimentClassifier interface {
	ClassifySentiment(ctx context.Context, text string) (*domain.Sentiment, error)
}

// Enricher provides both lookups.
type Enricher interface {
	Similarity
	SentimentClassifier
}

// Observer receives the outcome of each lookup.
type Observer interface {
	ObserveEnrichment(kind, outcome string, elapsed time.Duration)
}

// Lookup kinds and outcomes reported to the Observer.
const (
	KindSimilarity = "similarity"
	KindSentiment  = "sentiment"

	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
)

// Gatherer runs both lookups concurrently under a fixed deadline.
type Gatherer struct {
	enricher Enricher
	breaker  *resilience.Breaker
	deadline time.Duration
	topK     int
	observer Observer
	logger   *slog.Logger
}

// GathererConfig configures a Gatherer.
type GathererConfig struct {
	Deadline time.Duration
	TopK     int
	Observer Observer
	Logger   *slog.Logger
}

// NewGatherer creates a Gatherer. The breaker may be shared with other users
// of the same enrichment service.
func NewGatherer(e Enricher, breaker *resilience.Breaker, cfg GathererConfig) *Gatherer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 800 * time.Millisecond
	}
	return &Gatherer{
		enricher: e,
		breaker:  breaker,
		deadline: cfg.Deadline,
		topK:     cfg.TopK,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
}

// Gather issues the similarity and sentiment lookups in parallel and returns
// whatever finished before the deadline. It never fails; a lookup that errors
// or is still running at the deadline is left out and its result discarded.
func (g *Gatherer) Gather(ctx context.Context, text string) *domain.Enrichment {
	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	var (
		mu     sync.Mutex
		sealed bool
		out    domain.Enrichment
	)

	var eg errgroup.Group
	eg.Go(func() error {
		start := time.Now()
		snippets, err := resilience.Call(ctx, g.breaker, func(ctx context.Context) ([]domain.Snippet, error) {
			return g.enricher.SimilaritySearch(ctx, text, g.topK)
		})
		g.observe(KindSimilarity, err, start)
		mu.Lock()
		defer mu.Unlock()
		if err == nil && !sealed {
			out.Similar = snippets
		}
		return nil
	})
	eg.Go(func() error {
		start := time.Now()
		sentiment, err := resilience.Call(ctx, g.breaker, func(ctx context.Context) (*domain.Sentiment, error) {
			return g.enricher.ClassifySentiment(ctx, text)
		})
		g.observe(KindSentiment, err, start)
		mu.Lock()
		defer mu.Unlock()
		if err == nil && !sealed {
			out.Sentiment = sentiment
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Debug("Enrichment deadline reached", "deadline", g.deadline)
	}

	mu.Lock()
	defer mu.Unlock()
	sealed = true
	return &domain.Enrichment{Similar: out.Similar, Sentiment: out.Sentiment}
}

func (g *Gatherer) observe(kind string, err error, start time.Time) {
	if g.observer == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDependencyUnavailable):
		outcome = OutcomeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeError
	}
	g.observer.ObserveEnrichment(kind, outcome, time.Since(start))
}
