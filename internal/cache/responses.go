// Package cache keys and stores extraction results so repeated messages in
// the same conversational context skip the extractor.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
	semcache "github.com/c360studio/semstreams/pkg/cache"
	"github.com/c360studio/semstreams/metric"
)

// MetricsComponent labels the response cache's Prometheus series.
const MetricsComponent = "response_cache"

// ContextKey is the part of session state that can change an extraction.
type ContextKey struct {
	Missing  []domain.Field
	Urgent   bool
	Pending  bool
	Firm     bool
	Language string
}

// Hash returns a stable digest of the context.
func (k ContextKey) Hash() string {
	h := sha256.New()
	for _, f := range k.Missing {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "|urgent=%t|pending=%t|firm=%t|lang=%s", k.Urgent, k.Pending, k.Firm, k.Language)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText folds case, diacritics and whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(shared.Fold(text)), " ")
}

// Key derives the cache key for a message under a session context.
func Key(text string, ctx ContextKey) string {
	sum := sha256.Sum256([]byte(NormalizeText(text) + "\x00" + ctx.Hash()))
	return hex.EncodeToString(sum[:])
}

// ResponseCache stores extraction results. Implementations may be remote,
// so every call takes a context and may fail.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*domain.ExtractionResult, bool, error)
	Set(ctx context.Context, key string, res *domain.ExtractionResult) error
}

// Config tunes the in-process response cache.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// Metrics, when set, exports hit, miss, set and eviction counters.
	Metrics *metric.MetricsRegistry
}

// Responses is a ResponseCache over an in-process TTL cache. Results are
// stored encoded, so a hit always decodes to the same bytes that were stored.
type Responses struct {
	ttl semcache.Cache[[]byte]
}

// NewResponses starts a TTL cache whose expiry sweep stops with ctx or Close.
func NewResponses(ctx context.Context, cfg Config) (*Responses, error) {
	var opts []semcache.Option[[]byte]
	if cfg.Metrics != nil {
		opts = append(opts, semcache.WithMetrics[[]byte](cfg.Metrics, MetricsComponent))
	}
	ttl, err := semcache.NewTTL[[]byte](ctx, cfg.TTL, cfg.CleanupInterval, opts...)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &Responses{ttl: ttl}, nil
}

// Get returns a copy of the cached result.
func (r *Responses) Get(_ context.Context, key string) (*domain.ExtractionResult, bool, error) {
	data, ok := r.ttl.Get(key)
	if !ok {
		return nil, false, nil
	}
	var res domain.ExtractionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

// Set stores res under key.
func (r *Responses) Set(_ context.Context, key string, res *domain.ExtractionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = r.ttl.Set(key, data)
	return err
}

// Close stops the expiry sweep.
func (r *Responses) Close() error { return r.ttl.Close() }
