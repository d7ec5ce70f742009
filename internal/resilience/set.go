package resilience

// Dependency names used for breakers, metrics and logs.
const (
	DepExtractor  = "extractor"
	DepCache      = "cache"
	DepStore      = "store"
	DepEnrichment = "enrichment"
)

// Set owns one breaker per external dependency. Breakers are shared across
// all sessions because they track dependency health, not conversation state.
type Set struct {
	Extractor  *Breaker
	Cache      *Breaker
	Store      *Breaker
	Enrichment *Breaker
}

// NewSet builds a breaker for every dependency with the same config and options.
func NewSet(cfg Config, opts ...Option) *Set {
	return &Set{
		Extractor:  NewBreaker(DepExtractor, cfg, opts...),
		Cache:      NewBreaker(DepCache, cfg, opts...),
		Store:      NewBreaker(DepStore, cfg, opts...),
		Enrichment: NewBreaker(DepEnrichment, cfg, opts...),
	}
}

// All returns the breakers in a stable order.
func (s *Set) All() []*Breaker {
	return []*Breaker{s.Extractor, s.Cache, s.Store, s.Enrichment}
}

// Snapshot returns the status of every breaker.
func (s *Set) Snapshot() []Status {
	all := s.All()
	out := make([]Status, 0, len(all))
	for _, b := range all {
		out = append(out, b.Status())
	}
	return out
}

// Stop stops all cooldown timers.
func (s *Set) Stop() {
	for _, b := range s.All() {
		b.Stop()
	}
}
