package enrich

import (
	"context"
	"sort"
	"sync"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
)

// DefaultCorpusSize bounds the number of remembered snippets.
const DefaultCorpusSize = 500

// Sentiment labels.
const (
	SentimentPositive   = "positive"
	SentimentNeutral    = "neutral"
	SentimentFrustrated = "frustrated"
)

var negativeTerms = []string{
	"angry", "annoyed", "frustrated", "stupid", "useless", "again", "already told",
	"hate", "slow", "ridiculous", "stop asking",
	"jezen", "jezna", "nervozen", "nervozna", "neumno", "spet", "ze rekel", "ze rekla", "pocasi",
}

var positiveTerms = []string{
	"thanks", "thank you", "great", "happy", "glad", "perfect", "nice",
	"hvala", "super", "odlicno", "lepo", "vesel", "vesela",
}

// Local is an in-process Enricher. Similarity is token overlap against a
// bounded corpus of remembered texts; sentiment is lexicon based.
type Local struct {
	mu     sync.RWMutex
	corpus [][]string
	texts  []string
	next   int
	limit  int
}

// NewLocal creates a Local enricher seeded with corpus.
func NewLocal(limit int, corpus ...string) *Local {
	if limit <= 0 {
		limit = DefaultCorpusSize
	}
	l := &Local{limit: limit}
	for _, text := range corpus {
		l.Remember(text)
	}
	return l
}

// Remember adds text to the similarity corpus, replacing the oldest entry
// once the corpus is full.
func (l *Local) Remember(text string) {
	tokens := shared.Tokens(text)
	if len(tokens) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.texts) < l.limit {
		l.texts = append(l.texts, text)
		l.corpus = append(l.corpus, tokens)
		return
	}
	l.texts[l.next] = text
	l.corpus[l.next] = tokens
	l.next = (l.next + 1) % l.limit
}

// SimilaritySearch returns up to topK remembered texts ranked by Jaccard
// similarity of their folded tokens.
func (l *Local) SimilaritySearch(ctx context.Context, text string, topK int) ([]domain.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := tokenSet(shared.Tokens(text))
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	var out []domain.Snippet
	for i, tokens := range l.corpus {
		if score := jaccard(query, tokenSet(tokens)); score > 0 {
			out = append(out, domain.Snippet{Text: l.texts[i], Score: score})
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// ClassifySentiment scores text against small en/sl lexicons.
func (l *Local) ClassifySentiment(ctx context.Context, text string) (*domain.Sentiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := shared.Tokens(text)
	neg, pos := 0, 0
	for _, term := range negativeTerms {
		if shared.ContainsPhrase(tokens, shared.Tokens(term)) {
			neg++
		}
	}
	for _, term := range positiveTerms {
		if shared.ContainsPhrase(tokens, shared.Tokens(term)) {
			pos++
		}
	}
	switch {
	case neg > pos:
		return &domain.Sentiment{Label: SentimentFrustrated, Score: ratio(neg, pos)}, nil
	case pos > neg:
		return &domain.Sentiment{Label: SentimentPositive, Score: ratio(pos, neg)}, nil
	default:
		return &domain.Sentiment{Label: SentimentNeutral, Score: 0.5}, nil
	}
}

func ratio(hit, other int) float64 {
	return float64(hit) / float64(hit+other)
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
