package conversation

import (
	"sort"

	"github.com/ashureev/farmreg/internal/shared"
)

// UrgencyDetector matches text against an emergency lexicon. It never calls
// a language model, so it runs before extraction on every turn.
type UrgencyDetector struct {
	terms []lexTerm
}

type lexTerm struct {
	raw    string
	tokens []string
}

// NewUrgencyDetector builds a detector from a language → terms lexicon.
// Every language is checked on every turn.
func NewUrgencyDetector(lexicon map[string][]string) *UrgencyDetector {
	langs := make([]string, 0, len(lexicon))
	for lang := range lexicon {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	d := &UrgencyDetector{}
	seen := make(map[string]bool)
	for _, lang := range langs {
		for _, term := range lexicon[lang] {
			tokens := shared.Tokens(term)
			key := shared.Fold(term)
			if len(tokens) == 0 || seen[key] {
				continue
			}
			seen[key] = true
			d.terms = append(d.terms, lexTerm{raw: term, tokens: tokens})
		}
	}
	return d
}

// Detect returns the first lexicon term found in text on word boundaries,
// ignoring case and diacritics.
func (d *UrgencyDetector) Detect(text string) (string, bool) {
	tokens := shared.Tokens(text)
	for _, term := range d.terms {
		if shared.ContainsPhrase(tokens, term.tokens) {
			return term.raw, true
		}
	}
	return "", false
}
