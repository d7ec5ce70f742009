// Package extract turns a user turn plus conversation context into
// structured field updates and a reply.
package extract

import (
	"context"

	"github.com/ashureev/farmreg/internal/domain"
)

// Request is everything the extractor sees for one turn.
type Request struct {
	Message    string
	History    []domain.Turn
	Missing    []domain.Field
	Language   string
	Firm       bool
	Enrichment *domain.Enrichment
}

// Extractor produces an ExtractionResult for a turn. Implementations return
// a *domain.ExtractionError when the backend answered but no structure or
// reply could be recovered, and any other error when the backend failed.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*domain.ExtractionResult, error)
}

// Completer is a language model backend returning raw text for a prompt.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}
