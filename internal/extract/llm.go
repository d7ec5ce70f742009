package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
)

// LLMExtractor asks a language model for a structured envelope and parses it.
type LLMExtractor struct {
	completer Completer
	timeout   time.Duration
	logger    *slog.Logger
}

// NewLLMExtractor creates an extractor over completer. Each call is bounded by timeout.
func NewLLMExtractor(completer Completer, timeout time.Duration, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{completer: completer, timeout: timeout, logger: logger}
}

// Extract runs one completion, parses it and removes ungrounded values.
func (e *LLMExtractor) Extract(ctx context.Context, req Request) (*domain.ExtractionResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	raw, err := e.completer.Complete(ctx, SystemPrompt(req), UserPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", e.completer.Name(), err)
	}

	res, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	kept, dropped := Ground(res.FieldUpdates, req.Message)
	if len(dropped) > 0 {
		e.logger.Debug("Dropped ungrounded field values", "fields", dropped, "backend", e.completer.Name())
		for _, f := range dropped {
			delete(res.Confidence, f)
		}
	}
	res.FieldUpdates = kept
	e.logger.Debug("Extraction parsed", "backend", e.completer.Name(), "result", describe(res))
	return res, nil
}
