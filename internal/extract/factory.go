package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/farmreg/internal/config"
)

// New builds the extractor selected by cfg.Provider. "none" returns the
// rule-based extractor.
func New(ctx context.Context, cfg config.ExtractorConfig, logger *slog.Logger) (Extractor, error) {
	switch cfg.Provider {
	case "genai":
		completer, err := NewGenAICompleter(ctx, cfg.GoogleAPIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return NewLLMExtractor(completer, cfg.Timeout, logger), nil
	case "openai":
		completer := NewOpenAICompleter(cfg.BaseURL, cfg.OpenAIAPIKey, cfg.Model, &http.Client{Timeout: cfg.Timeout})
		return NewLLMExtractor(completer, cfg.Timeout, logger), nil
	case "none", "":
		return Rules{}, nil
	default:
		return nil, fmt.Errorf("unknown extractor provider %q", cfg.Provider)
	}
}
