package config

import (
	"fmt"
	"os"

	"github.com/ashureev/farmreg/internal/domain"
	"gopkg.in/yaml.v3"
)

// LowConfidenceMode decides what happens to a value below MinConfidence.
type LowConfidenceMode string

const (
	// LowConfidenceAccept stores low-confidence values silently.
	LowConfidenceAccept LowConfidenceMode = "accept"
	// LowConfidenceConfirm withholds the value and asks the user to confirm it.
	LowConfidenceConfirm LowConfidenceMode = "confirm"
)

// Policy holds the tunable conversation policy.
type Policy struct {
	// UrgencyLexicon maps a language code to emergency terms. Matching is
	// case- and accent-insensitive on word boundaries.
	UrgencyLexicon map[string][]string `yaml:"urgency_lexicon"`
	// OffTopicFirmThreshold is the off-topic count from which redirects become insistent.
	OffTopicFirmThreshold int `yaml:"off_topic_firm_threshold"`
	// TargetExchanges is the soft bound on user messages per registration.
	TargetExchanges int `yaml:"target_exchanges"`
	// FieldPriority orders the required fields; empty means the default order.
	FieldPriority []string `yaml:"field_priority"`
	// MinConfidence is the confidence below which LowConfidenceMode applies.
	MinConfidence float64 `yaml:"min_confidence"`
	// LowConfidenceMode is "accept" or "confirm".
	LowConfidenceMode LowConfidenceMode `yaml:"low_confidence_mode"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		UrgencyLexicon: map[string][]string{
			"en": {
				"emergency", "urgent", "dying", "dead", "disease", "outbreak", "infestation",
				"flood", "flooding", "fire", "drought", "hail", "poisoned", "danger", "injured",
				"blight", "locusts", "help me",
			},
			"sl": {
				"nujno", "nujen", "umira", "umirajo", "bolezen", "poplava", "požar", "toča",
				"suša", "nevarno", "nevarnost", "zastrupitev", "škodljivci", "na pomoč",
			},
			"hr": {
				"hitno", "umire", "umiru", "bolest", "poplava", "požar", "tuča", "suša", "opasnost",
			},
		},
		OffTopicFirmThreshold: 2,
		TargetExchanges:       6,
		MinConfidence:         0.5,
		LowConfidenceMode:     LowConfidenceConfirm,
	}
}

// LoadPolicy reads a YAML policy file over the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate checks policy bounds.
func (p Policy) Validate() error {
	if p.OffTopicFirmThreshold < 1 {
		return fmt.Errorf("off_topic_firm_threshold must be >= 1")
	}
	if p.TargetExchanges < 1 {
		return fmt.Errorf("target_exchanges must be >= 1")
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1]")
	}
	switch p.LowConfidenceMode {
	case LowConfidenceAccept, LowConfidenceConfirm:
	default:
		return fmt.Errorf("low_confidence_mode must be accept or confirm, got %q", p.LowConfidenceMode)
	}
	if len(p.FieldPriority) == 0 {
		return nil
	}
	if len(p.FieldPriority) != len(domain.RequiredFields) {
		return fmt.Errorf("field_priority must list all %d required fields", len(domain.RequiredFields))
	}
	seen := make(map[domain.Field]bool, len(p.FieldPriority))
	for _, name := range p.FieldPriority {
		f, ok := domain.ParseField(name)
		if !ok {
			return fmt.Errorf("field_priority: unknown field %q", name)
		}
		if seen[f] {
			return fmt.Errorf("field_priority: duplicate field %q", name)
		}
		seen[f] = true
	}
	return nil
}

// RequiredFields returns the required fields in policy priority order.
func (p Policy) RequiredFields() []domain.Field {
	if len(p.FieldPriority) == 0 {
		return domain.RequiredFields
	}
	out := make([]domain.Field, 0, len(p.FieldPriority))
	for _, name := range p.FieldPriority {
		if f, ok := domain.ParseField(name); ok {
			out = append(out, f)
		}
	}
	return out
}
