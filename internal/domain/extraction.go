package domain

import "maps"

// ParseOutcome tags how an extractor response was recovered.
type ParseOutcome string

const (
	// OutcomeDeltas means structure was recovered and may carry field updates.
	OutcomeDeltas ParseOutcome = "deltas"
	// OutcomeReplyOnly means only a best-effort reply could be recovered.
	OutcomeReplyOnly ParseOutcome = "reply_only"
	// OutcomeFallback means the rule-based failover produced the reply.
	OutcomeFallback ParseOutcome = "fallback"
)

// ExtractionResult is returned by the field extractor for one call.
type ExtractionResult struct {
	FieldUpdates map[Field]string  `json:"field_updates"`
	Confidence   map[Field]float64 `json:"confidence,omitempty"`
	ReplyText    string            `json:"reply_text"`
	OffTopic     bool              `json:"off_topic"`
	Language     string            `json:"language,omitempty"`
	Outcome      ParseOutcome      `json:"outcome"`
	RawOutput    string            `json:"raw_output,omitempty"`
}

// ConfidenceFor returns the reported confidence for a field, defaulting to 1.
func (r *ExtractionResult) ConfidenceFor(f Field) float64 {
	if c, ok := r.Confidence[f]; ok {
		return c
	}
	return 1.0
}

// Clone returns a deep copy of the result.
func (r *ExtractionResult) Clone() *ExtractionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.FieldUpdates = maps.Clone(r.FieldUpdates)
	c.Confidence = maps.Clone(r.Confidence)
	return &c
}

// Snippet is one ranked result from a similarity lookup.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Sentiment is the emotional-state classification of a turn.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Enrichment is optional context gathered before extraction.
// Either part may be absent when its lookup failed or timed out.
type Enrichment struct {
	Similar   []Snippet  `json:"similar,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

// Empty reports whether no enrichment was gathered.
func (e *Enrichment) Empty() bool {
	return e == nil || (len(e.Similar) == 0 && e.Sentiment == nil)
}
