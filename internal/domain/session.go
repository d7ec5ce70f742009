// Package domain contains core domain types for the registration engine.
package domain

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a registration session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusUrgent    Status = "URGENT"
	StatusCompleted Status = "COMPLETED"
	StatusAbandoned Status = "ABANDONED"
)

// IsOpen reports whether a session in this status still accepts turns.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusUrgent
}

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Turn is a single message in a registration dialogue.
type Turn struct {
	Seq             int              `json:"seq"`
	Role            Role             `json:"role"`
	Text            string           `json:"text"`
	Timestamp       time.Time        `json:"ts"`
	ExtractionDelta map[Field]string `json:"extraction_delta,omitempty"`
}

// Session holds the state of one ongoing registration dialogue.
type Session struct {
	SessionID       string            `json:"session_id"`
	SubjectID       string            `json:"subject_id"`
	Status          Status            `json:"status"`
	MessageCount    int               `json:"message_count"`
	OffTopicCount   int               `json:"off_topic_count"`
	UrgencyDetected bool              `json:"urgency_detected"`
	Language        string            `json:"language,omitempty"`
	Fields          map[Field]string  `json:"fields"`
	Confidence      map[Field]float64 `json:"confidence,omitempty"`
	Pending         map[Field]string  `json:"pending,omitempty"`
	History         []Turn            `json:"history"`
	TurnSeq         int               `json:"turn_seq"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewSession returns a fresh ACTIVE session with empty fields and history.
func NewSession(sessionID, subjectID string, now time.Time) *Session {
	return &Session{
		SessionID:  sessionID,
		SubjectID:  subjectID,
		Status:     StatusActive,
		Fields:     make(map[Field]string),
		Confidence: make(map[Field]float64),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MissingFields returns the required fields not yet present, in priority order.
func (s *Session) MissingFields(required []Field) []Field {
	missing := make([]Field, 0, len(required))
	for _, f := range required {
		if _, ok := s.Fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// LatchUrgency marks the session urgent. The latch never resets.
func (s *Session) LatchUrgency() {
	s.UrgencyDetected = true
	s.Status = StatusUrgent
}

// RecordTurn appends a turn to the history and trims it to the last window turns.
// A window of zero or less keeps the full history.
func (s *Session) RecordTurn(role Role, text string, delta map[Field]string, window int, now time.Time) Turn {
	s.TurnSeq++
	t := Turn{
		Seq:             s.TurnSeq,
		Role:            role,
		Text:            text,
		Timestamp:       now,
		ExtractionDelta: delta,
	}
	s.History = append(s.History, t)
	if window > 0 && len(s.History) > window {
		s.History = slices.Clone(s.History[len(s.History)-window:])
	}
	s.UpdatedAt = now
	return t
}

// RecentTurns returns the last n turns from history.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// SetField stores an accepted value for a field with its confidence.
func (s *Session) SetField(f Field, value string, confidence float64) {
	if s.Fields == nil {
		s.Fields = make(map[Field]string)
	}
	if s.Confidence == nil {
		s.Confidence = make(map[Field]float64)
	}
	s.Fields[f] = value
	s.Confidence[f] = confidence
}

// HoldPending records a low-confidence value awaiting the user's confirmation.
func (s *Session) HoldPending(f Field, value string) {
	if s.Pending == nil {
		s.Pending = make(map[Field]string)
	}
	s.Pending[f] = value
}

// ClearPending drops every value awaiting confirmation.
func (s *Session) ClearPending() {
	s.Pending = nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = maps.Clone(s.Fields)
	c.Confidence = maps.Clone(s.Confidence)
	c.Pending = maps.Clone(s.Pending)
	if c.Fields == nil {
		c.Fields = make(map[Field]string)
	}
	if c.Confidence == nil {
		c.Confidence = make(map[Field]float64)
	}
	c.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		t.ExtractionDelta = maps.Clone(t.ExtractionDelta)
		c.History[i] = t
	}
	return &c
}
