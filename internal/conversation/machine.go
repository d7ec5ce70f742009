// Package conversation implements the registration state machine: urgency
// latching, off-topic redirection, completion and the efficiency policy.
package conversation

import (
	"maps"

	"github.com/ashureev/farmreg/internal/config"
	"github.com/ashureev/farmreg/internal/domain"
)

// Machine classifies turns and composes deterministic replies.
// It holds no per-session state and is safe for concurrent use.
type Machine struct {
	policy   config.Policy
	urgency  *UrgencyDetector
	required []domain.Field
}

// NewMachine creates a state machine for the given policy.
func NewMachine(policy config.Policy) *Machine {
	return &Machine{
		policy:   policy,
		urgency:  NewUrgencyDetector(policy.UrgencyLexicon),
		required: policy.RequiredFields(),
	}
}

// Required returns the required fields in priority order.
func (m *Machine) Required() []domain.Field { return m.required }

// CheckUrgency reports whether the turn must be handled as URGENT. A lexicon
// hit latches the session; a latched session stays urgent on every later turn.
func (m *Machine) CheckUrgency(s *domain.Session, text string) (term string, urgent bool) {
	if s.UrgencyDetected {
		return "", true
	}
	if term, ok := m.urgency.Detect(text); ok {
		s.LatchUrgency()
		return term, true
	}
	return "", false
}

// Firm reports whether the conversation has run past its target length.
func (m *Machine) Firm(s *domain.Session) bool {
	return s.MessageCount > m.policy.TargetExchanges
}

// NextField returns the highest-priority missing field.
func (m *Machine) NextField(s *domain.Session) (domain.Field, bool) {
	missing := s.MissingFields(m.required)
	if len(missing) == 0 {
		return "", false
	}
	return missing[0], true
}

// ResolvePending applies a yes or no answer to values awaiting confirmation.
// answered is false when nothing was pending or the text was not an answer.
func (m *Machine) ResolvePending(s *domain.Session, text string) (confirmed map[domain.Field]string, answered bool) {
	if len(s.Pending) == 0 {
		return nil, false
	}
	yes, no := ConfirmationAnswer(text)
	switch {
	case yes:
		confirmed = maps.Clone(s.Pending)
		for f, v := range confirmed {
			s.SetField(f, v, 1.0)
		}
		s.ClearPending()
		return confirmed, true
	case no:
		s.ClearPending()
		return nil, true
	default:
		return nil, false
	}
}

// Merge applies validated values under the confidence policy. A stored value
// is only replaced by one of equal or higher confidence. Values below the
// minimum confidence are stored or held for confirmation depending on mode.
func (m *Machine) Merge(s *domain.Session, values map[domain.Field]string, confidence func(domain.Field) float64) (accepted, held map[domain.Field]string) {
	accepted = make(map[domain.Field]string)
	held = make(map[domain.Field]string)
	for _, f := range m.required {
		v, ok := values[f]
		if !ok {
			continue
		}
		conf := confidence(f)
		if _, exists := s.Fields[f]; exists && conf < s.Confidence[f] {
			continue
		}
		if conf < m.policy.MinConfidence && m.policy.LowConfidenceMode == config.LowConfidenceConfirm {
			s.HoldPending(f, v)
			held[f] = v
			continue
		}
		s.SetField(f, v, conf)
		if s.Pending != nil {
			delete(s.Pending, f)
		}
		accepted[f] = v
	}
	return accepted, held
}

// Outcome summarizes what extraction and validation produced for a turn.
type Outcome struct {
	Accepted map[domain.Field]string
	Held     map[domain.Field]string
	Rejected []*domain.ValidationError
	OffTopic bool
	// Reply is the extractor's proposed reply, if any.
	Reply string
	// Fallback is set when the extractor was skipped or failed.
	Fallback bool
	// Unparsed is set when the extractor answered but nothing could be recovered.
	Unparsed bool
}

// Decision is the mode and reply for a turn.
type Decision struct {
	Mode  domain.Mode
	Reply string
}

// Urgent returns the hold decision for a latched session.
func (m *Machine) Urgent(lang string) Decision {
	return Decision{Mode: domain.ModeUrgent, Reply: UrgentReply(lang)}
}

// Decide classifies the turn after the outcome has been merged into s and
// updates status and off-topic count.
func (m *Machine) Decide(s *domain.Session, lang string, o Outcome) Decision {
	next, ok := m.NextField(s)
	if !ok {
		s.Status = domain.StatusCompleted
		s.ClearPending()
		return Decision{Mode: domain.ModeComplete, Reply: ClosingReply(lang, s.Fields[domain.FieldFirstName])}
	}

	if o.OffTopic && len(o.Accepted) == 0 && len(o.Held) == 0 && len(o.Rejected) == 0 {
		s.OffTopicCount++
		return Decision{
			Mode:  domain.ModeOffTopic,
			Reply: RedirectReply(lang, s.OffTopicCount, m.policy.OffTopicFirmThreshold, next),
		}
	}

	var reply string
	switch {
	case len(o.Rejected) > 0:
		reply = ClarifyReply(lang, o.Rejected[0].Field)
	case len(s.Pending) > 0:
		reply = ConfirmReply(lang, s.Pending, m.required)
	case m.Firm(s):
		reply = Prompt(lang, next, true)
	case o.Unparsed:
		reply = RetryReply(lang, next)
	case o.Fallback || o.Reply == "":
		reply = Prompt(lang, next, false)
		if s.MessageCount <= 1 {
			reply = Greeting(lang) + " " + reply
		}
	default:
		reply = o.Reply
	}
	return Decision{Mode: domain.ModeNormal, Reply: reply}
}
