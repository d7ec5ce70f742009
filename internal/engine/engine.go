// Package engine handles inbound registration turns end to end: session
// resolution, urgency and pending checks, cached or live extraction,
// validation, merging and persistence.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/farmreg/internal/cache"
	"github.com/ashureev/farmreg/internal/conversation"
	"github.com/ashureev/farmreg/internal/convlog"
	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/enrich"
	"github.com/ashureev/farmreg/internal/extract"
	"github.com/ashureev/farmreg/internal/metrics"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/ashureev/farmreg/internal/store"
	"github.com/ashureev/farmreg/internal/validate"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultHistoryWindow is the number of turns kept on a session and sent
// to the extractor.
const DefaultHistoryWindow = 12

// Default bounds for calls the engine makes on behalf of a turn.
const (
	DefaultExtractTimeout = 15 * time.Second
	DefaultStoreTimeout   = 5 * time.Second
)

// Channel metadata keys the engine understands.
const (
	MetaLanguage = "language"
	MetaChannel  = "channel"
)

// Extraction sources reported to metrics.
const (
	sourceCache     = "cache"
	sourceExtractor = "extractor"
	sourceFallback  = "fallback"
)

// Inbound is one message from a channel adapter.
type Inbound struct {
	SubjectID       string            `json:"subject_id"`
	Text            string            `json:"text"`
	ChannelMetadata map[string]string `json:"channel_metadata,omitempty"`
}

// Response is returned for every inbound turn.
type Response struct {
	SessionID     string        `json:"session_id"`
	ReplyText     string        `json:"reply_text"`
	SessionStatus domain.Status `json:"session_status"`
	Mode          domain.Mode   `json:"mode"`
	Degraded      bool          `json:"degraded"`
}

// Corpus receives user texts worth remembering for similarity lookups.
type Corpus interface {
	Remember(text string)
}

type degradedReporter interface {
	Degraded() bool
}

// Config wires the engine's collaborators. Store, Extractor, Machine and
// Breakers are required; everything else is optional.
type Config struct {
	Store         store.SessionStore
	Extractor     extract.Extractor
	Machine       *conversation.Machine
	Breakers      *resilience.Set
	Validators    *validate.Registry
	Cache         cache.ResponseCache
	Enrichment    *enrich.Gatherer
	Corpus        Corpus
	Metrics       *metrics.Recorder
	ConvLog       *convlog.Logger
	Logger        *slog.Logger
	HistoryWindow int
	// ExtractTimeout bounds a shared extraction, which outlives the turn
	// that started it.
	ExtractTimeout time.Duration
	// StoreTimeout bounds each session store call.
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Engine is safe for concurrent use. Turns for the same subject are
// processed one at a time.
type Engine struct {
	store      store.SessionStore
	extractor  extract.Extractor
	machine    *conversation.Machine
	breakers   *resilience.Set
	validators *validate.Registry
	cache      cache.ResponseCache
	enrichment *enrich.Gatherer
	corpus     Corpus
	metrics    *metrics.Recorder
	convlog    *convlog.Logger
	logger     *slog.Logger
	window     int
	extractTTL time.Duration
	storeTTL   time.Duration
	now        func() time.Time

	locks  *keyedMutex
	flight singleflight.Group
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("engine: extractor is required")
	}
	if cfg.Machine == nil {
		return nil, errors.New("engine: state machine is required")
	}
	if cfg.Breakers == nil {
		return nil, errors.New("engine: breakers are required")
	}
	if cfg.Validators == nil {
		cfg.Validators = validate.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		machine:    cfg.Machine,
		breakers:   cfg.Breakers,
		validators: cfg.Validators,
		cache:      cfg.Cache,
		enrichment: cfg.Enrichment,
		corpus:     cfg.Corpus,
		metrics:    cfg.Metrics,
		convlog:    cfg.ConvLog,
		logger:     cfg.Logger,
		window:     cfg.HistoryWindow,
		extractTTL: cfg.ExtractTimeout,
		storeTTL:   cfg.StoreTimeout,
		now:        cfg.Now,
		locks:      newKeyedMutex(),
	}, nil
}

// HandleTurn processes one inbound message and always returns a reply.
func (e *Engine) HandleTurn(ctx context.Context, in Inbound) Response {
	start := e.now()
	text := strings.TrimSpace(in.Text)

	unlock := e.locks.Lock(in.SubjectID)
	defer unlock()

	session, degraded := e.loadSession(ctx, in.SubjectID)
	session.MessageCount++

	hint := in.ChannelMetadata[MetaLanguage]
	lang := conversation.ResolveLanguage(hint, session.Language, text)
	if l := conversation.NormalizeLanguage(hint); l != "" {
		session.Language = l
	} else if session.Language == "" {
		session.Language = conversation.DetectLanguage(text)
	}

	var (
		delta    map[domain.Field]string
		decision conversation.Decision
	)
	if term, urgent := e.machine.CheckUrgency(session, text); urgent {
		if term != "" {
			e.logger.Warn("Urgency detected, registration paused",
				"session_id", session.SessionID, "subject_id", session.SubjectID, "term", term)
		}
		decision = e.machine.Urgent(lang)
	} else {
		delta, decision = e.collect(ctx, session, lang, text)
	}

	now := e.now()
	session.RecordTurn(domain.RoleUser, text, delta, e.window, now)
	session.RecordTurn(domain.RoleSystem, decision.Reply, nil, e.window, now)

	saveCtx, cancel := context.WithTimeout(ctx, e.storeTTL)
	err := e.store.Save(saveCtx, session)
	cancel()
	if err != nil {
		e.logger.Warn("Failed to persist session", "session_id", session.SessionID, "error", err)
		degraded = true
	}
	if r, ok := e.store.(degradedReporter); ok && r.Degraded() {
		degraded = true
	}

	resp := Response{
		SessionID:     session.SessionID,
		ReplyText:     decision.Reply,
		SessionStatus: session.Status,
		Mode:          decision.Mode,
		Degraded:      degraded,
	}
	e.record(in, session, resp, delta, e.now().Sub(start))
	return resp
}

// Session returns a snapshot of a session, or nil if it does not exist.
func (e *Engine) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTTL)
	defer cancel()
	return e.store.Get(ctx, sessionID)
}

// loadSession finds the subject's open session or starts a new one. When the
// store fails outright the turn runs on a transient session.
func (e *Engine) loadSession(ctx context.Context, subjectID string) (*domain.Session, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTTL)
	defer cancel()

	id, err := e.store.ActiveSessionID(ctx, subjectID)
	if err != nil {
		e.logger.Warn("Failed to look up active session", "subject_id", subjectID, "error", err)
		return domain.NewSession(uuid.NewString(), subjectID, e.now()), true
	}
	if id == "" {
		id = uuid.NewString()
	}
	session, err := e.store.GetOrCreate(ctx, id, subjectID)
	if err != nil {
		e.logger.Warn("Failed to load session", "session_id", id, "error", err)
		return domain.NewSession(id, subjectID, e.now()), true
	}
	return session, false
}

// collect runs the registration path for a non-urgent turn.
func (e *Engine) collect(ctx context.Context, s *domain.Session, lang, text string) (map[domain.Field]string, conversation.Decision) {
	if confirmed, answered := e.machine.ResolvePending(s, text); answered {
		return confirmed, e.machine.Decide(s, lang, conversation.Outcome{Accepted: confirmed, Fallback: true})
	}

	req := extract.Request{
		Message:  text,
		History:  s.RecentTurns(e.window),
		Missing:  s.MissingFields(e.machine.Required()),
		Language: lang,
		Firm:     e.machine.Firm(s),
	}
	key := cache.Key(text, cache.ContextKey{
		Missing:  req.Missing,
		Urgent:   s.UrgencyDetected,
		Pending:  len(s.Pending) > 0,
		Firm:     req.Firm,
		Language: lang,
	})

	res, err := e.extract(ctx, key, req)
	if err != nil {
		unparsed := errors.Is(err, domain.ErrExtraction)
		if unparsed {
			e.logger.Warn("Extraction unrecoverable, using rule-based reply", "session_id", s.SessionID, "error", err)
		} else {
			e.logger.Warn("Extractor unavailable, using rule-based reply", "session_id", s.SessionID, "error", err)
		}
		e.metrics.ObserveExtraction(sourceFallback, string(domain.OutcomeFallback))
		return nil, e.machine.Decide(s, lang, conversation.Outcome{Fallback: true, Unparsed: unparsed})
	}

	values := make(map[domain.Field]string, len(res.FieldUpdates))
	var rejected []*domain.ValidationError
	for _, f := range e.machine.Required() {
		raw, ok := res.FieldUpdates[f]
		if !ok {
			continue
		}
		result := e.validators.Validate(f, raw)
		if !result.Accepted() {
			e.logger.Info("Rejected extracted value", "session_id", s.SessionID, "field", f, "reason", result.Err.Reason)
			rejected = append(rejected, result.Err)
			continue
		}
		values[f] = result.Value
	}

	accepted, held := e.machine.Merge(s, values, res.ConfidenceFor)
	if len(accepted) > 0 && e.corpus != nil {
		e.corpus.Remember(text)
	}
	decision := e.machine.Decide(s, lang, conversation.Outcome{
		Accepted: accepted,
		Held:     held,
		Rejected: rejected,
		OffTopic: res.OffTopic,
		Reply:    res.ReplyText,
	})
	if len(accepted) == 0 {
		return nil, decision
	}
	return accepted, decision
}

// extract serves a result from the cache or the extractor. Concurrent
// misses for the same key share one extractor call, which runs detached from
// the caller that started it so one disconnect does not fail the others.
// Callers get their own copy.
func (e *Engine) extract(ctx context.Context, key string, req extract.Request) (*domain.ExtractionResult, error) {
	if res, ok := e.cached(ctx, key); ok {
		e.metrics.ObserveExtraction(sourceCache, string(res.Outcome))
		return res, nil
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.extractTTL)
		defer cancel()

		if e.enrichment != nil {
			req.Enrichment = e.enrichment.Gather(ctx, req.Message)
		}
		res, err := e.callExtractor(ctx, req)
		if err != nil {
			return nil, err
		}
		e.metrics.ObserveExtraction(sourceExtractor, string(res.Outcome))
		e.cacheResult(ctx, key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ExtractionResult).Clone(), nil
}

// callExtractor runs the extractor behind its breaker. An unparseable answer
// means the backend responded, so it does not count against the breaker.
func (e *Engine) callExtractor(ctx context.Context, req extract.Request) (*domain.ExtractionResult, error) {
	var parseErr error
	res, err := resilience.Call(ctx, e.breakers.Extractor, func(ctx context.Context) (*domain.ExtractionResult, error) {
		res, err := e.extractor.Extract(ctx, req)
		if errors.Is(err, domain.ErrExtraction) {
			parseErr = err
			return nil, nil
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if res == nil {
		return nil, &domain.ExtractionError{Stage: "empty", Err: errors.New("extractor returned no result")}
	}
	return res, nil
}

func (e *Engine) cached(ctx context.Context, key string) (*domain.ExtractionResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	var hit bool
	res, err := resilience.Call(ctx, e.breakers.Cache, func(ctx context.Context) (*domain.ExtractionResult, error) {
		res, ok, err := e.cache.Get(ctx, key)
		hit = ok
		return res, err
	})
	if err != nil {
		e.logger.Debug("Cache lookup bypassed", "error", err)
		return nil, false
	}
	return res, hit && res != nil
}

func (e *Engine) cacheResult(ctx context.Context, key string, res *domain.ExtractionResult) {
	if e.cache == nil {
		return
	}
	err := e.breakers.Cache.Execute(ctx, func(ctx context.Context) error {
		return e.cache.Set(ctx, key, res)
	})
	if err != nil {
		e.logger.Debug("Cache write skipped", "error", err)
	}
}

func (e *Engine) record(in Inbound, s *domain.Session, resp Response, delta map[domain.Field]string, elapsed time.Duration) {
	e.metrics.ObserveTurn(string(resp.Mode), string(resp.SessionStatus), elapsed)

	channel := in.ChannelMetadata[MetaChannel]
	e.convlog.Log(convlog.Event{
		SubjectID:  s.SubjectID,
		SessionID:  s.SessionID,
		Channel:    channel,
		Direction:  convlog.DirectionInbound,
		EventType:  convlog.EventUserMessage,
		Fields:     fieldStrings(delta),
		ContentRaw: in.Text,
	})
	e.convlog.Log(convlog.Event{
		SubjectID: s.SubjectID,
		SessionID: s.SessionID,
		Channel:   channel,
		Direction: convlog.DirectionOutbound,
		EventType: convlog.EventSystemReply,
		Mode:      string(resp.Mode),
		Status:    string(resp.SessionStatus),
		Degraded:  resp.Degraded,
		Content:   resp.ReplyText,
	})

	if resp.Mode == domain.ModeComplete {
		e.metrics.SessionCompleted()
		e.convlog.Log(convlog.Event{
			SubjectID: s.SubjectID,
			SessionID: s.SessionID,
			Channel:   channel,
			Direction: convlog.DirectionOutbound,
			EventType: convlog.EventSessionCompleted,
			Status:    string(resp.SessionStatus),
			Fields:    fieldStrings(s.Fields),
			Content:   resp.ReplyText,
		})
		e.logger.Info("Registration completed", "session_id", s.SessionID, "subject_id", s.SubjectID, "messages", s.MessageCount)
	}
}

func fieldStrings(fields map[domain.Field]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for f, v := range fields {
		out[string(f)] = v
	}
	return out
}
