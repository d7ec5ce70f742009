package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/farmreg/internal/engine"
	"github.com/go-chi/chi/v5"
)

const (
	// maxRequestBodySize bounds a single inbound turn.
	maxRequestBodySize = 64 << 10
	maxTextRunes       = 2000
)

var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:+@-]{1,128}$`)

func validateInbound(in engine.Inbound) error {
	if !subjectIDPattern.MatchString(in.SubjectID) {
		return errors.New("subject_id is missing or malformed")
	}
	if strings.TrimSpace(in.Text) == "" {
		return errors.New("text is required")
	}
	if utf8.RuneCountInString(in.Text) > maxTextRunes {
		return fmt.Errorf("text exceeds %d characters", maxTextRunes)
	}
	return nil
}

// HandleTurn handles POST /api/v1/turns.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var in engine.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateInbound(in); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.allow(in.SubjectID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	JSON(w, http.StatusOK, h.engine.HandleTurn(r.Context(), in))
}

// GetSession handles GET /api/v1/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.engine.Session(r.Context(), sessionID)
	if err != nil {
		h.logger.Warn("Session lookup failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, session)
}
