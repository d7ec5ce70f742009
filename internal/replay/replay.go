// Package replay runs scripted conversations against an engine. Scripts are
// YAML files used for regression checks and demos.
package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ashureev/farmreg/internal/engine"
	"gopkg.in/yaml.v3"
)

// Script is a sequence of inbound turns with optional expectations.
type Script struct {
	Name      string            `yaml:"name"`
	SubjectID string            `yaml:"subject_id"`
	Channel   map[string]string `yaml:"channel_metadata,omitempty"`
	Turns     []Step            `yaml:"turns"`
}

// Step is one inbound message. Empty expectations are not checked.
type Step struct {
	Text           string `yaml:"text"`
	SubjectID      string `yaml:"subject_id,omitempty"`
	ExpectStatus   string `yaml:"expect_status,omitempty"`
	ExpectMode     string `yaml:"expect_mode,omitempty"`
	ExpectContains string `yaml:"expect_contains,omitempty"`
}

// Result pairs a step with the engine's response.
type Result struct {
	Step     Step
	Response engine.Response
	Failures []string
}

// Passed reports whether every expectation held.
func (r Result) Passed() bool { return len(r.Failures) == 0 }

// TurnHandler is satisfied by *engine.Engine.
type TurnHandler interface {
	HandleTurn(ctx context.Context, in engine.Inbound) engine.Response
}

// Load reads a script from a YAML file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a script.
func Decode(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if len(s.Turns) == 0 {
		return nil, fmt.Errorf("script %q has no turns", s.Name)
	}
	for i, step := range s.Turns {
		if strings.TrimSpace(step.Text) == "" {
			return nil, fmt.Errorf("turn %d: text is required", i+1)
		}
		if step.SubjectID == "" && s.SubjectID == "" {
			return nil, fmt.Errorf("turn %d: subject_id is required", i+1)
		}
	}
	return &s, nil
}

// Run sends every step in order and checks expectations. It stops early only
// when ctx is done.
func Run(ctx context.Context, h TurnHandler, s *Script) ([]Result, error) {
	results := make([]Result, 0, len(s.Turns))
	for _, step := range s.Turns {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		subject := step.SubjectID
		if subject == "" {
			subject = s.SubjectID
		}
		resp := h.HandleTurn(ctx, engine.Inbound{
			SubjectID:       subject,
			Text:            step.Text,
			ChannelMetadata: s.Channel,
		})
		results = append(results, Result{Step: step, Response: resp, Failures: check(step, resp)})
	}
	return results, nil
}

func check(step Step, resp engine.Response) []string {
	var failures []string
	if step.ExpectStatus != "" && !strings.EqualFold(step.ExpectStatus, string(resp.SessionStatus)) {
		failures = append(failures, fmt.Sprintf("status: want %s, got %s", step.ExpectStatus, resp.SessionStatus))
	}
	if step.ExpectMode != "" && !strings.EqualFold(step.ExpectMode, string(resp.Mode)) {
		failures = append(failures, fmt.Sprintf("mode: want %s, got %s", step.ExpectMode, resp.Mode))
	}
	if step.ExpectContains != "" && !strings.Contains(resp.ReplyText, step.ExpectContains) {
		failures = append(failures, fmt.Sprintf("reply %q does not contain %q", resp.ReplyText, step.ExpectContains))
	}
	return failures
}
