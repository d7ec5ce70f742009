package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/farmreg/internal/domain"
)

// Parse stage names, in the order they are tried.
const (
	StageDirect    = "direct"
	StageFenced    = "fenced"
	StageLabeled   = "labeled"
	StageHeuristic = "heuristic"
)

var (
	// fencedBlockPattern matches a JSON object inside a markdown code block.
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// objectPattern matches the outermost braces anywhere in the text.
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	// labeledLinePattern matches "label: value" or "label = value" lines.
	labeledLinePattern = regexp.MustCompile(`^\s*(?:[-*•]\s*)?\**([A-Za-z][A-Za-z _]{1,30}?)\**\s*[:=]\s*(.+?)\s*$`)
	// fencePattern matches markdown fences left in a plain-text reply.
	fencePattern = regexp.MustCompile("```[a-zA-Z]*")
)

var errNoEnvelope = errors.New("no envelope keys")

// Parse recovers an ExtractionResult from raw model output through an ordered
// chain: direct JSON, a fenced or embedded JSON block, labeled lines, and a
// reply-only heuristic. It returns a *domain.ExtractionError when every stage fails.
func Parse(raw string) (*domain.ExtractionResult, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &domain.ExtractionError{Stage: StageHeuristic, Raw: raw, Err: errors.New("empty response")}
	}

	if res, err := parseEnvelope(trimmed); err == nil {
		res.RawOutput = raw
		return res, nil
	}

	if block := delimitedBlock(trimmed); block != "" {
		if res, err := parseEnvelope(cleanJSON(block)); err == nil {
			res.RawOutput = raw
			return res, nil
		}
	}

	if res, ok := parseLabeled(trimmed); ok {
		res.RawOutput = raw
		return res, nil
	}

	if reply, ok := heuristicReply(trimmed); ok {
		return &domain.ExtractionResult{
			FieldUpdates: map[domain.Field]string{},
			ReplyText:    reply,
			Outcome:      domain.OutcomeReplyOnly,
			RawOutput:    raw,
		}, nil
	}

	return nil, &domain.ExtractionError{Stage: StageHeuristic, Raw: raw, Err: errors.New("no recoverable structure or reply")}
}

func delimitedBlock(s string) string {
	if m := fencedBlockPattern.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return objectPattern.FindString(s)
}

// cleanJSON removes // comments outside strings and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

func parseEnvelope(s string) (*domain.ExtractionResult, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}

	res := &domain.ExtractionResult{
		FieldUpdates: map[domain.Field]string{},
		Outcome:      domain.OutcomeDeltas,
	}
	recognized := false

	fields, _ := obj["fields"].(map[string]any)
	if fields == nil {
		// Some models flatten the field map into the top level.
		fields = obj
	} else {
		recognized = true
	}
	for k, v := range fields {
		f, ok := lookupField(k)
		if !ok {
			continue
		}
		recognized = true
		if val := stringify(v); val != "" {
			res.FieldUpdates[f] = val
		}
	}

	if conf, ok := obj["confidence"].(map[string]any); ok {
		for k, v := range conf {
			f, ok := lookupField(k)
			if !ok {
				continue
			}
			if c, ok := toFloat(v); ok {
				if res.Confidence == nil {
					res.Confidence = map[domain.Field]float64{}
				}
				res.Confidence[f] = clamp01(c)
			}
		}
	}

	for _, key := range []string{"reply", "reply_text", "response", "message"} {
		if r, ok := obj[key].(string); ok {
			res.ReplyText = strings.TrimSpace(r)
			recognized = true
			break
		}
	}
	if ot, ok := obj["off_topic"]; ok {
		recognized = true
		res.OffTopic = truthy(ot)
	}
	if lang, ok := obj["language"].(string); ok {
		res.Language = strings.ToLower(strings.TrimSpace(lang))
	}

	if !recognized {
		return nil, errNoEnvelope
	}
	return res, nil
}

var fieldAliases = map[string]domain.Field{
	"first_name":    domain.FieldFirstName,
	"firstname":     domain.FieldFirstName,
	"first name":    domain.FieldFirstName,
	"given name":    domain.FieldFirstName,
	"last_name":     domain.FieldLastName,
	"lastname":      domain.FieldLastName,
	"last name":     domain.FieldLastName,
	"surname":       domain.FieldLastName,
	"family name":   domain.FieldLastName,
	"farm_location": domain.FieldFarmLocation,
	"farm location": domain.FieldFarmLocation,
	"location":      domain.FieldFarmLocation,
	"primary_crops": domain.FieldPrimaryCrops,
	"primary crops": domain.FieldPrimaryCrops,
	"crops":         domain.FieldPrimaryCrops,
	"phone_number":  domain.FieldPhoneNumber,
	"phone number":  domain.FieldPhoneNumber,
	"phone":         domain.FieldPhoneNumber,
}

func lookupField(name string) (domain.Field, bool) {
	f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

// parseLabeled reads "label: value" lines. It succeeds when at least one
// known field or reply label is present.
func parseLabeled(s string) (*domain.ExtractionResult, bool) {
	res := &domain.ExtractionResult{
		FieldUpdates: map[domain.Field]string{},
		Outcome:      domain.OutcomeDeltas,
	}
	found := false
	for _, line := range strings.Split(s, "\n") {
		m := labeledLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(m[1]))
		value := strings.Trim(strings.TrimSpace(m[2]), `"'`)
		switch label {
		case "reply", "response", "message":
			res.ReplyText = value
			found = true
		case "off_topic", "off topic":
			res.OffTopic = truthy(value)
			found = true
		case "language":
			res.Language = strings.ToLower(value)
		default:
			if f, ok := lookupField(label); ok {
				found = true
				if !isNullish(value) {
					res.FieldUpdates[f] = value
				}
			}
		}
	}
	return res, found
}

func isNullish(v string) bool {
	switch strings.ToLower(v) {
	case "", "null", "none", "n/a", "unknown", "-":
		return true
	}
	return false
}

// heuristicReply accepts prose that is not broken JSON as a reply.
func heuristicReply(s string) (string, bool) {
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return "", false
	}
	reply := strings.TrimSpace(fencePattern.ReplaceAllString(s, ""))
	if reply == "" || strings.ContainsAny(reply[:1], "{}[]") {
		return "", false
	}
	return reply, true
}

// describe is used in log lines.
func describe(res *domain.ExtractionResult) string {
	return fmt.Sprintf("outcome=%s fields=%d off_topic=%t", res.Outcome, len(res.FieldUpdates), res.OffTopic)
}
