package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/farmreg/internal/config"
	"github.com/ashureev/farmreg/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompleter returns a canned response and records the prompts it saw.
type fakeCompleter struct {
	response string
	err      error
	system   string
	prompt   string
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return f.response, f.err
}

func TestLLMExtractorMultiFieldTurn(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{response: `{"fields": {"first_name": "Ana", "last_name": "Horvat", "farm_location": "Ljubljana", "primary_crops": "tomatoes"}, "reply": "Thanks Ana! What phone number can we reach you on?", "off_topic": false}`}
	ex := NewLLMExtractor(fc, time.Second, nil)

	res, err := ex.Extract(context.Background(), Request{
		Message:  "I'm Ana Horvat from Ljubljana, I grow tomatoes",
		Missing:  domain.RequiredFields,
		Language: "en",
	})
	require.NoError(t, err)
	assert.Len(t, res.FieldUpdates, 4)
	assert.Equal(t, "Ana", res.FieldUpdates[domain.FieldFirstName])
	assert.Equal(t, "Horvat", res.FieldUpdates[domain.FieldLastName])
	assert.Equal(t, "Ljubljana", res.FieldUpdates[domain.FieldFarmLocation])
	assert.Equal(t, "tomatoes", res.FieldUpdates[domain.FieldPrimaryCrops])

	assert.Contains(t, fc.system, "phone_number")
	assert.Contains(t, fc.prompt, "I'm Ana Horvat from Ljubljana")
}

func TestLLMExtractorDropsFabricatedValues(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{response: `{"fields": {"first_name": "Peter", "farm_location": "Maribor", "phone_number": "+38640123456"}, "confidence": {"farm_location": 0.9}, "reply": "ok"}`}
	ex := NewLLMExtractor(fc, time.Second, nil)

	res, err := ex.Extract(context.Background(), Request{Message: "Peter here, call me on 040 123 456"})
	require.NoError(t, err)
	assert.Equal(t, "Peter", res.FieldUpdates[domain.FieldFirstName])
	assert.NotContains(t, res.FieldUpdates, domain.FieldFarmLocation)
	assert.NotContains(t, res.Confidence, domain.FieldFarmLocation)
	assert.NotContains(t, res.FieldUpdates, domain.FieldPhoneNumber, "the number was never written in full")
}

func TestLLMExtractorPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	ex := NewLLMExtractor(&fakeCompleter{err: boom}, time.Second, nil)
	_, err := ex.Extract(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrExtraction)

	ex = NewLLMExtractor(&fakeCompleter{response: `{"broken": `}, time.Second, nil)
	_, err = ex.Extract(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrExtraction)
}

func TestGroundAccentsAndInflection(t *testing.T) {
	t.Parallel()

	kept, dropped := Ground(map[domain.Field]string{
		domain.FieldLastName:     "Knaflič",
		domain.FieldPrimaryCrops: "paradižnik",
		domain.FieldFarmLocation: "Kranj",
	}, "knaflic, gojim paradižnike")
	assert.Equal(t, "Knaflič", kept[domain.FieldLastName])
	assert.Equal(t, "paradižnik", kept[domain.FieldPrimaryCrops])
	assert.Equal(t, []domain.Field{domain.FieldFarmLocation}, dropped)
}

func TestSystemPromptIncludesContext(t *testing.T) {
	t.Parallel()

	req := Request{
		Message:  "hello",
		Missing:  []domain.Field{domain.FieldPhoneNumber},
		Language: "sl",
		Firm:     true,
		Enrichment: &domain.Enrichment{
			Sentiment: &domain.Sentiment{Label: "frustrated", Score: 0.8},
			Similar:   []domain.Snippet{{Text: "Moja številka je 040 123 456", Score: 0.7}},
		},
		History: []domain.Turn{{Role: domain.RoleSystem, Text: "Kako vam je ime?"}},
	}
	sys := SystemPrompt(req)
	assert.Contains(t, sys, "phone_number")
	assert.Contains(t, sys, `"sl"`)
	assert.Contains(t, sys, "be brief")
	assert.Contains(t, sys, "frustrated")
	assert.Contains(t, sys, "Moja številka")
	assert.Contains(t, UserPrompt(req), "assistant: Kako vam je ime?")
}

func TestOpenAICompleter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{\"reply\": \"hi\"}"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL+"/v1/", "secret", "llama3", srv.Client())
	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"reply": "hi"}`, out)
}

func TestOpenAICompleterStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, strings.Repeat("x", 500), http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAICompleter(srv.URL, "", "m", srv.Client())
	_, err := c.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRulesExtractor(t *testing.T) {
	t.Parallel()

	all := domain.RequiredFields
	tests := []struct {
		name     string
		message  string
		missing  []domain.Field
		want     map[domain.Field]string
		offTopic bool
	}{
		{
			name:    "bare name answers the name prompt",
			message: "Peter Knaflič",
			missing: all,
			want:    map[domain.Field]string{domain.FieldFirstName: "Peter", domain.FieldLastName: "Knaflič"},
		},
		{
			name:    "greeting and lead-in are stripped",
			message: "hi, I'm from Celje",
			missing: []domain.Field{domain.FieldFarmLocation},
			want:    map[domain.Field]string{domain.FieldFarmLocation: "Celje"},
		},
		{
			name:    "crop list with a connective",
			message: "corn and wheat",
			missing: []domain.Field{domain.FieldPrimaryCrops, domain.FieldPhoneNumber},
			want:    map[domain.Field]string{domain.FieldPrimaryCrops: "corn and wheat"},
		},
		{
			name:    "phone number is not taken as crops",
			message: "+386 40 123 456",
			missing: []domain.Field{domain.FieldPrimaryCrops, domain.FieldPhoneNumber},
			want:    map[domain.Field]string{domain.FieldPhoneNumber: "+386 40 123 456"},
		},
		{
			name:    "short digit run only when the phone was asked for",
			message: "123",
			missing: []domain.Field{domain.FieldPhoneNumber},
			want:    map[domain.Field]string{domain.FieldPhoneNumber: "123"},
		},
		{
			name:    "lead-ins split one turn across fields",
			message: "I'm Ana Horvat from Ljubljana, I grow tomatoes",
			missing: all,
			want: map[domain.Field]string{
				domain.FieldFirstName:    "Ana",
				domain.FieldLastName:     "Horvat",
				domain.FieldFarmLocation: "Ljubljana",
				domain.FieldPrimaryCrops: "tomatoes",
			},
		},
		{
			name:    "crop list continues across commas",
			message: "we grow potatoes, onions and garlic. My number is 040 123 4567",
			missing: []domain.Field{domain.FieldPrimaryCrops, domain.FieldPhoneNumber},
			want: map[domain.Field]string{
				domain.FieldPrimaryCrops: "potatoes, onions and garlic",
				domain.FieldPhoneNumber:  "040 123 4567",
			},
		},
		{
			name:    "slovene lead-ins",
			message: "Ime mi je Maja Kovač, živim v Novem mestu",
			missing: all,
			want: map[domain.Field]string{
				domain.FieldFirstName:    "Maja",
				domain.FieldLastName:     "Kovač",
				domain.FieldFarmLocation: "Novem mestu",
			},
		},
		{
			name:    "plain answer goes to the next missing field",
			message: "Ljubljana",
			missing: []domain.Field{domain.FieldFarmLocation, domain.FieldPrimaryCrops, domain.FieldPhoneNumber},
			want:    map[domain.Field]string{domain.FieldFarmLocation: "Ljubljana"},
		},
		{
			name:    "only missing fields are filled",
			message: "I'm Ana from Kranj",
			missing: []domain.Field{domain.FieldFarmLocation, domain.FieldPrimaryCrops, domain.FieldPhoneNumber},
			want:    map[domain.Field]string{domain.FieldFarmLocation: "Kranj"},
		},
		{
			name:     "a sentence is not a name",
			message:  "my crocodile ate my tractor",
			missing:  all,
			want:     map[domain.Field]string{},
			offTopic: true,
		},
		{
			name:     "a question is not an answer",
			message:  "what's the weather like today?",
			missing:  []domain.Field{domain.FieldFarmLocation},
			want:     map[domain.Field]string{},
			offTopic: true,
		},
		{
			name:     "small talk after a name lead-in",
			message:  "I am fine, thanks",
			missing:  all,
			want:     map[domain.Field]string{},
			offTopic: true,
		},
		{
			name:     "greeting alone",
			message:  "hello",
			missing:  all,
			want:     map[domain.Field]string{},
			offTopic: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Rules{}.Extract(context.Background(), Request{Message: tt.message, Missing: tt.missing})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.FieldUpdates)
			assert.Equal(t, tt.offTopic, res.OffTopic)
			assert.Equal(t, domain.OutcomeDeltas, res.Outcome)
		})
	}
}

func TestRulesExtractorWithNothingMissing(t *testing.T) {
	t.Parallel()

	res, err := Rules{}.Extract(context.Background(), Request{Message: "my crocodile ate my tractor"})
	require.NoError(t, err)
	assert.Empty(t, res.FieldUpdates)
	assert.False(t, res.OffTopic)
}

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	ex, err := New(context.Background(), config.ExtractorConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Rules{}, ex)

	ex, err = New(context.Background(), config.ExtractorConfig{
		Provider: "openai",
		BaseURL:  "http://localhost:11434/v1",
		Model:    "llama3",
		Timeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LLMExtractor{}, ex)

	_, err = New(context.Background(), config.ExtractorConfig{Provider: "bard"}, nil)
	assert.Error(t, err)
}
