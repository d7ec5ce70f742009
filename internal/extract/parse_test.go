package extract

import (
	"errors"
	"testing"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectEnvelope(t *testing.T) {
	t.Parallel()

	raw := `{"fields": {"first_name": "Ana", "last_name": "Horvat", "farm_location": "Ljubljana", "primary_crops": ["tomatoes"]},
		"confidence": {"first_name": 0.95}, "reply": "Nice to meet you, Ana!", "off_topic": false, "language": "EN"}`
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDeltas, res.Outcome)
	assert.Equal(t, map[domain.Field]string{
		domain.FieldFirstName:    "Ana",
		domain.FieldLastName:     "Horvat",
		domain.FieldFarmLocation: "Ljubljana",
		domain.FieldPrimaryCrops: "tomatoes",
	}, res.FieldUpdates)
	assert.InDelta(t, 0.95, res.ConfidenceFor(domain.FieldFirstName), 1e-9)
	assert.InDelta(t, 1.0, res.ConfidenceFor(domain.FieldLastName), 1e-9)
	assert.Equal(t, "Nice to meet you, Ana!", res.ReplyText)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, raw, res.RawOutput)
}

func TestParseFencedBlockWithArtifacts(t *testing.T) {
	t.Parallel()

	raw := "Sure! Here is the result:\n```json\n{\n  \"fields\": {\"phone_number\": 38640123456}, // digits\n  \"reply\": \"Thanks!\",\n}\n```"
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "38640123456", res.FieldUpdates[domain.FieldPhoneNumber])
	assert.Equal(t, "Thanks!", res.ReplyText)
}

func TestParseEmbeddedObject(t *testing.T) {
	t.Parallel()

	res, err := Parse(`The answer is {"off_topic": true, "reply": "Let's get back to your farm."} hope that helps`)
	require.NoError(t, err)
	assert.True(t, res.OffTopic)
	assert.Empty(t, res.FieldUpdates)
}

func TestParseFlattenedFields(t *testing.T) {
	t.Parallel()

	res, err := Parse(`{"first_name": "Peter", "reply": "Hi Peter"}`)
	require.NoError(t, err)
	assert.Equal(t, "Peter", res.FieldUpdates[domain.FieldFirstName])
}

func TestParseLabeledLines(t *testing.T) {
	t.Parallel()

	raw := "First name: Peter\nSurname: Knaflič\nLocation: null\nReply: Hvala, Peter!"
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDeltas, res.Outcome)
	assert.Equal(t, "Peter", res.FieldUpdates[domain.FieldFirstName])
	assert.Equal(t, "Knaflič", res.FieldUpdates[domain.FieldLastName])
	assert.NotContains(t, res.FieldUpdates, domain.FieldFarmLocation)
	assert.Equal(t, "Hvala, Peter!", res.ReplyText)
}

func TestParseHeuristicReplyOnly(t *testing.T) {
	t.Parallel()

	res, err := Parse("Thanks Peter! Where is your farm located?")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeReplyOnly, res.Outcome)
	assert.Empty(t, res.FieldUpdates, "heuristic stage never yields field updates")
	assert.Equal(t, "Thanks Peter! Where is your farm located?", res.ReplyText)
}

func TestParseFailsOnBrokenJSON(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   ", `{"fields": {"first_name": "Ana"`, "[1, 2"} {
		_, err := Parse(raw)
		require.Error(t, err, "input %q", raw)
		var ee *domain.ExtractionError
		assert.True(t, errors.As(err, &ee))
		assert.ErrorIs(t, err, domain.ErrExtraction)
	}
}
