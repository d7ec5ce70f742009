package conversation

import (
	"testing"
	"time"

	"github.com/ashureev/farmreg/internal/config"
	"github.com/ashureev/farmreg/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession() *domain.Session {
	return domain.NewSession("s1", "subj", time.Now())
}

func TestUrgencyDetectsAcrossLanguagesAndAccents(t *testing.T) {
	t.Parallel()

	d := NewUrgencyDetector(config.DefaultPolicy().UrgencyLexicon)
	cases := []struct {
		text string
		want bool
	}{
		{"my crops are dying, emergency", true},
		{"Imamo POŽAR v hlevu", true},
		{"imamo pozar v hlevu", true},
		{"please help me quickly", true},
		{"I grow firewood", false}, // "fire" must match a whole word
		{"my crocodile ate my tractor", false},
	}
	for _, tc := range cases {
		_, got := d.Detect(tc.text)
		assert.Equal(t, tc.want, got, "Detect(%q)", tc.text)
	}
}

func TestUrgencyLatchNeverResets(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()

	_, urgent := m.CheckUrgency(s, "Peter Knaflič")
	require.False(t, urgent, "plain name must not be urgent")
	_, urgent = m.CheckUrgency(s, "my crops are dying, emergency")
	require.True(t, urgent)

	for _, text := range []string{"Ljubljana", "corn", "+38640123456"} {
		_, urgent := m.CheckUrgency(s, text)
		assert.True(t, urgent, "latch lost on %q", text)
		assert.True(t, s.UrgencyDetected)
	}
	assert.Equal(t, domain.StatusUrgent, s.Status)
}

func TestOffTopicEscalates(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.MessageCount = 2

	first := m.Decide(s, LangEnglish, Outcome{OffTopic: true})
	require.Equal(t, domain.ModeOffTopic, first.Mode)
	require.Equal(t, 1, s.OffTopicCount)
	assert.Equal(t, "That sounds interesting! Let's finish your registration first. What is your first name?", first.Reply)

	second := m.Decide(s, LangEnglish, Outcome{OffTopic: true})
	assert.Equal(t, "I can only help with your registration right now. What is your first name?", second.Reply)
	require.Equal(t, 2, s.OffTopicCount)

	// An on-topic turn does not reset the count.
	s.SetField(domain.FieldFirstName, "Ana", 1)
	m.Decide(s, LangEnglish, Outcome{Accepted: map[domain.Field]string{domain.FieldFirstName: "Ana"}})
	assert.Equal(t, 2, s.OffTopicCount)
}

func TestOffTopicIgnoredWhenSomethingWasExtracted(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.SetField(domain.FieldFirstName, "Ana", 1)

	d := m.Decide(s, LangEnglish, Outcome{
		OffTopic: true,
		Accepted: map[domain.Field]string{domain.FieldFirstName: "Ana"},
	})
	assert.Equal(t, domain.ModeNormal, d.Mode)
	assert.Zero(t, s.OffTopicCount)
}

func TestDecideCompletes(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.SetField(domain.FieldFirstName, "Peter", 1)
	s.SetField(domain.FieldLastName, "Knaflič", 1)
	s.SetField(domain.FieldFarmLocation, "Ljubljana", 1)
	s.SetField(domain.FieldPrimaryCrops, "corn and wheat", 1)
	s.SetField(domain.FieldPhoneNumber, "+38640123456", 1)

	d := m.Decide(s, LangSlovenian, Outcome{})
	require.Equal(t, domain.ModeComplete, d.Mode)
	require.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, "Hvala, Peter! Vaša registracija je zaključena.", d.Reply)
}

func TestDecideClarifiesRejection(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	d := m.Decide(s, LangEnglish, Outcome{
		Rejected: []*domain.ValidationError{{Field: domain.FieldPhoneNumber, Reason: "fewer than 10 digits"}},
		Reply:    "Thanks!",
	})
	assert.Equal(t, domain.ModeNormal, d.Mode)
	assert.Contains(t, d.Reply, "phone number seems incomplete")
}

func TestDecideFallbackTargetsHighestPriorityField(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.MessageCount = 3
	s.SetField(domain.FieldFirstName, "Ana", 1)

	d := m.Decide(s, LangEnglish, Outcome{Fallback: true})
	assert.Equal(t, "And your last name?", d.Reply)
}

func TestDecideUnparsedAsksAgain(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.MessageCount = 2

	d := m.Decide(s, LangEnglish, Outcome{Fallback: true, Unparsed: true})
	assert.Equal(t, "Sorry, I didn't catch that. What is your first name?", d.Reply)
}

func TestDecideFirmPastTarget(t *testing.T) {
	t.Parallel()

	m := NewMachine(config.DefaultPolicy())
	s := newSession()
	s.MessageCount = 7
	d := m.Decide(s, LangEnglish, Outcome{Reply: "Lovely weather!", Accepted: map[domain.Field]string{}})
	assert.Equal(t, "To finish your registration I still need your first name.", d.Reply)
	assert.Equal(t, domain.StatusActive, s.Status, "exceeding the target must not terminate the session")
}

func TestMergeConfidencePolicy(t *testing.T) {
	t.Parallel()

	policy := config.DefaultPolicy()
	policy.MinConfidence = 0.6
	policy.LowConfidenceMode = config.LowConfidenceConfirm
	m := NewMachine(policy)
	s := newSession()
	s.SetField(domain.FieldFirstName, "Ana", 0.9)

	conf := map[domain.Field]float64{
		domain.FieldFirstName:    0.7, // lower than stored: ignored
		domain.FieldLastName:     0.4, // below minimum: held
		domain.FieldFarmLocation: 1.0,
	}
	accepted, held := m.Merge(s, map[domain.Field]string{
		domain.FieldFirstName:    "Anna",
		domain.FieldLastName:     "Horvat",
		domain.FieldFarmLocation: "Ljubljana",
	}, func(f domain.Field) float64 { return conf[f] })

	assert.Equal(t, "Ana", s.Fields[domain.FieldFirstName], "lower-confidence value overwrote stored one")
	assert.NotContains(t, s.Fields, domain.FieldLastName, "held value must not be stored")
	assert.Equal(t, "Horvat", held[domain.FieldLastName])
	assert.Equal(t, "Horvat", s.Pending[domain.FieldLastName])
	assert.Equal(t, map[domain.Field]string{domain.FieldFarmLocation: "Ljubljana"}, accepted)

	d := m.Decide(s, LangEnglish, Outcome{Accepted: accepted, Held: held})
	assert.Equal(t, "Just to confirm: your last name is Horvat. Is that right?", d.Reply)

	confirmed, answered := m.ResolvePending(s, "yes")
	require.True(t, answered)
	assert.Equal(t, "Horvat", confirmed[domain.FieldLastName])
	assert.Equal(t, "Horvat", s.Fields[domain.FieldLastName])
	assert.Empty(t, s.Pending)
}

func TestMergeAcceptModeStoresLowConfidence(t *testing.T) {
	t.Parallel()

	policy := config.DefaultPolicy()
	policy.MinConfidence = 0.6
	policy.LowConfidenceMode = config.LowConfidenceAccept
	m := NewMachine(policy)
	s := newSession()

	accepted, held := m.Merge(s, map[domain.Field]string{domain.FieldPrimaryCrops: "hops"},
		func(domain.Field) float64 { return 0.3 })
	assert.Equal(t, "hops", accepted[domain.FieldPrimaryCrops], "accept mode should store silently")
	assert.Empty(t, held)
}

func TestConfirmationAnswer(t *testing.T) {
	t.Parallel()

	yes, _ := ConfirmationAnswer("Da, drži")
	assert.True(t, yes, "expected Slovene yes")

	_, no := ConfirmationAnswer("no, it's Horvath")
	assert.True(t, no)

	yes, no = ConfirmationAnswer("I grow tomatoes near the river in the valley")
	assert.False(t, yes || no, "long statements are not answers")
}

func TestResolveLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LangSlovenian, ResolveLanguage("sl-SI", "en", "hello"), "channel hint should win")
	assert.Equal(t, LangSlovenian, ResolveLanguage("", "sl", "hello there"), "session language should win over detection")
	assert.Equal(t, LangSlovenian, ResolveLanguage("", "", "Peter Knaflič"), "diacritics suggest Slovene")
	assert.Equal(t, LangEnglish, ResolveLanguage("", "", "I'm Ana from Ljubljana"))
	assert.Equal(t, LangEnglish, ResolveLanguage("", "", "+38640123456"), "English is the default")
}
