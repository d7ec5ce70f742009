package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
)

// Rules is a model-free extractor for deployments without a language model.
//
// It splits a message at lead-in phrases such as "my name is", "from" or
// "I grow" and gives each segment to the field its phrase names. A digit run
// goes to the phone number. One unmarked segment may answer the field the bot
// asked for, but only when it has that field's shape; a name is one to three
// name-shaped words. Whatever it cannot attribute is reported as off-topic.
// It never produces a reply; the state machine prompts for the next field.
type Rules struct{}

const (
	maxNameWords     = 3
	maxLocationWords = 4
	maxCropWords     = 8
	// minBarePhoneDigits is how many digits a run needs to count as a phone
	// number when the phone was not the field being asked for.
	minBarePhoneDigits = 7
)

var (
	ruleWord   = regexp.MustCompile(`[^\s,;.!?:]+|[,;.!?:]`)
	phoneRun   = regexp.MustCompile(`\+?\d[\d\s().-]*\d|\d`)
	apostrophe = strings.NewReplacer("'", "", "’", "")
)

type leadIn struct {
	words []string
	field domain.Field
}

// leadIns are matched longest first on folded words with apostrophes removed.
var leadIns = buildLeadIns(map[domain.Field][]string{
	domain.FieldFirstName: {
		"my name is", "my names", "name is", "i am", "im", "this is", "call me",
		"ime mi je", "moje ime je", "jaz sem",
	},
	domain.FieldFarmLocation: {
		"from", "i am from", "im from", "we are from", "were from",
		"i am in", "im in", "we are in", "were in",
		"i live in", "we live in", "i live near", "based in", "located in",
		"my farm is in", "our farm is in", "farm is in", "near",
		"iz", "sem iz", "smo iz", "zivim v", "zivim na", "kmetija je v", "kmetija je na",
	},
	domain.FieldPrimaryCrops: {
		"i grow", "we grow", "i farm", "we farm", "i plant", "we plant", "growing",
		"my crops are", "our crops are", "crops are",
		"gojim", "gojimo", "pridelujem", "pridelujemo", "sadim", "sadimo",
	},
	domain.FieldPhoneNumber: {
		"my number is", "my phone is", "my phone number is", "phone number is",
		"phone", "number", "call me at", "tel", "telefon", "stevilka", "moja stevilka je",
	},
})

func buildLeadIns(byField map[domain.Field][]string) []leadIn {
	var out []leadIn
	for f, phrases := range byField {
		for _, p := range phrases {
			out = append(out, leadIn{words: strings.Fields(p), field: f})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].words) != len(out[j].words) {
			return len(out[i].words) > len(out[j].words)
		}
		return strings.Join(out[i].words, " ") < strings.Join(out[j].words, " ")
	})
	return out
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var (
	greetings = wordSet("hi", "hello", "hey", "hej", "zdravo", "zivjo", "pozdravljeni", "ok", "okay", "well")

	// stopWords never start or make up a name, place or crop.
	stopWords = wordSet(
		"a", "an", "the", "my", "your", "our", "his", "her", "their", "its",
		"i", "me", "you", "he", "she", "it", "we", "they", "this", "that", "there", "here",
		"is", "are", "was", "were", "be", "am", "been", "do", "does", "did", "have", "has", "had",
		"can", "could", "would", "will", "should", "may", "might", "must",
		"what", "whats", "how", "hows", "why", "where", "when", "who", "which",
		"and", "or", "but", "not", "no", "yes", "fine", "good", "great", "thanks", "thank",
		"please", "sorry", "sure", "just", "so", "very", "too", "really", "like",
		"of", "to", "for", "with", "at", "on", "in", "by", "about", "into",
		"ate", "eat", "again", "today", "tomorrow", "yesterday", "now", "weather",
		"je", "so", "sem", "si", "smo", "in", "ali", "ne", "da", "ja", "kaj", "kako", "zakaj",
		"kje", "kdaj", "kdo", "to", "ta", "moj", "moja", "moje", "hvala", "prosim", "danes", "vreme",
	)

	// cropConnectives may join crop names.
	cropConnectives = wordSet("and", "or", "in", "ter", "ali")
	cropFillers     = wordSet("mostly", "mainly", "some", "also", "predvsem", "tudi", "vecinoma")
)

type segment struct {
	field    domain.Field // empty when no lead-in opened the segment
	words    []string
	question bool
}

// Extract attributes what it can of the message to missing fields.
func (Rules) Extract(_ context.Context, req Request) (*domain.ExtractionResult, error) {
	res := &domain.ExtractionResult{
		FieldUpdates: map[domain.Field]string{},
		Outcome:      domain.OutcomeDeltas,
	}
	if len(req.Missing) == 0 {
		return res, nil
	}
	missing := make(map[domain.Field]bool, len(req.Missing))
	for _, f := range req.Missing {
		missing[f] = true
	}
	updates := res.FieldUpdates
	open := func(f domain.Field) bool {
		_, done := updates[f]
		return missing[f] && !done
	}

	segments := splitSegments(req.Message)

	if m := longestPhoneRun(req.Message); m != "" && open(domain.FieldPhoneNumber) {
		phoneAsked := req.Missing[0] == domain.FieldPhoneNumber
		if phoneAsked || hasLeadIn(segments, domain.FieldPhoneNumber) || len(shared.Digits(m)) >= minBarePhoneDigits {
			updates[domain.FieldPhoneNumber] = m
		}
	}

	for _, seg := range segments {
		if seg.field == "" || seg.question {
			continue
		}
		assign(updates, open, seg.field, seg.words)
	}

	// The first plain segment may answer whatever is asked for next.
	for _, seg := range segments {
		if seg.field != "" || seg.question || len(seg.words) == 0 {
			continue
		}
		for _, f := range req.Missing {
			if open(f) {
				assign(updates, open, f, seg.words)
				break
			}
		}
		break
	}

	kept, _ := Ground(updates, req.Message)
	res.FieldUpdates = kept
	if len(kept) == 0 {
		res.OffTopic = true
	}
	return res, nil
}

// splitSegments cuts text at lead-in phrases and punctuation. Words holding
// digits are left out; they belong to the phone number. Crop lists keep
// going across commas.
func splitSegments(text string) []segment {
	tokens := ruleWord.FindAllString(text, -1)
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = key(t)
	}

	var (
		out []segment
		cur segment
	)
	flush := func(question bool) {
		cur.question = question
		out = append(out, cur)
		cur = segment{}
	}

	for i := 0; i < len(tokens); {
		switch tok := tokens[i]; tok {
		case ",":
			if cur.field != domain.FieldPrimaryCrops {
				flush(false)
			} else if len(cur.words) > 0 {
				cur.words = append(cur.words, tok)
			}
			i++
			continue
		case ";", ".", "!", ":":
			flush(false)
			i++
			continue
		case "?":
			flush(true)
			i++
			continue
		}
		if li, ok := matchLeadIn(keys[i:]); ok {
			flush(false)
			cur.field = li.field
			i += len(li.words)
			continue
		}
		if len(cur.words) == 0 && greetings[keys[i]] {
			i++
			continue
		}
		if !strings.ContainsFunc(tokens[i], unicode.IsDigit) && tokens[i] != "+" {
			cur.words = append(cur.words, tokens[i])
		}
		i++
	}
	flush(false)
	return out
}

func matchLeadIn(keys []string) (leadIn, bool) {
	for _, li := range leadIns {
		if len(li.words) > len(keys) {
			continue
		}
		match := true
		for j, w := range li.words {
			if keys[j] != w {
				match = false
				break
			}
		}
		if match {
			return li, true
		}
	}
	return leadIn{}, false
}

func hasLeadIn(segments []segment, f domain.Field) bool {
	for _, s := range segments {
		if s.field == f {
			return true
		}
	}
	return false
}

func longestPhoneRun(text string) string {
	var best string
	for _, m := range phoneRun.FindAllString(text, -1) {
		if len(shared.Digits(m)) > len(shared.Digits(best)) {
			best = m
		}
	}
	return strings.TrimSpace(best)
}

// assign records words as the value of f when they have f's shape.
func assign(updates map[domain.Field]string, open func(domain.Field) bool, f domain.Field, words []string) {
	switch f {
	case domain.FieldFirstName, domain.FieldLastName:
		if !nameShaped(words) {
			return
		}
		switch {
		case open(domain.FieldFirstName):
			updates[domain.FieldFirstName] = words[0]
			if len(words) > 1 && open(domain.FieldLastName) {
				updates[domain.FieldLastName] = strings.Join(words[1:], " ")
			}
		case open(domain.FieldLastName):
			if len(words) > 1 {
				words = words[1:]
			}
			updates[domain.FieldLastName] = strings.Join(words, " ")
		}
	case domain.FieldFarmLocation:
		if open(f) && locationShaped(words) {
			updates[f] = strings.Join(words, " ")
		}
	case domain.FieldPrimaryCrops:
		words = trimFillers(words)
		if open(f) && cropsShaped(words) {
			updates[f] = strings.ReplaceAll(strings.Join(words, " "), " ,", ",")
		}
	}
}

func key(w string) string { return apostrophe.Replace(shared.Fold(w)) }

func lettersOnly(w string) bool {
	hasLetter := false
	for _, r := range w {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.Is(unicode.Mn, r), r == '-', r == '\'', r == '’':
		default:
			return false
		}
	}
	return hasLetter
}

func nameShaped(words []string) bool {
	if len(words) == 0 || len(words) > maxNameWords {
		return false
	}
	for _, w := range words {
		if !lettersOnly(w) || stopWords[key(w)] {
			return false
		}
	}
	return true
}

func locationShaped(words []string) bool {
	if len(words) == 0 || len(words) > maxLocationWords {
		return false
	}
	for _, w := range words {
		if !lettersOnly(w) {
			return false
		}
	}
	return !stopWords[key(words[0])] && !stopWords[key(words[len(words)-1])]
}

func cropsShaped(words []string) bool {
	if len(words) == 0 || len(words) > maxCropWords {
		return false
	}
	for i, w := range words {
		k := key(w)
		if cropConnectives[k] || w == "," {
			if i == 0 || i == len(words)-1 {
				return false
			}
			continue
		}
		if !lettersOnly(w) || stopWords[k] {
			return false
		}
	}
	return true
}

func trimFillers(words []string) []string {
	for len(words) > 0 && cropFillers[key(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && words[len(words)-1] == "," {
		words = words[:len(words)-1]
	}
	return words
}
