package conversation

import (
	"strings"

	"github.com/ashureev/farmreg/internal/shared"
)

// Supported reply languages.
const (
	LangEnglish   = "en"
	LangSlovenian = "sl"
)

var languageMarkers = map[string]map[string]bool{
	LangSlovenian: set("sem", "je", "in", "iz", "ime", "mi", "moje", "moja", "pozdravljeni", "zdravo", "zivjo",
		"hvala", "kmetija", "kmetijo", "gojim", "pridelujem", "zivim", "imam", "koruzo", "psenico", "krompir",
		"telefon", "stevilka", "da", "ne", "prosim", "dober", "dan"),
	LangEnglish: set("i", "am", "im", "my", "the", "and", "from", "name", "grow", "hello", "hi", "is", "farm",
		"live", "phone", "number", "yes", "no", "please", "thanks", "we", "our", "in"),
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// DetectLanguage guesses en or sl from marker words and Slovene letters.
// It returns "" when the text gives no signal.
func DetectLanguage(text string) string {
	scores := map[string]int{}
	if strings.ContainsAny(text, "čšžČŠŽ") {
		scores[LangSlovenian] += 2
	}
	for _, tok := range shared.Tokens(text) {
		for lang, markers := range languageMarkers {
			if markers[tok] {
				scores[lang]++
			}
		}
	}
	switch {
	case scores[LangSlovenian] > scores[LangEnglish]:
		return LangSlovenian
	case scores[LangEnglish] > scores[LangSlovenian]:
		return LangEnglish
	default:
		return ""
	}
}

// ResolveLanguage picks the reply language: an explicit channel hint wins,
// then the language already fixed for the session, then detection, then English.
func ResolveLanguage(channelHint, sessionLang, text string) string {
	if l := NormalizeLanguage(channelHint); l != "" {
		return l
	}
	if sessionLang != "" {
		return sessionLang
	}
	if l := DetectLanguage(text); l != "" {
		return l
	}
	return LangEnglish
}

// NormalizeLanguage maps a channel language tag such as "sl-SI" to a
// supported language, or "" if unsupported.
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	switch tag {
	case "sl", "slv", "slovenian", "slovenscina":
		return LangSlovenian
	case "en", "eng", "english":
		return LangEnglish
	default:
		return ""
	}
}
