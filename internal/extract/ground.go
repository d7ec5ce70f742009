package extract

import (
	"strings"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
)

// minStemLen is the shortest token allowed to match by prefix, so inflected
// forms such as "paradižnik" and "paradižnike" still ground each other.
const minStemLen = 4

// Ground drops updates whose values cannot be traced back to the user's
// message. Phone numbers must appear as a digit run; every other value must
// be made of words the user wrote, ignoring case and diacritics.
func Ground(updates map[domain.Field]string, message string) (kept map[domain.Field]string, dropped []domain.Field) {
	kept = make(map[domain.Field]string, len(updates))
	msgTokens := shared.Tokens(message)
	msgDigits := shared.Digits(message)

	for _, f := range domain.RequiredFields {
		v, ok := updates[f]
		if !ok {
			continue
		}
		if grounded(f, v, msgTokens, msgDigits) {
			kept[f] = v
		} else {
			dropped = append(dropped, f)
		}
	}
	return kept, dropped
}

func grounded(f domain.Field, value string, msgTokens []string, msgDigits string) bool {
	if f == domain.FieldPhoneNumber {
		d := shared.Digits(value)
		return d != "" && strings.Contains(msgDigits, d)
	}
	valTokens := shared.Tokens(value)
	if len(valTokens) == 0 {
		return false
	}
	for _, vt := range valTokens {
		if !tokenPresent(vt, msgTokens) {
			return false
		}
	}
	return true
}

func tokenPresent(tok string, msgTokens []string) bool {
	for _, mt := range msgTokens {
		if mt == tok {
			return true
		}
		if len(tok) >= minStemLen && len(mt) >= minStemLen &&
			(strings.HasPrefix(mt, tok) || strings.HasPrefix(tok, mt)) {
			return true
		}
	}
	return false
}
