package conversation

import (
	"fmt"
	"strings"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
)

// phrasebook holds the deterministic replies for one language.
type phrasebook struct {
	greeting      string
	prompts       map[domain.Field]string
	labels        map[domain.Field]string // used inside sentences
	firm          string
	closing       string
	closingNoName string
	urgent        string
	offTopicSoft  string
	offTopicFirm  string
	clarifyPhone  string
	clarify       string
	confirm       string
	confirmItem   string
	retry         string
}

var phrasebooks = map[string]phrasebook{
	LangEnglish: {
		greeting: "Hello! Let's get you registered.",
		prompts: map[domain.Field]string{
			domain.FieldFirstName:    "What is your first name?",
			domain.FieldLastName:     "And your last name?",
			domain.FieldFarmLocation: "Where is your farm located?",
			domain.FieldPrimaryCrops: "What crops do you mainly grow?",
			domain.FieldPhoneNumber:  "What phone number can we reach you on?",
		},
		labels: map[domain.Field]string{
			domain.FieldFirstName:    "first name",
			domain.FieldLastName:     "last name",
			domain.FieldFarmLocation: "farm location",
			domain.FieldPrimaryCrops: "main crops",
			domain.FieldPhoneNumber:  "phone number",
		},
		firm:          "To finish your registration I still need your %s.",
		closing:       "Thank you, %s! Your registration is complete.",
		closingNoName: "Thank you! Your registration is complete.",
		urgent:        "This sounds urgent. I have alerted our support team and someone will contact you as soon as possible. Registration is paused until then.",
		offTopicSoft:  "That sounds interesting! Let's finish your registration first. %s",
		offTopicFirm:  "I can only help with your registration right now. %s",
		clarifyPhone:  "That phone number seems incomplete. Please send the full number, including the area code.",
		clarify:       "I couldn't use that as your %s. Could you repeat it?",
		confirm:       "Just to confirm: %s. Is that right?",
		confirmItem:   "your %s is %s",
		retry:         "Sorry, I didn't catch that. %s",
	},
	LangSlovenian: {
		greeting: "Pozdravljeni! Začnimo z registracijo.",
		prompts: map[domain.Field]string{
			domain.FieldFirstName:    "Kako vam je ime?",
			domain.FieldLastName:     "In vaš priimek?",
			domain.FieldFarmLocation: "Kje se nahaja vaša kmetija?",
			domain.FieldPrimaryCrops: "Katere pridelke večinoma gojite?",
			domain.FieldPhoneNumber:  "Na kateri telefonski številki vas lahko dosežemo?",
		},
		labels: map[domain.Field]string{
			domain.FieldFirstName:    "ime",
			domain.FieldLastName:     "priimek",
			domain.FieldFarmLocation: "lokacijo kmetije",
			domain.FieldPrimaryCrops: "glavne pridelke",
			domain.FieldPhoneNumber:  "telefonsko številko",
		},
		firm:          "Za dokončanje registracije potrebujem še %s.",
		closing:       "Hvala, %s! Vaša registracija je zaključena.",
		closingNoName: "Hvala! Vaša registracija je zaključena.",
		urgent:        "To zveni nujno. Obvestili smo našo podporno ekipo, ki vas bo kontaktirala čim prej. Registracija je do takrat ustavljena.",
		offTopicSoft:  "Zanimivo! Najprej dokončajmo registracijo. %s",
		offTopicFirm:  "Trenutno vam lahko pomagam samo z registracijo. %s",
		clarifyPhone:  "Telefonska številka se zdi nepopolna. Prosim, pošljite celotno številko z omrežno skupino.",
		clarify:       "Tega nisem mogel uporabiti. Prosim, ponovite %s.",
		confirm:       "Da preverim: %s. Je to pravilno?",
		confirmItem:   "%s: %s",
		retry:         "Oprostite, tega nisem razumel. %s",
	},
}

func book(lang string) phrasebook {
	if b, ok := phrasebooks[lang]; ok {
		return b
	}
	return phrasebooks[LangEnglish]
}

// FieldLabel returns the human label of a field in lang.
func FieldLabel(lang string, f domain.Field) string {
	if l, ok := book(lang).labels[f]; ok {
		return l
	}
	return strings.ReplaceAll(string(f), "_", " ")
}

// Prompt asks for a single field. Firm prompts are used once the
// conversation has run past its target length.
func Prompt(lang string, f domain.Field, firm bool) string {
	b := book(lang)
	if firm {
		return fmt.Sprintf(b.firm, FieldLabel(lang, f))
	}
	return b.prompts[f]
}

// Greeting opens a new registration.
func Greeting(lang string) string { return book(lang).greeting }

// ClosingReply thanks the user once every field is collected.
func ClosingReply(lang, firstName string) string {
	b := book(lang)
	if firstName == "" {
		return b.closingNoName
	}
	return fmt.Sprintf(b.closing, firstName)
}

// UrgentReply is the fixed hand-off message for a latched session.
func UrgentReply(lang string) string { return book(lang).urgent }

// RedirectReply acknowledges a digression and steers back to next.
// From the firm threshold on, the acknowledgment is dropped.
func RedirectReply(lang string, offTopicCount, firmThreshold int, next domain.Field) string {
	b := book(lang)
	prompt := b.prompts[next]
	if offTopicCount >= firmThreshold {
		return fmt.Sprintf(b.offTopicFirm, prompt)
	}
	return fmt.Sprintf(b.offTopicSoft, prompt)
}

// ClarifyReply asks again for a value that failed validation.
func ClarifyReply(lang string, f domain.Field) string {
	b := book(lang)
	if f == domain.FieldPhoneNumber {
		return b.clarifyPhone
	}
	return fmt.Sprintf(b.clarify, FieldLabel(lang, f))
}

// ConfirmReply asks the user to confirm withheld low-confidence values,
// listed in the order of required.
func ConfirmReply(lang string, pending map[domain.Field]string, required []domain.Field) string {
	b := book(lang)
	items := make([]string, 0, len(pending))
	for _, f := range required {
		if v, ok := pending[f]; ok {
			items = append(items, fmt.Sprintf(b.confirmItem, FieldLabel(lang, f), v))
		}
	}
	return fmt.Sprintf(b.confirm, strings.Join(items, ", "))
}

// RetryReply is used when the extractor gave no usable reply.
func RetryReply(lang string, next domain.Field) string {
	b := book(lang)
	return fmt.Sprintf(b.retry, b.prompts[next])
}

var (
	affirmatives = set("yes", "yeah", "yep", "correct", "right", "sure", "ok", "okay", "exactly",
		"da", "ja", "drzi", "pravilno", "seveda", "tocno", "tako")
	negatives = set("no", "nope", "wrong", "incorrect", "not", "ne", "narobe", "ni")
)

// ConfirmationAnswer classifies a reply to a confirmation question.
// It returns (true, false) for yes, (false, true) for no and (false, false) otherwise.
func ConfirmationAnswer(text string) (yes, no bool) {
	tokens := shared.Tokens(text)
	if len(tokens) == 0 || len(tokens) > 6 {
		return false, false
	}
	for _, t := range tokens {
		if negatives[t] {
			return false, true
		}
	}
	for _, t := range tokens {
		if affirmatives[t] {
			return true, false
		}
	}
	return false, false
}
