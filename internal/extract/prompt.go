package extract

import (
	"fmt"
	"strings"

	"github.com/ashureev/farmreg/internal/domain"
)

const envelopeSchema = `{"fields": {"<field_name>": "<value>"}, "confidence": {"<field_name>": 0.0-1.0}, "reply": "<message to the farmer>", "off_topic": false, "language": "<en|sl>"}`

var fieldHints = map[domain.Field]string{
	domain.FieldFirstName:    "given name of the farmer",
	domain.FieldLastName:     "family name of the farmer",
	domain.FieldFarmLocation: "town, village or region where the farm is",
	domain.FieldPrimaryCrops: "crops the farm mainly grows, as written by the farmer",
	domain.FieldPhoneNumber:  "contact phone number, digits as written",
}

// SystemPrompt builds the instruction block for a request.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You register farmers through a short chat. Extract registration details from the farmer's latest message and write the next reply.\n\n")
	b.WriteString("Respond with ONLY a JSON object, no prose and no code fences, shaped exactly like:\n")
	b.WriteString(envelopeSchema)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Only include a field if its value appears in the farmer's latest message. Never guess or reuse values from earlier turns.\n")
	b.WriteString("- Copy values as the farmer wrote them.\n")
	b.WriteString("- Set confidence below 0.5 when you are unsure a value belongs to that field.\n")
	b.WriteString("- Set off_topic to true only when the message contains none of the missing details and is not about registration.\n")
	b.WriteString("- The reply briefly acknowledges what was given and asks for the next missing detail.\n")

	if len(req.Missing) > 0 {
		b.WriteString("\nMissing fields, most important first:\n")
		for _, f := range req.Missing {
			fmt.Fprintf(&b, "- %s: %s\n", f, fieldHints[f])
		}
	}

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	fmt.Fprintf(&b, "\nWrite the reply in language %q.\n", lang)
	if req.Firm {
		b.WriteString("The conversation is taking too long: be brief and ask directly for the most important missing field.\n")
	}

	if e := req.Enrichment; !e.Empty() {
		if e.Sentiment != nil {
			fmt.Fprintf(&b, "\nThe farmer's mood appears %s. Adapt your tone.\n", e.Sentiment.Label)
		}
		if len(e.Similar) > 0 {
			b.WriteString("\nHow other farmers phrased similar answers:\n")
			for _, s := range e.Similar {
				fmt.Fprintf(&b, "- %s\n", s.Text)
			}
		}
	}
	return b.String()
}

// UserPrompt renders the bounded history and the latest message.
func UserPrompt(req Request) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.History {
			role := "farmer"
			if t.Role == domain.RoleSystem {
				role = "assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, t.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Latest message from the farmer:\n")
	b.WriteString(req.Message)
	return b.String()
}
