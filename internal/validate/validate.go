// Package validate holds the per-field acceptance rules applied after extraction.
package validate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
)

// MinPhoneDigits is the minimum number of digits a contact number must carry.
const MinPhoneDigits = 10

// Result is the outcome of validating one value.
type Result struct {
	Value string
	Err   *domain.ValidationError
}

// Accepted reports whether the value passed.
func (r Result) Accepted() bool { return r.Err == nil }

// Func validates a raw value for one field. Implementations are pure.
type Func func(raw string) Result

func accept(v string) Result { return Result{Value: v} }

func reject(f domain.Field, reason string) Result {
	return Result{Err: &domain.ValidationError{Field: f, Reason: reason}}
}

// Registry maps fields to validators.
type Registry struct {
	validators map[domain.Field]Func
}

// NewRegistry returns the validators for every required field.
func NewRegistry() *Registry {
	return &Registry{
		validators: map[domain.Field]Func{
			domain.FieldFirstName:    Name(domain.FieldFirstName),
			domain.FieldLastName:     Name(domain.FieldLastName),
			domain.FieldFarmLocation: Location,
			domain.FieldPrimaryCrops: Crops,
			domain.FieldPhoneNumber:  Phone,
		},
	}
}

// Validate runs the validator registered for field. Unknown fields are rejected.
func (r *Registry) Validate(field domain.Field, raw string) Result {
	fn, ok := r.validators[field]
	if !ok {
		return reject(field, "unknown field")
	}
	return fn(raw)
}

// Phone strips every non-digit and requires at least MinPhoneDigits digits.
// A leading plus sign is preserved in the stored value.
func Phone(raw string) Result {
	raw = strings.TrimSpace(raw)
	digits := shared.Digits(raw)
	if len(digits) < MinPhoneDigits {
		return reject(domain.FieldPhoneNumber, "fewer than 10 digits")
	}
	if strings.HasPrefix(raw, "+") {
		return accept("+" + digits)
	}
	return accept(digits)
}

// Name accepts a personal name made of letters, spaces, hyphens and apostrophes.
func Name(field domain.Field) Func {
	return func(raw string) Result {
		v := collapseSpace(raw)
		if v == "" {
			return reject(field, "empty")
		}
		if utf8.RuneCountInString(v) > 64 {
			return reject(field, "too long")
		}
		for _, r := range v {
			if unicode.IsLetter(r) || r == ' ' || r == '-' || r == '\'' || r == '.' {
				continue
			}
			return reject(field, "contains characters that are not part of a name")
		}
		return accept(v)
	}
}

// Location accepts a place name of reasonable length containing at least one letter.
func Location(raw string) Result {
	v := collapseSpace(raw)
	n := utf8.RuneCountInString(v)
	if n < 2 {
		return reject(domain.FieldFarmLocation, "too short")
	}
	if n > 128 {
		return reject(domain.FieldFarmLocation, "too long")
	}
	if !strings.ContainsFunc(v, unicode.IsLetter) {
		return reject(domain.FieldFarmLocation, "no place name")
	}
	return accept(v)
}

// Crops accepts a free-text crop list.
func Crops(raw string) Result {
	v := collapseSpace(raw)
	if v == "" {
		return reject(domain.FieldPrimaryCrops, "empty")
	}
	if utf8.RuneCountInString(v) > 256 {
		return reject(domain.FieldPrimaryCrops, "too long")
	}
	if !strings.ContainsFunc(v, unicode.IsLetter) {
		return reject(domain.FieldPrimaryCrops, "no crop named")
	}
	return accept(v)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
