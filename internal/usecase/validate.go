package usecase

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minPolicyNumberLen = 5
	minBirthYearLen    = 4
)

// Validator accepts input whose trimmed length reaches MinLength and, when
// MaxLength is set, does not exceed it.
type Validator struct {
	Field     string
	MinLength int
	MaxLength int
}

var (
	PolicyNumberValidator = Validator{Field: "policy number", MinLength: minPolicyNumberLen}
	BirthYearValidator    = Validator{Field: "birth year", MinLength: minBirthYearLen}
)

// Validate returns the trimmed input, or a *ValidationError when its length is
// out of bounds. Length is counted in characters, not bytes.
func (v Validator) Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(trimmed)
	if n < v.MinLength || (v.MaxLength > 0 && n > v.MaxLength) {
		return "", &ValidationError{Field: v.Field, MinLength: v.MinLength, MaxLength: v.MaxLength, Length: n}
	}
	return trimmed, nil
}

// WithMaxLength returns a copy of v that also rejects input longer than n.
func (v Validator) WithMaxLength(n int) Validator {
	v.MaxLength = n
	return v
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// capitalize upper-cases the first character and leaves the rest unchanged.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
