package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidator_RejectsShortInput(t *testing.T) {
	cases := []struct {
		v   Validator
		raw string
	}{
		{PolicyNumberValidator, ""},
		{PolicyNumberValidator, "1234"},
		{PolicyNumberValidator, "  12  "},
		{PolicyNumberValidator, "    "},
		{BirthYearValidator, "199"},
		{BirthYearValidator, " 19 "},
	}
	for _, tc := range cases {
		_, err := tc.v.Validate(tc.raw)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "raw=%q", tc.raw)
		require.Equal(t, tc.v.MinLength, verr.MinLength)
		require.Equal(t, len([]rune(strings.TrimSpace(tc.raw))), verr.Length)
	}
}

func TestValidator_AcceptsAtOrAboveMinimum(t *testing.T) {
	cases := []struct {
		v    Validator
		raw  string
		want string
	}{
		{PolicyNumberValidator, "12345", "12345"},
		{PolicyNumberValidator, "  ab-12345 ", "ab-12345"},
		{BirthYearValidator, "1990", "1990"},
		{BirthYearValidator, "\t1990\n", "1990"},
	}
	for _, tc := range cases {
		got, err := tc.v.Validate(tc.raw)
		require.NoError(t, err, "raw=%q", tc.raw)
		require.Equal(t, tc.want, got)
	}
}

func TestValidator_CountsCharactersNotBytes(t *testing.T) {
	_, err := PolicyNumberValidator.Validate("ééé")
	require.Error(t, err)
	got, err := PolicyNumberValidator.Validate("ééééé")
	require.NoError(t, err)
	require.Equal(t, "ééééé", got)
}

func TestValidationError_MessageNamesMinimum(t *testing.T) {
	_, err := PolicyNumberValidator.Validate("12")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "The policy number must be at least 5 characters long.", verr.Message())

	_, err = BirthYearValidator.Validate("19")
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Message(), "4")
}

func TestValidator_MaxLength(t *testing.T) {
	v := BirthYearValidator.WithMaxLength(6)
	require.Zero(t, BirthYearValidator.MaxLength)

	got, err := v.Validate("  199012  ")
	require.NoError(t, err)
	require.Equal(t, "199012", got)

	_, err = v.Validate("1990123")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.True(t, verr.TooLong())
	require.Equal(t, "The birth year must be at most 6 characters long.", verr.Message())
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "héll", truncate("héllo", 4))
	require.Equal(t, "héllo", truncate("héllo", 5))
	require.Equal(t, "héllo", truncate("héllo", 0))
}

func TestCapitalize(t *testing.T) {
	cases := map[string]string{
		"abc12":  "Abc12",
		"ABC12":  "ABC12",
		"12345":  "12345",
		"aBcDe":  "ABcDe",
		"éclair": "Éclair",
		"":       "",
	}
	for in, want := range cases {
		require.Equal(t, want, capitalize(in), "in=%q", in)
	}
}
