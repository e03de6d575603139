package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidEmail = errors.New("invalid subscriber email")
	ErrInvalidName  = errors.New("invalid subscriber name")
)

const maxNameLength = 256

var (
	validate       = validator.New()
	forbiddenChars = `/()"<>\{}`
)

// ParseSubscriberEmail trims s and checks it is a syntactically valid
// address. Addresses read back from the queue go through the same check, so
// a row that was valid when enqueued can still be rejected later if the
// rule tightens.
func ParseSubscriberEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := validate.Var(s, "required,email,max=320"); err != nil {
		return "", ErrInvalidEmail
	}
	return s, nil
}

// ParseSubscriberName normalizes s to NFC and rejects blank names, names
// longer than 256 characters and names containing markup-ish characters.
func ParseSubscriberName(s string) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" || utf8.RuneCountInString(s) > maxNameLength {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(s, forbiddenChars) {
		return "", ErrInvalidName
	}
	return s, nil
}
