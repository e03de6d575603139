package idempotency

import (
	"errors"
	"regexp"
)

// MaxKeyLength is the longest accepted key, in bytes. The charset is ASCII
// so bytes and characters coincide.
const MaxKeyLength = 50

// ErrInvalidKey is returned by ParseKey. Keys are never truncated.
var ErrInvalidKey = errors.New("invalid idempotency key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Key is a validated client-supplied idempotency key.
type Key string

// ParseKey validates s: non-empty, at most MaxKeyLength characters, only
// letters, digits, '-' and '_'.
func ParseKey(s string) (Key, error) {
	if s == "" || len(s) > MaxKeyLength || !keyPattern.MatchString(s) {
		return "", ErrInvalidKey
	}
	return Key(s), nil
}

func (k Key) String() string { return string(k) }
