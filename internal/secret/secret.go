// Package secret provides a string wrapper for credentials and tokens that
// refuses to print its value. Every formatting and serialization path yields
// a fixed placeholder; the raw value is reachable only through Expose.
package secret

import "github.com/rs/zerolog"

// Redacted is what every formatting path prints instead of the value.
const Redacted = "[REDACTED]"

// Secret holds a sensitive string. The zero value is an empty secret.
type Secret struct {
	value string
}

// New wraps v.
func New(v string) Secret { return Secret{value: v} }

// Expose returns the raw value. Call it only at the point of use
// (dialing SMTP, comparing a hash), never to build log lines.
func (s Secret) Expose() string { return s.value }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s.value == "" }

// String implements fmt.Stringer.
func (Secret) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v is redacted as well.
func (Secret) GoString() string { return Redacted }

// MarshalText implements encoding.TextMarshaler.
func (Secret) MarshalText() ([]byte, error) { return []byte(Redacted), nil }

// MarshalJSON implements json.Marshaler.
func (Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + Redacted + `"`), nil }

// MarshalZerologObject lets a Secret be passed to zerolog's Object().
func (Secret) MarshalZerologObject(e *zerolog.Event) { e.Str("value", Redacted) }
