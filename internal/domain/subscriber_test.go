package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSubscriberEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a@x.com", "a@x.com", true},
		{"  ursula@domain.com ", "ursula@domain.com", true},
		{"", "", false},
		{"ursuladomain.com", "", false},
		{"@domain.com", "", false},
		{"a@", "", false},
	}
	for _, tc := range cases {
		got, err := ParseSubscriberEmail(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseSubscriberEmail(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("ParseSubscriberEmail(%q) err = %v; want ErrInvalidEmail", tc.in, err)
		}
	}
}

func TestParseSubscriberName(t *testing.T) {
	if _, err := ParseSubscriberName("Ursula Le Guin"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if _, err := ParseSubscriberName(strings.Repeat("ё", 256)); err != nil {
		t.Fatalf("256 char name rejected: %v", err)
	}
	bad := []string{"", "   ", strings.Repeat("a", 257), "<script>", `a"b`, "a/b", "{x}"}
	for _, in := range bad {
		if _, err := ParseSubscriberName(in); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ParseSubscriberName(%q) err = %v; want ErrInvalidName", in, err)
		}
	}
}
