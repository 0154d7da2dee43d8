package game

import (
	"strings"
	"testing"
)

func TestValidChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ch   string
		ok   bool
	}{
		{name: "valid", ch: "abc123", ok: true},
		{name: "valid_dash_underscore", ch: "table-1_b", ok: true},
		{name: "empty", ch: "", ok: false},
		{name: "invalid_chars_upper", ch: "Abc", ok: false},
		{name: "invalid_chars_colon", ch: "dm:u1", ok: false},
		{name: "invalid_chars_slash", ch: "abc/def", ok: false},
		{name: "max_len", ch: strings.Repeat("a", 64), ok: true},
		{name: "too_long", ch: strings.Repeat("a", 65), ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := validChannel(tc.ch); got != tc.ok {
				t.Fatalf("validChannel(%q)=%v, want %v", tc.ch, got, tc.ok)
			}
		})
	}
}
