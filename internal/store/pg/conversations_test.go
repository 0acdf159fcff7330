package pg

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"€€", 4, "€"},
		{"a€", 2, "a"},
		{strings.Repeat("€", 600), 1024, strings.Repeat("€", 341)},
	}
	for _, c := range cases {
		got := truncate(c.in, c.n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid UTF-8", c.in, c.n)
		}
		if got != c.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}
