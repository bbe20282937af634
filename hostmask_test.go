package perch

import (
	"testing"
)

func TestParseHostmask(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want Hostmask
	}{
		{"full", "nick!login@example.com", Hostmask{Nick: "nick", Login: "login", Host: "example.com"}},
		{"nickOnly", "nick", Hostmask{Nick: "nick"}},
		{"server", "irc.example.com", Hostmask{Nick: "irc.example.com"}},
		{"noLogin", "nick@example.com", Hostmask{Nick: "nick", Host: "example.com"}},
		{"noHost", "nick!login", Hostmask{Nick: "nick", Login: "login"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseHostmask(tc.in); got != tc.want {
				t.Errorf("ParseHostmask(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestHostmaskString(t *testing.T) {
	masks := []string{
		"nick!login@example.com",
		"nick",
		"irc.example.com",
	}
	for _, s := range masks {
		if got := ParseHostmask(s).String(); got != s {
			t.Errorf("round trip of %q = %q", s, got)
		}
	}
}

func TestHostmaskIsServer(t *testing.T) {
	if !ParseHostmask("irc.example.com").IsServer() {
		t.Errorf("irc.example.com should be a server")
	}
	if ParseHostmask("nick!login@example.com").IsServer() {
		t.Errorf("a full hostmask is not a server")
	}
	if ParseHostmask("nick").IsServer() {
		t.Errorf("a bare nick is not a server")
	}
}
