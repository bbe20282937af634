package perch

import (
	"testing"

	"gopkg.in/irc.v4"
)

func TestCaseMapping(t *testing.T) {
	testCases := []struct {
		name string
		cm   CaseMapping
		in   string
		want string
	}{
		{"asciiUpper", CaseMappingASCII, "NickName", "nickname"},
		{"asciiSpecials", CaseMappingASCII, "nick{}|^", "nick{}|^"},
		{"rfc1459Upper", CaseMappingRFC1459, "NickName", "nickname"},
		{"rfc1459Specials", CaseMappingRFC1459, "nick{}\\~", "nick[]|^"},
		{"rfc1459StrictSpecials", CaseMappingRFC1459Strict, "nick{}\\~", "nick[]|~"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cm(tc.in); got != tc.want {
				t.Errorf("casemap(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseCaseMapping(t *testing.T) {
	if _, ok := parseCaseMapping("ascii"); !ok {
		t.Errorf("parseCaseMapping(\"ascii\") not recognized")
	}
	if _, ok := parseCaseMapping("bogus"); ok {
		t.Errorf("parseCaseMapping(\"bogus\") should not be recognized")
	}
}

func TestModeSet(t *testing.T) {
	var ms modeSet
	if err := ms.Apply("+iw"); err != nil {
		t.Fatalf("Apply(\"+iw\"): %v", err)
	}
	if !ms.Has('i') || !ms.Has('w') {
		t.Errorf("mode set %q missing +i or +w", ms)
	}
	if err := ms.Apply("-i+o"); err != nil {
		t.Fatalf("Apply(\"-i+o\"): %v", err)
	}
	if ms.Has('i') {
		t.Errorf("mode set %q still has +i", ms)
	}
	if !ms.Has('o') || !ms.Has('w') {
		t.Errorf("mode set %q missing +o or +w", ms)
	}
	if err := ms.Apply("x"); err == nil {
		t.Errorf("Apply without plus/minus should fail")
	}
}

func TestParseMessageParams(t *testing.T) {
	msg, err := irc.ParseMessage("JOIN #chan key")
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	var name, key string
	if err := parseMessageParams(msg, &name, &key); err != nil {
		t.Fatalf("parseMessageParams: %v", err)
	}
	if name != "#chan" || key != "key" {
		t.Errorf("got (%q, %q), want (%q, %q)", name, key, "#chan", "key")
	}

	var extra string
	if err := parseMessageParams(msg, nil, nil, &extra); err == nil {
		t.Errorf("expected error for missing parameter")
	}
}

func TestSanitizeText(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"utf8", "héllo", "héllo"},
		{"latin1", "h\xe9llo", "héllo"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeText(tc.in); got != tc.want {
				t.Errorf("sanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
