package config

import (
	"strings"
	"testing"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

func parseString(t *testing.T, s string) (*Bot, error) {
	t.Helper()
	block, err := scfg.Read(strings.NewReader(s))
	if err != nil {
		t.Fatalf("scfg read: %v", err)
	}
	return parse(block)
}

func TestParseMinimal(t *testing.T) {
	bot, err := parseString(t, `server irc.example.org 6667`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(bot.Servers) != 1 || bot.Servers[0].Host != "irc.example.org" || bot.Servers[0].Port != 6667 {
		t.Errorf("Servers = %v", bot.Servers)
	}
	if bot.Nick != "perch" || !bot.CapEnabled || bot.MessageDelay != time.Second {
		t.Errorf("defaults not applied: %+v", bot)
	}
}

func TestParseFull(t *testing.T) {
	bot, err := parseString(t, `
server irc.example.org 6697
server irc.fallback.org 6667
nick mybot
nick-alternatives mybot_ mybot__
login botlogin
realname "My Bot"
server-password sekrit
sasl PLAIN botlogin hunter2
capability away-notify
auto-reconnect true
auto-reconnect-attempts 5
auto-reconnect-delay 10s
message-delay 500ms
tls true
identd true :8113
channel "#general"
channel "#private" roomkey
listen-metrics localhost:9090
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(bot.Servers) != 2 || bot.Servers[1].Host != "irc.fallback.org" {
		t.Errorf("Servers = %v", bot.Servers)
	}
	if bot.Nick != "mybot" || len(bot.NickAlternatives) != 2 {
		t.Errorf("nicks = %v %v", bot.Nick, bot.NickAlternatives)
	}
	if bot.RealName != "My Bot" {
		t.Errorf("RealName = %q", bot.RealName)
	}
	if bot.SASL == nil || bot.SASL.Mechanism != "PLAIN" || bot.SASL.Password != "hunter2" {
		t.Errorf("SASL = %+v", bot.SASL)
	}
	if !bot.AutoReconnect || bot.AutoReconnectAttempts != 5 || bot.AutoReconnectDelay != 10*time.Second {
		t.Errorf("reconnect = %v %v %v", bot.AutoReconnect, bot.AutoReconnectAttempts, bot.AutoReconnectDelay)
	}
	if bot.MessageDelay != 500*time.Millisecond {
		t.Errorf("MessageDelay = %v", bot.MessageDelay)
	}
	if !bot.TLS {
		t.Errorf("TLS not set")
	}
	if !bot.Identd.Enabled || bot.Identd.Listen != ":8113" {
		t.Errorf("Identd = %+v", bot.Identd)
	}
	if len(bot.Channels) != 2 || bot.Channels[1].Key != "roomkey" {
		t.Errorf("Channels = %v", bot.Channels)
	}
	if bot.MetricsListen != "localhost:9090" {
		t.Errorf("MetricsListen = %q", bot.MetricsListen)
	}
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name string
		in   string
	}{
		{"noServer", `nick mybot`},
		{"badPort", `server irc.example.org notaport`},
		{"unknownDirective", "server irc.example.org 6667\nfrobnicate yes"},
		{"negativeDelay", "server irc.example.org 6667\nmessage-delay -5s"},
		{"badBool", "server irc.example.org 6667\nauto-reconnect maybe"},
		{"shortLine", "server irc.example.org 6667\nmax-line-length 10"},
		{"badEncoding", "server irc.example.org 6667\nencoding ebcdic"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseString(t, tc.in); err == nil {
				t.Errorf("parse(%q) should fail", tc.in)
			}
		})
	}
}
