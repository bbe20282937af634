package perch

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordConn captures written lines without a real socket.
type recordConn struct {
	mu    sync.Mutex
	lines []string
}

func (c *recordConn) ReadLine() (string, error) { return "", io.EOF }

func (c *recordConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *recordConn) Close() error                      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error { return nil }
func (c *recordConn) LocalAddr() net.Addr               { return &net.TCPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr              { return &net.TCPAddr{} }

func (c *recordConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func newTestBot(cfg *Config) (*Bot, *recordConn) {
	if cfg.Nick == "" {
		cfg.Nick = "perch"
	}
	b := NewBot(cfg, NewLogger(io.Discard, false))
	conn := &recordConn{}
	b.mu.Lock()
	b.conn = conn
	b.state = StateConnected
	b.mu.Unlock()
	return b, conn
}

func TestSanitizeOutgoing(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "PRIVMSG #chan :hi", "PRIVMSG #chan :hi"},
		{"embeddedLF", "PRIVMSG #chan :hi\nQUIT", "PRIVMSG #chan :hi"},
		{"embeddedCR", "PRIVMSG #chan :hi\rQUIT", "PRIVMSG #chan :hi"},
		{"overlong", "PRIVMSG #chan :" + strings.Repeat("a", 600), ("PRIVMSG #chan :" + strings.Repeat("a", 600))[:510]},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeOutgoing(tc.in, 512); got != tc.want {
				t.Errorf("sanitizeOutgoing(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFloodDelay(t *testing.T) {
	b, conn := newTestBot(&Config{MessageDelay: 50 * time.Millisecond})

	start := time.Now()
	b.IRC().Message("#chan", "one")
	b.IRC().Message("#chan", "two")
	b.IRC().Message("#chan", "three")
	elapsed := time.Since(start)

	if got := conn.Lines(); len(got) != 3 {
		t.Fatalf("wrote %v lines, want 3", len(got))
	}
	// the first send consumes the initial token, the next two wait
	if elapsed < 100*time.Millisecond {
		t.Errorf("three sends finished in %v, want at least 100ms", elapsed)
	}
}

func TestFloodZeroDelay(t *testing.T) {
	b, conn := newTestBot(&Config{})

	start := time.Now()
	for i := 0; i < 10; i++ {
		b.IRC().Message("#chan", "hi")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("zero delay sends took %v", elapsed)
	}
	if got := conn.Lines(); len(got) != 10 {
		t.Errorf("wrote %v lines, want 10", len(got))
	}
}

func TestFloodBypass(t *testing.T) {
	b, conn := newTestBot(&Config{MessageDelay: time.Hour})

	// consume the initial token so a non-bypass send would block
	b.IRC().Message("#chan", "one")

	start := time.Now()
	b.Raw().LineNow("PONG :token")
	b.IRC().Quit("bye")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("bypass sends took %v", elapsed)
	}

	want := []string{"PRIVMSG #chan :one", "PONG :token", "QUIT :bye"}
	got := conn.Lines()
	if len(got) != len(want) {
		t.Fatalf("wrote %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %v = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMaskedLines(t *testing.T) {
	b, conn := newTestBot(&Config{})

	var events []string
	b.AddListener(ListenerFunc(func(ev Event) {
		if e, ok := ev.(*OutputEvent); ok {
			events = append(events, e.Line)
		}
	}))

	b.sendMaskedf("PASS <masked>", "PASS %s", "secret")

	got := conn.Lines()
	if len(got) != 1 || got[0] != "PASS secret" {
		t.Fatalf("wire got %v, want the unmasked PASS", got)
	}
	if len(events) != 1 || events[0] != "PASS <masked>" {
		t.Errorf("OutputEvent got %v, want the masked PASS", events)
	}
}

func TestDroppedWhenDisconnected(t *testing.T) {
	b := NewBot(&Config{Nick: "perch"}, NewLogger(io.Discard, false))
	// no conn installed: the write is dropped, not an error
	b.IRC().Message("#chan", "hi")
}

func TestOutputFacades(t *testing.T) {
	b, conn := newTestBot(&Config{})

	b.IRC().Notice("nick", "hi")
	b.IRC().Action("#chan", "waves")
	b.IRC().Join("#chan", "")
	b.IRC().Join("#locked", "hunter2")
	b.IRC().Part("#chan", "bye")
	b.IRC().Kick("#chan", "nick", "")
	b.IRC().Mode("#chan", "+o", "nick")
	b.IRC().Topic("#chan", "new topic")
	b.IRC().Away("brb")
	b.IRC().Away("")
	b.DCC().Send("nick", "my file.txt", net.IPv4(192, 168, 1, 1), 5000, 1024)

	want := []string{
		"NOTICE nick :hi",
		"PRIVMSG #chan :\x01ACTION waves\x01",
		"JOIN #chan",
		"JOIN #locked hunter2",
		"PART #chan :bye",
		"KICK #chan nick",
		"MODE #chan +o nick",
		"TOPIC #chan :new topic",
		"AWAY :brb",
		"AWAY",
		"PRIVMSG nick :\x01DCC SEND \"my file.txt\" 3232235777 5000 1024\x01",
	}
	got := conn.Lines()
	if len(got) != len(want) {
		t.Fatalf("wrote %v lines, want %v", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %v = %q, want %q", i, got[i], want[i])
		}
	}
}
