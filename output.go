package perch

import (
	"fmt"
	"strings"
)

// sanitizeOutgoing makes a line safe for the wire: anything from the
// first CR or LF on is dropped, and the result is truncated to
// maxLineLength-2 bytes to leave room for the terminator.
func sanitizeOutgoing(line string, maxLineLength int) string {
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if maxLineLength > 2 && len(line) > maxLineLength-2 {
		line = line[:maxLineLength-2]
	}
	return line
}

// sendf queues a line through the flood controller.
func (b *Bot) sendf(format string, v ...interface{}) {
	b.writeLine(fmt.Sprintf(format, v...), "", false)
}

// sendNowf writes a line immediately, bypassing the flood controller.
// Reserved for protocol-critical traffic: PONG, keepalive PING, QUIT,
// registration and CAP negotiation.
func (b *Bot) sendNowf(format string, v ...interface{}) {
	b.writeLine(fmt.Sprintf(format, v...), "", true)
}

// sendMaskedf is sendNowf with a secret: the real line goes to the
// server, the masked form to the log and the OutputEvent.
func (b *Bot) sendMaskedf(masked string, format string, v ...interface{}) {
	b.writeLine(fmt.Sprintf(format, v...), masked, true)
}

func (b *Bot) writeLine(line, masked string, bypass bool) {
	line = sanitizeOutgoing(line, b.maxLineLength)
	if line == "" {
		return
	}
	if !bypass && b.limiter != nil {
		if err := b.limiter.Wait(b.runCtx()); err != nil {
			return
		}
	}

	conn := b.currentConn()
	if conn == nil {
		b.clog().Debugf("dropping line, not connected: %v", logLine(line, masked))
		return
	}
	if err := conn.WriteLine(line); err != nil {
		b.clog().Printf("failed to write line: %v", err)
		return
	}
	b.metrics.messagesSent.Inc()
	b.clog().Debugf("sent: %v", logLine(line, masked))
	b.dispatch(&OutputEvent{EventMeta: b.newMeta(), Line: logLine(line, masked)})
}

func logLine(line, masked string) string {
	if masked != "" {
		return masked
	}
	return line
}

// OutputRaw sends preformatted lines. Obtained via Bot.Raw().
type OutputRaw struct {
	bot *Bot
}

// Line queues a raw line through the flood controller.
func (o *OutputRaw) Line(line string) {
	o.bot.writeLine(line, "", false)
}

// LineNow writes a raw line immediately, skipping the flood controller.
func (o *OutputRaw) LineNow(line string) {
	o.bot.writeLine(line, "", true)
}

// OutputIRC is the main command façade. Obtained via Bot.IRC().
type OutputIRC struct {
	bot *Bot
}

// Message sends a PRIVMSG to a channel or nick.
func (o *OutputIRC) Message(target, text string) {
	o.bot.sendf("PRIVMSG %s :%s", target, text)
}

// Action sends a "/me" to a channel or nick.
func (o *OutputIRC) Action(target, text string) {
	o.CTCPRequest(target, "ACTION "+text)
}

func (o *OutputIRC) Notice(target, text string) {
	o.bot.sendf("NOTICE %s :%s", target, text)
}

// CTCPRequest frames payload as a CTCP request inside a PRIVMSG.
func (o *OutputIRC) CTCPRequest(target, payload string) {
	o.bot.sendf("PRIVMSG %s :%c%s%c", target, ctcpDelim, payload, ctcpDelim)
}

// CTCPReply frames payload as a CTCP response inside a NOTICE.
func (o *OutputIRC) CTCPReply(target, payload string) {
	o.bot.sendf("NOTICE %s :%c%s%c", target, ctcpDelim, payload, ctcpDelim)
}

// Join joins a channel; key may be empty.
func (o *OutputIRC) Join(name, key string) {
	if key != "" {
		o.bot.setChannelKey(name, key)
		o.bot.sendf("JOIN %s %s", name, key)
		return
	}
	o.bot.sendf("JOIN %s", name)
}

// Part leaves a channel; reason may be empty.
func (o *OutputIRC) Part(name, reason string) {
	if reason != "" {
		o.bot.sendf("PART %s :%s", name, reason)
		return
	}
	o.bot.sendf("PART %s", name)
}

func (o *OutputIRC) Kick(channel, nick, reason string) {
	if reason != "" {
		o.bot.sendf("KICK %s %s :%s", channel, nick, reason)
		return
	}
	o.bot.sendf("KICK %s %s", channel, nick)
}

func (o *OutputIRC) Invite(nick, channel string) {
	o.bot.sendf("INVITE %s %s", nick, channel)
}

// Mode changes modes on a channel or ourselves.
func (o *OutputIRC) Mode(target, modes string, params ...string) {
	if len(params) > 0 {
		o.bot.sendf("MODE %s %s %s", target, modes, strings.Join(params, " "))
		return
	}
	o.bot.sendf("MODE %s %s", target, modes)
}

func (o *OutputIRC) Topic(channel, topic string) {
	o.bot.sendf("TOPIC %s :%s", channel, topic)
}

func (o *OutputIRC) Whois(nick string) {
	o.bot.sendf("WHOIS %s", nick)
}

func (o *OutputIRC) Who(mask string) {
	o.bot.sendf("WHO %s", mask)
}

func (o *OutputIRC) List() {
	o.bot.sendf("LIST")
}

// Away marks us away; an empty message marks us back.
func (o *OutputIRC) Away(message string) {
	if message != "" {
		o.bot.sendf("AWAY :%s", message)
		return
	}
	o.bot.sendf("AWAY")
}

func (o *OutputIRC) NickChange(nick string) {
	o.bot.sendf("NICK %s", nick)
}

// Quit asks the server to close the link. The DisconnectEvent follows
// once the socket drops.
func (o *OutputIRC) Quit(reason string) {
	if reason != "" {
		o.bot.sendNowf("QUIT :%s", reason)
		return
	}
	o.bot.sendNowf("QUIT")
}

// OutputCAP drives capability negotiation. Obtained via Bot.CAP().
type OutputCAP struct {
	bot *Bot
}

func (o *OutputCAP) LS(version string) {
	if version != "" {
		o.bot.sendNowf("CAP LS %s", version)
		return
	}
	o.bot.sendNowf("CAP LS")
}

func (o *OutputCAP) REQ(caps string) {
	o.bot.sendNowf("CAP REQ :%s", caps)
}

func (o *OutputCAP) END() {
	o.bot.sendNowf("CAP END")
}

// Raw returns the raw-line façade.
func (b *Bot) Raw() *OutputRaw { return &OutputRaw{bot: b} }

// IRC returns the command façade.
func (b *Bot) IRC() *OutputIRC { return &OutputIRC{bot: b} }

// CAP returns the capability negotiation façade.
func (b *Bot) CAP() *OutputCAP { return &OutputCAP{bot: b} }

// DCC returns the DCC offer façade.
func (b *Bot) DCC() *OutputDCC { return &OutputDCC{bot: b} }
