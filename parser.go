package perch

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v4"
)

// inputParser decodes server lines into state mutations and events. One
// parser lives for exactly one connection attempt; all of its methods
// run on the read goroutine, so the multi-line assembly buffers below
// need no locking.
type inputParser struct {
	bot *Bot

	registered bool
	capEndSent bool

	availableCaps map[string]string
	enabledCaps   map[string]bool
	saslClient    sasl.Client
	saslIR        []byte
	saslIRSent    bool

	whois map[string]*Whois
	who   map[string][]WhoReply
	masks map[string]map[byte][]string

	motd       strings.Builder
	listActive bool
	list       []ChannelListEntry
}

func newInputParser(b *Bot) *inputParser {
	return &inputParser{
		bot:           b,
		availableCaps: make(map[string]string),
		enabledCaps:   make(map[string]bool),
		whois:         make(map[string]*Whois),
		who:           make(map[string][]WhoReply),
		masks:         make(map[string]map[byte][]string),
	}
}

func isNumeric(cmd string) bool {
	return len(cmd) == 3 && cmd[0] >= '0' && cmd[0] <= '9'
}

// parseCTCP unwraps a \x01-framed payload into command and arguments.
func parseCTCP(text string) (cmd, args string, ok bool) {
	if len(text) < 2 || text[0] != ctcpDelim {
		return "", "", false
	}
	text = text[1:]
	if i := strings.IndexByte(text, ctcpDelim); i >= 0 {
		text = text[:i]
	}
	cmd, args, _ = strings.Cut(text, " ")
	return strings.ToUpper(cmd), args, true
}

// handleMessage is the single entry point for every line the read loop
// decodes. Returned errors are protocol-level and non-fatal; the read
// loop logs them and keeps going.
func (p *inputParser) handleMessage(msg *irc.Message) error {
	b := p.bot
	source := hostmaskFromPrefix(msg.Prefix)

	if isNumeric(msg.Command) {
		b.dispatch(&ServerResponseEvent{EventMeta: b.newMeta(), Code: msg.Command, Msg: msg})
	}

	switch msg.Command {
	case "PING":
		var token string
		if err := parseMessageParams(msg, &token); err != nil {
			return err
		}
		b.sendNowf("PONG :%s", token)
		b.dispatch(&ServerPingEvent{EventMeta: b.newMeta(), Token: token})
	case "PONG":
		// any received line proves liveness, nothing to track
	case "ERROR":
		var text string
		parseMessageParams(msg, &text)
		b.fail(classifyServerError(text))
	case "CAP":
		return p.handleCap(msg)
	case "AUTHENTICATE":
		return p.handleAuthenticate(msg)
	case "NICK":
		return p.handleNick(msg, source)
	case "JOIN":
		return p.handleJoin(msg, source)
	case "PART":
		return p.handlePart(msg, source)
	case "QUIT":
		return p.handleQuit(msg, source)
	case "KICK":
		return p.handleKick(msg, source)
	case "MODE":
		return p.handleMode(msg, source)
	case "TOPIC":
		return p.handleTopic(msg, source)
	case "INVITE":
		var nick, channel string
		if err := parseMessageParams(msg, &nick, &channel); err != nil {
			return err
		}
		b.dispatch(&InviteEvent{EventMeta: b.newMeta(), Source: source, Channel: channel})
	case "PRIVMSG":
		return p.handlePrivmsg(msg, source)
	case "NOTICE":
		return p.handleNotice(msg, source)
	case "AWAY":
		u := b.store.GetUser(source.Nick)
		awayMsg := ""
		if len(msg.Params) > 0 {
			awayMsg = msg.Params[0]
		}
		if u != nil {
			b.store.mu.Lock()
			u.AwayMessage = awayMsg
			b.store.mu.Unlock()
		}
		b.dispatch(&AwayEvent{EventMeta: b.newMeta(), User: u, Source: source, Message: awayMsg})
	case "ACCOUNT":
		var account string
		if err := parseMessageParams(msg, &account); err != nil {
			return err
		}
		if account == "*" {
			account = ""
		}
		u := b.store.GetUser(source.Nick)
		if u != nil {
			b.store.mu.Lock()
			u.Account = account
			b.store.mu.Unlock()
		}
		b.dispatch(&AccountChangeEvent{EventMeta: b.newMeta(), User: u, Source: source, Account: account})
	case "CHGHOST":
		var login, host string
		if err := parseMessageParams(msg, &login, &host); err != nil {
			return err
		}
		u := b.store.GetUser(source.Nick)
		if u != nil {
			b.store.mu.Lock()
			u.Login = login
			u.Host = host
			b.store.mu.Unlock()
		}
		b.dispatch(&HostChangeEvent{EventMeta: b.newMeta(), User: u, Source: source, NewLogin: login, NewHost: host})

	case rplWelcome:
		return p.handleWelcome(msg)
	case rplMyInfo:
		var name, version, userModes string
		if err := parseMessageParams(msg, nil, &name, &version, &userModes); err != nil {
			return err
		}
		b.serverInfo.setMyInfo(name, version, userModes)
	case rplISupport:
		return p.handleISupport(msg)
	case rplUmodeIs:
		var modes string
		if err := parseMessageParams(msg, nil, &modes); err != nil {
			return err
		}
		b.selfModes = modeSet(strings.TrimPrefix(modes, "+"))
	case rplAway:
		var nick, text string
		if err := parseMessageParams(msg, nil, &nick, &text); err != nil {
			return err
		}
		if w := p.whois[b.serverInfo.CaseMapping()(nick)]; w != nil {
			w.AwayMessage = text
		} else if u := b.store.GetUser(nick); u != nil {
			b.store.mu.Lock()
			u.AwayMessage = text
			b.store.mu.Unlock()
		}
	case rplUnAway:
		b.dispatch(&AwayStatusEvent{EventMeta: b.newMeta(), Away: false})
	case rplNowAway:
		b.dispatch(&AwayStatusEvent{EventMeta: b.newMeta(), Away: true})

	case rplWhoisUser:
		var nick, login, host, realName string
		if err := parseMessageParams(msg, nil, &nick, &login, &host, nil); err != nil {
			return err
		}
		if len(msg.Params) >= 6 {
			realName = msg.Params[5]
		}
		p.whois[b.serverInfo.CaseMapping()(nick)] = &Whois{
			Nick: nick, Login: login, Host: host, RealName: realName, Exists: true,
		}
	case rplWhoisServer:
		var nick, server, info string
		if err := parseMessageParams(msg, nil, &nick, &server); err != nil {
			return err
		}
		if len(msg.Params) >= 4 {
			info = msg.Params[3]
		}
		if w := p.whoisFor(nick); w != nil {
			w.Server = server
			w.ServerInfo = info
		}
	case rplWhoisOperator:
		var nick string
		if err := parseMessageParams(msg, nil, &nick); err != nil {
			return err
		}
		if w := p.whoisFor(nick); w != nil {
			w.Operator = true
		}
	case rplWhoisIdle:
		var nick, idle string
		if err := parseMessageParams(msg, nil, &nick, &idle); err != nil {
			return err
		}
		if w := p.whoisFor(nick); w != nil {
			w.IdleSeconds, _ = strconv.ParseInt(idle, 10, 64)
			if len(msg.Params) >= 4 {
				if signon, err := strconv.ParseInt(msg.Params[3], 10, 64); err == nil {
					w.SignOn = time.Unix(signon, 0)
				}
			}
		}
	case rplWhoisChannels:
		var nick, channels string
		if err := parseMessageParams(msg, nil, &nick, &channels); err != nil {
			return err
		}
		if w := p.whoisFor(nick); w != nil {
			for _, name := range splitSpace(channels) {
				_, name = b.serverInfo.splitLevelPrefixes(name)
				w.Channels = append(w.Channels, name)
			}
		}
	case rplWhoisAccount:
		var nick, account string
		if err := parseMessageParams(msg, nil, &nick, &account); err != nil {
			return err
		}
		if w := p.whoisFor(nick); w != nil {
			w.Account = account
		}
	case rplWhoisSecure:
		var nick string
		if err := parseMessageParams(msg, nil, &nick); err != nil {
			return err
		}
		if w := p.whoisFor(nick); w != nil {
			w.Secure = true
		}
	case rplEndOfWhois:
		var nick string
		if err := parseMessageParams(msg, nil, &nick); err != nil {
			return err
		}
		key := b.serverInfo.CaseMapping()(nick)
		w := p.whois[key]
		delete(p.whois, key)
		if w == nil {
			w = &Whois{Nick: nick}
		}
		b.dispatch(&WhoisEvent{EventMeta: b.newMeta(), Whois: *w})

	case rplWhoReply:
		return p.handleWhoReply(msg)
	case rplEndOfWho:
		var mask string
		if err := parseMessageParams(msg, nil, &mask); err != nil {
			return err
		}
		key := b.serverInfo.CaseMapping()(mask)
		replies := p.who[key]
		delete(p.who, key)
		b.dispatch(&WhoEvent{EventMeta: b.newMeta(), Mask: mask, Replies: replies})

	case rplListStart:
		p.listActive = true
		p.list = nil
	case rplList:
		var channel, count, topic string
		if err := parseMessageParams(msg, nil, &channel, &count); err != nil {
			return err
		}
		if len(msg.Params) >= 4 {
			topic = msg.Params[3]
		}
		n, _ := strconv.Atoi(count)
		p.list = append(p.list, ChannelListEntry{Name: channel, UserCount: n, Topic: sanitizeText(topic)})
	case rplListEnd:
		entries := p.list
		p.list = nil
		p.listActive = false
		b.dispatch(&ChannelListEvent{EventMeta: b.newMeta(), Entries: entries})

	case rplChannelModeIs:
		var channel, modes string
		if err := parseMessageParams(msg, nil, &channel, &modes); err != nil {
			return err
		}
		ch := b.store.GetChannel(channel)
		if ch == nil {
			return nil
		}
		params := msg.Params[3:]
		p.applyChannelMode(source, ch, modes, params, false)
		b.dispatch(&SetChannelModeEvent{EventMeta: b.newMeta(), Channel: ch, Source: source, Modes: modes, Params: params})
	case rplCreationTime:
		var channel, ts string
		if err := parseMessageParams(msg, nil, &channel, &ts); err != nil {
			return err
		}
		if ch := b.store.GetChannel(channel); ch != nil {
			if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
				b.store.mu.Lock()
				ch.CreationTime = time.Unix(sec, 0)
				b.store.mu.Unlock()
			}
		}

	case rplNoTopic:
		var channel string
		if err := parseMessageParams(msg, nil, &channel); err != nil {
			return err
		}
		if ch := b.store.GetChannel(channel); ch != nil {
			b.store.mu.Lock()
			ch.Topic = ""
			b.store.mu.Unlock()
		}
	case rplTopic:
		var channel, topic string
		if err := parseMessageParams(msg, nil, &channel, &topic); err != nil {
			return err
		}
		if ch := b.store.GetChannel(channel); ch != nil {
			b.store.mu.Lock()
			ch.Topic = sanitizeText(topic)
			b.store.mu.Unlock()
		}
	case rplTopicWhoTime:
		var channel, who, ts string
		if err := parseMessageParams(msg, nil, &channel, &who, &ts); err != nil {
			return err
		}
		ch := b.store.GetChannel(channel)
		if ch == nil {
			return nil
		}
		setter := ParseHostmask(who)
		var setAt time.Time
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			setAt = time.Unix(sec, 0)
		}
		b.store.mu.Lock()
		ch.TopicSetter = setter
		ch.TopicTimestamp = setAt
		topic := ch.Topic
		b.store.mu.Unlock()
		b.dispatch(&TopicEvent{
			EventMeta: b.newMeta(),
			Channel:   ch,
			Topic:     topic,
			Source:    setter,
			SetAt:     setAt,
			Changed:   false,
		})

	case rplNamReply:
		return p.handleNamReply(msg)
	case rplEndOfNames:
		var channel string
		if err := parseMessageParams(msg, nil, &channel); err != nil {
			return err
		}
		ch := b.store.GetChannel(channel)
		if ch == nil {
			return nil
		}
		b.store.mu.Lock()
		ch.namesComplete = true
		b.store.mu.Unlock()
		b.dispatch(&UserListEvent{EventMeta: b.newMeta(), Channel: ch})

	case rplBanList:
		return p.collectMask(msg, 'b')
	case rplEndOfBans:
		return p.finishMasks(msg, 'b')
	case rplExceptList:
		return p.collectMask(msg, 'e')
	case rplEndOfExcepts:
		return p.finishMasks(msg, 'e')
	case rplInviteList:
		return p.collectMask(msg, 'I')
	case rplEndOfInvites:
		return p.finishMasks(msg, 'I')

	case rplMotdStart:
		p.motd.Reset()
	case rplMotd:
		var line string
		if err := parseMessageParams(msg, nil, &line); err != nil {
			return err
		}
		p.motd.WriteString(sanitizeText(line))
		p.motd.WriteByte('\n')
	case rplEndOfMotd:
		motd := p.motd.String()
		p.motd.Reset()
		b.dispatch(&MotdEvent{EventMeta: b.newMeta(), Motd: motd})
	case errNoMotd:
		b.dispatch(&MotdEvent{EventMeta: b.newMeta()})

	case errNickInUse, errErroneousNick:
		return p.handleNickRefused(msg)
	case errPasswdMismatch:
		var text string
		if len(msg.Params) >= 2 {
			text = msg.Params[1]
		}
		b.fail(&IrcError{Reason: ReasonPasswordMismatch, Desc: text})
	case errYoureBanned:
		var text string
		if len(msg.Params) >= 2 {
			text = msg.Params[1]
		}
		b.fail(&IrcError{Reason: ReasonBanned, Desc: text})

	case rplLoggedIn, rplLoggedOut:
		// account status acknowledged, nothing to track until 903
	case rplSaslSuccess:
		p.saslClient = nil
		p.saslIR = nil
		p.maybeEndCap()
	case errNickLocked, errSaslFail, errSaslTooLong, errSaslAborted, errSaslAlready:
		var text string
		if len(msg.Params) >= 2 {
			text = msg.Params[len(msg.Params)-1]
		}
		p.saslClient = nil
		p.saslIR = nil
		b.dispatch(&ExceptionEvent{EventMeta: b.newMeta(), Err: fmt.Errorf("sasl authentication failed: %v", text)})
		p.maybeEndCap()

	default:
		if !isNumeric(msg.Command) {
			b.dispatch(&UnknownEvent{EventMeta: b.newMeta(), Msg: msg})
		}
	}
	return nil
}

func (p *inputParser) whoisFor(nick string) *Whois {
	return p.whois[p.bot.serverInfo.CaseMapping()(nick)]
}

func classifyServerError(text string) *IrcError {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "banned") || strings.Contains(lower, "k-lined") || strings.Contains(lower, "g-lined"):
		return &IrcError{Reason: ReasonBanned, Desc: text}
	default:
		return &IrcError{Reason: ReasonClosingLink, Desc: text}
	}
}

func (p *inputParser) handleWelcome(msg *irc.Message) error {
	b := p.bot
	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		return err
	}
	if cur := b.store.BotUser().Nick; cur != nick {
		b.store.RenameUser(cur, nick)
	}
	p.registered = true
	b.handleRegistered()
	b.dispatch(&ConnectEvent{EventMeta: b.newMeta()})
	return nil
}

func (p *inputParser) handleISupport(msg *irc.Message) error {
	b := p.bot
	if len(msg.Params) < 2 {
		return fmt.Errorf("005: not enough parameters")
	}
	for _, token := range msg.Params[1 : len(msg.Params)-1] {
		if err := b.serverInfo.applyISupport(token); err != nil {
			b.dispatch(&ExceptionEvent{EventMeta: b.newMeta(), Err: err})
			continue
		}
		if strings.HasPrefix(token, "CASEMAPPING") || strings.HasPrefix(token, "-CASEMAPPING") {
			b.store.SetCaseMapping(b.serverInfo.CaseMapping())
		}
	}
	return nil
}

func (p *inputParser) handleNickRefused(msg *irc.Message) error {
	b := p.bot
	var taken string
	if len(msg.Params) >= 2 {
		taken = msg.Params[1]
	}
	if p.registered {
		b.dispatch(&NickAlreadyInUseEvent{EventMeta: b.newMeta(), Taken: taken})
		return nil
	}
	alt, ok := b.nextAltNick()
	if !ok {
		b.dispatch(&NickAlreadyInUseEvent{EventMeta: b.newMeta(), Taken: taken})
		b.fail(&IrcError{Reason: ReasonNickAlreadyInUse, Desc: "all nick alternatives exhausted"})
		return nil
	}
	b.store.RenameUser(b.store.BotUser().Nick, alt)
	b.sendNowf("NICK %s", alt)
	b.dispatch(&NickAlreadyInUseEvent{EventMeta: b.newMeta(), Taken: taken, AutoNick: alt})
	return nil
}

func (p *inputParser) handleNick(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var newNick string
	if err := parseMessageParams(msg, &newNick); err != nil {
		return err
	}
	u, err := b.store.RenameUser(source.Nick, newNick)
	if err != nil {
		// a rename for someone we do not share a channel with
		return nil
	}
	b.dispatch(&NickChangeEvent{EventMeta: b.newMeta(), OldNick: source.Nick, NewNick: newNick, User: u})
	return nil
}

func (p *inputParser) handleJoin(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var name string
	if err := parseMessageParams(msg, &name); err != nil {
		return err
	}
	self := b.store.isBot(source.Nick)

	var ch *Channel
	if self {
		ch = b.store.getOrCreateChannel(name)
		b.noteJoined(name)
		b.sendf("MODE %s", name)
		b.sendf("WHO %s", name)
	} else {
		ch = b.store.GetChannel(name)
		if ch == nil {
			return nil
		}
	}

	u := b.store.GetOrCreateUser(source)
	// extended-join carries account and realname
	if p.enabledCaps["extended-join"] && len(msg.Params) >= 3 {
		account := msg.Params[1]
		if account == "*" {
			account = ""
		}
		b.store.mu.Lock()
		u.Account = account
		u.RealName = msg.Params[2]
		b.store.mu.Unlock()
	}
	b.store.AddUserToChannel(u, ch, 0)
	b.dispatch(&JoinEvent{EventMeta: b.newMeta(), Channel: ch, User: u, Source: source})
	return nil
}

func (p *inputParser) handlePart(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var name string
	if err := parseMessageParams(msg, &name); err != nil {
		return err
	}
	var reason string
	if len(msg.Params) >= 2 {
		reason = msg.Params[1]
	}
	ch := b.store.GetChannel(name)
	if ch == nil {
		return nil
	}
	u := b.store.GetUser(source.Nick)
	if b.store.isBot(source.Nick) {
		b.noteLeft(name)
		b.store.RemoveChannel(ch)
	} else if u != nil {
		b.store.RemoveUserFromChannel(u, ch)
	}
	b.dispatch(&PartEvent{EventMeta: b.newMeta(), Channel: ch, User: u, Source: source, Reason: reason})
	return nil
}

func (p *inputParser) handleQuit(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var reason string
	if len(msg.Params) >= 1 {
		reason = msg.Params[0]
	}
	u := b.store.GetUser(source.Nick)
	var channels []*Channel
	if u != nil {
		channels = u.Channels()
		b.store.RemoveUser(u)
	}
	b.dispatch(&QuitEvent{EventMeta: b.newMeta(), Source: source, Reason: reason, Channels: channels})
	return nil
}

func (p *inputParser) handleKick(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var name, nick string
	if err := parseMessageParams(msg, &name, &nick); err != nil {
		return err
	}
	var reason string
	if len(msg.Params) >= 3 {
		reason = msg.Params[2]
	}
	ch := b.store.GetChannel(name)
	if ch == nil {
		return nil
	}
	kicker := b.store.GetUser(source.Nick)
	recipient := Hostmask{Nick: nick}
	if u := b.store.GetUser(nick); u != nil {
		recipient = u.Hostmask()
	}
	if b.store.isBot(nick) {
		b.noteLeft(name)
		b.store.RemoveChannel(ch)
	} else if u := b.store.GetUser(nick); u != nil {
		b.store.RemoveUserFromChannel(u, ch)
	}
	b.dispatch(&KickEvent{
		EventMeta: b.newMeta(),
		Channel:   ch,
		Kicker:    kicker,
		Source:    source,
		Recipient: recipient,
		Reason:    reason,
	})
	return nil
}

func (p *inputParser) handleTopic(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var name, topic string
	if err := parseMessageParams(msg, &name, &topic); err != nil {
		return err
	}
	topic = sanitizeText(topic)
	ch := b.store.GetChannel(name)
	if ch == nil {
		return nil
	}
	now := time.Now()
	b.store.mu.Lock()
	old := ch.Topic
	ch.Topic = topic
	ch.TopicSetter = source
	ch.TopicTimestamp = now
	b.store.mu.Unlock()
	b.dispatch(&TopicEvent{
		EventMeta: b.newMeta(),
		Channel:   ch,
		Topic:     topic,
		OldTopic:  old,
		Source:    source,
		SetAt:     now,
		Changed:   true,
	})
	return nil
}

func (p *inputParser) handleMode(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var target, modes string
	if err := parseMessageParams(msg, &target, &modes); err != nil {
		return err
	}

	if !b.serverInfo.IsChannel(target) {
		// mode on ourselves
		if err := b.selfModes.Apply(modes); err != nil {
			return err
		}
		b.dispatch(&UserModeEvent{EventMeta: b.newMeta(), Source: source, Modes: modes})
		return nil
	}

	ch := b.store.GetChannel(target)
	if ch == nil {
		return nil
	}
	params := msg.Params[2:]
	if err := p.applyChannelMode(source, ch, modes, params, true); err != nil {
		return err
	}
	b.dispatch(&SetChannelModeEvent{EventMeta: b.newMeta(), Channel: ch, Source: source, Modes: modes, Params: params})
	return nil
}

// applyChannelMode walks a modestring, consuming arguments per the
// CHANMODES class of each letter and updating the channel. When emit is
// set, typed per-letter events fire; the 324 replay applies silently
// except for the trailing generic event.
func (p *inputParser) applyChannelMode(source Hostmask, ch *Channel, modes string, params []string, emit bool) error {
	b := p.bot
	nextParam := func() (string, bool) {
		if len(params) == 0 {
			return "", false
		}
		s := params[0]
		params = params[1:]
		return s, true
	}

	var plusMinus byte
	for i := 0; i < len(modes); i++ {
		c := modes[i]
		if c == '+' || c == '-' {
			plusMinus = c
			continue
		}
		if plusMinus == 0 {
			return &ProtocolError{Desc: "malformed modestring " + strconv.Quote(modes) + ": missing plus/minus"}
		}
		set := plusMinus == '+'

		if level, isPrefix := b.serverInfo.prefixMode(c); isPrefix {
			nick, ok := nextParam()
			if !ok {
				return &ProtocolError{Desc: fmt.Sprintf("missing nick for mode %c%c", plusMinus, c)}
			}
			u := b.store.GetUser(nick)
			if u == nil {
				continue
			}
			ls := u.LevelsIn(ch)
			if set {
				ls = ls.Add(level)
			} else {
				ls = ls.Del(level)
			}
			b.store.SetUserLevels(u, ch, ls)
			if emit && level != levelNone {
				b.dispatch(&LevelChangeEvent{
					EventMeta: b.newMeta(),
					Channel:   ch,
					Source:    source,
					Recipient: u,
					Level:     level,
					Added:     set,
				})
			}
			continue
		}

		t, known := b.serverInfo.channelModeType(c)
		if !known {
			t = modeTypeD
		}
		switch t {
		case modeTypeA:
			mask, ok := nextParam()
			if !ok {
				// a bare type A mode queries the list, nothing changes
				continue
			}
			b.store.mu.Lock()
			switch c {
			case 'b':
				ch.BanMasks = updateMaskList(ch.BanMasks, mask, set)
			case 'e':
				ch.ExceptMasks = updateMaskList(ch.ExceptMasks, mask, set)
			case 'I':
				ch.InviteMasks = updateMaskList(ch.InviteMasks, mask, set)
			}
			b.store.mu.Unlock()
			if emit {
				b.dispatch(&ChannelListModeEvent{
					EventMeta: b.newMeta(),
					Channel:   ch,
					Source:    source,
					Mode:      c,
					Mask:      mask,
					Set:       set,
				})
			}
		case modeTypeB:
			arg, ok := nextParam()
			if !ok {
				return &ProtocolError{Desc: fmt.Sprintf("missing argument for mode %c%c", plusMinus, c)}
			}
			b.store.mu.Lock()
			if c == 'k' {
				if set {
					ch.Key = arg
				} else {
					ch.Key = ""
				}
			}
			if set {
				ch.Modes[c] = arg
			} else {
				delete(ch.Modes, c)
			}
			b.store.mu.Unlock()
			if emit && c == 'k' {
				b.dispatch(&ChannelKeyEvent{EventMeta: b.newMeta(), Channel: ch, Source: source, Key: arg, Set: set})
			}
		case modeTypeC:
			var arg string
			if set {
				var ok bool
				arg, ok = nextParam()
				if !ok {
					return &ProtocolError{Desc: fmt.Sprintf("missing argument for mode +%c", c)}
				}
			}
			b.store.mu.Lock()
			if set {
				ch.Modes[c] = arg
			} else {
				delete(ch.Modes, c)
			}
			b.store.mu.Unlock()
			if emit && c == 'l' {
				limit, _ := strconv.Atoi(arg)
				b.dispatch(&ChannelLimitEvent{EventMeta: b.newMeta(), Channel: ch, Source: source, Limit: limit, Set: set})
			}
		case modeTypeD:
			b.store.mu.Lock()
			if set {
				ch.Modes[c] = ""
			} else {
				delete(ch.Modes, c)
			}
			b.store.mu.Unlock()
		}
	}
	return nil
}

func updateMaskList(masks []string, mask string, set bool) []string {
	for i, m := range masks {
		if m == mask {
			if set {
				return masks
			}
			return append(masks[:i], masks[i+1:]...)
		}
	}
	if set {
		return append(masks, mask)
	}
	return masks
}

func (p *inputParser) handlePrivmsg(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var target, text string
	if err := parseMessageParams(msg, &target, &text); err != nil {
		return err
	}

	u := b.store.GetUser(source.Nick)
	if u != nil {
		b.store.mu.Lock()
		u.LastActivity = time.Now()
		b.store.mu.Unlock()
	}

	if cmd, args, ok := parseCTCP(text); ok {
		return p.handleCTCPRequest(source, target, u, cmd, args)
	}

	text = sanitizeText(text)
	if b.serverInfo.IsChannel(target) {
		ch := b.store.GetChannel(target)
		b.dispatch(&MessageEvent{EventMeta: b.newMeta(), Channel: ch, User: u, Source: source, Text: text})
	} else {
		b.dispatch(&PrivateMessageEvent{EventMeta: b.newMeta(), User: u, Source: source, Text: text})
	}
	return nil
}

func (p *inputParser) handleCTCPRequest(source Hostmask, target string, u *User, cmd, args string) error {
	b := p.bot
	switch cmd {
	case "ACTION":
		var ch *Channel
		if b.serverInfo.IsChannel(target) {
			ch = b.store.GetChannel(target)
		}
		b.dispatch(&ActionEvent{EventMeta: b.newMeta(), Channel: ch, User: u, Source: source, Text: sanitizeText(args)})
	case "VERSION":
		b.dispatch(&VersionEvent{EventMeta: b.newMeta(), Source: source, Target: target})
	case "PING":
		b.dispatch(&PingEvent{EventMeta: b.newMeta(), Source: source, Target: target, Value: args})
	case "TIME":
		b.dispatch(&TimeEvent{EventMeta: b.newMeta(), Source: source, Target: target})
	case "FINGER":
		b.dispatch(&FingerEvent{EventMeta: b.newMeta(), Source: source, Target: target})
	case "DCC":
		req, err := parseDCCRequest(args)
		if err != nil {
			b.dispatch(&ExceptionEvent{EventMeta: b.newMeta(), Err: err})
			return nil
		}
		b.dispatch(&DCCRequestEvent{EventMeta: b.newMeta(), Source: source, Request: req})
		if b.DCCHandler != nil {
			b.DCCHandler.HandleDCC(b, source, req)
		}
	default:
		b.dispatch(&CTCPEvent{EventMeta: b.newMeta(), Source: source, Target: target, Command: cmd, Args: args})
	}
	return nil
}

func (p *inputParser) handleNotice(msg *irc.Message, source Hostmask) error {
	b := p.bot
	var target, text string
	if err := parseMessageParams(msg, &target, &text); err != nil {
		return err
	}
	if cmd, args, ok := parseCTCP(text); ok {
		b.dispatch(&CTCPReplyEvent{EventMeta: b.newMeta(), Source: source, Command: cmd, Args: args})
		return nil
	}
	var ch *Channel
	if b.serverInfo.IsChannel(target) {
		ch = b.store.GetChannel(target)
	}
	u := b.store.GetUser(source.Nick)
	b.dispatch(&NoticeEvent{EventMeta: b.newMeta(), Channel: ch, User: u, Source: source, Text: sanitizeText(text)})
	return nil
}

func (p *inputParser) handleNamReply(msg *irc.Message) error {
	b := p.bot
	var name, names string
	if err := parseMessageParams(msg, nil, nil, &name, &names); err != nil {
		return err
	}
	ch := b.store.GetChannel(name)
	if ch == nil {
		return nil
	}
	for _, raw := range splitSpace(names) {
		levels, rest := b.serverInfo.splitLevelPrefixes(raw)
		hm := ParseHostmask(rest)
		u := b.store.GetOrCreateUser(hm)
		b.store.AddUserToChannel(u, ch, levels)
	}
	return nil
}

func (p *inputParser) handleWhoReply(msg *irc.Message) error {
	b := p.bot
	var channel, login, host, server, nick, flags string
	if err := parseMessageParams(msg, nil, &channel, &login, &host, &server, &nick, &flags); err != nil {
		return err
	}
	var hops int
	var realName string
	if len(msg.Params) >= 8 {
		hopsStr, rest, _ := strings.Cut(msg.Params[7], " ")
		hops, _ = strconv.Atoi(hopsStr)
		realName = rest
	}

	reply := WhoReply{
		Channel:  channel,
		Login:    login,
		Host:     host,
		Server:   server,
		Nick:     nick,
		Hops:     hops,
		RealName: realName,
	}
	for i := 0; i < len(flags); i++ {
		switch c := flags[i]; c {
		case 'H':
		case 'G':
			reply.Away = true
		case '*':
			reply.Operator = true
		default:
			if ls, rest := b.serverInfo.splitLevelPrefixes(string(c)); rest == "" {
				reply.Levels |= ls
			}
		}
	}

	// WHO against a joined channel is how the roster gets identities
	if ch := b.store.GetChannel(channel); ch != nil {
		u := b.store.GetOrCreateUser(Hostmask{Nick: nick, Login: login, Host: host})
		b.store.mu.Lock()
		u.RealName = realName
		u.Server = server
		u.IrcOperator = reply.Operator
		if !reply.Away {
			u.AwayMessage = ""
		}
		b.store.mu.Unlock()
		b.store.AddUserToChannel(u, ch, reply.Levels)
	}

	key := b.serverInfo.CaseMapping()(channel)
	p.who[key] = append(p.who[key], reply)
	return nil
}

func (p *inputParser) collectMask(msg *irc.Message, mode byte) error {
	var channel, mask string
	if err := parseMessageParams(msg, nil, &channel, &mask); err != nil {
		return err
	}
	key := p.bot.serverInfo.CaseMapping()(channel)
	if p.masks[key] == nil {
		p.masks[key] = make(map[byte][]string)
	}
	p.masks[key][mode] = append(p.masks[key][mode], mask)
	return nil
}

func (p *inputParser) finishMasks(msg *irc.Message, mode byte) error {
	b := p.bot
	var channel string
	if err := parseMessageParams(msg, nil, &channel); err != nil {
		return err
	}
	key := b.serverInfo.CaseMapping()(channel)
	var masks []string
	if m := p.masks[key]; m != nil {
		masks = m[mode]
		delete(m, mode)
	}
	ch := b.store.GetChannel(channel)
	if ch != nil {
		b.store.mu.Lock()
		switch mode {
		case 'b':
			ch.BanMasks = append([]string(nil), masks...)
		case 'e':
			ch.ExceptMasks = append([]string(nil), masks...)
		case 'I':
			ch.InviteMasks = append([]string(nil), masks...)
		}
		b.store.mu.Unlock()
	}
	b.dispatch(&BanListEvent{EventMeta: b.newMeta(), Channel: ch, Mode: mode, Masks: masks})
	return nil
}

// handleCap drives IRCv3 capability negotiation. During registration the
// parser owns the CAP END decision; NEW/DEL after registration only
// update the tables.
func (p *inputParser) handleCap(msg *irc.Message) error {
	b := p.bot
	var sub string
	if err := parseMessageParams(msg, nil, &sub); err != nil {
		return err
	}
	args := msg.Params[2:]

	switch strings.ToUpper(sub) {
	case "LS":
		more := len(args) >= 2 && args[0] == "*"
		caps := args[len(args)-1]
		for _, token := range splitSpace(caps) {
			name, value, _ := strings.Cut(token, "=")
			p.availableCaps[name] = value
		}
		if more || p.registered {
			return nil
		}
		req := b.requestedCaps()
		var ask []string
		for _, name := range req {
			if _, ok := p.availableCaps[name]; ok {
				ask = append(ask, name)
			}
		}
		if len(ask) == 0 {
			p.maybeEndCap()
			return nil
		}
		b.sendNowf("CAP REQ :%s", strings.Join(ask, " "))
	case "ACK":
		if len(args) == 0 {
			return fmt.Errorf("CAP ACK: not enough parameters")
		}
		for _, name := range splitSpace(args[len(args)-1]) {
			if strings.HasPrefix(name, "-") {
				delete(p.enabledCaps, name[1:])
				continue
			}
			p.enabledCaps[name] = true
		}
		if p.enabledCaps["sasl"] && b.saslConfigured() && !p.registered {
			return p.startSASL()
		}
		p.maybeEndCap()
	case "NAK":
		p.maybeEndCap()
	case "NEW":
		if len(args) >= 1 {
			for _, token := range splitSpace(args[len(args)-1]) {
				name, value, _ := strings.Cut(token, "=")
				p.availableCaps[name] = value
			}
		}
	case "DEL":
		if len(args) >= 1 {
			for _, name := range splitSpace(args[len(args)-1]) {
				delete(p.availableCaps, name)
				delete(p.enabledCaps, name)
			}
		}
	}
	return nil
}

func (p *inputParser) maybeEndCap() {
	if p.registered || p.capEndSent || p.saslClient != nil {
		return
	}
	p.capEndSent = true
	p.bot.sendNowf("CAP END")
}

func (p *inputParser) startSASL() error {
	b := p.bot
	client, err := b.newSASLClient()
	if err != nil {
		return err
	}
	mech, ir, err := client.Start()
	if err != nil {
		return err
	}
	p.saslClient = client
	p.saslIR = ir
	p.saslIRSent = false
	b.sendNowf("AUTHENTICATE %s", mech)
	return nil
}

// handleAuthenticate answers one server SASL challenge, base64-chunked
// at 400 bytes per the IRCv3 spec.
func (p *inputParser) handleAuthenticate(msg *irc.Message) error {
	b := p.bot
	if p.saslClient == nil {
		return fmt.Errorf("AUTHENTICATE: no authentication in progress")
	}
	var chunk string
	if err := parseMessageParams(msg, &chunk); err != nil {
		return err
	}

	var challenge []byte
	if chunk != "+" {
		var err error
		challenge, err = base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return fmt.Errorf("AUTHENTICATE: invalid base64: %v", err)
		}
	}

	// client-first mechanisms produce their response at Start time
	var resp []byte
	var err error
	if !p.saslIRSent {
		resp, p.saslIR, p.saslIRSent = p.saslIR, nil, true
	} else {
		resp, err = p.saslClient.Next(challenge)
	}
	if err != nil {
		b.sendNowf("AUTHENTICATE *")
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(resp)
	const chunkLen = 400
	total := len(encoded)
	for len(encoded) > 0 {
		n := chunkLen
		if n > len(encoded) {
			n = len(encoded)
		}
		b.sendNowf("AUTHENTICATE %s", encoded[:n])
		encoded = encoded[n:]
	}
	if total == 0 || total%chunkLen == 0 {
		b.sendNowf("AUTHENTICATE +")
	}
	return nil
}
