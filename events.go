package perch

import (
	"net"
	"time"

	"github.com/ugjka/messenger"
	"gopkg.in/irc.v4"
)

// Event is anything the engine tells its listeners about. Concrete
// events are flat structs embedding EventMeta; switch on the type.
type Event interface {
	Meta() *EventMeta
}

// EventMeta is the envelope shared by every event: which engine emitted
// it, when, and a sequence number that keeps increasing across the
// engine's connections.
type EventMeta struct {
	Bot  *Bot
	Time time.Time
	ID   uint64
}

func (m *EventMeta) Meta() *EventMeta { return m }

// Listener consumes events. Delivery happens synchronously on the read
// goroutine; a listener that blocks stalls the connection. Wrap slow
// consumers in a Broadcaster.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

// ConnectFailure records one failed dial during the address fan-out.
type ConnectFailure struct {
	Addr string
	Err  error
}

// SocketConnectEvent fires when the transport is up, before
// registration.
type SocketConnectEvent struct {
	EventMeta
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// ConnectEvent fires on 001, once registration has succeeded.
type ConnectEvent struct {
	EventMeta
}

// ConnectAttemptStartEvent fires at the top of each reconnect
// iteration. Attempt counts monotonically across the engine's life.
type ConnectAttemptStartEvent struct {
	EventMeta
	Attempt int
}

// ConnectAttemptFailedEvent fires when every address of every configured
// server refused one connect iteration. Failures keep dial order.
type ConnectAttemptFailedEvent struct {
	EventMeta
	Failures []ConnectFailure

	// RemainingAttempts is the budget left after this failure, -1 when
	// unlimited.
	RemainingAttempts int
}

// DisconnectEvent fires exactly once per lost connection. Snapshot is a
// frozen copy of the state at teardown (nil when snapshots are
// disabled); Cause is the error that ended the connection, nil when the
// engine was stopped locally with StopReconnect or Close.
type DisconnectEvent struct {
	EventMeta
	Snapshot *Snapshot
	Cause    error
}

// ExceptionEvent surfaces a non-fatal error: an unparseable server
// line, or a panic recovered from a listener.
type ExceptionEvent struct {
	EventMeta
	Err error
}

// OutputEvent fires after a line has been written to the server. Line
// carries the masked form when the command had a secret.
type OutputEvent struct {
	EventMeta
	Line string
}

// ServerResponseEvent fires for every numeric reply, including ones the
// engine also decodes into richer events.
type ServerResponseEvent struct {
	EventMeta
	Code string
	Msg  *irc.Message
}

// UnknownEvent fires for non-numeric commands the engine has no handler
// for.
type UnknownEvent struct {
	EventMeta
	Msg *irc.Message
}

// ServerPingEvent fires for a server PING; the engine has already
// answered it.
type ServerPingEvent struct {
	EventMeta
	Token string
}

// MessageEvent is a PRIVMSG to a channel we are on.
type MessageEvent struct {
	EventMeta
	Channel *Channel
	User    *User
	Source  Hostmask
	Text    string
}

// PrivateMessageEvent is a PRIVMSG addressed to us. User is nil unless
// the sender shares a channel with us.
type PrivateMessageEvent struct {
	EventMeta
	User   *User
	Source Hostmask
	Text   string
}

// NoticeEvent is a NOTICE; Channel is nil when it was sent to us
// directly.
type NoticeEvent struct {
	EventMeta
	Channel *Channel
	User    *User
	Source  Hostmask
	Text    string
}

// ActionEvent is a CTCP ACTION ("/me") in a channel or query.
type ActionEvent struct {
	EventMeta
	Channel *Channel
	User    *User
	Source  Hostmask
	Text    string
}

// VersionEvent is a CTCP VERSION request. CoreHooks answers it.
type VersionEvent struct {
	EventMeta
	Source Hostmask
	Target string
}

// PingEvent is a CTCP PING request carrying an opaque value to echo.
type PingEvent struct {
	EventMeta
	Source Hostmask
	Target string
	Value  string
}

// TimeEvent is a CTCP TIME request.
type TimeEvent struct {
	EventMeta
	Source Hostmask
	Target string
}

// FingerEvent is a CTCP FINGER request.
type FingerEvent struct {
	EventMeta
	Source Hostmask
	Target string
}

// CTCPEvent is any other CTCP request, command upcased, args verbatim.
type CTCPEvent struct {
	EventMeta
	Source  Hostmask
	Target  string
	Command string
	Args    string
}

// CTCPReplyEvent is a CTCP response arriving in a NOTICE.
type CTCPReplyEvent struct {
	EventMeta
	Source  Hostmask
	Command string
	Args    string
}

type JoinEvent struct {
	EventMeta
	Channel *Channel
	User    *User
	Source  Hostmask
}

// PartEvent fires after the membership edge is gone; Channel remains
// readable but is no longer in the store when we ourselves parted.
type PartEvent struct {
	EventMeta
	Channel *Channel
	User    *User
	Source  Hostmask
	Reason  string
}

// QuitEvent fires after the user has been dropped from every channel.
// Channels lists where they were seen, for listeners that announce.
type QuitEvent struct {
	EventMeta
	Source   Hostmask
	Reason   string
	Channels []*Channel
}

type KickEvent struct {
	EventMeta
	Channel   *Channel
	Kicker    *User
	Source    Hostmask
	Recipient Hostmask
	Reason    string
}

type NickChangeEvent struct {
	EventMeta
	OldNick string
	NewNick string
	User    *User
}

// NickAlreadyInUseEvent fires on 433 or 432. During registration it comes
// after the engine has tried the next alternative (AutoNick, "" when the
// list is exhausted); after registration no alternative is tried and
// AutoNick is "".
type NickAlreadyInUseEvent struct {
	EventMeta
	Taken    string
	AutoNick string
}

// TopicEvent covers both a live TOPIC change (Changed true) and the
// 332/333 replay on join.
type TopicEvent struct {
	EventMeta
	Channel  *Channel
	Topic    string
	OldTopic string
	Source   Hostmask
	SetAt    time.Time
	Changed  bool
}

type InviteEvent struct {
	EventMeta
	Source  Hostmask
	Channel string
}

// UserModeEvent is a MODE on ourselves.
type UserModeEvent struct {
	EventMeta
	Source Hostmask
	Modes  string
}

// SetChannelModeEvent is the generic channel MODE event, fired once per
// MODE line after any typed per-letter events.
type SetChannelModeEvent struct {
	EventMeta
	Channel *Channel
	Source  Hostmask
	Modes   string
	Params  []string
}

// LevelChangeEvent fires per membership mode change (+o, -v, ...).
type LevelChangeEvent struct {
	EventMeta
	Channel   *Channel
	Source    Hostmask
	Recipient *User
	Level     Level
	Added     bool
}

// ChannelKeyEvent fires on +k/-k.
type ChannelKeyEvent struct {
	EventMeta
	Channel *Channel
	Source  Hostmask
	Key     string
	Set     bool
}

// ChannelLimitEvent fires on +l/-l.
type ChannelLimitEvent struct {
	EventMeta
	Channel *Channel
	Source  Hostmask
	Limit   int
	Set     bool
}

// ChannelListModeEvent fires per mask-list change (+b, +e, +I).
type ChannelListModeEvent struct {
	EventMeta
	Channel *Channel
	Source  Hostmask
	Mode    byte
	Mask    string
	Set     bool
}

// UserListEvent fires at 366 when the NAMES roster for a channel is
// complete.
type UserListEvent struct {
	EventMeta
	Channel *Channel
}

// BanListEvent fires at 368 with the collected 367 masks. Mode
// distinguishes ban (b), exception (e) and invite (I) lists.
type BanListEvent struct {
	EventMeta
	Channel *Channel
	Mode    byte
	Masks   []string
}

// Whois is the assembled picture from one WHOIS exchange.
type Whois struct {
	Nick     string
	Login    string
	Host     string
	RealName string

	Server     string
	ServerInfo string

	Channels    []string
	IdleSeconds int64
	SignOn      time.Time

	AwayMessage string
	Account     string
	Operator    bool
	Secure      bool

	// Exists is false when the exchange ended without a 311, i.e. the
	// nick is not online.
	Exists bool
}

// WhoisEvent fires at 318 with everything collected since 311.
type WhoisEvent struct {
	EventMeta
	Whois Whois
}

// WhoReply is one 352 line, decoded.
type WhoReply struct {
	Channel  string
	Login    string
	Host     string
	Server   string
	Nick     string
	Away     bool
	Operator bool
	Levels   LevelSet
	Hops     int
	RealName string
}

// WhoEvent fires at 315 with the collected 352 replies.
type WhoEvent struct {
	EventMeta
	Mask    string
	Replies []WhoReply
}

type ChannelListEntry struct {
	Name      string
	UserCount int
	Topic     string
}

// ChannelListEvent fires at 323 with the collected LIST entries.
type ChannelListEvent struct {
	EventMeta
	Entries []ChannelListEntry
}

// MotdEvent fires at 376 (or immediately on 422 with an empty Motd).
type MotdEvent struct {
	EventMeta
	Motd string
}

// AwayEvent is an away-notify AWAY from another user; Message empty
// means back.
type AwayEvent struct {
	EventMeta
	User    *User
	Source  Hostmask
	Message string
}

// AwayStatusEvent is the server confirming our own away state (305/306).
type AwayStatusEvent struct {
	EventMeta
	Away bool
}

// AccountChangeEvent is an account-notify ACCOUNT; Account empty means
// logged out.
type AccountChangeEvent struct {
	EventMeta
	User    *User
	Source  Hostmask
	Account string
}

// HostChangeEvent is a CHGHOST; the user's login/host have already been
// updated.
type HostChangeEvent struct {
	EventMeta
	User     *User
	Source   Hostmask
	NewLogin string
	NewHost  string
}

// DCCRequestEvent is a parsed CTCP DCC offer. The engine does not act
// on it; see DCCHandler.
type DCCRequestEvent struct {
	EventMeta
	Source  Hostmask
	Request DCCRequest
}

// Broadcaster fans events out to subscriber channels, decoupling slow
// consumers from the read goroutine. Register it with the bot like any
// other listener.
type Broadcaster struct {
	m *messenger.Messenger
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{m: messenger.New(0, false)}
}

func (b *Broadcaster) HandleEvent(ev Event) {
	b.m.Broadcast(ev)
}

// Subscribe returns a channel of events and a cancel function. The
// channel closes on cancel or Shutdown.
func (b *Broadcaster) Subscribe() (<-chan Event, func(), error) {
	src, err := b.m.Sub()
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for v := range src {
			if ev, ok := v.(Event); ok {
				out <- ev
			}
		}
	}()
	cancel := func() { b.m.Unsub(src) }
	return out, cancel, nil
}

// Shutdown closes every subscriber channel and stops the fan-out
// goroutine.
func (b *Broadcaster) Shutdown() {
	b.m.Kill()
}

// CoreHooks is the default listener: it answers the CTCP requests every
// well-behaved client answers. Version defaults to the engine name.
type CoreHooks struct {
	Version string
	Finger  string
}

func (h *CoreHooks) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case *VersionEvent:
		v := h.Version
		if v == "" {
			v = "perch"
		}
		e.Bot.IRC().CTCPReply(e.Source.Nick, "VERSION "+v)
	case *PingEvent:
		e.Bot.IRC().CTCPReply(e.Source.Nick, "PING "+e.Value)
	case *TimeEvent:
		e.Bot.IRC().CTCPReply(e.Source.Nick, "TIME "+e.Time.Format(time.UnixDate))
	case *FingerEvent:
		f := h.Finger
		if f == "" {
			f = "perch"
		}
		e.Bot.IRC().CTCPReply(e.Source.Nick, "FINGER "+f)
	case *CTCPEvent:
		if e.Command == "CLIENTINFO" {
			e.Bot.IRC().CTCPReply(e.Source.Nick, "CLIENTINFO ACTION CLIENTINFO DCC FINGER PING TIME VERSION")
		}
	}
}
