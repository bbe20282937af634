package perch

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/irc.v4"
)

// Numerics the engine dispatches on. gopkg.in/irc only names a subset of
// these, so they are all declared here.
const (
	rplWelcome        = "001"
	rplMyInfo         = "004"
	rplISupport       = "005"
	rplUmodeIs        = "221"
	rplAway           = "301"
	rplUnAway         = "305"
	rplNowAway        = "306"
	rplWhoisUser      = "311"
	rplWhoisServer    = "312"
	rplWhoisOperator  = "313"
	rplEndOfWho       = "315"
	rplWhoisIdle      = "317"
	rplEndOfWhois     = "318"
	rplWhoisChannels  = "319"
	rplListStart      = "321"
	rplList           = "322"
	rplListEnd        = "323"
	rplChannelModeIs  = "324"
	rplCreationTime   = "329"
	rplWhoisAccount   = "330"
	rplNoTopic        = "331"
	rplTopic          = "332"
	rplTopicWhoTime   = "333"
	rplInviting       = "341"
	rplInviteList     = "346"
	rplEndOfInvites   = "347"
	rplExceptList     = "348"
	rplEndOfExcepts   = "349"
	rplWhoReply       = "352"
	rplNamReply       = "353"
	rplEndOfNames     = "366"
	rplBanList        = "367"
	rplEndOfBans      = "368"
	rplMotd           = "372"
	rplMotdStart      = "375"
	rplEndOfMotd      = "376"
	errNoMotd         = "422"
	errErroneousNick  = "432"
	errNickInUse      = "433"
	errPasswdMismatch = "464"
	errYoureBanned    = "465"
	errChannelIsFull  = "471"
	errInviteOnlyChan = "473"
	errBannedFromChan = "474"
	errBadChannelKey  = "475"
	rplWhoisSecure    = "671"
	rplLoggedIn       = "900"
	rplLoggedOut      = "901"
	errNickLocked     = "902"
	rplSaslSuccess    = "903"
	errSaslFail       = "904"
	errSaslTooLong    = "905"
	errSaslAborted    = "906"
	errSaslAlready    = "907"
)

// ctcpDelim frames CTCP payloads inside PRIVMSG/NOTICE trailing params.
const ctcpDelim = '\x01'

// CaseMapping canonicalizes a nick or channel name per the server's
// advertised CASEMAPPING token.
type CaseMapping func(string) string

func casemapASCII(name string) string {
	b := []byte(name)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func casemapRFC1459(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case 'A' <= c && c <= 'Z':
			b[i] = c + 'a' - 'A'
		case c == '{':
			b[i] = '['
		case c == '}':
			b[i] = ']'
		case c == '\\':
			b[i] = '|'
		case c == '~':
			b[i] = '^'
		}
	}
	return string(b)
}

func casemapRFC1459Strict(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case 'A' <= c && c <= 'Z':
			b[i] = c + 'a' - 'A'
		case c == '{':
			b[i] = '['
		case c == '}':
			b[i] = ']'
		case c == '\\':
			b[i] = '|'
		}
	}
	return string(b)
}

var (
	CaseMappingASCII         CaseMapping = casemapASCII
	CaseMappingRFC1459       CaseMapping = casemapRFC1459
	CaseMappingRFC1459Strict CaseMapping = casemapRFC1459Strict
)

func parseCaseMapping(s string) (CaseMapping, bool) {
	switch s {
	case "ascii":
		return CaseMappingASCII, true
	case "rfc1459":
		return CaseMappingRFC1459, true
	case "rfc1459-strict":
		return CaseMappingRFC1459Strict, true
	}
	return nil, false
}

// modeSet is an unordered set of boolean mode letters, e.g. our own user
// modes.
type modeSet string

func (ms modeSet) Has(c byte) bool {
	return strings.IndexByte(string(ms), c) >= 0
}

// Apply folds a change string like "+iw-o" into the set. A mode letter
// before the first '+' or '-' is an error.
func (ms *modeSet) Apply(change string) error {
	set := []byte(*ms)
	var dir byte
	for i := 0; i < len(change); i++ {
		c := change[i]
		if c == '+' || c == '-' {
			dir = c
			continue
		}
		j := bytes.IndexByte(set, c)
		switch {
		case dir == 0:
			return fmt.Errorf("malformed modestring %q: missing plus/minus", change)
		case dir == '+' && j < 0:
			set = append(set, c)
		case dir == '-' && j >= 0:
			set = append(set[:j], set[j+1:]...)
		}
	}
	*ms = modeSet(set)
	return nil
}

// channelModeType classifies a channel mode letter per ISUPPORT CHANMODES.
type channelModeType byte

const (
	// modes that add/remove an entry on a mask list (+b, +e, +I)
	modeTypeA channelModeType = iota
	// modes that always take an argument (+k)
	modeTypeB
	// modes that take an argument only when set (+l)
	modeTypeC
	// boolean modes (+i, +m, ...)
	modeTypeD
)

var stdChannelModes = map[byte]channelModeType{
	'b': modeTypeA,
	'e': modeTypeA,
	'I': modeTypeA,
	'k': modeTypeB,
	'l': modeTypeC,
	'i': modeTypeD,
	'm': modeTypeD,
	'n': modeTypeD,
	'p': modeTypeD,
	's': modeTypeD,
	't': modeTypeD,
}

const stdChannelTypes = "#&"

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return fmt.Errorf("%v: not enough parameters (got %v)", msg.Command, len(msg.Params))
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

func splitSpace(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' '
	})
}

// sanitizeText repairs server-sent text that is not valid UTF-8 by
// reinterpreting it as latin-1. Servers relay whatever bytes clients sent.
func sanitizeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		sb.WriteRune(rune(s[i]))
	}
	return sb.String()
}
