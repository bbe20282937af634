package perch

import (
	"strconv"
	"strings"
	"sync"
)

// levelPrefix associates a channel membership mode letter with its NAMES
// prefix character, as advertised by ISUPPORT PREFIX. Order is significant:
// earlier entries outrank later ones.
type levelPrefix struct {
	Mode   byte
	Prefix byte
	Level  Level
}

var stdLevelPrefixes = []levelPrefix{
	{'o', '@', LevelOp},
	{'v', '+', LevelVoice},
}

// ServerInfo accumulates what the server tells us about itself in 004 and
// 005 (ISUPPORT). Values may be refined at any point during a connection;
// reads from other goroutines go through the lock.
type ServerInfo struct {
	mu sync.Mutex

	name      string
	version   string
	userModes string

	isupport map[string]*string

	levelPrefixes []levelPrefix
	chanModes     map[byte]channelModeType
	chanTypes     string
	caseMapping   CaseMapping
	network       string
	maxTargets    int
}

func newServerInfo() *ServerInfo {
	return &ServerInfo{
		isupport:      make(map[string]*string),
		levelPrefixes: stdLevelPrefixes,
		chanModes:     stdChannelModes,
		chanTypes:     stdChannelTypes,
		caseMapping:   CaseMappingRFC1459,
	}
}

func (si *ServerInfo) setMyInfo(name, version, userModes string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.name = name
	si.version = version
	si.userModes = userModes
}

// ServerName returns the name the server introduced itself with in 004,
// or "" before registration completes.
func (si *ServerInfo) ServerName() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.name
}

func (si *ServerInfo) ServerVersion() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.version
}

func (si *ServerInfo) Network() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.network
}

func (si *ServerInfo) MaxTargets() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.maxTargets
}

// ISupport returns the raw value of an ISUPPORT parameter. A parameter
// advertised without a value yields ("", true).
func (si *ServerInfo) ISupport(param string) (string, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	v, ok := si.isupport[param]
	if !ok {
		return "", false
	}
	if v == nil {
		return "", true
	}
	return *v, true
}

func (si *ServerInfo) CaseMapping() CaseMapping {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.caseMapping
}

// IsChannel reports whether name starts with one of the server's channel
// type characters.
func (si *ServerInfo) IsChannel(name string) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return name != "" && strings.ContainsRune(si.chanTypes, rune(name[0]))
}

func (si *ServerInfo) channelModeType(mode byte) (channelModeType, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	t, ok := si.chanModes[mode]
	return t, ok
}

// prefixMode reports whether mode is one of the PREFIX membership modes,
// regardless of whether we have a name for its level.
func (si *ServerInfo) prefixMode(mode byte) (Level, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for _, lp := range si.levelPrefixes {
		if lp.Mode == mode {
			return lp.Level, true
		}
	}
	return levelNone, false
}

func (si *ServerInfo) levelForMode(mode byte) (Level, bool) {
	for _, lp := range si.levelPrefixes {
		if lp.Mode == mode {
			return lp.Level, lp.Level != levelNone
		}
	}
	return levelNone, false
}

// LevelForMode maps a channel mode letter (o, v, ...) to a membership
// level, if the server declared it in PREFIX.
func (si *ServerInfo) LevelForMode(mode byte) (Level, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.levelForMode(mode)
}

// splitLevelPrefixes consumes leading NAMES prefix characters (all of
// them: with multi-prefix the server sends one per level) and returns the
// decoded level set plus the bare nick.
func (si *ServerInfo) splitLevelPrefixes(s string) (LevelSet, string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	var ls LevelSet
	for len(s) > 0 {
		matched := false
		for _, lp := range si.levelPrefixes {
			if s[0] == lp.Prefix {
				ls = ls.Add(lp.Level)
				s = s[1:]
				matched = true
				break
			}
		}
		if !matched {
			break
		}
	}
	return ls, s
}

// applyISupport ingests one 005 token ("PARAM", "PARAM=value" or
// "-PARAM") and updates the decoded views.
func (si *ServerInfo) applyISupport(token string) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	param := token
	var value string
	var negate, hasValue bool
	if strings.HasPrefix(token, "-") {
		negate = true
		param = token[1:]
	} else if i := strings.IndexByte(token, '='); i >= 0 {
		param = token[:i]
		value = token[i+1:]
		hasValue = true
	}

	if negate {
		delete(si.isupport, param)
	} else if hasValue {
		v := value
		si.isupport[param] = &v
	} else {
		si.isupport[param] = nil
	}

	switch param {
	case "CASEMAPPING":
		cm, ok := parseCaseMapping(value)
		if !ok || negate {
			cm = CaseMappingRFC1459
		}
		si.caseMapping = cm
	case "CHANMODES":
		if negate {
			si.chanModes = stdChannelModes
			return nil
		}
		return si.applyChanModes(value)
	case "CHANTYPES":
		if negate {
			si.chanTypes = stdChannelTypes
		} else {
			si.chanTypes = value
		}
	case "PREFIX":
		if negate {
			si.levelPrefixes = stdLevelPrefixes
			return nil
		}
		return si.applyPrefix(value)
	case "NETWORK":
		si.network = value
	case "MAXTARGETS":
		if n, err := strconv.Atoi(value); err == nil {
			si.maxTargets = n
		}
	}
	return nil
}

func (si *ServerInfo) applyChanModes(s string) error {
	parts := strings.SplitN(s, ",", 5)
	if len(parts) < 4 {
		return &ProtocolError{Desc: "malformed CHANMODES value: " + s}
	}
	modes := make(map[byte]channelModeType)
	for class, letters := range parts[:4] {
		for i := 0; i < len(letters); i++ {
			modes[letters[i]] = channelModeType(class)
		}
	}
	si.chanModes = modes
	return nil
}

func (si *ServerInfo) applyPrefix(s string) error {
	if s == "" {
		si.levelPrefixes = nil
		return nil
	}
	sep := strings.IndexByte(s, ')')
	if !strings.HasPrefix(s, "(") || sep < 0 || len(s) != sep*2 {
		return &ProtocolError{Desc: "malformed PREFIX value: " + s}
	}
	lps := make([]levelPrefix, 0, sep-1)
	for i := 0; i < sep-1; i++ {
		mode, prefix := s[i+1], s[sep+1+i]
		lps = append(lps, levelPrefix{Mode: mode, Prefix: prefix, Level: levelForPrefixChar(prefix)})
	}
	si.levelPrefixes = lps
	return nil
}

func levelForPrefixChar(prefix byte) Level {
	switch prefix {
	case '~':
		return LevelOwner
	case '&':
		return LevelSuperOp
	case '@':
		return LevelOp
	case '%':
		return LevelHalfOp
	case '+':
		return LevelVoice
	default:
		// a prefix we have no name for still consumes its NAMES
		// character and MODE argument
		return levelNone
	}
}
