package perch

import (
	"strings"

	"gopkg.in/irc.v4"
)

// Hostmask is the nick!login@host identity triple. Any part may be empty
// when unknown; only the nick identifies a user, the rest is transient.
type Hostmask struct {
	Nick  string
	Login string
	Host  string
}

// ParseHostmask splits a message prefix into its parts. A prefix without
// "!" or "@" is either a bare nick or a server name; both land in Nick.
func ParseHostmask(s string) Hostmask {
	var hm Hostmask
	rest := s
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		hm.Host = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '!'); i >= 0 {
		hm.Login = rest[i+1:]
		rest = rest[:i]
	}
	hm.Nick = rest
	return hm
}

func hostmaskFromPrefix(p *irc.Prefix) Hostmask {
	if p == nil {
		return Hostmask{}
	}
	return Hostmask{Nick: p.Name, Login: p.User, Host: p.Host}
}

// IsServer reports whether the prefix named a server rather than a user.
// Servers carry a dot and never a login or host part.
func (hm Hostmask) IsServer() bool {
	return hm.Login == "" && hm.Host == "" && strings.ContainsRune(hm.Nick, '.')
}

func (hm Hostmask) String() string {
	if hm.Login == "" && hm.Host == "" {
		return hm.Nick
	}
	var sb strings.Builder
	sb.WriteString(hm.Nick)
	if hm.Login != "" {
		sb.WriteByte('!')
		sb.WriteString(hm.Login)
	}
	if hm.Host != "" {
		sb.WriteByte('@')
		sb.WriteString(hm.Host)
	}
	return sb.String()
}
