package perch

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Level is a channel membership flag derived from ISUPPORT PREFIX.
type Level uint8

const (
	LevelOwner Level = iota
	LevelSuperOp
	LevelOp
	LevelHalfOp
	LevelVoice

	levelNone Level = 0xFF
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelSuperOp:
		return "superop"
	case LevelOp:
		return "op"
	case LevelHalfOp:
		return "halfop"
	case LevelVoice:
		return "voice"
	default:
		return "none"
	}
}

// LevelSet is a small immutable set of Levels. The zero value is empty.
type LevelSet uint8

func (ls LevelSet) Has(l Level) bool {
	if l == levelNone {
		return false
	}
	return ls&(1<<l) != 0
}

func (ls LevelSet) Add(l Level) LevelSet {
	if l == levelNone {
		return ls
	}
	return ls | (1 << l)
}

func (ls LevelSet) Del(l Level) LevelSet {
	if l == levelNone {
		return ls
	}
	return ls &^ (1 << l)
}

func (ls LevelSet) Empty() bool { return ls == 0 }

// Levels lists the set members ranked highest first.
func (ls LevelSet) Levels() []Level {
	var out []Level
	for l := LevelOwner; l <= LevelVoice; l++ {
		if ls.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// User is a hostmask we have promoted to a tracked participant because it
// shares at least one channel with us (or is us). Fields are owned by the
// store's lock.
type User struct {
	store *Store

	Nick     string
	Login    string
	Host     string
	RealName string
	Server   string

	AwayMessage  string
	IrcOperator  bool
	Account      string
	LastActivity time.Time
}

// Hostmask returns the user's current identity triple.
func (u *User) Hostmask() Hostmask {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	return Hostmask{Nick: u.Nick, Login: u.Login, Host: u.Host}
}

// Channels lists the channels this user shares with us.
func (u *User) Channels() []*Channel {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	var out []*Channel
	for name := range u.store.userChannels[u.store.casemap(u.Nick)] {
		if ch, ok := u.store.channels[name]; ok {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out
}

// LevelsIn returns the user's membership levels in ch.
func (u *User) LevelsIn(ch *Channel) LevelSet {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	return u.store.userChannels[u.store.casemap(u.Nick)][u.store.casemap(ch.Name)]
}

// Channel is a channel we are currently on. Fields are owned by the
// store's lock.
type Channel struct {
	store *Store

	Name string

	Topic          string
	TopicSetter    Hostmask
	TopicTimestamp time.Time
	CreationTime   time.Time

	Key   string
	Modes map[byte]string

	BanMasks    []string
	ExceptMasks []string
	InviteMasks []string

	namesComplete bool
}

// Members returns the channel membership with per-user level sets.
func (c *Channel) Members() map[*User]LevelSet {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make(map[*User]LevelSet)
	for nick, levels := range c.store.channelMembers[c.store.casemap(c.Name)] {
		if u, ok := c.store.users[nick]; ok {
			out[u] = levels
		}
	}
	return out
}

// UsersWith lists members holding the given level, e.g. the channel ops.
func (c *Channel) UsersWith(l Level) []*User {
	var out []*User
	for u, levels := range c.Members() {
		if levels.Has(l) {
			out = append(out, u)
		}
	}
	return out
}

// Store is the relational model of everything we can see on the
// connection: users and channels keyed under the server casemapping, with
// the membership relation kept as edges between the two. One Store lives
// for exactly one connection attempt.
type Store struct {
	mu      sync.Mutex
	casemap CaseMapping

	botNick string

	users    map[string]*User
	channels map[string]*Channel

	// membership edges, both directions, level set on each edge
	userChannels   map[string]map[string]LevelSet
	channelMembers map[string]map[string]LevelSet
}

func newStore(botNick string) *Store {
	s := &Store{
		casemap:        CaseMappingRFC1459,
		users:          make(map[string]*User),
		channels:       make(map[string]*Channel),
		userChannels:   make(map[string]map[string]LevelSet),
		channelMembers: make(map[string]map[string]LevelSet),
	}
	s.botNick = botNick
	s.users[s.casemap(botNick)] = &User{store: s, Nick: botNick}
	return s
}

// SetCaseMapping rekeys every index under the new mapping. Called when
// ISUPPORT CASEMAPPING arrives, which can postdate NAMES on fast servers.
func (s *Store) SetCaseMapping(cm CaseMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// old key -> new key, before the primary indexes are rebuilt
	userKeys := make(map[string]string, len(s.users))
	for key, u := range s.users {
		userKeys[key] = cm(u.Nick)
	}
	chanKeys := make(map[string]string, len(s.channels))
	for key, ch := range s.channels {
		chanKeys[key] = cm(ch.Name)
	}

	s.casemap = cm
	s.users = rekey(s.users, func(u *User) string { return cm(u.Nick) })
	s.channels = rekey(s.channels, func(c *Channel) string { return cm(c.Name) })

	uc := make(map[string]map[string]LevelSet, len(s.userChannels))
	for nick, chans := range s.userChannels {
		m := make(map[string]LevelSet, len(chans))
		for name, levels := range chans {
			m[chanKeys[name]] = levels
		}
		uc[userKeys[nick]] = m
	}
	s.userChannels = uc

	cmem := make(map[string]map[string]LevelSet, len(s.channelMembers))
	for name, members := range s.channelMembers {
		m := make(map[string]LevelSet, len(members))
		for nick, levels := range members {
			m[userKeys[nick]] = levels
		}
		cmem[chanKeys[name]] = m
	}
	s.channelMembers = cmem
}

func rekey[V any](m map[string]V, key func(V) string) map[string]V {
	out := make(map[string]V, len(m))
	for _, v := range m {
		out[key(v)] = v
	}
	return out
}

// BotUser returns the user representing ourselves. It always exists.
func (s *Store) BotUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[s.casemap(s.botNick)]
}

func (s *Store) botNickCM() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casemap(s.botNick)
}

func (s *Store) isBot(nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casemap(nick) == s.casemap(s.botNick)
}

// GetUser looks a user up by nick under the server casemapping.
func (s *Store) GetUser(nick string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[s.casemap(nick)]
}

// GetOrCreateUser promotes a hostmask to a tracked user, or refreshes the
// login/host of an existing one: the wire always carries the latest
// identity.
func (s *Store) GetOrCreateUser(hm Hostmask) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.casemap(hm.Nick)
	u, ok := s.users[key]
	if !ok {
		u = &User{store: s, Nick: hm.Nick}
		s.users[key] = u
	}
	if hm.Login != "" {
		u.Login = hm.Login
	}
	if hm.Host != "" {
		u.Host = hm.Host
	}
	return u
}

// GetChannel looks a channel up by name under the server casemapping.
func (s *Store) GetChannel(name string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[s.casemap(name)]
}

func (s *Store) getOrCreateChannel(name string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.casemap(name)
	ch, ok := s.channels[key]
	if !ok {
		ch = &Channel{store: s, Name: name, Modes: make(map[byte]string)}
		s.channels[key] = ch
		s.channelMembers[key] = make(map[string]LevelSet)
	}
	return ch
}

// AddUserToChannel records membership on both edges. Idempotent; existing
// levels survive re-adds with an empty set.
func (s *Store) AddUserToChannel(u *User, ch *Channel, levels LevelSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ukey, ckey := s.casemap(u.Nick), s.casemap(ch.Name)
	if s.userChannels[ukey] == nil {
		s.userChannels[ukey] = make(map[string]LevelSet)
	}
	if s.channelMembers[ckey] == nil {
		s.channelMembers[ckey] = make(map[string]LevelSet)
	}
	merged := s.userChannels[ukey][ckey] | levels
	s.userChannels[ukey][ckey] = merged
	s.channelMembers[ckey][ukey] = merged
}

// SetUserLevels replaces the level set on the membership edge.
func (s *Store) SetUserLevels(u *User, ch *Channel, levels LevelSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ukey, ckey := s.casemap(u.Nick), s.casemap(ch.Name)
	if _, ok := s.userChannels[ukey][ckey]; !ok {
		return
	}
	s.userChannels[ukey][ckey] = levels
	s.channelMembers[ckey][ukey] = levels
}

// RemoveUserFromChannel drops the membership edge and cascades: a user
// with no remaining channels is forgotten, unless it is us.
func (s *Store) RemoveUserFromChannel(u *User, ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEdge(s.casemap(u.Nick), s.casemap(ch.Name))
}

func (s *Store) removeEdge(ukey, ckey string) {
	delete(s.userChannels[ukey], ckey)
	delete(s.channelMembers[ckey], ukey)
	if len(s.userChannels[ukey]) == 0 {
		delete(s.userChannels, ukey)
		if ukey != s.casemap(s.botNick) {
			delete(s.users, ukey)
		}
	}
}

// RemoveChannel forgets a channel we left, cascading membership removal
// for every member.
func (s *Store) RemoveChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ckey := s.casemap(ch.Name)
	for ukey := range s.channelMembers[ckey] {
		s.removeEdge(ukey, ckey)
	}
	delete(s.channelMembers, ckey)
	delete(s.channels, ckey)
}

// RemoveUser forgets a user entirely (QUIT), dropping every membership.
func (s *Store) RemoveUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ukey := s.casemap(u.Nick)
	for ckey := range s.userChannels[ukey] {
		delete(s.channelMembers[ckey], ukey)
	}
	delete(s.userChannels, ukey)
	if ukey != s.casemap(s.botNick) {
		delete(s.users, ukey)
	}
}

// RenameUser rekeys the nick index; the same *User stays reachable under
// the new nick. Tracks our own nick when the rename is ours.
func (s *Store) RenameUser(oldNick, newNick string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldKey, newKey := s.casemap(oldNick), s.casemap(newNick)
	u, ok := s.users[oldKey]
	if !ok {
		return nil, fmt.Errorf("unknown user %q", oldNick)
	}
	u.Nick = newNick
	if oldKey != newKey {
		delete(s.users, oldKey)
		s.users[newKey] = u
		if chans, ok := s.userChannels[oldKey]; ok {
			delete(s.userChannels, oldKey)
			s.userChannels[newKey] = chans
			for ckey, levels := range chans {
				delete(s.channelMembers[ckey], oldKey)
				s.channelMembers[ckey][newKey] = levels
			}
		}
	}
	if oldKey == s.casemap(s.botNick) {
		s.botNick = newNick
	}
	return u, nil
}

// Channels lists every channel we are on, sorted by name.
func (s *Store) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sortChannels(out)
	return out
}

// Users lists every tracked user, sorted by nick.
func (s *Store) Users() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Close clears all state. The store must not be used afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*User)
	s.channels = make(map[string]*Channel)
	s.userChannels = make(map[string]map[string]LevelSet)
	s.channelMembers = make(map[string]map[string]LevelSet)
}

func sortChannels(chs []*Channel) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].Name < chs[j].Name })
}
