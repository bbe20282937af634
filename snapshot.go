package perch

import (
	"sort"
	"time"
)

// Snapshot is a frozen copy of the store taken at disconnect time, so
// listeners can still ask "what channels was I on, who was there" after
// the live state has been torn down. Nothing in a snapshot aliases live
// store memory.
type Snapshot struct {
	BotNick  string
	Users    map[string]*UserSnapshot
	Channels map[string]*ChannelSnapshot
}

// UserSnapshot mirrors User without the store backpointer.
type UserSnapshot struct {
	Nick     string
	Login    string
	Host     string
	RealName string
	Server   string

	AwayMessage  string
	IrcOperator  bool
	Account      string
	LastActivity time.Time

	// Channels maps case-mapped channel name to the levels the user held
	// there.
	Channels map[string]LevelSet
}

// ChannelSnapshot mirrors Channel without the store backpointer.
type ChannelSnapshot struct {
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

	// Members maps case-mapped nick to that member's levels.
	Members map[string]LevelSet
}

func (us *UserSnapshot) Hostmask() Hostmask {
	return Hostmask{Nick: us.Nick, Login: us.Login, Host: us.Host}
}

// User looks a member up by case-mapped nick.
func (snap *Snapshot) User(key string) *UserSnapshot {
	return snap.Users[key]
}

// Channel looks a channel up by case-mapped name.
func (snap *Snapshot) Channel(key string) *ChannelSnapshot {
	return snap.Channels[key]
}

// ChannelNames lists the snapshot's channels sorted by name.
func (snap *Snapshot) ChannelNames() []string {
	out := make([]string, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		out = append(out, ch.Name)
	}
	sort.Strings(out)
	return out
}

// Snapshot deep-copies the store. The result is keyed under the
// casemapping in force at the time of the call and is safe to retain
// indefinitely; later store mutations or Close never show through.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		BotNick:  s.botNick,
		Users:    make(map[string]*UserSnapshot, len(s.users)),
		Channels: make(map[string]*ChannelSnapshot, len(s.channels)),
	}

	for key, u := range s.users {
		us := &UserSnapshot{
			Nick:         u.Nick,
			Login:        u.Login,
			Host:         u.Host,
			RealName:     u.RealName,
			Server:       u.Server,
			AwayMessage:  u.AwayMessage,
			IrcOperator:  u.IrcOperator,
			Account:      u.Account,
			LastActivity: u.LastActivity,
			Channels:     make(map[string]LevelSet, len(s.userChannels[key])),
		}
		for ckey, levels := range s.userChannels[key] {
			us.Channels[ckey] = levels
		}
		snap.Users[key] = us
	}

	for key, ch := range s.channels {
		cs := &ChannelSnapshot{
			Name:           ch.Name,
			Topic:          ch.Topic,
			TopicSetter:    ch.TopicSetter,
			TopicTimestamp: ch.TopicTimestamp,
			CreationTime:   ch.CreationTime,
			Key:            ch.Key,
			Modes:          make(map[byte]string, len(ch.Modes)),
			BanMasks:       append([]string(nil), ch.BanMasks...),
			ExceptMasks:    append([]string(nil), ch.ExceptMasks...),
			InviteMasks:    append([]string(nil), ch.InviteMasks...),
			Members:        make(map[string]LevelSet, len(s.channelMembers[key])),
		}
		for mode, arg := range ch.Modes {
			cs.Modes[mode] = arg
		}
		for ukey, levels := range s.channelMembers[key] {
			cs.Members[ukey] = levels
		}
		snap.Channels[key] = cs
	}

	return snap
}
