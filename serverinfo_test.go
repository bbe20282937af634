package perch

import (
	"testing"
)

func TestApplyPrefix(t *testing.T) {
	si := newServerInfo()
	if err := si.applyISupport("PREFIX=(qaohv)~&@%+"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}

	testCases := []struct {
		mode byte
		want Level
	}{
		{'q', LevelOwner},
		{'a', LevelSuperOp},
		{'o', LevelOp},
		{'h', LevelHalfOp},
		{'v', LevelVoice},
	}
	for _, tc := range testCases {
		got, ok := si.LevelForMode(tc.mode)
		if !ok || got != tc.want {
			t.Errorf("LevelForMode(%q) = (%v, %v), want (%v, true)", tc.mode, got, ok, tc.want)
		}
	}
	if _, ok := si.LevelForMode('x'); ok {
		t.Errorf("LevelForMode('x') should not be known")
	}
}

func TestApplyPrefixMalformed(t *testing.T) {
	for _, s := range []string{"(ov)@", "ov)@+", "(ov@+"} {
		si := newServerInfo()
		if err := si.applyISupport("PREFIX=" + s); err == nil {
			t.Errorf("PREFIX=%s should be rejected", s)
		}
	}
}

func TestSplitLevelPrefixes(t *testing.T) {
	si := newServerInfo()
	if err := si.applyISupport("PREFIX=(qaohv)~&@%+"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}

	testCases := []struct {
		name   string
		in     string
		levels []Level
		nick   string
	}{
		{"bare", "nick", nil, "nick"},
		{"op", "@nick", []Level{LevelOp}, "nick"},
		{"multiPrefix", "~@+nick", []Level{LevelOwner, LevelOp, LevelVoice}, "nick"},
		{"halfop", "%nick", []Level{LevelHalfOp}, "nick"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ls, nick := si.splitLevelPrefixes(tc.in)
			if nick != tc.nick {
				t.Errorf("nick = %q, want %q", nick, tc.nick)
			}
			var want LevelSet
			for _, l := range tc.levels {
				want = want.Add(l)
			}
			if ls != want {
				t.Errorf("levels = %v, want %v", ls.Levels(), tc.levels)
			}
		})
	}
}

func TestApplyChanModes(t *testing.T) {
	si := newServerInfo()
	if err := si.applyISupport("CHANMODES=beI,k,l,imnpst"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}

	testCases := []struct {
		mode byte
		want channelModeType
	}{
		{'b', modeTypeA},
		{'e', modeTypeA},
		{'I', modeTypeA},
		{'k', modeTypeB},
		{'l', modeTypeC},
		{'i', modeTypeD},
		{'t', modeTypeD},
	}
	for _, tc := range testCases {
		got, ok := si.channelModeType(tc.mode)
		if !ok || got != tc.want {
			t.Errorf("channelModeType(%q) = (%v, %v), want (%v, true)", tc.mode, got, ok, tc.want)
		}
	}

	if err := si.applyISupport("CHANMODES=beI,k"); err == nil {
		t.Errorf("short CHANMODES should be rejected")
	}
}

func TestISupportValues(t *testing.T) {
	si := newServerInfo()
	if err := si.applyISupport("NETWORK=ExampleNet"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}
	if err := si.applyISupport("EXCEPTS"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}

	if v, ok := si.ISupport("NETWORK"); !ok || v != "ExampleNet" {
		t.Errorf("ISupport(NETWORK) = (%q, %v)", v, ok)
	}
	if si.Network() != "ExampleNet" {
		t.Errorf("Network() = %q", si.Network())
	}
	if v, ok := si.ISupport("EXCEPTS"); !ok || v != "" {
		t.Errorf("ISupport(EXCEPTS) = (%q, %v), want (\"\", true)", v, ok)
	}

	if err := si.applyISupport("-EXCEPTS"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}
	if _, ok := si.ISupport("EXCEPTS"); ok {
		t.Errorf("EXCEPTS should be gone after negation")
	}
}

func TestIsChannel(t *testing.T) {
	si := newServerInfo()
	if !si.IsChannel("#chan") || !si.IsChannel("&local") {
		t.Errorf("default CHANTYPES should accept # and &")
	}
	if si.IsChannel("nick") || si.IsChannel("") {
		t.Errorf("nick or empty string is not a channel")
	}

	if err := si.applyISupport("CHANTYPES=#"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}
	if si.IsChannel("&local") {
		t.Errorf("&local should not be a channel with CHANTYPES=#")
	}
}

func TestMaxTargets(t *testing.T) {
	si := newServerInfo()
	if err := si.applyISupport("MAXTARGETS=4"); err != nil {
		t.Fatalf("applyISupport: %v", err)
	}
	if si.MaxTargets() != 4 {
		t.Errorf("MaxTargets() = %v, want 4", si.MaxTargets())
	}
}
