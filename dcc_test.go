package perch

import (
	"net"
	"reflect"
	"testing"
)

func TestSplitDCCArgs(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "SEND file.txt 3232235777 5000", []string{"SEND", "file.txt", "3232235777", "5000"}},
		{"quoted", `SEND "my file.txt" 3232235777 5000 42`, []string{"SEND", "my file.txt", "3232235777", "5000", "42"}},
		{"extraSpaces", "CHAT  chat   3232235777 5000", []string{"CHAT", "chat", "3232235777", "5000"}},
		{"unterminatedQuote", `SEND "my file`, []string{"SEND", "my file"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := splitDCCArgs(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("splitDCCArgs(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseDCCAddr(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want net.IP
	}{
		{"longIPv4", "3232235777", net.IPv4(192, 168, 1, 1).To4()},
		{"literalIPv4", "192.168.1.1", net.ParseIP("192.168.1.1")},
		{"literalIPv6", "2001:db8::1", net.ParseIP("2001:db8::1")},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ip, err := parseDCCAddr(tc.in)
			if err != nil {
				t.Fatalf("parseDCCAddr(%q): %v", tc.in, err)
			}
			if !ip.Equal(tc.want) {
				t.Errorf("parseDCCAddr(%q) = %v, want %v", tc.in, ip, tc.want)
			}
		})
	}

	for _, bad := range []string{"", "-5", "notanaddr"} {
		if _, err := parseDCCAddr(bad); err == nil {
			t.Errorf("parseDCCAddr(%q) should fail", bad)
		}
	}
}

func TestFormatDCCAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"192.168.1.1", "10.0.0.1", "2001:db8::1"} {
		want := net.ParseIP(s)
		got, err := parseDCCAddr(formatDCCAddr(want))
		if err != nil {
			t.Fatalf("round trip of %v: %v", want, err)
		}
		if !got.Equal(want) {
			t.Errorf("round trip of %v = %v", want, got)
		}
	}
}

func TestParseDCCRequest(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want DCCRequest
	}{
		{
			"sendQuotedLongIP",
			`SEND "my file.txt" 3232235777 5000 1024`,
			DCCRequest{Type: DCCSend, Argument: "my file.txt", Addr: net.IPv4(192, 168, 1, 1).To4(), Port: 5000, Size: 1024},
		},
		{
			"sendNoSize",
			"SEND file.txt 3232235777 5000",
			DCCRequest{Type: DCCSend, Argument: "file.txt", Addr: net.IPv4(192, 168, 1, 1).To4(), Port: 5000},
		},
		{
			"chat",
			"CHAT chat 3232235777 5000",
			DCCRequest{Type: DCCChat, Argument: "chat", Addr: net.IPv4(192, 168, 1, 1).To4(), Port: 5000},
		},
		{
			"resume",
			"RESUME file.txt 5000 2048",
			DCCRequest{Type: DCCResume, Argument: "file.txt", Port: 5000, Position: 2048},
		},
		{
			"accept",
			"ACCEPT file.txt 5000 2048",
			DCCRequest{Type: DCCAccept, Argument: "file.txt", Port: 5000, Position: 2048},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req, err := parseDCCRequest(tc.in)
			if err != nil {
				t.Fatalf("parseDCCRequest(%q): %v", tc.in, err)
			}
			if req.Type != tc.want.Type || req.Argument != tc.want.Argument ||
				!req.Addr.Equal(tc.want.Addr) || req.Port != tc.want.Port ||
				req.Size != tc.want.Size || req.Position != tc.want.Position {
				t.Errorf("parseDCCRequest(%q) = %+v, want %+v", tc.in, req, tc.want)
			}
		})
	}

	for _, bad := range []string{"", "SEND file.txt", "FROB x y z", "SEND file.txt 3232235777 99999"} {
		if _, err := parseDCCRequest(bad); err == nil {
			t.Errorf("parseDCCRequest(%q) should fail", bad)
		}
	}
}

func TestQuoteDCCFilename(t *testing.T) {
	if got := quoteDCCFilename("file.txt"); got != "file.txt" {
		t.Errorf("quoteDCCFilename = %q", got)
	}
	if got := quoteDCCFilename("my file.txt"); got != `"my file.txt"` {
		t.Errorf("quoteDCCFilename = %q", got)
	}
}
