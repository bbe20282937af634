package perch

import (
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// DCCType names the DCC offers the engine understands.
type DCCType string

const (
	DCCChat   DCCType = "CHAT"
	DCCSend   DCCType = "SEND"
	DCCResume DCCType = "RESUME"
	DCCAccept DCCType = "ACCEPT"
)

// DCCRequest is a decoded CTCP DCC offer. The engine only parses and
// frames these; transfers belong to the DCCHandler.
type DCCRequest struct {
	Type     DCCType
	Argument string
	Addr     net.IP
	Port     int
	Size     int64
	Position int64
}

// DCCHandler is the collaborator incoming offers are handed to.
type DCCHandler interface {
	HandleDCC(bot *Bot, source Hostmask, req DCCRequest)
}

// splitDCCArgs tokenizes on spaces, honoring double-quoted filenames.
func splitDCCArgs(s string) []string {
	var out []string
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		if s[0] == '"' {
			if i := strings.IndexByte(s[1:], '"'); i >= 0 {
				out = append(out, s[1:i+1])
				s = s[i+2:]
				continue
			}
			out = append(out, s[1:])
			break
		}
		if i := strings.IndexByte(s, ' '); i >= 0 {
			out = append(out, s[:i])
			s = s[i:]
		} else {
			out = append(out, s)
			s = ""
		}
	}
	return out
}

// parseDCCAddr decodes the address field: a decimal integer (IPv4 in a
// 32-bit value, IPv6 in a 128-bit one) or a literal address.
func parseDCCAddr(s string) (net.IP, error) {
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("dcc: bad address %q", s)
	}
	b := n.Bytes()
	switch {
	case len(b) <= net.IPv4len:
		ip := make(net.IP, net.IPv4len)
		copy(ip[net.IPv4len-len(b):], b)
		return ip, nil
	case len(b) <= net.IPv6len:
		ip := make(net.IP, net.IPv6len)
		copy(ip[net.IPv6len-len(b):], b)
		return ip, nil
	}
	return nil, fmt.Errorf("dcc: bad address %q", s)
}

func formatDCCAddr(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return new(big.Int).SetBytes(v4).String()
	}
	return new(big.Int).SetBytes(ip.To16()).String()
}

func parseDCCPort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("dcc: bad port %q", s)
	}
	return port, nil
}

// parseDCCRequest decodes the argument part of a CTCP DCC payload, i.e.
// everything after "DCC ".
func parseDCCRequest(args string) (DCCRequest, error) {
	tokens := splitDCCArgs(args)
	if len(tokens) == 0 {
		return DCCRequest{}, &ProtocolError{Desc: "empty DCC request"}
	}
	typ := DCCType(strings.ToUpper(tokens[0]))
	tokens = tokens[1:]

	var req DCCRequest
	req.Type = typ
	var err error
	switch typ {
	case DCCChat:
		// CHAT <protocol> <ip> <port>
		if len(tokens) < 3 {
			return req, &ProtocolError{Desc: "malformed DCC CHAT: " + args}
		}
		req.Argument = tokens[0]
		if req.Addr, err = parseDCCAddr(tokens[1]); err != nil {
			return req, err
		}
		if req.Port, err = parseDCCPort(tokens[2]); err != nil {
			return req, err
		}
	case DCCSend:
		// SEND <filename> <ip> <port> [size]
		if len(tokens) < 3 {
			return req, &ProtocolError{Desc: "malformed DCC SEND: " + args}
		}
		req.Argument = tokens[0]
		if req.Addr, err = parseDCCAddr(tokens[1]); err != nil {
			return req, err
		}
		if req.Port, err = parseDCCPort(tokens[2]); err != nil {
			return req, err
		}
		if len(tokens) >= 4 {
			req.Size, _ = strconv.ParseInt(tokens[3], 10, 64)
		}
	case DCCResume, DCCAccept:
		// RESUME/ACCEPT <filename> <port> <position>
		if len(tokens) < 3 {
			return req, &ProtocolError{Desc: "malformed DCC " + string(typ) + ": " + args}
		}
		req.Argument = tokens[0]
		if req.Port, err = parseDCCPort(tokens[1]); err != nil {
			return req, err
		}
		req.Position, _ = strconv.ParseInt(tokens[2], 10, 64)
	default:
		return req, &ProtocolError{Desc: "unknown DCC type " + tokens[0]}
	}
	return req, nil
}

func quoteDCCFilename(name string) string {
	if strings.ContainsRune(name, ' ') {
		return `"` + name + `"`
	}
	return name
}

// OutputDCC frames outgoing DCC offers as CTCP requests. Obtained via
// Bot.DCC().
type OutputDCC struct {
	bot *Bot
}

// Chat offers a DCC CHAT session listening at addr:port.
func (o *OutputDCC) Chat(target string, addr net.IP, port int) {
	o.bot.IRC().CTCPRequest(target, fmt.Sprintf("DCC CHAT chat %s %d", formatDCCAddr(addr), port))
}

// Send offers a file of the given size listening at addr:port.
func (o *OutputDCC) Send(target, filename string, addr net.IP, port int, size int64) {
	o.bot.IRC().CTCPRequest(target, fmt.Sprintf("DCC SEND %s %s %d %d",
		quoteDCCFilename(filename), formatDCCAddr(addr), port, size))
}

// Resume asks the sender to restart a transfer at position.
func (o *OutputDCC) Resume(target, filename string, port int, position int64) {
	o.bot.IRC().CTCPRequest(target, fmt.Sprintf("DCC RESUME %s %d %d",
		quoteDCCFilename(filename), port, position))
}

// Accept acknowledges a RESUME at the agreed position.
func (o *OutputDCC) Accept(target, filename string, port int, position int64) {
	o.bot.IRC().CTCPRequest(target, fmt.Sprintf("DCC ACCEPT %s %d %d",
		quoteDCCFilename(filename), port, position))
}
