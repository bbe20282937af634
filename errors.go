package perch

import (
	"fmt"
	"strings"
)

// IrcErrorReason tags why the server refused us during registration.
type IrcErrorReason string

const (
	ReasonAlreadyConnected  IrcErrorReason = "already-connected"
	ReasonNickAlreadyInUse  IrcErrorReason = "nick-already-in-use"
	ReasonBanned            IrcErrorReason = "banned"
	ReasonPasswordMismatch  IrcErrorReason = "password-mismatch"
	ReasonClosingLink       IrcErrorReason = "closing-link"
	ReasonConnectionRefused IrcErrorReason = "connection-refused"
)

// IrcError is a protocol-level refusal: the socket worked, the server
// said no. Transient refusals (throttling) may be retried by the
// reconnect loop; the rest abort it.
type IrcError struct {
	Reason IrcErrorReason
	Desc   string
}

func (err *IrcError) Error() string {
	return fmt.Sprintf("irc: %v: %v", err.Reason, err.Desc)
}

// Temporary reports whether the refusal is worth retrying.
func (err *IrcError) Temporary() bool {
	return err.Reason == ReasonClosingLink && containsThrottle(err.Desc)
}

func containsThrottle(desc string) bool {
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "throttl") || strings.Contains(desc, "too fast")
}

// ProtocolError marks a server-sent line the parser could not make sense
// of. These are logged and surfaced as ExceptionEvent, never fatal.
type ProtocolError struct {
	Desc string
}

func (err *ProtocolError) Error() string {
	return "protocol: " + err.Desc
}
