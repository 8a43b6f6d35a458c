package bayeux

import (
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// Operation is the channel operation being authorized.
type Operation int

const (
	OperationCreate Operation = iota
	OperationSubscribe
	OperationPublish
)

var operationMap = map[Operation]string{
	OperationCreate:    "create",
	OperationSubscribe: "subscribe",
	OperationPublish:   "publish",
}

func (o Operation) String() string {
	return operationMap[o]
}

type resultKind byte

const (
	resultIgnored resultKind = iota
	resultGranted
	resultDenied
)

// Result is the outcome of one authorization check: Granted, Ignored or
// Denied with a reason.
type Result struct {
	kind   resultKind
	reason string
}

var (
	Granted = Result{kind: resultGranted}
	Ignored = Result{kind: resultIgnored}
)

// Denied builds a denial carrying a human readable reason.
func Denied(reason string) Result {
	return Result{kind: resultDenied, reason: reason}
}

func (r Result) IsGranted() bool {
	return r.kind == resultGranted
}

func (r Result) IsDenied() bool {
	return r.kind == resultDenied
}

func (r Result) IsIgnored() bool {
	return r.kind == resultIgnored
}

func (r Result) Reason() string {
	return r.reason
}

func (r Result) String() string {
	switch r.kind {
	case resultGranted:
		return "granted"
	case resultDenied:
		return "denied(" + r.reason + ")"
	default:
		return "ignored"
	}
}

// Reasons used by the resolver
const (
	ReasonSecurityPolicy = "denied_by_security_policy"
	ReasonNotGranting    = "denied_by_not_granting"
)

// Authorizer is attached to a channel and consulted for operations on that
// channel and, for wild channels, on every channel the wildcard matches.
type Authorizer interface {
	Authorize(op Operation, channel *protocol.ChannelID, session *ServerSession, message *protocol.Message) Result
}

type AuthorizerFunc func(op Operation, channel *protocol.ChannelID, session *ServerSession, message *protocol.Message) Result

func (f AuthorizerFunc) Authorize(op Operation, channel *protocol.ChannelID, session *ServerSession, message *protocol.Message) Result {
	return f(op, channel, session, message)
}
