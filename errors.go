package groupcast

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/opd-ai/groupcast/transport"
)

// Code is a daemon or transport failure code carried by a FatalError. The
// negative space mirrors the rejection codes the daemon sends on the wire;
// CodeIllegalSession through CodeNetError are produced client-side.
type Code int16

const (
	CodeCouldNotConnect  Code = -2
	CodeRejectName       Code = -5
	CodeRejectNotUnique  Code = -6
	CodeRejectVersion    Code = -7
	CodeConnectionClosed Code = -8
	CodeIllegalSession   Code = -11
	CodeIllegalService   Code = -12
	CodeIllegalGroup     Code = -14
	CodeMessageTooLong   Code = -17
	CodeNetError         Code = -18
)

func (c Code) String() string {
	switch c {
	case CodeCouldNotConnect:
		return "could not connect"
	case CodeRejectName:
		return "illegal private name"
	case CodeRejectNotUnique:
		return "private name not unique"
	case CodeRejectVersion:
		return "protocol version rejected"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeIllegalSession:
		return "session not connected"
	case CodeIllegalService:
		return "illegal service type"
	case CodeIllegalGroup:
		return "illegal group name"
	case CodeMessageTooLong:
		return "message too long"
	case CodeNetError:
		return "network error on session"
	default:
		return fmt.Sprintf("code %d", int16(c))
	}
}

// ErrTimeout marks a receive deadline expiry. It is a first-class
// recoverable outcome, never a failure: Receive routes it to the timeout
// handler and records it in LastError, but does not return it as an error.
var ErrTimeout = errors.New("groupcast: receive timed out")

var (
	errNotConnected = errors.New("session is not connected")
	errEmptyGroup   = errors.New("group name is empty")
)

// FatalError is a non-timeout failure of a session operation. The operation
// either fully succeeded or failed with one of these; the session never
// retries or swallows it.
type FatalError struct {
	Op   string
	Code Code
	Err  error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("groupcast: %s failed: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("groupcast: %s failed: %s", e.Op, e.Code)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// classify wraps a transport-level error into a FatalError, mapping daemon
// rejections to their wire code and connection teardown to
// CodeConnectionClosed.
func classify(op string, err error) *FatalError {
	var de *transport.DaemonError
	if errors.As(err, &de) {
		return &FatalError{Op: op, Code: Code(de.Code), Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &FatalError{Op: op, Code: CodeConnectionClosed, Err: err}
	}
	// A stream that lost frame alignment is as dead as a closed one.
	if errors.Is(err, transport.ErrStreamDesync) {
		return &FatalError{Op: op, Code: CodeConnectionClosed, Err: err}
	}
	return &FatalError{Op: op, Code: CodeNetError, Err: err}
}
