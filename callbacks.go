package groupcast

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcast/transport"
)

// MessageFunc handles a delivered application message. sender is the
// originating session's private address; groups are the receiving session's
// subscriptions that matched the delivery (empty for point-to-point
// delivery to the private address); payload is the opaque application
// bytes. args are the extra arguments the caller passed to Receive, and the
// return value becomes Receive's result.
type MessageFunc func(sender string, groups []string, payload []byte, args ...any) any

// AdminFunc handles a daemon-generated administrative notice. notice is an
// opaque subtype owned by the daemon.
type AdminFunc func(notice transport.AdminType, sender string, groups []string, payload []byte, args ...any) any

// TimeoutFunc handles a receive deadline expiry.
type TimeoutFunc func(args ...any) any

// Callbacks is the session's handler set: exactly one active handler per
// event category. Slots left nil when passed to SetCallbacks retain the
// handler already in place, so the active set is always fully populated.
type Callbacks struct {
	Message MessageFunc
	Admin   AdminFunc
	Timeout TimeoutFunc
}

// SetCallbacks replaces the provided handler slots; nil slots keep their
// current handler (including a still-installed default). Replacement takes
// effect for the next Receive call: dispatch snapshots the handler set on
// entry, so an in-flight receive never sees a half-replaced registry.
func (s *Session) SetCallbacks(cb Callbacks) {
	if cb.Message != nil {
		s.callbacks.Message = cb.Message
	}
	if cb.Admin != nil {
		s.callbacks.Admin = cb.Admin
	}
	if cb.Timeout != nil {
		s.callbacks.Timeout = cb.Timeout
	}
}

// OnMessage sets the handler for delivered messages. A nil fn restores the
// built-in default, which logs the sender and payload size and discards.
func (s *Session) OnMessage(fn MessageFunc) {
	if fn == nil {
		fn = s.defaultMessage
	}
	s.callbacks.Message = fn
}

// OnAdmin sets the handler for administrative notices. A nil fn restores
// the built-in default described on defaultAdmin.
func (s *Session) OnAdmin(fn AdminFunc) {
	if fn == nil {
		fn = s.defaultAdmin
	}
	s.callbacks.Admin = fn
}

// OnTimeout sets the handler invoked when a Receive deadline elapses. A nil
// fn restores the built-in default, a no-op.
func (s *Session) OnTimeout(fn TimeoutFunc) {
	if fn == nil {
		fn = s.defaultTimeout
	}
	s.callbacks.Timeout = fn
}

func (s *Session) defaultMessage(sender string, groups []string, payload []byte, args ...any) any {
	s.log.WithFields(logrus.Fields{
		"conn_id": s.connID,
		"sender":  sender,
		"groups":  groups,
		"bytes":   len(payload),
	}).Info("unhandled message discarded")
	return nil
}

// defaultAdmin logs membership traffic per notice subtype. Unrecognized
// subtypes are ignored without error; the enumeration belongs to the daemon
// and may grow.
func (s *Session) defaultAdmin(notice transport.AdminType, sender string, groups []string, _ []byte, _ ...any) any {
	switch notice {
	case transport.AdminTransition:
		s.log.WithFields(logrus.Fields{
			"conn_id": s.connID,
			"sender":  sender,
		}).Info("membership transition")
	case transport.AdminMembership:
		s.log.WithFields(logrus.Fields{
			"conn_id": s.connID,
			"sender":  sender,
			"groups":  groups,
		}).Info("group membership changed")
	case transport.AdminSelfLeave:
		s.log.WithFields(logrus.Fields{
			"conn_id": s.connID,
			"sender":  sender,
			"groups":  groups,
		}).Info("left group confirmed")
	}
	return nil
}

func (s *Session) defaultTimeout(_ ...any) any {
	return nil
}
