package groupcast

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcast/transport"
)

// Receive blocks until one inbound event arrives or the timeout elapses,
// then dispatches it to the matching handler and returns the handler's
// result. Exactly one event is consumed per call; callers drive a loop for
// continuous processing.
//
// A negative timeout selects the session's configured ReceiveTimeout. A
// zero timeout is an immediate, non-blocking check: if nothing is pending
// it takes the timeout path without waiting.
//
// Outcomes:
//   - a delivered message invokes the Message handler with the sender's
//     private address, the matched groups, the payload, and args;
//   - an administrative notice invokes the Admin handler with its subtype;
//   - an elapsed deadline invokes the Timeout handler with args. This is a
//     recoverable outcome, not an error: the returned error is nil and only
//     LastError records ErrTimeout;
//   - a transport failure returns a *FatalError without invoking any
//     handler.
//
// The handler set is snapshotted on entry, so replacing a callback during a
// handler invocation affects the next Receive call, never the current one.
func (s *Session) Receive(timeout time.Duration, args ...any) (any, error) {
	if err := s.begin("receive"); err != nil {
		return nil, err
	}
	if timeout < 0 {
		timeout = s.opts.ReceiveTimeout
	}
	deadline := time.Now().Add(timeout)
	cb := s.callbacks

	for {
		f, err := s.conn.ReadFrame(deadline)
		if err != nil {
			if transport.IsTimeout(err) {
				s.lastErr = ErrTimeout
				return cb.Timeout(args...), nil
			}
			return nil, s.fail(classify("receive", err))
		}

		switch f.Type {
		case transport.FrameDeliver:
			if s.opts.SuppressSelf && f.Sender == s.privateAddress {
				s.logTraffic(logrus.Fields{
					"sender":     f.Sender,
					"bytes":      len(f.Payload),
					"suppressed": true,
				}, "self-delivery discarded")
				return nil, nil
			}
			s.logTraffic(logrus.Fields{
				"sender": f.Sender,
				"bytes":  len(f.Payload),
			}, "received message")
			return cb.Message(f.Sender, f.Groups, f.Payload, args...), nil

		case transport.FrameAdmin:
			return cb.Admin(f.Admin, f.Sender, f.Groups, f.Payload, args...), nil

		case transport.FrameError:
			return nil, s.fail(&FatalError{
				Op:   "receive",
				Code: Code(f.Code),
				Err:  &transport.DaemonError{Code: f.Code},
			})

		default:
			// Not an event the dispatch contract covers; keep waiting
			// under the same deadline.
			continue
		}
	}
}
