// Package groupcast implements a client-side session core for a group
// messaging daemon.
//
// A Session maintains one connection to the daemon, tracks the set of
// subscribed groups, and multiplexes inbound events (regular messages,
// administrative membership notices, timeouts) to registered handlers. The
// delivery guarantees themselves — reliable multicast, total ordering,
// membership agreement — are the daemon's responsibility; the session is the
// client conversation with it.
//
// Example:
//
//	opts := groupcast.NewOptions()
//	opts.DaemonAddress = "tcp://localhost:4822"
//
//	sess, err := groupcast.Connect(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Disconnect()
//
//	sess.OnMessage(func(sender string, groups []string, payload []byte, args ...any) any {
//	    fmt.Printf("%s: %s\n", sender, payload)
//	    return nil
//	})
//
//	if err := sess.Join("lobby"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sess.Publish("lobby", []byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Drive inbound dispatch; one event per call.
//	for {
//	    if _, err := sess.Receive(-1); err != nil {
//	        log.Fatal(err)
//	    }
//	}
package groupcast

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcast/transport"
)

// Session is a client's logical connection to the messaging daemon: its
// assigned private address, its subscribed groups, and the handler set that
// inbound events dispatch to.
//
// A Session is a single logical thread of control. Its operations are
// synchronous and must not be invoked concurrently; independent Sessions
// share no state and may be driven from separate goroutines freely.
type Session struct {
	opts *Options
	conn *transport.Conn
	log  *logrus.Logger

	// connID correlates this connection's log lines across channels.
	connID         string
	privateAddress string

	groups   []string
	groupSet map[string]struct{}

	callbacks Callbacks
	lastErr   error
	connected bool
}

// Connect establishes a session: it dials the configured daemon address,
// performs the connect handshake, and stores the daemon-assigned private
// address. A nil opts means NewOptions().
func Connect(opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Session{
		opts:     opts,
		log:      log,
		connID:   uuid.NewString(),
		groupSet: make(map[string]struct{}),
	}
	s.callbacks = Callbacks{
		Message: s.defaultMessage,
		Admin:   s.defaultAdmin,
		Timeout: s.defaultTimeout,
	}

	conn, err := transport.Dial(opts.DaemonAddress, opts.ConnectTimeout)
	if err != nil {
		return nil, &FatalError{Op: "connect", Code: CodeCouldNotConnect, Err: err}
	}

	addr, err := conn.Handshake(opts.PrivateName, opts.ConnectTimeout)
	if err != nil {
		conn.Close()
		return nil, classify("connect", err)
	}

	s.conn = conn
	s.privateAddress = addr
	s.connected = true

	s.logLifecycle(logrus.Fields{
		"daemon":          conn.RemoteAddress(),
		"private_address": addr,
	}, "session connected")

	return s, nil
}

// Disconnect releases the transport. It is idempotent: only the first call
// closes the connection, later calls are no-ops. Any subsequent operation
// on the session fails with CodeIllegalSession.
func (s *Session) Disconnect() error {
	if !s.connected {
		return nil
	}
	s.lastErr = nil
	s.connected = false

	// Best-effort goodbye; the close below is what matters.
	_ = s.conn.WriteFrame(&transport.Frame{Type: transport.FrameBye}, time.Second)
	err := s.conn.Close()

	s.logLifecycle(logrus.Fields{
		"private_address": s.privateAddress,
	}, "session disconnected")

	if err != nil {
		return s.fail(&FatalError{Op: "disconnect", Code: CodeNetError, Err: err})
	}
	return nil
}

// Join subscribes the session to the named groups, in order. Joining a
// group the session already tracks is a no-op. The first failure aborts the
// remaining joins and leaves the already-joined prefix subscribed; the
// caller reconciles partial state.
//
// The tracked set is the authoritative local view and may transiently lag
// the daemon's view until a membership notice confirms it.
func (s *Session) Join(groups ...string) error {
	if err := s.begin("join"); err != nil {
		return err
	}
	for _, g := range groups {
		if g == "" {
			return s.fail(&FatalError{Op: "join", Code: CodeIllegalGroup, Err: errEmptyGroup})
		}
		if _, ok := s.groupSet[g]; ok {
			continue
		}
		f := &transport.Frame{Type: transport.FrameJoin, Group: g}
		if err := s.conn.WriteFrame(f, s.opts.ConnectTimeout); err != nil {
			return s.fail(classify("join", err))
		}
		s.groupSet[g] = struct{}{}
		s.groups = append(s.groups, g)
		s.logLifecycle(logrus.Fields{"group": g}, "joined group")
	}
	return nil
}

// Leave unsubscribes the session from the named groups, in order, with the
// same first-failure-aborts contract as Join. Leaving a group the session
// does not track is a no-op.
func (s *Session) Leave(groups ...string) error {
	if err := s.begin("leave"); err != nil {
		return err
	}
	for _, g := range groups {
		if _, ok := s.groupSet[g]; !ok {
			continue
		}
		f := &transport.Frame{Type: transport.FrameLeave, Group: g}
		if err := s.conn.WriteFrame(f, s.opts.ConnectTimeout); err != nil {
			return s.fail(classify("leave", err))
		}
		delete(s.groupSet, g)
		for i, have := range s.groups {
			if have == g {
				s.groups = append(s.groups[:i], s.groups[i+1:]...)
				break
			}
		}
		s.logLifecycle(logrus.Fields{"group": g}, "left group")
	}
	return nil
}

// Publish sends a safe-delivery multicast of the opaque payload to the
// named group. No serialization is performed and there is no retry: the
// send either reaches the daemon or fails fatally. Ordering and reliability
// past that point are the daemon's guarantees.
func (s *Session) Publish(group string, payload []byte) error {
	if err := s.begin("publish"); err != nil {
		return err
	}
	if group == "" {
		return s.fail(&FatalError{Op: "publish", Code: CodeIllegalGroup, Err: errEmptyGroup})
	}

	f := &transport.Frame{
		Type:    transport.FrameMulticast,
		Service: transport.ServiceSafe,
		Group:   group,
		Payload: payload,
	}
	if err := s.conn.WriteFrame(f, s.opts.ConnectTimeout); err != nil {
		return s.fail(classify("publish", err))
	}

	s.logTraffic(logrus.Fields{
		"group": group,
		"bytes": len(payload),
	}, "published message")
	return nil
}

// Poll reports, without consuming anything, the body size in bytes of the
// next pending inbound event, or 0 when nothing is queued. It never blocks.
func (s *Session) Poll() (int, error) {
	if err := s.begin("poll"); err != nil {
		return 0, err
	}
	n, err := s.conn.Pending()
	if err != nil {
		return 0, s.fail(classify("poll", err))
	}
	return n, nil
}

// PrivateAddress returns the daemon-assigned private address identifying
// this session, used as both its sender identity and its unicast
// destination.
func (s *Session) PrivateAddress() string {
	return s.privateAddress
}

// Groups returns a copy of the tracked group subscriptions in join order.
func (s *Session) Groups() []string {
	out := make([]string, len(s.groups))
	copy(out, s.groups)
	return out
}

// IsConnected reports whether the session still owns a live transport.
func (s *Session) IsConnected() bool {
	return s.connected
}

// LastError returns the outcome of the most recent fallible operation: nil
// for success, ErrTimeout after a timed-out receive, or the *FatalError
// that failed it. It is cleared at the start of every such operation.
func (s *Session) LastError() error {
	return s.lastErr
}

// begin clears the last-error state and rejects operations on a
// disconnected session.
func (s *Session) begin(op string) error {
	s.lastErr = nil
	if !s.connected {
		return s.fail(&FatalError{Op: op, Code: CodeIllegalSession, Err: errNotConnected})
	}
	return nil
}

func (s *Session) fail(err *FatalError) error {
	s.lastErr = err
	return err
}

func (s *Session) logLifecycle(fields logrus.Fields, msg string) {
	if !s.opts.LifecycleLogging {
		return
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["conn_id"] = s.connID
	s.log.WithFields(fields).Info(msg)
}

func (s *Session) logTraffic(fields logrus.Fields, msg string) {
	if !s.opts.TrafficLogging {
		return
	}
	fields["conn_id"] = s.connID
	s.log.WithFields(fields).Info(msg)
}
