package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDaemonAddress is the conventional daemon endpoint used when the
// caller does not configure one.
const DefaultDaemonAddress = "tcp://localhost:4822"

// frameHeaderSize is the length prefix preceding every frame body.
const frameHeaderSize = 4

// probeWindow is the minimum effective read deadline. The runtime fails
// reads under an already-expired deadline without ever touching the socket,
// which would make a zero-timeout wait blind to traffic the kernel already
// holds; a short positive window keeps such waits effectively non-blocking
// while still draining ready data.
const probeWindow = 5 * time.Millisecond

// ErrStreamDesync marks a read deadline that expired after a frame header
// was consumed but before its body arrived. The connection has lost frame
// alignment and must be torn down; the error deliberately does not satisfy
// IsTimeout, since treating it as a recoverable timeout would let the next
// read parse body bytes as a header.
var ErrStreamDesync = errors.New("stream desynchronized mid-frame")

// DaemonError is a rejection code sent by the daemon, either during the
// connect handshake or on a later request.
type DaemonError struct {
	Code int16
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon rejected request with code %d", e.Code)
}

// Conn is a framed stream connection to a group-messaging daemon. It owns
// the underlying socket and exposes the blocking-with-deadline primitives
// Session is built on. Conn is not safe for concurrent use; the session
// model is a single logical thread of control per connection.
type Conn struct {
	nc   net.Conn
	br   *bufio.Reader
	addr string

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the daemon at the given address. The scheme selects the
// transport: "tcp://host:port" (or a bare "host:port") dials TCP, while
// "ws://" and "wss://" URLs dial a WebSocket endpoint adapted to stream
// semantics. An empty address means DefaultDaemonAddress.
func Dial(address string, timeout time.Duration) (*Conn, error) {
	if address == "" {
		address = DefaultDaemonAddress
	}

	var nc net.Conn
	var err error
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		nc, err = dialWebSocket(address, timeout)
	case strings.HasPrefix(address, "tcp://"):
		nc, err = net.DialTimeout("tcp", strings.TrimPrefix(address, "tcp://"), timeout)
	default:
		nc, err = net.DialTimeout("tcp", address, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	logrus.WithFields(logrus.Fields{
		"address": address,
		"local":   nc.LocalAddr().String(),
	}).Debug("transport connected")

	return &Conn{
		nc:   nc,
		br:   bufio.NewReaderSize(nc, 64*1024),
		addr: address,
	}, nil
}

// NewConn wraps an already-established stream in a framed daemon
// connection. Dial is the usual entry point; NewConn serves custom
// transports and the accepting side of test daemons.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:   nc,
		br:   bufio.NewReaderSize(nc, 64*1024),
		addr: nc.RemoteAddr().String(),
	}
}

// Handshake performs the connect exchange: it announces the client protocol
// version and the caller's private-name hint (empty to let the daemon
// assign), then waits for the daemon's welcome carrying the assigned private
// address. A FrameError reply surfaces as *DaemonError.
func (c *Conn) Handshake(nameHint string, timeout time.Duration) (string, error) {
	if err := c.WriteFrame(&Frame{Type: FrameConnect, Sender: nameHint}, timeout); err != nil {
		return "", fmt.Errorf("send connect: %w", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	f, err := c.ReadFrame(deadline)
	if err != nil {
		return "", fmt.Errorf("await welcome: %w", err)
	}

	switch f.Type {
	case FrameWelcome:
		return f.Sender, nil
	case FrameError:
		return "", &DaemonError{Code: f.Code}
	default:
		return "", fmt.Errorf("unexpected frame type %d during handshake", f.Type)
	}
}

// WriteFrame encodes and sends one frame. A positive timeout bounds the
// socket write; zero or negative means no write deadline.
func (c *Conn) WriteFrame(f *Frame, timeout time.Duration) error {
	body, err := f.Marshal()
	if err != nil {
		return err
	}

	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderSize:], body)

	if timeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer c.nc.SetWriteDeadline(time.Time{})
	}

	if _, err := c.nc.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame blocks until a full frame arrives or the absolute deadline
// elapses. A zero deadline blocks indefinitely. A deadline that elapses
// while waiting for the frame header consumes nothing, so the stream stays
// in sync and the caller may simply retry; a frame whose header has already
// arrived is read to completion under the same deadline.
func (c *Conn) ReadFrame(deadline time.Time) (*Frame, error) {
	if !deadline.IsZero() {
		if min := time.Now().Add(probeWindow); deadline.Before(min) {
			deadline = min
		}
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.nc.SetReadDeadline(time.Time{})

	header, err := c.br.Peek(frameHeaderSize)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}

	// Header committed: consume it and the body. A timeout past this
	// point desynchronizes the stream and is fatal to the connection.
	if _, err := c.br.Discard(frameHeaderSize); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.br, body); err != nil {
		if IsTimeout(err) {
			// %v, not %w: the net.Error must not stay in the chain
			// or IsTimeout would classify the dead stream as
			// recoverable.
			return nil, fmt.Errorf("%w: %v", ErrStreamDesync, err)
		}
		return nil, err
	}

	return ParseFrame(body)
}

// Pending is the non-consuming poll: it reports the body size of the next
// queued frame, or 0 when nothing is readable within the probe window. The
// frame itself stays buffered for the next ReadFrame.
func (c *Conn) Pending() (int, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return 0, err
	}
	defer c.nc.SetReadDeadline(time.Time{})

	header, err := c.br.Peek(frameHeaderSize)
	if err != nil {
		if IsTimeout(err) {
			return 0, nil
		}
		return 0, err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > MaxFrameSize {
		return 0, fmt.Errorf("invalid frame length %d", n)
	}
	return int(n), nil
}

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddress returns the daemon address this connection was dialed with.
func (c *Conn) RemoteAddress() string {
	return c.addr
}

// Close releases the socket. It is idempotent; only the first call closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err is a deadline expiry rather than a
// connection failure. The distinction is the receive contract's most
// important branch: timeouts are recoverable, everything else is fatal to
// the operation.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
