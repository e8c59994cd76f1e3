package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the client protocol revision carried in the connect
// handshake. The daemon rejects mismatched clients with CodeRejectVersion.
const ProtocolVersion = 1

// MaxFrameSize caps the encoded body of a single frame. Frames above this
// limit are rejected on both the encode and decode paths.
const MaxFrameSize = 1 << 20

// FrameType identifies the type of a wire frame.
type FrameType byte

const (
	// Client to daemon.
	FrameConnect FrameType = iota + 1
	FrameJoin
	FrameLeave
	FrameMulticast
	FrameBye

	// Daemon to client.
	FrameWelcome
	FrameDeliver
	FrameAdmin
	FrameError
)

// ServiceType is a bit-flag delivery class requested for a multicast and
// echoed back on delivered messages. The daemon owns the semantics; the
// client only threads the value through.
type ServiceType byte

const (
	ServiceUnreliable ServiceType = 1 << iota
	ServiceReliable
	ServiceFIFO
	ServiceAgreed
	ServiceSafe
)

// AdminType tags a daemon-generated administrative notice. The values are an
// opaque enumeration supplied by the daemon; the client routes on them but
// never interprets them beyond the defaults documented on Session.
type AdminType byte

const (
	// AdminTransition is a daemon-internal configuration-change marker.
	AdminTransition AdminType = iota + 1
	// AdminMembership reports a regular group membership change.
	AdminMembership
	// AdminSelfLeave confirms this session's own leave request.
	AdminSelfLeave
)

// Frame is the decoded form of one wire frame. Which fields are meaningful
// depends on Type; unused fields are zero.
type Frame struct {
	Type    FrameType
	Service ServiceType
	Admin   AdminType
	Code    int16
	Sender  string
	Group   string
	Groups  []string
	Payload []byte
}

// maxStringLen bounds every length-prefixed string field and the group
// list; both are encoded behind a uint16 prefix.
const maxStringLen = 1<<16 - 1

var (
	ErrFrameTooShort = errors.New("frame too short")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrFieldTooLong  = errors.New("string field exceeds encodable length")
)

// Marshal encodes the frame body (type byte included, length prefix
// excluded) for transmission.
func (f *Frame) Marshal() ([]byte, error) {
	if err := f.checkFields(); err != nil {
		return nil, err
	}

	buf := make([]byte, 1, 64+len(f.Payload))
	buf[0] = byte(f.Type)

	switch f.Type {
	case FrameConnect:
		buf = append(buf, ProtocolVersion)
		buf = appendString(buf, f.Sender)
	case FrameWelcome:
		buf = appendString(buf, f.Sender)
	case FrameJoin, FrameLeave:
		buf = appendString(buf, f.Group)
	case FrameMulticast:
		buf = append(buf, byte(f.Service))
		buf = appendString(buf, f.Group)
		buf = append(buf, f.Payload...)
	case FrameDeliver:
		buf = append(buf, byte(f.Service))
		buf = appendString(buf, f.Sender)
		buf = appendStrings(buf, f.Groups)
		buf = append(buf, f.Payload...)
	case FrameAdmin:
		buf = append(buf, byte(f.Admin))
		buf = appendString(buf, f.Sender)
		buf = appendStrings(buf, f.Groups)
		buf = append(buf, f.Payload...)
	case FrameError:
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Code))
	case FrameBye:
		// Empty body.
	default:
		return nil, fmt.Errorf("unknown frame type %d", f.Type)
	}

	if len(buf) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return buf, nil
}

// checkFields rejects fields that would overflow their uint16 length
// prefix: silently truncated lengths would emit a frame no peer can parse.
func (f *Frame) checkFields() error {
	if len(f.Sender) > maxStringLen || len(f.Group) > maxStringLen {
		return ErrFieldTooLong
	}
	if len(f.Groups) > maxStringLen {
		return ErrFieldTooLong
	}
	for _, g := range f.Groups {
		if len(g) > maxStringLen {
			return ErrFieldTooLong
		}
	}
	return nil
}

// ParseFrame decodes a frame body produced by Marshal.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, ErrFrameTooShort
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	f := &Frame{Type: FrameType(data[0])}
	body := data[1:]
	var err error

	switch f.Type {
	case FrameConnect:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		if body[0] != ProtocolVersion {
			return nil, fmt.Errorf("unsupported protocol version %d", body[0])
		}
		if f.Sender, body, err = readString(body[1:]); err != nil {
			return nil, err
		}
	case FrameWelcome:
		if f.Sender, body, err = readString(body); err != nil {
			return nil, err
		}
	case FrameJoin, FrameLeave:
		if f.Group, body, err = readString(body); err != nil {
			return nil, err
		}
	case FrameMulticast:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		f.Service = ServiceType(body[0])
		if f.Group, body, err = readString(body[1:]); err != nil {
			return nil, err
		}
		f.Payload = copyTail(body)
		body = nil
	case FrameDeliver:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		f.Service = ServiceType(body[0])
		if f.Sender, body, err = readString(body[1:]); err != nil {
			return nil, err
		}
		if f.Groups, body, err = readStrings(body); err != nil {
			return nil, err
		}
		f.Payload = copyTail(body)
		body = nil
	case FrameAdmin:
		if len(body) < 1 {
			return nil, ErrFrameTooShort
		}
		f.Admin = AdminType(body[0])
		if f.Sender, body, err = readString(body[1:]); err != nil {
			return nil, err
		}
		if f.Groups, body, err = readStrings(body); err != nil {
			return nil, err
		}
		f.Payload = copyTail(body)
		body = nil
	case FrameError:
		if len(body) < 2 {
			return nil, ErrFrameTooShort
		}
		f.Code = int16(binary.BigEndian.Uint16(body))
		body = body[2:]
	case FrameBye:
		// Empty body.
	default:
		return nil, fmt.Errorf("unknown frame type %d", f.Type)
	}

	if len(body) != 0 {
		return nil, fmt.Errorf("trailing bytes after %d frame", f.Type)
	}
	return f, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendStrings(buf []byte, list []string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(list)))
	for _, s := range list {
		buf = appendString(buf, s)
	}
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrFrameTooShort
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrFrameTooShort
	}
	return string(buf[:n]), buf[n:], nil
}

func readStrings(buf []byte) ([]string, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, ErrFrameTooShort
	}
	count := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var s string
		var err error
		if s, buf, err = readString(buf); err != nil {
			return nil, nil, err
		}
		list = append(list, s)
	}
	return list, buf, nil
}

// copyTail detaches the payload from the read buffer so callers can retain
// it past the next read.
func copyTail(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
