// Package transport implements the wire layer of the groupcast client: the
// frame codec spoken with a group-messaging daemon and the stream connection
// that carries it.
//
// # Connection
//
// A Conn owns exactly one socket to the daemon. It performs the connect
// handshake, then exposes deadline-bounded frame reads and writes plus a
// non-consuming poll of pending traffic:
//
//	conn, err := transport.Dial("tcp://localhost:4822", 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	addr, err := conn.Handshake("", 5*time.Second)
//	// addr is the daemon-assigned private address
//
// The scheme of the dialed address selects the underlying transport: plain
// TCP for "tcp://" (or a bare host:port), and a WebSocket adapter for
// "ws://" and "wss://" endpoints fronted by a gateway.
//
// # Frames
//
// Every frame is a uint32 length prefix followed by a type byte and a
// type-specific body; see Frame and the FrameType constants. Delivery
// classes (ServiceType) and administrative notice tags (AdminType) are
// opaque enumerations owned by the daemon; the client threads them through
// without interpreting their semantics.
//
// # Timeouts
//
// Deadline expiry while waiting for a frame is a recoverable condition
// distinguished from connection failure by IsTimeout. ReadFrame consumes
// nothing when the deadline elapses before a frame header arrives, so a
// timed-out wait can simply be retried.
package transport
