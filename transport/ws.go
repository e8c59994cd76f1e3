package transport

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket connection to net.Conn stream semantics so the
// frame codec can run over daemons fronted by a WebSocket gateway. Gorilla
// treats an expired read deadline as fatal to the connection, so reads are
// pumped by a goroutine and deadlines are enforced on this side of the
// channel instead.
type wsConn struct {
	ws *websocket.Conn

	readCh   chan []byte
	leftover []byte

	mu           sync.Mutex
	readDeadline time.Time
	readErr      error

	closeOnce sync.Once
	done      chan struct{}
}

// dialWebSocket connects to a ws:// or wss:// daemon endpoint.
func dialWebSocket(url string, timeout time.Duration) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		readCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

// readPump moves binary messages from the WebSocket into the read channel
// until the connection fails or closes.
func (c *wsConn) readPump() {
	defer close(c.readCh)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.readCh <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			// Drain anything already delivered before reporting
			// the deadline.
			select {
			case data, ok := <-c.readCh:
				if !ok {
					return 0, c.pumpError()
				}
				n := copy(p, data)
				c.leftover = data[n:]
				return n, nil
			default:
				return 0, os.ErrDeadlineExceeded
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case data, ok := <-c.readCh:
		if !ok {
			return 0, c.pumpError()
		}
		n := copy(p, data)
		c.leftover = data[n:]
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-c.done:
		return 0, net.ErrClosed
	}
}

func (c *wsConn) pumpError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return net.ErrClosed
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
