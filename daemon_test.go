package groupcast

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/groupcast/transport"
)

// testDaemon is a minimal in-process group-messaging daemon speaking the
// client wire protocol over loopback TCP. It implements just enough of the
// daemon side to exercise real sessions: address assignment, group
// membership, safe-multicast fan-out, and membership notices.
type testDaemon struct {
	ln net.Listener

	mu      sync.Mutex
	clients map[string]*daemonClient
	members map[string][]*daemonClient
	closed  bool
}

type daemonClient struct {
	conn *transport.Conn
	addr string

	// writeMu serializes fan-out writes from other clients' read loops.
	writeMu sync.Mutex
}

func (c *daemonClient) send(f *transport.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteFrame(f, time.Second)
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &testDaemon{
		ln:      ln,
		clients: make(map[string]*daemonClient),
		members: make(map[string][]*daemonClient),
	}
	go d.acceptLoop()
	t.Cleanup(d.Close)
	return d
}

// Address returns the daemon endpoint in dialable form.
func (d *testDaemon) Address() string {
	return "tcp://" + d.ln.Addr().String()
}

func (d *testDaemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	clients := make([]*daemonClient, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	d.ln.Close()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (d *testDaemon) acceptLoop() {
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.serve(transport.NewConn(nc))
	}
}

func (d *testDaemon) serve(conn *transport.Conn) {
	defer conn.Close()

	// Connect handshake first.
	f, err := conn.ReadFrame(time.Now().Add(5 * time.Second))
	if err != nil || f.Type != transport.FrameConnect {
		return
	}
	addr := f.Sender
	if addr == "" {
		addr = "priv#" + uuid.NewString()[:8]
	}

	c := &daemonClient{conn: conn, addr: addr}

	d.mu.Lock()
	if _, taken := d.clients[addr]; taken {
		d.mu.Unlock()
		c.send(&transport.Frame{Type: transport.FrameError, Code: -6})
		return
	}
	d.clients[addr] = c
	d.mu.Unlock()

	c.send(&transport.Frame{Type: transport.FrameWelcome, Sender: addr})

	defer d.drop(c)
	for {
		f, err := conn.ReadFrame(time.Time{})
		if err != nil {
			return
		}
		switch f.Type {
		case transport.FrameJoin:
			d.join(c, f.Group)
		case transport.FrameLeave:
			d.leave(c, f.Group)
		case transport.FrameMulticast:
			d.multicast(c, f)
		case transport.FrameBye:
			return
		}
	}
}

// join adds the client to a group and notifies the pre-existing members.
func (d *testDaemon) join(c *daemonClient, group string) {
	d.mu.Lock()
	existing := append([]*daemonClient(nil), d.members[group]...)
	for _, m := range existing {
		if m == c {
			d.mu.Unlock()
			return
		}
	}
	d.members[group] = append(d.members[group], c)
	d.mu.Unlock()

	notice := &transport.Frame{
		Type:   transport.FrameAdmin,
		Admin:  transport.AdminMembership,
		Sender: c.addr,
		Groups: []string{group},
	}
	for _, m := range existing {
		m.send(notice)
	}
}

func (d *testDaemon) leave(c *daemonClient, group string) {
	d.mu.Lock()
	list := d.members[group]
	for i, m := range list {
		if m == c {
			d.members[group] = append(list[:i], list[i+1:]...)
			break
		}
	}
	remaining := append([]*daemonClient(nil), d.members[group]...)
	d.mu.Unlock()

	c.send(&transport.Frame{
		Type:   transport.FrameAdmin,
		Admin:  transport.AdminSelfLeave,
		Sender: c.addr,
		Groups: []string{group},
	})
	notice := &transport.Frame{
		Type:   transport.FrameAdmin,
		Admin:  transport.AdminMembership,
		Sender: c.addr,
		Groups: []string{group},
	}
	for _, m := range remaining {
		m.send(notice)
	}
}

func (d *testDaemon) multicast(from *daemonClient, f *transport.Frame) {
	d.mu.Lock()
	targets := append([]*daemonClient(nil), d.members[f.Group]...)
	d.mu.Unlock()

	deliver := &transport.Frame{
		Type:    transport.FrameDeliver,
		Service: f.Service,
		Sender:  from.addr,
		Groups:  []string{f.Group},
		Payload: f.Payload,
	}
	for _, m := range targets {
		m.send(deliver)
	}
}

func (d *testDaemon) drop(c *daemonClient) {
	d.mu.Lock()
	delete(d.clients, c.addr)
	for g, list := range d.members {
		for i, m := range list {
			if m == c {
				d.members[g] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
}

// waitForMember blocks until the daemon has processed a join of addr into
// group, synchronizing tests across the join's asynchronous processing.
func (d *testDaemon) waitForMember(t *testing.T, group, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, m := range d.members[group] {
			if m.addr == addr {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, fmt.Sprintf("%s never joined %s", addr, group))
}
