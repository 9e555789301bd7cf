package meshlink

import (
	"crypto/ed25519"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/elear-solutions-dev/meshlink/meta"
	"github.com/elear-solutions-dev/meshlink/sptps"
)

// Meta-connection states
type connState int

const (
	connAllocated connState = iota
	connConnecting
	connHandshaking
	connActive
	connDraining
	connClosed
)

// Converts connState to string.
func (s connState) String() string {
	switch s {
	case connAllocated:
		return "ALLOCATED"
	case connConnecting:
		return "CONNECTING"
	case connHandshaking:
		return "HANDSHAKING"
	case connActive:
		return "ACTIVE"
	case connDraining:
		return "DRAINING"
	}
	return "CLOSED"
}

// outQueueLen bounds the outbound record queue. A peer that cannot
// drain it in time loses the connection.
const outQueueLen = 256

// connection is one live transport association with a peer. All
// fields are reactor-owned; the reader and writer goroutines touch
// only the socket and the channels.
type connection struct {
	mesh     *Mesh
	tcp      net.Conn
	outgoing bool
	state    connState

	name string // peer's claimed name, unverified until the handshake pins it
	node *node  // bound once the ID exchange completes

	session *sptps.Session
	lines   meta.LineBuffer

	out  chan []byte
	quit chan struct{}

	idSent   bool
	idSeen   bool
	ackSeen  bool
	peerPort uint16

	lastActivity time.Time
	pingSent     bool
	pingDue      time.Time

	trace string // short tag tying log lines to this connection
}

func (m *Mesh) newConnection(tcp net.Conn, outgoing bool, expected *node) *connection {
	c := &connection{
		mesh:     m,
		tcp:      tcp,
		outgoing: outgoing,
		state:    connAllocated,
		out:      make(chan []byte, outQueueLen),
		quit:     make(chan struct{}),
		trace:    uuid.NewString()[:8],
	}
	if expected != nil {
		c.name = expected.name
	}
	m.conns[c] = struct{}{}
	return c
}

// startHandshake brings the secure session up on a connected socket.
// expected is non-nil for outgoing connections, where we already
// know who we are dialing.
func (c *connection) startHandshake(expected *node) error {
	m := c.mesh
	c.state = connHandshaking
	c.lastActivity = time.Now()

	cfg := sptps.Config{
		Initiator: c.outgoing,
		Mine:      m.priv,
		Identity:  []byte(m.name),
		Label:     "meshlink meta",
		Outgoing:  c.queueRecord,
		Receive:   c.receivePlaintext,
		Established: func() {
			c.sessionUp()
		},
	}
	if expected != nil {
		if expected.pubkey == nil {
			return ErrAuth
		}
		cfg.Theirs = expected.pubkey
	} else {
		cfg.Lookup = func(identity []byte) (ed25519.PublicKey, error) {
			name := string(identity)
			if !meta.ValidName(name) || name == m.name {
				return nil, ErrAuth
			}
			n := m.lookupNode(name)
			if n == nil || n.pubkey == nil || n.blacklisted {
				return nil, ErrAuth
			}
			c.name = name
			return n.pubkey, nil
		}
	}

	sess, err := sptps.New(cfg)
	if err != nil {
		return err
	}
	c.session = sess

	c.startIO()
	return sess.Start()
}

// startIO spawns the reader and writer goroutines. They never touch
// reactor state; everything funnels through the event channels.
func (c *connection) startIO() {
	m := c.mesh

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := c.tcp.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case m.connEvents <- connEvent{conn: c, data: data}:
				case <-m.quit:
					return
				}
			}
			if err != nil {
				select {
				case m.connEvents <- connEvent{conn: c, err: err}:
				case <-m.quit:
				}
				return
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case buf := <-c.out:
				if _, err := c.tcp.Write(buf); err != nil {
					select {
					case m.connEvents <- connEvent{conn: c, err: err}:
					case <-m.quit:
					}
					return
				}
			case <-c.quit:
				return
			}
		}
	}()
}

// queueRecord enqueues one framed record for the writer. A full
// queue means the peer stopped draining; that is fatal.
func (c *connection) queueRecord(rec []byte) error {
	select {
	case c.out <- rec:
		c.mesh.metaBytesOut.Inc(int64(len(rec)))
		return nil
	default:
		return ErrNetwork
	}
}

// receivePlaintext takes decrypted stream bytes and dispatches every
// complete meta line.
func (c *connection) receivePlaintext(data []byte) error {
	if err := c.lines.Append(data); err != nil {
		return err
	}
	for {
		line, ok, err := c.lines.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		msg, err := meta.Parse(line)
		if err != nil {
			c.mesh.logf(logWarning, "[%s] %s: bad request %q: %v", c.trace, c.name, line, err)
			return ErrProtocol
		}
		c.mesh.metaMsgsIn.Inc(1)
		if err := c.mesh.handleRequest(c, msg); err != nil {
			return err
		}
	}
}

// sessionUp fires when the SPTPS handshake completes; we introduce
// ourselves.
func (c *connection) sessionUp() {
	c.sendMsg(&meta.ID{
		Name:    c.mesh.name,
		Version: protocolVersion,
		Class:   uint32(c.mesh.class),
		Options: c.mesh.options,
	})
	c.idSent = true
}

// sendMsg marshals one meta message into the session.
func (c *connection) sendMsg(msg meta.Transit) {
	line, err := msg.Marshal()
	if err != nil {
		c.mesh.logf(logError, "[%s] %s: marshal %s: %v", c.trace, c.name, msg.Id(), err)
		return
	}
	if c.session == nil || !c.session.Established() {
		return
	}
	c.mesh.metaMsgsOut.Inc(1)
	if err := c.session.Send(line); err != nil {
		c.mesh.teardown(c, ErrNetwork, "send failed")
	}
}

// handleData feeds raw socket bytes into the session.
func (m *Mesh) handleData(c *connection, data []byte) {
	if c.state == connClosed {
		return
	}
	c.lastActivity = time.Now()
	c.pingSent = false
	m.metaBytesIn.Inc(int64(len(data)))
	if err := c.session.ReceiveStream(data); err != nil {
		switch err {
		case sptps.ErrAuth, sptps.ErrReplay:
			m.sptpsAuthFail.Inc(1)
			m.teardown(c, ErrProtocol, "sptps: "+err.Error())
		default:
			m.teardown(c, errnoOf(err), err.Error())
		}
	}
}

// teardown closes a connection and detaches it from its node. The
// graph loses our edge to that peer; remote state about the peer is
// untouched, bad peers cannot mutate the graph.
func (m *Mesh) teardown(c *connection, reason Error, detail string) {
	if c.state == connClosed {
		return
	}
	level := logInfo
	if reason == ErrProtocol || reason == ErrAuth {
		level = logWarning
	}
	m.logf(level, "[%s] closing connection with %s (%s): %s", c.trace, c.name, reason, detail)

	prev := c.state
	c.state = connClosed
	close(c.quit)
	c.tcp.Close()
	if c.session != nil {
		c.session.Close()
	}
	delete(m.conns, c)

	if c.node != nil && c.node.conn == c {
		c.node.conn = nil
		if prev >= connActive {
			m.retractOwnEdge(c.node)
		}
		m.scheduleRedial(c.node)
	}
}

// drain sends TERMREQ and gives the writer a moment before the
// socket closes for good.
func (c *connection) drain() {
	if c.state != connActive {
		return
	}
	c.sendMsg(&meta.TermReq{})
	c.state = connDraining
}
