package meshlink

import (
	"fmt"
	"net"
	"time"

	"github.com/elear-solutions-dev/meshlink/meta"
)

const (
	protocolVersion = 1

	pingInterval = 10 * time.Second
	pingTimeout  = 5 * time.Second

	dialTimeout  = 5 * time.Second
	minDialDelay = 1 * time.Second
	maxDialDelay = 1 * time.Minute

	maintenanceInterval = 1 * time.Second

	// REQ_EXTERNAL cadence: once shortly after a connection comes
	// up, then periodically.
	externalFirstDelay = 1 * time.Second
	externalInterval   = 60 * time.Second
)

// listen binds the TCP listener and the UDP socket on the same
// port. Port zero asks the OS for one; the bound port is read back
// and persisted before anything advertises it.
func (m *Mesh) listen() error {
	port := int(m.port)
	for attempt := 0; ; attempt++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return ErrNetwork
		}
		bound := l.Addr().(*net.TCPAddr).Port
		u, err := net.ListenUDP("udp", &net.UDPAddr{Port: bound})
		if err != nil {
			l.Close()
			// The UDP side of an OS-assigned port can be taken;
			// ask again.
			if port == 0 && attempt < 16 {
				continue
			}
			return ErrNetwork
		}
		m.tcpListener = l
		m.udpConn = u
		m.mu.Lock()
		changed := m.port != uint16(bound)
		m.port = uint16(bound)
		m.mu.Unlock()
		if changed {
			if err := m.saveMainConf(); err != nil {
				l.Close()
				u.Close()
				return err
			}
		}
		m.logf(logInfo, "listening on port %d", bound)
		return nil
	}
}

// acceptLoop owns the TCP listener. Each inbound socket is
// classified by its first byte: an SPTPS handshake record opens with
// a zero sequence byte, an invitation client opens with an ASCII
// digit.
func (m *Mesh) acceptLoop() {
	defer m.wg.Done()
	for {
		tcp, err := m.tcpListener.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go m.classify(tcp)
	}
}

func (m *Mesh) classify(tcp net.Conn) {
	defer m.wg.Done()
	one := make([]byte, 1)
	tcp.SetReadDeadline(time.Now().Add(pingTimeout))
	if _, err := tcp.Read(one); err != nil {
		tcp.Close()
		return
	}
	tcp.SetReadDeadline(time.Time{})

	if one[0] == 0 {
		select {
		case m.accepted <- &peekedConn{Conn: tcp, head: one}:
		case <-m.quit:
			tcp.Close()
		}
		return
	}
	m.serveInvitation(&peekedConn{Conn: tcp, head: one})
}

// peekedConn replays the classification byte in front of the
// stream.
type peekedConn struct {
	net.Conn
	head []byte
}

func (p *peekedConn) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// acceptConnection starts the meta plane on a classified socket.
// Reactor-only.
func (m *Mesh) acceptConnection(tcp net.Conn) {
	c := m.newConnection(tcp, false, nil)
	c.state = connConnecting
	if err := c.startHandshake(nil); err != nil {
		m.teardown(c, errnoOf(err), "accept handshake")
	}
}

// udpLoop owns the UDP socket and forwards datagrams into the
// reactor.
func (m *Mesh) udpLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, from, err := m.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := udpDatagram{from: from, data: append([]byte(nil), buf[:n]...)}
		select {
		case m.udpIn <- pkt:
		case <-m.quit:
			return
		}
	}
}

// maintenance runs once a second on the reactor: liveness pings,
// handshake deadlines, dial attempts.
func (m *Mesh) maintenance() {
	if m.stopFlag {
		return
	}
	now := time.Now()

	for c := range m.conns {
		switch c.state {
		case connActive:
			if c.pingSent && now.After(c.pingDue) {
				m.teardown(c, ErrTimeout, "ping timeout")
				continue
			}
			if !c.pingSent && now.Sub(c.lastActivity) > pingInterval {
				c.sendMsg(&meta.Ping{})
				c.pingSent = true
				c.pingDue = now.Add(pingTimeout)
			}
		case connConnecting, connHandshaking:
			if now.Sub(c.lastActivity) > dialTimeout+pingTimeout {
				m.teardown(c, ErrTimeout, "handshake timeout")
			}
		}
	}

	m.dialEligible(now)

	m.setTimer(maintenanceInterval, m.maintenance)
}

// dialEligible starts outgoing attempts toward nodes we should hold
// a meta-connection with.
func (m *Mesh) dialEligible(now time.Time) {
	for _, n := range m.nodes {
		if n == m.self || n.blacklisted || n.conn != nil || n.pubkey == nil {
			continue
		}
		if now.Before(n.nextDial) {
			continue
		}
		addrs := n.addresses.ToSlice()
		if n.canonical != "" {
			if host, port, ok := splitHostPort(n.canonical); ok {
				addrs = append([]string{net.JoinHostPort(host, fmt.Sprint(port))}, addrs...)
			}
		}
		if len(addrs) == 0 {
			continue
		}
		m.scheduleRedial(n)
		m.startDial(n, addrs)
	}
}

// scheduleRedial backs the next attempt off exponentially.
func (m *Mesh) scheduleRedial(n *node) {
	if n.dialDelay < minDialDelay {
		n.dialDelay = minDialDelay
	} else if n.dialDelay < maxDialDelay {
		n.dialDelay *= 2
	}
	n.nextDial = time.Now().Add(n.dialDelay)
}

// startDial tries each known address for the node off-reactor and
// reports the first socket that connects.
func (m *Mesh) startDial(n *node, addrs []string) {
	name := n.name
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, addr := range addrs {
			tcp, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				continue
			}
			m.enqueue(func() { m.outgoingConnected(name, tcp) })
			return
		}
	}()
}

// outgoingConnected binds a freshly dialed socket to its node.
// Reactor-only.
func (m *Mesh) outgoingConnected(name string, tcp net.Conn) {
	n := m.lookupNode(name)
	if n == nil || n.blacklisted || n.conn != nil || m.stopFlag {
		tcp.Close()
		return
	}
	c := m.newConnection(tcp, true, n)
	c.state = connConnecting
	if err := c.startHandshake(n); err != nil {
		m.teardown(c, errnoOf(err), "dial handshake")
	}
}
