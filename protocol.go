package meshlink

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/elear-solutions-dev/meshlink/meta"
)

// Edge weights by peer device class; steadier peers make better
// transit hops.
var classWeight = map[DeviceClass]uint32{
	DevClassBackbone:   1,
	DevClassStationary: 3,
	DevClassPortable:   6,
	DevClassUnknown:    9,
}

// handleRequest dispatches one parsed meta line. Requests other than
// the ID/ACK exchange are only legal on an ACTIVE or DRAINING
// connection.
func (m *Mesh) handleRequest(c *connection, msg meta.Transit) error {
	switch msg.(type) {
	case *meta.ID, *meta.Ack:
	default:
		if c.state != connActive && c.state != connDraining {
			m.logf(logWarning, "[%s] %s before activation from %s", c.trace, msg.Id(), c.name)
			return ErrProtocol
		}
	}

	switch t := msg.(type) {
	case *meta.ID:
		return m.handleID(c, t)
	case *meta.Ack:
		return m.handleAck(c, t)
	case *meta.Ping:
		c.sendMsg(&meta.Pong{})
	case *meta.Pong:
		// lastActivity already refreshed on receive
	case *meta.AddEdge:
		m.handleAddEdge(c, t)
	case *meta.DelEdge:
		m.handleDelEdge(c, t)
	case *meta.AddSubnet:
		m.handleAddSubnet(c, t)
	case *meta.DelSubnet:
		m.handleDelSubnet(c, t)
	case *meta.ReqKey:
		m.handleReqKey(c, t)
	case *meta.AnsKey:
		m.handleAnsKey(c, t)
	case *meta.KeyChanged:
		m.handleKeyChanged(c, t)
	case *meta.ReqPubkey:
		m.handleReqPubkey(c, t)
	case *meta.AnsPubkey:
		m.handleAnsPubkey(c, t)
	case *meta.ReqExternal:
		m.handleReqExternal(c, t)
	case *meta.AnsExternal:
		m.handleAnsExternal(c, t)
	case *meta.TermReq:
		m.teardown(c, OK, "peer requested termination")
	case *meta.Packet:
		m.handlePacket(c, t)
	}
	return nil
}

// handleID checks the peer introduction against the identity proven
// in the session handshake.
func (m *Mesh) handleID(c *connection, t *meta.ID) error {
	if c.idSeen {
		return ErrProtocol
	}
	if t.Name != c.name || t.Name == m.name {
		m.logf(logWarning, "[%s] ID name %q does not match session identity %q", c.trace, t.Name, c.name)
		return ErrAuth
	}
	n := m.lookupNode(t.Name)
	if n == nil || n.blacklisted {
		return ErrPeer
	}

	// One active connection per peer. The one initiated by the
	// lexicographically greater name survives a crossed dial.
	if other := n.conn; other != nil && other != c {
		keepNew := initiatorName(m, c) > initiatorName(m, other)
		if !keepNew {
			return ErrPeer
		}
		m.teardown(other, ErrPeer, "replaced by crossed connection")
	}

	c.idSeen = true
	c.node = n
	n.class = DeviceClass(t.Class)
	n.options = t.Options
	n.version = t.Version

	c.sendMsg(&meta.Ack{Port: m.portMirror(), Options: m.options})
	return nil
}

func initiatorName(m *Mesh, c *connection) string {
	if c.outgoing {
		return m.name
	}
	return c.name
}

// handleAck completes the meta handshake and activates the
// connection.
func (m *Mesh) handleAck(c *connection, t *meta.Ack) error {
	if c.node == nil || c.ackSeen {
		return ErrProtocol
	}
	c.ackSeen = true
	c.peerPort = t.Port
	m.activate(c)
	return nil
}

// activate moves the connection to ACTIVE: binds it to its node,
// dumps our view of the graph, announces the new edge, and starts
// path discovery toward the peer.
func (m *Mesh) activate(c *connection) {
	n := c.node

	// A crossed dial can race two handshakes to this point; the one
	// initiated by the greater name wins here too.
	if other := n.conn; other != nil && other != c {
		if initiatorName(m, c) > initiatorName(m, other) {
			m.teardown(other, ErrPeer, "replaced by crossed connection")
		} else {
			m.teardown(c, ErrPeer, "lost to crossed connection")
			return
		}
	}

	c.state = connActive
	n.conn = c
	n.dialDelay = 0
	n.nextDial = time.Time{}

	host := remoteHost(c.tcp)
	if c.peerPort != 0 {
		n.addAddressHint(host, c.peerPort)
	}

	m.logf(logInfo, "[%s] connection with %s is active", c.trace, n.name)

	// Dump edges first so routing works, then subnet claims, then
	// key hints.
	for _, from := range m.nodes {
		for _, e := range from.edges {
			c.sendMsg(&meta.AddEdge{
				From:    e.from.name,
				To:      e.to.name,
				Address: e.address,
				Port:    e.port,
				Weight:  e.weight,
				Options: e.options,
				Serial:  e.serial,
			})
		}
	}
	for key, s := range m.subnets {
		c.sendMsg(&meta.AddSubnet{Owner: s.owner.name, Subnet: key})
	}
	for _, other := range m.nodes {
		if other == n || other.pubkey == nil {
			continue
		}
		c.sendMsg(&meta.AnsPubkey{From: other.name, To: n.name, Pubkey: other.pubkey})
	}

	// Our new edge, flooded to everyone including the new peer.
	m.edgeSerial++
	serial := m.edgeSerial
	weight := classWeight[n.class]
	local := localHost(c.tcp)
	m.addOrUpdateEdge(m.self, n, host, c.peerPort, weight, n.options, serial)
	m.addOrUpdateEdge(n, m.self, local, m.portMirror(), weight, n.options, serial)
	m.flood(nil, &meta.AddEdge{
		From:    m.name,
		To:      n.name,
		Address: host,
		Port:    c.peerPort,
		Weight:  weight,
		Options: n.options,
		Serial:  serial,
	})
	m.flood(nil, &meta.AddEdge{
		From:    n.name,
		To:      m.name,
		Address: local,
		Port:    m.portMirror(),
		Weight:  weight,
		Options: n.options,
		Serial:  serial,
	})

	// Bring the datagram plane up; probing starts once the session
	// establishes.
	m.ensureSession(n)

	if m.class <= DevClassStationary {
		m.scheduleExternal(c, externalFirstDelay)
	}
}

// flood broadcasts one message on every active connection except the
// one it arrived on.
func (m *Mesh) flood(except *connection, msg meta.Transit) {
	for c := range m.conns {
		if c.state == connActive && c != except {
			c.sendMsg(msg)
		}
	}
}

// remoteHost strips the port off the socket's remote address.
func remoteHost(tcp net.Conn) string {
	host, _, err := net.SplitHostPort(tcp.RemoteAddr().String())
	if err != nil {
		return tcp.RemoteAddr().String()
	}
	return host
}

// localHost is our own address as the peer reaches us, taken from
// the socket's near end.
func localHost(tcp net.Conn) string {
	host, _, err := net.SplitHostPort(tcp.LocalAddr().String())
	if err != nil {
		return tcp.LocalAddr().String()
	}
	return host
}

// handlePacket routes or terminates one relayed datagram.
func (m *Mesh) handlePacket(c *connection, t *meta.Packet) {
	if t.Dst == m.name {
		m.deliverRelayed(t.Src, t.Data)
		return
	}
	dst := m.lookupNode(t.Dst)
	if dst == nil || dst.blacklisted || !dst.reachable {
		return
	}
	if dst.udpConfirmed {
		src := m.lookupNode(t.Src)
		if src != nil {
			m.forwardRecordUDP(src, dst, t.Data)
			return
		}
	}
	if next := m.nexthopConn(dst); next != nil && next != c {
		next.sendMsg(t)
	}
}

// forwardRecordUDP re-wraps a relayed record for the last UDP hop.
func (m *Mesh) forwardRecordUDP(src, dst *node, rec []byte) {
	packet := make([]byte, udpHeaderLen+len(rec))
	binary.LittleEndian.PutUint32(packet[0:4], src.id)
	binary.LittleEndian.PutUint32(packet[4:8], dst.id)
	dst.udpSeq++
	binary.LittleEndian.PutUint32(packet[8:12], dst.udpSeq)
	copy(packet[udpHeaderLen:], rec)
	m.udpWrite(packet, dst.udpAddr)
}
