package meshlink

import (
	"encoding/binary"
	"net"
	"strconv"
	"time"
)

// udpDatagram is one raw packet off the UDP socket.
type udpDatagram struct {
	from *net.UDPAddr
	data []byte
}

// UDP packet header: source id, destination id, sequence. All
// little-endian.
const udpHeaderLen = 12

// Datagram payload kinds, first byte of the decrypted record.
const (
	dgramApp      byte = 0
	dgramChannel  byte = 1
	dgramProbe    byte = 2
	dgramProbeAck byte = 3
)

// handleUDPPacket classifies one inbound packet: ours to decrypt, or
// someone else's to forward.
func (m *Mesh) handleUDPPacket(pkt udpDatagram) {
	if len(pkt.data) < udpHeaderLen {
		return
	}
	src := binary.LittleEndian.Uint32(pkt.data[0:4])
	dst := binary.LittleEndian.Uint32(pkt.data[4:8])
	rec := pkt.data[udpHeaderLen:]
	m.udpPktsIn.Inc(1)

	if dst != m.self.id {
		m.forwardUDP(src, dst, pkt.data)
		return
	}

	n := m.lookupNodeID(src)
	if n == nil || n == m.self || n.blacklisted {
		return
	}
	if n.session == nil {
		// The peer seals with keys we no longer hold; tell it to
		// renegotiate, at most once in a while.
		if time.Since(n.lastNudge) > 10*time.Second {
			n.lastNudge = time.Now()
			m.sendKeyChangedTo(n)
		}
		return
	}

	m.udpFrom = pkt.from
	err := n.session.ReceiveData(rec)
	m.udpFrom = nil
	switch {
	case err == nil:
		// Authenticated traffic from this address pins the UDP
		// path.
		m.updateNodeUDP(n, pkt.from)
	default:
		m.dropSessionOnError(n, err)
	}
}

// forwardUDP moves a transit packet toward its destination: straight
// back out over UDP when the destination has a confirmed path, or
// onto the reliable relay plane.
func (m *Mesh) forwardUDP(srcID, dstID uint32, packet []byte) {
	src := m.lookupNodeID(srcID)
	dst := m.lookupNodeID(dstID)
	if src == nil || dst == nil || dst == m.self || !dst.reachable || dst.blacklisted {
		return
	}
	if dst.udpConfirmed {
		m.udpWrite(packet, dst.udpAddr)
		return
	}
	m.relayRecord(src.name, dst.name, packet[udpHeaderLen:])
}

// udpSendRecord wraps one sealed record in the packet header and
// transmits it.
func (m *Mesh) udpSendRecord(n *node, rec []byte) {
	if n.udpAddr == nil {
		return
	}
	packet := make([]byte, udpHeaderLen+len(rec))
	binary.LittleEndian.PutUint32(packet[0:4], m.self.id)
	binary.LittleEndian.PutUint32(packet[4:8], n.id)
	n.udpSeq++
	binary.LittleEndian.PutUint32(packet[8:12], n.udpSeq)
	copy(packet[udpHeaderLen:], rec)
	m.udpWrite(packet, n.udpAddr)
}

func (m *Mesh) udpWrite(packet []byte, to *net.UDPAddr) {
	if m.udpConn == nil {
		return
	}
	m.udpPktsOut.Inc(1)
	m.udpConn.WriteToUDP(packet, to)
}

// udpCandidates lists every address worth probing for the node; the
// first one that answers a probe wins the path.
func (m *Mesh) udpCandidates(n *node) []*net.UDPAddr {
	var out []*net.UDPAddr
	seen := map[string]bool{}
	add := func(hostport string) {
		if seen[hostport] {
			return
		}
		seen[hostport] = true
		if a, err := net.ResolveUDPAddr("udp", hostport); err == nil {
			out = append(out, a)
		}
	}
	if n.udpAddr != nil {
		add(n.udpAddr.String())
	}
	if n.canonical != "" {
		if host, port, ok := splitHostPort(n.canonical); ok {
			add(net.JoinHostPort(host, strconv.Itoa(int(port))))
		}
	}
	for _, a := range n.addresses.ToSlice() {
		add(a)
	}
	if n.external != "" {
		add(n.external)
	}
	return out
}
