package meshlink

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/elear-solutions-dev/meshlink/sptps"
)

const (
	mtuProbeInterval   = 2 * time.Second
	mtuRefreshInterval = 30 * time.Second

	// udpSilenceTimeout resets path discovery after prolonged
	// silence on a supposedly working path.
	udpSilenceTimeout = 90 * time.Second

	// probeOverhead is everything around the probe padding on the
	// wire: packet header, record framing, kind byte, size field.
	probeOverhead = udpHeaderLen + sptps.Overhead + 3
)

// resetMTU restarts discovery, typically after a path change.
func (m *Mesh) resetMTU(n *node) {
	n.minmtu = minMTU
	n.maxmtu = maxMTU
	n.mtu = minMTU
	n.mtuAge = 0
	n.mtuProbe = 0
}

// startMTUDiscovery kicks off probing once the datagram session is
// up. Probes double as path validation: the first reply pins the UDP
// address.
func (m *Mesh) startMTUDiscovery(n *node) {
	m.cancelTimer(n.probeTimer)
	m.resetMTU(n)
	m.probeTick(n)
}

// probeTick drives the binary search. Each interval sends a probe at
// the current candidate size; a missing reply shrinks the ceiling, a
// reply raises the floor (in handleProbeAck).
func (m *Mesh) probeTick(n *node) {
	if n.session == nil || !n.session.Established() || !n.reachable {
		return
	}

	// No traffic for a long while on a confirmed path: start over,
	// the path may be dead.
	if n.udpConfirmed && time.Since(n.lastSeen) > udpSilenceTimeout {
		m.logf(logDebug, "UDP path to %s went quiet, rediscovering", n.name)
		n.udpConfirmed = false
		m.resetMTU(n)
	}

	if !n.udpConfirmed {
		// Path discovery round: probe every candidate address at
		// the floor size.
		for _, addr := range m.udpCandidates(n) {
			m.sendProbeTo(n, addr, minMTU)
		}
		n.probeTimer = m.setTimer(mtuProbeInterval, func() { m.probeTick(n) })
		return
	}

	if n.mtuProbe != 0 {
		// The candidate from last interval went unanswered.
		n.maxmtu = n.mtuProbe - 1
		if n.maxmtu < n.minmtu {
			n.maxmtu = n.minmtu
		}
		n.mtuProbe = 0
	}

	if n.minmtu >= n.maxmtu {
		// Search converged. Hold the value once it survives two
		// intervals, then fall back to slow keepalive probing.
		n.mtuAge++
		if n.mtuAge >= 2 && n.mtu != n.minmtu {
			n.mtu = n.minmtu
			m.logf(logDebug, "path MTU to %s is %d", n.name, n.mtu)
		}
		m.sendProbeTo(n, nil, n.minmtu)
		n.probeTimer = m.setTimer(mtuRefreshInterval, func() { m.probeTick(n) })
		return
	}

	cand := (n.minmtu + n.maxmtu + 1) / 2
	n.mtuProbe = cand
	n.mtuAge = 0
	m.sendProbeTo(n, nil, cand)
	n.probeTimer = m.setTimer(mtuProbeInterval, func() { m.probeTick(n) })
}

// sendProbeTo emits one probe padded to wire size. A nil addr uses
// the confirmed path.
func (m *Mesh) sendProbeTo(n *node, addr *net.UDPAddr, size int) {
	if size < probeOverhead+1 {
		size = probeOverhead + 1
	}
	payload := make([]byte, size-udpHeaderLen-sptps.Overhead)
	payload[0] = dgramProbe
	binary.BigEndian.PutUint16(payload[1:3], uint16(size))

	if n.session == nil || !n.session.Established() {
		return
	}
	n.probing = true
	if addr != nil {
		prev := n.udpAddr
		n.udpAddr = addr
		n.session.Send(payload)
		n.udpAddr = prev
	} else {
		n.session.Send(payload)
	}
	n.probing = false
}

// handleProbe echoes the received wire size back, confirming both
// the path and the size for the prober. Replies return over UDP to
// the address the probe came from, so both path directions converge.
func (m *Mesh) handleProbe(n *node, body []byte) {
	if len(body) < 2 {
		return
	}
	size := binary.BigEndian.Uint16(body[:2])
	ack := make([]byte, 3)
	ack[0] = dgramProbeAck
	binary.BigEndian.PutUint16(ack[1:3], size)
	if n.session == nil || !n.session.Established() {
		return
	}
	if m.udpFrom != nil {
		m.sendRawVia(n, m.udpFrom, ack)
		return
	}
	n.session.Send(ack)
}

// sendRawVia transmits one payload over UDP to a specific address,
// regardless of the confirmed path.
func (m *Mesh) sendRawVia(n *node, addr *net.UDPAddr, payload []byte) {
	n.probing = true
	prev := n.udpAddr
	n.udpAddr = addr
	n.session.Send(payload)
	n.udpAddr = prev
	n.probing = false
}

// handleProbeAck raises the floor of the search with the echoed
// size.
func (m *Mesh) handleProbeAck(n *node, body []byte) {
	if len(body) != 2 {
		return
	}
	size := int(binary.BigEndian.Uint16(body))
	if size > maxMTU {
		return
	}
	n.lastSeen = time.Now()
	if size == n.mtuProbe {
		n.mtuProbe = 0
	}
	if size > n.minmtu {
		n.minmtu = size
	}
}
