package meshlink

import (
	"github.com/elear-solutions-dev/meshlink/meta"
	"github.com/elear-solutions-dev/meshlink/sptps"
)

// MTU bounds, measured as UDP payload bytes on the wire.
const (
	minMTU = 512
	maxMTU = 1500 - 20 - 8 // ethernet minus IP and UDP headers
)

// nexthopConn resolves the meta-connection that moves traffic one
// hop toward the node.
func (m *Mesh) nexthopConn(n *node) *connection {
	if n.conn != nil && n.conn.state == connActive {
		return n.conn
	}
	if n.nexthop != nil && n.nexthop.conn != nil && n.nexthop.conn.state == connActive {
		return n.nexthop.conn
	}
	return nil
}

// sendDatagramTo queues one datagram payload for a peer, bringing
// the datagram session up first when needed.
func (m *Mesh) sendDatagramTo(n *node, kind byte, payload []byte) bool {
	if n == m.self || n.blacklisted || !n.reachable {
		return false
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = kind
	copy(buf[1:], payload)

	if n.session != nil && n.session.Established() {
		if err := n.session.Send(buf); err != nil {
			m.dropSessionOnError(n, err)
			return false
		}
		return true
	}
	if len(n.sendq) >= maxSendq {
		return false
	}
	n.sendq = append(n.sendq, buf)
	m.ensureSession(n)
	return true
}

// ensureSession makes sure a datagram session with the node exists
// or is being set up. Without the peer's key we first go ask for it.
func (m *Mesh) ensureSession(n *node) {
	if n.session != nil {
		return
	}
	if n.pubkey == nil {
		m.sendReqPubkey(n)
		return
	}
	m.newNodeSession(n, true)
}

// newNodeSession builds the datagram session. Handshake records ride
// the reliable meta plane as REQ_KEY or ANS_KEY lines depending on
// our role; data records take UDP when the path is confirmed and the
// relay plane otherwise.
func (m *Mesh) newNodeSession(n *node, initiator bool) {
	n.sessionInitiator = initiator
	sess, err := sptps.New(sptps.Config{
		Initiator:    initiator,
		Datagram:     true,
		Mine:         m.priv,
		Theirs:       n.pubkey,
		Identity:     []byte(m.name),
		Label:        "meshlink udp",
		ReplayWindow: m.replayWindow,
		Outgoing: func(rec []byte) error {
			return m.nodeSessionOut(n, rec)
		},
		Receive: func(data []byte) error {
			m.dispatchDatagram(n, data)
			return nil
		},
		Established: func() {
			m.nodeSessionUp(n)
		},
	})
	if err != nil {
		m.logf(logError, "session with %s: %v", n.name, err)
		return
	}
	n.session = sess
	if err := sess.Start(); err != nil {
		m.logf(logWarning, "session start with %s: %v", n.name, err)
		n.session = nil
	}
}

// nodeSessionOut routes one outbound session record.
func (m *Mesh) nodeSessionOut(n *node, rec []byte) error {
	if len(rec) >= 7 && rec[6] == 0 {
		// Handshake records go reliable, hop by hop.
		var msg meta.Transit
		if n.sessionInitiator {
			msg = &meta.ReqKey{From: m.name, To: n.name, Record: rec}
		} else {
			msg = &meta.AnsKey{From: m.name, To: n.name, Record: rec}
		}
		c := m.nexthopConn(n)
		if c == nil {
			return ErrNetwork
		}
		c.sendMsg(msg)
		return nil
	}

	if n.probing || (n.udpConfirmed && udpHeaderLen+len(rec) <= n.mtu) {
		m.udpSendRecord(n, rec)
		return nil
	}
	m.relayRecord(m.name, n.name, rec)
	return nil
}

// nodeSessionUp fires when the datagram session establishes: parked
// datagrams flush and path discovery starts.
func (m *Mesh) nodeSessionUp(n *node) {
	m.logf(logDebug, "datagram session with %s established", n.name)
	q := n.sendq
	n.sendq = nil
	for _, buf := range q {
		if n.session == nil || n.session.Send(buf) != nil {
			break
		}
	}
	m.startMTUDiscovery(n)
}

// dropSessionOnError handles a failed or replayed record from the
// node's session.
func (m *Mesh) dropSessionOnError(n *node, err error) {
	if err == sptps.ErrDropped {
		return
	}
	if err == sptps.ErrReplay {
		m.sptpsReplayDrop.Inc(1)
		return
	}
	m.sptpsAuthFail.Inc(1)
	m.logf(logWarning, "datagram session with %s failed: %v (%s)", n.name, err, ErrProtocol)
	if n.session != nil {
		n.session.Close()
		n.session = nil
	}
	n.sendq = nil
	n.udpConfirmed = false
}

// dispatchDatagram hands one decrypted payload to its consumer.
func (m *Mesh) dispatchDatagram(n *node, data []byte) {
	if len(data) == 0 {
		return
	}
	kind, body := data[0], data[1:]
	switch kind {
	case dgramApp:
		m.mu.Lock()
		cb := m.receiveCb
		m.mu.Unlock()
		if cb != nil {
			cb(n.name, append([]byte(nil), body...))
		}
	case dgramChannel:
		m.channelInput(n, body)
	case dgramProbe:
		m.handleProbe(n, body)
	case dgramProbeAck:
		m.handleProbeAck(n, body)
	}
}

// relayRecord wraps a sealed record into a PACKET line toward its
// destination.
func (m *Mesh) relayRecord(src, dst string, rec []byte) {
	n := m.lookupNode(dst)
	if n == nil {
		return
	}
	c := m.nexthopConn(n)
	if c == nil {
		return
	}
	c.sendMsg(&meta.Packet{Src: src, Dst: dst, Data: rec})
}

// deliverRelayed terminates a PACKET line addressed to us.
func (m *Mesh) deliverRelayed(src string, rec []byte) {
	n := m.lookupNode(src)
	if n == nil || n.blacklisted {
		return
	}
	if n.session == nil {
		// The peer holds keys we no longer have; tell it to start
		// over.
		m.sendKeyChangedTo(n)
		return
	}
	if err := n.session.ReceiveData(rec); err != nil {
		m.dropSessionOnError(n, err)
	}
}
