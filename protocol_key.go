package meshlink

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"github.com/elear-solutions-dev/meshlink/meta"
)

// forwardToward moves a routed request one hop closer to its
// destination. Returns false when no route exists.
func (m *Mesh) forwardToward(dst string, msg meta.Transit) bool {
	n := m.lookupNode(dst)
	if n == nil || n.blacklisted || !n.reachable {
		return false
	}
	c := m.nexthopConn(n)
	if c == nil {
		return false
	}
	c.sendMsg(msg)
	return true
}

// handleReqKey terminates or forwards one initiator-side handshake
// record for a datagram session.
func (m *Mesh) handleReqKey(c *connection, t *meta.ReqKey) {
	if t.To != m.name {
		m.forwardToward(t.To, t)
		return
	}
	n := m.lookupNode(t.From)
	if n == nil || n.blacklisted {
		return
	}
	if n.pubkey == nil {
		// Can't authenticate the exchange yet; learn the key first.
		m.sendReqPubkey(n)
		return
	}

	if n.session != nil {
		switch {
		case n.sessionInitiator && t.From < m.name:
			// Crossed key requests: the smaller name keeps the
			// initiator role, we yield and respond.
			n.session.Close()
			n.session = nil
		case n.sessionInitiator:
			// We stay initiator; the peer will yield.
			return
		case n.session.Established() && isFreshKEX(t.Record):
			// The peer lost its session state and starts over.
			n.session.Close()
			n.session = nil
		}
	}
	if n.session == nil {
		m.newNodeSession(n, false)
	}
	if n.session == nil {
		return
	}
	if err := n.session.ReceiveData(t.Record); err != nil {
		m.dropSessionOnError(n, err)
	}
}

// handleAnsKey terminates or forwards one responder-side handshake
// record.
func (m *Mesh) handleAnsKey(c *connection, t *meta.AnsKey) {
	if t.To != m.name {
		m.forwardToward(t.To, t)
		return
	}
	n := m.lookupNode(t.From)
	if n == nil || n.blacklisted || n.session == nil {
		return
	}
	if err := n.session.ReceiveData(t.Record); err != nil {
		m.dropSessionOnError(n, err)
	}
}

// isFreshKEX recognises the first record of a brand new handshake: a
// plaintext KEX at sequence zero.
func isFreshKEX(rec []byte) bool {
	return len(rec) > 7 &&
		binary.BigEndian.Uint32(rec[0:4]) == 0 &&
		rec[6] == 0 &&
		bytes.HasPrefix(rec[7:], []byte{1})
}

// handleKeyChanged drops our cached session with the announcing
// node; the next datagram renegotiates.
func (m *Mesh) handleKeyChanged(c *connection, t *meta.KeyChanged) {
	n := m.lookupNode(t.Owner)
	if n == nil || n == m.self {
		return
	}
	if n.session != nil {
		n.session.Close()
		n.session = nil
		n.udpConfirmed = false
	}
}

// sendKeyChangedTo tells one peer to forget the session it thinks it
// has with us.
func (m *Mesh) sendKeyChangedTo(n *node) {
	m.forwardToward(n.name, &meta.KeyChanged{Owner: m.name})
}

// sendReqPubkey asks a node for its long-term key through the mesh.
func (m *Mesh) sendReqPubkey(n *node) {
	m.forwardToward(n.name, &meta.ReqPubkey{From: m.name, To: n.name})
}

// handleReqPubkey answers for our own key, or forwards.
func (m *Mesh) handleReqPubkey(c *connection, t *meta.ReqPubkey) {
	if t.To != m.name {
		m.forwardToward(t.To, t)
		return
	}
	pub := m.priv.Public().(ed25519.PublicKey)
	m.forwardToward(t.From, &meta.AnsPubkey{From: m.name, To: t.From, Pubkey: pub})
}

// handleAnsPubkey learns a node's key, first announcement wins. A
// conflicting key for a node we already trust is an attack or a
// renamed peer; either way it is refused.
func (m *Mesh) handleAnsPubkey(c *connection, t *meta.AnsPubkey) {
	if t.To != m.name {
		m.forwardToward(t.To, t)
		return
	}
	if len(t.Pubkey) != ed25519.PublicKeySize || t.From == m.name {
		return
	}
	n := m.requireNode(t.From)
	if n.pubkey != nil {
		if !bytes.Equal(n.pubkey, t.Pubkey) {
			m.logf(logWarning, "[%s] conflicting public key for %s refused", c.trace, t.From)
		}
		return
	}
	n.pubkey = ed25519.PublicKey(append([]byte(nil), t.Pubkey...))
	if err := m.writeHost(m.hostFromNode(n)); err != nil {
		m.fatal(err)
		return
	}
	// Anything parked behind the missing key can move now.
	if len(n.sendq) > 0 {
		m.ensureSession(n)
	}
}
