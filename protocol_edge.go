package meshlink

import "github.com/elear-solutions-dev/meshlink/meta"

// handleAddEdge applies a flooded edge announcement and continues
// the flood when it changed anything. Repeated identical tuples die
// here, which is what keeps flood cycles finite.
func (m *Mesh) handleAddEdge(c *connection, t *meta.AddEdge) {
	from := m.requireNode(t.From)
	to := m.requireNode(t.To)
	if m.addOrUpdateEdge(from, to, t.Address, t.Port, t.Weight, t.Options, t.Serial) {
		m.flood(c, t)
	}
}

// handleDelEdge applies a flooded retraction.
func (m *Mesh) handleDelEdge(c *connection, t *meta.DelEdge) {
	from := m.lookupNode(t.From)
	to := m.lookupNode(t.To)
	if from == nil || to == nil {
		return
	}
	// Our own live links are not retracted by third parties.
	if from == m.self && to.conn != nil && to.conn.state == connActive {
		return
	}
	if m.delEdgeBySerial(from, to, t.Serial) {
		m.flood(c, t)
	}
}

// retractOwnEdge withdraws the self<->peer link after a connection
// died and tells the mesh.
func (m *Mesh) retractOwnEdge(n *node) {
	m.edgeSerial++
	serial := m.edgeSerial
	retracted := false
	if e, ok := m.self.edges[n.name]; ok {
		m.removeEdge(e)
		retracted = true
	}
	if e, ok := n.edges[m.name]; ok {
		m.removeEdge(e)
	}
	if retracted {
		m.flood(nil, &meta.DelEdge{From: m.name, To: n.name, Serial: serial})
		m.flood(nil, &meta.DelEdge{From: n.name, To: m.name, Serial: serial})
	}
}

// handleAddSubnet applies a flooded subnet claim.
func (m *Mesh) handleAddSubnet(c *connection, t *meta.AddSubnet) {
	s, err := str2net(t.Subnet)
	if err != nil {
		m.logf(logWarning, "[%s] bad subnet %q from %s", c.trace, t.Subnet, c.name)
		return
	}
	owner := m.requireNode(t.Owner)
	if m.addSubnet(owner, s) {
		m.flood(c, t)
	}
}

// handleDelSubnet applies a flooded subnet retraction.
func (m *Mesh) handleDelSubnet(c *connection, t *meta.DelSubnet) {
	owner := m.lookupNode(t.Owner)
	if owner == nil {
		return
	}
	s, err := str2net(t.Subnet)
	if err != nil {
		return
	}
	if m.delSubnet(owner, s.net2str()) {
		m.flood(c, t)
	}
}

// announceSubnet claims a prefix for ourselves and floods it.
func (m *Mesh) announceSubnet(text string) error {
	s, err := str2net(text)
	if err != nil {
		return ErrInval
	}
	if m.addSubnet(m.self, s) {
		m.flood(nil, &meta.AddSubnet{Owner: m.name, Subnet: s.net2str()})
	}
	return nil
}
