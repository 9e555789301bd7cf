package meshlink

import "fmt"

// edge is one directional announcement: from claims a link to to.
// Edges are symmetric by convention but stored per direction; a link
// only routes once both directions exist. The serial lets stale
// retractions lose to fresh announcements.
type edge struct {
	from    *node
	to      *node
	address string // to's address as seen by from, host form
	port    uint16
	weight  uint32
	options uint32
	serial  uint64
}

func (e *edge) String() string {
	return fmt.Sprintf("%s->%s", e.from.name, e.to.name)
}

// reverse returns the opposite direction of the link, nil when the
// far side has not announced it.
func (e *edge) reverse() *edge {
	return e.to.edges[e.from.name]
}

// addOrUpdateEdge applies one edge announcement idempotently.
// Returns false when the announcement is stale or identical, in
// which case the flood stops here.
func (m *Mesh) addOrUpdateEdge(from, to *node, address string, port uint16, weight, options uint32, serial uint64) bool {
	if from == to {
		return false
	}
	e, ok := from.edges[to.name]
	if ok {
		if serial < e.serial {
			return false
		}
		if serial == e.serial && e.address == address && e.port == port &&
			e.weight == weight && e.options == options {
			// Repeated identical tuple: cycle suppression.
			return false
		}
		e.address = address
		e.port = port
		e.weight = weight
		e.options = options
		e.serial = serial
	} else {
		e = &edge{
			from:    from,
			to:      to,
			address: address,
			port:    port,
			weight:  weight,
			options: options,
			serial:  serial,
		}
		from.edges[to.name] = e
	}

	// An edge announcement doubles as an address hint for its far
	// end.
	to.addAddressHint(address, port)

	m.recalc()
	return true
}

// removeEdge deletes one direction. Returns false when the edge was
// already gone.
func (m *Mesh) removeEdge(e *edge) bool {
	if cur, ok := e.from.edges[e.to.name]; !ok || cur != e {
		return false
	}
	delete(e.from.edges, e.to.name)
	m.recalc()
	return true
}

// delEdgeBySerial applies a DEL_EDGE announcement. A retraction
// older than the stored announcement is stale and ignored.
func (m *Mesh) delEdgeBySerial(from, to *node, serial uint64) bool {
	e, ok := from.edges[to.name]
	if !ok || serial < e.serial {
		return false
	}
	delete(from.edges, to.name)
	m.recalc()
	return true
}
