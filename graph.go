package meshlink

import (
	"container/heap"
	"sort"
)

// recalc recomputes reachability and next hops after any change to
// the node or edge sets. Reachability transitions fan out to the
// node-status callback once the walk is done, so callbacks observe a
// consistent graph.
func (m *Mesh) recalc() {
	for _, n := range m.nodes {
		n.nexthop = nil
		n.distance = ^uint32(0)
	}
	m.self.distance = 0

	// Dijkstra from self over active (bidirectional) edges. Ties
	// break on ascending neighbour name so forwarding is
	// deterministic across peers.
	pq := &nodeQueue{m.self}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*node)

		// Visit neighbours in name order for deterministic relaxation.
		names := make([]string, 0, len(cur.edges))
		for name := range cur.edges {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			e := cur.edges[name]
			if e.reverse() == nil || e.to.blacklisted {
				continue
			}
			d := cur.distance + e.weight
			if d < e.to.distance {
				e.to.distance = d
				if cur == m.self {
					e.to.nexthop = e.to
				} else {
					e.to.nexthop = cur.nexthop
				}
				heap.Push(pq, e.to)
			}
		}
	}

	var flips []*node
	for _, n := range m.nodes {
		if n == m.self {
			n.reachable = true
			continue
		}
		r := n.nexthop != nil
		if r != n.reachable {
			n.reachable = r
			flips = append(flips, n)
		}
	}

	for _, n := range flips {
		m.mirrorSet(n.name, n.reachable)
		m.logf(logInfo, "node %s became %s", n.name, reachability(n.reachable))
		if !n.reachable {
			// A vanished node's datagram session is useless; drop it
			// so a fresh key exchange runs when it comes back.
			if n.session != nil {
				n.session.Close()
				n.session = nil
				n.sendq = nil
			}
			n.udpConfirmed = false
		}
		m.notifyNodeStatus(n.name, n.reachable)
		m.wakeWaiters(n)
	}
}

func reachability(r bool) string {
	if r {
		return "reachable"
	}
	return "unreachable"
}

// nodeQueue is the priority queue behind recalc, ordered by distance
// then name.
type nodeQueue []*node

func (q nodeQueue) Len() int { return len(q) }

func (q nodeQueue) Less(i, j int) bool {
	if q[i].distance != q[j].distance {
		return q[i].distance < q[j].distance
	}
	return q[i].name < q[j].name
}

func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(*node)) }

func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// wakeWaiters releases WaitForReachable callers blocked on this
// node.
func (m *Mesh) wakeWaiters(n *node) {
	if !n.reachable {
		return
	}
	for _, ch := range m.waiters[n.name] {
		close(ch)
	}
	delete(m.waiters, n.name)
}
