package meshlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMesh(t *testing.T, name string) *Mesh {
	t.Helper()
	m, err := Open(t.TempDir(), name, "test", DevClassBackbone)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// link creates both directions of an edge, the way two live peers
// would announce it.
func link(m *Mesh, a, b *node, weight uint32) {
	m.edgeSerial++
	m.addOrUpdateEdge(a, b, "", 1, weight, 0, m.edgeSerial)
	m.addOrUpdateEdge(b, a, "", 1, weight, 0, m.edgeSerial)
}

func TestReachabilityBFS(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	b := m.requireNode("bb")
	c := m.requireNode("cc")
	orphan := m.requireNode("orphan")

	link(m, m.self, a, 1)
	link(m, a, b, 1)
	link(m, b, c, 1)

	assert.True(t, a.reachable)
	assert.True(t, b.reachable)
	assert.True(t, c.reachable)
	assert.False(t, orphan.reachable)

	// Everything beyond our neighbour routes through it.
	assert.Equal(t, a, b.nexthop)
	assert.Equal(t, a, c.nexthop)
}

func TestOneWayEdgeIsInactive(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	m.edgeSerial++
	m.addOrUpdateEdge(m.self, a, "", 1, 1, 0, m.edgeSerial)

	// Only one direction announced: the link must not route.
	assert.False(t, a.reachable)

	m.addOrUpdateEdge(a, m.self, "", 1, 1, 0, m.edgeSerial)
	assert.True(t, a.reachable)
}

func TestShortestPathPrefersLowWeight(t *testing.T) {
	m := newTestMesh(t, "self")
	fast := m.requireNode("fast")
	slow := m.requireNode("slow")
	far := m.requireNode("far")

	link(m, m.self, fast, 1)
	link(m, m.self, slow, 10)
	link(m, fast, far, 1)
	link(m, slow, far, 1)

	assert.Equal(t, far.nexthop, fast)
}

func TestTieBreakByNameAscending(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	b := m.requireNode("bb")
	far := m.requireNode("far")

	link(m, m.self, a, 1)
	link(m, m.self, b, 1)
	link(m, a, far, 1)
	link(m, b, far, 1)

	// Equal cost through aa and bb: the lexicographically first
	// neighbour wins, on every peer that runs this computation.
	assert.Equal(t, a, far.nexthop)
}

func TestStatusCallbackOnFlip(t *testing.T) {
	m := newTestMesh(t, "self")
	var events [][2]interface{}
	m.SetNodeStatusCallback(func(name string, reachable bool) {
		events = append(events, [2]interface{}{name, reachable})
	})

	a := m.requireNode("aa")
	link(m, m.self, a, 1)
	require.Len(t, events, 1)
	assert.Equal(t, [2]interface{}{"aa", true}, events[0])

	m.removeEdge(m.self.edges["aa"])
	require.Len(t, events, 2)
	assert.Equal(t, [2]interface{}{"aa", false}, events[1])
}

func TestStaleRetractionLoses(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")

	m.addOrUpdateEdge(m.self, a, "", 1, 1, 0, 10)
	m.addOrUpdateEdge(a, m.self, "", 1, 1, 0, 10)

	// A retraction with an older serial is stale and must lose.
	assert.False(t, m.delEdgeBySerial(m.self, a, 5))
	assert.True(t, a.reachable)

	assert.True(t, m.delEdgeBySerial(m.self, a, 11))
	assert.False(t, a.reachable)
}

func TestIdenticalTupleStopsFlood(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	b := m.requireNode("bb")

	assert.True(t, m.addOrUpdateEdge(a, b, "192.0.2.1", 5, 7, 0, 3))
	// The exact same tuple again is a no-op; the flood stops.
	assert.False(t, m.addOrUpdateEdge(a, b, "192.0.2.1", 5, 7, 0, 3))
	// A fresher serial with new content propagates.
	assert.True(t, m.addOrUpdateEdge(a, b, "192.0.2.2", 5, 7, 0, 4))
	// Older serials lose.
	assert.False(t, m.addOrUpdateEdge(a, b, "192.0.2.9", 5, 7, 0, 2))
}

func TestBlacklistExcludesFromRouting(t *testing.T) {
	m := newTestMesh(t, "self")
	a := m.requireNode("aa")
	far := m.requireNode("far")
	link(m, m.self, a, 1)
	link(m, a, far, 1)
	require.True(t, far.reachable)

	require.NoError(t, m.Blacklist("aa"))
	assert.False(t, m.lookupNode("aa").reachable)
	assert.False(t, far.reachable)
}
