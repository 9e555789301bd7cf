package meshlink

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/elear-solutions-dev/meshlink/sptps"
)

// DeviceClass is a reachability hint exchanged between peers. It
// decides whether a node originates REQ_EXTERNAL and the weight of
// the edges peers announce toward it. The dial scheduler does not
// look at it: every class is dialed with the same backoff.
type DeviceClass int

// Device classes
const (
	DevClassBackbone DeviceClass = iota
	DevClassStationary
	DevClassPortable
	DevClassUnknown
)

// Converts DeviceClass to string.
func (d DeviceClass) String() string {
	switch d {
	case DevClassBackbone:
		return "BACKBONE"
	case DevClassStationary:
		return "STATIONARY"
	case DevClassPortable:
		return "PORTABLE"
	}
	return "UNKNOWN"
}

func deviceClassFromString(s string) DeviceClass {
	switch s {
	case "BACKBONE":
		return DevClassBackbone
	case "STATIONARY":
		return DevClassStationary
	case "PORTABLE":
		return DevClassPortable
	}
	return DevClassUnknown
}

// node is one peer in the mesh graph, keyed by its stable name.
type node struct {
	name    string
	id      uint32 // name digest used in the UDP packet header
	class   DeviceClass
	options uint32
	version uint32

	pubkey    ed25519.PublicKey
	addresses mapset.Set[string] // known "host:port" hints
	canonical string             // canonical dialable address, may be empty
	hostname  string             // last seen peer address, for logs

	udpAddr      *net.UDPAddr // preferred UDP address
	udpConfirmed bool         // a probe reply validated the path
	udpSeq       uint32       // outbound packet header sequence

	mtu      int // discovered path MTU
	minmtu   int
	maxmtu   int
	mtuProbe   int    // candidate size in flight
	mtuAge     int    // probe intervals the high-water mark survived
	probing    bool   // a probe is being emitted right now
	probeTimer *timer // pending probe tick

	edges map[string]*edge // outgoing announcements, keyed by the far end's name

	conn             *connection    // owning meta-connection, nil when none
	session          *sptps.Session // datagram session with this peer
	sessionInitiator bool           // our role in the datagram session
	sendq            [][]byte       // datagrams parked until the session comes up

	reachable   bool
	blacklisted bool

	external string // address this node appears from, via REQ_EXTERNAL

	lastSeen  time.Time
	lastNudge time.Time // last KEY_CHANGED sent over stale-key traffic
	nextDial  time.Time
	dialDelay time.Duration

	// routing results, refreshed by recalc
	nexthop  *node
	distance uint32
}

// maximum datagrams parked on a node while its session handshakes
const maxSendq = 128

func newNode(name string) *node {
	return &node{
		name:      name,
		id:        nodeID(name),
		class:     DevClassUnknown,
		addresses: mapset.NewThreadUnsafeSet[string](),
		edges:     make(map[string]*edge),
		mtu:       minMTU,
		minmtu:    minMTU,
		maxmtu:    maxMTU,
	}
}

// nodeID derives the 32-bit id that names this node in UDP packet
// headers.
func nodeID(name string) uint32 {
	sum := sha256.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// lookupNode finds a node by name.
func (m *Mesh) lookupNode(name string) *node {
	return m.nodes[name]
}

// requireNode finds or creates a node. Nodes come into being on
// first mention: config load, an edge announcement, an invitation.
func (m *Mesh) requireNode(name string) *node {
	n, ok := m.nodes[name]
	if !ok {
		n = newNode(name)
		m.nodes[name] = n
		if _, taken := m.nodeIDs[n.id]; !taken {
			m.nodeIDs[n.id] = n
		} else {
			// A digest collision makes the id ambiguous for everyone.
			m.nodeIDs[n.id] = nil
		}
		m.mirrorSet(name, false)
	}
	return n
}

// delNode removes a node and every edge touching it.
func (m *Mesh) delNode(n *node) {
	for _, e := range n.edges {
		m.removeEdge(e)
	}
	for _, other := range m.nodes {
		if e, ok := other.edges[n.name]; ok {
			m.removeEdge(e)
		}
	}
	if n.session != nil {
		n.session.Close()
		n.session = nil
	}
	if m.nodeIDs[n.id] == n {
		delete(m.nodeIDs, n.id)
	}
	delete(m.nodes, n.name)
	m.mirrorDel(n.name)
}

// lookupNodeID resolves a UDP header id. An id shadowed by a digest
// collision resolves to nothing; those packets take the relay path.
func (m *Mesh) lookupNodeID(id uint32) *node {
	return m.nodeIDs[id]
}

// updateNodeUDP records a confirmed UDP address for the node. A path
// change resets MTU discovery.
func (m *Mesh) updateNodeUDP(n *node, addr *net.UDPAddr) {
	if n == m.self {
		m.logf(logWarning, "trying to update UDP address of self")
		return
	}
	changed := n.udpAddr == nil || n.udpAddr.String() != addr.String()
	n.udpAddr = addr
	n.udpConfirmed = true
	n.hostname = addr.String()
	n.lastSeen = time.Now()
	if changed {
		m.resetMTU(n)
		m.logf(logDebug, "UDP address of %s set to %s", n.name, n.hostname)
	}
}

// addAddressHint remembers one dialable address for the node.
func (n *node) addAddressHint(host string, port uint16) {
	if host == "" || port == 0 {
		return
	}
	n.addresses.Add(net.JoinHostPort(host, strconv.Itoa(int(port))))
}
