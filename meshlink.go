// Package meshlink implements a self-organizing, authenticated,
// end-to-end-encrypted overlay mesh of named peers. A handle joins
// the mesh, learns the peer graph, keeps transport connections to a
// few peers and relays for the rest, and offers the application a
// datagram primitive plus reliable stream channels.
package meshlink

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/elear-solutions-dev/meshlink/meta"
	"github.com/elear-solutions-dev/meshlink/sptps"
)

// Mesh is one handle onto one mesh, rooted in one config directory.
// Handles are independent; any number may coexist in a process.
type Mesh struct {
	confbase string
	appID    string
	instance string
	log      *logrus.Entry
	lock     *flock.Flock
	priv     ed25519.PrivateKey

	// opMu serialises open/start/stop/close and pre-start state
	// access. mu is a leaf lock for the mirror fields below it.
	opMu sync.Mutex
	mu   sync.Mutex

	name    string
	class   DeviceClass
	options uint32
	port    uint16
	errno   Error
	started bool
	failed  bool
	closed  bool

	receiveCb       ReceiveFunc
	nodeStatusCb    NodeStatusFunc
	logCb           LogFunc
	channelAcceptCb ChannelAcceptFunc

	mirror   map[string]bool // node name -> reachable, for cross-thread queries
	joinConn net.Conn

	replayWindow uint

	// Everything below is reactor-owned once Start has run.
	self       *node
	nodes      map[string]*node
	nodeIDs    map[uint32]*node
	subnets    map[string]*subnet
	conns      map[*connection]struct{}
	channels   map[chanKey]*Channel
	nextChanPort uint16
	edgeSerial uint64
	waiters    map[string][]chan struct{}

	cmdMu sync.Mutex
	cmdQ  []func()
	wake  chan struct{}

	reactorGoid atomic.Uint64

	connEvents chan connEvent
	accepted   chan net.Conn
	udpIn      chan udpDatagram
	timers     timerHeap
	quit       chan struct{}
	done       chan struct{}
	stopFlag   bool
	wg         sync.WaitGroup

	tcpListener net.Listener
	udpConn     *net.UDPConn
	udpFrom     *net.UDPAddr // source of the packet being processed

	registry        metrics.Registry
	metaBytesIn     metrics.Counter
	metaBytesOut    metrics.Counter
	metaMsgsIn      metrics.Counter
	metaMsgsOut     metrics.Counter
	udpPktsIn       metrics.Counter
	udpPktsOut      metrics.Counter
	sptpsAuthFail   metrics.Counter
	sptpsReplayDrop metrics.Counter
	chanRetransmits metrics.Counter
}

// Open opens or initialises a mesh handle on a config directory. It
// fails with ErrBusy when another handle holds the directory and
// ErrInval when the stored identity is someone else's.
func Open(confbase, name, appID string, class DeviceClass) (*Mesh, error) {
	if confbase == "" || !meta.ValidName(name) {
		return nil, ErrInval
	}
	if err := mkdirs(confbase); err != nil {
		return nil, err
	}

	m := &Mesh{
		confbase:     confbase,
		appID:        appID,
		instance:     uuid.NewString()[:8],
		class:        class,
		replayWindow: sptps.DefaultReplayWindow,
		mirror:       make(map[string]bool),
		nodes:        make(map[string]*node),
		nodeIDs:      make(map[uint32]*node),
		subnets:      make(map[string]*subnet),
		conns:        make(map[*connection]struct{}),
		channels:     make(map[chanKey]*Channel),
		waiters:      make(map[string][]chan struct{}),
		wake:         make(chan struct{}, 1),
		connEvents:   make(chan connEvent, 1024),
		accepted:     make(chan net.Conn, 16),
		udpIn:        make(chan udpDatagram, 1024),
		done:         make(chan struct{}),
	}
	close(m.done) // no reactor yet
	m.log = newLogger(m.instance, name)
	m.edgeSerial = uint64(time.Now().UnixNano())

	lock, err := lockConf(confbase)
	if err != nil {
		return nil, err
	}
	m.lock = lock

	fail := func(err error) (*Mesh, error) {
		lock.Unlock()
		return nil, err
	}
	if err := m.loadMainConf(name, class); err != nil {
		return fail(err)
	}
	m.class = class
	if err := m.loadOrCreateKey(); err != nil {
		return fail(err)
	}

	m.self = m.requireNode(m.name)
	m.self.pubkey = m.priv.Public().(ed25519.PublicKey)
	m.self.class = class
	m.self.reachable = true
	m.mirrorSet(m.name, true)

	if err := m.loadHosts(); err != nil {
		return fail(err)
	}
	if err := m.saveMainConf(); err != nil {
		return fail(err)
	}

	m.registry = metrics.NewRegistry()
	m.metaBytesIn = metrics.NewRegisteredCounter("meta/bytes/in", m.registry)
	m.metaBytesOut = metrics.NewRegisteredCounter("meta/bytes/out", m.registry)
	m.metaMsgsIn = metrics.NewRegisteredCounter("meta/msgs/in", m.registry)
	m.metaMsgsOut = metrics.NewRegisteredCounter("meta/msgs/out", m.registry)
	m.udpPktsIn = metrics.NewRegisteredCounter("udp/packets/in", m.registry)
	m.udpPktsOut = metrics.NewRegisteredCounter("udp/packets/out", m.registry)
	m.sptpsAuthFail = metrics.NewRegisteredCounter("sptps/auth_failures", m.registry)
	m.sptpsReplayDrop = metrics.NewRegisteredCounter("sptps/replay_drops", m.registry)
	m.chanRetransmits = metrics.NewRegisteredCounter("channel/retransmits", m.registry)

	m.logf(logInfo, "opened %s as %s (%s)", confbase, m.name, m.class)
	return m, nil
}

// Start binds the sockets and launches the reactor. Idempotent.
// Calling it from a callback is refused.
func (m *Mesh) Start() error {
	if m.onReactor() {
		m.setErrno(ErrBusy)
		return ErrBusy
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed || m.failed {
		m.mu.Unlock()
		m.setErrno(ErrBusy)
		return ErrBusy
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.listen(); err != nil {
		m.setErrno(errnoOf(err))
		return err
	}

	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	m.stopFlag = false
	m.timers = nil

	// Prime the periodic work before the reactor runs.
	m.setTimer(maintenanceInterval, m.maintenance)
	m.dialEligible(time.Now())

	m.wg.Add(2)
	go m.acceptLoop()
	go m.udpLoop()
	go m.run()

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

// Stop terminates the reactor: TERMREQ to every active peer, a
// bounded drain, then sockets down. Idempotent. An in-flight Join is
// aborted.
func (m *Mesh) Stop() {
	if m.onReactor() {
		m.setErrno(ErrBusy)
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.joinConn != nil {
		m.joinConn.Close()
	}
	if !m.started {
		m.mu.Unlock()
		return
	}
	done := m.done
	m.mu.Unlock()

	m.enqueue(m.beginShutdown)
	<-done
	m.wg.Wait()

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// beginShutdown runs on the reactor: polite TERMREQ everywhere, then
// wait for the writers to drain, at most pingTimeout.
func (m *Mesh) beginShutdown() {
	for c := range m.conns {
		c.drain()
	}
	deadline := time.Now().Add(pingTimeout)
	m.pollDrained(deadline)
}

func (m *Mesh) pollDrained(deadline time.Time) {
	drained := true
	for c := range m.conns {
		if len(c.out) > 0 {
			drained = false
			break
		}
	}
	if drained || time.Now().After(deadline) {
		m.finishShutdown()
		return
	}
	m.setTimer(50*time.Millisecond, func() { m.pollDrained(deadline) })
}

func (m *Mesh) finishShutdown() {
	for c := range m.conns {
		m.teardown(c, OK, "shutting down")
	}
	for _, ch := range m.channels {
		ch.destroy()
	}
	for _, n := range m.nodes {
		if n.session != nil {
			n.session.Close()
			n.session = nil
		}
		n.sendq = nil
		n.udpConfirmed = false
	}
	if m.tcpListener != nil {
		m.tcpListener.Close()
	}
	if m.udpConn != nil {
		m.udpConn.Close()
	}
	close(m.quit)
	m.stopFlag = true
}

// Close stops the handle and releases the config directory. The
// handle is unusable afterwards.
func (m *Mesh) Close() {
	if m.onReactor() {
		m.setErrno(ErrBusy)
		return
	}
	m.Stop()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.lock != nil {
		m.lock.Unlock()
	}
	m.logf(logInfo, "closed")
}

// Send enqueues one datagram toward a named peer. It reports whether
// the datagram was queued; delivery is not guaranteed. Safe from any
// goroutine, including callbacks.
func (m *Mesh) Send(dst string, data []byte) bool {
	m.mu.Lock()
	started := m.started
	reachable, known := m.mirror[dst]
	self := dst == m.name
	m.mu.Unlock()
	if !started || !known || !reachable || self {
		m.setErrno(ErrNoEnt)
		return false
	}
	payload := append([]byte(nil), data...)
	m.enqueue(func() {
		if n := m.lookupNode(dst); n != nil {
			m.sendDatagramTo(n, dgramApp, payload)
		}
	})
	return true
}

// Port returns the listening port. Once the handle has started this
// is the port actually bound, never zero.
func (m *Mesh) Port() uint16 {
	return m.portMirror()
}

func (m *Mesh) portMirror() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// SetPort changes the listening port. Valid only while stopped; zero
// asks the OS to pick at the next Start. A port someone else holds
// is refused.
func (m *Mesh) SetPort(p uint16) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		m.setErrno(ErrBusy)
		return ErrBusy
	}
	m.mu.Unlock()

	if p != 0 {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			m.setErrno(ErrNetwork)
			return ErrNetwork
		}
		u, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(p)})
		l.Close()
		if err != nil {
			m.setErrno(ErrNetwork)
			return ErrNetwork
		}
		u.Close()
	}

	m.mu.Lock()
	m.port = p
	m.mu.Unlock()
	return m.saveMainConf()
}

// Blacklist refuses a node: its connections drop, its edges go, and
// nothing from it is accepted again.
func (m *Mesh) Blacklist(name string) error {
	err := m.do(func() error {
		n := m.lookupNode(name)
		if n == nil || n == m.self {
			return ErrNoEnt
		}
		// Abort streams first so the RSTs still have a session to
		// ride out on.
		for key, ch := range m.channels {
			if key.node == name {
				ch.reset()
			}
		}
		n.blacklisted = true
		if n.conn != nil {
			m.teardown(n.conn, ErrPeer, "blacklisted")
		}
		if n.session != nil {
			n.session.Close()
			n.session = nil
		}
		n.sendq = nil
		m.delNodeSubnets(n)
		for _, e := range n.edges {
			m.removeEdge(e)
		}
		for _, other := range m.nodes {
			if e, ok := other.edges[n.name]; ok {
				m.removeEdge(e)
			}
		}
		m.logf(logInfo, "blacklisted %s", name)
		return nil
	})
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// Whitelist lifts a blacklist.
func (m *Mesh) Whitelist(name string) error {
	err := m.do(func() error {
		n := m.lookupNode(name)
		if n == nil {
			return ErrNoEnt
		}
		n.blacklisted = false
		return nil
	})
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// OpenChannel opens a reliable stream to a peer port. The channel is
// usable immediately; data queues until the far side accepts. cb
// receives in-order bytes; an empty delivery is the peer's
// half-close, nil is the end of the channel.
func (m *Mesh) OpenChannel(nodeName string, port uint16, cb ChannelReceiveFunc) (*Channel, error) {
	var ch *Channel
	err := m.do(func() error {
		n := m.lookupNode(nodeName)
		if n == nil {
			return ErrNoEnt
		}
		var err error
		ch, err = m.openChannel(n, port, cb)
		return err
	})
	if err != nil {
		m.setErrno(errnoOf(err))
		return nil, err
	}
	return ch, nil
}

// ClaimSubnet announces a MAC or IP prefix as ours and floods the
// claim.
func (m *Mesh) ClaimSubnet(text string) error {
	err := m.do(func() error { return m.announceSubnet(text) })
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// SetCanonicalAddress pins the address peers should dial for a node,
// persisted to its host file.
func (m *Mesh) SetCanonicalAddress(nodeName, host string, port uint16) error {
	err := m.do(func() error {
		n := m.lookupNode(nodeName)
		if n == nil {
			return ErrNoEnt
		}
		if port != 0 {
			n.canonical = host + " " + strconv.Itoa(int(port))
		} else {
			n.canonical = host
		}
		if err := m.writeHost(m.hostFromNode(n)); err != nil {
			return err
		}
		if n == m.self {
			return m.saveMainConf()
		}
		return nil
	})
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// AddAddress records a dialable address hint for ourselves; peers
// pick it up through host-blob exchange and edge announcements.
func (m *Mesh) AddAddress(host string) error {
	err := m.do(func() error {
		if host == "" {
			return ErrInval
		}
		port := m.portMirror()
		if port == 0 {
			return ErrInval
		}
		m.self.addAddressHint(host, port)
		return m.writeHost(m.hostFromNode(m.self))
	})
	if err != nil {
		m.setErrno(errnoOf(err))
	}
	return err
}

// Self returns our own name.
func (m *Mesh) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Nodes lists every known node name, ourselves included.
func (m *Mesh) Nodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.mirror))
	for name := range m.mirror {
		out = append(out, name)
	}
	return out
}

// NodeStatus is the devtools view of one node.
func (m *Mesh) NodeStatus(name string) (NodeInfo, bool) {
	var info NodeInfo
	found := false
	m.do(func() error {
		n := m.lookupNode(name)
		if n == nil {
			return nil
		}
		found = true
		info = NodeInfo{
			Name:            n.name,
			Class:           n.class,
			Reachable:       n.reachable,
			ExternalAddress: n.external,
			MTU:             n.mtu,
		}
		if n.udpConfirmed {
			info.UDPAddress = n.udpAddr.String()
		}
		return nil
	})
	return info, found
}

// WaitForReachable blocks until the node becomes reachable or the
// timeout passes. Returns false on timeout, with no side effects.
func (m *Mesh) WaitForReachable(name string, timeout time.Duration) bool {
	ch := make(chan struct{})
	already := false
	err := m.do(func() error {
		n := m.lookupNode(name)
		if n != nil && n.reachable {
			already = true
			return nil
		}
		m.waiters[name] = append(m.waiters[name], ch)
		return nil
	})
	if err != nil {
		return false
	}
	if already {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Metrics exposes the handle's counter registry.
func (m *Mesh) Metrics() metrics.Registry {
	return m.registry
}

// Callback setters. Callbacks run on the reactor goroutine; they
// must return promptly and must not call Start, Stop or Close.

func (m *Mesh) SetReceiveCallback(cb ReceiveFunc) {
	m.mu.Lock()
	m.receiveCb = cb
	m.mu.Unlock()
}

func (m *Mesh) SetNodeStatusCallback(cb NodeStatusFunc) {
	m.mu.Lock()
	m.nodeStatusCb = cb
	m.mu.Unlock()
}

func (m *Mesh) SetLogCallback(cb LogFunc) {
	m.mu.Lock()
	m.logCb = cb
	m.mu.Unlock()
}

func (m *Mesh) SetChannelAcceptCallback(cb ChannelAcceptFunc) {
	m.mu.Lock()
	m.channelAcceptCb = cb
	m.mu.Unlock()
}

// fatal records an unrecoverable error: the reactor shuts down and
// only Close remains valid on the handle. Reactor-only.
func (m *Mesh) fatal(err error) {
	m.logf(logError, "fatal: %v; stopping", err)
	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
	m.setErrno(errnoOf(err))
	if !m.stopFlag {
		m.finishShutdown()
	}
}

// mirrorSet keeps the cross-thread node view in sync. Reactor-only
// callers hold no locks; mu is a leaf.
func (m *Mesh) mirrorSet(name string, reachable bool) {
	m.mu.Lock()
	m.mirror[name] = reachable
	m.mu.Unlock()
}

func (m *Mesh) mirrorDel(name string) {
	m.mu.Lock()
	delete(m.mirror, name)
	m.mu.Unlock()
}

