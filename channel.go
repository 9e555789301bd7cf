package meshlink

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elear-solutions-dev/meshlink/sptps"
)

// Shutdown directions
const (
	ShutRD = 1 << iota
	ShutWR
	ShutRDWR = ShutRD | ShutWR
)

// Segment flags
const (
	flagSYN byte = 1 << iota
	flagACK
	flagFIN
	flagRST
)

const (
	chanHeaderLen  = 18
	chanRecvWindow = 64 * 1024
	chanSendBuffer = 64 * 1024
	chanMaxSack    = 4
	chanMinMSS     = 256
	chanMaxRetries = 8

	chanMinRTO    = 200 * time.Millisecond
	chanMaxRTO    = 10 * time.Second
	chanInitRTO   = 1 * time.Second
	chanLinger    = 30 * time.Second
	chanInflights = 64
)

// Channel states
type chanState int

const (
	chanSynSent chanState = iota
	chanSynRcvd
	chanEstablished
	chanClosed
)

type chanKey struct {
	node       string
	localPort  uint16
	remotePort uint16
}

// segment is one unacknowledged send.
type segment struct {
	seq    uint32
	data   []byte
	fin    bool
	sentAt time.Time
	rtx    int
}

// Channel is a reliable, in-order byte stream multiplexed over a
// peer's datagram session. Reliability comes from cumulative plus
// selective acknowledgements and timed retransmission; flow control
// from the peer's rolling advertised window.
type Channel struct {
	mesh *Mesh
	node *node

	localPort  uint16
	remotePort uint16
	state      chanState

	// sndMu guards sndbuf, the only field the application's
	// goroutine touches.
	sndMu  sync.Mutex
	sndbuf []byte

	sndUna   uint32
	sndNxt   uint32
	sndWnd   uint32
	inflight []*segment
	sndFin   bool // write side closed, FIN goes out after the buffer drains
	finSent  bool

	rcvNxt  uint32
	ooo     map[uint32][]byte
	oooBuf  int
	rcvFin  bool
	finSeq  uint32
	rcvShut bool // SHUT_RD: discard whatever else arrives

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	rtxTmr  *timer
	lingerT *timer

	dead atomic.Bool // reaped; cross-thread view for Send

	receiveCb ChannelReceiveFunc
}

// seqLT compares sequence numbers with wraparound.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

// Node returns the far end's name.
func (ch *Channel) Node() string { return ch.node.name }

// Port returns the channel's remote port.
func (ch *Channel) Port() uint16 { return ch.remotePort }

// SetReceiveCallback installs the in-order delivery callback. From
// inside a channel-accept callback it takes effect immediately, so
// no early bytes slip by.
func (ch *Channel) SetReceiveCallback(cb ChannelReceiveFunc) {
	ch.mesh.do(func() error {
		ch.receiveCb = cb
		return nil
	})
}

// newChannel wires the shared fields. Reactor-only.
func (m *Mesh) newChannel(n *node, local, remote uint16) *Channel {
	ch := &Channel{
		mesh:       m,
		node:       n,
		localPort:  local,
		remotePort: remote,
		sndWnd:     chanRecvWindow,
		rto:        chanInitRTO,
		ooo:        make(map[uint32][]byte),
	}
	m.channels[chanKey{n.name, local, remote}] = ch
	return ch
}

// openChannel starts the SYN handshake toward a peer port.
// Reactor-only.
func (m *Mesh) openChannel(n *node, port uint16, cb ChannelReceiveFunc) (*Channel, error) {
	if n == m.self || n.blacklisted || !n.reachable {
		return nil, ErrNoEnt
	}
	local := m.allocChanPort(n.name, port)
	if local == 0 {
		return nil, ErrNoMem
	}
	ch := m.newChannel(n, local, port)
	ch.receiveCb = cb
	ch.state = chanSynSent
	ch.sendSegment(flagSYN, 0, nil)
	ch.sndNxt = 1
	ch.armRetransmit()
	return ch, nil
}

// allocChanPort picks a free local port for an outgoing channel.
func (m *Mesh) allocChanPort(node string, remote uint16) uint16 {
	for i := 0; i < 0x8000; i++ {
		m.nextChanPort++
		if m.nextChanPort < 0x8000 {
			m.nextChanPort = 0x8000
		}
		if _, taken := m.channels[chanKey{node, m.nextChanPort, remote}]; !taken {
			return m.nextChanPort
		}
	}
	return 0
}

// Send queues bytes for transmission and returns how many fit in
// the send buffer. Safe from any goroutine.
func (ch *Channel) Send(data []byte) int {
	ch.sndMu.Lock()
	if ch.dead.Load() || ch.sndFin {
		ch.sndMu.Unlock()
		return -1
	}
	space := chanSendBuffer - len(ch.sndbuf)
	if space <= 0 {
		ch.sndMu.Unlock()
		return 0
	}
	n := len(data)
	if n > space {
		n = space
	}
	ch.sndbuf = append(ch.sndbuf, data[:n]...)
	ch.sndMu.Unlock()

	ch.mesh.enqueue(func() { ch.pump() })
	return n
}

// Shutdown closes one or both directions.
func (ch *Channel) Shutdown(direction int) {
	ch.mesh.enqueue(func() {
		if direction&ShutRD != 0 {
			ch.rcvShut = true
			ch.ooo = map[uint32][]byte{}
			ch.oooBuf = 0
		}
		if direction&ShutWR != 0 && !ch.sndFin {
			ch.sndMu.Lock()
			ch.sndFin = true
			ch.sndMu.Unlock()
			ch.pump()
		}
	})
}

// Close tears the channel down politely: both directions shut, state
// reaped once the FIN exchange finishes or the linger timer fires.
func (ch *Channel) Close() {
	ch.Shutdown(ShutRDWR)
	ch.mesh.enqueue(func() {
		if ch.lingerT == nil {
			ch.lingerT = ch.mesh.setTimer(chanLinger, func() { ch.destroy() })
		}
	})
}

// destroy reaps the channel immediately. Reactor-only.
func (ch *Channel) destroy() {
	if ch.state == chanClosed {
		return
	}
	ch.state = chanClosed
	ch.dead.Store(true)
	ch.mesh.cancelTimer(ch.rtxTmr)
	ch.mesh.cancelTimer(ch.lingerT)
	delete(ch.mesh.channels, chanKey{ch.node.name, ch.localPort, ch.remotePort})
}

// reset aborts the channel with RST in both directions.
func (ch *Channel) reset() {
	if ch.state != chanClosed {
		ch.sendSegment(flagRST, ch.sndNxt, nil)
	}
	ch.fail()
}

// fail reports the end of the stream to the application and reaps.
func (ch *Channel) fail() {
	cb := ch.receiveCb
	ch.destroy()
	if cb != nil {
		cb(ch, nil)
	}
}

// mss is the data budget of one segment given the current path MTU.
func (ch *Channel) mss() int {
	n := ch.node.mtu - udpHeaderLen - sptps.Overhead - 1 - chanHeaderLen
	if n < chanMinMSS {
		n = chanMinMSS
	}
	return n
}

// pump moves queued bytes into flight. Reactor-only.
func (ch *Channel) pump() {
	if ch.state != chanEstablished {
		return
	}

	for len(ch.inflight) < chanInflights {
		// Respect the peer's advertised window across everything in
		// flight.
		var inflightBytes uint32
		for _, s := range ch.inflight {
			inflightBytes += uint32(len(s.data))
		}
		if inflightBytes >= ch.sndWnd {
			break
		}
		budget := int(ch.sndWnd - inflightBytes)
		if budget > ch.mss() {
			budget = ch.mss()
		}

		ch.sndMu.Lock()
		take := len(ch.sndbuf)
		if take > budget {
			take = budget
		}
		var chunk []byte
		if take > 0 {
			chunk = append([]byte(nil), ch.sndbuf[:take]...)
			ch.sndbuf = append([]byte(nil), ch.sndbuf[take:]...)
		}
		drained := len(ch.sndbuf) == 0
		fin := ch.sndFin
		ch.sndMu.Unlock()

		if take == 0 {
			if fin && drained && !ch.finSent {
				seg := &segment{seq: ch.sndNxt, fin: true, sentAt: time.Now()}
				ch.inflight = append(ch.inflight, seg)
				ch.sendSegment(flagFIN|flagACK, seg.seq, nil)
				ch.sndNxt++
				ch.finSent = true
				ch.armRetransmit()
			}
			return
		}

		seg := &segment{seq: ch.sndNxt, data: chunk, sentAt: time.Now()}
		ch.inflight = append(ch.inflight, seg)
		ch.sendSegment(flagACK, seg.seq, chunk)
		ch.sndNxt += uint32(len(chunk))
		ch.armRetransmit()
	}
}

// sendSegment emits one segment through the datagram plane.
func (ch *Channel) sendSegment(flags byte, seq uint32, data []byte) {
	sacks := ch.sackRanges()
	buf := make([]byte, chanHeaderLen+len(sacks)*8+len(data))
	binary.BigEndian.PutUint16(buf[0:2], ch.localPort)
	binary.BigEndian.PutUint16(buf[2:4], ch.remotePort)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], ch.rcvNxt)
	binary.BigEndian.PutUint32(buf[12:16], ch.recvWindow())
	buf[16] = flags
	buf[17] = byte(len(sacks))
	off := chanHeaderLen
	for _, r := range sacks {
		binary.BigEndian.PutUint32(buf[off:off+4], r[0])
		binary.BigEndian.PutUint32(buf[off+4:off+8], r[1])
		off += 8
	}
	copy(buf[off:], data)
	ch.mesh.sendDatagramTo(ch.node, dgramChannel, buf)
}

// recvWindow is what we advertise: reassembly space not yet taken.
func (ch *Channel) recvWindow() uint32 {
	free := chanRecvWindow - ch.oooBuf
	if free < 0 {
		free = 0
	}
	return uint32(free)
}

// sackRanges summarises the reassembly map as up to four contiguous
// ranges past the cumulative ack.
func (ch *Channel) sackRanges() [][2]uint32 {
	if len(ch.ooo) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(ch.ooo))
	for s := range ch.ooo {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqLT(seqs[i], seqs[j]) })

	var out [][2]uint32
	for _, s := range seqs {
		end := s + uint32(len(ch.ooo[s]))
		if len(out) > 0 && out[len(out)-1][1] == s {
			out[len(out)-1][1] = end
			continue
		}
		if len(out) == chanMaxSack {
			break
		}
		out = append(out, [2]uint32{s, end})
	}
	return out
}

// armRetransmit schedules the retransmission timer for the oldest
// segment in flight.
func (ch *Channel) armRetransmit() {
	if ch.rtxTmr != nil {
		return
	}
	ch.rtxTmr = ch.mesh.setTimer(ch.rto, func() {
		ch.rtxTmr = nil
		ch.retransmit()
	})
}

func (ch *Channel) retransmit() {
	if ch.state == chanClosed || len(ch.inflight) == 0 {
		if ch.state == chanSynSent {
			// SYN itself went unanswered.
			ch.resendSyn()
		}
		return
	}
	seg := ch.inflight[0]
	seg.rtx++
	if seg.rtx > chanMaxRetries {
		ch.mesh.logf(logWarning, "channel %s:%d gave up after %d retries", ch.node.name, ch.remotePort, chanMaxRetries)
		ch.fail()
		return
	}
	ch.mesh.chanRetransmits.Inc(1)
	flags := flagACK
	if seg.fin {
		flags |= flagFIN
	}
	ch.sendSegment(flags, seg.seq, seg.data)
	seg.sentAt = time.Now()
	ch.rto *= 2
	if ch.rto > chanMaxRTO {
		ch.rto = chanMaxRTO
	}
	ch.armRetransmit()
}

func (ch *Channel) resendSyn() {
	if ch.state != chanSynSent {
		return
	}
	ch.rto *= 2
	if ch.rto > chanMaxRTO {
		ch.fail()
		return
	}
	ch.sendSegment(flagSYN, 0, nil)
	ch.armRetransmit()
}

// updateRTT folds one sample into the smoothed estimate.
func (ch *Channel) updateRTT(sample time.Duration) {
	if ch.srtt == 0 {
		ch.srtt = sample
		ch.rttvar = sample / 2
	} else {
		d := ch.srtt - sample
		if d < 0 {
			d = -d
		}
		ch.rttvar = (3*ch.rttvar + d) / 4
		ch.srtt = (7*ch.srtt + sample) / 8
	}
	ch.rto = ch.srtt + 4*ch.rttvar
	if ch.rto < chanMinRTO {
		ch.rto = chanMinRTO
	}
}

// channelInput dispatches one channel segment from a node's
// datagram session. Reactor-only.
func (m *Mesh) channelInput(n *node, body []byte) {
	if len(body) < chanHeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(body[0:2])
	dstPort := binary.BigEndian.Uint16(body[2:4])
	seq := binary.BigEndian.Uint32(body[4:8])
	ack := binary.BigEndian.Uint32(body[8:12])
	wnd := binary.BigEndian.Uint32(body[12:16])
	flags := body[16]
	nsack := int(body[17])
	if len(body) < chanHeaderLen+nsack*8 {
		return
	}
	sacks := make([][2]uint32, 0, nsack)
	off := chanHeaderLen
	for i := 0; i < nsack; i++ {
		sacks = append(sacks, [2]uint32{
			binary.BigEndian.Uint32(body[off : off+4]),
			binary.BigEndian.Uint32(body[off+4 : off+8]),
		})
		off += 8
	}
	data := body[off:]

	key := chanKey{n.name, dstPort, srcPort}
	ch, ok := m.channels[key]
	if !ok {
		if flags&flagSYN != 0 && flags&flagACK == 0 {
			m.acceptChannel(n, dstPort, srcPort)
			return
		}
		// Traffic for a channel we no longer know.
		if flags&flagRST == 0 {
			orphan := &Channel{mesh: m, node: n, localPort: dstPort, remotePort: srcPort}
			orphan.sendSegment(flagRST, 0, nil)
		}
		return
	}

	if flags&flagRST != 0 {
		ch.fail()
		return
	}

	ch.sndWnd = wnd

	switch ch.state {
	case chanSynSent:
		if flags&flagSYN != 0 && flags&flagACK != 0 {
			ch.state = chanEstablished
			ch.sndUna = 1
			ch.rcvNxt = 1
			ch.rto = chanInitRTO
			ch.sendSegment(flagACK, ch.sndNxt, nil)
			ch.pump()
		}
		return
	case chanSynRcvd:
		if flags&flagSYN != 0 {
			// Our SYN-ACK got lost; the peer asked again.
			ch.sendSegment(flagSYN|flagACK, 0, nil)
			return
		}
		if flags&flagACK != 0 {
			ch.state = chanEstablished
		}
	case chanClosed:
		return
	}

	if flags&flagACK != 0 {
		ch.processAck(ack, sacks)
	}
	if len(data) > 0 || flags&flagFIN != 0 {
		ch.processData(seq, data, flags&flagFIN != 0)
	}
}

// acceptChannel asks the application about an incoming opening.
func (m *Mesh) acceptChannel(n *node, dstPort, srcPort uint16) {
	m.mu.Lock()
	cb := m.channelAcceptCb
	m.mu.Unlock()

	ch := m.newChannel(n, dstPort, srcPort)
	ch.state = chanSynRcvd
	ch.rcvNxt = 1
	ch.sndNxt = 1

	if cb == nil || !cb(ch, dstPort) {
		ch.sendSegment(flagRST, 0, nil)
		ch.destroy()
		return
	}
	ch.sendSegment(flagSYN|flagACK, 0, nil)
	ch.armRetransmit()
}

// processAck retires acknowledged segments and takes RTT samples.
func (ch *Channel) processAck(ack uint32, sacks [][2]uint32) {
	if seqLT(ch.sndUna, ack) {
		ch.sndUna = ack
	}
	kept := ch.inflight[:0]
	for _, seg := range ch.inflight {
		end := seg.seq + uint32(len(seg.data))
		if seg.fin {
			end++
		}
		acked := !seqLT(ack, end)
		if !acked {
			for _, r := range sacks {
				if !seqLT(seg.seq, r[0]) && !seqLT(r[1], end) {
					acked = true
					break
				}
			}
		}
		if acked {
			if seg.rtx == 0 {
				ch.updateRTT(time.Since(seg.sentAt))
			}
			continue
		}
		kept = append(kept, seg)
	}
	ch.inflight = kept

	if len(ch.inflight) == 0 {
		ch.mesh.cancelTimer(ch.rtxTmr)
		ch.rtxTmr = nil
		if ch.finSent && ch.rcvShut {
			ch.destroy()
			return
		}
	}
	ch.pump()
}

// processData reassembles the byte stream and delivers what became
// contiguous.
func (ch *Channel) processData(seq uint32, data []byte, fin bool) {
	if fin {
		ch.rcvFin = true
		ch.finSeq = seq + uint32(len(data))
	}

	if len(data) > 0 && seqLT(ch.rcvNxt-1, seq+uint32(len(data))-1) {
		if !seqLT(seq, ch.rcvNxt) && ch.oooBuf+len(data) <= chanRecvWindow {
			if _, dup := ch.ooo[seq]; !dup {
				ch.ooo[seq] = append([]byte(nil), data...)
				ch.oooBuf += len(data)
			}
		}
	}

	// Drain whatever is contiguous now.
	for {
		data, ok := ch.ooo[ch.rcvNxt]
		if !ok {
			break
		}
		delete(ch.ooo, ch.rcvNxt)
		ch.oooBuf -= len(data)
		ch.rcvNxt += uint32(len(data))
		if !ch.rcvShut && ch.receiveCb != nil {
			ch.receiveCb(ch, data)
		}
	}

	if ch.rcvFin && ch.rcvNxt == ch.finSeq {
		ch.rcvNxt++
		if ch.receiveCb != nil && !ch.rcvShut {
			ch.receiveCb(ch, []byte{})
		}
		ch.rcvFin = false
		ch.rcvShut = true
		if ch.finSent && len(ch.inflight) == 0 {
			ch.sendSegment(flagACK, ch.sndNxt, nil)
			ch.destroy()
			return
		}
	}

	ch.sendSegment(flagACK, ch.sndNxt, nil)
}
