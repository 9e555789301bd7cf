package meshlink

import (
	"bytes"
	"container/heap"
	"runtime"
	"strconv"
	"time"
)

// connEvent carries bytes or a terminal error from a connection's
// reader or writer goroutine into the reactor.
type connEvent struct {
	conn *connection
	data []byte
	err  error
}

// enqueue appends a closure to the command queue and wakes the
// reactor. Safe from any goroutine, never blocks, so callbacks may
// use the async entry points freely.
func (m *Mesh) enqueue(fn func()) {
	m.cmdMu.Lock()
	m.cmdQ = append(m.cmdQ, fn)
	m.cmdMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// goid parses the current goroutine id off the stack header. It is
// how the handle tells a callback apart from a foreign thread.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

// onReactor reports whether the caller is the reactor goroutine,
// i.e. running inside a callback.
func (m *Mesh) onReactor() bool {
	return m.reactorGoid.Load() != 0 && m.reactorGoid.Load() == goid()
}

// do runs fn with exclusive access to mesh state: directly when
// called from a callback or while the reactor is stopped, otherwise
// marshalled onto the reactor.
func (m *Mesh) do(fn func() error) error {
	if m.onReactor() {
		return fn()
	}
	m.opMu.Lock()
	m.mu.Lock()
	started, failed, done := m.started, m.failed, m.done
	m.mu.Unlock()

	if !started {
		// The reactor is down; opMu keeps it down and serialises us
		// against other callers.
		defer m.opMu.Unlock()
		if failed {
			return ErrBusy
		}
		return fn()
	}
	m.opMu.Unlock()

	errc := make(chan error, 1)
	m.enqueue(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-done:
		return ErrBusy
	}
}

func (m *Mesh) drainCmds() {
	for {
		m.cmdMu.Lock()
		if len(m.cmdQ) == 0 {
			m.cmdMu.Unlock()
			return
		}
		fn := m.cmdQ[0]
		m.cmdQ = m.cmdQ[1:]
		m.cmdMu.Unlock()
		fn()
	}
}

// run is the reactor: the only goroutine that mutates graph,
// connection, session, and channel state. It suspends solely in its
// select.
func (m *Mesh) run() {
	m.reactorGoid.Store(goid())
	defer func() {
		m.reactorGoid.Store(0)
		close(m.done)
	}()

	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for !m.stopFlag {
		var timerC <-chan time.Time
		if next, ok := m.nextTimer(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d)
			timerC = idle.C
		}

		select {
		case <-m.wake:
			m.drainCmds()

		case ev := <-m.connEvents:
			if ev.err != nil {
				m.teardown(ev.conn, ErrNetwork, ev.err.Error())
			} else {
				m.handleData(ev.conn, ev.data)
			}

		case tcp := <-m.accepted:
			m.acceptConnection(tcp)

		case pkt := <-m.udpIn:
			m.handleUDPPacket(pkt)

		case <-timerC:
			m.fireTimers()
		}
	}
}

// timers

type timer struct {
	at      time.Time
	fn      func()
	index   int
	stopped bool
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// setTimer schedules fn on the reactor after d. Reactor-only.
func (m *Mesh) setTimer(d time.Duration, fn func()) *timer {
	t := &timer{at: time.Now().Add(d), fn: fn}
	heap.Push(&m.timers, t)
	return t
}

// cancelTimer stops a pending timer. Reactor-only.
func (m *Mesh) cancelTimer(t *timer) {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
}

func (m *Mesh) nextTimer() (time.Time, bool) {
	for len(m.timers) > 0 {
		if m.timers[0].stopped {
			heap.Pop(&m.timers)
			continue
		}
		return m.timers[0].at, true
	}
	return time.Time{}, false
}

func (m *Mesh) fireTimers() {
	now := time.Now()
	for len(m.timers) > 0 {
		t := m.timers[0]
		if t.stopped {
			heap.Pop(&m.timers)
			continue
		}
		if t.at.After(now) {
			return
		}
		heap.Pop(&m.timers)
		t.fn()
	}
}
