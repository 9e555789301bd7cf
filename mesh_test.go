package meshlink

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// launchPair opens two handles, exchanges their exports, and starts
// both with canonical address localhost.
func launchPair(t *testing.T, fooClass, barClass DeviceClass) (foo, bar *Mesh) {
	t.Helper()

	var err error
	foo, err = Open(t.TempDir(), "foo", "meshtest", fooClass)
	require.NoError(t, err)
	t.Cleanup(foo.Close)
	bar, err = Open(t.TempDir(), "bar", "meshtest", barClass)
	require.NoError(t, err)
	t.Cleanup(bar.Close)

	require.NoError(t, foo.SetCanonicalAddress("foo", "localhost", 0))
	require.NoError(t, bar.SetCanonicalAddress("bar", "localhost", 0))

	require.NoError(t, foo.Start())
	require.NoError(t, bar.Start())

	blob, err := foo.Export()
	require.NoError(t, err)
	require.NoError(t, bar.Import(blob))
	blob, err = bar.Export()
	require.NoError(t, err)
	require.NoError(t, foo.Import(blob))

	return foo, bar
}

// eventually polls until cond holds or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTwoNodesBecomeReachable(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))
	require.True(t, bar.WaitForReachable("foo", 20*time.Second))

	// Both ends learn each other's external address, carrying the
	// real listening port.
	fooPort := strconv.Itoa(int(foo.Port()))
	barPort := strconv.Itoa(int(bar.Port()))
	eventually(t, 10*time.Second, func() bool {
		a, ok1 := foo.NodeStatus("bar")
		b, ok2 := bar.NodeStatus("foo")
		return ok1 && ok2 && a.ExternalAddress != "" && b.ExternalAddress != ""
	}, "external addresses")

	a, _ := foo.NodeStatus("bar")
	b, _ := bar.NodeStatus("foo")
	_, p1, err := net.SplitHostPort(a.ExternalAddress)
	require.NoError(t, err)
	_, p2, err := net.SplitHostPort(b.ExternalAddress)
	require.NoError(t, err)
	assert.Equal(t, barPort, p1)
	assert.Equal(t, fooPort, p2)
}

func TestDatagramDelivery(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	var mu sync.Mutex
	var got [][]byte
	bar.SetReceiveCallback(func(source string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if source == "foo" {
			got = append(got, data)
		}
	})

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))
	require.True(t, foo.Send("bar", []byte("first datagram")))

	eventually(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, "datagram delivery")

	mu.Lock()
	assert.Equal(t, []byte("first datagram"), got[0])
	mu.Unlock()

	// Unknown and unreachable destinations refuse to queue.
	assert.False(t, foo.Send("nobody", []byte("x")))
	assert.False(t, foo.Send("foo", []byte("x")))
}

func TestDatagramOrderWithinSession(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	var mu sync.Mutex
	var got []int
	bar.SetReceiveCallback(func(source string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		v, _ := strconv.Atoi(string(data))
		got = append(got, v)
	})

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))
	const count = 50
	for i := 0; i < count; i++ {
		foo.Send("bar", []byte(strconv.Itoa(i)))
	}

	eventually(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= count/2
	}, "datagram stream")
	time.Sleep(500 * time.Millisecond)

	// Datagrams may drop but the delivered subsequence never
	// reorders within one session.
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestPortableLearnsOnlyOneWay(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassPortable)

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))
	require.True(t, bar.WaitForReachable("foo", 20*time.Second))

	// The backbone asks; the portable answers and thereby learns
	// the backbone's external address.
	eventually(t, 10*time.Second, func() bool {
		st, ok := bar.NodeStatus("foo")
		return ok && st.ExternalAddress != ""
	}, "portable learning backbone external address")

	// The portable never originates REQ_EXTERNAL, so the backbone
	// must not have an external address for it.
	time.Sleep(2 * time.Second)
	st, ok := foo.NodeStatus("bar")
	require.True(t, ok)
	assert.Empty(t, st.ExternalAddress)
}

func TestChannelStream(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	var mu sync.Mutex
	var received bytes.Buffer
	halfClosed := false
	bar.SetChannelAcceptCallback(func(ch *Channel, port uint16) bool {
		if port != 7 {
			return false
		}
		ch.SetReceiveCallback(func(ch *Channel, data []byte) {
			mu.Lock()
			defer mu.Unlock()
			if data != nil && len(data) == 0 {
				halfClosed = true
				return
			}
			received.Write(data)
		})
		return true
	})

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))

	ch, err := foo.OpenChannel("bar", 7, nil)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024) // 16 KiB
	sent := 0
	for sent < len(payload) {
		n := ch.Send(payload[sent:])
		require.GreaterOrEqual(t, n, 0)
		sent += n
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	eventually(t, 20*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received.Len() == len(payload)
	}, "channel payload")

	mu.Lock()
	assert.True(t, bytes.Equal(payload, received.Bytes()))
	mu.Unlock()

	// Half-close propagates as an empty delivery.
	ch.Shutdown(ShutWR)
	eventually(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return halfClosed
	}, "half close")
}

func TestChannelRejectSendsRST(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	bar.SetChannelAcceptCallback(func(ch *Channel, port uint16) bool {
		return false
	})

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))

	var mu sync.Mutex
	dead := false
	_, err := foo.OpenChannel("bar", 9, func(ch *Channel, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if data == nil {
			dead = true
		}
	})
	require.NoError(t, err)

	eventually(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dead
	}, "RST notification")
}

func TestStopMakesPeerUnreachable(t *testing.T) {
	foo, bar := launchPair(t, DevClassBackbone, DevClassBackbone)

	require.True(t, foo.WaitForReachable("bar", 20*time.Second))
	require.True(t, bar.WaitForReachable("foo", 20*time.Second))

	bar.Stop()

	eventually(t, 20*time.Second, func() bool {
		st, ok := foo.NodeStatus("bar")
		return ok && !st.Reachable
	}, "peer unreachable after stop")
}

func TestCorruptStreamTearsDownConnection(t *testing.T) {
	foo, err := Open(t.TempDir(), "foo", "meshtest", DevClassBackbone)
	require.NoError(t, err)
	defer foo.Close()
	require.NoError(t, foo.Start())

	// A peer whose stream fails authentication loses its connection;
	// the graph stays untouched.
	tcp, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(foo.Port())))
	require.NoError(t, err)
	defer tcp.Close()

	// A well-formed record frame carrying a garbage handshake body.
	frame := []byte{0, 0, 0, 0, 0, 5, 0, 0xde, 0xad, 0xbe, 0xef, 0x99}
	_, err = tcp.Write(frame)
	require.NoError(t, err)

	tcp.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 256)
	for {
		if _, err := tcp.Read(buf); err != nil {
			break
		}
	}

	assert.Equal(t, []string{"foo"}, foo.Nodes())
}
