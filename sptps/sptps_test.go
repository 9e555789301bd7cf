package sptps

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type endpoint struct {
	s        *Session
	inbox    [][]byte
	received [][]byte
}

// pair wires two sessions back to back through per-endpoint queues.
// pump drains the queues the way a transport delivers records: in
// order, one at a time, never reentrantly.
func pair(t *testing.T, datagram bool) (a, b *endpoint, pump func()) {
	t.Helper()

	apub, apriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bpub, bpriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a = &endpoint{}
	b = &endpoint{}

	a.s, err = New(Config{
		Initiator: true,
		Datagram:  datagram,
		Mine:      apriv,
		Theirs:    bpub,
		Identity:  []byte("alpha"),
		Label:     "test label",
		Outgoing: func(rec []byte) error {
			b.inbox = append(b.inbox, append([]byte(nil), rec...))
			return nil
		},
		Receive: func(data []byte) error {
			a.received = append(a.received, append([]byte(nil), data...))
			return nil
		},
	})
	require.NoError(t, err)

	b.s, err = New(Config{
		Datagram: datagram,
		Mine:     bpriv,
		Theirs:   apub,
		Identity: []byte("beta"),
		Label:    "test label",
		Outgoing: func(rec []byte) error {
			a.inbox = append(a.inbox, append([]byte(nil), rec...))
			return nil
		},
		Receive: func(data []byte) error {
			b.received = append(b.received, append([]byte(nil), data...))
			return nil
		},
	})
	require.NoError(t, err)

	pump = func() {
		for len(a.inbox) > 0 || len(b.inbox) > 0 {
			for _, ep := range []*endpoint{a, b} {
				if len(ep.inbox) == 0 {
					continue
				}
				rec := ep.inbox[0]
				ep.inbox = ep.inbox[1:]
				if datagram {
					require.NoError(t, ep.s.ReceiveData(rec))
				} else {
					require.NoError(t, ep.s.ReceiveStream(rec))
				}
			}
		}
	}

	require.NoError(t, a.s.Start())
	require.NoError(t, b.s.Start())
	pump()
	require.True(t, a.s.Established())
	require.True(t, b.s.Established())
	return a, b, pump
}

func TestHandshakeAndData(t *testing.T) {
	for _, datagram := range []bool{false, true} {
		a, b, pump := pair(t, datagram)

		require.NoError(t, a.s.Send([]byte("hello over there")))
		require.NoError(t, b.s.Send([]byte("hello back")))
		pump()
		require.Equal(t, [][]byte{[]byte("hello over there")}, b.received)
		require.Equal(t, [][]byte{[]byte("hello back")}, a.received)

		require.Equal(t, []byte("beta"), a.s.PeerIdentity())
		require.Equal(t, []byte("alpha"), b.s.PeerIdentity())
	}
}

func TestIdentityLookup(t *testing.T) {
	apub, apriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, bpriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bpub := bpriv.Public().(ed25519.PublicKey)

	var ain, bin [][]byte
	var as, bs *Session

	as, err = New(Config{
		Initiator: true,
		Mine:      apriv,
		Theirs:    bpub,
		Identity:  []byte("alpha"),
		Label:     "lookup",
		Outgoing: func(rec []byte) error {
			bin = append(bin, append([]byte(nil), rec...))
			return nil
		},
		Receive: func(data []byte) error { return nil },
	})
	require.NoError(t, err)

	// The responder resolves the initiator key from the KEX
	// identity, the way an accepting meta-connection does.
	bs, err = New(Config{
		Mine:     bpriv,
		Identity: []byte("beta"),
		Label:    "lookup",
		Lookup: func(identity []byte) (ed25519.PublicKey, error) {
			require.Equal(t, []byte("alpha"), identity)
			return apub, nil
		},
		Outgoing: func(rec []byte) error {
			ain = append(ain, append([]byte(nil), rec...))
			return nil
		},
		Receive: func(data []byte) error { return nil },
	})
	require.NoError(t, err)

	require.NoError(t, as.Start())
	for len(ain) > 0 || len(bin) > 0 {
		if len(bin) > 0 {
			rec := bin[0]
			bin = bin[1:]
			require.NoError(t, bs.ReceiveStream(rec))
		}
		if len(ain) > 0 {
			rec := ain[0]
			ain = ain[1:]
			require.NoError(t, as.ReceiveStream(rec))
		}
	}
	require.True(t, as.Established())
	require.True(t, bs.Established())
}

func TestReplaySuppression(t *testing.T) {
	a, b, pump := pair(t, true)

	var captured [][]byte
	orig := a.s.cfg.Outgoing
	a.s.cfg.Outgoing = func(rec []byte) error {
		captured = append(captured, append([]byte(nil), rec...))
		return orig(rec)
	}

	require.NoError(t, a.s.Send([]byte("one")))
	require.NoError(t, a.s.Send([]byte("two")))
	pump()
	require.Len(t, b.received, 2)

	// Deliver the same records a second time; the replay window
	// suppresses all of them without hurting the session.
	for _, rec := range captured {
		err := b.s.ReceiveData(rec)
		require.ErrorIs(t, err, ErrReplay)
	}
	require.Len(t, b.received, 2)

	require.NoError(t, a.s.Send([]byte("three")))
	pump()
	require.Len(t, b.received, 3)
}

func TestReplayWindowBounds(t *testing.T) {
	var w replayWindow
	w.reset(32)

	require.True(t, w.check(100))
	require.False(t, w.check(100))
	// In-window out-of-order arrivals pass exactly once.
	require.True(t, w.check(90))
	require.False(t, w.check(90))
	// Behind the window: any seq with seq+32 <= highest is rejected.
	require.False(t, w.check(68))
	require.True(t, w.check(69))
	// A far jump clears everything behind it.
	require.True(t, w.check(1000))
	require.False(t, w.check(900))
}

func TestTamperedRecordFailsSession(t *testing.T) {
	a, b, _ := pair(t, false)

	var rec []byte
	a.s.cfg.Outgoing = func(r []byte) error {
		rec = append([]byte(nil), r...)
		return nil
	}
	require.NoError(t, a.s.Send([]byte("payload")))
	rec[len(rec)-1] ^= 0xff

	err := b.s.ReceiveStream(rec)
	require.ErrorIs(t, err, ErrAuth)
	require.False(t, b.s.Established())
	require.Error(t, b.s.Send([]byte("x")))
}

func TestRekeyRollsKeys(t *testing.T) {
	a, b, pump := pair(t, false)

	// Age the key past its budget; the next send triggers a fresh
	// KEX under the live session.
	a.s.keyedAt = time.Now().Add(-2 * rekeyInterval)
	require.NoError(t, a.s.Send([]byte("trigger")))
	pump()
	require.True(t, a.s.Established())
	require.True(t, b.s.Established())
	require.True(t, bytes.Equal(b.received[len(b.received)-1], []byte("trigger")))

	// Sequences restarted after the switch and data still flows.
	require.NoError(t, a.s.Send([]byte("after rekey")))
	require.NoError(t, b.s.Send([]byte("reverse")))
	pump()
	require.True(t, bytes.Equal(b.received[len(b.received)-1], []byte("after rekey")))
	require.True(t, bytes.Equal(a.received[len(a.received)-1], []byte("reverse")))
	require.EqualValues(t, 1, a.s.send.seq)
}
