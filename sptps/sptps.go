// Package sptps implements the record-level security protocol used
// on both meta-connections and the UDP datagram path. A session runs
// a KEX/SIG/ACK handshake authenticated with long-term Ed25519 keys,
// then protects records with per-direction ChaCha20-Poly1305 keys.
//
// Record framing: uint32 seq, uint16 len, uint8 type, then the body.
// The body of a protected record is the sealed plaintext (len bytes
// of ciphertext followed by the 16 byte tag); handshake records sent
// before the first key switch travel unprotected, authenticated by
// the transcript signature instead.
package sptps

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Record types
const (
	typeHandshake byte = 0
	typeAlert     byte = 1
	typeData      byte = 2
)

const (
	headerLen = 7
	tagLen    = 16

	// Overhead is the number of bytes a protected datagram record
	// adds on top of the plaintext.
	Overhead = headerLen + tagLen

	// MaxRecordLen caps one record's plaintext.
	MaxRecordLen = 65535

	// DefaultReplayWindow is the width of the datagram replay
	// window, in packets.
	DefaultReplayWindow = 32

	rekeyRecords  = 1 << 20
	rekeyInterval = time.Hour
)

// Errors surfaced to the owner of the session.
var (
	ErrClosed  = errors.New("sptps: session closed")
	ErrState   = errors.New("sptps: handshake state violation")
	ErrAuth    = errors.New("sptps: authentication failed")
	ErrReplay  = errors.New("sptps: replayed record")
	ErrDropped = errors.New("sptps: record dropped")
	ErrTooLong = errors.New("sptps: record too long")
)

// Config carries everything a session needs. Outgoing transmits one
// framed record; Receive delivers one decrypted application record.
// Both run on the caller's goroutine.
type Config struct {
	Initiator bool
	Datagram  bool

	Mine   ed25519.PrivateKey
	Theirs ed25519.PublicKey // nil: resolve with Lookup on first KEX

	// Identity is an opaque blob carried in our KEX so the peer can
	// resolve our long-term key before verifying the transcript.
	Identity []byte
	Lookup   func(identity []byte) (ed25519.PublicKey, error)

	Label        string
	ReplayWindow uint

	Outgoing    func(rec []byte) error
	Receive     func(data []byte) error
	Established func()
}

type direction struct {
	aead   cipher.AEAD
	seq    uint32
	active bool // key switched on, records are sealed
}

// Session is one SPTPS endpoint. Not safe for concurrent use; the
// owner serializes access (the mesh reactor does).
type Session struct {
	cfg Config

	hs     handshake
	window replayWindow

	send direction
	recv direction

	// stream reassembly
	buf []byte

	peerIdentity []byte

	established bool
	failed      bool
	closed      bool
	keyedAt     time.Time
}

// New creates a session. Start must be called to kick off the
// handshake.
func New(cfg Config) (*Session, error) {
	if cfg.Mine == nil || cfg.Outgoing == nil || cfg.Receive == nil {
		return nil, ErrState
	}
	if cfg.Theirs == nil && cfg.Lookup == nil {
		return nil, ErrState
	}
	win := cfg.ReplayWindow
	if win == 0 {
		win = DefaultReplayWindow
	}
	s := &Session{cfg: cfg}
	s.window.reset(uint32(win))
	return s, nil
}

// Start sends our KEX.
func (s *Session) Start() error {
	if s.closed || s.failed {
		return ErrClosed
	}
	return s.startKEX()
}

// Established reports whether application records may flow.
func (s *Session) Established() bool { return s.established && !s.failed && !s.closed }

// PeerKey returns the long-term key the peer proved ownership of.
func (s *Session) PeerKey() ed25519.PublicKey { return s.cfg.Theirs }

// PeerIdentity returns the identity blob from the peer's KEX.
func (s *Session) PeerIdentity() []byte {
	if s.peerIdentity != nil {
		return s.peerIdentity
	}
	return s.hs.theirIdentity
}

// Send seals and transmits one application record, initiating a
// rekey when the key has aged past its budget.
func (s *Session) Send(data []byte) error {
	if s.closed || s.failed {
		return ErrClosed
	}
	if !s.established {
		return ErrState
	}
	if len(data) > MaxRecordLen {
		return ErrTooLong
	}
	if s.needRekey() && !s.hs.busy() {
		if err := s.startKEX(); err != nil {
			return err
		}
	}
	return s.emit(typeData, data)
}

func (s *Session) needRekey() bool {
	return uint64(s.send.seq) >= rekeyRecords || time.Since(s.keyedAt) >= rekeyInterval
}

// emit frames and transmits one record in the send direction.
func (s *Session) emit(typ byte, payload []byte) error {
	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint32(hdr[0:4], s.send.seq)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	hdr[6] = typ

	var rec []byte
	if s.send.active {
		nonce := make([]byte, chacha20poly1305.NonceSize)
		binary.BigEndian.PutUint32(nonce[8:], s.send.seq)
		rec = append(hdr, s.send.aead.Seal(nil, nonce, payload, hdr)...)
	} else {
		rec = append(hdr, payload...)
	}
	s.send.seq++
	return s.cfg.Outgoing(rec)
}

// ReceiveData processes one whole record, as read off a datagram.
func (s *Session) ReceiveData(rec []byte) error {
	if s.closed || s.failed {
		return ErrClosed
	}
	return s.receiveRecord(rec, true)
}

// ReceiveStream buffers an arbitrary chunk of stream bytes and
// processes every complete record inside it.
func (s *Session) ReceiveStream(chunk []byte) error {
	if s.closed || s.failed {
		return ErrClosed
	}
	s.buf = append(s.buf, chunk...)
	for {
		if len(s.buf) < headerLen {
			return nil
		}
		n := int(binary.BigEndian.Uint16(s.buf[4:6]))
		total := headerLen + n
		if s.recv.active {
			total += tagLen
		}
		if len(s.buf) < total {
			return nil
		}
		rec := s.buf[:total]
		if err := s.receiveRecord(rec, false); err != nil {
			return err
		}
		if s.closed {
			// A callback closed the session; its buffer is gone.
			return nil
		}
		s.buf = append([]byte(nil), s.buf[total:]...)
	}
}

func (s *Session) receiveRecord(rec []byte, datagram bool) error {
	if len(rec) < headerLen {
		return s.fail(ErrAuth)
	}
	hdr := rec[:headerLen]
	seq := binary.BigEndian.Uint32(hdr[0:4])
	n := int(binary.BigEndian.Uint16(hdr[4:6]))
	typ := hdr[6]
	body := rec[headerLen:]

	var payload []byte
	if s.recv.active {
		if len(body) != n+tagLen {
			return s.fail(ErrAuth)
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		binary.BigEndian.PutUint32(nonce[8:], seq)
		pt, err := s.recv.aead.Open(nil, nonce, body, hdr)
		if err != nil {
			// On a stream the peer is authenticated end to end and a
			// bad tag is fatal. A datagram can be forged by anyone
			// who can spoof a packet; those are dropped.
			if datagram {
				return ErrDropped
			}
			return s.fail(ErrAuth)
		}
		payload = pt

		if datagram {
			// Replay suppression only applies to the datagram path;
			// the stream path demands exact ordering below.
			if !s.window.check(seq) {
				return ErrReplay
			}
		} else if seq != s.recv.seq {
			return s.fail(ErrAuth)
		}
		if !datagram {
			s.recv.seq++
		}
	} else {
		// Unprotected records are only ever handshake records, in
		// strict order. A stray datagram racing the key switch is
		// dropped rather than treated as an attack.
		if typ != typeHandshake || len(body) != n || seq != s.recv.seq {
			if datagram {
				return ErrDropped
			}
			return s.fail(ErrAuth)
		}
		payload = body
		s.recv.seq++
	}

	switch typ {
	case typeHandshake:
		if err := s.handleHandshake(payload); err != nil {
			return s.fail(err)
		}
		return nil
	case typeAlert:
		return s.fail(ErrAuth)
	case typeData:
		if !s.established {
			return s.fail(ErrState)
		}
		return s.cfg.Receive(payload)
	}
	return s.fail(ErrAuth)
}

// fail wedges the session; any further use returns an error. A
// best-effort alert is sent so the peer tears down too.
func (s *Session) fail(err error) error {
	if !s.failed {
		s.failed = true
		if s.send.active {
			// ignore transmit errors, we are going away
			hdr := make([]byte, headerLen)
			binary.BigEndian.PutUint32(hdr[0:4], s.send.seq)
			binary.BigEndian.PutUint16(hdr[4:6], 1)
			hdr[6] = typeAlert
			nonce := make([]byte, chacha20poly1305.NonceSize)
			binary.BigEndian.PutUint32(nonce[8:], s.send.seq)
			rec := append(hdr, s.send.aead.Seal(nil, nonce, []byte{1}, hdr)...)
			s.send.seq++
			_ = s.cfg.Outgoing(rec)
		}
	}
	return err
}

// Close wipes the session state.
func (s *Session) Close() {
	s.closed = true
	s.send = direction{}
	s.recv = direction{}
	s.hs = handshake{}
	s.buf = nil
}
