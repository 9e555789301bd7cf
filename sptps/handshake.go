package sptps

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Handshake message kinds, first byte of a handshake record.
const (
	hsKEX byte = 1
	hsSIG byte = 2
	hsACK byte = 3
)

const hsVersion byte = 0

// handshake tracks one KEX/SIG/ACK exchange. A fresh exchange may
// run under an established session (rekey); data keeps flowing under
// the old keys until each direction's ACK switches it over.
type handshake struct {
	myKEX    []byte // full payload, kind byte included
	theirKEX []byte
	ephPriv  []byte
	sigSent  bool
	ackSent  bool
	ackSeen  bool

	theirIdentity []byte

	pendingSend [32]byte
	pendingRecv [32]byte
	keysReady   bool
}

func (h *handshake) busy() bool { return h.myKEX != nil }

// startKEX generates an ephemeral key pair and transmits our KEX.
func (s *Session) startKEX() error {
	if s.hs.busy() {
		return nil
	}
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, eph); err != nil {
		return err
	}
	pub, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return err
	}
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	if len(s.cfg.Identity) > 255 {
		return ErrTooLong
	}

	kex := make([]byte, 0, 2+32+32+1+len(s.cfg.Identity))
	kex = append(kex, hsKEX, hsVersion)
	kex = append(kex, nonce...)
	kex = append(kex, pub...)
	kex = append(kex, byte(len(s.cfg.Identity)))
	kex = append(kex, s.cfg.Identity...)

	s.hs.ephPriv = eph
	s.hs.myKEX = kex
	if err := s.emit(typeHandshake, kex); err != nil {
		return err
	}
	// Both KEXs may already be on hand when the peer opened the
	// exchange; then our SIG goes out right behind our KEX.
	return s.maybeSendSIG()
}

func (s *Session) handleHandshake(payload []byte) error {
	if len(payload) < 1 {
		return ErrAuth
	}
	switch payload[0] {
	case hsKEX:
		return s.handleKEX(payload)
	case hsSIG:
		return s.handleSIG(payload)
	case hsACK:
		return s.handleACK(payload)
	}
	return ErrAuth
}

func (s *Session) handleKEX(payload []byte) error {
	if len(payload) < 2+32+32+1 || payload[1] != hsVersion {
		return ErrAuth
	}
	idLen := int(payload[2+32+32])
	if len(payload) != 2+32+32+1+idLen {
		return ErrAuth
	}
	if s.hs.theirKEX != nil {
		return ErrState
	}
	s.hs.theirKEX = append([]byte(nil), payload...)
	s.hs.theirIdentity = append([]byte(nil), payload[2+32+32+1:]...)

	if s.cfg.Theirs == nil {
		key, err := s.cfg.Lookup(s.hs.theirIdentity)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return ErrAuth
		}
		s.cfg.Theirs = key
	}

	// A peer-initiated exchange (initial or rekey) pulls us in.
	if !s.hs.busy() {
		if err := s.startKEX(); err != nil {
			return err
		}
		return nil
	}
	return s.maybeSendSIG()
}

// transcript builds the byte string both sides sign. The role byte
// keeps a signature from being reflected back at its maker.
func (s *Session) transcript(initiatorRole bool) []byte {
	ikex, rkex := s.hs.myKEX, s.hs.theirKEX
	if !s.cfg.Initiator {
		ikex, rkex = rkex, ikex
	}
	t := make([]byte, 0, len(s.cfg.Label)+1+len(ikex)+len(rkex))
	t = append(t, []byte(s.cfg.Label)...)
	if initiatorRole {
		t = append(t, 0)
	} else {
		t = append(t, 1)
	}
	t = append(t, ikex...)
	t = append(t, rkex...)
	return t
}

func (s *Session) maybeSendSIG() error {
	if s.hs.sigSent || s.hs.myKEX == nil || s.hs.theirKEX == nil {
		return nil
	}
	sig := ed25519.Sign(s.cfg.Mine, s.transcript(s.cfg.Initiator))
	s.hs.sigSent = true
	return s.emit(typeHandshake, append([]byte{hsSIG}, sig...))
}

func (s *Session) handleSIG(payload []byte) error {
	if len(payload) != 1+ed25519.SignatureSize {
		return ErrAuth
	}
	if s.hs.theirKEX == nil || s.hs.myKEX == nil {
		return ErrState
	}
	if !ed25519.Verify(s.cfg.Theirs, s.transcript(!s.cfg.Initiator), payload[1:]) {
		return ErrAuth
	}
	if err := s.deriveKeys(); err != nil {
		return err
	}
	// Our ACK switches our send direction to the fresh key; records
	// following it are sealed under it.
	if err := s.emit(typeHandshake, []byte{hsACK}); err != nil {
		return err
	}
	s.hs.ackSent = true
	s.activateSend()
	return s.maybeFinish()
}

func (s *Session) handleACK(payload []byte) error {
	if len(payload) != 1 {
		return ErrAuth
	}
	if !s.hs.keysReady {
		return ErrState
	}
	s.hs.ackSeen = true
	s.activateRecv()
	return s.maybeFinish()
}

func (s *Session) deriveKeys() error {
	theirPub := s.hs.theirKEX[2+32 : 2+32+32]
	shared, err := curve25519.X25519(s.hs.ephPriv, theirPub)
	if err != nil {
		return ErrAuth
	}

	ikex, rkex := s.hs.myKEX, s.hs.theirKEX
	if !s.cfg.Initiator {
		ikex, rkex = rkex, ikex
	}
	salt := make([]byte, 0, 64)
	salt = append(salt, ikex[2:2+32]...)
	salt = append(salt, rkex[2:2+32]...)

	r := hkdf.New(sha256.New, shared, salt, []byte(s.cfg.Label))
	var k0, k1 [32]byte
	if _, err := io.ReadFull(r, k0[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, k1[:]); err != nil {
		return err
	}
	if s.cfg.Initiator {
		s.hs.pendingSend, s.hs.pendingRecv = k0, k1
	} else {
		s.hs.pendingSend, s.hs.pendingRecv = k1, k0
	}
	s.hs.keysReady = true
	return nil
}

// activateSend rolls the send direction onto the pending key.
// Rollover is per-direction: the peer flips its receive side when it
// sees our ACK, so sequence numbers stay aligned.
func (s *Session) activateSend() {
	aead, err := chacha20poly1305.New(s.hs.pendingSend[:])
	if err != nil {
		return
	}
	s.send = direction{aead: aead, active: true}
}

func (s *Session) activateRecv() {
	aead, err := chacha20poly1305.New(s.hs.pendingRecv[:])
	if err != nil {
		return
	}
	s.recv = direction{aead: aead, active: true}
	s.window.reset(s.window.size)
}

func (s *Session) maybeFinish() error {
	if !s.hs.ackSent || !s.hs.ackSeen {
		return nil
	}
	s.peerIdentity = s.hs.theirIdentity
	s.hs = handshake{}
	s.keyedAt = timeNow()
	first := !s.established
	s.established = true
	if first && s.cfg.Established != nil {
		s.cfg.Established()
	}
	return nil
}
