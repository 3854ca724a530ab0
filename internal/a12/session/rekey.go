package session

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/a12/channel"
	"github.com/arcan-os/a12/internal/a12/codec"
	"github.com/arcan-os/a12/internal/a12/handshake"
	a12err "github.com/arcan-os/a12/internal/errors"
)

// initiateRekeyLocked generates a fresh ephemeral and announces it to the
// peer. The new keys are not installed yet: that happens once the peer's own
// ephemeral arrives via CtrlRekeyAck, so every packet sent or received
// between now and then still uses the old keys, preserving the "no frame
// under the new key before the rekey frame has gone out" ordering without
// needing to track a separate drain barrier. Caller holds rekeyMu.
func (s *Session) initiateRekeyLocked() error {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.generate", err)
	}
	pubBytes, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.generate", err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	s.rekeySecret = secret
	s.rekeyPublic = pub
	s.rekeyInitiated = true
	s.rekeyPending = true

	payload := append([]byte{byte(codec.CtrlRekey)}, pub[:]...)
	return s.sendFrameNow(codec.Frame{
		Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: payload,
	})
}

// handlePeerRekey processes an incoming CtrlRekey (isAck==false) or
// CtrlRekeyAck (isAck==true) control frame.
func (s *Session) handlePeerRekey(peerPubBytes []byte, isAck bool) error {
	if len(peerPubBytes) != 32 {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.peerPub",
			fmt.Errorf("expected 32-byte ephemeral, got %d", len(peerPubBytes)))
	}
	var peerPub [32]byte
	copy(peerPub[:], peerPubBytes)

	s.rekeyMu.Lock()
	defer s.rekeyMu.Unlock()

	if isAck {
		if !s.rekeyInitiated {
			return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.ack",
				fmt.Errorf("unsolicited rekey ack"))
		}
		shared, err := curve25519.X25519(s.rekeySecret[:], peerPub[:])
		if err != nil {
			return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.x25519", err)
		}
		salt := append(append([]byte(nil), s.rekeyPublic[:]...), peerPub[:]...)
		return s.finishRekeyLocked(shared, salt)
	}

	// Peer-initiated: respond in kind regardless of whether our own byte
	// budget is due yet, so a session only ever has one rekey round pending
	// in either direction.
	s.rekeyPending = true
	var ourSecret [32]byte
	if _, err := rand.Read(ourSecret[:]); err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.generate", err)
	}
	ourPubBytes, err := curve25519.X25519(ourSecret[:], curve25519.Basepoint)
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.generate", err)
	}
	var ourPub [32]byte
	copy(ourPub[:], ourPubBytes)

	shared, err := curve25519.X25519(ourSecret[:], peerPub[:])
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.x25519", err)
	}
	// The un-acked frame came from whoever initiated this round, so the salt
	// order here (peer-then-us) matches the initiator's own (self-then-peer)
	// ordering above byte for byte.
	salt := append(append([]byte(nil), peerPub[:]...), ourPub[:]...)

	ackPayload := append([]byte{byte(codec.CtrlRekeyAck)}, ourPub[:]...)
	if err := s.sendFrameNow(codec.Frame{
		Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: ackPayload,
	}); err != nil {
		return err
	}
	return s.finishRekeyLocked(shared, salt)
}

// finishRekeyLocked derives and installs the new key pair. Caller holds
// rekeyMu.
func (s *Session) finishRekeyLocked(shared, salt []byte) error {
	a, b, err := handshake.DeriveRekeyKeys(shared, salt)
	if err != nil {
		return err
	}

	var mySend, myRecv []byte
	if s.role == handshake.RoleInitiator {
		mySend, myRecv = a, b
	} else {
		myRecv, mySend = a, b
	}

	sendKS, err := codec.NewKeyState(mySend)
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.keystate", err)
	}
	recvKS, err := codec.NewKeyState(myRecv)
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "session.rekey.keystate", err)
	}

	s.codec.Rekey(sendKS, recvKS)
	s.rekeyInitiated = false
	s.rekeyPending = false
	s.log.Info("session rekeyed")
	// Anything held back by rekeyPending needs a nudge to resume draining.
	s.kickWriter()
	return nil
}
