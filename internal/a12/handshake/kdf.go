package handshake

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// Domain-separation labels for key derivation, distinguishing the initial
// derivation from rekey derivations and each direction from the other so
// neither side ever accidentally decrypts with its own send key.
const (
	labelSend      = "a12/send"
	labelRecv      = "a12/recv"
	labelRekeySend = "a12/rekey/send"
	labelRekeyRecv = "a12/rekey/recv"
)

// DeriveRekeyKeys exposes the rekey derivation for use by the session layer
// once both sides have exchanged new ephemerals out of band of this
// package's own handshake flow.
func DeriveRekeyKeys(shared, salt []byte) (send, recv []byte, err error) {
	return deriveKeys(shared, salt, true)
}

// deriveKeys runs HKDF-SHA256 over the x25519 shared secret, salted with
// both sides' challenges to bind the derived keys to this specific
// handshake transcript, and returns (initiatorSendKey, initiatorRecvKey).
// The responder computes the same two keys and swaps which one it calls
// "send" vs "recv".
func deriveKeys(shared []byte, salt []byte, rekey bool) (initSend, initRecv []byte, err error) {
	sendLabel, recvLabel := labelSend, labelRecv
	if rekey {
		sendLabel, recvLabel = labelRekeySend, labelRekeyRecv
	}

	reader := hkdf.New(sha256.New, shared, salt, []byte(sendLabel))
	initSend = make([]byte, 32)
	if _, err := io.ReadFull(reader, initSend); err != nil {
		return nil, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.deriveKeys", err)
	}

	reader = hkdf.New(sha256.New, shared, salt, []byte(recvLabel))
	initRecv = make([]byte, 32)
	if _, err := io.ReadFull(reader, initRecv); err != nil {
		return nil, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.deriveKeys", err)
	}

	return initSend, initRecv, nil
}
