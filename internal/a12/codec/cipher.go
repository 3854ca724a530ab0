package codec

import (
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// KeyState holds one direction's symmetric AEAD key plus a debug-only escape
// hatch for cipher-disabled development builds. The AEAD construction folds
// the MAC into its tag, so a verified Open also satisfies the wire format's
// MAC field (see frame.go header layout).
type KeyState struct {
	aead cipher.AEAD

	// cipherDisabled permits plaintext framing for local development. It may
	// only be set before a session authenticates; Codec refuses to honour it
	// afterwards (see Codec.DisableCipher).
	cipherDisabled bool
}

// NewKeyState constructs a KeyState from a 32-byte session key.
func NewKeyState(key []byte) (*KeyState, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "codec.newKeyState", err)
	}
	return &KeyState{aead: aead}, nil
}

// nonceFor derives the 12-byte AEAD nonce from the 8-byte little-endian
// packet sequence number, zero-extended into the low bytes of the nonce.
func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, seq)
	return nonce
}

// Seal encrypts and authenticates plaintext (type||channel||payload) under
// seq, returning ciphertext with the AEAD tag appended.
func (k *KeyState) Seal(seq uint64, plaintext []byte) []byte {
	if k.cipherDisabled {
		return append([]byte(nil), plaintext...)
	}
	return k.aead.Seal(nil, nonceFor(seq), plaintext, nil)
}

// Open authenticates and decrypts ciphertext sealed under seq. A failure
// here is always a MacMismatch: the AEAD tag covers the whole plaintext, so
// there is no way to distinguish a truncated/corrupted packet from a forged
// one at this layer.
func (k *KeyState) Open(seq uint64, ciphertext []byte) ([]byte, error) {
	if k.cipherDisabled {
		return append([]byte(nil), ciphertext...), nil
	}
	pt, err := k.aead.Open(nil, nonceFor(seq), ciphertext, nil)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindMacMismatch, "codec.open", err)
	}
	return pt, nil
}

// Overhead returns the number of bytes the AEAD tag adds to plaintext.
func (k *KeyState) Overhead() int {
	if k.cipherDisabled {
		return 0
	}
	return k.aead.Overhead()
}
