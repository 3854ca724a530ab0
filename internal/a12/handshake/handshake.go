package handshake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// Handshake drives one side of the C2 flow to completion over an opaque
// byte pipe. Both roles run the identical sequence of steps; Role only
// decides transcript ordering when computing the authentication tag.
type Handshake struct {
	cfg   Config
	role  Role
	state State

	localEphemeralSecret [32]byte
	localEphemeralPublic [32]byte
	localChallenge       [ChallengeSize]byte

	peerHello Hello
}

// New creates a Handshake for the given role.
func New(role Role, cfg Config) *Handshake {
	cfg.applyDefaults()
	return &Handshake{cfg: cfg, role: role, state: StateNew}
}

// State returns the current FSM state.
func (h *Handshake) State() State { return h.state }

// Run executes the full handshake over rw, honouring ctx for cancellation
// and the configured timeout. On success it returns the negotiated
// symmetric keys; on any failure the returned error is always terminal.
func (h *Handshake) Run(ctx context.Context, rw io.ReadWriter) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = h.run(rw)
	}()

	select {
	case <-done:
		if err != nil {
			h.state = StateFailed
		}
		return res, err
	case <-ctx.Done():
		h.state = StateFailed
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.run",
			fmt.Errorf("%s: %w", FailTimeout, ctx.Err()))
	}
}

func (h *Handshake) run(rw io.ReadWriter) (*Result, error) {
	if _, err := rand.Read(h.localEphemeralSecret[:]); err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.genEphemeral", err)
	}
	pub, err := curve25519.X25519(h.localEphemeralSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.genEphemeral", err)
	}
	copy(h.localEphemeralPublic[:], pub)

	if _, err := rand.Read(h.localChallenge[:]); err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.genChallenge", err)
	}

	hello := Hello{
		Version:      ProtocolVersion,
		LongTermPub:  h.cfg.LocalLongTermPublic,
		EphemeralPub: h.localEphemeralPublic,
		Challenge:    h.localChallenge,
	}

	if err := writeHello(rw, hello); err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.writeHello", err)
	}
	h.state = StateHelloSent

	peerHello, err := readHello(rw)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.readHello", err)
	}
	h.peerHello = peerHello
	h.state = StateHelloReceived

	if peerHello.Version != ProtocolVersion {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.version",
			fmt.Errorf("%s: peer=%d local=%d", FailVersionMismatch, peerHello.Version, ProtocolVersion))
	}

	authenticated, secret, err := h.resolveTrust(peerHello.LongTermPub)
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(h.localEphemeralSecret[:], peerHello.EphemeralPub[:])
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.x25519", err)
	}

	if h.cfg.ForwardSecrecy {
		shared, err = h.forwardSecrecyRound(rw, shared)
		if err != nil {
			return nil, err
		}
	}

	salt := transcriptSalt(hello, peerHello)
	if h.role == RoleResponder {
		salt = transcriptSalt(peerHello, hello)
	}
	var sendKey, recvKey []byte
	if h.role == RoleInitiator {
		sendKey, recvKey, err = deriveKeys(shared, salt, false)
	} else {
		recvKey, sendKey, err = deriveKeys(shared, salt, false)
	}
	if err != nil {
		return nil, err
	}
	h.state = StateKeyAgreed

	if err := h.exchangeAuthTags(rw, sendKey, recvKey, salt); err != nil {
		return nil, err
	}
	h.state = StateAuthenticated

	_ = secret // long-term secret retained by the caller's keystore, not needed further here

	return &Result{
		SendKey:       sendKey,
		RecvKey:       recvKey,
		Authenticated: authenticated,
		PeerLongTerm:  peerHello.LongTermPub,
	}, nil
}

// resolveTrust consults the keystore and, for unknown peers, the
// register_unknown hook. Absent any hook the default is reject.
func (h *Handshake) resolveTrust(peerPub [32]byte) (authenticated bool, secret []byte, err error) {
	if h.cfg.Keystore == nil {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.keystore",
			fmt.Errorf("%s: no keystore configured", FailKeystoreReject))
	}
	res, err := h.cfg.Keystore(peerPub)
	if err != nil {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.keystore", err)
	}
	if res.Authentic {
		return true, res.Secret, nil
	}

	if h.cfg.RegisterUnknown == nil {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.keystore",
			fmt.Errorf("%s: peer unknown, no register_unknown hook", FailKeystoreReject))
	}
	admit, secret, err := h.cfg.RegisterUnknown(peerPub)
	if err != nil {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.registerUnknown", err)
	}
	if !admit {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.registerUnknown",
			fmt.Errorf("%s: register_unknown declined peer", FailKeystoreReject))
	}
	// Admitted but unauthenticated: the session proceeds only if the
	// caller's soft_auth policy (decided at session creation) allows it.
	if !h.cfg.SoftAuth {
		return false, nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.softAuth",
			fmt.Errorf("%s: soft_auth disabled", FailKeystoreReject))
	}
	return false, secret, nil
}

// forwardSecrecyRound performs the optional second ephemeral exchange,
// mixing its shared secret into the one already derived so compromise of
// either ephemeral alone is insufficient to recover session keys.
func (h *Handshake) forwardSecrecyRound(rw io.ReadWriter, shared []byte) ([]byte, error) {
	var secondSecret, secondPublic [32]byte
	if _, err := rand.Read(secondSecret[:]); err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.fs2.gen", err)
	}
	pub, err := curve25519.X25519(secondSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.fs2.gen", err)
	}
	copy(secondPublic[:], pub)

	if err := writeRaw32(rw, secondPublic); err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.fs2.write", err)
	}
	peerSecond, err := readRaw32(rw)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.fs2.read", err)
	}

	second, err := curve25519.X25519(secondSecret[:], peerSecond[:])
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.fs2.x25519", err)
	}

	mixed := sha256.Sum256(append(append([]byte(nil), shared...), second...))
	return mixed[:], nil
}

// exchangeAuthTags computes and verifies a tag over the handshake
// transcript under the newly derived keys, authenticating the session.
func (h *Handshake) exchangeAuthTags(rw io.ReadWriter, sendKey, recvKey, salt []byte) error {
	ourTag := authTag(sendKey, salt)
	if err := writeRaw32(rw, ourTag); err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.authTag.write", err)
	}
	peerTag, err := readRaw32(rw)
	if err != nil {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.authTag.read", err)
	}
	expected := authTag(recvKey, salt)
	if peerTag != expected {
		return a12err.NewTerminalError(a12err.KindHandshakeFailed, "handshake.authTag.verify",
			fmt.Errorf("%s", FailAuthTagInvalid))
	}
	return nil
}

func authTag(key, salt []byte) [32]byte {
	return sha256.Sum256(append(append([]byte(nil), key...), salt...))
}

func transcriptSalt(a, b Hello) []byte {
	buf := make([]byte, 0, 2*(32+32+ChallengeSize))
	buf = append(buf, a.LongTermPub[:]...)
	buf = append(buf, a.EphemeralPub[:]...)
	buf = append(buf, a.Challenge[:]...)
	buf = append(buf, b.LongTermPub[:]...)
	buf = append(buf, b.EphemeralPub[:]...)
	buf = append(buf, b.Challenge[:]...)
	return buf
}

func writeRaw32(w io.Writer, v [32]byte) error {
	_, err := w.Write(v[:])
	return err
}

func readRaw32(r io.Reader) ([32]byte, error) {
	var v [32]byte
	_, err := io.ReadFull(r, v[:])
	return v, err
}

func writeHello(w io.Writer, h Hello) error {
	buf := make([]byte, 2+32+32+ChallengeSize+1+len(h.PresharedTag))
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	copy(buf[2:34], h.LongTermPub[:])
	copy(buf[34:66], h.EphemeralPub[:])
	copy(buf[66:66+ChallengeSize], h.Challenge[:])
	buf[66+ChallengeSize] = byte(len(h.PresharedTag))
	copy(buf[67+ChallengeSize:], h.PresharedTag)
	_, err := w.Write(buf)
	return err
}

func readHello(r io.Reader) (Hello, error) {
	var h Hello
	fixed := make([]byte, 2+32+32+ChallengeSize+1)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return h, err
	}
	h.Version = binary.LittleEndian.Uint16(fixed[0:2])
	copy(h.LongTermPub[:], fixed[2:34])
	copy(h.EphemeralPub[:], fixed[34:66])
	copy(h.Challenge[:], fixed[66:66+ChallengeSize])
	tagLen := int(fixed[66+ChallengeSize])
	if tagLen > 0 {
		tag := make([]byte, tagLen)
		if _, err := io.ReadFull(r, tag); err != nil {
			return h, err
		}
		h.PresharedTag = string(tag)
	}
	return h, nil
}
