package codec

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	a12err "github.com/arcan-os/a12/internal/errors"
	"github.com/arcan-os/a12/internal/bufpool"
)

// DefaultRekeyBytes is the default bytes-since-rekey budget per direction.
const DefaultRekeyBytes = 64 * 1024 * 1024

// Codec owns one direction pair of keys for a session and implements the C1
// contract: Ingest(bytes) -> frames, Send(frame) -> wire bytes. The recv and
// send halves are driven by separate goroutines (a session's read loop and
// write loop), so the key pointers are held behind atomics: a rekey swaps
// both without forcing the read and write sides to share a lock for the
// common case of just encoding or decoding under the current key.
type Codec struct {
	recvKey atomic.Pointer[KeyState]
	sendKey atomic.Pointer[KeyState]

	recvSeq uint64 // last accepted sequence (0 means none yet), read loop only
	sendSeq uint64 // next sequence to use on send, write loop only

	recvSeqSeen bool

	rekeyBytesLimit uint64
	bytesSinceRekey atomic.Uint64

	pool *bufpool.Pool
}

// New constructs a Codec with the given initial send/recv keys, as produced
// by the handshake layer.
func New(sendKey, recvKey *KeyState) *Codec {
	c := &Codec{
		rekeyBytesLimit: DefaultRekeyBytes,
		pool:            bufpool.New(),
	}
	c.sendKey.Store(sendKey)
	c.recvKey.Store(recvKey)
	return c
}

// SetRekeyBytesLimit overrides the default rekey byte budget.
func (c *Codec) SetRekeyBytesLimit(n uint64) { c.rekeyBytesLimit = n }

// BytesSinceRekey reports how much has been sent under the current send key.
func (c *Codec) BytesSinceRekey() uint64 { return c.bytesSinceRekey.Load() }

// RekeyDue reports whether the sender must rekey before further traffic.
func (c *Codec) RekeyDue() bool { return c.bytesSinceRekey.Load() > c.rekeyBytesLimit }

// Rekey installs new send/recv keys, typically once both sides of a rekey
// control round trip have exchanged ephemerals. It resets the byte counter;
// sequence numbers continue to increase monotonically across the boundary.
func (c *Codec) Rekey(sendKey, recvKey *KeyState) {
	c.sendKey.Store(sendKey)
	c.recvKey.Store(recvKey)
	c.bytesSinceRekey.Store(0)
}

// DisableCipher switches both directions to plaintext framing for local
// development. Once a session has been marked authenticated it changes
// nothing and returns a PolicyError instead: the debug escape hatch cannot
// take effect after authentication.
func (c *Codec) DisableCipher(authenticated bool) error {
	if authenticated {
		return a12err.NewPolicyError(a12err.KindMalformedKey, "codec.disableCipher", fmt.Errorf("cannot disable cipher on an authenticated session"))
	}
	c.sendKey.Load().cipherDisabled = true
	c.recvKey.Load().cipherDisabled = true
	return nil
}

// Ingest consumes buf (an opaque byte slice arriving from the transport) and
// returns as many complete frames as could be decoded, along with the
// number of bytes consumed from buf. Callers should re-invoke Ingest with
// any leftover bytes prefixed to the next read.
//
// Ingest decodes the entire batch before returning, so it must not be used
// by a caller that may rekey mid-batch: a control frame decoded early in buf
// can install new keys via Rekey, and any later packet in the same buf sent
// under those new keys needs to be decoded with them, not with the key that
// was live when Ingest started. IngestEach handles that ordering; Ingest
// remains for callers (tests, offline replay) that only ever decode under a
// single stable key pair.
func (c *Codec) Ingest(buf []byte) ([]Frame, int, error) {
	var frames []Frame
	consumed := 0
	for {
		n, f, err := c.ingestOne(buf[consumed:])
		if err != nil {
			return frames, consumed, err
		}
		if n == 0 {
			break // incomplete packet, wait for more bytes
		}
		consumed += n
		if f != nil {
			frames = append(frames, *f)
		}
	}
	return frames, consumed, nil
}

// IngestEach decodes buf one packet at a time, invoking fn with each decoded
// frame (fn is skipped for reserved/unassigned frame types that decode to a
// nil *Frame) before the next packet in buf is decoded. This lets fn install
// a mid-batch rekey (via Rekey) and have it take effect for any further
// packet still sitting in the same buf — something a decode-then-dispatch
// batch split cannot guarantee.
//
// fn is responsible for its own non-terminal error handling (logging a
// stream-level warning and returning nil); a non-nil return from fn stops
// decoding immediately, same as a decode error from ingestOne itself, so
// only terminal failures should propagate out of fn.
func (c *Codec) IngestEach(buf []byte, fn func(Frame) error) (int, error) {
	consumed := 0
	for {
		n, f, err := c.ingestOne(buf[consumed:])
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			return consumed, nil // incomplete packet, wait for more bytes
		}
		consumed += n
		if f == nil {
			continue
		}
		if err := fn(*f); err != nil {
			return consumed, err
		}
	}
}

// ingestOne decodes at most one packet from the front of buf. It returns
// n==0 when buf does not yet contain a full packet.
func (c *Codec) ingestOne(buf []byte) (int, *Frame, error) {
	if len(buf) < HeaderSize {
		return 0, nil, nil
	}
	ctLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	seq := binary.LittleEndian.Uint64(buf[2:10])
	mac := buf[10:26]
	total := HeaderSize + ctLen
	if len(buf) < total {
		return 0, nil, nil
	}

	if c.recvSeqSeen && seq <= c.recvSeq {
		return 0, nil, a12err.NewTerminalError(a12err.KindSequenceReplay, "codec.ingest",
			fmt.Errorf("sequence %d <= last accepted %d", seq, c.recvSeq))
	}

	recvKey := c.recvKey.Load()
	var plaintext []byte
	var err error
	if recvKey.cipherDisabled {
		plaintext, err = recvKey.Open(seq, buf[HeaderSize:total])
	} else {
		// ciphertext = body || mac-tag, as consumed by AEAD.Open.
		sealed := c.pool.Get(ctLen + len(mac))
		copy(sealed, buf[HeaderSize:total])
		copy(sealed[ctLen:], mac)
		plaintext, err = recvKey.Open(seq, sealed)
		c.pool.Put(sealed)
	}
	if err != nil {
		return 0, nil, err
	}

	if len(plaintext) < 2 {
		return 0, nil, a12err.NewTerminalError(a12err.KindTruncatedFrame, "codec.ingest",
			fmt.Errorf("decrypted frame too short: %d bytes", len(plaintext)))
	}
	ftype := FrameType(plaintext[0])
	if !ftype.KnownRange() {
		return 0, nil, a12err.NewTerminalError(a12err.KindTruncatedFrame, "codec.ingest",
			fmt.Errorf("unknown frame type 0x%02x", plaintext[0]))
	}

	c.recvSeq = seq
	c.recvSeqSeen = true

	if ftype < FrameControl || ftype > FrameBlobPayload {
		return total, nil, nil // reserved-but-unassigned type: consumed, ignored
	}

	f := &Frame{
		Type:     ftype,
		Channel:  plaintext[1],
		Sequence: seq,
		Payload:  append([]byte(nil), plaintext[2:]...),
	}
	return total, f, nil
}

// Send encrypts and frames f for the wire, advancing the send sequence
// counter and the bytes-since-rekey tally. It never blocks and never
// returns a partial packet.
func (c *Codec) Send(f Frame) ([]byte, error) {
	sendKey := c.sendKey.Load()
	if len(f.Payload) > MaxCiphertextLen-sendKey.Overhead()-2 {
		return nil, a12err.NewStreamError(a12err.KindMultipartOverrun, f.Channel, "codec.send",
			fmt.Errorf("payload %d bytes exceeds max frame size", len(f.Payload)))
	}

	c.sendSeq++
	seq := c.sendSeq

	plaintext := make([]byte, 2+len(f.Payload))
	plaintext[0] = byte(f.Type)
	plaintext[1] = f.Channel
	copy(plaintext[2:], f.Payload)

	sealed := sendKey.Seal(seq, plaintext)
	ctLen := len(sealed) - sendKey.Overhead()

	out := make([]byte, HeaderSize+ctLen)
	binary.LittleEndian.PutUint16(out[0:2], uint16(ctLen))
	binary.LittleEndian.PutUint64(out[2:10], seq)
	if !sendKey.cipherDisabled {
		copy(out[10:26], sealed[ctLen:])
	}
	copy(out[HeaderSize:], sealed[:ctLen])

	c.bytesSinceRekey.Add(uint64(len(out)))
	return out, nil
}
