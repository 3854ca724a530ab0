package stream

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// TransferType tags the kind of artifact a binary transfer carries.
type TransferType uint8

const (
	TransferStateBlob   TransferType = 0x01
	TransferFont        TransferType = 0x02
	TransferApplArchive TransferType = 0x03
	TransferGenericBlob TransferType = 0x04
	TransferCache       TransferType = 0x05
)

// TransferHeader begins a binary transfer. TotalSize==0 means streaming
// (unbounded until an explicit end).
type TransferHeader struct {
	StreamID  uint32
	Type      TransferType
	Extension string
	TotalSize uint64
	Checksum  [32]byte // meaningful only when TotalSize != 0
}

// EncodeTransferHeader serialises h for the wire.
func EncodeTransferHeader(h TransferHeader) []byte {
	buf := make([]byte, 4+1+1+len(h.Extension)+8+32)
	binary.LittleEndian.PutUint32(buf[0:4], h.StreamID)
	buf[4] = byte(h.Type)
	buf[5] = byte(len(h.Extension))
	off := 6
	copy(buf[off:], h.Extension)
	off += len(h.Extension)
	binary.LittleEndian.PutUint64(buf[off:off+8], h.TotalSize)
	off += 8
	copy(buf[off:], h.Checksum[:])
	return buf
}

// DecodeTransferHeader parses a transfer-begin header.
func DecodeTransferHeader(b []byte) (TransferHeader, error) {
	if len(b) < 6 {
		return TransferHeader{}, fmt.Errorf("transfer header too short")
	}
	h := TransferHeader{
		StreamID: binary.LittleEndian.Uint32(b[0:4]),
		Type:     TransferType(b[4]),
	}
	extLen := int(b[5])
	off := 6
	if len(b) < off+extLen+8+32 {
		return TransferHeader{}, fmt.Errorf("transfer header truncated")
	}
	h.Extension = string(b[off : off+extLen])
	off += extLen
	h.TotalSize = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	copy(h.Checksum[:], b[off:off+32])
	return h, nil
}

// Disposition is the handler's response to a transfer-begin header.
type Disposition int

const (
	DispositionAccept Disposition = iota
	DispositionDefer
	DispositionReject
)

// HandlerFunc is invoked on header arrival and decides how the transfer's
// payload will be handled.
type HandlerFunc func(h TransferHeader) (Disposition, io.WriteCloser, error)

// DuplicateCheckFunc lets the caller short-circuit acceptance when the
// declared checksum already names a known artifact.
type DuplicateCheckFunc func(checksum [32]byte) (known bool, dst io.WriteCloser, err error)

// transferState tracks one in-flight transfer's progress.
type transferState struct {
	header      TransferHeader
	dst         io.WriteCloser
	received    uint64
	deferred    [][]byte
	disposition Disposition
	cancelled   bool
	hasher      hash.Hash // accumulates accepted bytes when the header declares a checksum
}

// checksumExpected reports whether h carries a checksum worth verifying: a
// sized transfer with a non-zero declared digest.
func checksumExpected(h TransferHeader) bool {
	return h.TotalSize != 0 && h.Checksum != [32]byte{}
}

func newTransferHasher(h TransferHeader) hash.Hash {
	if !checksumExpected(h) {
		return nil
	}
	d, err := blake2b.New256(nil)
	if err != nil {
		return nil // blake2b-256 with no key never errors; defensive only
	}
	return d
}

// CompletionFunc is invoked exactly once per transfer on successful
// completion; it is never invoked for a cancelled or rejected transfer.
type CompletionFunc func(ch uint8, streamID uint32)

// BinaryEngine implements the §4.4.4 binary transfer contract: sized and
// streaming modes, accept/defer/reject handler dispatch, cancellation, and
// duplicate detection.
type BinaryEngine struct {
	mu        sync.Mutex
	handler   HandlerFunc
	dupCheck  DuplicateCheckFunc
	onComplete CompletionFunc
	// keyed by (channel, streamID)
	transfers map[transferKey]*transferState
}

type transferKey struct {
	channel  uint8
	streamID uint32
}

// NewBinaryEngine creates an engine dispatching header arrivals to handler
// and, when dup is non-nil, consulting it before invoking handler.
func NewBinaryEngine(handler HandlerFunc, dup DuplicateCheckFunc, onComplete CompletionFunc) *BinaryEngine {
	return &BinaryEngine{
		handler:    handler,
		dupCheck:   dup,
		onComplete: onComplete,
		transfers:  make(map[transferKey]*transferState),
	}
}

// Begin processes a transfer-begin header on channel ch.
func (e *BinaryEngine) Begin(ch uint8, h TransferHeader) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := transferKey{ch, h.StreamID}
	if _, exists := e.transfers[key]; exists {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "stream.binary.begin",
			fmt.Errorf("stream id %d already in flight", h.StreamID))
	}

	if h.TotalSize != 0 && e.dupCheck != nil {
		known, dst, err := e.dupCheck(h.Checksum)
		if err != nil {
			return a12err.NewStreamError(a12err.KindChecksumMismatch, ch, "stream.binary.dupcheck", err)
		}
		if known {
			e.transfers[key] = &transferState{header: h, dst: dst, disposition: DispositionAccept, hasher: newTransferHasher(h)}
			return nil
		}
	}

	disp, dst, err := e.handler(h)
	if err != nil {
		return a12err.NewStreamError(a12err.KindChecksumMismatch, ch, "stream.binary.handler", err)
	}
	var hasher hash.Hash
	if disp == DispositionAccept {
		hasher = newTransferHasher(h)
	}
	e.transfers[key] = &transferState{header: h, dst: dst, disposition: disp, hasher: hasher}
	return nil
}

// Payload delivers remaining-bytes-tagged payload to the in-flight transfer
// identified by (ch, streamID).
func (e *BinaryEngine) Payload(ch uint8, streamID uint32, data []byte, remaining uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := transferKey{ch, streamID}
	t, ok := e.transfers[key]
	if !ok || t.cancelled {
		return nil // cancellation already released resources; silently drop stragglers
	}

	switch t.disposition {
	case DispositionReject:
		return nil
	case DispositionDefer:
		t.deferred = append(t.deferred, append([]byte(nil), data...))
	case DispositionAccept:
		if t.dst != nil {
			if _, err := t.dst.Write(data); err != nil {
				return a12err.NewStreamError(a12err.KindChecksumMismatch, ch, "stream.binary.write", err)
			}
		}
		if t.hasher != nil {
			t.hasher.Write(data)
		}
	}
	t.received += uint64(len(data))

	complete := remaining == 0
	if t.header.TotalSize != 0 && t.received >= t.header.TotalSize {
		complete = true
	}
	if complete && t.disposition != DispositionDefer {
		return e.finish(key, t)
	}
	return nil
}

// Resolve re-consults the handler for a deferred transfer, flushing any
// buffered payload once accepted.
func (e *BinaryEngine) Resolve(ch uint8, streamID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := transferKey{ch, streamID}
	t, ok := e.transfers[key]
	if !ok || t.disposition != DispositionDefer {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "stream.binary.resolve",
			fmt.Errorf("no deferred transfer %d", streamID))
	}

	disp, dst, err := e.handler(t.header)
	if err != nil {
		return a12err.NewStreamError(a12err.KindChecksumMismatch, ch, "stream.binary.resolve", err)
	}
	t.disposition = disp
	t.dst = dst
	if disp == DispositionAccept {
		t.hasher = newTransferHasher(t.header)
		for _, chunk := range t.deferred {
			if dst != nil {
				if _, err := dst.Write(chunk); err != nil {
					return a12err.NewStreamError(a12err.KindChecksumMismatch, ch, "stream.binary.resolve.flush", err)
				}
			}
			if t.hasher != nil {
				t.hasher.Write(chunk)
			}
		}
		if t.received >= t.header.TotalSize && t.header.TotalSize != 0 {
			return e.finish(key, t)
		}
	}
	t.deferred = nil
	return nil
}

// Cancel aborts a transfer at any byte boundary. Resources are released and
// the completion handler is guaranteed never to fire for this transfer.
func (e *BinaryEngine) Cancel(ch uint8, streamID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := transferKey{ch, streamID}
	t, ok := e.transfers[key]
	if !ok {
		return
	}
	t.cancelled = true
	if t.dst != nil {
		_ = t.dst.Close()
	}
	delete(e.transfers, key)
}

func (e *BinaryEngine) finish(key transferKey, t *transferState) error {
	delete(e.transfers, key)
	if t.cancelled {
		return nil
	}
	if t.dst != nil {
		_ = t.dst.Close()
	}
	if t.disposition != DispositionAccept {
		return nil
	}
	if t.hasher != nil {
		var got [32]byte
		copy(got[:], t.hasher.Sum(nil))
		if got != t.header.Checksum {
			return a12err.NewStreamError(a12err.KindChecksumMismatch, key.channel, "stream.binary.checksum",
				fmt.Errorf("stream %d: checksum mismatch after %d bytes", key.streamID, t.received))
		}
	}
	if e.onComplete != nil {
		e.onComplete(key.channel, key.streamID)
	}
	return nil
}

// InFlight reports whether a transfer is currently active, used by tests
// and callers that need to assert cancellation released the slot.
func (e *BinaryEngine) InFlight(ch uint8, streamID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.transfers[transferKey{ch, streamID}]
	return ok
}
