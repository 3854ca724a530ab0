package stream

import (
	"bytes"
	stdErrors "errors"
	"io"
	"testing"

	"golang.org/x/crypto/blake2b"

	a12err "github.com/arcan-os/a12/internal/errors"
)

type nopWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (w *nopWriteCloser) Close() error { w.closed = true; return nil }

func newSink() *nopWriteCloser { return &nopWriteCloser{Buffer: &bytes.Buffer{}} }

func TestBinaryTransferHeaderRoundTrip(t *testing.T) {
	h := TransferHeader{StreamID: 7, Type: TransferApplArchive, Extension: "tar.gz", TotalSize: 1024}
	got, err := DecodeTransferHeader(EncodeTransferHeader(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StreamID != h.StreamID || got.Extension != h.Extension || got.TotalSize != h.TotalSize {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
}

func TestBinarySizedTransferCompletes(t *testing.T) {
	sink := newSink()
	var completed bool
	var completedCh uint8
	var completedID uint32

	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) { return DispositionAccept, sink, nil },
		nil,
		func(ch uint8, streamID uint32) { completed = true; completedCh = ch; completedID = streamID },
	)

	h := TransferHeader{StreamID: 1, Type: TransferGenericBlob, TotalSize: 10}
	if err := engine.Begin(3, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := engine.Payload(3, 1, make([]byte, 6), 4); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if completed {
		t.Fatalf("should not complete before all bytes received")
	}
	if err := engine.Payload(3, 1, make([]byte, 4), 0); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !completed || completedCh != 3 || completedID != 1 {
		t.Fatalf("expected completion callback, completed=%v ch=%d id=%d", completed, completedCh, completedID)
	}
	if !sink.closed {
		t.Fatalf("expected destination closed on completion")
	}
	if sink.Len() != 10 {
		t.Fatalf("expected 10 bytes written, got %d", sink.Len())
	}
}

func TestBinaryCancellationNeverCompletes(t *testing.T) {
	sink := newSink()
	completed := false
	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) { return DispositionAccept, sink, nil },
		nil,
		func(ch uint8, streamID uint32) { completed = true },
	)

	h := TransferHeader{StreamID: 9, TotalSize: 10 * 1024 * 1024}
	if err := engine.Begin(0, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := engine.Payload(0, 9, make([]byte, 1024*1024), 9*1024*1024); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	engine.Cancel(0, 9)

	// Straggling payload after cancellation must be silently dropped, not
	// resurrect the transfer or fire completion.
	if err := engine.Payload(0, 9, make([]byte, 1024), 0); err != nil {
		t.Fatalf("post-cancel Payload should not error: %v", err)
	}
	if completed {
		t.Fatalf("completion handler must never fire for a cancelled transfer")
	}
	if !sink.closed {
		t.Fatalf("expected destination closed on cancellation")
	}
	if engine.InFlight(0, 9) {
		t.Fatalf("expected transfer slot released after cancellation")
	}
}

func TestBinaryDeferThenResolve(t *testing.T) {
	sink := newSink()
	calls := 0
	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) {
			calls++
			if calls == 1 {
				return DispositionDefer, nil, nil
			}
			return DispositionAccept, sink, nil
		},
		nil, nil,
	)

	h := TransferHeader{StreamID: 2, TotalSize: 4}
	if err := engine.Begin(0, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := engine.Payload(0, 2, []byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("deferred transfer must not write until resolved")
	}
	if err := engine.Resolve(0, 2); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), []byte{1, 2, 3, 4}) {
		t.Fatalf("expected buffered payload flushed on resolve, got %v", sink.Bytes())
	}
}

func TestBinaryChecksumVerifiedOnCompletion(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	sum := blake2b.Sum256(payload)

	sink := newSink()
	completed := false
	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) { return DispositionAccept, sink, nil },
		nil,
		func(ch uint8, streamID uint32) { completed = true },
	)

	h := TransferHeader{StreamID: 11, TotalSize: uint64(len(payload)), Checksum: sum}
	if err := engine.Begin(0, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := engine.Payload(0, 11, payload, 0); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !completed {
		t.Fatal("expected completion once the digest matched the declared checksum")
	}
}

func TestBinaryChecksumMismatchRejectsTransfer(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	wrongSum := blake2b.Sum256([]byte("not the same bytes"))

	sink := newSink()
	completed := false
	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) { return DispositionAccept, sink, nil },
		nil,
		func(ch uint8, streamID uint32) { completed = true },
	)

	h := TransferHeader{StreamID: 12, TotalSize: uint64(len(payload)), Checksum: wrongSum}
	if err := engine.Begin(0, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := engine.Payload(0, 12, payload, 0)
	if err == nil {
		t.Fatal("expected a checksum mismatch error on completion")
	}
	var streamErr *a12err.StreamError
	if !stdErrors.As(err, &streamErr) || streamErr.Kind != a12err.KindChecksumMismatch {
		t.Fatalf("expected a StreamError with KindChecksumMismatch, got %v", err)
	}
	if completed {
		t.Fatal("completion handler must not fire when the checksum fails to verify")
	}
}

func TestBinaryDuplicateDetectionShortCircuits(t *testing.T) {
	sink := newSink()
	handlerCalled := false
	engine := NewBinaryEngine(
		func(h TransferHeader) (Disposition, io.WriteCloser, error) {
			handlerCalled = true
			return DispositionAccept, sink, nil
		},
		func(checksum [32]byte) (bool, io.WriteCloser, error) { return true, sink, nil },
		nil,
	)

	h := TransferHeader{StreamID: 5, TotalSize: 4}
	if err := engine.Begin(0, h); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if handlerCalled {
		t.Fatalf("expected duplicate detection to short-circuit the handler")
	}
}
