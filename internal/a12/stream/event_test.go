package stream

import (
	"bytes"
	"testing"

	a12err "github.com/arcan-os/a12/internal/errors"
)

func TestEventSingleFragmentPassesThrough(t *testing.T) {
	a := NewEventAssembler()
	out, ok, err := a.Ingest(0, EventRecord{Data: []byte("hello"), Terminal: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ok || string(out) != "hello" {
		t.Fatalf("expected immediate passthrough, got %q ok=%v", out, ok)
	}
}

func TestEventMultipartReassembly(t *testing.T) {
	a := NewEventAssembler()
	if _, ok, err := a.Ingest(1, EventRecord{Data: []byte("foo")}); ok || err != nil {
		t.Fatalf("expected non-terminal fragment to withhold, ok=%v err=%v", ok, err)
	}
	if _, ok, err := a.Ingest(1, EventRecord{Data: []byte("bar")}); ok || err != nil {
		t.Fatalf("expected second fragment to withhold, ok=%v err=%v", ok, err)
	}
	out, ok, err := a.Ingest(1, EventRecord{Data: []byte("baz"), Terminal: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !ok || !bytes.Equal(out, []byte("foobarbaz")) {
		t.Fatalf("expected reassembled foobarbaz, got %q ok=%v", out, ok)
	}
}

func TestEventMultipartIsolatedPerChannel(t *testing.T) {
	a := NewEventAssembler()
	a.Ingest(1, EventRecord{Data: []byte("ch1-")})
	a.Ingest(2, EventRecord{Data: []byte("ch2-")})

	out1, ok, err := a.Ingest(1, EventRecord{Data: []byte("done"), Terminal: true})
	if err != nil || !ok {
		t.Fatalf("channel 1 finish: out=%q ok=%v err=%v", out1, ok, err)
	}
	if string(out1) != "ch1-done" {
		t.Fatalf("channel 1 leaked or merged state: %q", out1)
	}

	out2, ok, err := a.Ingest(2, EventRecord{Data: []byte("done"), Terminal: true})
	if err != nil || !ok || string(out2) != "ch2-done" {
		t.Fatalf("channel 2 state corrupted: out=%q ok=%v err=%v", out2, ok, err)
	}
}

func TestEventMultipartOverrunAborts(t *testing.T) {
	a := NewEventAssembler()
	a.SetBudget(4)
	if _, _, err := a.Ingest(0, EventRecord{Data: []byte("toolong")}); !a12err.IsStreamError(err) {
		t.Fatalf("expected stream error for multipart overrun, got %v", err)
	}
	// The aborted state must not linger: a fresh sequence starts cleanly.
	if _, ok, err := a.Ingest(0, EventRecord{Data: []byte("ok"), Terminal: true}); err != nil || !ok {
		t.Fatalf("expected clean restart after overrun abort, ok=%v err=%v", ok, err)
	}
}
