package channel

import (
	"testing"

	"github.com/arcan-os/a12/internal/a12/codec"
)

func TestTableAllocateAndDestroy(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.Get(ControlChannelID); !ok {
		t.Fatalf("expected control channel to exist")
	}

	ch, err := tbl.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ch.ID != 3 {
		t.Fatalf("expected channel id 3, got %d", ch.ID)
	}

	if _, err := tbl.Allocate(3); err == nil {
		t.Fatalf("expected error allocating an already-used id")
	}

	if err := tbl.Destroy(3); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := tbl.Get(3); ok {
		t.Fatalf("expected channel 3 to be gone after Destroy")
	}

	if err := tbl.Destroy(ControlChannelID); err == nil {
		t.Fatalf("expected error destroying control channel directly")
	}
}

func TestBackpressureRefusesEnqueueOverBudget(t *testing.T) {
	tbl := NewTable()
	ch, _ := tbl.Allocate(1)
	ch.SetSoftByteBudget(10)

	ok := ch.Enqueue(codec.Frame{Type: codec.FrameVideoPayload, Channel: 1, Payload: make([]byte, 5)})
	if !ok {
		t.Fatalf("expected first enqueue to succeed")
	}
	ok = ch.Enqueue(codec.Frame{Type: codec.FrameVideoPayload, Channel: 1, Payload: make([]byte, 10)})
	if ok {
		t.Fatalf("expected enqueue over budget to be refused")
	}

	// Control frames are exempt from back-pressure.
	ok = ch.Enqueue(codec.Frame{Type: codec.FrameControl, Channel: 1, Payload: make([]byte, 100)})
	if !ok {
		t.Fatalf("expected control frame to bypass back-pressure")
	}
}

func TestInputMaskBlocks(t *testing.T) {
	tbl := NewTable()
	ch, _ := tbl.Allocate(2)
	ch.SetInputMask(InputMask{Device: DeviceKeyboard})

	mask := ch.InputMask()
	if !mask.BlocksDevice(DeviceKeyboard) {
		t.Fatalf("expected keyboard to be blocked")
	}
	if mask.BlocksDevice(DevicePointer) {
		t.Fatalf("expected pointer to remain unblocked")
	}
}
