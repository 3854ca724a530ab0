package channel

import (
	"testing"

	"github.com/arcan-os/a12/internal/a12/codec"
)

func TestSchedulerPriorityOrder(t *testing.T) {
	tbl := NewTable()
	ctrl, _ := tbl.Get(ControlChannelID)

	ctrl.Enqueue(codec.Frame{Type: codec.FrameVideoPayload, Channel: 0, Payload: []byte("video")})
	ctrl.Enqueue(codec.Frame{Type: codec.FrameAudioPayload, Channel: 0, Payload: []byte("audio")})
	ctrl.Enqueue(codec.Frame{Type: codec.FrameEvent, Channel: 0, Payload: []byte("event")})
	ctrl.Enqueue(codec.Frame{Type: codec.FrameControl, Channel: 0, Payload: []byte("control")})

	sched := NewScheduler(tbl)
	var order []string
	for {
		f, ok := sched.Next()
		if !ok {
			break
		}
		order = append(order, string(f.Payload))
	}

	want := []string{"control", "event", "audio", "video"}
	if len(order) != len(want) {
		t.Fatalf("expected %d frames, got %v", len(want), order)
	}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("position %d: expected %q, got %q (full order %v)", i, w, order[i], order)
		}
	}
}

func TestSchedulerRoundRobinsWithinClass(t *testing.T) {
	tbl := NewTable()
	chA, _ := tbl.Allocate(1)
	chB, _ := tbl.Allocate(2)

	chA.Enqueue(codec.Frame{Type: codec.FrameEvent, Channel: 1, Payload: []byte("a1")})
	chA.Enqueue(codec.Frame{Type: codec.FrameEvent, Channel: 1, Payload: []byte("a2")})
	chB.Enqueue(codec.Frame{Type: codec.FrameEvent, Channel: 2, Payload: []byte("b1")})

	sched := NewScheduler(tbl)
	var seen []string
	for i := 0; i < 3; i++ {
		f, ok := sched.Next()
		if !ok {
			t.Fatalf("expected a frame at step %d", i)
		}
		seen = append(seen, string(f.Payload))
	}

	// Round robin across channels 1 and 2 means b1 is serviced before a2
	// even though a2 was queued earlier, since a1 and b1 are both "first in
	// their channel" for this class.
	if seen[0] != "a1" || seen[2] != "a2" {
		t.Fatalf("unexpected schedule order: %v", seen)
	}
	found := false
	for _, s := range seen {
		if s == "b1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected b1 to be scheduled, got %v", seen)
	}
}

func TestSchedulerEmptyReturnsFalse(t *testing.T) {
	tbl := NewTable()
	sched := NewScheduler(tbl)
	if _, ok := sched.Next(); ok {
		t.Fatalf("expected empty scheduler to report nothing ready")
	}
}

func TestVideoKeyframePriorityHint(t *testing.T) {
	tbl := NewTable()
	ch, _ := tbl.Get(ControlChannelID)

	ch.EnqueueVideo(codec.Frame{Type: codec.FrameVideoPayload, Payload: []byte("delta1")}, false)
	ch.EnqueueVideo(codec.Frame{Type: codec.FrameVideoPayload, Payload: []byte("delta2")}, false)
	ch.EnqueueVideo(codec.Frame{Type: codec.FrameVideoPayload, Payload: []byte("keyframe")}, true)

	sched := NewScheduler(tbl)
	f, ok := sched.Next()
	if !ok || string(f.Payload) != "keyframe" {
		t.Fatalf("expected keyframe to be scheduled first, got %v ok=%v", f, ok)
	}
}
