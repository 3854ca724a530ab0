// Package channel implements the A12 channel multiplexer (C3): channel
// allocation, priority scheduling of outbound frames, back-pressure, and
// inbound input masking.
package channel

import (
	"sync"

	"github.com/arcan-os/a12/internal/a12/codec"
)

// MaxChannels bounds the channel id space; ids are drawn from [0, MaxChannels).
const MaxChannels = 256

// ControlChannelID is the implicit primary channel created with the session.
const ControlChannelID uint8 = 0

// DefaultSoftByteBudget is the per-channel outbound back-pressure threshold.
const DefaultSoftByteBudget = 4 * 1024 * 1024

// Channel is one logical, ordered multiplexed stream within a session.
type Channel struct {
	ID uint8

	mu        sync.Mutex
	mask      InputMask
	softBudget int
	queuedBytes int
	queues    [numClasses][]codec.Frame
}

func newChannel(id uint8) *Channel {
	return &Channel{ID: id, softBudget: DefaultSoftByteBudget}
}

// SetInputMask installs a new inbound mask, taking effect atomically before
// any frame enqueued afterwards is evaluated (§4.3, §5 ordering guarantees).
func (c *Channel) SetInputMask(m InputMask) {
	c.mu.Lock()
	c.mask = m
	c.mu.Unlock()
}

// InputMask returns the channel's current inbound mask.
func (c *Channel) InputMask() InputMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mask
}

// SetSoftByteBudget overrides the back-pressure threshold for this channel.
func (c *Channel) SetSoftByteBudget(n int) {
	c.mu.Lock()
	c.softBudget = n
	c.mu.Unlock()
}

// QueuedBytes reports the channel's current outbound queue depth in bytes.
func (c *Channel) QueuedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedBytes
}

// classOf maps a frame type to its scheduling priority class.
func classOf(t codec.FrameType) priorityClass {
	switch t {
	case codec.FrameControl:
		return classControl
	case codec.FrameEvent:
		return classEvent
	case codec.FrameAudioHeader, codec.FrameAudioPayload:
		return classAudio
	case codec.FrameVideoHeader, codec.FrameVideoPayload:
		return classVideo
	case codec.FrameBlobHeader, codec.FrameBlobPayload:
		return classBinary
	default:
		return classEvent
	}
}

// Enqueue appends f to the appropriate priority class queue, refusing the
// frame (never blocking) if the channel's soft byte budget is exceeded.
// Control frames are exempt from back-pressure so that channel/session
// management traffic always gets through.
func (c *Channel) Enqueue(f codec.Frame) bool {
	return c.enqueue(f, false)
}

// EnqueueVideo is Enqueue with an optional priority hint: a keyframe may be
// marked highPriority so the scheduler services it ahead of already-queued
// deltas within the video class, per §4.3.
func (c *Channel) EnqueueVideo(f codec.Frame, highPriority bool) bool {
	return c.enqueue(f, highPriority)
}

func (c *Channel) enqueue(f codec.Frame, highPriority bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	class := classOf(f.Type)
	if class != classControl && c.queuedBytes+len(f.Payload) > c.softBudget {
		return false
	}
	if highPriority && class == classVideo {
		c.queues[class] = append([]codec.Frame{f}, c.queues[class]...)
	} else {
		c.queues[class] = append(c.queues[class], f)
	}
	c.queuedBytes += len(f.Payload)
	return true
}

// dequeue pops the next frame from the given class, if any.
func (c *Channel) dequeue(class priorityClass) (codec.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[class]
	if len(q) == 0 {
		return codec.Frame{}, false
	}
	f := q[0]
	c.queues[class] = q[1:]
	c.queuedBytes -= len(f.Payload)
	return f, true
}
