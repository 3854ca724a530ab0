package channel

import (
	"fmt"
	"sort"
	"sync"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// Table owns the set of live channels for one session. Channel 0 exists for
// the lifetime of the table; others are created and destroyed by control
// frames or by Close() cascading at session teardown.
type Table struct {
	mu       sync.RWMutex
	channels map[uint8]*Channel
}

// NewTable creates a table with the implicit control channel already open.
func NewTable() *Table {
	t := &Table{channels: make(map[uint8]*Channel)}
	t.channels[ControlChannelID] = newChannel(ControlChannelID)
	return t
}

// Allocate creates a channel with the requested id, either side may request
// one (the protocol is symmetric). It rejects ids already in use or out of
// range.
func (t *Table) Allocate(id uint8) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= MaxChannels {
		return nil, a12err.NewPolicyError(a12err.KindMalformedKey, "channel.allocate",
			fmt.Errorf("channel id %d out of range", id))
	}
	if _, exists := t.channels[id]; exists {
		return nil, a12err.NewStreamError(a12err.KindUnknownStreamID, id, "channel.allocate",
			fmt.Errorf("channel %d already allocated", id))
	}
	ch := newChannel(id)
	t.channels[id] = ch
	return ch, nil
}

// Get returns the channel for id, or ok==false if it doesn't exist.
func (t *Table) Get(id uint8) (*Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[id]
	return ch, ok
}

// Destroy removes a channel. The control channel cannot be destroyed
// individually; it is torn down only by Close().
func (t *Table) Destroy(id uint8) error {
	if id == ControlChannelID {
		return a12err.NewPolicyError(a12err.KindPermissionDenied, "channel.destroy",
			fmt.Errorf("control channel cannot be destroyed independently"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.channels[id]; !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, id, "channel.destroy", fmt.Errorf("no such channel"))
	}
	delete(t.channels, id)
	return nil
}

// All returns a snapshot of every live channel, ordered by channel id, used
// by the scheduler's round-robin sweep.
func (t *Table) All() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down every channel, cascading from session teardown.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = make(map[uint8]*Channel)
}
