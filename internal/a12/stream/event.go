// Package stream implements the A12 stream engines (C4): event multipart
// reassembly, video and audio frame assembly, and the binary transfer
// engine.
package stream

import (
	"fmt"
	"sync"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// DefaultMultipartBudget bounds how many bytes a single multipart
// reassembly may accumulate before it is aborted.
const DefaultMultipartBudget = 16 * 1024 * 1024

// EventCategory classifies an EventRecord for input-masking purposes.
type EventCategory byte

const (
	EventCategoryMisc   EventCategory = 0x00
	EventCategoryDevice EventCategory = 0x01
	EventCategoryData   EventCategory = 0x02
)

// EventRecord is one opaque fixed-size event record.
type EventRecord struct {
	Category byte
	Subtype  byte
	Data     []byte
	// Terminal marks the final fragment of a multipart sequence; non-final
	// fragments are concatenated until one arrives.
	Terminal bool
}

// EncodeEventRecord serialises rec as an event frame payload: category,
// subtype, a flags byte (bit 0 is Terminal), then the raw data.
func EncodeEventRecord(rec EventRecord) []byte {
	buf := make([]byte, 3+len(rec.Data))
	buf[0] = rec.Category
	buf[1] = rec.Subtype
	if rec.Terminal {
		buf[2] = 1
	}
	copy(buf[3:], rec.Data)
	return buf
}

// DecodeEventRecord parses an event frame payload produced by
// EncodeEventRecord.
func DecodeEventRecord(b []byte) (EventRecord, error) {
	if len(b) < 3 {
		return EventRecord{}, fmt.Errorf("event record too short: %d bytes", len(b))
	}
	return EventRecord{
		Category: b[0],
		Subtype:  b[1],
		Terminal: b[2]&0x01 != 0,
		Data:     append([]byte(nil), b[3:]...),
	}, nil
}

// multipartState accumulates fragments for one in-flight multipart string
// on a single channel.
type multipartState struct {
	buf []byte
}

// EventAssembler reassembles multipart event payloads on a per-channel
// basis, eliminating the cross-channel interference a single process-wide
// buffer would allow.
type EventAssembler struct {
	mu      sync.Mutex
	budget  int
	pending map[uint8]*multipartState
}

// NewEventAssembler creates an assembler with the default per-channel
// multipart budget.
func NewEventAssembler() *EventAssembler {
	return &EventAssembler{budget: DefaultMultipartBudget, pending: make(map[uint8]*multipartState)}
}

// SetBudget overrides the per-channel multipart byte budget.
func (a *EventAssembler) SetBudget(n int) { a.budget = n }

// Ingest feeds one record for channel ch. When the record completes a
// multipart sequence (or isn't part of one), it returns the assembled
// payload and ok==true. Non-terminal fragments return ok==false while
// accumulating.
func (a *EventAssembler) Ingest(ch uint8, rec EventRecord) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, inFlight := a.pending[ch]
	if !inFlight {
		if rec.Terminal {
			// Single-fragment record: nothing to reassemble.
			return rec.Data, true, nil
		}
		st = &multipartState{}
		a.pending[ch] = st
	}

	st.buf = append(st.buf, rec.Data...)
	if len(st.buf) > a.budget {
		delete(a.pending, ch)
		return nil, false, a12err.NewStreamError(a12err.KindMultipartOverrun, ch, "stream.event.ingest",
			fmt.Errorf("multipart payload exceeded %d byte budget", a.budget))
	}

	if !rec.Terminal {
		return nil, false, nil
	}

	delete(a.pending, ch)
	return st.buf, true, nil
}

// Reset discards any in-flight multipart state for ch, used on channel
// teardown so a stale assembly never leaks into a reused channel id.
func (a *EventAssembler) Reset(ch uint8) {
	a.mu.Lock()
	delete(a.pending, ch)
	a.mu.Unlock()
}
