package stream

import (
	"encoding/binary"
	"fmt"
	"sync"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// AudioSampleFormat tags the packing of sample payloads.
type AudioSampleFormat uint8

const (
	AudioFormatS16LE AudioSampleFormat = 0x01
	AudioFormatF32LE AudioSampleFormat = 0x02
)

// AudioHeader precedes payload frames for one audio transfer, symmetric to
// VideoHeader but simpler: no codec selection beyond raw/compact packing.
type AudioHeader struct {
	SampleRate    uint32
	Channels      uint8
	Format        AudioSampleFormat
	ExpectedBytes uint32
}

// EncodeAudioHeader serialises h for the wire.
func EncodeAudioHeader(h AudioHeader) []byte {
	buf := make([]byte, 4+1+1+4)
	binary.LittleEndian.PutUint32(buf[0:4], h.SampleRate)
	buf[4] = h.Channels
	buf[5] = byte(h.Format)
	binary.LittleEndian.PutUint32(buf[6:10], h.ExpectedBytes)
	return buf
}

// DecodeAudioHeader parses an audio-header frame payload.
func DecodeAudioHeader(b []byte) (AudioHeader, error) {
	if len(b) < 10 {
		return AudioHeader{}, fmt.Errorf("audio header too short: %d bytes", len(b))
	}
	return AudioHeader{
		SampleRate:    binary.LittleEndian.Uint32(b[0:4]),
		Channels:      b[4],
		Format:        AudioSampleFormat(b[5]),
		ExpectedBytes: binary.LittleEndian.Uint32(b[6:10]),
	}, nil
}

// AudioSink receives a completed sample buffer.
type AudioSink func(ch uint8, hdr AudioHeader, samples []byte)

type audioAssembly struct {
	header   AudioHeader
	buf      []byte
	received uint32
}

// AudioEngine mirrors VideoEngine's reassembly discipline for sample data.
type AudioEngine struct {
	mu      sync.Mutex
	alloc   func(n int) []byte
	sink    AudioSink
	pending map[uint8]*audioAssembly
}

// NewAudioEngine creates an engine using alloc to allocate delivery buffers
// and sink to deliver completed sample buffers.
func NewAudioEngine(alloc func(int) []byte, sink AudioSink) *AudioEngine {
	if alloc == nil {
		alloc = func(n int) []byte { return make([]byte, n) }
	}
	return &AudioEngine{alloc: alloc, sink: sink, pending: make(map[uint8]*audioAssembly)}
}

// Header begins a new sample buffer assembly on ch.
func (e *AudioEngine) Header(ch uint8, hdr AudioHeader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[ch] = &audioAssembly{header: hdr, buf: e.alloc(int(hdr.ExpectedBytes))}
}

// Payload appends payload bytes, delivering once the buffer is complete.
func (e *AudioEngine) Payload(ch uint8, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.pending[ch]
	if !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "stream.audio.payload",
			fmt.Errorf("payload with no preceding header"))
	}
	remaining := int(a.header.ExpectedBytes) - int(a.received)
	n := len(data)
	if n > remaining {
		n = remaining
	}
	copy(a.buf[a.received:], data[:n])
	a.received += uint32(n)

	if a.received >= a.header.ExpectedBytes {
		delete(e.pending, ch)
		if e.sink != nil {
			e.sink(ch, a.header, a.buf)
		}
	}
	return nil
}

// Reset discards in-flight assembly state for ch.
func (e *AudioEngine) Reset(ch uint8) {
	e.mu.Lock()
	delete(e.pending, ch)
	e.mu.Unlock()
}
