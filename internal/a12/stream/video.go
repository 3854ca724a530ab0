package stream

import (
	"encoding/binary"
	"fmt"
	"sync"

	a12err "github.com/arcan-os/a12/internal/errors"
)

// VideoCodec tags the encoding of a video payload.
type VideoCodec uint8

const (
	VideoCodecRawPacked   VideoCodec = 0x01
	VideoCodecLosslessDelta VideoCodec = 0x02
	VideoCodecPassthrough VideoCodec = 0x03
)

// VideoHeader precedes N payload frames for one video transfer.
type VideoHeader struct {
	Width, Height uint32
	Stride        uint32
	PixelFormat   uint8
	Codec         VideoCodec
	FrameSeq      uint64
	Keyframe      bool
	ExpectedBytes uint32
}

// EncodeVideoHeader serialises h for the wire as a video-header frame payload.
func EncodeVideoHeader(h VideoHeader) []byte {
	buf := make([]byte, 4+4+4+1+1+8+1+4)
	binary.LittleEndian.PutUint32(buf[0:4], h.Width)
	binary.LittleEndian.PutUint32(buf[4:8], h.Height)
	binary.LittleEndian.PutUint32(buf[8:12], h.Stride)
	buf[12] = h.PixelFormat
	buf[13] = byte(h.Codec)
	binary.LittleEndian.PutUint64(buf[14:22], h.FrameSeq)
	if h.Keyframe {
		buf[22] = 1
	}
	binary.LittleEndian.PutUint32(buf[23:27], h.ExpectedBytes)
	return buf
}

// DecodeVideoHeader parses a video-header frame payload.
func DecodeVideoHeader(b []byte) (VideoHeader, error) {
	if len(b) < 27 {
		return VideoHeader{}, fmt.Errorf("video header too short: %d bytes", len(b))
	}
	return VideoHeader{
		Width:         binary.LittleEndian.Uint32(b[0:4]),
		Height:        binary.LittleEndian.Uint32(b[4:8]),
		Stride:        binary.LittleEndian.Uint32(b[8:12]),
		PixelFormat:   b[12],
		Codec:         VideoCodec(b[13]),
		FrameSeq:      binary.LittleEndian.Uint64(b[14:22]),
		Keyframe:      b[22] != 0,
		ExpectedBytes: binary.LittleEndian.Uint32(b[23:27]),
	}, nil
}

// VideoSink receives a completed frame. alloc is supplied by the caller so
// buffer ownership/pooling policy stays with the consumer.
type VideoSink func(ch uint8, hdr VideoHeader, pixels []byte)

// videoAssembly tracks one in-flight frame's accumulation per channel.
type videoAssembly struct {
	header   VideoHeader
	buf      []byte
	received uint32
}

// VideoEngine accepts interleaved header/payload frames per channel and
// reassembles complete frames without losing sync when interrupted by
// higher-priority traffic.
type VideoEngine struct {
	mu      sync.Mutex
	alloc   func(n int) []byte
	sink    VideoSink
	pending map[uint8]*videoAssembly
}

// NewVideoEngine creates an engine using alloc to allocate delivery buffers
// and sink to deliver completed frames.
func NewVideoEngine(alloc func(int) []byte, sink VideoSink) *VideoEngine {
	if alloc == nil {
		alloc = func(n int) []byte { return make([]byte, n) }
	}
	return &VideoEngine{alloc: alloc, sink: sink, pending: make(map[uint8]*videoAssembly)}
}

// Header begins a new frame assembly on ch, discarding any incomplete prior
// assembly (a header always starts a fresh frame).
func (e *VideoEngine) Header(ch uint8, hdr VideoHeader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[ch] = &videoAssembly{header: hdr, buf: e.alloc(int(hdr.ExpectedBytes))}
}

// Payload appends a chunk of payload bytes to ch's in-flight assembly,
// delivering to the sink once ExpectedBytes have arrived.
func (e *VideoEngine) Payload(ch uint8, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.pending[ch]
	if !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "stream.video.payload",
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

// Reset discards in-flight assembly state for ch (channel teardown).
func (e *VideoEngine) Reset(ch uint8) {
	e.mu.Lock()
	delete(e.pending, ch)
	e.mu.Unlock()
}
