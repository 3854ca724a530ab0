// Package session implements the A12 session layer: it owns one peer's C1
// codec state, C2 handshake result, C3 channel table and scheduler, and the
// C4 stream engines, and exposes the single Send/dispatch surface the rest
// of the system talks to. Decode (recv) and encode (send) run on their own
// goroutines, mirroring the accept-loop-plus-per-connection-goroutine shape
// used throughout this codebase; only the channel table's own locking and
// the codec's atomics need to be safe across that boundary.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arcan-os/a12/internal/a12/channel"
	"github.com/arcan-os/a12/internal/a12/codec"
	"github.com/arcan-os/a12/internal/a12/handshake"
	"github.com/arcan-os/a12/internal/a12/stream"
	a12err "github.com/arcan-os/a12/internal/errors"
	"github.com/arcan-os/a12/internal/logger"
)

// readChunkSize is the per-Read() buffer size; frames are reassembled across
// reads by Codec.IngestEach leaving unconsumed bytes for the next pass.
const readChunkSize = 65536

// Config bundles the sinks a Session delivers reassembled stream content to,
// plus the binary-transfer handler set and tuning knobs.
type Config struct {
	VideoSink      stream.VideoSink
	AudioSink      stream.AudioSink
	EventSink      func(ch uint8, payload []byte)
	BinaryHandler  stream.HandlerFunc
	BinaryDupCheck stream.DuplicateCheckFunc
	BinaryComplete stream.CompletionFunc
	RekeyBytes     uint64
	Alloc          func(int) []byte
}

// Session is one live, authenticated-or-soft-authenticated A12 peer
// connection.
type Session struct {
	id            string
	conn          io.ReadWriteCloser
	log           *slog.Logger
	role          handshake.Role
	peerLongTerm  [32]byte
	authenticated bool

	codec  *codec.Codec
	table  *channel.Table
	sched  *channel.Scheduler
	events *stream.EventAssembler
	video  *stream.VideoEngine
	audio  *stream.AudioEngine
	binary *stream.BinaryEngine

	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	sendMu sync.Mutex // serialises every codec.Send + conn.Write across goroutines

	rekeyMu        sync.Mutex
	rekeySecret    [32]byte
	rekeyPublic    [32]byte
	rekeyInitiated bool
	// rekeyPending holds back every non-control send, on both the normal
	// flush path and further rekey attempts, from the moment a round starts
	// until the new keys are installed. This is what lets the peer switch
	// its receive key the instant its own reply goes out: nothing sent by
	// either side after the round starts can still be under the old key.
	rekeyPending bool
}

var sessionCounter uint64

func nextID() string { return fmt.Sprintf("sess%06d", atomic.AddUint64(&sessionCounter, 1)) }

// New builds a Session from a completed handshake result. conn carries the
// already-handshaked byte stream; the handshake's own framing never reaches
// the codec.
func New(role handshake.Role, conn io.ReadWriteCloser, hs *handshake.Result, cfg Config, log *slog.Logger) (*Session, error) {
	sendKS, err := codec.NewKeyState(hs.SendKey)
	if err != nil {
		return nil, err
	}
	recvKS, err := codec.NewKeyState(hs.RecvKey)
	if err != nil {
		return nil, err
	}
	c := codec.New(sendKS, recvKS)
	if cfg.RekeyBytes > 0 {
		c.SetRekeyBytesLimit(cfg.RekeyBytes)
	}

	table := channel.NewTable()
	id := nextID()
	if log == nil {
		log = logger.Logger()
	}

	s := &Session{
		id:            id,
		conn:          conn,
		log:           logger.WithSession(log, id, ""),
		role:          role,
		peerLongTerm:  hs.PeerLongTerm,
		authenticated: hs.Authenticated,
		codec:         c,
		table:         table,
		sched:         channel.NewScheduler(table),
		events:        stream.NewEventAssembler(),
		video:         stream.NewVideoEngine(cfg.Alloc, cfg.VideoSink),
		audio:         stream.NewAudioEngine(cfg.Alloc, cfg.AudioSink),
		binary:        stream.NewBinaryEngine(cfg.BinaryHandler, cfg.BinaryDupCheck, cfg.BinaryComplete),
		cfg:           cfg,
		kick:          make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the session's logical identifier, used in log fields.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the peer's long-term key was verified
// (false for a peer admitted only under soft_auth).
func (s *Session) Authenticated() bool { return s.authenticated }

// PeerLongTerm returns the peer's long-term public key as established by
// the handshake.
func (s *Session) PeerLongTerm() [32]byte { return s.peerLongTerm }

// Start launches the read and write loops. The session is live once this
// returns; call Close to tear it down.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Done returns a channel closed when the session has torn itself down,
// whether from a terminal protocol error, an I/O error, or an explicit
// Close.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close cancels both loops, closes the transport, waits for the goroutines
// to exit, and cascades teardown into the channel table.
func (s *Session) Close() error {
	s.cancel()
	_ = s.conn.Close()
	s.wg.Wait()
	s.table.Close()
	return nil
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.cancel()

	var buf []byte
	tmp := make([]byte, readChunkSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, err := s.conn.Read(tmp)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("readLoop closed", "error", err)
			}
			return
		}
		buf = append(buf, tmp[:n]...)

		// IngestEach dispatches each packet before decoding the next one, so
		// a rekey control frame earlier in buf (installed via dispatch ->
		// codec.Rekey) takes effect before a packet the peer already sent
		// under the new key, but which landed in the same conn.Read, is
		// decoded. Splitting this into "decode the whole buffer, then
		// dispatch" would decode that later packet with the stale key and
		// fail AEAD auth.
		consumed, err := s.codec.IngestEach(buf, func(f codec.Frame) error {
			derr := s.dispatch(f)
			if derr == nil {
				return nil
			}
			if a12err.IsTerminal(derr) {
				return derr
			}
			s.log.Warn("stream error", "error", derr, "channel_id", f.Channel)
			return nil
		})
		buf = buf[consumed:]
		if err != nil {
			s.log.Error("terminal error in read loop", "error", err)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
			if err := s.flushOutbound(); err != nil {
				s.log.Error("write failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) flushOutbound() error {
	s.rekeyMu.Lock()
	pending := s.rekeyPending
	s.rekeyMu.Unlock()

	if pending {
		// A round is in flight: only control-class frames (the round itself)
		// may go out until it completes.
		for {
			f, ok := s.sched.NextControl()
			if !ok {
				return nil
			}
			if err := s.sendFrameNow(f); err != nil {
				return err
			}
		}
	}

	if err := s.sched.Drain(s.sendFrameNow); err != nil {
		return err
	}
	s.maybeInitiateRekey()
	return nil
}

// sendFrameNow encodes and writes f immediately. Every outbound byte passes
// through here so a single mutex is enough to keep the write loop's normal
// drains and a rekey round's direct sends (issued from the read loop, for
// the acknowledging side) from interleaving on the wire.
func (s *Session) sendFrameNow(f codec.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	wire, err := s.codec.Send(f)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(wire)
	return err
}

func (s *Session) maybeInitiateRekey() {
	s.rekeyMu.Lock()
	defer s.rekeyMu.Unlock()
	if s.rekeyInitiated || !s.codec.RekeyDue() {
		return
	}
	if err := s.initiateRekeyLocked(); err != nil {
		s.log.Error("rekey initiation failed", "error", err)
	}
}

func (s *Session) kickWriter() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) enqueue(ch uint8, f codec.Frame) error {
	c, ok := s.table.Get(ch)
	if !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "session.enqueue",
			fmt.Errorf("no such channel"))
	}
	if !c.Enqueue(f) {
		return a12err.NewStreamError(a12err.KindMultipartOverrun, ch, "session.enqueue",
			fmt.Errorf("channel backpressure"))
	}
	s.kickWriter()
	return nil
}

// SendEvent encodes and enqueues an event record on ch.
func (s *Session) SendEvent(ch uint8, rec stream.EventRecord) error {
	return s.enqueue(ch, codec.Frame{Type: codec.FrameEvent, Channel: ch, Payload: stream.EncodeEventRecord(rec)})
}

// SendVideoHeader begins a new video frame on ch.
func (s *Session) SendVideoHeader(ch uint8, hdr stream.VideoHeader) error {
	return s.enqueue(ch, codec.Frame{Type: codec.FrameVideoHeader, Channel: ch, Payload: stream.EncodeVideoHeader(hdr)})
}

// SendVideoPayload enqueues a chunk of pixel data for the in-flight video
// frame on ch. keyframe hints the scheduler to service it ahead of already
// queued deltas within the video priority class.
func (s *Session) SendVideoPayload(ch uint8, data []byte, keyframe bool) error {
	c, ok := s.table.Get(ch)
	if !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, ch, "session.sendVideoPayload", fmt.Errorf("no such channel"))
	}
	f := codec.Frame{Type: codec.FrameVideoPayload, Channel: ch, Payload: data}
	if !c.EnqueueVideo(f, keyframe) {
		return a12err.NewStreamError(a12err.KindMultipartOverrun, ch, "session.sendVideoPayload", fmt.Errorf("channel backpressure"))
	}
	s.kickWriter()
	return nil
}

// SendAudioHeader begins a new sample buffer on ch.
func (s *Session) SendAudioHeader(ch uint8, hdr stream.AudioHeader) error {
	return s.enqueue(ch, codec.Frame{Type: codec.FrameAudioHeader, Channel: ch, Payload: stream.EncodeAudioHeader(hdr)})
}

// SendAudioPayload enqueues a chunk of sample data for the in-flight audio
// buffer on ch.
func (s *Session) SendAudioPayload(ch uint8, data []byte) error {
	return s.enqueue(ch, codec.Frame{Type: codec.FrameAudioPayload, Channel: ch, Payload: data})
}

// SendBinaryBegin announces a binary transfer on ch.
func (s *Session) SendBinaryBegin(ch uint8, h stream.TransferHeader) error {
	return s.enqueue(ch, codec.Frame{Type: codec.FrameBlobHeader, Channel: ch, Payload: stream.EncodeTransferHeader(h)})
}

// SendBinaryPayload enqueues a chunk of an in-flight binary transfer.
// remaining==0 marks the final chunk of a sized transfer.
func (s *Session) SendBinaryPayload(ch uint8, streamID uint32, data []byte, remaining uint64) error {
	payload := make([]byte, 4+8+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], streamID)
	binary.LittleEndian.PutUint64(payload[4:12], remaining)
	copy(payload[12:], data)
	return s.enqueue(ch, codec.Frame{Type: codec.FrameBlobPayload, Channel: ch, Payload: payload})
}

// CancelBinaryTransfer aborts a transfer on both the local and remote side:
// it releases local resources immediately and signals the peer so its own
// engine does the same.
func (s *Session) CancelBinaryTransfer(ch uint8, streamID uint32) error {
	s.binary.Cancel(ch, streamID)
	payload := make([]byte, 6)
	payload[0] = byte(codec.CtrlTransferCancel)
	payload[1] = ch
	binary.LittleEndian.PutUint32(payload[2:6], streamID)
	return s.enqueue(channel.ControlChannelID, codec.Frame{Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: payload})
}

// OpenChannel allocates a new channel and notifies the peer.
func (s *Session) OpenChannel(id uint8) error {
	if _, err := s.table.Allocate(id); err != nil {
		return err
	}
	payload := []byte{byte(codec.CtrlChannelOpen), id}
	return s.enqueue(channel.ControlChannelID, codec.Frame{Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: payload})
}

// CloseChannel tears down a channel locally and notifies the peer, resetting
// any in-flight stream-engine state so it cannot leak into a reused id.
func (s *Session) CloseChannel(id uint8) error {
	if err := s.table.Destroy(id); err != nil {
		return err
	}
	s.events.Reset(id)
	s.video.Reset(id)
	s.audio.Reset(id)
	payload := []byte{byte(codec.CtrlChannelClose), id}
	return s.enqueue(channel.ControlChannelID, codec.Frame{Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: payload})
}

// SetInputMask installs a new inbound mask on id and notifies the peer.
func (s *Session) SetInputMask(id uint8, mask channel.InputMask) error {
	c, ok := s.table.Get(id)
	if !ok {
		return a12err.NewStreamError(a12err.KindUnknownStreamID, id, "session.setInputMask", fmt.Errorf("no such channel"))
	}
	c.SetInputMask(mask)
	payload := make([]byte, 10)
	payload[0] = byte(codec.CtrlInputMask)
	payload[1] = id
	binary.LittleEndian.PutUint32(payload[2:6], uint32(mask.Device))
	binary.LittleEndian.PutUint32(payload[6:10], uint32(mask.Data))
	return s.enqueue(channel.ControlChannelID, codec.Frame{Type: codec.FrameControl, Channel: channel.ControlChannelID, Payload: payload})
}

func (s *Session) dispatch(f codec.Frame) error {
	switch f.Type {
	case codec.FrameControl:
		return s.dispatchControl(f)
	case codec.FrameEvent:
		return s.dispatchEvent(f)
	case codec.FrameVideoHeader:
		hdr, err := stream.DecodeVideoHeader(f.Payload)
		if err != nil {
			return a12err.NewStreamError(a12err.KindCodecMismatch, f.Channel, "session.dispatch.videoHeader", err)
		}
		s.video.Header(f.Channel, hdr)
		return nil
	case codec.FrameVideoPayload:
		return s.video.Payload(f.Channel, f.Payload)
	case codec.FrameAudioHeader:
		hdr, err := stream.DecodeAudioHeader(f.Payload)
		if err != nil {
			return a12err.NewStreamError(a12err.KindCodecMismatch, f.Channel, "session.dispatch.audioHeader", err)
		}
		s.audio.Header(f.Channel, hdr)
		return nil
	case codec.FrameAudioPayload:
		return s.audio.Payload(f.Channel, f.Payload)
	case codec.FrameBlobHeader:
		h, err := stream.DecodeTransferHeader(f.Payload)
		if err != nil {
			return a12err.NewStreamError(a12err.KindCodecMismatch, f.Channel, "session.dispatch.blobHeader", err)
		}
		return s.binary.Begin(f.Channel, h)
	case codec.FrameBlobPayload:
		if len(f.Payload) < 12 {
			return a12err.NewStreamError(a12err.KindMultipartOverrun, f.Channel, "session.dispatch.blobPayload",
				fmt.Errorf("blob payload header truncated"))
		}
		streamID := binary.LittleEndian.Uint32(f.Payload[0:4])
		remaining := binary.LittleEndian.Uint64(f.Payload[4:12])
		return s.binary.Payload(f.Channel, streamID, f.Payload[12:], remaining)
	default:
		// Reserved-but-unassigned type, already validated by codec.Ingest;
		// tolerated and ignored per the forward-compatibility contract.
		return nil
	}
}

func (s *Session) dispatchEvent(f codec.Frame) error {
	rec, err := stream.DecodeEventRecord(f.Payload)
	if err != nil {
		return a12err.NewStreamError(a12err.KindCodecMismatch, f.Channel, "session.dispatch.event", err)
	}
	if ch, ok := s.table.Get(f.Channel); ok {
		mask := ch.InputMask()
		switch stream.EventCategory(rec.Category) {
		case stream.EventCategoryDevice:
			if mask.BlocksDevice(deviceBitForSubtype(rec.Subtype)) {
				return nil
			}
		case stream.EventCategoryData:
			if mask.BlocksData(dataBitForSubtype(rec.Subtype)) {
				return nil
			}
		}
	}
	assembled, ok, err := s.events.Ingest(f.Channel, rec)
	if err != nil {
		return err
	}
	if ok && s.cfg.EventSink != nil {
		s.cfg.EventSink(f.Channel, assembled)
	}
	return nil
}

func (s *Session) dispatchControl(f codec.Frame) error {
	if len(f.Payload) < 1 {
		return a12err.NewStreamError(a12err.KindCodecMismatch, f.Channel, "session.dispatch.control",
			fmt.Errorf("empty control payload"))
	}
	tag := codec.ControlTag(f.Payload[0])
	body := f.Payload[1:]

	switch tag {
	case codec.CtrlChannelOpen:
		if len(body) < 1 {
			return nil
		}
		_, _ = s.table.Allocate(body[0])
		return nil
	case codec.CtrlChannelClose:
		if len(body) < 1 {
			return nil
		}
		id := body[0]
		_ = s.table.Destroy(id)
		s.events.Reset(id)
		s.video.Reset(id)
		s.audio.Reset(id)
		return nil
	case codec.CtrlInputMask:
		if len(body) < 9 {
			return nil
		}
		id := body[0]
		mask := channel.InputMask{
			Device: channel.DeviceMask(binary.LittleEndian.Uint32(body[1:5])),
			Data:   channel.DataMask(binary.LittleEndian.Uint32(body[5:9])),
		}
		if ch, ok := s.table.Get(id); ok {
			ch.SetInputMask(mask)
		}
		return nil
	case codec.CtrlRekey:
		return s.handlePeerRekey(body, false)
	case codec.CtrlRekeyAck:
		return s.handlePeerRekey(body, true)
	case codec.CtrlTransferCancel:
		if len(body) < 5 {
			return nil
		}
		s.binary.Cancel(body[0], binary.LittleEndian.Uint32(body[1:5]))
		return nil
	default:
		return nil
	}
}

// deviceBitForSubtype maps a device-category event's subtype byte onto the
// corresponding DeviceMask bit. Subtypes outside the known device range mask
// nothing, matching input masking's fail-open stance on unrecognised types.
func deviceBitForSubtype(subtype byte) channel.DeviceMask {
	if subtype > 4 {
		return 0
	}
	return channel.DeviceMask(1 << subtype)
}

// dataBitForSubtype is DeviceMask's counterpart for data-category events.
func dataBitForSubtype(subtype byte) channel.DataMask {
	if subtype > 2 {
		return 0
	}
	return channel.DataMask(1 << subtype)
}
