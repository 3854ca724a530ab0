package directory

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arcan-os/a12/internal/a12/session"
	"github.com/arcan-os/a12/internal/a12/stream"
	a12err "github.com/arcan-os/a12/internal/errors"
)

// inlineReplyBudget is the largest match() result sent back as a single
// event; anything larger is streamed through a fresh binary transfer
// instead, per §4.5's "small vs binary transfer" reply rule.
const inlineReplyBudget = 4096

// kvStore is the directory's in-memory key-value store. Keys are always
// stored with their owning runner's domain prefix prepended by the
// dispatcher, never trusted from the runner's own message, which is what
// makes cross-domain reads structurally impossible rather than merely
// policy-denied.
type kvStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[string]string)}
}

func (s *kvStore) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.data, key)
		return
	}
	s.data[key] = value
}

func (s *kvStore) match(prefix, pattern string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rel := strings.TrimPrefix(k, prefix)
		if ok, err := path.Match(pattern, rel); err == nil && ok {
			out[rel] = v
		}
	}
	return out
}

// parsedMessage is one KV-channel tagged message: `tag` or `tag=primary`,
// followed by zero or more `:key=value` fields.
type parsedMessage struct {
	tag     string
	primary string
	fields  map[string]string
}

func parseMessage(raw string) parsedMessage {
	segs := strings.Split(raw, ":")
	pm := parsedMessage{fields: make(map[string]string)}
	if len(segs) == 0 {
		return pm
	}
	if i := strings.IndexByte(segs[0], '='); i >= 0 {
		pm.tag = segs[0][:i]
		pm.primary = segs[0][i+1:]
	} else {
		pm.tag = segs[0]
	}
	for _, seg := range segs[1:] {
		i := strings.IndexByte(seg, '=')
		if i < 0 {
			continue
		}
		pm.fields[seg[:i]] = seg[i+1:]
	}
	return pm
}

// LaunchFunc services a `launch=target:id=ID[:dst=peer-id]` message: spawn
// an out-of-process helper program, optionally routed to a sink client.
type LaunchFunc func(target, id, dst string) error

// ReloadFunc services a bare `reload` message from a runner. The
// controller's handler emits an appl_reseed hook event; it does not
// re-send the appl bundle to the runner.
type ReloadFunc func() error

// KVDispatcher mediates every KV-channel message a runner sends, enforcing
// per-domain key isolation and routing launch/reload requests to the
// controller's own handlers.
type KVDispatcher struct {
	store  *kvStore
	domain string // this runner's appl id, used as the key namespace

	inTxn atomic.Bool

	launch LaunchFunc
	reload ReloadFunc
}

// NewKVDispatcher returns a dispatcher scoped to one runner's domain.
func NewKVDispatcher(store *kvStore, domain string, launch LaunchFunc, reload ReloadFunc) *KVDispatcher {
	return &KVDispatcher{store: store, domain: domain, launch: launch, reload: reload}
}

func (d *KVDispatcher) prefix() string { return d.domain + "/" }

// Dispatch handles one incoming tagged message from the runner's control
// channel, sending any reply back over sess on channel ch.
func (d *KVDispatcher) Dispatch(sess *session.Session, ch uint8, raw string) error {
	pm := parseMessage(raw)
	switch pm.tag {
	case "begin_kv_transaction":
		d.inTxn.Store(true)
		return nil

	case "end_kv_transaction":
		d.inTxn.Store(false)
		return nil

	case "setkey":
		if !d.inTxn.Load() {
			return a12err.NewPolicyError(a12err.KindMalformedKey, "directory.kv.setkey",
				fmt.Errorf("setkey outside a transaction"))
		}
		if pm.primary == "" {
			return a12err.NewPolicyError(a12err.KindMalformedKey, "directory.kv.setkey",
				fmt.Errorf("missing key"))
		}
		// The domain prefix is always this dispatcher's own, regardless of
		// anything embedded in pm.primary or pm.fields — this is the prefix
		// check that makes cross-domain writes structurally impossible.
		d.store.set(d.prefix()+pm.primary, pm.fields["value"])
		return nil

	case "match":
		matches := d.store.match(d.prefix(), pm.primary)
		return d.replyMatch(sess, ch, pm.fields["id"], matches)

	case "launch":
		if d.launch == nil {
			return a12err.NewPolicyError(a12err.KindPermissionDenied, "directory.kv.launch",
				fmt.Errorf("launch not permitted for this runner"))
		}
		return d.launch(pm.primary, pm.fields["id"], pm.fields["dst"])

	case "reload":
		if d.reload == nil {
			return nil
		}
		return d.reload()

	default:
		return a12err.NewPolicyError(a12err.KindMalformedKey, "directory.kv.dispatch",
			fmt.Errorf("unrecognised kv message tag %q", pm.tag))
	}
}

// replyMatch sends matches back as a single event when small, or as a
// freshly opened binary transfer when the encoded result would exceed
// inlineReplyBudget.
func (d *KVDispatcher) replyMatch(sess *session.Session, ch uint8, id string, matches map[string]string) error {
	var b strings.Builder
	for k, v := range matches {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	payload := []byte(b.String())

	if len(payload) <= inlineReplyBudget {
		return sess.SendEvent(ch, stream.EventRecord{
			Category: byte(stream.EventCategoryData),
			Data:     append([]byte("match_reply:id="+id+"\n"), payload...),
			Terminal: true,
		})
	}

	newID := uuid.New()
	streamID := binary.LittleEndian.Uint32(newID[:4])
	if err := sess.SendBinaryBegin(ch, stream.TransferHeader{
		StreamID:  streamID,
		Type:      stream.TransferGenericBlob,
		TotalSize: uint64(len(payload)),
		Extension: "kvm",
	}); err != nil {
		return err
	}
	const chunkSize = 32 * 1024
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		remaining := uint64(len(payload) - end)
		if err := sess.SendBinaryPayload(ch, streamID, payload[off:end], remaining); err != nil {
			return err
		}
	}
	return nil
}

// DecodeKVMessage extracts the tagged-message string carried by a KV
// channel event record. The channel carries plain-text control strings in
// EventRecord.Data, category EventCategoryMisc.
func DecodeKVMessage(rec stream.EventRecord) (string, error) {
	if rec.Category != byte(stream.EventCategoryMisc) {
		return "", a12err.NewStreamError(a12err.KindCodecMismatch, 0, "directory.kv.decode",
			fmt.Errorf("unexpected event category %d for kv message", rec.Category))
	}
	return string(rec.Data), nil
}
