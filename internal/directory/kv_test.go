package directory

import (
	"context"
	"crypto/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/a12/handshake"
	"github.com/arcan-os/a12/internal/a12/session"
	"github.com/arcan-os/a12/internal/a12/stream"
)

func TestKVStoreSetAndMatch(t *testing.T) {
	s := newKVStore()
	s.set("room1/score", "10")
	s.set("room1/name", "lobby")
	s.set("room2/score", "99")

	got := s.match("room1/", "*")
	if len(got) != 2 || got["score"] != "10" || got["name"] != "lobby" {
		t.Fatalf("unexpected match result: %+v", got)
	}

	got = s.match("room2/", "sc*")
	if len(got) != 1 || got["score"] != "99" {
		t.Fatalf("unexpected prefix-scoped match result: %+v", got)
	}
}

func TestKVStoreEmptyValueDeletesKey(t *testing.T) {
	s := newKVStore()
	s.set("room1/score", "10")
	s.set("room1/score", "")
	if got := s.match("room1/", "*"); len(got) != 0 {
		t.Fatalf("expected key removed by empty-value set, got %+v", got)
	}
}

func TestParseMessage(t *testing.T) {
	pm := parseMessage("setkey=score:value=10:extra=ignored")
	if pm.tag != "setkey" || pm.primary != "score" {
		t.Fatalf("unexpected tag/primary: %q/%q", pm.tag, pm.primary)
	}
	if pm.fields["value"] != "10" {
		t.Fatalf("unexpected value field: %q", pm.fields["value"])
	}
}

func TestParseMessageBareTag(t *testing.T) {
	pm := parseMessage("reload")
	if pm.tag != "reload" || pm.primary != "" {
		t.Fatalf("unexpected parse of bare tag: %+v", pm)
	}
}

func TestDispatchSetkeyRequiresTransaction(t *testing.T) {
	d := NewKVDispatcher(newKVStore(), "room1", nil, nil)
	err := d.Dispatch(nil, 0, "setkey=score:value=10")
	if err == nil {
		t.Fatal("expected setkey outside a transaction to fail")
	}
}

func TestDispatchSetkeyIsolatesDomain(t *testing.T) {
	store := newKVStore()
	d := NewKVDispatcher(store, "room1", nil, nil)
	_ = d.Dispatch(nil, 0, "begin_kv_transaction")
	if err := d.Dispatch(nil, 0, "setkey=score:value=42"); err != nil {
		t.Fatalf("Dispatch setkey: %v", err)
	}
	_ = d.Dispatch(nil, 0, "end_kv_transaction")

	// A runner cannot escape its own domain prefix regardless of what it
	// embeds in the key name itself.
	got := store.match("room1/", "*")
	if got["score"] != "42" {
		t.Fatalf("expected key stored under room1/ domain, got %+v", got)
	}
	other := store.match("room2/", "*")
	if len(other) != 0 {
		t.Fatalf("expected no leakage into room2 domain, got %+v", other)
	}
}

func TestDispatchLaunchInvokesCallback(t *testing.T) {
	var gotTarget, gotID, gotDst string
	launch := func(target, id, dst string) error {
		gotTarget, gotID, gotDst = target, id, dst
		return nil
	}
	d := NewKVDispatcher(newKVStore(), "room1", launch, nil)
	if err := d.Dispatch(nil, 0, "launch=ffmpeg:id=xfer1:dst=dircl000002"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotTarget != "ffmpeg" || gotID != "xfer1" || gotDst != "dircl000002" {
		t.Fatalf("unexpected launch args: %q %q %q", gotTarget, gotID, gotDst)
	}
}

func TestDispatchLaunchDeniedWithoutHandler(t *testing.T) {
	d := NewKVDispatcher(newKVStore(), "room1", nil, nil)
	if err := d.Dispatch(nil, 0, "launch=ffmpeg:id=xfer1"); err == nil {
		t.Fatal("expected launch to be denied when no LaunchFunc is wired")
	}
}

func TestDispatchUnknownTagRejected(t *testing.T) {
	d := NewKVDispatcher(newKVStore(), "room1", nil, nil)
	if err := d.Dispatch(nil, 0, "bogus_tag=1"); err == nil {
		t.Fatal("expected unrecognised tag to error")
	}
}

// pairedSessions drives a real handshake over a connected net.Pipe and
// returns both live sessions, the way session_test.go does for the
// session package itself.
func pairedSessions(t *testing.T, sinkB func(ch uint8, payload []byte)) (sessA, sessB *session.Session) {
	t.Helper()
	var aSecret, aPub, bSecret, bPub [32]byte
	if _, err := rand.Read(aSecret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(bSecret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pa, _ := curve25519.X25519(aSecret[:], curve25519.Basepoint)
	copy(aPub[:], pa)
	pb, _ := curve25519.X25519(bSecret[:], curve25519.Basepoint)
	copy(bPub[:], pb)

	connA, connB := net.Pipe()
	cfgA := handshake.Config{
		LocalLongTermSecret: aSecret, LocalLongTermPublic: aPub,
		Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
			return handshake.KeystoreResult{Authentic: peer == bPub}, nil
		},
	}
	cfgB := handshake.Config{
		LocalLongTermSecret: bSecret, LocalLongTermPublic: bPub,
		Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
			return handshake.KeystoreResult{Authentic: peer == aPub}, nil
		},
	}

	var wg sync.WaitGroup
	var resA, resB *handshake.Result
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = handshake.New(handshake.RoleInitiator, cfgA).Run(context.Background(), connA)
	}()
	go func() {
		defer wg.Done()
		resB, errB = handshake.New(handshake.RoleResponder, cfgB).Run(context.Background(), connB)
	}()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("handshake failed: %v / %v", errA, errB)
	}

	sessA, err := session.New(handshake.RoleInitiator, connA, resA, session.Config{}, nil)
	if err != nil {
		t.Fatalf("session.New A: %v", err)
	}
	sessB, err = session.New(handshake.RoleResponder, connB, resB, session.Config{EventSink: sinkB}, nil)
	if err != nil {
		t.Fatalf("session.New B: %v", err)
	}
	sessA.Start()
	sessB.Start()
	t.Cleanup(func() {
		_ = sessA.Close()
		_ = sessB.Close()
	})
	return sessA, sessB
}

func TestDispatchMatchRepliesInline(t *testing.T) {
	delivered := make(chan string, 1)
	sessA, _ := pairedSessions(t, func(ch uint8, payload []byte) {
		delivered <- string(payload)
	})

	store := newKVStore()
	store.set("room1/score", "10")
	d := NewKVDispatcher(store, "room1", nil, nil)

	if err := d.Dispatch(sessA, 0, "match=*:id=q1"); err != nil {
		t.Fatalf("Dispatch match: %v", err)
	}

	select {
	case got := <-delivered:
		if !strings.HasPrefix(got, "match_reply:id=q1") {
			t.Fatalf("expected match_reply prefix, got %q", got)
		}
		if !strings.Contains(got, "score=10") {
			t.Fatalf("expected score=10 in reply, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for match reply")
	}
}

func TestDecodeKVMessageRejectsWrongCategory(t *testing.T) {
	_, err := DecodeKVMessage(stream.EventRecord{Category: byte(stream.EventCategoryData), Data: []byte("x")})
	if err == nil {
		t.Fatal("expected category mismatch to be rejected")
	}
}

func TestDecodeKVMessageReturnsPayload(t *testing.T) {
	got, err := DecodeKVMessage(stream.EventRecord{Category: byte(stream.EventCategoryMisc), Data: []byte("setkey=x:value=1")})
	if err != nil {
		t.Fatalf("DecodeKVMessage: %v", err)
	}
	if got != "setkey=x:value=1" {
		t.Fatalf("unexpected payload: %q", got)
	}
}
