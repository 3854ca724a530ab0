package session

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/a12/channel"
	"github.com/arcan-os/a12/internal/a12/handshake"
	"github.com/arcan-os/a12/internal/a12/stream"
)

func genKeypair(t *testing.T) (secret, public [32]byte) {
	t.Helper()
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}
	copy(public[:], pub)
	return
}

// runHandshake drives a real symmetric handshake over a connected net.Pipe
// pair and returns both sides' results, ready to hand to session.New on the
// very same connections.
func runHandshake(t *testing.T) (connA, connB net.Conn, resA, resB *handshake.Result) {
	t.Helper()
	aSecret, aPub := genKeypair(t)
	bSecret, bPub := genKeypair(t)
	connA, connB = net.Pipe()

	cfgA := handshake.Config{
		LocalLongTermSecret: aSecret,
		LocalLongTermPublic: aPub,
		Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
			if peer == bPub {
				return handshake.KeystoreResult{Authentic: true}, nil
			}
			return handshake.KeystoreResult{}, nil
		},
	}
	cfgB := handshake.Config{
		LocalLongTermSecret: bSecret,
		LocalLongTermPublic: bPub,
		Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
			if peer == aPub {
				return handshake.KeystoreResult{Authentic: true}, nil
			}
			return handshake.KeystoreResult{}, nil
		},
	}

	var wg sync.WaitGroup
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

	if errA != nil {
		t.Fatalf("initiator handshake: %v", errA)
	}
	if errB != nil {
		t.Fatalf("responder handshake: %v", errB)
	}
	return connA, connB, resA, resB
}

func TestSessionEventDeliveryAcrossRekey(t *testing.T) {
	connA, connB, resA, resB := runHandshake(t)

	var mu sync.Mutex
	var received []byte
	delivered := make(chan struct{}, 1)

	sessA, err := New(handshake.RoleInitiator, connA, resA, Config{RekeyBytes: 1}, nil)
	if err != nil {
		t.Fatalf("New sessA: %v", err)
	}
	sessB, err := New(handshake.RoleResponder, connB, resB, Config{
		EventSink: func(ch uint8, payload []byte) {
			mu.Lock()
			received = append([]byte(nil), payload...)
			mu.Unlock()
			select {
			case delivered <- struct{}{}:
			default:
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("New sessB: %v", err)
	}

	sessA.Start()
	sessB.Start()
	defer sessA.Close()
	defer sessB.Close()

	if err := sessA.SendEvent(0, stream.EventRecord{Data: []byte("hello"), Terminal: true}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first event")
	}
	mu.Lock()
	got := string(received)
	mu.Unlock()
	if got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}

	// sessA's RekeyBytes budget of 1 guarantees a rekey round is either
	// already complete or in flight by now; a second event must still be
	// delivered correctly, proving the session survived the key rotation.
	if err := sessA.SendEvent(0, stream.EventRecord{Data: []byte("world"), Terminal: true}); err != nil {
		t.Fatalf("SendEvent after rekey: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for post-rekey event")
	}
	mu.Lock()
	got = string(received)
	mu.Unlock()
	if got != "world" {
		t.Fatalf("expected %q after rekey, got %q", "world", got)
	}
}

func TestSessionInputMaskDropsBlockedDeviceEvents(t *testing.T) {
	connA, connB, resA, resB := runHandshake(t)

	var mu sync.Mutex
	var receivedCount int
	delivered := make(chan struct{}, 4)

	sessA, err := New(handshake.RoleInitiator, connA, resA, Config{}, nil)
	if err != nil {
		t.Fatalf("New sessA: %v", err)
	}
	sessB, err := New(handshake.RoleResponder, connB, resB, Config{
		EventSink: func(ch uint8, payload []byte) {
			mu.Lock()
			receivedCount++
			mu.Unlock()
			delivered <- struct{}{}
		},
	}, nil)
	if err != nil {
		t.Fatalf("New sessB: %v", err)
	}

	sessA.Start()
	sessB.Start()
	defer sessA.Close()
	defer sessB.Close()

	// Input masking is evaluated by the receiving side against its own
	// channel state, so install the mask on sessB directly: a real peer
	// would arrive at the same state via a CtrlInputMask round trip.
	if err := sessB.SetInputMask(0, channel.InputMask{Device: channel.DeviceKeyboard}); err != nil {
		t.Fatalf("SetInputMask: %v", err)
	}

	// Subtype 0 maps onto DeviceKeyboard; this record must be silently
	// dropped and never reach the sink.
	if err := sessA.SendEvent(0, stream.EventRecord{
		Category: byte(stream.EventCategoryDevice), Subtype: 0, Data: []byte("keydown"), Terminal: true,
	}); err != nil {
		t.Fatalf("SendEvent (masked): %v", err)
	}

	// A pointer event (subtype 1) is unmasked and must pass through.
	if err := sessA.SendEvent(0, stream.EventRecord{
		Category: byte(stream.EventCategoryDevice), Subtype: 1, Data: []byte("move"), Terminal: true,
	}); err != nil {
		t.Fatalf("SendEvent (unmasked): %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for unmasked event")
	}
	// Give a masked duplicate a moment to have arrived, if it wrongly would.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := receivedCount
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly 1 delivered event (masked one dropped), got %d", n)
	}
}
