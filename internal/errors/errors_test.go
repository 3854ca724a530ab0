package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics (we don't need full net.Error here).
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsTerminalClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	hs := NewTerminalError(KindHandshakeFailed, "handshake.verify", wrapped)
	if !IsTerminal(hs) {
		t.Fatalf("expected IsTerminal=true for handshake failure")
	}
	if !stdErrors.Is(hs, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var te *TerminalError
	if !stdErrors.As(hs, &te) {
		t.Fatalf("expected errors.As to *TerminalError")
	}
	if te.Op != "handshake.verify" {
		t.Fatalf("unexpected op: %s", te.Op)
	}

	mac := NewTerminalError(KindMacMismatch, "codec.decrypt", nil)
	if !IsTerminal(mac) {
		t.Fatalf("expected mac mismatch classified as terminal")
	}
	seq := NewTerminalError(KindSequenceReplay, "codec.sequence", nil)
	if !IsTerminal(seq) {
		t.Fatalf("expected sequence replay classified as terminal")
	}
}

func TestIsStreamErrorClassification(t *testing.T) {
	ck := NewStreamError(KindCodecMismatch, 3, "stream.video.decode", stdErrors.New("bad header"))
	if !IsStreamError(ck) {
		t.Fatalf("expected stream error classified")
	}
	if IsTerminal(ck) {
		t.Fatalf("stream error should not be terminal")
	}
	var se *StreamError
	if !stdErrors.As(ck, &se) {
		t.Fatalf("expected errors.As to *StreamError")
	}
	if se.ChannelID != 3 {
		t.Fatalf("unexpected channel id: %d", se.ChannelID)
	}
}

func TestIsPolicyErrorClassification(t *testing.T) {
	p := NewPolicyError(KindPermissionDenied, "kv.setkey", nil)
	if !IsPolicyError(p) {
		t.Fatalf("expected policy error classified")
	}
	if IsTerminal(p) || IsStreamError(p) {
		t.Fatalf("policy error should not classify as terminal or stream")
	}
	u := NewPolicyError(KindUnknownAppl, "directory.join", stdErrors.New("no such appl"))
	if !IsPolicyError(u) {
		t.Fatalf("expected unknown appl classified as policy error")
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("handshake.read", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if IsTerminal(to) || IsStreamError(to) || IsPolicyError(to) {
		t.Fatalf("timeout should not classify as any tier")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("io EOF")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewTerminalError(KindTruncatedFrame, "codec.readFrame", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var tm terminalMarker
	if !stdErrors.As(l2, &tm) {
		t.Fatalf("expected to match terminalMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsTerminal(nil) {
		t.Fatalf("nil should not be terminal")
	}
	if IsStreamError(nil) {
		t.Fatalf("nil should not be stream error")
	}
	if IsPolicyError(nil) {
		t.Fatalf("nil should not be policy error")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
}

func TestConstructorWithoutCause(t *testing.T) {
	ck := NewStreamError(KindChecksumMismatch, 1, "stream.blob.verify", nil)
	if ck == nil {
		t.Fatalf("constructor returned nil")
	}
	if errStr := ck.Error(); errStr == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestNilErrBranchesAndStrings(t *testing.T) {
	term := NewTerminalError(KindRekeyExhausted, "op1", nil)
	if term == nil {
		t.Fatalf("nil terminal error")
	}
	if !IsTerminal(term) {
		t.Fatalf("expected terminal classification")
	}
	if s := term.Error(); s == "" {
		t.Fatalf("unexpected terminal error string: %q", s)
	}

	stream := NewStreamError(KindUnknownStreamID, 7, "op2", nil)
	if s := stream.Error(); s == "" {
		t.Fatalf("bad stream error string: %q", s)
	}

	pol := NewPolicyError(KindMalformedKey, "op3", nil)
	if s := pol.Error(); s == "" {
		t.Fatalf("empty policy error string")
	}

	to := NewTimeoutError("op5", 100*time.Millisecond, nil)
	if !IsTimeout(to) {
		t.Fatalf("timeout classification failed")
	}
	if IsTerminal(to) {
		t.Fatalf("timeout misclassified as terminal")
	}
	if s := to.Error(); s == "" {
		t.Fatalf("empty timeout error string")
	}
}

func TestNegativePredicates(t *testing.T) {
	if IsTerminal(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be terminal")
	}
	if IsStreamError(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be stream")
	}
	if IsPolicyError(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be policy")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be timeout")
	}
}
