package errorsx

import (
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamConnect)
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamConnect, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonClientDisconnect)
	second := Wrap(fmt.Errorf("pump: %w", first), ReasonLLM)
	if Reason(second) != ReasonClientDisconnect {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestExpected(t *testing.T) {
	if !Expected(nil) {
		t.Fatalf("nil should be expected")
	}
	if !Expected(Wrap(assertErr{}, ReasonUpstreamClosed)) {
		t.Fatalf("upstream close should be expected")
	}
	if Expected(New(ReasonProtocol, "bad frame %d", 3)) {
		t.Fatalf("protocol error should not be expected")
	}
	if Expected(assertErr{}) {
		t.Fatalf("bare error should not be expected")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
