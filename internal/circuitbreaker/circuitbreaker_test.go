package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New(3, 50*time.Millisecond)
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return failing }); !errors.Is(err, failing) {
			t.Fatalf("attempt %d: want failing err, got %v", i, err)
		}
	}

	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while circuit is open, got %v", err)
	}
}

func TestHalfOpenRecovers(t *testing.T) {
	cb := New(1, 10*time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open after one failure with maxFailures=1")
	}

	time.Sleep(15 * time.Millisecond)

	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should have run: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.CurrentState())
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != StateClosed {
		t.Fatalf("expected final transition to closed, got %v", transitions)
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(1, 10*time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errors.New("still broken") }); err == nil {
		t.Fatalf("expected probe failure to propagate")
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.CurrentState())
	}
}
