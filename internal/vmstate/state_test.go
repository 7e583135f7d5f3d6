package vmstate

import (
	"errors"
	"testing"
)

func TestValidTransitionTable(t *testing.T) {
	want := map[VmState]map[VmState]bool{
		Created:  {Running: true, Paused: true},
		Running:  {Paused: true, Shutdown: true},
		Paused:   {Running: true, Shutdown: true},
		Shutdown: {Running: true},
	}

	states := []VmState{Created, Running, Paused, Shutdown}
	for _, from := range states {
		for _, to := range states {
			got := ValidTransition(from, to)
			exp := want[from][to]
			if got != exp {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", from, to, got, exp)
			}
		}
	}
}

func TestStateBootLegality(t *testing.T) {
	s := New()

	if err := s.Transition(Shutdown, func() error { return nil }); err == nil {
		t.Fatalf("expected InvalidStateTransitionError shutting down a Created VM")
	} else {
		var ise *InvalidStateTransitionError
		if !errors.As(err, &ise) {
			t.Fatalf("expected InvalidStateTransitionError, got %T: %v", err, err)
		}
		if ise.From != Created || ise.To != Shutdown {
			t.Fatalf("unexpected transition in error: %+v", ise)
		}
	}

	if err := s.Transition(Running, func() error { return nil }); err != nil {
		t.Fatalf("boot from Created: %v", err)
	}
	if got := s.Get(); got != Running {
		t.Fatalf("state after boot = %s, want Running", got)
	}
}

func TestDoublePauseRejected(t *testing.T) {
	s := New()
	if err := s.Transition(Running, func() error { return nil }); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := s.Transition(Paused, func() error { return nil }); err != nil {
		t.Fatalf("first pause: %v", err)
	}
	err := s.Transition(Paused, func() error { return nil })
	var ise *InvalidStateTransitionError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateTransitionError on second pause, got %v", err)
	}
	if ise.From != Paused || ise.To != Paused {
		t.Fatalf("unexpected transition in error: %+v", ise)
	}
}

func TestPoisonedStateAbandonsFurtherTransitions(t *testing.T) {
	s := New()
	boom := errors.New("device manager exploded")

	err := s.Transition(Running, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}

	err = s.Transition(Paused, func() error { return nil })
	var pse *PoisonedStateError
	if !errors.As(err, &pse) {
		t.Fatalf("expected PoisonedStateError after failed transition, got %v", err)
	}
}

func TestRequireOneOf(t *testing.T) {
	s := New()
	if err := s.RequireOneOf(Created, Paused); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RequireOneOf(Running); err == nil {
		t.Fatalf("expected error requiring Running while Created")
	}
}
