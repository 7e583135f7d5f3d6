// Package vmstate implements the VM lifecycle state machine: the four-valued
// enum {Created, Running, Paused, Shutdown} and the legal transitions between
// them, guarded by a single readers-writer lock held for the duration of each
// transition so observers never see a state whose subsystem side effects are
// only partially applied.
package vmstate

import (
	"fmt"
	"sync"
)

// VmState is the lifecycle state of a VM orchestrator instance.
type VmState int

const (
	Created VmState = iota
	Running
	Paused
	Shutdown
)

func (s VmState) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("VmState(%d)", int(s))
	}
}

var transitions = map[VmState]map[VmState]bool{
	Created:  {Running: true, Paused: true},
	Running:  {Paused: true, Shutdown: true},
	Paused:   {Running: true, Shutdown: true},
	Shutdown: {Running: true},
}

// ValidTransition reports whether the table in the orchestrator's lifecycle
// design permits moving from "from" to "to". A state is never considered a
// valid transition to itself.
func ValidTransition(from, to VmState) bool {
	return transitions[from][to]
}

// InvalidStateTransitionError is returned whenever a caller requests a
// transition not present in the lifecycle table, including repeated
// transitions to the same state (e.g. a second Pause).
type InvalidStateTransitionError struct {
	From, To VmState
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// PoisonedStateError is returned when an operation observes that a previous
// transition failed partway through subsystem side effects, leaving the VM
// in a state no further lifecycle operation can safely act on.
type PoisonedStateError struct {
	Operation string
}

func (e *PoisonedStateError) Error() string {
	return fmt.Sprintf("vm state poisoned: %s cannot proceed", e.Operation)
}

// State guards a VmState behind a readers-writer lock. All transitions are
// performed via Transition, which holds the write lock for the full duration
// of the caller-supplied side-effect function so that readers of Get never
// observe a state whose subsystem work (CPU/device pause, boot sequencing,
// etc.) is only half done.
type State struct {
	mu      sync.RWMutex
	current VmState
	poison  *PoisonedStateError
}

// New returns a State initialised to Created, the lifecycle's only valid
// starting point.
func New() *State {
	return &State{current: Created}
}

// Get returns the current state under a read lock.
func (s *State) Get() VmState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Transition validates from s.current to "to", then — while still holding
// the write lock — invokes effect. If effect returns an error the state is
// poisoned: every subsequent Transition call fails fast with
// PoisonedStateError until the field is cleared (there is no clearing path;
// a poisoned orchestrator must be discarded, per the no-rollback rule for
// partial pause/resume progress). On success the state is committed to "to".
func (s *State) Transition(to VmState, effect func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poison != nil {
		return s.poison
	}

	from := s.current
	if !ValidTransition(from, to) {
		return &InvalidStateTransitionError{From: from, To: to}
	}

	if err := effect(); err != nil {
		s.poison = &PoisonedStateError{Operation: fmt.Sprintf("%s -> %s", from, to)}
		return err
	}

	s.current = to
	return nil
}

// RequireOneOf returns nil if the current state is one of allowed, otherwise
// an InvalidStateTransitionError naming the first allowed state as the
// attempted target — used by operations (hot-plug, resize) that are legal
// in more than one state but do not themselves transition the state machine.
func (s *State) RequireOneOf(allowed ...VmState) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poison != nil {
		return s.poison
	}
	cur := s.current
	for _, a := range allowed {
		if cur == a {
			return nil
		}
	}
	want := Created
	if len(allowed) > 0 {
		want = allowed[0]
	}
	return &InvalidStateTransitionError{From: cur, To: want}
}
