package vm

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

func newBootLegalityVM(t *testing.T) *VM {
	t.Helper()
	return newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})
}

// Boot on a freshly created VM attempts a real kernel load, which this fake
// Hypervisor cannot satisfy; the only boot legality a unit test can exercise
// without a real kernel image is on the illegal paths, which the state
// machine rejects before ever calling loadKernel.
func TestBootRejectsShutdownDirectly(t *testing.T) {
	v := newBootLegalityVM(t)

	// Shutdown from Created is not in the transition table.
	if err := v.Shutdown(); err == nil {
		t.Fatalf("Shutdown from Created succeeded, want InvalidStateTransitionError")
	} else {
		var ise *vmstate.InvalidStateTransitionError
		if !errors.As(err, &ise) {
			t.Fatalf("Shutdown from Created: got %T (%v), want InvalidStateTransitionError", err, err)
		}
		if ise.From != vmstate.Created || ise.To != vmstate.Shutdown {
			t.Fatalf("unexpected transition in error: %+v", ise)
		}
	}
}

// Once a VM is Running, Boot must not be callable again: Running -> Running
// is not a legal self-transition, so the second Boot call must fail without
// touching loadKernel (which would panic/fail against the fake hypervisor).
func TestBootRejectedWhileAlreadyRunning(t *testing.T) {
	v := newBootLegalityVM(t)

	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}

	if err := v.Boot(); err == nil {
		t.Fatalf("Boot while already Running succeeded, want InvalidStateTransitionError")
	} else {
		var ise *vmstate.InvalidStateTransitionError
		if !errors.As(err, &ise) {
			t.Fatalf("Boot while Running: got %T (%v), want InvalidStateTransitionError", err, err)
		}
		if ise.From != vmstate.Running || ise.To != vmstate.Running {
			t.Fatalf("unexpected transition in error: %+v", ise)
		}
	}
}

// Boot on a Paused VM delegates to Resume rather than attempting a fresh
// kernel load; this is the one "successful" Boot path a unit test can drive
// without real kernel bytes.
func TestBootFromPausedDelegatesToResume(t *testing.T) {
	v := newBootLegalityVM(t)

	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}
	if err := v.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := v.State(); got != vmstate.Paused {
		t.Fatalf("state after Pause = %s, want Paused", got)
	}

	if err := v.Boot(); err != nil {
		t.Fatalf("Boot from Paused (delegates to Resume): %v", err)
	}
	if got := v.State(); got != vmstate.Running {
		t.Fatalf("state after Boot-from-Paused = %s, want Running", got)
	}
}

// Pause is only legal from Running; attempting it from Created must fail
// without poisoning the state or touching any collaborator.
func TestPauseRejectedFromCreated(t *testing.T) {
	v := newBootLegalityVM(t)

	if err := v.Pause(); err == nil {
		t.Fatalf("Pause from Created succeeded, want InvalidStateTransitionError")
	} else {
		var ise *vmstate.InvalidStateTransitionError
		if !errors.As(err, &ise) {
			t.Fatalf("Pause from Created: got %T (%v), want InvalidStateTransitionError", err, err)
		}
	}
	if got := v.State(); got != vmstate.Created {
		t.Fatalf("state after rejected Pause = %s, want unchanged Created", got)
	}
}

// Shutdown resumes the Device Manager before telling the CPU Manager to
// shut down, even though the VM was Paused going in; this is the ordering
// documented on Shutdown and resolved as an explicit design decision rather
// than an oversight.
func TestShutdownResumesDevicesBeforeCpu(t *testing.T) {
	var events []string
	dev := &fakeDeviceManager{events: &events}
	cpu := &fakeCpuManager{events: &events}
	v := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, dev, cpu)

	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}
	if err := v.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := v.State(); got != vmstate.Shutdown {
		t.Fatalf("state after Shutdown = %s, want Shutdown", got)
	}

	if len(events) != 2 || events[0] != "device.Resume" || events[1] != "cpu.Shutdown" {
		t.Fatalf("call order = %v, want [device.Resume cpu.Shutdown]", events)
	}
}
