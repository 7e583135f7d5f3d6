package vm

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// Snapshot only succeeds from Paused; attempting it from Running or Created
// reports the exact reason S5 names.
func TestSnapshotRejectedUnlessPaused(t *testing.T) {
	v := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})

	if _, err := v.Snapshot(); err == nil {
		t.Fatalf("Snapshot from Created succeeded, want error")
	} else {
		var se *SnapshotError
		if !errors.As(err, &se) {
			t.Fatalf("Snapshot from Created: got %T (%v), want SnapshotError", err, err)
		}
		if se.Reason != "Trying to snapshot while VM is running" {
			t.Fatalf("SnapshotError.Reason = %q, want %q", se.Reason, "Trying to snapshot while VM is running")
		}
	}

	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}
	if _, err := v.Snapshot(); err == nil {
		t.Fatalf("Snapshot from Running succeeded, want error")
	}
}

// From Paused, Snapshot succeeds and captures all three subsystem children.
func TestSnapshotSucceedsWhenPaused(t *testing.T) {
	v := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})
	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}
	if err := v.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	manifest, err := v.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if manifest.ID != "vm" {
		t.Fatalf("manifest.ID = %q, want \"vm\"", manifest.ID)
	}
	wantChildren := []string{"cpu-manager", "memory-manager", "device-manager"}
	if len(manifest.Children) != len(wantChildren) {
		t.Fatalf("manifest children = %d, want %d", len(manifest.Children), len(wantChildren))
	}
	for i, id := range wantChildren {
		if manifest.Children[i].ID != id {
			t.Fatalf("manifest.Children[%d].ID = %q, want %q", i, manifest.Children[i].ID, id)
		}
	}
}

// Restore applies children in memory -> device -> cpu order and commits
// Paused, even when invoked directly (not via NewFromSnapshot).
func TestRestoreAppliesChildrenAndCommitsPaused(t *testing.T) {
	producer := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})
	if err := producer.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force producer to Running: %v", err)
	}
	if err := producer.Pause(); err != nil {
		t.Fatalf("Pause producer: %v", err)
	}
	manifest, err := producer.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot producer: %v", err)
	}

	restorer := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})
	if err := restorer.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force restorer to Running: %v", err)
	}

	if err := restorer.Restore(manifest); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restorer.State(); got != vmstate.Paused {
		t.Fatalf("state after Restore = %s, want Paused", got)
	}
}

// Restore fails closed if the manifest is missing a required child.
func TestRestoreFailsOnMissingChild(t *testing.T) {
	v := newTestVM(t, &config.VmConfig{}, &fakeMemoryManager{}, &fakeDeviceManager{}, &fakeCpuManager{})
	if err := v.state.Transition(vmstate.Running, func() error { return nil }); err != nil {
		t.Fatalf("force state to Running: %v", err)
	}

	empty := &Manifest{ID: "vm"}
	if err := v.Restore(empty); err == nil {
		t.Fatalf("Restore with no children succeeded, want error")
	}
	var re *RestoreError
	if !errors.As(err, &re) {
		t.Fatalf("Restore with no children: got error of wrong type: %v", err)
	}
	if got := v.State(); got != vmstate.Running {
		t.Fatalf("state after failed Restore = %s, want unchanged Running (poisoned instead?)", got)
	}
}
