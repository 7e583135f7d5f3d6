package config

import (
	"errors"
	"testing"
)

func TestUpdateNumaRejectsUndeclaredDestination(t *testing.T) {
	c := &VmConfig{}
	nodes := []NumaNode{
		{ID: 0, Distances: map[uint32]uint8{2: 20}},
		{ID: 1},
	}
	err := c.UpdateNuma(nodes)
	var nerr *InvalidNumaConfigError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected InvalidNumaConfigError, got %v", err)
	}
	if nerr.NodeID != 0 || nerr.DestID != 2 {
		t.Fatalf("unexpected error detail: %+v", nerr)
	}

	nodes[0].Distances = map[uint32]uint8{1: 20}
	if err := c.UpdateNuma(nodes); err != nil {
		t.Fatalf("expected success once destination declared: %v", err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	c := &VmConfig{Cpus: CpuConfig{BootVCPUs: 2}}
	c.Normalize()
	if c.Cpus.MaxVCPUs != 2 {
		t.Fatalf("MaxVCPUs = %d, want 2", c.Cpus.MaxVCPUs)
	}
	if c.Memory.Hotplug != HotplugMethodACPI {
		t.Fatalf("Hotplug = %q, want acpi", c.Memory.Hotplug)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := &VmConfig{Vsock: &VsockConfig{ID: "vsock0"}}
	c.Disks = append(c.Disks, DiskConfig{ID: "disk0"})

	snap := c.Snapshot()
	snap.Disks[0].ID = "mutated"
	snap.Vsock.ID = "mutated"

	if c.Disks[0].ID != "disk0" {
		t.Fatalf("mutating snapshot disks leaked into original: %q", c.Disks[0].ID)
	}
	if c.Vsock.ID != "vsock0" {
		t.Fatalf("mutating snapshot vsock leaked into original: %q", c.Vsock.ID)
	}
}
