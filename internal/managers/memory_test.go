package managers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
)

func TestMemoryManagerResizeGrowsOnly(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	mm := New(vm, hv.ArchitectureX86_64)

	region, err := mm.Resize(uint64(len(vm.mem)) / 2)
	if err != nil {
		t.Fatalf("Resize (shrink attempt): %v", err)
	}
	if region != nil {
		t.Fatalf("Resize below current size returned a region, want nil")
	}

	region, err = mm.Resize(uint64(len(vm.mem)) + 0x100000)
	if err != nil {
		t.Fatalf("Resize (grow): %v", err)
	}
	if region == nil {
		t.Fatalf("Resize (grow) returned nil region")
	}
	if region.Size != 0x100000 {
		t.Fatalf("grown region size = %#x, want %#x", region.Size, 0x100000)
	}
}

func TestMemoryManagerBalloonResize(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	mm := New(vm, hv.ArchitectureX86_64)

	actual, err := mm.BalloonResize(4096)
	if err != nil {
		t.Fatalf("BalloonResize: %v", err)
	}
	if actual != 4096 {
		t.Fatalf("balloon actual = %d, want 4096", actual)
	}
}

func TestMemoryManagerResizeRejectedWhilePaused(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	mm := New(vm, hv.ArchitectureX86_64)

	if err := mm.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := mm.Resize(uint64(len(vm.mem)) + 0x100000); err == nil {
		t.Fatalf("Resize while paused succeeded, want error")
	}
	if _, err := mm.BalloonResize(4096); err == nil {
		t.Fatalf("BalloonResize while paused succeeded, want error")
	}

	if err := mm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := mm.Resize(uint64(len(vm.mem)) + 0x100000); err != nil {
		t.Fatalf("Resize after resume: %v", err)
	}
}

func TestMemoryManagerSGXRegion(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	mm := New(vm, hv.ArchitectureX86_64)

	if err := mm.SetupSGX(nil); err != nil {
		t.Fatalf("SetupSGX(nil): %v", err)
	}
	if _, _, ok := mm.SgxEpcRegion(); ok {
		t.Fatalf("SgxEpcRegion reported present with no sections configured")
	}

	sections := []config.SgxEpcSection{
		{Start: 0x100000000, Size: 0x1000000},
		{Start: 0x101000000, Size: 0x2000000},
	}
	if err := mm.SetupSGX(sections); err != nil {
		t.Fatalf("SetupSGX: %v", err)
	}
	base, size, ok := mm.SgxEpcRegion()
	if !ok {
		t.Fatalf("SgxEpcRegion reported absent after SetupSGX")
	}
	if base != sections[0].Start {
		t.Fatalf("SGX base = %#x, want %#x", base, sections[0].Start)
	}
	if size != sections[0].Size+sections[1].Size {
		t.Fatalf("SGX size = %#x, want %#x", size, sections[0].Size+sections[1].Size)
	}
}

func TestMemoryManagerSnapshotRoundTrip(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	mm := New(vm, hv.ArchitectureX86_64)

	if _, err := mm.BalloonResize(2048); err != nil {
		t.Fatalf("BalloonResize: %v", err)
	}

	snap, err := mm.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	other := New(newFakeVM(1<<20, 1), hv.ArchitectureX86_64)
	if err := other.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	actual, err := other.BalloonResize(2048)
	if err != nil {
		t.Fatalf("BalloonResize after restore: %v", err)
	}
	if actual != 2048 {
		t.Fatalf("restored balloon actual = %d, want 2048", actual)
	}
}

func TestMemoryManagerSendWritesImage(t *testing.T) {
	vm := newFakeVM(1<<16, 1)
	for i := range vm.mem {
		vm.mem[i] = byte(i)
	}
	mm := New(vm, hv.ArchitectureX86_64)

	dir := t.TempDir()
	if err := mm.Send(dir); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, memoryImageName))
	if err != nil {
		t.Fatalf("read memory image: %v", err)
	}
	if len(data) != len(vm.mem) {
		t.Fatalf("memory image size = %d, want %d", len(data), len(vm.mem))
	}
	for i := range data {
		if data[i] != vm.mem[i] {
			t.Fatalf("memory image byte %d = %#x, want %#x", i, data[i], vm.mem[i])
		}
	}
}
