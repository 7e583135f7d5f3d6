package managers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vm"
)

func mustTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("backing"), 0o644); err != nil {
		t.Fatalf("write backing file: %v", err)
	}
	return path
}

func TestDeviceManagerX86ChipsetInstalled(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	if err := dm.CreateDevices(); err != nil {
		t.Fatalf("CreateDevices: %v", err)
	}
	if len(vm.devices) != 4 {
		t.Fatalf("installed %d platform devices, want 4 (PIC, PIT, CMOS, PM)", len(vm.devices))
	}
}

func TestDeviceManagerNotifyHotplugRaisesSCI(t *testing.T) {
	fvm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(fvm, hv.ArchitectureX86_64)

	if err := dm.CreateDevices(); err != nil {
		t.Fatalf("CreateDevices: %v", err)
	}
	if err := dm.NotifyHotplug(vm.PCIDevicesChanged); err != nil {
		t.Fatalf("NotifyHotplug: %v", err)
	}

	if len(fvm.irqEvents) == 0 {
		t.Fatalf("NotifyHotplug did not raise any IRQ")
	}
	last := fvm.irqEvents[len(fvm.irqEvents)-1]
	if last.line != uint32(sciIRQLine) || !last.level {
		t.Fatalf("last IRQ event = %+v, want line %d asserted", last, sciIRQLine)
	}
}

func TestDeviceManagerNotifyHotplugNoopWithoutFlags(t *testing.T) {
	fvm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(fvm, hv.ArchitectureX86_64)

	if err := dm.CreateDevices(); err != nil {
		t.Fatalf("CreateDevices: %v", err)
	}
	before := len(fvm.irqEvents)
	if err := dm.NotifyHotplug(0); err != nil {
		t.Fatalf("NotifyHotplug: %v", err)
	}
	if len(fvm.irqEvents) != before {
		t.Fatalf("NotifyHotplug(0) raised an IRQ, want no-op")
	}
}

func TestDeviceManagerUpdateMemoryRecordsRegion(t *testing.T) {
	fvm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(fvm, hv.ArchitectureX86_64)

	region := vm.NewRegion{Base: 1 << 30, Size: 1 << 20}
	if err := dm.UpdateMemory(region); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	got := dm.MemoryRegions()
	if len(got) != 1 || got[0] != region {
		t.Fatalf("MemoryRegions() = %+v, want [%+v]", got, region)
	}
}

func TestDeviceManagerNoChipsetOnARM64(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureARM64)

	if err := dm.CreateDevices(); err != nil {
		t.Fatalf("CreateDevices: %v", err)
	}
	if len(vm.devices) != 0 {
		t.Fatalf("installed %d platform devices on arm64, want 0", len(vm.devices))
	}
}

func TestDeviceManagerAttachOrderAndCmdline(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	diskPath := mustTempFile(t, "disk0.img")
	if _, err := dm.AddDisk(config.DiskConfig{ID: "disk0", Path: diskPath}); err != nil {
		t.Fatalf("AddDisk: %v", err)
	}

	if _, err := dm.AddNet(config.NetConfig{ID: "net0", MAC: "02:00:00:00:00:01"}); err != nil {
		t.Fatalf("AddNet: %v", err)
	}

	if _, err := dm.AddVsock(config.VsockConfig{ID: "vsock0", GuestCID: 3}); err != nil {
		t.Fatalf("AddVsock: %v", err)
	}

	cmdline := dm.CmdlineAdditions()
	if len(cmdline) != 3 {
		t.Fatalf("cmdline fragments = %d, want 3, got %v", len(cmdline), cmdline)
	}
}

func TestDeviceManagerDuplicateIDRejected(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	path := mustTempFile(t, "disk0.img")
	if _, err := dm.AddDisk(config.DiskConfig{ID: "disk0", Path: path}); err != nil {
		t.Fatalf("AddDisk: %v", err)
	}
	if _, err := dm.AddDisk(config.DiskConfig{ID: "disk0", Path: path}); err == nil {
		t.Fatalf("expected error re-using device id \"disk0\"")
	}
}

func TestDeviceManagerRemoveDevice(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	path := mustTempFile(t, "disk0.img")
	if _, err := dm.AddDisk(config.DiskConfig{ID: "disk0", Path: path}); err != nil {
		t.Fatalf("AddDisk: %v", err)
	}
	if err := dm.RemoveDevice("disk0"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	if got := dm.CmdlineAdditions(); len(got) != 0 {
		t.Fatalf("cmdline after removal = %v, want empty", got)
	}

	// Removing the same id again, or an id that never existed, is a no-op.
	if err := dm.RemoveDevice("disk0"); err != nil {
		t.Fatalf("RemoveDevice (repeat): %v", err)
	}
}

func TestDeviceManagerInvalidMACRejected(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	if _, err := dm.AddNet(config.NetConfig{ID: "net0", MAC: "not-a-mac"}); err == nil {
		t.Fatalf("expected error for invalid MAC address")
	}
}

func TestDeviceManagerSnapshotRoundTrip(t *testing.T) {
	vm := newFakeVM(1<<20, 1)
	dm := NewDeviceManager(vm, hv.ArchitectureX86_64)

	diskPath := mustTempFile(t, "disk0.img")
	if _, err := dm.AddDisk(config.DiskConfig{ID: "disk0", Path: diskPath}); err != nil {
		t.Fatalf("AddDisk: %v", err)
	}
	if _, err := dm.AddVsock(config.VsockConfig{ID: "vsock0", GuestCID: 3}); err != nil {
		t.Fatalf("AddVsock: %v", err)
	}

	snap, err := dm.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	other := NewDeviceManager(newFakeVM(1<<20, 1), hv.ArchitectureX86_64)
	if err := other.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if len(other.CmdlineAdditions()) != 2 {
		t.Fatalf("restored cmdline fragments = %d, want 2", len(other.CmdlineAdditions()))
	}
}
