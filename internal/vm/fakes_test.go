package vm

import (
	"context"
	"fmt"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
)

// fakeHypervisor is a minimal hv.Hypervisor double: the orchestrator only
// calls Architecture() during New, and NewVirtualMachine is never exercised
// here since tests construct VMs with an already-built fakeMachine.
type fakeHypervisor struct {
	arch hv.CpuArchitecture
}

func (f *fakeHypervisor) Close() error                    { return nil }
func (f *fakeHypervisor) Architecture() hv.CpuArchitecture { return f.arch }
func (f *fakeHypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	return nil, fmt.Errorf("fakeHypervisor: NewVirtualMachine not supported")
}

// fakeMachine is a minimal hv.VirtualMachine double backed by a plain byte
// slice; it records SetIRQ calls so hot-plug notification delivery can be
// asserted without a real chipset.
type fakeMachine struct {
	mem []byte

	irqEvents []irqEvent
}

type irqEvent struct {
	line  uint32
	level bool
}

func newFakeMachine(size int) *fakeMachine {
	return &fakeMachine{mem: make([]byte, size)}
}

func (f *fakeMachine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(p, f.mem[off:]), nil
}

func (f *fakeMachine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(f.mem[off:], p), nil
}

func (f *fakeMachine) Close() error                   { return nil }
func (f *fakeMachine) Hypervisor() hv.Hypervisor       { return nil }
func (f *fakeMachine) MemorySize() uint64              { return uint64(len(f.mem)) }
func (f *fakeMachine) MemoryBase() uint64              { return 0 }
func (f *fakeMachine) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }

func (f *fakeMachine) SetIRQ(line uint32, level bool) error {
	f.irqEvents = append(f.irqEvents, irqEvent{line: line, level: level})
	return nil
}

func (f *fakeMachine) VirtualCPUCall(id int, fn func(hv.VirtualCPU) error) error {
	return fmt.Errorf("fakeMachine: no vCPUs")
}

func (f *fakeMachine) AddDevice(dev hv.Device) error                          { return dev.Init(f) }
func (f *fakeMachine) AddDeviceFromTemplate(tmpl hv.DeviceTemplate) error     { return nil }
func (f *fakeMachine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, nil
}
func (f *fakeMachine) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return hv.MMIOAllocation{}, nil
}
func (f *fakeMachine) CaptureSnapshot() (hv.Snapshot, error) { return nil, nil }
func (f *fakeMachine) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ hv.VirtualMachine = &fakeMachine{}

// fakeMemoryManager is a minimal MemoryManager double. resizeRegion, when
// non-nil, is what the next successful Resize call reports.
type fakeMemoryManager struct {
	resizeRegion *NewRegion
	resizeErr    error

	balloonActual uint64
	balloonErr    error

	sgxBase, sgxSize uint64
	sgxOK            bool
}

func (m *fakeMemoryManager) GuestMemory() hv.MemoryRegion { return nil }

func (m *fakeMemoryManager) Resize(newSize uint64) (*NewRegion, error) {
	return m.resizeRegion, m.resizeErr
}

func (m *fakeMemoryManager) BalloonResize(target uint64) (uint64, error) {
	if m.balloonErr != nil {
		return 0, m.balloonErr
	}
	m.balloonActual = target
	return m.balloonActual, nil
}

func (m *fakeMemoryManager) SetupSGX(sections []config.SgxEpcSection) error { return nil }
func (m *fakeMemoryManager) SgxEpcRegion() (uint64, uint64, bool) {
	return m.sgxBase, m.sgxSize, m.sgxOK
}

func (m *fakeMemoryManager) StartOfDeviceArea() uint64 { return 0 }
func (m *fakeMemoryManager) EndOfDeviceArea() uint64   { return 0 }

func (m *fakeMemoryManager) Pause() error  { return nil }
func (m *fakeMemoryManager) Resume() error { return nil }

func (m *fakeMemoryManager) CaptureSnapshot() (hv.Snapshot, error) { return rawFakeSnapshot{}, nil }
func (m *fakeMemoryManager) RestoreSnapshot(snap hv.Snapshot) error { return nil }

func (m *fakeMemoryManager) Send(destDir string) error { return nil }

var _ MemoryManager = &fakeMemoryManager{}

// fakeDeviceManager is a minimal DeviceManager double tracking hot-plug
// notifications and memory updates so tests can assert on them directly.
type fakeDeviceManager struct {
	vsockAdded int

	hotplugNotifications []HotplugFlags
	memoryUpdates        []NewRegion

	addErr error

	// events, when non-nil, records call ordering across this fake and a
	// fakeCpuManager sharing the same slice pointer.
	events *[]string
}

func (d *fakeDeviceManager) record(name string) {
	if d.events != nil {
		*d.events = append(*d.events, name)
	}
}

func (d *fakeDeviceManager) CreateDevices() error { return nil }

func (d *fakeDeviceManager) AddDevice(cfg config.DeviceConfig) (PciDeviceInfo, error) {
	return PciDeviceInfo{ID: cfg.ID}, d.addErr
}
func (d *fakeDeviceManager) AddDisk(cfg config.DiskConfig) (PciDeviceInfo, error) {
	return PciDeviceInfo{ID: cfg.ID}, d.addErr
}
func (d *fakeDeviceManager) AddFs(cfg config.FsConfig) (PciDeviceInfo, error) {
	return PciDeviceInfo{ID: cfg.ID}, d.addErr
}
func (d *fakeDeviceManager) AddPmem(cfg config.PmemConfig) (PciDeviceInfo, error) {
	return PciDeviceInfo{ID: cfg.ID}, d.addErr
}
func (d *fakeDeviceManager) AddNet(cfg config.NetConfig) (PciDeviceInfo, error) {
	return PciDeviceInfo{ID: cfg.ID}, d.addErr
}
func (d *fakeDeviceManager) AddVsock(cfg config.VsockConfig) (PciDeviceInfo, error) {
	if d.addErr != nil {
		return PciDeviceInfo{}, d.addErr
	}
	d.vsockAdded++
	return PciDeviceInfo{ID: cfg.ID}, nil
}
func (d *fakeDeviceManager) RemoveDevice(id string) error { return nil }

func (d *fakeDeviceManager) UpdateMemory(region NewRegion) error {
	d.memoryUpdates = append(d.memoryUpdates, region)
	return nil
}
func (d *fakeDeviceManager) NotifyHotplug(flags HotplugFlags) error {
	d.hotplugNotifications = append(d.hotplugNotifications, flags)
	return nil
}

func (d *fakeDeviceManager) EnableInterruptController() error { return nil }

func (d *fakeDeviceManager) CmdlineAdditions() []string { return nil }

func (d *fakeDeviceManager) PCIWindow() (uint64, uint64)        { return 0, 0 }
func (d *fakeDeviceManager) MPIDRCompatibleDeviceInfo() []string { return nil }

func (d *fakeDeviceManager) Pause() error { return nil }
func (d *fakeDeviceManager) Resume() error {
	d.record("device.Resume")
	return nil
}

func (d *fakeDeviceManager) CaptureSnapshot() (hv.Snapshot, error) { return rawFakeSnapshot{}, nil }
func (d *fakeDeviceManager) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ DeviceManager = &fakeDeviceManager{}

// fakeCpuManager is a minimal CpuManager double.
type fakeCpuManager struct {
	bootCount int

	resizeChanged bool
	resizeErr     error

	// events, when non-nil, records call ordering across this fake and a
	// fakeDeviceManager sharing the same slice pointer.
	events *[]string
}

func (c *fakeCpuManager) CreateBootVCPUs(configure func(hv.VirtualCPU) error) error { return nil }
func (c *fakeCpuManager) StartBootVCPUs() error                                    { return nil }
func (c *fakeCpuManager) BootVCPUCount() int                                       { return c.bootCount }
func (c *fakeCpuManager) MPIDRs() []uint64                                         { return nil }

func (c *fakeCpuManager) Resize(desired int) (bool, error) {
	return c.resizeChanged, c.resizeErr
}
func (c *fakeCpuManager) Shutdown() error {
	if c.events != nil {
		*c.events = append(*c.events, "cpu.Shutdown")
	}
	return nil
}

func (c *fakeCpuManager) Pause() error  { return nil }
func (c *fakeCpuManager) Resume() error { return nil }

func (c *fakeCpuManager) CaptureSnapshot() (hv.Snapshot, error) { return rawFakeSnapshot{}, nil }
func (c *fakeCpuManager) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ CpuManager = &fakeCpuManager{}

// fakeConsole is a minimal Console double; InputEnabled defaults to false so
// tests never spawn a real signal driver.
type fakeConsole struct {
	inputEnabled bool
	cols, rows   uint16
}

func (c *fakeConsole) SetWindowSize(cols, rows uint16) { c.cols, c.rows = cols, rows }
func (c *fakeConsole) InputEnabled() bool              { return c.inputEnabled }

var _ Console = &fakeConsole{}

// rawFakeSnapshot is a placeholder hv.Snapshot payload good enough for tests
// that never inspect its content, only that one was produced.
type rawFakeSnapshot struct{}

// newTestVM assembles a VM with every collaborator faked, skipping
// CreateDevices side effects other than the fakeDeviceManager's own no-op.
func newTestVM(t interface {
	Helper()
	Fatalf(string, ...any)
}, cfg *config.VmConfig, mem *fakeMemoryManager, dev *fakeDeviceManager, cpu *fakeCpuManager) *VM {
	t.Helper()
	v, err := New(cfg, Deps{
		Hypervisor: &fakeHypervisor{arch: hv.ArchitectureX86_64},
		Machine:    newFakeMachine(1 << 20),
		Memory:     mem,
		Device:     dev,
		Cpu:        cpu,
		Console:    &fakeConsole{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}
