package vm

import (
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
)

// HotplugFlags is a bitmask of the notifications the Device Manager can be
// asked to deliver to the guest after a resize or hot-plug mutation.
type HotplugFlags uint32

const (
	CPUDevicesChanged HotplugFlags = 1 << iota
	MemoryDevicesChanged
	PCIDevicesChanged
)

// NewRegion describes a freshly allocated guest memory region, returned by
// MemoryManager.Resize when growth required mapping new host memory.
type NewRegion struct {
	Base uint64
	Size uint64
}

// PciDeviceInfo is returned by a successful Device Manager add_* call and
// surfaced back to the hot-plug coordinator's caller.
type PciDeviceInfo struct {
	ID   string
	Bus  uint8
	Slot uint8
}

// MemoryManager is the collaborator owning guest physical memory layout,
// NUMA bookkeeping, and SGX EPC reservation. Concrete implementations live
// outside this package (see internal/managers); the orchestrator only
// depends on this interface.
type MemoryManager interface {
	GuestMemory() hv.MemoryRegion

	Resize(newSize uint64) (*NewRegion, error)
	BalloonResize(target uint64) (actual uint64, err error)

	SetupSGX(sections []config.SgxEpcSection) error
	SgxEpcRegion() (base, size uint64, ok bool)

	StartOfDeviceArea() uint64
	EndOfDeviceArea() uint64

	Pause() error
	Resume() error

	CaptureSnapshot() (hv.Snapshot, error)
	RestoreSnapshot(snap hv.Snapshot) error

	// Send persists the memory manager's guest-memory content beside the
	// manifest written by the snapshot transport (file:// only today).
	Send(destDir string) error
}

// DeviceManager is the collaborator owning bus topology, virtio/MMIO/PCI
// devices, the interrupt controller, and the console.
type DeviceManager interface {
	CreateDevices() error

	AddDevice(cfg config.DeviceConfig) (PciDeviceInfo, error)
	AddDisk(cfg config.DiskConfig) (PciDeviceInfo, error)
	AddFs(cfg config.FsConfig) (PciDeviceInfo, error)
	AddPmem(cfg config.PmemConfig) (PciDeviceInfo, error)
	AddNet(cfg config.NetConfig) (PciDeviceInfo, error)
	AddVsock(cfg config.VsockConfig) (PciDeviceInfo, error)
	RemoveDevice(id string) error

	UpdateMemory(region NewRegion) error
	NotifyHotplug(flags HotplugFlags) error

	EnableInterruptController() error

	// CmdlineAdditions returns the device-contributed kernel command line
	// fragments, in device declaration order, per §3 invariant 4.
	CmdlineAdditions() []string

	// DeviceTreeInfo supplies the ARM System Configurator with the window
	// device nodes need; x86 implementations may return zero values.
	PCIWindow() (start, size uint64)
	MPIDRCompatibleDeviceInfo() []string

	Pause() error
	Resume() error

	CaptureSnapshot() (hv.Snapshot, error)
	RestoreSnapshot(snap hv.Snapshot) error
}

// CpuManager is the collaborator owning vCPU threads and register state.
type CpuManager interface {
	// CreateBootVCPUs programs each boot vCPU's initial register state via
	// configure (built by the Boot Loader Driver from its architecture
	// BootPlan) without starting execution.
	CreateBootVCPUs(configure func(hv.VirtualCPU) error) error
	StartBootVCPUs() error
	BootVCPUCount() int

	// MPIDRs returns the ARM multiprocessor affinity register values for
	// each created vCPU, used by the ARM System Configurator's device tree.
	MPIDRs() []uint64

	Resize(desired int) (changed bool, err error)
	Shutdown() error

	Pause() error
	Resume() error

	CaptureSnapshot() (hv.Snapshot, error)
	RestoreSnapshot(snap hv.Snapshot) error
}

// Console is the collaborator receiving terminal window-size updates from
// the signal driver.
type Console interface {
	SetWindowSize(cols, rows uint16)
	InputEnabled() bool
}
