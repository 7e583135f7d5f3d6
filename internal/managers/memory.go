// Package managers provides concrete CpuManager, MemoryManager and
// DeviceManager implementations binding the hypervisor abstraction layer and
// the kept device models to the orchestrator's collaborator interfaces.
package managers

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vm"
)

// vmMemoryRegion adapts hv.VirtualMachine (io.ReaderAt/WriterAt plus
// MemorySize) to the narrower hv.MemoryRegion interface the Memory Manager
// contract exposes to the rest of the orchestrator.
type vmMemoryRegion struct {
	vm hv.VirtualMachine
}

func (r vmMemoryRegion) ReadAt(p []byte, off int64) (int, error)  { return r.vm.ReadAt(p, off) }
func (r vmMemoryRegion) WriteAt(p []byte, off int64) (int, error) { return r.vm.WriteAt(p, off) }
func (r vmMemoryRegion) Size() uint64                             { return r.vm.MemorySize() }

// memorySnapshot is the opaque payload MemoryManager.CaptureSnapshot
// produces and RestoreSnapshot consumes.
type memorySnapshot struct {
	SizeBytes     uint64                 `json:"size_bytes"`
	BalloonActual uint64                 `json:"balloon_actual"`
	NumaNodes     []config.NumaNode      `json:"numa_nodes,omitempty"`
	SgxSections   []config.SgxEpcSection `json:"sgx_sections,omitempty"`
}

// MemoryManager owns guest physical memory layout bookkeeping: the
// allocator tracking where the next MMIO/hot-plugged region can be placed,
// NUMA topology, SGX EPC reservation, and the balloon's reported size.
type MemoryManager struct {
	mu sync.Mutex

	vm    hv.VirtualMachine
	space *hv.AddressSpace

	numaNodes []config.NumaNode
	sgx       []config.SgxEpcSection
	sgxBase   uint64
	sgxSize   uint64

	balloonActual uint64

	paused bool
}

// New constructs a Memory Manager for a freshly created VM. The allocator
// takes the guest RAM region from vm.MemoryBase and vm.MemorySize.
func New(vm hv.VirtualMachine, arch hv.CpuArchitecture) *MemoryManager {
	return &MemoryManager{
		vm:    vm,
		space: hv.NewAddressSpace(arch, vm.MemoryBase(), vm.MemorySize()),
	}
}

func (m *MemoryManager) GuestMemory() hv.MemoryRegion {
	return vmMemoryRegion{vm: m.vm}
}

// Resize grows guest RAM by allocating a new region above the existing
// layout. This implementation only supports growth, matching the
// virtio-mem/ACPI hot-plug model of adding memory, never shrinking it
// in place.
func (m *MemoryManager) Resize(newSize uint64) (*vm.NewRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return nil, fmt.Errorf("memory manager: cannot resize while paused")
	}

	current := m.vm.MemorySize()
	if newSize <= current {
		return nil, nil
	}

	grow := newSize - current
	region, err := m.space.Allocate(hv.MMIOAllocationRequest{Name: "memory-hotplug", Size: grow})
	if err != nil {
		return nil, fmt.Errorf("allocate hot-plugged memory region: %w", err)
	}

	if _, err := m.vm.AllocateMemory(region.Base, region.Size); err != nil {
		return nil, fmt.Errorf("map hot-plugged memory: %w", err)
	}

	return &vm.NewRegion{Base: region.Base, Size: region.Size}, nil
}

func (m *MemoryManager) BalloonResize(target uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return 0, fmt.Errorf("memory manager: cannot balloon-resize while paused")
	}
	// The actual size a balloon reaches depends on the guest driver's own
	// inflate/deflate progress; absent a live guest to query, the requested
	// target is recorded as achieved. Concrete hypervisor balloon backends
	// should replace this with the driver-reported actual size.
	m.balloonActual = target
	return m.balloonActual, nil
}

func (m *MemoryManager) SetupSGX(sections []config.SgxEpcSection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sections) == 0 {
		return nil
	}
	base := sections[0].Start
	var size uint64
	for _, s := range sections {
		size += s.Size
	}
	m.sgx = append([]config.SgxEpcSection(nil), sections...)
	m.sgxBase, m.sgxSize = base, size
	return nil
}

func (m *MemoryManager) SgxEpcRegion() (base, size uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sgxBase, m.sgxSize, m.sgxSize != 0
}

func (m *MemoryManager) StartOfDeviceArea() uint64 {
	return m.space.RAMEnd()
}

func (m *MemoryManager) EndOfDeviceArea() uint64 {
	regions := m.space.Allocations()
	end := m.space.RAMEnd()
	for _, r := range regions {
		if r.Base+r.Size > end {
			end = r.Base + r.Size
		}
	}
	return end
}

func (m *MemoryManager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

func (m *MemoryManager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	return nil
}

func (m *MemoryManager) CaptureSnapshot() (hv.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memorySnapshot{
		SizeBytes:     m.vm.MemorySize(),
		BalloonActual: m.balloonActual,
		NumaNodes:     append([]config.NumaNode(nil), m.numaNodes...),
		SgxSections:   append([]config.SgxEpcSection(nil), m.sgx...),
	}, nil
}

func (m *MemoryManager) RestoreSnapshot(snap hv.Snapshot) error {
	s, ok := snap.(memorySnapshot)
	if !ok {
		return fmt.Errorf("memory manager: snapshot payload has unexpected type %T", snap)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balloonActual = s.BalloonActual
	m.numaNodes = s.NumaNodes
	m.sgx = s.SgxSections
	return nil
}

// Send persists guest RAM content into destDir, alongside the manifest
// the snapshot transport already wrote there.
func (m *MemoryManager) Send(destDir string) error {
	return writeMemoryImage(destDir, m.vm)
}

var _ vm.MemoryManager = &MemoryManager{}
