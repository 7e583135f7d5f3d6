package managers

import (
	"context"
	"fmt"

	"github.com/tinyrange/vmcore/internal/hv"
)

// fakeVM is a minimal hv.VirtualMachine for manager tests. It records
// installed devices and tracks run state so CpuManager's pause/resume path
// can be exercised without a real hypervisor backend.
type fakeVM struct {
	mem  []byte
	base uint64

	devices  []hv.Device
	runState hv.RunState

	vcpus []*fakeVCPU

	irqEvents []irqEvent
}

type irqEvent struct {
	line  uint32
	level bool
}

func newFakeVM(memSize int, numVCPUs int) *fakeVM {
	vm := &fakeVM{
		mem:      make([]byte, memSize),
		runState: hv.RunStateCreated,
	}
	for i := 0; i < numVCPUs; i++ {
		vm.vcpus = append(vm.vcpus, &fakeVCPU{id: i, vm: vm})
	}
	return vm
}

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(f.base))
	if idx < 0 || idx >= len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	n := copy(p, f.mem[idx:])
	return n, nil
}

func (f *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(f.base))
	if idx < 0 || idx >= len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(f.mem[idx:], p), nil
}

func (f *fakeVM) Close() error { return nil }

func (f *fakeVM) Hypervisor() hv.Hypervisor { return nil }

func (f *fakeVM) MemorySize() uint64 { return uint64(len(f.mem)) }
func (f *fakeVM) MemoryBase() uint64 { return f.base }

func (f *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error { return nil }

func (f *fakeVM) SetIRQ(irqLine uint32, level bool) error {
	f.irqEvents = append(f.irqEvents, irqEvent{line: irqLine, level: level})
	return nil
}

func (f *fakeVM) VirtualCPUCall(id int, fn func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(f.vcpus) {
		return fmt.Errorf("vCPU %d out of range", id)
	}
	return fn(f.vcpus[id])
}

func (f *fakeVM) AddDevice(dev hv.Device) error {
	f.devices = append(f.devices, dev)
	return dev.Init(f)
}

func (f *fakeVM) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	dev, err := template.Create(f)
	if err != nil {
		return err
	}
	return f.AddDevice(dev)
}

func (f *fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeVM) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return hv.MMIOAllocation{Name: req.Name, Base: 0x40000000, Size: req.Size}, nil
}

func (f *fakeVM) CaptureSnapshot() (hv.Snapshot, error) { return nil, nil }

func (f *fakeVM) RestoreSnapshot(snap hv.Snapshot) error { return nil }

func (f *fakeVM) State() (hv.RunState, error) { return f.runState, nil }

func (f *fakeVM) SetState(state hv.RunState) error {
	f.runState = state
	return nil
}

var (
	_ hv.VirtualMachine     = &fakeVM{}
	_ hv.RunStateController = &fakeVM{}
)

type fakeVCPU struct {
	id  int
	vm  *fakeVM
	regs map[hv.Register]hv.RegisterValue
}

func (v *fakeVCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *fakeVCPU) ID() int                           { return v.id }

func (v *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if v.regs == nil {
		v.regs = make(map[hv.Register]hv.RegisterValue)
	}
	for reg, val := range regs {
		v.regs[reg] = val
	}
	return nil
}

func (v *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		regs[reg] = v.regs[reg]
	}
	return nil
}

func (v *fakeVCPU) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ hv.VirtualCPU = &fakeVCPU{}
