package managers

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vm"
)

type cpuSnapshot struct {
	Count      int      `json:"count"`
	MPIDRs     []uint64 `json:"mpidrs,omitempty"`
	RunState   int      `json:"run_state"`
}

// CpuManager owns the boot vCPUs created alongside the hypervisor VM (vCPU
// creation itself happens at hv.Hypervisor.NewVirtualMachine time via
// hv.SimpleVMConfig.CreateVCPU; this manager only configures and drives the
// vCPUs that already exist).
type CpuManager struct {
	mu sync.Mutex

	vm   hv.VirtualMachine
	arch hv.CpuArchitecture

	count int

	cancel context.CancelFunc
	done   chan struct{}
	runErr []error

	paused bool
}

func NewCpuManager(vm hv.VirtualMachine, arch hv.CpuArchitecture, count int) *CpuManager {
	return &CpuManager{vm: vm, arch: arch, count: count}
}

// CreateBootVCPUs programs every boot vCPU's initial register state via
// configure without starting execution, matching §4.4's "configure before
// start" ordering.
func (c *CpuManager) CreateBootVCPUs(configure func(hv.VirtualCPU) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := 0; id < c.count; id++ {
		err := c.vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			return configure(vcpu)
		})
		if err != nil {
			return fmt.Errorf("configure boot vCPU %d: %w", id, err)
		}
	}
	return nil
}

// StartBootVCPUs spawns one goroutine per boot vCPU, each calling the
// vCPU's own Run loop. Errors surface through Shutdown/Pause's wait on done;
// a vCPU exiting with hv.ErrVMHalted or hv.ErrGuestRequestedReboot is not
// treated as a failure.
func (c *CpuManager) StartBootVCPUs() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runErr = make([]error, c.count)

	var wg sync.WaitGroup
	wg.Add(c.count)
	for id := 0; id < c.count; id++ {
		id := id
		go func() {
			defer wg.Done()
			err := c.vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
				return vcpu.Run(ctx)
			})
			if err != nil && err != hv.ErrVMHalted && err != hv.ErrGuestRequestedReboot && err != context.Canceled {
				c.runErr[id] = err
			}
		}()
	}

	done := c.done
	go func() {
		wg.Wait()
		close(done)
	}()

	return nil
}

func (c *CpuManager) BootVCPUCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// MPIDRs reports each boot vCPU's ARM multiprocessor affinity register
// value for the ARM System Configurator's device tree; the identity
// mapping (MPIDR == vCPU id) matches how boot vCPUs are indexed elsewhere.
func (c *CpuManager) MPIDRs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arch != hv.ArchitectureARM64 {
		return nil
	}
	out := make([]uint64, c.count)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

// Resize records a new boot vCPU count. It neither creates, starts nor
// parks vCPUs, and it does not check the count against the number of vCPUs
// the hypervisor VM was constructed with.
func (c *CpuManager) Resize(desired int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if desired == c.count {
		return false, nil
	}
	if desired < 1 {
		return false, fmt.Errorf("cpu manager: desired vCPU count must be positive")
	}

	c.count = desired
	return true, nil
}

func (c *CpuManager) Shutdown() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, err := range c.runErr {
		if err != nil {
			return fmt.Errorf("vCPU %d exited with error: %w", id, err)
		}
	}
	return nil
}

func (c *CpuManager) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctrl, ok := c.vm.(hv.RunStateController); ok {
		if err := ctrl.SetState(hv.RunStatePaused); err != nil {
			return fmt.Errorf("pause vCPUs: %w", err)
		}
	}
	c.paused = true
	return nil
}

func (c *CpuManager) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctrl, ok := c.vm.(hv.RunStateController); ok {
		if err := ctrl.SetState(hv.RunStateRunning); err != nil {
			return fmt.Errorf("resume vCPUs: %w", err)
		}
	}
	c.paused = false
	return nil
}

func (c *CpuManager) CaptureSnapshot() (hv.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var state hv.RunState
	if ctrl, ok := c.vm.(hv.RunStateController); ok {
		s, err := ctrl.State()
		if err != nil {
			return nil, fmt.Errorf("capture vCPU run state: %w", err)
		}
		state = s
	}

	return cpuSnapshot{
		Count:    c.count,
		MPIDRs:   c.mpidrsLocked(),
		RunState: int(state),
	}, nil
}

func (c *CpuManager) mpidrsLocked() []uint64 {
	if c.arch != hv.ArchitectureARM64 {
		return nil
	}
	out := make([]uint64, c.count)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

func (c *CpuManager) RestoreSnapshot(snap hv.Snapshot) error {
	s, ok := snap.(cpuSnapshot)
	if !ok {
		return fmt.Errorf("cpu manager: snapshot payload has unexpected type %T", snap)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = s.Count
	return nil
}

var _ vm.CpuManager = &CpuManager{}
