// Package vm implements the VM Orchestrator: the state machine and driver
// logic that assembles a guest virtual machine from configuration, loads its
// kernel, coordinates the CPU/Memory/Device Manager collaborators through
// boot, pause/resume, shutdown, hot-plug, resize and snapshot/restore.
package vm

import (
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
	amd64boot "github.com/tinyrange/vmcore/internal/linux/boot/amd64"
	arm64boot "github.com/tinyrange/vmcore/internal/linux/boot/arm64"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// lockedConfig pairs the shared VmConfig with the mutex-ordering contract in
// §5: state, then config, then memory, then devices, then cpus. The
// orchestrator never holds more than one of these at a time except via this
// fixed order.
type lockedConfig struct {
	mu  sync.Mutex
	cfg *config.VmConfig
}

// VM is the orchestrator. It owns the lifecycle state, the kernel/initramfs
// file handles, and references to the three subsystem collaborators. Every
// exported method is safe for concurrent external callers in the sense that
// the lock order below is respected; the orchestrator itself is not
// reentrant, matching §5's "callers on a control plane serialize external
// requests".
type VM struct {
	log *slog.Logger

	state *vmstate.State

	config *lockedConfig

	hypervisor hv.Hypervisor
	machine    hv.VirtualMachine

	memory MemoryManager
	device DeviceManager
	cpu    CpuManager

	console Console

	kernelFile    io.ReaderAt
	kernelCloser  io.Closer
	initramfsFile io.ReaderAt
	initramfsCloser io.Closer

	savedClock *hv.ClockState

	signal *signalDriver

	arch hv.CpuArchitecture

	bootPlan      *amd64boot.BootPlan
	arm64BootPlan *arm64boot.BootPlan
}

// Deps bundles the external collaborators New assembles a VM from. Memory,
// Device, and CPU Manager construction order follows §2's data flow:
// Memory Manager first (so the Device Manager can read guest memory),
// then Device Manager, then CPU Manager (reads devices and memory).
type Deps struct {
	Hypervisor hv.Hypervisor
	Machine    hv.VirtualMachine
	Memory     MemoryManager
	Device     DeviceManager
	Cpu        CpuManager
	Console    Console
	Logger     *slog.Logger
}

// New constructs a VM Orchestrator in the Created state. It does not load a
// kernel or start any vCPU; call Boot for that.
func New(cfg *config.VmConfig, deps Deps) (*VM, error) {
	if cfg == nil {
		return nil, &ConfigValidationError{Reason: "nil VmConfig"}
	}
	if deps.Hypervisor == nil || deps.Machine == nil || deps.Memory == nil || deps.Device == nil || deps.Cpu == nil {
		return nil, &ConfigValidationError{Reason: "missing required collaborator"}
	}
	cfg.Normalize()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &VM{
		log:        logger,
		state:      vmstate.New(),
		config:     &lockedConfig{cfg: cfg},
		hypervisor: deps.Hypervisor,
		machine:    deps.Machine,
		memory:     deps.Memory,
		device:     deps.Device,
		cpu:        deps.Cpu,
		console:    deps.Console,
		arch:       deps.Hypervisor.Architecture(),
	}

	if err := v.device.CreateDevices(); err != nil {
		return nil, &DeviceManagerError{Err: err}
	}

	v.log.Info("vm orchestrator created", slog.String("arch", string(v.arch)))
	return v, nil
}

// NewFromSnapshot is the pre-restore construction path described in §4.10:
// it builds a fresh hypervisor VM, replays the saved hypervisor VM state,
// reconstructs the Memory Manager from its own snapshot (recovering guest
// memory content from sourceURL), then runs normal orchestrator
// construction. The returned VM is in the Created state; call Restore next.
func NewFromSnapshot(manifest *Manifest, sourceURL string, prefault bool, deps Deps) (*VM, error) {
	if manifest == nil {
		return nil, &RestoreError{Reason: "nil manifest"}
	}

	cfg := manifest.Data.Config
	v, err := New(&cfg, deps)
	if err != nil {
		return nil, err
	}

	memChild, ok := manifest.Child("memory-manager")
	if !ok {
		return nil, &RestoreError{Reason: "manifest missing memory-manager child"}
	}
	if err := v.memory.RestoreSnapshot(memChild); err != nil {
		return nil, &RestoreError{Reason: "memory manager restore", Err: err}
	}

	if manifest.Data.HypervisorVMState != nil {
		if ctrl, ok := v.machine.(hv.RunStateController); ok {
			if err := ctrl.SetState(hv.RunStateCreated); err != nil {
				return nil, &RestoreError{Reason: "replay hypervisor vm state", Err: err}
			}
		}
	}

	v.log.Info("vm reconstructed from snapshot", slog.String("source", sourceURL), slog.Bool("prefault", prefault))
	return v, nil
}

// State returns the current lifecycle state.
func (v *VM) State() vmstate.VmState {
	return v.state.Get()
}

func (v *VM) withConfig(fn func(*config.VmConfig)) {
	v.config.mu.Lock()
	defer v.config.mu.Unlock()
	fn(v.config.cfg)
}

func (v *VM) configSnapshot() config.VmConfig {
	v.config.mu.Lock()
	defer v.config.mu.Unlock()
	return v.config.cfg.Snapshot()
}
