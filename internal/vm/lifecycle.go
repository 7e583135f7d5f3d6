package vm

import (
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// Boot runs the boot sequence. If the VM is Paused, Boot delegates to Resume
// (a paused VM is already booted; "booting" it again just means continuing
// execution). Otherwise it performs a full boot: load the kernel, create and
// start the boot vCPUs, run the System Configurator, and arm the console
// signal handler before committing Running. This path also covers reboot,
// since Shutdown -> Running is a legal transition in its own right.
func (v *VM) Boot() error {
	if v.state.Get() == vmstate.Paused {
		return v.Resume()
	}

	from := v.state.Get()
	to := vmstate.Running

	return v.state.Transition(to, func() error {
		boot, err := v.loadKernel()
		if err != nil {
			return err
		}

		if err := v.cpu.CreateBootVCPUs(v.configureBootVCPU); err != nil {
			return &CpuManagerError{Err: err}
		}

		if err := v.memory.SetupSGX(v.configSnapshot().SgxEpc); err != nil {
			return &MemoryManagerError{Err: err}
		}

		if err := v.configureSystem(boot); err != nil {
			return err
		}

		if err := v.cpu.StartBootVCPUs(); err != nil {
			return &CpuManagerError{Err: err}
		}

		if v.console != nil && v.console.InputEnabled() {
			if err := v.startSignalDriver(); err != nil {
				return err
			}
		}

		v.log.Info("vm booted", "from", from.String())
		return nil
	})
}

// Pause suspends every vCPU, then every device, snapshotting the x86
// hypervisor clock beforehand so Resume can reinstall the exact guest time
// base. Per the no-rollback rule, a failure partway through poisons the
// state; there is no partial-pause recovery.
func (v *VM) Pause() error {
	return v.state.Transition(vmstate.Paused, func() error {
		if ctrl, ok := v.machine.(hv.ClockController); ok {
			clock, err := ctrl.GetClock()
			if err != nil {
				return &CpuManagerError{Err: err}
			}
			v.savedClock = &clock
		}

		if err := v.cpu.Pause(); err != nil {
			return &CpuManagerError{Err: err}
		}
		if err := v.device.Pause(); err != nil {
			return &DeviceManagerError{Err: err}
		}
		if err := v.memory.Pause(); err != nil {
			return &MemoryManagerError{Err: err}
		}

		v.log.Info("vm paused")
		return nil
	})
}

// Resume is the symmetric inverse of Pause: devices and memory resume first,
// the clock is reinstalled, then vCPUs resume, and the state commits to
// Running.
func (v *VM) Resume() error {
	return v.state.Transition(vmstate.Running, func() error {
		if err := v.memory.Resume(); err != nil {
			return &MemoryManagerError{Err: err}
		}
		if err := v.device.Resume(); err != nil {
			return &DeviceManagerError{Err: err}
		}

		if v.savedClock != nil {
			if ctrl, ok := v.machine.(hv.ClockController); ok {
				if err := ctrl.SetClock(*v.savedClock); err != nil {
					return &CpuManagerError{Err: err}
				}
			}
			v.savedClock = nil
		}

		if err := v.cpu.Resume(); err != nil {
			return &CpuManagerError{Err: err}
		}

		v.log.Info("vm resumed")
		return nil
	})
}

// Shutdown tears the VM down. The ordering matters: canonical terminal mode
// is restored and the signal iterator closed first, then — before the CPU
// Manager is told to shut down — the Device Manager is resumed. A paused
// device's worker threads never observe a shutdown request, so devices must
// be running for their own teardown paths to run; this is intentional, not
// an oversight.
func (v *VM) Shutdown() error {
	return v.state.Transition(vmstate.Shutdown, func() error {
		if err := v.stopSignalDriver(); err != nil {
			return &SetTerminalCanonError{Err: err}
		}

		if err := v.device.Resume(); err != nil {
			return &DeviceManagerError{Err: err}
		}

		if err := v.cpu.Shutdown(); err != nil {
			return &CpuManagerError{Err: err}
		}

		if v.kernelCloser != nil {
			v.kernelCloser.Close()
		}
		if v.initramfsCloser != nil {
			v.initramfsCloser.Close()
		}

		v.log.Info("vm shut down")
		return nil
	})
}
