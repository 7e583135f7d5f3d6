package vm

import (
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// ResizeRequest describes a single resize call's independent arms. A zero
// value for any field means "leave that dimension unchanged".
type ResizeRequest struct {
	DesiredVCPUs  int
	DesiredMemory uint64
	BalloonTarget uint64
	hasBalloon    bool
}

// WithBalloon sets the balloon arm explicitly, distinguishing "resize the
// balloon to 0" from "don't touch the balloon".
func (r ResizeRequest) WithBalloon(target uint64) ResizeRequest {
	r.BalloonTarget = target
	r.hasBalloon = true
	return r
}

// Resize runs the Resize Coordinator. Each arm (vCPU count, memory size,
// balloon target) is independent: a caller may drive just one. VmConfig is
// mirrored unconditionally at the end regardless of whether any live resize
// actually changed guest-visible topology; CPU_DEVICES_CHANGED and
// MEMORY_DEVICES_CHANGED notifications are sent only when the corresponding
// arm reports an actual change.
func (v *VM) Resize(req ResizeRequest) error {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return err
	}

	var flags HotplugFlags
	var actualBalloon uint64
	var balloonChanged bool

	if req.DesiredVCPUs != 0 {
		changed, err := v.cpu.Resize(req.DesiredVCPUs)
		if err != nil {
			return &CpuManagerError{Err: err}
		}
		if changed {
			flags |= CPUDevicesChanged
		}
	}

	if req.DesiredMemory != 0 {
		region, err := v.memory.Resize(req.DesiredMemory)
		if err != nil {
			return &MemoryManagerError{Err: err}
		}
		if region != nil {
			if err := v.device.UpdateMemory(*region); err != nil {
				return &DeviceManagerError{Err: err}
			}
			flags |= MemoryDevicesChanged
		}
	}

	if req.hasBalloon {
		actual, err := v.memory.BalloonResize(req.BalloonTarget)
		if err != nil {
			return &MemoryManagerError{Err: err}
		}
		actualBalloon = actual
		balloonChanged = true
	}

	v.withConfig(func(c *config.VmConfig) {
		if req.DesiredVCPUs != 0 {
			c.Cpus.BootVCPUs = req.DesiredVCPUs
		}
		if req.DesiredMemory != 0 {
			c.Memory.SizeBytes = req.DesiredMemory
		}
		if balloonChanged {
			// The balloon's actual size, not necessarily the requested
			// target, is recorded: ballooning can be partially satisfied by
			// the guest driver, and callers are expected to compare
			// BalloonSize against what they asked for.
			c.Memory.BalloonSize = actualBalloon
		}
	})

	if flags != 0 {
		if err := v.device.NotifyHotplug(flags); err != nil {
			return &DeviceManagerError{Err: err}
		}
	}

	v.log.Info("vm resized", "flags", flags)
	return nil
}

// UpdateNuma replaces the NUMA node topology in VmConfig after validating it.
func (v *VM) UpdateNuma(nodes []config.NumaNode) error {
	var err error
	v.withConfig(func(c *config.VmConfig) {
		err = c.UpdateNuma(nodes)
	})
	return err
}
