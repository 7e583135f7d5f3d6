package vm

import (
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/vmstate"
)

// requirePciSupport gates every hot-plug operation behind the configured
// PCI feature flag, including remove_device.
func (v *VM) requirePciSupport(op string) error {
	v.config.mu.Lock()
	ok := v.config.cfg.HasPciSupport()
	v.config.mu.Unlock()
	if !ok {
		return &NoPciSupportError{Operation: op}
	}
	return nil
}

// AddDevice hot-plugs a passthrough device. On success the device's config
// entry is mirrored into VmConfig and a PCI_DEVICES_CHANGED notification is
// sent to the guest.
func (v *VM) AddDevice(cfg config.DeviceConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_device"); err != nil {
		return PciDeviceInfo{}, err
	}

	info, err := v.device.AddDevice(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Devices = append(c.Devices, cfg)
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// AddDisk hot-plugs a virtio-blk disk.
func (v *VM) AddDisk(cfg config.DiskConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_disk"); err != nil {
		return PciDeviceInfo{}, err
	}

	info, err := v.device.AddDisk(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Disks = append(c.Disks, cfg)
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// AddFs hot-plugs a virtio-fs share.
func (v *VM) AddFs(cfg config.FsConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_fs"); err != nil {
		return PciDeviceInfo{}, err
	}

	info, err := v.device.AddFs(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Fs = append(c.Fs, cfg)
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// AddPmem hot-plugs a persistent memory backed device.
func (v *VM) AddPmem(cfg config.PmemConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_pmem"); err != nil {
		return PciDeviceInfo{}, err
	}

	info, err := v.device.AddPmem(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Pmem = append(c.Pmem, cfg)
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// AddNet hot-plugs a virtio-net device.
func (v *VM) AddNet(cfg config.NetConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_net"); err != nil {
		return PciDeviceInfo{}, err
	}

	info, err := v.device.AddNet(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Net = append(c.Net, cfg)
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// AddVsock hot-plugs the (single, unique) vsock device. A second call fails
// with TooManyVsockDevicesError before the Device Manager is ever consulted.
func (v *VM) AddVsock(cfg config.VsockConfig) (PciDeviceInfo, error) {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return PciDeviceInfo{}, err
	}
	if err := v.requirePciSupport("add_vsock"); err != nil {
		return PciDeviceInfo{}, err
	}

	if v.configSnapshot().Vsock != nil {
		return PciDeviceInfo{}, &TooManyVsockDevicesError{}
	}

	info, err := v.device.AddVsock(cfg)
	if err != nil {
		return PciDeviceInfo{}, &DeviceManagerError{Err: err}
	}

	cfgCopy := cfg
	v.withConfig(func(c *config.VmConfig) {
		c.Vsock = &cfgCopy
	})

	if err := v.device.NotifyHotplug(PCIDevicesChanged); err != nil {
		return info, &DeviceManagerError{Err: err}
	}
	return info, nil
}

// RemoveDevice scrubs id from every device sequence in VmConfig. A missing
// id is not an error: remove_device is idempotent from the caller's point of
// view, matching the no-op outcome the Rust VMM reports for it.
func (v *VM) RemoveDevice(id string) error {
	if err := v.state.RequireOneOf(vmstate.Running, vmstate.Paused); err != nil {
		return err
	}
	if err := v.requirePciSupport("remove_device"); err != nil {
		return err
	}

	if err := v.device.RemoveDevice(id); err != nil {
		return &DeviceManagerError{Err: err}
	}

	v.withConfig(func(c *config.VmConfig) {
		c.Devices = removeByID(c.Devices, id, func(d config.DeviceConfig) string { return d.ID })
		c.Disks = removeByID(c.Disks, id, func(d config.DiskConfig) string { return d.ID })
		c.Fs = removeByID(c.Fs, id, func(d config.FsConfig) string { return d.ID })
		c.Pmem = removeByID(c.Pmem, id, func(d config.PmemConfig) string { return d.ID })
		c.Net = removeByID(c.Net, id, func(d config.NetConfig) string { return d.ID })
		if c.Vsock != nil && c.Vsock.ID == id {
			c.Vsock = nil
		}
	})

	return v.device.NotifyHotplug(PCIDevicesChanged)
}

func removeByID[T any](items []T, id string, idOf func(T) string) []T {
	out := items[:0]
	for _, item := range items {
		if idOf(item) != id {
			out = append(out, item)
		}
	}
	return out
}
