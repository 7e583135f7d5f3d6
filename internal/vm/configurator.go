package vm

import (
	"github.com/tinyrange/vmcore/internal/acpi"
	"github.com/tinyrange/vmcore/internal/hv"
)

// configureSystem runs the System Configurator step of the boot sequence:
// on x86_64 it installs the ACPI table set (including an SGX EPC entry when
// the Memory Manager reserved one); on ARM64 the device tree was already
// placed into guest memory by the Boot Loader Driver, so this step only
// asks the Device Manager to enable its interrupt controller.
func (v *VM) configureSystem(boot *bootResult) error {
	switch v.arch {
	case hv.ArchitectureX86_64:
		if err := v.installACPI(); err != nil {
			return err
		}
	case hv.ArchitectureARM64:
		// Device tree placement already happened during kernel load; nothing
		// further to configure here beyond the interrupt controller below.
	}

	if err := v.device.EnableInterruptController(); err != nil {
		return &DeviceManagerError{Err: err}
	}
	return nil
}

func (v *VM) installACPI() error {
	cfg := acpi.Config{
		NumCPUs: v.cpu.BootVCPUCount(),
	}

	if pciStart, pciSize := v.device.PCIWindow(); pciSize != 0 {
		cfg.VirtioDevices = append(cfg.VirtioDevices, acpi.VirtioMMIODevice{
			Name:     "VIO0",
			BaseAddr: pciStart,
			Size:     pciSize,
		})
	}

	if base, size, ok := v.memory.SgxEpcRegion(); ok {
		cfg.SGXEpc = &acpi.SGXEpcConfig{Base: base, Size: size}
	}

	if err := acpi.Install(v.machine, cfg); err != nil {
		return &MemOverflowError{Reason: err.Error()}
	}
	return nil
}
