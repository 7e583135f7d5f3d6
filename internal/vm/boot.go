package vm

import (
	"os"
	"strings"

	"github.com/tinyrange/vmcore/internal/hv"
	amd64boot "github.com/tinyrange/vmcore/internal/linux/boot/amd64"
	arm64boot "github.com/tinyrange/vmcore/internal/linux/boot/arm64"
)

// bootResult carries what the Boot Loader Driver produced: the guest entry
// address the CPU Manager should program into its boot vCPUs, plus anything
// the System Configurator needs afterward (the ARM device tree address).
type bootResult struct {
	Entry         hv.RegisterValue
	DeviceTreeGPA uint64
}

// openKernel opens the kernel and, if configured, initramfs files for the
// duration of the boot. Callers retain the returned closers on the VM so
// they can be released on shutdown.
func (v *VM) openKernel() (*os.File, *os.File, error) {
	kernelPath := v.configSnapshot().KernelPath
	kf, err := os.Open(kernelPath)
	if err != nil {
		return nil, nil, &KernelFileError{Path: kernelPath, Err: err}
	}

	initramfsPath := v.configSnapshot().InitramfsPath
	if initramfsPath == "" {
		return kf, nil, nil
	}
	rf, err := os.Open(initramfsPath)
	if err != nil {
		kf.Close()
		return nil, nil, &InitramfsFileError{Path: initramfsPath, Err: err}
	}
	return kf, rf, nil
}

// composeCmdline builds the kernel command line per invariant 4: the
// configured user cmdline first, then device-contributed fragments in the
// Device Manager's declaration order, space separated.
func composeCmdline(userCmdline string, deviceAdditions []string) string {
	parts := make([]string, 0, 1+len(deviceAdditions))
	if userCmdline != "" {
		parts = append(parts, userCmdline)
	}
	parts = append(parts, deviceAdditions...)
	return strings.Join(parts, " ")
}

// loadKernel runs the Boot Loader Driver: it reads the kernel and optional
// initramfs, loads them and the composed command line into guest memory via
// the architecture-specific loader, and reports the entry point the CPU
// Manager should use for its boot vCPUs.
func (v *VM) loadKernel() (*bootResult, error) {
	kf, rf, err := v.openKernel()
	if err != nil {
		return nil, err
	}
	defer func() {
		v.kernelFile = kf
		v.kernelCloser = kf
		if rf != nil {
			v.initramfsFile = rf
			v.initramfsCloser = rf
		}
	}()

	kernelInfo, err := kf.Stat()
	if err != nil {
		return nil, &KernelFileError{Path: kf.Name(), Err: err}
	}

	var initrd []byte
	if rf != nil {
		rfInfo, err := rf.Stat()
		if err != nil {
			return nil, &InitramfsFileError{Path: rf.Name(), Err: err}
		}
		initrd = make([]byte, rfInfo.Size())
		if _, err := rf.ReadAt(initrd, 0); err != nil {
			return nil, &InitramfsLoadError{Err: err}
		}
	}

	cmdline := composeCmdline(v.configSnapshot().Cmdline, v.device.CmdlineAdditions())
	if strings.IndexByte(cmdline, 0) != -1 {
		return nil, &CmdLineCStringError{}
	}

	switch v.arch {
	case hv.ArchitectureX86_64:
		return v.loadKernelAmd64(kf, kernelInfo.Size(), initrd, cmdline)
	case hv.ArchitectureARM64:
		return v.loadKernelArm64(kf, kernelInfo.Size(), initrd, cmdline)
	default:
		return nil, &KernelLoadError{Err: &ConfigValidationError{Reason: "unsupported architecture: " + string(v.arch)}}
	}
}

func (v *VM) loadKernelAmd64(kf *os.File, size int64, initrd []byte, cmdline string) (*bootResult, error) {
	image, err := amd64boot.LoadKernel(kf, size)
	if err != nil {
		return nil, &KernelLoadError{Err: err}
	}

	const maxCmdlineLen = 4095
	if len(cmdline) > maxCmdlineLen {
		return nil, &CmdLineInsertStrError{Len: len(cmdline), Max: maxCmdlineLen}
	}

	plan, err := image.Prepare(v.machine, amd64boot.BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
	})
	if err != nil {
		return nil, &LoadCmdLineError{Err: err}
	}

	v.bootPlan = plan
	return &bootResult{Entry: hv.Register64(plan.EntryGPA)}, nil
}

// configureBootVCPU programs a single vCPU's initial register state from
// whichever architecture's BootPlan the Boot Loader Driver produced.
func (v *VM) configureBootVCPU(vcpu hv.VirtualCPU) error {
	switch v.arch {
	case hv.ArchitectureX86_64:
		return v.bootPlan.ConfigureVCPU(vcpu)
	case hv.ArchitectureARM64:
		return v.arm64BootPlan.ConfigureVCPU(vcpu)
	default:
		return &ConfigValidationError{Reason: "unsupported architecture: " + string(v.arch)}
	}
}

func (v *VM) loadKernelArm64(kf *os.File, size int64, initrd []byte, cmdline string) (*bootResult, error) {
	image, err := arm64boot.LoadKernel(kf, size)
	if err != nil {
		return nil, &KernelLoadError{Err: err}
	}

	const maxCmdlineLen = 2047
	if len(cmdline) > maxCmdlineLen {
		return nil, &CmdLineInsertStrError{Len: len(cmdline), Max: maxCmdlineLen}
	}

	plan, err := image.Prepare(v.machine, arm64boot.BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
		NumCPUs: v.configSnapshot().Cpus.BootVCPUs,
	})
	if err != nil {
		return nil, &LoadCmdLineError{Err: err}
	}

	v.arm64BootPlan = plan
	return &bootResult{Entry: hv.Register64(plan.EntryGPA), DeviceTreeGPA: plan.DeviceTreeGPA}, nil
}
