package managers

import (
	"fmt"
	"os"
	"sync"

	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/devices/amd64/chipset"
	"github.com/tinyrange/vmcore/internal/devices/virtio"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/vm"
)

type deviceRecord struct {
	id       string
	cfg      any
	cmdline  []string
	template virtio.VirtioMMIODevice
}

type deviceManagerSnapshot struct {
	Devices []config.DeviceConfig `json:"devices,omitempty"`
	Disks   []config.DiskConfig   `json:"disks,omitempty"`
	Fs      []config.FsConfig     `json:"fs,omitempty"`
	Pmem    []config.PmemConfig   `json:"pmem,omitempty"`
	Net     []config.NetConfig    `json:"net,omitempty"`
	Vsock   *config.VsockConfig   `json:"vsock,omitempty"`
}

// DeviceManager owns bus topology: the virtio-mmio devices hot-plugged and
// removed over the VM's life, the x86 legacy chipset (PIC/PIT/CMOS/IOAPIC),
// and the bookkeeping the Boot Loader Driver and System Configurator need
// (command line fragments, PCI hole placement).
type DeviceManager struct {
	mu sync.Mutex

	vm   hv.VirtualMachine
	arch hv.CpuArchitecture

	records map[string]*deviceRecord
	order   []string

	pic  *chipset.DualPIC
	pit  *chipset.PIT
	cmos *chipset.CMOS
	pm   *chipset.PM

	memRegions []vm.NewRegion

	paused bool
}

func NewDeviceManager(vmachine hv.VirtualMachine, arch hv.CpuArchitecture) *DeviceManager {
	return &DeviceManager{
		vm:      vmachine,
		arch:    arch,
		records: make(map[string]*deviceRecord),
	}
}

// sciIRQLine is the ACPI SCI interrupt line baked into the FADT (§4.3);
// hot-plug notifications are delivered to the guest on this line.
const sciIRQLine uint8 = 9

// CreateDevices installs the always-present platform devices: the x86
// legacy interrupt/timer chipset plus the ACPI power-management block, or
// nothing extra on ARM (the GIC and UART are wired by the boot plan and
// console respectively).
func (d *DeviceManager) CreateDevices() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.arch != hv.ArchitectureX86_64 {
		return nil
	}

	toGuest := chipset.IRQLineFunc(func(line uint8, level bool) {
		d.vm.SetIRQ(uint32(line), level)
	})

	d.pic = chipset.NewDualPIC()
	if err := d.vm.AddDevice(d.pic); err != nil {
		return fmt.Errorf("install PIC: %w", err)
	}

	d.pit = chipset.NewPIT(toGuest)
	if err := d.vm.AddDevice(d.pit); err != nil {
		return fmt.Errorf("install PIT: %w", err)
	}

	d.cmos = chipset.NewCMOS(toGuest)
	if err := d.vm.AddDevice(d.cmos); err != nil {
		return fmt.Errorf("install CMOS: %w", err)
	}

	sci := chipset.LineInterruptFromFunc(func(level bool) {
		d.vm.SetIRQ(uint32(sciIRQLine), level)
	})
	d.pm = chipset.NewPM(sci)
	if err := d.vm.AddDevice(d.pm); err != nil {
		return fmt.Errorf("install PM: %w", err)
	}

	return nil
}

func (d *DeviceManager) attach(id string, cfg any, template virtio.VirtioMMIODevice, dev hv.DeviceTemplate) (vm.PciDeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.records[id]; exists {
		return vm.PciDeviceInfo{}, fmt.Errorf("device id %q already in use", id)
	}

	if err := d.vm.AddDeviceFromTemplate(dev); err != nil {
		return vm.PciDeviceInfo{}, err
	}

	cmdline, err := template.GetLinuxCommandLineParam()
	if err != nil {
		return vm.PciDeviceInfo{}, fmt.Errorf("device %q: command line: %w", id, err)
	}

	slot := len(d.order)
	d.records[id] = &deviceRecord{id: id, cfg: cfg, cmdline: cmdline, template: template}
	d.order = append(d.order, id)

	return vm.PciDeviceInfo{ID: id, Bus: 0, Slot: uint8(slot)}, nil
}

func (d *DeviceManager) AddDevice(cfg config.DeviceConfig) (vm.PciDeviceInfo, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return vm.PciDeviceInfo{}, fmt.Errorf("open device backing file: %w", err)
	}
	tmpl := virtio.NewBlkTemplate(f, false)
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

func (d *DeviceManager) AddDisk(cfg config.DiskConfig) (vm.PciDeviceInfo, error) {
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(cfg.Path, flags, 0)
	if err != nil {
		return vm.PciDeviceInfo{}, fmt.Errorf("open disk backing file: %w", err)
	}
	tmpl := virtio.NewBlkTemplate(f, cfg.ReadOnly)
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

func (d *DeviceManager) AddFs(cfg config.FsConfig) (vm.PciDeviceInfo, error) {
	tmpl := virtio.FSTemplate{Tag: cfg.Tag, Arch: d.arch}
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

// AddPmem attaches a persistent-memory backed region as a read-write
// virtio-blk device; this module does not implement a separate virtio-pmem
// device model, so pmem is served the same way a disk is.
func (d *DeviceManager) AddPmem(cfg config.PmemConfig) (vm.PciDeviceInfo, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return vm.PciDeviceInfo{}, fmt.Errorf("open pmem backing file: %w", err)
	}
	tmpl := virtio.NewBlkTemplate(f, false)
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

func (d *DeviceManager) AddNet(cfg config.NetConfig) (vm.PciDeviceInfo, error) {
	var mac []byte
	if cfg.MAC != "" {
		parsed, err := parseMAC(cfg.MAC)
		if err != nil {
			return vm.PciDeviceInfo{}, err
		}
		mac = parsed
	}
	tmpl := virtio.NetTemplate{MAC: mac, Arch: d.arch}
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

func (d *DeviceManager) AddVsock(cfg config.VsockConfig) (vm.PciDeviceInfo, error) {
	backend := virtio.NewSimpleVsockBackend()
	tmpl := virtio.NewVsockTemplate(cfg.GuestCID, backend)
	return d.attach(cfg.ID, cfg, tmpl, tmpl)
}

func (d *DeviceManager) RemoveDevice(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.records[id]; !ok {
		return nil
	}
	delete(d.records, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateMemory records a freshly allocated guest memory region. Devices in
// this tree address guest memory directly through the hypervisor's
// ReaderAt/WriterAt rather than through a separate IOMMU/DMA window, so a
// grown region needs no per-device remap step; the record is what lets
// MemoryRegions report the DMA-relevant extent a caller asked the Device
// Manager to account for.
func (d *DeviceManager) UpdateMemory(region vm.NewRegion) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memRegions = append(d.memRegions, region)
	return nil
}

// MemoryRegions returns every region UpdateMemory has recorded, in order.
func (d *DeviceManager) MemoryRegions() []vm.NewRegion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]vm.NewRegion, len(d.memRegions))
	copy(out, d.memRegions)
	return out
}

// NotifyHotplug delivers a hot-plug notification to the guest by raising the
// ACPI SCI through the power-management block installed in CreateDevices.
// On ARM64 (no pm) or before CreateDevices has run, this is a no-op: nothing
// in this tree models GPE-driven hot-plug outside x86 ACPI.
func (d *DeviceManager) NotifyHotplug(flags vm.HotplugFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags == 0 || d.pm == nil {
		return nil
	}
	d.pm.RaiseHotplugEvent()
	return nil
}

// EnableInterruptController asks the hypervisor backend to switch on
// whatever in-kernel interrupt routing it supports: split IRQ chip mode on
// x86, or confirming the ARM64 vGIC is present. Neither capability is
// mandatory on every backend, so absence isn't an error on either arch.
func (d *DeviceManager) EnableInterruptController() error {
	switch d.arch {
	case hv.ArchitectureX86_64:
		if ctrl, ok := d.vm.(hv.SplitIRQController); ok {
			return ctrl.EnableSplitIRQ()
		}
	case hv.ArchitectureARM64:
		if provider, ok := d.vm.(hv.Arm64GICProvider); ok {
			if _, ok := provider.Arm64GICInfo(); !ok {
				return fmt.Errorf("arm64 interrupt controller: hypervisor reports no GIC")
			}
		}
	}
	return nil
}

// CmdlineAdditions returns every attached device's kernel command line
// fragment, in attach order, per invariant 4.
func (d *DeviceManager) CmdlineAdditions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for _, id := range d.order {
		out = append(out, d.records[id].cmdline...)
	}
	return out
}

func (d *DeviceManager) PCIWindow() (uint64, uint64) {
	return 0, 0
}

func (d *DeviceManager) MPIDRCompatibleDeviceInfo() []string {
	return nil
}

func (d *DeviceManager) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

func (d *DeviceManager) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

func (d *DeviceManager) CaptureSnapshot() (hv.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := deviceManagerSnapshot{}
	for _, id := range d.order {
		rec := d.records[id]
		switch c := rec.cfg.(type) {
		case config.DeviceConfig:
			snap.Devices = append(snap.Devices, c)
		case config.DiskConfig:
			snap.Disks = append(snap.Disks, c)
		case config.FsConfig:
			snap.Fs = append(snap.Fs, c)
		case config.PmemConfig:
			snap.Pmem = append(snap.Pmem, c)
		case config.NetConfig:
			snap.Net = append(snap.Net, c)
		case config.VsockConfig:
			cp := c
			snap.Vsock = &cp
		}
	}
	return snap, nil
}

func (d *DeviceManager) RestoreSnapshot(raw hv.Snapshot) error {
	snap, ok := raw.(deviceManagerSnapshot)
	if !ok {
		return fmt.Errorf("device manager: snapshot payload has unexpected type %T", raw)
	}

	for _, c := range snap.Devices {
		if _, err := d.AddDevice(c); err != nil {
			return err
		}
	}
	for _, c := range snap.Disks {
		if _, err := d.AddDisk(c); err != nil {
			return err
		}
	}
	for _, c := range snap.Fs {
		if _, err := d.AddFs(c); err != nil {
			return err
		}
	}
	for _, c := range snap.Pmem {
		if _, err := d.AddPmem(c); err != nil {
			return err
		}
	}
	for _, c := range snap.Net {
		if _, err := d.AddNet(c); err != nil {
			return err
		}
	}
	if snap.Vsock != nil {
		if _, err := d.AddVsock(*snap.Vsock); err != nil {
			return err
		}
	}
	return nil
}

var _ vm.DeviceManager = &DeviceManager{}

func parseMAC(s string) ([]byte, error) {
	var mac [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return nil, fmt.Errorf("invalid MAC address %q", s)
	}
	return mac[:], nil
}
