// Package config defines VmConfig, the shared, mutable description of a VM's
// desired configuration. It is serialized with gopkg.in/yaml.v3, matching the
// YAML-tagged configuration structs used elsewhere in this codebase, and is
// always kept consistent with the state the VM would boot into after a
// reboot: hot-plug and resize operations mutate it in lock-step with the
// corresponding subsystem change.
package config

import (
	"fmt"
	"sync"
)

// HotplugMethod selects how memory hot-plug is surfaced to the guest.
type HotplugMethod string

const (
	HotplugMethodACPI      HotplugMethod = "acpi"
	HotplugMethodVirtioMem HotplugMethod = "virtio-mem"
)

// CpuConfig describes the vCPU topology.
type CpuConfig struct {
	BootVCPUs int `yaml:"boot_vcpus"`
	MaxVCPUs  int `yaml:"max_vcpus"`
}

// MemoryConfig describes guest memory sizing and hotplug policy.
type MemoryConfig struct {
	SizeBytes   uint64        `yaml:"size_bytes"`
	Hotplug     HotplugMethod `yaml:"hotplug_method"`
	BalloonSize uint64        `yaml:"balloon_size"`
}

// SgxEpcSection describes one SGX Enclave Page Cache region to be surfaced
// through ACPI on x86.
type SgxEpcSection struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// NumaNode owns a mutable set of cpu ids and a distance map to other nodes.
type NumaNode struct {
	ID        uint32           `yaml:"id"`
	CPUs      []int            `yaml:"cpus"`
	Distances map[uint32]uint8 `yaml:"distances"`
}

// DeviceConfig is a generic passthrough/virtio device entry (e.g. a vfio
// device handle) identified by id.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
}

// DiskConfig describes a virtio-blk backing file.
type DiskConfig struct {
	ID       string `yaml:"id"`
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
}

// NetConfig describes a virtio-net device.
type NetConfig struct {
	ID  string `yaml:"id"`
	MAC string `yaml:"mac"`
	Tap string `yaml:"tap,omitempty"`
}

// PmemConfig describes a persistent memory region backed by a file.
type PmemConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
	Size uint64 `yaml:"size"`
}

// FsConfig describes a virtio-fs shared directory tag.
type FsConfig struct {
	ID   string `yaml:"id"`
	Tag  string `yaml:"tag"`
	Path string `yaml:"path"`
}

// VsockConfig describes the single allowed virtio-vsock device.
type VsockConfig struct {
	ID       string `yaml:"id"`
	GuestCID uint64 `yaml:"guest_cid"`
}

// VmConfig is the shared, mutable per-VM configuration. Every exported method
// acquires the embedded mutex; callers never need to lock it directly. It
// always reflects the configuration the VM would boot into if rebooted.
type VmConfig struct {
	mu sync.Mutex `yaml:"-"`

	KernelPath   string `yaml:"kernel_path"`
	InitramfsPath string `yaml:"initramfs_path,omitempty"`
	Cmdline      string `yaml:"cmdline"`

	// PciEnabled gates hot-plug: a VM built without PCI support can still
	// boot and run, but add_device/add_disk/add_fs/add_pmem/add_net/
	// add_vsock all report NoPciSupport.
	PciEnabled *bool `yaml:"pci_enabled,omitempty"`

	Cpus   CpuConfig    `yaml:"cpus"`
	Memory MemoryConfig `yaml:"memory"`

	NumaNodes []NumaNode `yaml:"numa_nodes,omitempty"`

	SgxEpc []SgxEpcSection `yaml:"sgx_epc,omitempty"`

	Devices []DeviceConfig `yaml:"devices,omitempty"`
	Disks   []DiskConfig   `yaml:"disks,omitempty"`
	Net     []NetConfig    `yaml:"net,omitempty"`
	Pmem    []PmemConfig   `yaml:"pmem,omitempty"`
	Fs      []FsConfig     `yaml:"fs,omitempty"`
	Vsock   *VsockConfig   `yaml:"vsock,omitempty"`
}

// InvalidNumaConfigError is returned when a NUMA distance entry names a node
// that was not declared.
type InvalidNumaConfigError struct {
	NodeID uint32
	DestID uint32
}

func (e *InvalidNumaConfigError) Error() string {
	return fmt.Sprintf("invalid numa config: node %d declares a distance to undeclared node %d", e.NodeID, e.DestID)
}

// Normalize fills in defaults the way this codebase's other config structs
// do: a zero MaxVCPUs defaults to BootVCPUs, and an unset hotplug method
// defaults to ACPI.
func (c *VmConfig) Normalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Cpus.MaxVCPUs == 0 {
		c.Cpus.MaxVCPUs = c.Cpus.BootVCPUs
	}
	if c.Memory.Hotplug == "" {
		c.Memory.Hotplug = HotplugMethodACPI
	}
	if c.PciEnabled == nil {
		enabled := true
		c.PciEnabled = &enabled
	}
}

// HasPciSupport reports the current PCI feature flag value. Safe to call
// before Normalize; an unset flag is treated as enabled.
func (c *VmConfig) HasPciSupport() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PciEnabled == nil || *c.PciEnabled
}

// UpdateNuma validates and replaces the full NUMA node list under lock. Per
// the invariant in §3, every distance destination must be a declared node id
// and a node's distance to itself, if present, must be 10 (the ACPI SLIT
// "local node" distance).
func (c *VmConfig) UpdateNuma(nodes []NumaNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	declared := make(map[uint32]struct{}, len(nodes))
	for _, n := range nodes {
		declared[n.ID] = struct{}{}
	}
	for _, n := range nodes {
		for dest, dist := range n.Distances {
			if _, ok := declared[dest]; !ok {
				return &InvalidNumaConfigError{NodeID: n.ID, DestID: dest}
			}
			if dest == n.ID && dist != 10 {
				return &InvalidNumaConfigError{NodeID: n.ID, DestID: dest}
			}
		}
	}
	c.NumaNodes = nodes
	return nil
}

// Snapshot returns a deep-enough copy of the config suitable for embedding in
// a snapshot manifest's data section or for byte-identical comparison in
// tests; the caller must not mutate nested slices/maps.
func (c *VmConfig) Snapshot() VmConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := VmConfig{
		KernelPath:    c.KernelPath,
		InitramfsPath: c.InitramfsPath,
		Cmdline:       c.Cmdline,
		Cpus:          c.Cpus,
		Memory:        c.Memory,
		NumaNodes:     append([]NumaNode(nil), c.NumaNodes...),
		SgxEpc:        append([]SgxEpcSection(nil), c.SgxEpc...),
		Devices:       append([]DeviceConfig(nil), c.Devices...),
		Disks:         append([]DiskConfig(nil), c.Disks...),
		Net:           append([]NetConfig(nil), c.Net...),
		Pmem:          append([]PmemConfig(nil), c.Pmem...),
		Fs:            append([]FsConfig(nil), c.Fs...),
	}
	if c.Vsock != nil {
		v := *c.Vsock
		out.Vsock = &v
	}
	if c.PciEnabled != nil {
		p := *c.PciEnabled
		out.PciEnabled = &p
	}
	return out
}

// WithLock runs fn while holding the config's mutex, giving the hot-plug and
// resize coordinators a way to perform a read-modify-write without exposing
// the mutex itself — the lock-order rule in §5 requires config to be locked
// independently of state, memory, devices, and cpus.
func (c *VmConfig) WithLock(fn func(*VmConfig)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
