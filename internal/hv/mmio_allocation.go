package hv

// MMIOAllocationRequest describes a dynamic MMIO region an AddressSpace
// caller wants placed above guest RAM.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a placed MMIO region, either dynamically allocated via
// AddressSpace.Allocate or pinned via AddressSpace.RegisterFixed.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}
