// Package multiboot describes the physical memory map handed to the kernel by
// the boot loader.
package multiboot

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor is invoked by VisitMemRegions for each region. The visitor
// must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMap is the list of physical regions reported at boot.
type MemoryMap []MemoryMapEntry

// VisitMemRegions invokes visitor for each region in the map. Entries with an
// unknown type are reported as reserved.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range m {
		entry := m[i]
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// TotalAvailable returns the number of bytes in available regions.
func (m MemoryMap) TotalAvailable() uint64 {
	var total uint64
	m.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type == MemAvailable {
			total += entry.Length
		}
		return true
	})
	return total
}
