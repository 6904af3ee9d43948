package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// The kernel memory layout. The kernel image is loaded at KernelPhysStart and
// the physical range [KernelPhysStart, KernelSpace) is linearly mapped at
// KernelVirtStart in every address space. Frames in that range are owned by
// the system frame pool; everything above KernelSpace belongs to user pools.
const (
	KernelPhysStart = uintptr(2 * Mb)
	KernelSpace     = uintptr(4 * Mb)
	KernelVirtStart = uintptr(1*Gb - 2*Mb)

	// HeapStart and HeapSize define the per-process virtual window that is
	// managed by each process' VMPool.
	HeapStart = uintptr(1 * Gb)
	HeapSize  = uintptr(1 * Gb)

	// ProcessStackSize is the size of the stack that each process reserves
	// from its own VMPool.
	ProcessStackSize = uintptr(8 * Kb)
)

// KernelPhysToVirt returns the address of the kernel linear alias for a
// physical address inside the system pool range.
func KernelPhysToVirt(physAddr uintptr) uintptr {
	return physAddr - KernelPhysStart + KernelVirtStart
}

// KernelVirtToPhys is the inverse of KernelPhysToVirt.
func KernelVirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - KernelVirtStart + KernelPhysStart
}
