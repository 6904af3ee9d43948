// Package pmm manages physical memory frames.
//
// Frames are handed out from a chain of bitmap pools. The first pool in the
// chain is the system pool that covers the kernel's linearly mapped window
// [mm.KernelPhysStart, mm.KernelSpace); kernel data structures (page tables,
// pool bitmaps, VMPool tables) are always allocated from it. The remaining
// pools cover memory above mm.KernelSpace and back process pages.
package pmm

import (
	"fmt"

	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/hal/multiboot"
	"coopos/kernel/mm"

	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

var (
	// ErrOutOfMemory is returned when no pool can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrFrameOutOfRange is returned when freeing a frame that no pool owns.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame does not belong to any pool"}

	// ErrDoubleFree is returned when freeing a frame that is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	// ErrNoSystemPool is returned by Init when no usable memory falls inside
	// the kernel window.
	ErrNoSystemPool = &kernel.Error{Module: "pmm", Message: "no usable memory for the system pool"}
)

const systemPool = PoolHandle(0)

// FrameAllocator owns the pool chain.
type FrameAllocator struct {
	mem    *cpu.PhysicalMemory
	pools  []FramePool
	logger *slog.Logger
}

// NewFrameAllocator returns an allocator whose pool bitmaps live in mem.
// Init must be called before any frames can be allocated.
func NewFrameAllocator(mem *cpu.PhysicalMemory, logger *slog.Logger) *FrameAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameAllocator{mem: mem, logger: logger}
}

type region struct {
	start, end uintptr
}

// Init builds the pool chain from the boot memory map. Usable regions are
// shrunk to whole frames; memory below mm.KernelPhysStart is left untouched
// as it is not part of the kernel's linear window.
func (a *FrameAllocator) Init(memMap multiboot.MemoryMap) *kernel.Error {
	var regions []region
	pageSizeMinus1 := mm.PageSize - 1

	memMap.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		a.logger.Info("memory map entry",
			slog.String("type", entry.Type.String()),
			slog.String("start", fmt.Sprintf("%#x", entry.PhysAddress)),
			slog.Uint64("length", entry.Length),
		)

		if entry.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round the start up
		// and the end down.
		start := (uintptr(entry.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1
		end := uintptr(entry.PhysAddress+entry.Length) &^ pageSizeMinus1
		if start < end {
			regions = append(regions, region{start, end})
		}
		return true
	})

	slices.SortFunc(regions, func(r1, r2 region) bool { return r1.start < r2.start })

	if err := a.setupSystemPool(regions); err != nil {
		return err
	}

	if err := a.setupUserPools(regions); err != nil {
		return err
	}

	for h := systemPool; h != NoPool; h = a.pools[h].next {
		pool := &a.pools[h]
		a.logger.Info("frame pool",
			slog.Int("handle", int(h)),
			slog.String("base", fmt.Sprintf("%#x", pool.base)),
			slog.Int("capacity", int(pool.capacity)),
			slog.Int("free", int(pool.freeCount)),
		)
	}

	return nil
}

func (a *FrameAllocator) setupSystemPool(regions []region) *kernel.Error {
	bitmapFrame := mm.InvalidFrame
	for _, r := range regions {
		if start, end := clip(r, mm.KernelPhysStart, mm.KernelSpace); start < end {
			bitmapFrame = mm.FrameFromAddress(start)
			break
		}
	}

	if !bitmapFrame.Valid() {
		return ErrNoSystemPool
	}

	a.pools = append(a.pools[:0], FramePool{})
	sys := &a.pools[systemPool]
	sys.init(mm.KernelPhysStart, uint32((mm.KernelSpace-mm.KernelPhysStart)>>mm.PageShift), bitmapFrame, a.mem.Page(bitmapFrame))

	for _, r := range regions {
		if start, end := clip(r, mm.KernelPhysStart, mm.KernelSpace); start < end {
			sys.MarkFree(sys.index(start), sys.index(end))
		}
	}

	bitmapIndex := sys.index(bitmapFrame.Address())
	sys.MarkUsed(bitmapIndex, bitmapIndex+1)
	return nil
}

func (a *FrameAllocator) setupUserPools(regions []region) *kernel.Error {
	last := systemPool
	for _, r := range regions {
		start, end := clip(r, mm.KernelSpace, ^uintptr(0))

		for start < end {
			frames := uint32((end - start) >> mm.PageShift)
			if frames > MaxPoolFrames {
				frames = MaxPoolFrames
			}

			bitmapFrame, err := a.pools[systemPool].Allocate()
			if err != nil {
				return err
			}

			a.pools = append(a.pools, FramePool{})
			handle := PoolHandle(len(a.pools) - 1)
			pool := &a.pools[handle]
			pool.init(start, frames, bitmapFrame, a.mem.Page(bitmapFrame))
			pool.MarkFree(0, frames)

			a.pools[last].next = handle
			last = handle
			start += uintptr(frames) << mm.PageShift
		}
	}

	return nil
}

// clip returns the part of r that falls in [lo, hi).
func clip(r region, lo, hi uintptr) (uintptr, uintptr) {
	start, end := r.start, r.end
	if start < lo {
		start = lo
	}
	if end > hi {
		end = hi
	}
	return start, end
}

// index returns the pool-relative index of the frame containing addr.
func (p *FramePool) index(addr uintptr) uint32 {
	return uint32((addr - p.base) >> mm.PageShift)
}

// AllocKernelFrame reserves a frame from the system pool. Kernel frames are
// reachable through the kernel's linear alias.
func (a *FrameAllocator) AllocKernelFrame() (mm.Frame, *kernel.Error) {
	if len(a.pools) == 0 {
		return mm.InvalidFrame, ErrNoSystemPool
	}

	return a.pools[systemPool].Allocate()
}

// AllocUserFrame reserves a frame from the first user pool with free space.
func (a *FrameAllocator) AllocUserFrame() (mm.Frame, *kernel.Error) {
	if len(a.pools) == 0 {
		return mm.InvalidFrame, ErrNoSystemPool
	}

	for h := a.pools[systemPool].next; h != NoPool; h = a.pools[h].next {
		if frame, err := a.pools[h].Allocate(); err == nil {
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns frame to the pool that owns it. The owner is found by
// walking the chain in ascending base order and stopping at the last pool
// whose base does not exceed the frame address.
func (a *FrameAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if len(a.pools) == 0 {
		return ErrNoSystemPool
	}

	addr := frame.Address()
	owner := systemPool
	for next := a.pools[owner].next; next != NoPool && a.pools[next].base <= addr; next = a.pools[owner].next {
		owner = next
	}

	pool := &a.pools[owner]
	if !frame.Valid() || !pool.contains(frame) {
		return ErrFrameOutOfRange
	}

	return pool.release(frame)
}

// Pool returns the pool with the given handle.
func (a *FrameAllocator) Pool(h PoolHandle) *FramePool {
	return &a.pools[h]
}

// PoolCount returns the number of pools in the chain.
func (a *FrameAllocator) PoolCount() int {
	return len(a.pools)
}
