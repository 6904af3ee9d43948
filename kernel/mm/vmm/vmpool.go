package vmm

import (
	"encoding/binary"
	"fmt"

	"coopos/kernel"
	"coopos/kernel/mm"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// VMPoolCapacity is the number of regions a VMPool can track. The header and
// the region table together occupy 4080 bytes of the pool's frame.
const VMPoolCapacity = 254

const (
	vmPoolHeaderSize = 16
	vmPoolEntrySize  = 16
)

var (
	// ErrPoolFull is returned when every VMPool region slot is in use.
	ErrPoolFull = &kernel.Error{Module: "vmm", Message: "virtual memory pool region table is full"}

	// ErrOutOfAddressSpace is returned when a request does not fit in the
	// pool's address range.
	ErrOutOfAddressSpace = &kernel.Error{Module: "vmm", Message: "virtual memory pool address space exhausted"}

	// ErrInvalidRelease is returned when no region starts at the released address.
	ErrInvalidRelease = &kernel.Error{Module: "vmm", Message: "address does not start an allocated region"}

	// ErrZeroSize is returned for empty allocation requests.
	ErrZeroSize = &kernel.Error{Module: "vmm", Message: "allocation size must be greater than zero"}
)

// PageReleaser unmaps a single page and returns its backing frame.
type PageReleaser interface {
	FreePage(virtAddr uintptr)
}

// AllocationStrategy selects where a VMPool places new regions.
type AllocationStrategy uint8

const (
	// StrategyBump places every region after the highest live region.
	// Released address space is only reused once every region above it
	// has been released as well.
	StrategyBump AllocationStrategy = iota

	// StrategyFirstFit places a region in the lowest gap that fits it.
	StrategyFirstFit
)

// String implements fmt.Stringer for AllocationStrategy.
func (s AllocationStrategy) String() string {
	switch s {
	case StrategyBump:
		return "bump"
	case StrategyFirstFit:
		return "first-fit"
	default:
		return "unknown"
	}
}

// Region is a live VMPool allocation.
type Region struct {
	Start uintptr
	Pages uintptr
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Start + r.Pages<<mm.PageShift
}

// Contains returns true if addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End()
}

// VMPool hands out page-granular regions of a process' virtual address space.
// Regions are only reserved here; their pages are backed lazily by the page
// fault handler. The pool state is stored in a kernel frame:
//
//	[0:8]   base address
//	[8:16]  size in pages
//	[16:]   VMPoolCapacity entries of (start, pages); a zero start marks a free slot
type VMPool struct {
	frame    mm.Frame
	data     *[mm.PageSize]byte
	releaser PageReleaser
	strategy AllocationStrategy
}

// InitVMPool sets up a pool covering [base, base+size) whose state lives in
// data, the contents of frame. All region slots are cleared.
func InitVMPool(frame mm.Frame, data *[mm.PageSize]byte, base, size uintptr, releaser PageReleaser, strategy AllocationStrategy) *VMPool {
	pool := &VMPool{frame: frame, data: data, releaser: releaser, strategy: strategy}

	binary.LittleEndian.PutUint64(data[0:8], uint64(base))
	binary.LittleEndian.PutUint64(data[8:16], uint64(size>>mm.PageShift))
	for i := 0; i < VMPoolCapacity; i++ {
		pool.setEntry(i, Region{})
	}

	return pool
}

// Frame returns the kernel frame that stores the pool.
func (p *VMPool) Frame() mm.Frame { return p.frame }

// Base returns the first address managed by the pool.
func (p *VMPool) Base() uintptr {
	return uintptr(binary.LittleEndian.Uint64(p.data[0:8]))
}

// Size returns the number of bytes managed by the pool.
func (p *VMPool) Size() uintptr {
	return uintptr(binary.LittleEndian.Uint64(p.data[8:16])) << mm.PageShift
}

// Strategy returns the placement strategy of the pool.
func (p *VMPool) Strategy() AllocationStrategy { return p.strategy }

func (p *VMPool) entry(i int) Region {
	off := vmPoolHeaderSize + i*vmPoolEntrySize
	return Region{
		Start: uintptr(binary.LittleEndian.Uint64(p.data[off : off+8])),
		Pages: uintptr(binary.LittleEndian.Uint64(p.data[off+8 : off+16])),
	}
}

func (p *VMPool) setEntry(i int, r Region) {
	off := vmPoolHeaderSize + i*vmPoolEntrySize
	binary.LittleEndian.PutUint64(p.data[off:off+8], uint64(r.Start))
	binary.LittleEndian.PutUint64(p.data[off+8:off+16], uint64(r.Pages))
}

// Entries returns the live regions in slot order.
func (p *VMPool) Entries() []Region {
	var regions []Region
	for i := 0; i < VMPoolCapacity; i++ {
		if r := p.entry(i); r.Start != 0 {
			regions = append(regions, r)
		}
	}
	return regions
}

// IsLegitimate returns true if addr lies inside the pool's range and inside
// one of its live regions.
func (p *VMPool) IsLegitimate(addr uintptr) bool {
	if addr < p.Base() || addr-p.Base() >= p.Size() {
		return false
	}

	for i := 0; i < VMPoolCapacity; i++ {
		if r := p.entry(i); r.Start != 0 && r.Contains(addr) {
			return true
		}
	}
	return false
}

// Allocate reserves a region of at least size bytes, rounded up to whole
// pages, and returns its start address.
func (p *VMPool) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrZeroSize
	}

	// Rounding a size past the window up to whole pages could overflow.
	if size > p.Size() {
		return 0, ErrOutOfAddressSpace
	}

	slot := -1
	for i := 0; i < VMPoolCapacity; i++ {
		if p.entry(i).Start == 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrPoolFull
	}

	pages := mm.PageCount(size)

	var start uintptr
	switch p.strategy {
	case StrategyFirstFit:
		start = p.firstFit(pages << mm.PageShift)
	default:
		start = p.bump()
	}

	// The region may end exactly at the end of the pool.
	if limit := p.Base() + p.Size(); start > limit || pages > (limit-start)>>mm.PageShift {
		return 0, ErrOutOfAddressSpace
	}

	p.setEntry(slot, Region{Start: start, Pages: pages})
	return start, nil
}

// bump returns the end of the highest live region.
func (p *VMPool) bump() uintptr {
	start := p.Base()
	for i := 0; i < VMPoolCapacity; i++ {
		if r := p.entry(i); r.Start != 0 && r.End() > start {
			start = r.End()
		}
	}
	return start
}

// firstFit returns the start of the lowest gap that can hold size bytes or
// the end of the highest region if there is no such gap.
func (p *VMPool) firstFit(size uintptr) uintptr {
	regions := p.Entries()
	slices.SortFunc(regions, func(r1, r2 Region) bool { return r1.Start < r2.Start })

	start := p.Base()
	for _, r := range regions {
		if r.Start >= start && r.Start-start >= size {
			break
		}
		if r.End() > start {
			start = r.End()
		}
	}
	return start
}

// Release frees the region starting at addr. Every page of the region is
// handed to the pool's releaser so that its mapping and backing frame are
// dropped.
func (p *VMPool) Release(addr uintptr) *kernel.Error {
	if addr == 0 {
		return ErrInvalidRelease
	}

	for i := 0; i < VMPoolCapacity; i++ {
		r := p.entry(i)
		if r.Start != addr {
			continue
		}

		for page := uintptr(0); page < r.Pages; page++ {
			p.releaser.FreePage(r.Start + page<<mm.PageShift)
		}
		p.setEntry(i, Region{})
		return nil
	}

	return ErrInvalidRelease
}

// Validate checks that live regions are inside the pool and do not overlap.
func (p *VMPool) Validate() error {
	regions := p.Entries()
	slices.SortFunc(regions, func(r1, r2 Region) bool { return r1.Start < r2.Start })

	limit := p.Base() + p.Size()
	for i, r := range regions {
		if r.Pages == 0 {
			return errors.Newf("region at %#x has no pages", r.Start)
		}
		if r.Start < p.Base() || r.End() > limit {
			return errors.Newf("region [%#x, %#x) lies outside the pool [%#x, %#x)", r.Start, r.End(), p.Base(), limit)
		}
		if i > 0 && regions[i-1].End() > r.Start {
			return errors.Newf("region at %#x overlaps region at %#x", r.Start, regions[i-1].Start)
		}
	}

	return nil
}

// PrintDetailedMap adds the pool layout to json.
func (p *VMPool) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Base").String(fmt.Sprintf("%#x", p.Base()))
	json.Name("Size").String(fmt.Sprintf("%#x", p.Size()))
	json.Name("Strategy").String(p.strategy.String())

	arr := json.Name("Regions").Array()
	defer arr.End()

	for _, r := range p.Entries() {
		obj := arr.Object()
		obj.Name("Start").String(fmt.Sprintf("%#x", r.Start))
		obj.Name("Pages").Int(int(r.Pages))
		obj.End()
	}
}
