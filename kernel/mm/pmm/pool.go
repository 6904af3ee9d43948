package pmm

import (
	"math/bits"

	"coopos/kernel"
	"coopos/kernel/mm"
)

// MaxPoolFrames is the number of frames a single pool can track: its bitmap
// must fit in the bookkeeping frame next to a small header area.
const MaxPoolFrames = 4080 * 8

// PoolHandle identifies a FramePool within a FrameAllocator.
type PoolHandle int

// NoPool terminates the pool chain.
const NoPool = PoolHandle(-1)

// FramePool tracks a contiguous run of physical frames using a bitmap stored
// in a dedicated bookkeeping frame. Frame i of the pool maps to byte i/8,
// bit 7-(i%8) of the bitmap; a set bit marks a free frame.
type FramePool struct {
	// base is the physical address of the pool's first frame.
	base uintptr

	// capacity is the number of frames covered by the pool.
	capacity uint32

	// freeCount tracks the available frames in this pool so that fully
	// allocated pools can be skipped without scanning their bitmap.
	freeCount uint32

	// bitmapFrame holds the bitmap; bitmap aliases its first bytes.
	bitmapFrame mm.Frame
	bitmap      []byte

	next PoolHandle
}

// init binds the pool to its bookkeeping frame and marks every frame as used.
func (p *FramePool) init(base uintptr, capacity uint32, bitmapFrame mm.Frame, bitmapPage *[mm.PageSize]byte) {
	p.base = base
	p.capacity = capacity
	p.freeCount = 0
	p.bitmapFrame = bitmapFrame
	p.bitmap = bitmapPage[:(capacity+7)/8]
	for i := range p.bitmap {
		p.bitmap[i] = 0
	}
	p.next = NoPool
}

// Base returns the physical address of the first frame in the pool.
func (p *FramePool) Base() uintptr { return p.base }

// Capacity returns the number of frames tracked by the pool.
func (p *FramePool) Capacity() uint32 { return p.capacity }

// FreeCount returns the number of free frames in the pool.
func (p *FramePool) FreeCount() uint32 { return p.freeCount }

// Next returns the handle of the next pool in the chain.
func (p *FramePool) Next() PoolHandle { return p.next }

// contains returns true if frame falls inside the pool's range.
func (p *FramePool) contains(frame mm.Frame) bool {
	first := mm.FrameFromAddress(p.base)
	return frame >= first && frame < first+mm.Frame(p.capacity)
}

// MarkFree flags the frames with indices in [start, end) as available.
func (p *FramePool) MarkFree(start, end uint32) {
	p.updateRange(start, end, true)
}

// MarkUsed flags the frames with indices in [start, end) as allocated.
func (p *FramePool) MarkUsed(start, end uint32) {
	p.updateRange(start, end, false)
}

func (p *FramePool) updateRange(start, end uint32, free bool) {
	if end > p.capacity {
		end = p.capacity
	}

	for index := start; index < end; {
		bit := index & 7
		span := 8 - bit
		if remaining := end - index; remaining < span {
			span = remaining
		}

		// Bits [bit, bit+span) counted from the MSB.
		mask := byte(0xff>>bit) &^ byte(0xff>>(bit+span))
		cur := &p.bitmap[index>>3]
		before := bits.OnesCount8(*cur)
		if free {
			*cur |= mask
		} else {
			*cur &^= mask
		}
		p.freeCount = uint32(int(p.freeCount) + bits.OnesCount8(*cur) - before)

		index += span
	}
}

// IsFree returns true if the frame at the given pool index is available.
func (p *FramePool) IsFree(index uint32) bool {
	return p.bitmap[index>>3]&(0x80>>(index&7)) != 0
}

// Allocate reserves the lowest free frame of the pool. It returns
// ErrOutOfMemory if the pool is exhausted.
func (p *FramePool) Allocate() (mm.Frame, *kernel.Error) {
	if p.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for byteIndex, b := range p.bitmap {
		// A zero byte is a fully allocated block of 8 frames.
		if b == 0 {
			continue
		}

		index := uint32(byteIndex)<<3 + uint32(bits.LeadingZeros8(b))
		p.MarkUsed(index, index+1)
		return mm.FrameFromAddress(p.base) + mm.Frame(index), nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// release returns a single frame to the pool.
func (p *FramePool) release(frame mm.Frame) *kernel.Error {
	index := uint32(frame - mm.FrameFromAddress(p.base))
	if p.IsFree(index) {
		return ErrDoubleFree
	}

	p.MarkFree(index, index+1)
	return nil
}
