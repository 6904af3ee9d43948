package cpu

import (
	"encoding/binary"

	"coopos/kernel/mm"

	"github.com/dolthub/swiss"
)

// PhysicalMemory models the machine's RAM. Frames are backed lazily the
// first time they are written or explicitly requested via Page; frames that
// were never touched read back as zero.
type PhysicalMemory struct {
	frames *swiss.Map[mm.Frame, *[mm.PageSize]byte]
}

// NewPhysicalMemory returns an empty physical memory.
func NewPhysicalMemory() *PhysicalMemory {
	return &PhysicalMemory{
		frames: swiss.NewMap[mm.Frame, *[mm.PageSize]byte](64),
	}
}

// Page returns the backing storage for a physical frame, allocating it if
// required. Kernel code uses this to access frames through the kernel's
// linear alias without going through the MMU.
func (m *PhysicalMemory) Page(frame mm.Frame) *[mm.PageSize]byte {
	page, ok := m.frames.Get(frame)
	if !ok {
		page = new([mm.PageSize]byte)
		m.frames.Put(frame, page)
	}
	return page
}

// Zero clears the contents of a physical frame.
func (m *PhysicalMemory) Zero(frame mm.Frame) {
	if page, ok := m.frames.Get(frame); ok {
		*page = [mm.PageSize]byte{}
	}
}

// BackedFrames returns the number of frames that currently have storage.
func (m *PhysicalMemory) BackedFrames() int {
	return m.frames.Count()
}

// Read copies len(p) bytes starting at physAddr into p.
func (m *PhysicalMemory) Read(physAddr uintptr, p []byte) {
	for len(p) > 0 {
		offset := physAddr & (mm.PageSize - 1)
		n := int(mm.PageSize - offset)
		if n > len(p) {
			n = len(p)
		}

		if page, ok := m.frames.Get(mm.FrameFromAddress(physAddr)); ok {
			copy(p[:n], page[offset:])
		} else {
			for i := 0; i < n; i++ {
				p[i] = 0
			}
		}

		p = p[n:]
		physAddr += uintptr(n)
	}
}

// Write copies p to the physical memory starting at physAddr.
func (m *PhysicalMemory) Write(physAddr uintptr, p []byte) {
	for len(p) > 0 {
		offset := physAddr & (mm.PageSize - 1)
		n := copy(m.Page(mm.FrameFromAddress(physAddr))[offset:], p)
		p = p[n:]
		physAddr += uintptr(n)
	}
}

// ReadUint64 reads a little-endian 64-bit word.
func (m *PhysicalMemory) ReadUint64(physAddr uintptr) uint64 {
	var buf [8]byte
	m.Read(physAddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 writes a little-endian 64-bit word.
func (m *PhysicalMemory) WriteUint64(physAddr uintptr, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	m.Write(physAddr, buf[:])
}
