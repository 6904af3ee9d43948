package vmm

import (
	"encoding/binary"
	"fmt"

	"coopos/kernel/cpu"
	"coopos/kernel/mm"
)

// Page fault error code bits.
const (
	faultPresent = uint64(1 << 0)
	faultWrite   = uint64(1 << 1)
)

// MMU performs virtual memory accesses within the active address space.
// A translation miss raises a page fault; if the handler returns, the access
// is retried once more and a second miss is treated as a double fault.
type MMU struct {
	cpu *cpu.CPU
}

// NewMMU returns the MMU of c.
func NewMMU(c *cpu.CPU) *MMU {
	return &MMU{cpu: c}
}

// ActivePDT returns the page directory table currently loaded in the CPU.
func (m *MMU) ActivePDT() PageDirectoryTable {
	return NewPageDirectoryTable(m.cpu, mm.FrameFromAddress(m.cpu.ActivePDT()))
}

func (m *MMU) translate(virtAddr uintptr, write bool) uintptr {
	for attempt := 0; ; attempt++ {
		physAddr, errorCode, ok := m.lookup(virtAddr, write)
		if ok {
			return physAddr
		}

		if attempt > 0 {
			m.cpu.Fatal(fmt.Sprintf("double fault: %s at %#x", DescribePageFault(errorCode), virtAddr))
		}

		m.cpu.RaisePageFault(virtAddr, errorCode)
	}
}

func (m *MMU) lookup(virtAddr uintptr, write bool) (uintptr, uint64, bool) {
	page := mm.PageFromAddress(virtAddr)
	if entry, ok := m.cpu.LookupTLB(page); ok && (!write || entry.Writable) {
		return entry.Frame.Address() + PageOffset(virtAddr), 0, true
	}

	var errorCode uint64
	if write {
		errorCode |= faultWrite
	}

	physAddr, writable, err := m.ActivePDT().resolve(virtAddr)
	switch {
	case err != nil:
		return 0, errorCode, false
	case write && !writable:
		return 0, errorCode | faultPresent, false
	}

	m.cpu.FillTLB(page, cpu.TLBEntry{Frame: mm.FrameFromAddress(physAddr), Writable: writable})
	return physAddr, 0, true
}

// Read copies len(p) bytes starting at virtAddr into p.
func (m *MMU) Read(virtAddr uintptr, p []byte) {
	m.access(virtAddr, p, false)
}

// Write copies p to virtual memory starting at virtAddr.
func (m *MMU) Write(virtAddr uintptr, p []byte) {
	m.access(virtAddr, p, true)
}

func (m *MMU) access(virtAddr uintptr, p []byte, write bool) {
	mem := m.cpu.Memory()
	for len(p) > 0 {
		n := int(mm.PageSize - PageOffset(virtAddr))
		if n > len(p) {
			n = len(p)
		}

		physAddr := m.translate(virtAddr, write)
		if write {
			mem.Write(physAddr, p[:n])
		} else {
			mem.Read(physAddr, p[:n])
		}

		p = p[n:]
		virtAddr += uintptr(n)
	}
}

// ReadUint64 reads a little-endian 64-bit word.
func (m *MMU) ReadUint64(virtAddr uintptr) uint64 {
	var buf [8]byte
	m.Read(virtAddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 writes a little-endian 64-bit word.
func (m *MMU) WriteUint64(virtAddr uintptr, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	m.Write(virtAddr, buf[:])
}

// ReadUint32 reads a little-endian 32-bit word.
func (m *MMU) ReadUint32(virtAddr uintptr) uint32 {
	var buf [4]byte
	m.Read(virtAddr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// WriteUint32 writes a little-endian 32-bit word.
func (m *MMU) WriteUint32(virtAddr uintptr, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	m.Write(virtAddr, buf[:])
}
