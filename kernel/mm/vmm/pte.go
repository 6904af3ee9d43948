package vmm

import "coopos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type PageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// WithFlags returns a copy of the entry with the input flags set.
func (pte PageTableEntry) WithFlags(flags PageTableEntryFlag) PageTableEntry {
	return PageTableEntry(uintptr(pte) | uintptr(flags))
}

// WithoutFlags returns a copy of the entry with the input flags cleared.
func (pte PageTableEntry) WithoutFlags(flags PageTableEntryFlag) PageTableEntry {
	return PageTableEntry(uintptr(pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// WithFrame returns a copy of the entry pointing to the supplied physical frame.
func (pte PageTableEntry) WithFrame(frame mm.Frame) PageTableEntry {
	return PageTableEntry((uintptr(pte) &^ ptePhysPageMask) | frame.Address())
}

// makeEntry builds an entry pointing to frame with the given flags.
func makeEntry(frame mm.Frame, flags PageTableEntryFlag) PageTableEntry {
	return PageTableEntry(0).WithFrame(frame).WithFlags(flags)
}
