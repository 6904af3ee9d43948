package vmm

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNoHugePageSupport is returned when Map or Unmap would have to descend
	// through a huge page mapping.
	ErrNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page addresses must be 2MiB aligned"}
)

// walkFn is invoked for each page table level touched while translating a
// virtual address. It receives the physical address of the entry and its
// current contents and returns false to abort the walk.
type walkFn func(level uint8, entryAddr uintptr, pte PageTableEntry) bool

// walk performs a page table walk for virtAddr starting at the table stored in
// root. Entries are re-read after walkFn returns so callbacks may install
// missing tables.
func walk(mem *cpu.PhysicalMemory, root mm.Frame, virtAddr uintptr, fn walkFn) {
	tableAddr := root.Address()
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := tableAddr + tableIndex(level, virtAddr)<<mm.PointerShift
		if !fn(level, entryAddr, PageTableEntry(mem.ReadUint64(entryAddr))) {
			return
		}

		tableAddr = PageTableEntry(mem.ReadUint64(entryAddr)).Frame().Address()
	}
}

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. Its tables live in physical memory and are manipulated through the
// kernel's linear alias, so a PDT can be edited whether it is active or not.
type PageDirectoryTable struct {
	cpu      *cpu.CPU
	pdtFrame mm.Frame
}

// NewPageDirectoryTable wraps an already initialized table stored in pdtFrame.
func NewPageDirectoryTable(c *cpu.CPU, pdtFrame mm.Frame) PageDirectoryTable {
	return PageDirectoryTable{cpu: c, pdtFrame: pdtFrame}
}

// Init sets up the page table directory stored in pdtFrame: its contents are
// cleared and the last entry is pointed back to the table itself.
func (pdt *PageDirectoryTable) Init(c *cpu.CPU, pdtFrame mm.Frame) {
	pdt.cpu = c
	pdt.pdtFrame = pdtFrame

	c.Memory().Zero(pdtFrame)
	pdt.SetEntry(RecursiveSlot, makeEntry(pdtFrame, FlagPresent|FlagRW))
}

// Frame returns the physical frame that stores the table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Entry returns the top-level entry at index.
func (pdt PageDirectoryTable) Entry(index int) PageTableEntry {
	return PageTableEntry(pdt.cpu.Memory().ReadUint64(pdt.pdtFrame.Address() + uintptr(index)<<mm.PointerShift))
}

// SetEntry overwrites the top-level entry at index.
func (pdt PageDirectoryTable) SetEntry(index int, pte PageTableEntry) {
	pdt.cpu.Memory().WriteUint64(pdt.pdtFrame.Address()+uintptr(index)<<mm.PointerShift, uint64(pte))
}

// IsActive returns true if the table is the one loaded in the CPU.
func (pdt PageDirectoryTable) IsActive() bool {
	return pdt.cpu.ActivePDT() == pdt.pdtFrame.Address()
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	pdt.cpu.SwitchPDT(pdt.pdtFrame.Address())
}

func (pdt PageDirectoryTable) flushTLBEntry(virtAddr uintptr) {
	if pdt.IsActive() {
		pdt.cpu.FlushTLBEntry(virtAddr)
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated with allocFn and cleared.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, allocFn mm.FrameAllocatorFn) *kernel.Error {
	var (
		err *kernel.Error
		mem = pdt.cpu.Memory()
	)

	walk(mem, pdt.pdtFrame, page.Address(), func(level uint8, entryAddr uintptr, pte PageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if level == pageLevels-1 {
			mem.WriteUint64(entryAddr, uint64(makeEntry(frame, flags)))
			pdt.flushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = ErrNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = pdt.installTable(entryAddr, allocFn)
			return err == nil
		}

		return true
	})

	return err
}

// MapHugePage maps the 2MiB region starting at physAddr to virtAddr using a
// single entry at the page directory level.
func (pdt PageDirectoryTable) MapHugePage(virtAddr, physAddr uintptr, flags PageTableEntryFlag, allocFn mm.FrameAllocatorFn) *kernel.Error {
	if virtAddr&(HugePageSize-1) != 0 || physAddr&(HugePageSize-1) != 0 {
		return errMisalignedHugePage
	}

	var (
		err *kernel.Error
		mem = pdt.cpu.Memory()
	)

	walk(mem, pdt.pdtFrame, virtAddr, func(level uint8, entryAddr uintptr, pte PageTableEntry) bool {
		if level == hugePageLevel {
			mem.WriteUint64(entryAddr, uint64(makeEntry(mm.FrameFromAddress(physAddr), flags|FlagPresent|FlagHugePage)))
			for offset := uintptr(0); offset < HugePageSize; offset += mm.PageSize {
				pdt.flushTLBEntry(virtAddr + offset)
			}
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = pdt.installTable(entryAddr, allocFn)
			return err == nil
		}

		return true
	})

	return err
}

// installTable allocates and clears a new table and links it at entryAddr.
func (pdt PageDirectoryTable) installTable(entryAddr uintptr, allocFn mm.FrameAllocatorFn) *kernel.Error {
	tableFrame, err := allocFn()
	if err != nil {
		return err
	}

	mem := pdt.cpu.Memory()
	mem.Zero(tableFrame)
	mem.WriteUint64(entryAddr, uint64(makeEntry(tableFrame, FlagPresent|FlagRW)))
	return nil
}

// Unmap removes a mapping previously installed via a call to Map and returns
// the frame it pointed to. The intermediate tables are left in place.
func (pdt PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
		mem   = pdt.cpu.Memory()
	)

	walk(mem, pdt.pdtFrame, page.Address(), func(level uint8, entryAddr uintptr, pte PageTableEntry) bool {
		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 {
			frame = pte.Frame()
			mem.WriteUint64(entryAddr, 0)
			pdt.flushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	physAddr, _, err := pdt.resolve(virtAddr)
	return physAddr, err
}

// resolve translates virtAddr and reports whether every level along the way
// allows writes.
func (pdt PageDirectoryTable) resolve(virtAddr uintptr) (uintptr, bool, *kernel.Error) {
	var (
		physAddr uintptr
		writable = true
		err      *kernel.Error
	)

	walk(pdt.cpu.Memory(), pdt.pdtFrame, virtAddr, func(level uint8, _ uintptr, pte PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		writable = writable && pte.HasFlags(FlagRW)

		switch {
		case level == hugePageLevel && pte.HasFlags(FlagHugePage):
			physAddr = pte.Frame().Address() + virtAddr&(HugePageSize-1)
			return false
		case level == pageLevels-1:
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
		}

		return true
	})

	return physAddr, writable, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
