// Package cpu provides the single-core machine that the kernel runs on:
// physical memory, the paging and fault control registers, a TLB, the
// interrupt flag and exception dispatch.
//
// Every execution context (the boot context and each process) runs on its own
// goroutine but only the context that holds the CPU executes; ownership is
// handed over explicitly through Park/Wake, so execution is serialized the
// same way it would be on a real core.
package cpu

import (
	"fmt"
	"runtime"
	"sync"

	"coopos/kernel/mm"

	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

const (
	// KernelCodeSelector is the GDT selector for the kernel code segment.
	KernelCodeSelector = uint64(0x08)

	// KernelDataSelector is the GDT selector for the kernel data segment.
	KernelDataSelector = uint64(0x10)

	// FlagInterruptEnable is the IF bit in RFLAGS.
	FlagInterruptEnable = uint64(1 << 9)

	// flagReserved is always set in RFLAGS.
	flagReserved = uint64(1 << 1)

	// InitialRFlags is loaded when a process runs for the first time.
	InitialRFlags = FlagInterruptEnable | flagReserved
)

// HaltRecord describes why the machine stopped.
type HaltRecord struct {
	Reason string
	Fatal  bool
}

// TLBEntry is a cached virtual to physical translation.
type TLBEntry struct {
	Frame    mm.Frame
	Writable bool
}

// CPU is the machine the kernel runs on.
type CPU struct {
	mem  *PhysicalMemory
	regs Registers

	cr2 uintptr
	cr3 uintptr

	tlb *swiss.Map[mm.Page, TLBEntry]

	handlers [256]InterruptHandler
	pending  []InterruptNumber

	// excDepth tracks nested exception delivery.
	excDepth int

	haltOnce   sync.Once
	halted     chan struct{}
	haltRecord HaltRecord

	logger *slog.Logger
}

// New returns a CPU with empty physical memory and interrupts disabled.
func New(logger *slog.Logger) *CPU {
	return &CPU{
		mem:    NewPhysicalMemory(),
		regs:   Registers{RFlags: flagReserved, CS: KernelCodeSelector, SS: KernelDataSelector},
		tlb:    swiss.NewMap[mm.Page, TLBEntry](64),
		halted: make(chan struct{}),
		logger: logger,
	}
}

// Memory returns the physical memory of the machine.
func (c *CPU) Memory() *PhysicalMemory { return c.mem }

// Registers returns the live register file.
func (c *CPU) Registers() *Registers { return &c.regs }

// EnableInterrupts enables interrupt handling and delivers any IRQs that were
// raised while interrupts were masked.
func (c *CPU) EnableInterrupts() {
	c.regs.RFlags |= FlagInterruptEnable
	for len(c.pending) > 0 && c.InterruptsEnabled() {
		n := c.pending[0]
		c.pending = c.pending[1:]
		c.deliver(n, uint64(n))
	}
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	c.regs.RFlags &^= FlagInterruptEnable
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.regs.RFlags&FlagInterruptEnable != 0
}

// SaveAndDisableInterrupts masks interrupts and returns whether they were
// enabled before the call. Pair it with RestoreInterrupts.
func (c *CPU) SaveAndDisableInterrupts() bool {
	enabled := c.InterruptsEnabled()
	c.DisableInterrupts()
	return enabled
}

// RestoreInterrupts re-enables interrupts if enabled is true.
func (c *CPU) RestoreInterrupts(enabled bool) {
	if enabled {
		c.EnableInterrupts()
	}
}

// PendingInterrupts returns the number of IRQs waiting for delivery.
func (c *CPU) PendingInterrupts() int { return len(c.pending) }

// HandleInterrupt installs handler for the given interrupt number.
func (c *CPU) HandleInterrupt(n InterruptNumber, handler InterruptHandler) {
	c.handlers[n] = handler
}

// RaiseInterrupt signals a hardware IRQ. The IRQ is delivered immediately if
// interrupts are enabled or queued until they are re-enabled.
func (c *CPU) RaiseInterrupt(n InterruptNumber) {
	if !c.InterruptsEnabled() {
		c.pending = append(c.pending, n)
		return
	}
	c.deliver(n, uint64(n))
}

// RaiseException delivers an exception synchronously with the supplied error
// code. Exceptions are never masked. An exception without a handler or an
// exception raised while delivering another one halts the machine.
func (c *CPU) RaiseException(n InterruptNumber, errorCode uint64) {
	if c.handlers[n] == nil {
		c.Fatal(fmt.Sprintf("unhandled exception: %s (code %#x)", n, errorCode))
	}
	if c.excDepth > 0 {
		c.Fatal(fmt.Sprintf("%s while handling %s", DoubleFault, n))
	}
	c.excDepth++
	c.deliver(n, errorCode)
	c.excDepth--
}

// RaisePageFault records the faulting address in CR2 and raises the page
// fault exception.
func (c *CPU) RaisePageFault(virtAddr uintptr, errorCode uint64) {
	c.cr2 = virtAddr
	c.RaiseException(PageFaultException, errorCode)
}

func (c *CPU) deliver(n InterruptNumber, info uint64) {
	handler := c.handlers[n]
	if handler == nil {
		return
	}

	snapshot := c.regs
	snapshot.Info = info

	// Handlers run with interrupts masked like an interrupt gate.
	savedFlags := c.regs.RFlags
	c.DisableInterrupts()
	handler(&snapshot)

	snapshot.RFlags = savedFlags
	c.regs.Load(snapshot.Context())
	if c.InterruptsEnabled() && len(c.pending) > 0 {
		c.EnableInterrupts()
	}
}

// ReadCR2 returns the virtual address that caused the last page fault.
func (c *CPU) ReadCR2() uintptr { return c.cr2 }

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr { return c.cr3 }

// SwitchPDT loads a new page table and flushes the whole TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = pdtPhysAddr
	c.tlb = swiss.NewMap[mm.Page, TLBEntry](64)
}

// FlushTLBEntry removes the cached translation for virtAddr.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	c.tlb.Delete(mm.PageFromAddress(virtAddr))
}

// LookupTLB returns the cached translation for page.
func (c *CPU) LookupTLB(page mm.Page) (TLBEntry, bool) {
	return c.tlb.Get(page)
}

// TLBSize returns the number of cached translations.
func (c *CPU) TLBSize() int {
	return c.tlb.Count()
}

// FillTLB caches a translation for page.
func (c *CPU) FillTLB(page mm.Page, entry TLBEntry) {
	c.tlb.Put(page, entry)
}

// Halted returns a channel that is closed once the machine halts.
func (c *CPU) Halted() <-chan struct{} { return c.halted }

// HaltRecord returns the reason the machine stopped. It is only meaningful
// after Halted is closed.
func (c *CPU) HaltRecord() HaltRecord { return c.haltRecord }

// Halt stops the machine. The calling context never resumes.
func (c *CPU) Halt(reason string) {
	c.halt(HaltRecord{Reason: reason})
}

// Fatal stops the machine after an unrecoverable error. The calling context
// never resumes.
func (c *CPU) Fatal(reason string) {
	c.halt(HaltRecord{Reason: reason, Fatal: true})
}

func (c *CPU) halt(rec HaltRecord) {
	c.haltOnce.Do(func() {
		c.haltRecord = rec
		if c.logger != nil {
			c.logger.Info("cpu halted", slog.String("reason", rec.Reason), slog.Bool("fatal", rec.Fatal))
		}
		close(c.halted)
	})
	runtime.Goexit()
}

// Park suspends the calling context until wake is signalled. If the machine
// halts while parked the context is terminated.
func (c *CPU) Park(wake <-chan struct{}) {
	select {
	case <-wake:
	case <-c.halted:
		runtime.Goexit()
	}
}

// Go starts a new execution context that runs fn once it is woken through
// wake. The context terminates if the machine halts first.
func (c *CPU) Go(wake <-chan struct{}, fn func()) {
	go func() {
		c.Park(wake)
		fn()
	}()
}

// Run executes boot as the first execution context and blocks until the
// machine halts. If boot returns without halting, the machine is halted on
// its behalf.
func (c *CPU) Run(boot func()) HaltRecord {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.haltOnce.Do(func() {
					c.haltRecord = HaltRecord{Reason: fmt.Sprint("panic: ", r), Fatal: true}
					close(c.halted)
				})
			}
		}()
		boot()
		c.Halt("boot context returned")
	}()

	<-c.halted
	return c.haltRecord
}
