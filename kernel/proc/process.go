package proc

import (
	"coopos/kernel/mm"
	"coopos/kernel/mm/vmm"
)

// PID identifies a process. PIDs are assigned in increasing order starting
// at 1 and are never reused.
type PID uint64

// None is the empty process handle.
const None = PID(0)

// Entry is the code a process runs.
type Entry func()

// Process is an independent execution context with its own address space.
type Process struct {
	pid   PID
	entry uintptr

	// savedSP points to the context saved on the process stack. It is only
	// valid while the process is not running.
	savedSP uintptr

	pdt       vmm.PageDirectoryTable
	pool      *vmm.VMPool
	stackBase uintptr

	started    bool
	terminated bool

	// next links the process into the ready queue.
	next PID

	// wake resumes the goroutine that executes the process.
	wake chan struct{}

	table *Table
}

// PID returns the process identifier.
func (p *Process) PID() PID { return p.pid }

// EntryAddress returns the address of the process entry point.
func (p *Process) EntryAddress() uintptr { return p.entry }

// SavedSP returns the stack pointer saved by the last switch away from p.
func (p *Process) SavedSP() uintptr { return p.savedSP }

// SetSavedSP records the stack pointer of a suspended process.
func (p *Process) SetSavedSP(sp uintptr) { p.savedSP = sp }

// InvalidateSavedSP marks the saved stack pointer as stale once p runs.
func (p *Process) InvalidateSavedSP() { p.savedSP = 0 }

// PDT returns the process page directory table.
func (p *Process) PDT() vmm.PageDirectoryTable { return p.pdt }

// PDTVirtAddr returns the kernel alias of the page directory table.
func (p *Process) PDTVirtAddr() uintptr {
	return mm.KernelPhysToVirt(p.pdt.Frame().Address())
}

// Pool returns the VMPool that manages the process heap window.
func (p *Process) Pool() *vmm.VMPool { return p.pool }

// StackBase returns the lowest address of the process stack.
func (p *Process) StackBase() uintptr { return p.stackBase }

// Started returns true once the process has been dispatched.
func (p *Process) Started() bool { return p.started }

// MarkStarted flags the process as dispatched.
func (p *Process) MarkStarted() { p.started = true }

// Terminated returns true after the process entry point returned.
func (p *Process) Terminated() bool { return p.terminated }

// MarkTerminated flags the process as finished.
func (p *Process) MarkTerminated() { p.terminated = true }

// Next returns the next process in the ready queue.
func (p *Process) Next() PID { return p.next }

// SetNext links the process to the next one in the ready queue.
func (p *Process) SetNext(next PID) { p.next = next }

// Wake returns the channel that hands the CPU to the process.
func (p *Process) Wake() chan struct{} { return p.wake }

// FreePage drops the mapping of virtAddr in the process address space and
// returns its backing frame. Pages that were never touched have no mapping.
func (p *Process) FreePage(virtAddr uintptr) {
	p.table.freePage(p, virtAddr)
}
