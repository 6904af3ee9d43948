// Package proc manages processes and their address spaces.
package proc

import (
	"fmt"

	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm"
	"coopos/kernel/mm/pmm"
	"coopos/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

var (
	// ErrNoCurrentProcess is returned by operations that act on the running
	// process when none is running.
	ErrNoCurrentProcess = &kernel.Error{Module: "proc", Message: "no process is currently running"}

	// ErrUnknownProcess is returned for PIDs that were never assigned.
	ErrUnknownProcess = &kernel.Error{Module: "proc", Message: "unknown process"}

	// ErrUnknownEntry is returned for entry addresses that were never registered.
	ErrUnknownEntry = &kernel.Error{Module: "proc", Message: "unknown entry point"}

	errIllegalAccess = &kernel.Error{Module: "proc", Message: "illegal memory access"}
)

// Table owns every process and tracks the running one.
type Table struct {
	cpu       *cpu.CPU
	mmu       *vmm.MMU
	frames    *pmm.FrameAllocator
	kernelPDT vmm.PageDirectoryTable
	console   *kfmt.Console
	strategy  vmm.AllocationStrategy
	logger    *slog.Logger

	// procs is indexed by PID-1.
	procs   []*Process
	lastPID PID
	current PID

	// handoff holds the process the next context switch dispatches.
	handoff PID

	entries   *swiss.Map[uintptr, Entry]
	nextEntry uintptr
}

// NewTable returns an empty process table. New address spaces share the
// kernel mappings of kernelPDT.
func NewTable(c *cpu.CPU, frames *pmm.FrameAllocator, kernelPDT vmm.PageDirectoryTable, console *kfmt.Console, strategy vmm.AllocationStrategy, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		cpu:       c,
		mmu:       vmm.NewMMU(c),
		frames:    frames,
		kernelPDT: kernelPDT,
		console:   console,
		strategy:  strategy,
		logger:    logger,
		entries:   swiss.NewMap[uintptr, Entry](16),
		nextEntry: entryTableBase,
	}
}

// MMU returns the MMU used for process memory accesses.
func (t *Table) MMU() *vmm.MMU { return t.mmu }

// RegisterEntry adds fn to the entry point table and returns its address.
func (t *Table) RegisterEntry(fn Entry) uintptr {
	addr := t.nextEntry
	t.nextEntry += entryAlign
	t.entries.Put(addr, fn)
	return addr
}

// LookupEntry returns the entry point registered at addr.
func (t *Table) LookupEntry(addr uintptr) (Entry, bool) {
	return t.entries.Get(addr)
}

// New creates a process that starts executing the entry point registered at
// entryAddr. Interrupts are masked for the duration of the call.
func (t *Table) New(entryAddr uintptr) (*Process, error) {
	if _, ok := t.entries.Get(entryAddr); !ok {
		return nil, errors.Wrapf(ErrUnknownEntry, "creating process with entry %#x", entryAddr)
	}

	enabled := t.cpu.SaveAndDisableInterrupts()
	defer t.cpu.RestoreInterrupts(enabled)

	var taken []mm.Frame
	fail := func(err error, msg string) (*Process, error) {
		for _, frame := range taken {
			_ = t.frames.FreeFrame(frame)
		}
		return nil, errors.Wrap(err, msg)
	}

	pdtFrame, kerr := t.frames.AllocKernelFrame()
	if kerr != nil {
		return fail(kerr, "allocating page directory")
	}
	taken = append(taken, pdtFrame)

	p3Frame, kerr := t.frames.AllocKernelFrame()
	if kerr != nil {
		return fail(kerr, "allocating private level-3 table")
	}
	taken = append(taken, p3Frame)

	poolFrame, kerr := t.frames.AllocKernelFrame()
	if kerr != nil {
		return fail(kerr, "allocating vmpool")
	}
	taken = append(taken, poolFrame)

	p := &Process{
		entry: entryAddr,
		wake:  make(chan struct{}, 1),
		table: t,
	}
	t.initAddressSpace(&p.pdt, pdtFrame, p3Frame)
	p.pool = vmm.InitVMPool(poolFrame, t.cpu.Memory().Page(poolFrame), mm.HeapStart, mm.HeapSize, p, t.strategy)

	t.lastPID++
	p.pid = t.lastPID
	t.procs = append(t.procs, p)

	if err := t.buildInitialStack(p, &taken); err != nil {
		// The PID stays burnt; only the arena slot is dropped.
		t.procs = t.procs[:len(t.procs)-1]
		return fail(err, "building initial context")
	}

	t.logger.Debug("process created",
		slog.Uint64("pid", uint64(p.pid)),
		slog.String("pdt", fmt.Sprintf("%#x", pdtFrame.Address())),
		slog.String("stack", fmt.Sprintf("%#x", p.stackBase)),
	)

	return p, nil
}

// initAddressSpace builds a page directory that shares the kernel's top-level
// entries, owns a private level-3 table for slot 0 (whose first entry keeps
// the kernel window) and maps itself recursively.
func (t *Table) initAddressSpace(pdt *vmm.PageDirectoryTable, pdtFrame, p3Frame mm.Frame) {
	mem := t.cpu.Memory()

	pdt.Init(t.cpu, pdtFrame)
	for i := 1; i < vmm.RecursiveSlot; i++ {
		if pte := t.kernelPDT.Entry(i); pte.HasFlags(vmm.FlagPresent) {
			pdt.SetEntry(i, pte)
		}
	}

	mem.Zero(p3Frame)
	if bootP3 := t.kernelPDT.Entry(0); bootP3.HasFlags(vmm.FlagPresent) {
		mem.WriteUint64(p3Frame.Address(), mem.ReadUint64(bootP3.Frame().Address()))
	}
	pdt.SetEntry(0, vmm.PageTableEntry(0).WithFrame(p3Frame).WithFlags(vmm.FlagPresent|vmm.FlagRW))
}

// buildInitialStack reserves the process stack and writes the context the
// first switch to p restores. The pages holding the initial image are backed
// up front so that running out of frames is reported to the caller; the rest
// of the stack faults in on demand. Every frame it takes is appended to taken.
func (t *Table) buildInitialStack(p *Process, taken *[]mm.Frame) error {
	var err error

	t.inAddressSpace(p, func() {
		stack, kerr := p.pool.Allocate(mm.ProcessStackSize)
		if kerr != nil {
			err = errors.Wrap(kerr, "allocating stack")
			return
		}

		p.stackBase = stack
		top := stack + mm.ProcessStackSize
		imageBase := top - 2*8 - cpu.ContextSize
		if err = t.backPages(p, imageBase, top, taken); err != nil {
			return
		}

		t.mmu.WriteUint64(top-8, uint64(ExitTrampoline))
		t.mmu.WriteUint64(top-16, uint64(p.entry))
		p.savedSP = PushContext(t.mmu, top-16, InitialContext(top))
	})

	return err
}

// backPages maps zeroed user frames over [start, end) in p's address space.
func (t *Table) backPages(p *Process, start, end uintptr, taken *[]mm.Frame) error {
	allocTable := func() (mm.Frame, *kernel.Error) {
		frame, err := t.frames.AllocKernelFrame()
		if err == nil {
			*taken = append(*taken, frame)
		}
		return frame, err
	}

	for page := mm.PageFromAddress(start); page <= mm.PageFromAddress(end-1); page++ {
		frame, err := t.frames.AllocUserFrame()
		if err != nil {
			return errors.Wrapf(err, "backing stack page %#x", page.Address())
		}
		*taken = append(*taken, frame)

		t.cpu.Memory().Zero(frame)
		if err = p.pdt.Map(page, frame, vmm.FlagPresent|vmm.FlagRW, allocTable); err != nil {
			return errors.Wrapf(err, "mapping stack page %#x", page.Address())
		}
	}

	return nil
}

// inAddressSpace runs fn with p as the current process and its page
// directory loaded. The previous state is restored afterwards.
func (t *Table) inAddressSpace(p *Process, fn func()) {
	prevCR3, prevCurrent := t.cpu.ActivePDT(), t.current
	defer func() {
		t.current = prevCurrent
		t.cpu.SwitchPDT(prevCR3)
	}()

	t.current = p.pid
	p.pdt.Activate()
	fn()
}

// SavedContext decodes the context saved on the stack of a suspended process.
func (t *Table) SavedContext(p *Process) cpu.Context {
	var ctx cpu.Context
	t.inAddressSpace(p, func() {
		ctx, _ = PopContext(t.mmu, p.savedSP)
	})
	return ctx
}

// Get returns the process with the given PID.
func (t *Table) Get(pid PID) (*Process, error) {
	if pid == None || int(pid) > len(t.procs) {
		return nil, errors.Wrapf(ErrUnknownProcess, "pid %d", pid)
	}
	return t.procs[pid-1], nil
}

// Lookup returns the process with the given PID or nil.
func (t *Table) Lookup(pid PID) *Process {
	p, _ := t.Get(pid)
	return p
}

// Len returns the number of processes ever created.
func (t *Table) Len() int { return len(t.procs) }

// Current returns the running process or nil while the boot context runs.
func (t *Table) Current() *Process {
	return t.Lookup(t.current)
}

// Load makes p the current process and loads its address space.
func (t *Table) Load(p *Process) {
	t.current = p.pid
	p.pdt.Activate()
}

// SetNextProcess stores the process the next switch dispatches.
func (t *Table) SetNextProcess(p *Process) {
	t.handoff = p.pid
}

// NextProcess returns the process in the handoff slot without clearing it.
func (t *Table) NextProcess() *Process {
	return t.Lookup(t.handoff)
}

// TakeNextProcess empties the handoff slot and returns its process.
func (t *Table) TakeNextProcess() *Process {
	p := t.Lookup(t.handoff)
	t.handoff = None
	return p
}

// HandleFault backs the page containing addr with a zeroed user frame if addr
// belongs to a live region of the current process' VMPool.
func (t *Table) HandleFault(addr uintptr) bool {
	p := t.Current()
	if p == nil || !p.pool.IsLegitimate(addr) {
		return false
	}

	frame, err := t.frames.AllocUserFrame()
	if err != nil {
		t.logger.Error("page fault: no user frames left", slog.Uint64("pid", uint64(p.pid)))
		return false
	}

	t.cpu.Memory().Zero(frame)
	if err = p.pdt.Map(mm.PageFromAddress(addr), frame, vmm.FlagPresent|vmm.FlagRW, t.frames.AllocKernelFrame); err != nil {
		_ = t.frames.FreeFrame(frame)
		t.logger.Error("page fault: mapping failed", slog.String("err", err.Error()))
		return false
	}

	return true
}

// FreePage unmaps virtAddr from the current address space and frees its
// frame.
func (t *Table) FreePage(virtAddr uintptr) error {
	p := t.Current()
	if p == nil {
		return ErrNoCurrentProcess
	}
	t.freePage(p, virtAddr)
	return nil
}

func (t *Table) freePage(p *Process, virtAddr uintptr) {
	frame, err := p.pdt.Unmap(mm.PageFromAddress(virtAddr))
	if err == nil && frame.Valid() {
		_ = t.frames.FreeFrame(frame)
	}

	if p.pdt.IsActive() {
		t.cpu.FlushTLBEntry(virtAddr)
	}
}

// InstallFaultHandler routes page faults to HandleFault. Faults it cannot
// resolve are reported on the console and halt the machine.
func (t *Table) InstallFaultHandler() {
	t.cpu.HandleInterrupt(cpu.PageFaultException, func(regs *cpu.Registers) {
		addr := t.cpu.ReadCR2()
		if t.HandleFault(addr) {
			return
		}

		vmm.ReportPageFault(t.console, addr, regs.Info, regs)
		t.console.Panic(t.cpu, errors.Wrapf(errIllegalAccess, "pid %d accessed %#x", t.current, addr))
	})
}

// PrintDetailedMap writes a JSON array describing every process to writer.
func (t *Table) PrintDetailedMap(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for _, p := range t.procs {
		obj := arr.Object()
		obj.Name("PID").Int(int(p.pid))
		obj.Name("Entry").String(fmt.Sprintf("%#x", p.EntryAddress()))
		obj.Name("Current").Bool(p.pid == t.current)
		obj.Name("Started").Bool(p.started)
		obj.Name("Terminated").Bool(p.terminated)
		obj.Name("PDT").String(fmt.Sprintf("%#x", p.pdt.Frame().Address()))
		obj.Name("Stack").String(fmt.Sprintf("%#x", p.stackBase))
		obj.Name("Next").Int(int(p.next))

		poolObj := obj.Name("VMPool").Object()
		p.pool.PrintDetailedMap(&poolObj)
		poolObj.End()

		obj.End()
	}
}
