// Package kmain wires the kernel subsystems together and exposes the API that
// process code and boot code use.
package kmain

import (
	"io"
	"os"

	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/hal/multiboot"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm"
	"coopos/kernel/mm/pmm"
	"coopos/kernel/mm/vmm"
	"coopos/kernel/proc"
	"coopos/kernel/sched"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Kernel holds every subsystem of a booted machine.
type Kernel struct {
	CPU       *cpu.CPU
	Console   *kfmt.Console
	Frames    *pmm.FrameAllocator
	KernelPDT vmm.PageDirectoryTable
	MMU       *vmm.MMU
	Procs     *proc.Table
	Sched     *sched.Scheduler
	Logger    *slog.Logger
}

// Boot brings up a machine described by cfg: it seeds the frame allocator,
// builds and activates the boot page directory and sets up the process table
// and the scheduler.
func Boot(cfg Config) (*Kernel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.HandlerOptions{Level: cfg.LogLevel}.NewTextHandler(os.Stderr))
	}

	k := &Kernel{
		CPU:     cpu.New(logger),
		Console: kfmt.NewConsole(cfg.ConsoleSink),
		Logger:  logger,
	}
	k.Frames = pmm.NewFrameAllocator(k.CPU.Memory(), logger)

	k.printMemoryMap(cfg.MemoryMap)

	var err *kernel.Error
	if err = k.Frames.Init(cfg.MemoryMap); err != nil {
		return nil, errors.Wrap(err, "initializing frame allocator")
	} else if err = k.setupKernelPDT(); err != nil {
		return nil, errors.Wrap(err, "building boot page directory")
	}

	k.Procs = proc.NewTable(k.CPU, k.Frames, k.KernelPDT, k.Console, cfg.Strategy, logger)
	k.MMU = k.Procs.MMU()
	k.Sched = sched.New(k.CPU, k.Procs, k.Console, logger)
	k.Procs.InstallFaultHandler()

	stats := k.Frames.Stats()
	logger.Info("kernel booted",
		slog.Uint64("total_frames", stats.TotalFrames),
		slog.Uint64("free_frames", stats.FreeFrames),
		slog.String("strategy", cfg.Strategy.String()),
	)

	return k, nil
}

// printMemoryMap writes the physical memory map to the console.
func (k *Kernel) printMemoryMap(memMap multiboot.MemoryMap) {
	w := &kfmt.PrefixWriter{Sink: k.Console, Prefix: []byte("[boot] ")}

	kfmt.Fprintf(w, "system memory map:\n")
	memMap.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%010x - 0x%010x], size: %10d, type: %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length, entry.Type.String())
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", memMap.TotalAvailable()/uint64(mm.Kb))
}

// setupKernelPDT identity maps the first 2M of physical memory with 4K pages
// and maps the kernel window at KernelVirtStart with a single huge page.
func (k *Kernel) setupKernelPDT() *kernel.Error {
	pdtFrame, err := k.Frames.AllocKernelFrame()
	if err != nil {
		return err
	}

	k.KernelPDT.Init(k.CPU, pdtFrame)
	for page := mm.Page(0); page < mm.PageFromAddress(mm.KernelPhysStart); page++ {
		if err = k.KernelPDT.Map(page, mm.Frame(page), vmm.FlagPresent|vmm.FlagRW, k.Frames.AllocKernelFrame); err != nil {
			return err
		}
	}

	if err = k.KernelPDT.MapHugePage(mm.KernelVirtStart, mm.KernelPhysStart, vmm.FlagRW, k.Frames.AllocKernelFrame); err != nil {
		return err
	}

	k.KernelPDT.Activate()
	return nil
}

// NewProcess registers fn as an entry point and creates a process that runs it.
func (k *Kernel) NewProcess(fn proc.Entry) (*proc.Process, error) {
	return k.Procs.New(k.Procs.RegisterEntry(fn))
}

// Resume appends p to the ready queue.
func (k *Kernel) Resume(p *proc.Process) error { return k.Sched.Resume(p) }

// Yield hands the CPU to the next ready process.
func (k *Kernel) Yield() error { return k.Sched.Yield() }

// SwitchTo hands the CPU to p without requeuing the caller.
func (k *Kernel) SwitchTo(p *proc.Process) error { return k.Sched.SwitchTo(p) }

// Start leaves the boot context and runs p. It never returns.
func (k *Kernel) Start(p *proc.Process) error { return k.Sched.Start(p) }

// Exit terminates the running context and halts the machine.
func (k *Kernel) Exit() { k.Sched.Exit() }

// Allocate reserves size bytes from the VMPool of the running process. The
// pages are backed on first access.
func (k *Kernel) Allocate(size uintptr) (uintptr, error) {
	p := k.Procs.Current()
	if p == nil {
		return 0, proc.ErrNoCurrentProcess
	}

	addr, err := p.Pool().Allocate(size)
	if err != nil {
		return 0, errors.Wrapf(err, "pid %d: allocating %d bytes", p.PID(), size)
	}
	return addr, nil
}

// Release returns the region starting at addr to the VMPool of the running
// process and frees the frames backing it.
func (k *Kernel) Release(addr uintptr) error {
	p := k.Procs.Current()
	if p == nil {
		return proc.ErrNoCurrentProcess
	}

	if err := p.Pool().Release(addr); err != nil {
		return errors.Wrapf(err, "pid %d: releasing %#x", p.PID(), addr)
	}
	return nil
}

// Memory returns the MMU through which process code accesses memory.
func (k *Kernel) Memory() *vmm.MMU { return k.MMU }

// Printf writes to the kernel console.
func (k *Kernel) Printf(format string, args ...interface{}) {
	k.Console.Printf(format, args...)
}

// Run executes boot as the boot context and blocks until the machine halts.
func (k *Kernel) Run(boot func()) cpu.HaltRecord {
	return k.CPU.Run(boot)
}

// DumpState writes a JSON description of the frame pools, the processes and
// the ready queue to w.
func (k *Kernel) DumpState(w io.Writer) error {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	k.Frames.PrintDetailedMap(obj.Name("Frames"))
	k.Procs.PrintDetailedMap(obj.Name("Processes"))
	k.Sched.PrintDetailedMap(obj.Name("ReadyQueue"))
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "encoding kernel state")
	}

	_, err := w.Write(writer.Bytes())
	return err
}
