package sched

import (
	"fmt"

	"coopos/kernel/cpu"
	"coopos/kernel/mm"
	"coopos/kernel/proc"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// switchTo saves the context of prev (nil for the boot context) on its stack,
// restores the context of next and parks the calling execution context until
// prev is restored by a later switch. Interrupts must be masked by the caller;
// enabled is the interrupt flag from before they were masked.
func (s *Scheduler) switchTo(prev, next *proc.Process, enabled bool) {
	var wake <-chan struct{}
	if prev != nil {
		s.save(prev, enabled)
		wake = prev.Wake()
	}

	s.logger.Debug("context switch",
		slog.Uint64("from", uint64(pidOf(prev))),
		slog.Uint64("to", uint64(next.PID())),
	)

	s.procs.SetNextProcess(next)
	s.restore()

	// The boot context has a nil wake channel and stays parked until the
	// machine halts.
	s.cpu.Park(wake)

	if s.cpu.InterruptsEnabled() {
		s.cpu.EnableInterrupts()
	}
}

// save pushes the register file of the running process as a context that
// resumes at the resume trampoline. enabled is the interrupt flag from before
// the switch masked interrupts.
func (s *Scheduler) save(p *proc.Process, enabled bool) {
	regs := s.cpu.Registers()

	ctx := regs.Context()
	ctx.RIP = uint64(proc.ResumeTrampoline)
	ctx.RFlags &^= cpu.FlagInterruptEnable
	if enabled {
		ctx.RFlags |= cpu.FlagInterruptEnable
	}

	p.SetSavedSP(proc.PushContext(s.mmu, uintptr(regs.RSP), ctx))
}

// restore loads the process in the handoff slot and transfers control to the
// code its saved context resumes at.
func (s *Scheduler) restore() {
	p := s.procs.TakeNextProcess()
	if p == nil {
		s.console.Panic(s.cpu, errors.Wrap(ErrCorruptContext, "empty handoff slot"))
	}

	s.procs.Load(p)
	if p.SavedSP() == 0 {
		s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d has no saved context", p.PID()))
	}

	ctx, sp := proc.PopContext(s.mmu, p.SavedSP())
	p.InvalidateSavedSP()

	if ctx.CS != cpu.KernelCodeSelector || ctx.SS != cpu.KernelDataSelector || ctx.RSP != uint64(sp) {
		s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d: cs=%#x ss=%#x rsp=%#x", p.PID(), ctx.CS, ctx.SS, ctx.RSP))
	}
	s.cpu.Registers().Load(ctx)

	switch uintptr(ctx.RIP) {
	case proc.StartTrampoline:
		if p.Started() {
			s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d started twice", p.PID()))
		}
		p.MarkStarted()
		s.cpu.Go(p.Wake(), func() { s.startTrampoline(p) })
	case proc.ResumeTrampoline:
	default:
		s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d: rip=%#x", p.PID(), ctx.RIP))
	}

	p.Wake() <- struct{}{}
}

// startTrampoline runs the entry point whose address sits at the top of the
// new process stack. When the entry point returns control reaches the exit
// trampoline.
func (s *Scheduler) startTrampoline(p *proc.Process) {
	regs := s.cpu.Registers()

	entryAddr := uintptr(s.mmu.ReadUint64(uintptr(regs.RSP)))
	regs.RSP += 1 << mm.PointerShift

	entry, ok := s.procs.LookupEntry(entryAddr)
	if !ok {
		s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d: unknown entry %#x", p.PID(), entryAddr))
	}

	if s.cpu.InterruptsEnabled() {
		s.cpu.EnableInterrupts()
	}

	entry()

	retAddr := uintptr(s.mmu.ReadUint64(uintptr(regs.RSP)))
	regs.RSP += 1 << mm.PointerShift
	if retAddr != proc.ExitTrampoline {
		s.console.Panic(s.cpu, errors.Wrapf(ErrCorruptContext, "pid %d: return address %#x", p.PID(), retAddr))
	}

	s.exit(p)
}

func (s *Scheduler) exit(p *proc.Process) {
	p.MarkTerminated()
	s.logger.Info("process exited", slog.Uint64("pid", uint64(p.PID())))
	s.cpu.Halt(fmt.Sprintf("process %d exited", p.PID()))
}

func pidOf(p *proc.Process) proc.PID {
	if p == nil {
		return proc.None
	}
	return p.PID()
}
