// Package sched implements the cooperative round-robin scheduler.
package sched

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm/vmm"
	"coopos/kernel/proc"
	"coopos/kernel/sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

var (
	// ErrAlreadyQueued is returned when resuming a process that is already
	// in the ready queue.
	ErrAlreadyQueued = &kernel.Error{Module: "sched", Message: "process is already queued"}

	// ErrCorruptContext is reported when a saved context cannot be restored.
	ErrCorruptContext = &kernel.Error{Module: "sched", Message: "corrupt saved context"}

	errNilProcess = &kernel.Error{Module: "sched", Message: "nil process"}
)

// Scheduler keeps the ready queue and switches between processes.
type Scheduler struct {
	cpu     *cpu.CPU
	mmu     *vmm.MMU
	procs   *proc.Table
	console *kfmt.Console
	logger  *slog.Logger

	lock  sync.Spinlock
	head  proc.PID
	tail  proc.PID
	count int
}

// New returns a scheduler with an empty ready queue.
func New(c *cpu.CPU, procs *proc.Table, console *kfmt.Console, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cpu:     c,
		mmu:     procs.MMU(),
		procs:   procs,
		console: console,
		logger:  logger,
	}
}

// Resume appends p to the tail of the ready queue.
func (s *Scheduler) Resume(p *proc.Process) error {
	if p == nil {
		return errNilProcess
	}

	enabled := s.cpu.SaveAndDisableInterrupts()
	defer s.cpu.RestoreInterrupts(enabled)
	s.lock.Acquire()
	defer s.lock.Release()

	return s.enqueue(p)
}

// Pop removes and returns the process at the head of the ready queue or nil
// if the queue is empty.
func (s *Scheduler) Pop() *proc.Process {
	enabled := s.cpu.SaveAndDisableInterrupts()
	defer s.cpu.RestoreInterrupts(enabled)
	s.lock.Acquire()
	defer s.lock.Release()

	return s.dequeue()
}

// enqueue and dequeue expect the caller to hold the lock with interrupts
// masked.
func (s *Scheduler) enqueue(p *proc.Process) error {
	if p.Next() != proc.None || s.tail == p.PID() {
		return errors.Wrapf(ErrAlreadyQueued, "pid %d", p.PID())
	}

	p.SetNext(proc.None)
	if s.tail == proc.None {
		s.head = p.PID()
	} else {
		s.procs.Lookup(s.tail).SetNext(p.PID())
	}
	s.tail = p.PID()
	s.count++

	return nil
}

func (s *Scheduler) dequeue() *proc.Process {
	if s.head == proc.None {
		return nil
	}

	p := s.procs.Lookup(s.head)
	s.head = p.Next()
	if s.head == proc.None {
		s.tail = proc.None
	}
	p.SetNext(proc.None)
	s.count--

	return p
}

// Len returns the number of queued processes.
func (s *Scheduler) Len() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}

// Queue returns the PIDs of the queued processes from head to tail.
func (s *Scheduler) Queue() []proc.PID {
	s.lock.Acquire()
	defer s.lock.Release()

	pids := make([]proc.PID, 0, s.count)
	for pid := s.head; pid != proc.None; pid = s.procs.Lookup(pid).Next() {
		pids = append(pids, pid)
	}
	return pids
}

// Yield hands the CPU to the process at the head of the ready queue and
// requeues the caller. It returns once the caller is scheduled again. Yield
// is a no-op if the ready queue is empty. Interrupts stay masked from the
// dequeue until the switch completes.
func (s *Scheduler) Yield() error {
	enabled := s.cpu.SaveAndDisableInterrupts()
	s.lock.Acquire()

	next := s.dequeue()
	if next == nil {
		s.lock.Release()
		s.cpu.RestoreInterrupts(enabled)
		return nil
	}

	prev := s.procs.Current()
	if prev != nil {
		// prev may have been queued already while running.
		_ = s.enqueue(prev)
	}
	s.lock.Release()

	s.switchTo(prev, next, enabled)
	return nil
}

// SwitchTo hands the CPU directly to p without requeuing the caller. It
// returns once the caller is scheduled again.
func (s *Scheduler) SwitchTo(p *proc.Process) error {
	if p == nil {
		return errNilProcess
	}

	enabled := s.cpu.SaveAndDisableInterrupts()
	s.switchTo(s.procs.Current(), p, enabled)
	return nil
}

// Start performs the first switch away from the boot context. It never
// returns.
func (s *Scheduler) Start(p *proc.Process) error {
	if p == nil {
		return errNilProcess
	}

	s.logger.Info("starting scheduler", slog.Uint64("pid", uint64(p.PID())))
	enabled := s.cpu.SaveAndDisableInterrupts()
	s.switchTo(nil, p, enabled)
	return nil
}

// Exit terminates the running process. Processes are never reclaimed, so
// exiting halts the machine.
func (s *Scheduler) Exit() {
	p := s.procs.Current()
	if p == nil {
		s.cpu.Halt("boot context exited")
	}
	s.exit(p)
}

// PrintDetailedMap writes the ready queue as a JSON array of PIDs.
func (s *Scheduler) PrintDetailedMap(writer *jwriter.Writer) {
	arr := writer.Array()
	for _, pid := range s.Queue() {
		arr.Int(int(pid))
	}
	arr.End()
}
