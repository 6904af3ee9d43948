package sched_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"coopos/kernel/cpu"
	"coopos/kernel/kmain"
	"coopos/kernel/proc"
	"coopos/kernel/sched"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// Assertions made from process or boot contexts use assert: a failing
// require would exit the goroutine that holds the CPU and Run would never
// return.

func boot(t *testing.T) (*kmain.Kernel, *bytes.Buffer) {
	var out bytes.Buffer

	cfg := kmain.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard))
	cfg.ConsoleSink = &out

	k, err := kmain.Boot(cfg)
	require.NoError(t, err)
	return k, &out
}

func newProcess(t *testing.T, k *kmain.Kernel, fn proc.Entry) *proc.Process {
	p, err := k.NewProcess(fn)
	require.NoError(t, err)
	return p
}

func TestQueueOrder(t *testing.T) {
	k, _ := boot(t)
	s := k.Sched

	a := newProcess(t, k, func() {})
	b := newProcess(t, k, func() {})
	c := newProcess(t, k, func() {})

	require.Nil(t, s.Pop())
	require.NoError(t, s.Resume(a))
	require.NoError(t, s.Resume(b))
	require.NoError(t, s.Resume(c))
	require.Equal(t, []proc.PID{1, 2, 3}, s.Queue())
	require.Equal(t, 3, s.Len())

	require.Equal(t, a, s.Pop())
	require.Equal(t, proc.None, a.Next())
	require.NoError(t, s.Resume(a))
	require.Equal(t, []proc.PID{2, 3, 1}, s.Queue())

	for _, exp := range []*proc.Process{b, c, a} {
		require.Equal(t, exp, s.Pop())
	}
	require.Nil(t, s.Pop())
	require.Zero(t, s.Len())
	require.Empty(t, s.Queue())

	// The queue is usable again once drained.
	require.NoError(t, s.Resume(c))
	require.Equal(t, []proc.PID{3}, s.Queue())
}

func TestResumeQueuedProcess(t *testing.T) {
	k, _ := boot(t)
	s := k.Sched

	a := newProcess(t, k, func() {})
	b := newProcess(t, k, func() {})

	require.NoError(t, s.Resume(a))
	require.True(t, errors.Is(s.Resume(a), sched.ErrAlreadyQueued), "queued as the tail")

	require.NoError(t, s.Resume(b))
	require.True(t, errors.Is(s.Resume(a), sched.ErrAlreadyQueued), "queued in the middle")
	require.Equal(t, []proc.PID{1, 2}, s.Queue())

	require.Error(t, s.Resume(nil))
}

func TestYieldOnEmptyQueue(t *testing.T) {
	t.Run("boot context", func(t *testing.T) {
		k, _ := boot(t)
		regs := *k.CPU.Registers()
		cr3 := k.CPU.ActivePDT()

		require.NoError(t, k.Yield())

		require.Equal(t, regs, *k.CPU.Registers())
		require.Equal(t, cr3, k.CPU.ActivePDT())
		require.Nil(t, k.Procs.Current())
		require.Nil(t, k.Procs.NextProcess())
		require.Zero(t, k.Sched.Len())
	})

	t.Run("running process", func(t *testing.T) {
		k, _ := boot(t)

		var (
			a     *proc.Process
			ran   bool
			after cpu.Registers
		)
		a = newProcess(t, k, func() {
			regs := k.CPU.Registers()
			regs.RBX, regs.R13 = 0x1234, 0x5678
			before := *regs
			cr3 := k.CPU.ActivePDT()

			for i := 0; i < 3; i++ {
				assert.NoError(t, k.Yield())
			}
			ran = true
			after = *regs

			assert.Equal(t, before, after)
			assert.Equal(t, cr3, k.CPU.ActivePDT())
			assert.Equal(t, a, k.Procs.Current())
			assert.Nil(t, k.Procs.NextProcess())
			assert.Zero(t, a.SavedSP(), "no context is saved for a process that keeps the CPU")
			assert.Empty(t, k.Sched.Queue())
			assert.Equal(t, proc.None, a.Next())
		})

		rec := k.Run(func() { assert.NoError(t, k.Start(a)) })

		require.False(t, rec.Fatal, rec.Reason)
		require.Equal(t, "process 1 exited", rec.Reason)
		require.True(t, ran)
		require.Equal(t, uint64(0x1234), after.RBX)
	})
}

func TestRoundRobin(t *testing.T) {
	k, _ := boot(t)

	var trace strings.Builder
	yielder := func(name string) proc.Entry {
		return func() {
			for i := 0; i < 5; i++ {
				trace.WriteString(name)
				assert.NoError(t, k.Yield())
			}
		}
	}

	a := newProcess(t, k, yielder("A"))
	b := newProcess(t, k, yielder("B"))
	c := newProcess(t, k, yielder("C"))

	rec := k.Run(func() {
		assert.NoError(t, k.Resume(b))
		assert.NoError(t, k.Resume(c))
		assert.NoError(t, k.Start(a))
	})

	require.False(t, rec.Fatal, rec.Reason)
	require.Equal(t, "process 1 exited", rec.Reason)
	require.Equal(t, strings.Repeat("ABC", 5), trace.String())
	require.True(t, a.Terminated())
	require.False(t, b.Terminated())
	require.Equal(t, []proc.PID{2, 3}, k.Sched.Queue())
}

func TestSwitchToPingPong(t *testing.T) {
	k, _ := boot(t)

	var (
		trace strings.Builder
		a, b  *proc.Process
	)
	a = newProcess(t, k, func() {
		for i := 0; i < 3; i++ {
			trace.WriteString("A")
			assert.NoError(t, k.SwitchTo(b))
		}
	})
	b = newProcess(t, k, func() {
		for {
			trace.WriteString("B")
			assert.NoError(t, k.SwitchTo(a))
		}
	})

	rec := k.Run(func() { assert.NoError(t, k.Start(a)) })

	require.False(t, rec.Fatal, rec.Reason)
	require.Equal(t, "ABABAB", trace.String())
	require.Zero(t, k.Sched.Len(), "direct hand-off does not queue the caller")
}

func TestRegistersSurviveSwitch(t *testing.T) {
	k, _ := boot(t)
	regs := k.CPU.Registers()

	var got cpu.Registers
	a := newProcess(t, k, func() {
		regs.RBX, regs.R12, regs.R15 = 0xaaaa, 0xa12, 0xa15
		assert.NoError(t, k.Yield())
		got = *regs
	})
	b := newProcess(t, k, func() {
		regs.RBX, regs.R12, regs.R15 = 0xbbbb, 0xb12, 0xb15
		assert.NoError(t, k.Yield())
	})

	rec := k.Run(func() {
		assert.NoError(t, k.Resume(b))
		assert.NoError(t, k.Start(a))
	})

	require.False(t, rec.Fatal, rec.Reason)
	require.Equal(t, uint64(0xaaaa), got.RBX)
	require.Equal(t, uint64(0xa12), got.R12)
	require.Equal(t, uint64(0xa15), got.R15)
	require.Equal(t, uint64(proc.ResumeTrampoline), got.RIP)
	require.Equal(t, uint64(a.StackBase()+0x2000-8), got.RSP)
}

func TestInterruptFlagFollowsProcess(t *testing.T) {
	k, _ := boot(t)

	type delivery struct {
		current proc.PID
		queue   []proc.PID
	}

	var (
		delivered []delivery
		aFlag     bool
	)
	k.CPU.HandleInterrupt(cpu.TimerIRQ, func(*cpu.Registers) {
		delivered = append(delivered, delivery{k.Procs.Current().PID(), k.Sched.Queue()})
	})

	a := newProcess(t, k, func() {
		k.CPU.DisableInterrupts()
		k.CPU.RaiseInterrupt(cpu.TimerIRQ)
		assert.NoError(t, k.Yield())
		aFlag = k.CPU.InterruptsEnabled()
	})
	b := newProcess(t, k, func() {
		assert.True(t, k.CPU.InterruptsEnabled())
		assert.NoError(t, k.Yield())
	})

	rec := k.Run(func() {
		assert.NoError(t, k.Resume(b))
		assert.NoError(t, k.Start(a))
	})

	require.False(t, rec.Fatal, rec.Reason)
	// The pending IRQ is delivered once, after the switch has completed.
	require.Equal(t, []delivery{{current: 2, queue: []proc.PID{1}}}, delivered)
	require.False(t, aFlag, "the interrupt flag is restored with the context")
}

func TestYieldKeepsInterruptsMaskedUntilSwitch(t *testing.T) {
	k, _ := boot(t)

	var (
		delivered []proc.PID
		aFlag     bool
	)
	k.CPU.HandleInterrupt(cpu.TimerIRQ, func(*cpu.Registers) {
		delivered = append(delivered, k.Procs.Current().PID())
	})

	a := newProcess(t, k, func() {
		assert.True(t, k.CPU.InterruptsEnabled())
		assert.NoError(t, k.Yield())
		aFlag = k.CPU.InterruptsEnabled()
	})
	b := newProcess(t, k, func() {
		// a yielded with interrupts enabled; its saved context says so.
		assert.NotZero(t, k.Procs.SavedContext(a).RFlags&cpu.FlagInterruptEnable)

		k.CPU.DisableInterrupts()
		k.CPU.RaiseInterrupt(cpu.TimerIRQ)
		assert.NoError(t, k.Yield())
	})

	rec := k.Run(func() {
		assert.NoError(t, k.Resume(b))
		assert.NoError(t, k.Start(a))
	})

	require.False(t, rec.Fatal, rec.Reason)
	require.True(t, aFlag)
	require.Equal(t, []proc.PID{1}, delivered, "the IRQ raised by b is taken by a once it resumes with interrupts enabled")
}

func TestCorruptContextHalts(t *testing.T) {
	k, out := boot(t)

	a := newProcess(t, k, func() { t.Error("corrupt process must not run") })

	rec := k.Run(func() {
		k.Procs.Load(a)
		// Overwrite the saved CS selector.
		k.Memory().WriteUint64(a.SavedSP()+16*8, 0x2b)
		assert.NoError(t, k.Start(a))
	})

	require.True(t, rec.Fatal)
	require.Contains(t, out.String(), "[sched] unrecoverable error")
	require.Contains(t, rec.Reason, "corrupt saved context")
}
