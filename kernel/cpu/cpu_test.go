package cpu

import (
	"testing"

	"coopos/kernel/mm"

	"github.com/stretchr/testify/require"
)

func TestInterruptMasking(t *testing.T) {
	c := New(nil)
	require.False(t, c.InterruptsEnabled())

	var delivered []InterruptNumber
	c.HandleInterrupt(TimerIRQ, func(regs *Registers) {
		require.False(t, c.InterruptsEnabled(), "handlers must run with interrupts masked")
		delivered = append(delivered, InterruptNumber(regs.Info))
	})

	c.RaiseInterrupt(TimerIRQ)
	c.RaiseInterrupt(TimerIRQ)
	require.Empty(t, delivered)
	require.Equal(t, 2, c.PendingInterrupts())

	c.EnableInterrupts()
	require.Equal(t, []InterruptNumber{TimerIRQ, TimerIRQ}, delivered)
	require.Zero(t, c.PendingInterrupts())
	require.True(t, c.InterruptsEnabled())

	c.RaiseInterrupt(TimerIRQ)
	require.Len(t, delivered, 3)
}

func TestSaveAndRestoreInterrupts(t *testing.T) {
	c := New(nil)

	c.EnableInterrupts()
	prev := c.SaveAndDisableInterrupts()
	require.True(t, prev)
	require.False(t, c.InterruptsEnabled())

	nested := c.SaveAndDisableInterrupts()
	require.False(t, nested)
	c.RestoreInterrupts(nested)
	require.False(t, c.InterruptsEnabled())

	c.RestoreInterrupts(prev)
	require.True(t, c.InterruptsEnabled())
}

func TestRaisePageFault(t *testing.T) {
	c := New(nil)

	var gotCode uint64
	c.HandleInterrupt(PageFaultException, func(regs *Registers) {
		gotCode = regs.Info
		regs.RAX = 42
	})

	c.RaisePageFault(0xbadf00d, 2)
	require.Equal(t, uintptr(0xbadf00d), c.ReadCR2())
	require.Equal(t, uint64(2), gotCode)
	require.Equal(t, uint64(42), c.Registers().RAX, "register changes made by the handler are loaded back")
}

func TestTLB(t *testing.T) {
	c := New(nil)

	page := mm.PageFromAddress(0x40001000)
	c.FillTLB(page, TLBEntry{Frame: 9, Writable: true})

	entry, ok := c.LookupTLB(page)
	require.True(t, ok)
	require.Equal(t, mm.Frame(9), entry.Frame)

	c.FlushTLBEntry(page.Address() + 10)
	_, ok = c.LookupTLB(page)
	require.False(t, ok)

	c.FillTLB(page, TLBEntry{Frame: 9})
	c.FillTLB(page+1, TLBEntry{Frame: 10})
	c.SwitchPDT(0x5000)
	require.Equal(t, uintptr(0x5000), c.ActivePDT())
	require.Zero(t, c.TLBSize())
}

func TestRunAndHalt(t *testing.T) {
	t.Run("explicit halt", func(t *testing.T) {
		c := New(nil)
		rec := c.Run(func() {
			c.Halt("done")
			t.Error("Halt returned")
		})
		require.Equal(t, HaltRecord{Reason: "done"}, rec)
	})

	t.Run("boot returns", func(t *testing.T) {
		c := New(nil)
		rec := c.Run(func() {})
		require.False(t, rec.Fatal)
		require.Equal(t, "boot context returned", rec.Reason)
	})

	t.Run("unhandled exception", func(t *testing.T) {
		c := New(nil)
		rec := c.Run(func() {
			c.RaiseException(GPFException, 0)
		})
		require.True(t, rec.Fatal)
		require.Contains(t, rec.Reason, "general protection fault")
	})

	t.Run("exception inside handler", func(t *testing.T) {
		c := New(nil)
		c.HandleInterrupt(PageFaultException, func(*Registers) {
			c.RaisePageFault(0x10, 0)
		})
		rec := c.Run(func() {
			c.RaisePageFault(0x10, 0)
		})
		require.True(t, rec.Fatal)
		require.Contains(t, rec.Reason, "double fault")
	})
}

func TestParkAndGo(t *testing.T) {
	c := New(nil)

	var order []string
	wakeA := make(chan struct{}, 1)
	wakeBoot := make(chan struct{}, 1)

	rec := c.Run(func() {
		c.Go(wakeA, func() {
			order = append(order, "a")
			wakeBoot <- struct{}{}
			c.Park(make(chan struct{}))
		})

		order = append(order, "boot")
		wakeA <- struct{}{}
		c.Park(wakeBoot)
		order = append(order, "boot again")
		c.Halt("finished")
	})

	require.Equal(t, "finished", rec.Reason)
	require.Equal(t, []string{"boot", "a", "boot again"}, order)
}
