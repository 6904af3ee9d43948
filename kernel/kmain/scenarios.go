package kmain

import (
	"strings"

	"coopos/kernel"
	"coopos/kernel/mm"
	"coopos/kernel/proc"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// ErrUnknownScenario is returned by RunScenario for names not in Scenarios.
var ErrUnknownScenario = &kernel.Error{Module: "kmain", Message: "unknown scenario"}

// scenario is a self-checking boot program. Unless expectFatal is set, it
// must call pass before the machine halts.
type scenario struct {
	boot        func(r *scenarioRun)
	expectFatal string
}

type scenarioRun struct {
	k      *Kernel
	passed bool
}

func (r *scenarioRun) pass() {
	r.passed = true
	r.k.Printf("ok\n")
	r.k.Exit()
}

func (r *scenarioRun) fail(format string, args ...interface{}) {
	r.k.Printf("failed\n"+format+"\n", args...)
	r.k.Exit()
}

func (r *scenarioRun) check(err error) {
	if err != nil {
		r.fail("%v", err)
	}
}

func (r *scenarioRun) newProcess(fn proc.Entry) *proc.Process {
	p, err := r.k.NewProcess(fn)
	r.check(err)
	return p
}

var scenarios = map[string]scenario{
	"memory-layout":          {boot: memoryLayout},
	"process-initialization": {boot: processInitialization},
	"invalid-vmpool-entry":   {boot: invalidVMPoolEntry, expectFatal: "illegal memory access"},
	"scheduler":              {boot: schedulerRoundRobin},
	"two-processes":          {boot: twoProcesses},
}

// Scenarios returns the names of the built-in scenarios in sorted order.
func Scenarios() []string {
	names := maps.Keys(scenarios)
	slices.Sort(names)
	return names
}

// RunScenario boots a machine with cfg, runs the named scenario on it and
// reports whether it passed. The verdict is also printed on the console.
func RunScenario(cfg Config, name string) (bool, error) {
	sc, ok := scenarios[name]
	if !ok {
		return false, errors.Wrapf(ErrUnknownScenario, "%q", name)
	}

	k, err := Boot(cfg)
	if err != nil {
		return false, err
	}

	run := &scenarioRun{k: k}
	rec := k.Run(func() { sc.boot(run) })

	if sc.expectFatal != "" {
		run.passed = rec.Fatal && strings.Contains(rec.Reason, sc.expectFatal)
		if run.passed {
			k.Printf("ok\n")
		} else {
			k.Printf("failed\n%s\n", rec.Reason)
		}
	}

	passed := run.passed && (sc.expectFatal != "" || !rec.Fatal)
	k.Logger.Info("scenario finished",
		slog.String("name", name),
		slog.Bool("passed", passed),
		slog.String("halt", rec.Reason),
	)
	return passed, nil
}

// memoryLayout writes and verifies a kernel frame through the kernel's linear
// alias.
func memoryLayout(r *scenarioRun) {
	frame, err := r.k.Frames.AllocKernelFrame()
	if err != nil {
		r.fail("%v", err)
	}

	mmu, base := r.k.Memory(), mm.KernelPhysToVirt(frame.Address())
	for i := uintptr(0); i < 1024; i++ {
		mmu.WriteUint32(base+i*4, uint32(i))
	}
	for i := uintptr(0); i < 1024; i++ {
		if got := mmu.ReadUint32(base + i*4); got != uint32(i) {
			r.fail("word %d: got %d", i, got)
		}
	}

	r.pass()
}

// processInitialization starts a single process that fills and verifies a
// 10000 word buffer from its VMPool.
func processInitialization(r *scenarioRun) {
	p := r.newProcess(func() {
		const words = 10000

		addr, err := r.k.Allocate(words * 8)
		r.check(err)

		mmu := r.k.Memory()
		for i := uintptr(0); i < words; i++ {
			mmu.WriteUint64(addr+i*8, uint64(i))
		}
		for i := uintptr(0); i < words; i++ {
			if got := mmu.ReadUint64(addr + i*8); got != uint64(i) {
				r.fail("word %d: got %d", i, got)
			}
		}

		r.pass()
	})

	r.check(r.k.Start(p))
	r.fail("boot context resumed")
}

// invalidVMPoolEntry touches a released region. The access must be reported
// as an illegal page fault.
func invalidVMPoolEntry(r *scenarioRun) {
	p := r.newProcess(func() {
		addr, err := r.k.Allocate(10000 * 8)
		r.check(err)

		mmu := r.k.Memory()
		for i := uintptr(0); i < 10; i++ {
			mmu.WriteUint64(addr+i*1000*8, uint64(i))
		}

		r.check(r.k.Release(addr))
		mmu.WriteUint64(addr, 0)

		r.fail("released region is still accessible")
	})

	r.check(r.k.Start(p))
}

// schedulerRoundRobin runs three processes that yield five times each. Only
// the first one may finish.
func schedulerRoundRobin(r *scenarioRun) {
	yielder := func(done func()) proc.Entry {
		return func() {
			for i := 0; i < 5; i++ {
				r.check(r.k.Yield())
			}
			done()
		}
	}
	unexpected := func() { r.fail("process finished out of order") }

	p1 := r.newProcess(yielder(r.pass))
	p2 := r.newProcess(yielder(unexpected))
	p3 := r.newProcess(yielder(unexpected))

	r.check(r.k.Resume(p2))
	r.check(r.k.Resume(p3))
	r.check(r.k.Start(p1))
}

// twoProcesses hands the CPU back and forth between two processes.
func twoProcesses(r *scenarioRun) {
	var p1, p2 *proc.Process

	p1 = r.newProcess(func() {
		r.check(r.k.SwitchTo(p2))
		r.pass()
	})
	p2 = r.newProcess(func() {
		r.check(r.k.SwitchTo(p1))
		r.fail("second process resumed")
	})

	r.check(r.k.Start(p1))
}
