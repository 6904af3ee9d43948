package proc

import (
	"coopos/kernel/cpu"
	"coopos/kernel/mm"
	"coopos/kernel/mm/vmm"
)

// Fixed kernel text addresses of the code that a restored context resumes at.
const (
	kernelText = uintptr(0x100000)

	// StartTrampoline pops the entry point address off the stack and calls
	// it. When the entry point returns it continues at ExitTrampoline.
	StartTrampoline = kernelText + 0x10

	// ResumeTrampoline returns into a context suspended by a switch.
	ResumeTrampoline = kernelText + 0x20

	// ExitTrampoline terminates the process that returned into it.
	ExitTrampoline = kernelText + 0x30

	// entryTableBase is the address of the first registered entry point.
	entryTableBase = kernelText + 0x1000
	entryAlign     = 0x10
)

// InitialContext returns the context a new process starts from. stackTop is
// the first address past the process stack; the two words below it hold the
// exit trampoline and the entry point addresses.
func InitialContext(stackTop uintptr) cpu.Context {
	return cpu.Context{
		RIP:    uint64(StartTrampoline),
		CS:     cpu.KernelCodeSelector,
		RFlags: cpu.InitialRFlags,
		RSP:    uint64(stackTop - 2*8),
		SS:     cpu.KernelDataSelector,
	}
}

// PushContext writes ctx below sp and returns the new stack pointer.
func PushContext(mmu *vmm.MMU, sp uintptr, ctx cpu.Context) uintptr {
	sp -= cpu.ContextSize
	for i, word := range ctx.Words() {
		mmu.WriteUint64(sp+uintptr(i)<<mm.PointerShift, word)
	}
	return sp
}

// PopContext reads the context stored at sp and returns it together with the
// stack pointer past it.
func PopContext(mmu *vmm.MMU, sp uintptr) (cpu.Context, uintptr) {
	var words [cpu.ContextWords]uint64
	for i := range words {
		words[i] = mmu.ReadUint64(sp + uintptr(i)<<mm.PointerShift)
	}
	return cpu.ContextFromWords(words), sp + cpu.ContextSize
}
