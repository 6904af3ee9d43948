package cpu

import (
	"fmt"
	"io"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or context switch occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions or the IRQ number
	// for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	fmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	fmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	fmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	fmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	fmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	fmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	fmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	fmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	fmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// Context is the execution state that the context switch saves on the stack
// of a suspended process: the general purpose registers followed by an
// interrupt return frame. A process that has never run gets a synthetic
// Context with the same layout so that first runs and resumes share a single
// restore path.
type Context struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RIP, CS, RFlags, RSP, SS             uint64
}

// ContextWords is the number of 64-bit words occupied by a saved Context.
const ContextWords = 20

// ContextSize is the number of stack bytes occupied by a saved Context.
const ContextSize = ContextWords * 8

// Words returns the stack image of the context starting from the lowest
// address. The interrupt return frame is pushed first (SS at the highest
// address) followed by RAX..R15, so R15 ends up at the stack pointer.
func (c *Context) Words() [ContextWords]uint64 {
	return [ContextWords]uint64{
		c.R15, c.R14, c.R13, c.R12, c.R11, c.R10, c.R9, c.R8,
		c.RBP, c.RDI, c.RSI, c.RDX, c.RCX, c.RBX, c.RAX,
		c.RIP, c.CS, c.RFlags, c.RSP, c.SS,
	}
}

// ContextFromWords decodes a stack image produced by Words.
func ContextFromWords(w [ContextWords]uint64) Context {
	return Context{
		R15: w[0], R14: w[1], R13: w[2], R12: w[3], R11: w[4], R10: w[5], R9: w[6], R8: w[7],
		RBP: w[8], RDI: w[9], RSI: w[10], RDX: w[11], RCX: w[12], RBX: w[13], RAX: w[14],
		RIP: w[15], CS: w[16], RFlags: w[17], RSP: w[18], SS: w[19],
	}
}

// Context returns the saveable part of the register file.
func (r *Registers) Context() Context {
	return Context{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX, RSI: r.RSI, RDI: r.RDI, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11, R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, CS: r.CS, RFlags: r.RFlags, RSP: r.RSP, SS: r.SS,
	}
}

// Load overwrites the register file with the contents of ctx.
func (r *Registers) Load(ctx Context) {
	r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP = ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX, ctx.RSI, ctx.RDI, ctx.RBP
	r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15 = ctx.R8, ctx.R9, ctx.R10, ctx.R11, ctx.R12, ctx.R13, ctx.R14, ctx.R15
	r.RIP, r.CS, r.RFlags, r.RSP, r.SS = ctx.RIP, ctx.CS, ctx.RFlags, ctx.RSP, ctx.SS
}
