package cpu

import "strconv"

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException is raised when a PDT or PDT-entry is not present
	// or when a privilege and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)

	// TimerIRQ is the first hardware interrupt line after remapping.
	TimerIRQ = InterruptNumber(32)
)

// String implements fmt.Stringer for InterruptNumber.
func (n InterruptNumber) String() string {
	switch n {
	case DivideByZero:
		return "divide by zero"
	case InvalidOpcode:
		return "invalid opcode"
	case DoubleFault:
		return "double fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case TimerIRQ:
		return "timer"
	default:
		return "interrupt " + strconv.Itoa(int(n))
	}
}

// IsException returns true for the CPU-reserved vectors. Exceptions are
// delivered synchronously regardless of the interrupt flag.
func (n InterruptNumber) IsException() bool {
	return n < 32
}

// InterruptHandler is invoked with a snapshot of the register file. Handlers
// may modify the snapshot; the modified values are loaded back into the CPU
// when the handler returns.
type InterruptHandler func(*Registers)
