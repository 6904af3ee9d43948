package vmm

import (
	"io"

	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
)

// DescribePageFault returns a human readable reason for a page fault error code.
func DescribePageFault(errorCode uint64) string {
	switch errorCode {
	case 0:
		return "read from non-present page"
	case 1:
		return "page protection violation (read)"
	case 2:
		return "write to non-present page"
	case 3:
		return "page protection violation (write)"
	case 4:
		return "page-fault in user-mode"
	case 8:
		return "page table has reserved bit set"
	case 16:
		return "instruction fetch"
	default:
		return "unknown"
	}
}

// ReportPageFault writes the details of an unrecoverable page fault to w.
func ReportPageFault(w io.Writer, faultAddress uintptr, errorCode uint64, regs *cpu.Registers) {
	kfmt.Fprintf(w, "\nPage fault while accessing address: 0x%016x\nReason: %s\n", faultAddress, DescribePageFault(errorCode))
	kfmt.Fprintf(w, "Registers:\n")
	regs.DumpTo(w)
}
