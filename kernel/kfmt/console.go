// Package kfmt implements the kernel console: the place where processes print
// to and where panic and fault reports end up.
package kfmt

import (
	"fmt"
	"io"
)

// Console is the kernel's output device. Output written before a sink is
// attached is kept in a ring buffer and flushed to the sink once it becomes
// available.
type Console struct {
	early ringBuffer
	sink  io.Writer
}

// NewConsole returns a console that writes to sink. A nil sink buffers
// output until SetOutputSink is called.
func NewConsole(sink io.Writer) *Console {
	return &Console{sink: sink}
}

// SetOutputSink sets the target for console output to w and copies any data
// accumulated in the early buffer to it.
func (c *Console) SetOutputSink(w io.Writer) {
	c.sink = w
	if w != nil {
		io.Copy(w, &c.early)
	}
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	if c.sink == nil {
		return c.early.Write(p)
	}
	return c.sink.Write(p)
}

// Printf formats according to a format specifier and writes to the console.
func (c *Console) Printf(format string, args ...interface{}) {
	Fprintf(c, format, args...)
}

// Fprintf formats according to a format specifier and writes to w. Write
// errors are dropped as there is nowhere left to report them.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
