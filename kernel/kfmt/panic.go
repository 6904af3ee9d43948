package kfmt

import (
	"coopos/kernel"

	"github.com/cockroachdb/errors"
)

// Halter stops the machine. Implementations never return.
type Halter interface {
	Fatal(reason string)
}

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to the console and halts the
// machine via h. Calls to Panic never return.
func (c *Console) Panic(h Halter, e interface{}) {
	var (
		module = errRuntimePanic.Module
		msg    string
	)

	switch t := e.(type) {
	case *kernel.Error:
		module, msg = t.Module, t.Message
	case error:
		var kerr *kernel.Error
		if errors.As(t, &kerr) {
			module = kerr.Module
		}
		msg = t.Error()
	case string:
		msg = t
	}

	c.Printf("\n-----------------------------------\n")
	if e != nil {
		c.Printf("[%s] unrecoverable error: %s\n", module, msg)
	}
	c.Printf("*** kernel panic: system halted ***")
	c.Printf("\n-----------------------------------\n")

	reason := "kernel panic"
	if e != nil {
		reason = "kernel panic: " + msg
	}
	h.Fatal(reason)
}
