package lifecycle

import "github.com/galago/dynload/internal/dllog"

// NativeCaller jumps from managed Go code into a resolved function
// pointer using the target architecture's C calling convention. This
// is the same category of concern as spec.md §9's "hand-written
// architecture stub" for the lazy-binding PLT trampoline — actually
// transferring control into arbitrary mapped machine code needs a
// per-architecture assembly (or cgo) bridge this package does not ship
// a default unsafe implementation of. Production embedders supply a
// real one; internal/archverify exercises the PLT-trampoline contract
// itself under Unicorn emulation instead of live execution.
type NativeCaller interface {
	// Call0 invokes a DT_INIT/DT_FINI-style entry point that takes no
	// arguments and returns nothing.
	Call0(fn uintptr) error
	// CallIFunc invokes an IRELATIVE resolver function and returns the
	// address it selected.
	CallIFunc(fn uintptr) (uintptr, error)
}

// LoggingCaller is the default NativeCaller. It performs no actual
// control transfer — there is no portable, safe way to do that in pure
// Go — and instead records every address it would have called, so
// tests and CLI inspection can assert on lifecycle ordering without
// executing untrusted code on the host.
type LoggingCaller struct {
	log   *dllog.Logger
	Calls []uintptr
}

// NewLoggingCaller returns a LoggingCaller using log for diagnostics
// (a nop logger is fine).
func NewLoggingCaller(log *dllog.Logger) *LoggingCaller {
	if log == nil {
		log = dllog.NewNop()
	}
	return &LoggingCaller{log: log}
}

func (c *LoggingCaller) Call0(fn uintptr) error {
	c.Calls = append(c.Calls, fn)
	c.log.Debug("init/fini call (not executed)", dllog.Addr(uint64(fn)))
	return nil
}

func (c *LoggingCaller) CallIFunc(fn uintptr) (uintptr, error) {
	c.Calls = append(c.Calls, fn)
	c.log.Debug("ifunc resolver call (not executed)", dllog.Addr(uint64(fn)))
	return fn, nil
}
