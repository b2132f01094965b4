// Package linkerr defines the structured error Kind/LinkError types
// shared by every subsystem, so both the internal packages and the
// public dynload package can produce and inspect the same errors
// without an import cycle back through the root package.
package linkerr

import "fmt"

// Kind identifies the category of a loader failure. Callers branch on
// Kind rather than matching against formatted error text.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned by the
	// loader itself.
	KindUnknown Kind = iota
	// KindInvalidImage means the ELF magic, class, or data encoding was
	// rejected.
	KindInvalidImage
	// KindUnsupportedMachine means the image targets an architecture this
	// core does not support.
	KindUnsupportedMachine
	// KindMalformedDynamic means PT_DYNAMIC was missing required entries
	// (e.g. a symtab with no strtab).
	KindMalformedDynamic
	// KindMapFailed means segment reservation or mapping failed.
	KindMapFailed
	// KindTruncated means the backing file was shorter than a segment's
	// filesz claims.
	KindTruncated
	// KindSymbolNotFound means a strong (non-weak) symbol reference could
	// not be resolved anywhere in scope.
	KindSymbolNotFound
	// KindRelocationUnsupported means a relocation type has no handler for
	// the target architecture.
	KindRelocationUnsupported
	// KindDependencyNotFound means a DT_NEEDED or NOLOAD soname could not
	// be located.
	KindDependencyNotFound
	// KindAlreadyClosed means a handle was used after Close.
	KindAlreadyClosed
	// KindTlsExhausted means the TLS module id space or static arena is
	// exhausted.
	KindTlsExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidImage:
		return "InvalidImage"
	case KindUnsupportedMachine:
		return "UnsupportedMachine"
	case KindMalformedDynamic:
		return "MalformedDynamic"
	case KindMapFailed:
		return "MapFailed"
	case KindTruncated:
		return "Truncated"
	case KindSymbolNotFound:
		return "SymbolNotFound"
	case KindRelocationUnsupported:
		return "RelocationUnsupported"
	case KindDependencyNotFound:
		return "DependencyNotFound"
	case KindAlreadyClosed:
		return "AlreadyClosed"
	case KindTlsExhausted:
		return "TlsExhausted"
	default:
		return "Unknown"
	}
}

// LinkError is the structured error type returned by every exported
// operation. The C-ABI projection (out of scope for this core) is
// expected to format one of these into a dlerror() string.
type LinkError struct {
	Kind   Kind
	Path   string // object path, when relevant
	Symbol string // symbol name, when relevant
	Err    error  // wrapped cause, if any
}

func (e *LinkError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Symbol != "" {
		msg += ": symbol " + e.Symbol
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LinkError) Unwrap() error { return e.Err }

// New builds a LinkError with an optional wrapped cause.
func New(kind Kind, path, symbol string, err error) *LinkError {
	return &LinkError{Kind: kind, Path: path, Symbol: symbol, Err: err}
}

// Wrapf builds a LinkError whose cause is a formatted error.
func Wrapf(kind Kind, path string, format string, args ...interface{}) *LinkError {
	return &LinkError{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind, for errors.Is-style use:
//
//	if linkerr.Is(err, linkerr.KindSymbolNotFound) { ... }
func Is(err error, kind Kind) bool {
	var le *LinkError
	for err != nil {
		if e, ok := err.(*LinkError); ok {
			le = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return le != nil && le.Kind == kind
}
