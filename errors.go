package dynload

import "github.com/galago/dynload/internal/linkerr"

// Kind identifies the category of a loader failure. Callers branch on
// Kind rather than matching against formatted error text.
type Kind = linkerr.Kind

// LinkError is the structured error type returned by every exported
// operation. The C-ABI projection (out of scope for this core) is
// expected to format one of these into a dlerror() string.
type LinkError = linkerr.LinkError

// Error kinds, re-exported from internal/linkerr for callers of this
// package (spec.md §7).
const (
	KindInvalidImage          = linkerr.KindInvalidImage
	KindUnsupportedMachine    = linkerr.KindUnsupportedMachine
	KindMalformedDynamic      = linkerr.KindMalformedDynamic
	KindMapFailed             = linkerr.KindMapFailed
	KindTruncated             = linkerr.KindTruncated
	KindSymbolNotFound        = linkerr.KindSymbolNotFound
	KindRelocationUnsupported = linkerr.KindRelocationUnsupported
	KindDependencyNotFound    = linkerr.KindDependencyNotFound
	KindAlreadyClosed         = linkerr.KindAlreadyClosed
	KindTlsExhausted          = linkerr.KindTlsExhausted
)

// IsKind reports whether err is a *LinkError of the given Kind.
func IsKind(err error, kind Kind) bool {
	return linkerr.Is(err, kind)
}
