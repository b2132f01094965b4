// Package linkmap implements spec.md §3's Object/Link Map data model
// and §4.4's Link Map & Resolver component: the process-wide ordered
// registry of loaded ELF images, their dependency edges, and the
// scope-ordered symbol resolution the relocation engine consults.
//
// Grounded on zboralski/galago's internal/stubs/registry.go, whose
// RWMutex-guarded map-plus-secondary-index-plus-self-registering-entries
// shape this package generalizes from "named emulator stubs" to "loaded
// shared objects keyed by canonical path with a soname secondary
// index."
package linkmap

import (
	"github.com/galago/dynload/internal/elfimage"
	"github.com/galago/dynload/internal/mapper"
	"github.com/galago/dynload/internal/symtab"
)

// State is a position in an Object's lifecycle (spec.md §3).
type State int

const (
	StateParsing State = iota
	StateMapped
	StateRelocated
	StateInitialized
	StateFinalizing
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateMapped:
		return "mapped"
	case StateRelocated:
		return "relocated"
	case StateInitialized:
		return "initialized"
	case StateFinalizing:
		return "finalizing"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Flags is an Object's open-flags snapshot (spec.md §6): LAZY vs NOW,
// LOCAL vs GLOBAL, NODELETE, NOLOAD. Absence of FlagNow means LAZY;
// absence of FlagGlobal means LOCAL — matching dlopen's own zero-value
// defaults.
type Flags uint32

const (
	FlagNow Flags = 1 << iota
	FlagGlobal
	FlagNoDelete
	FlagNoLoad
)

func (f Flags) Lazy() bool     { return f&FlagNow == 0 }
func (f Flags) Local() bool    { return f&FlagGlobal == 0 }
func (f Flags) NoDelete() bool { return f&FlagNoDelete != 0 }
func (f Flags) NoLoad() bool   { return f&FlagNoLoad != 0 }

// Object is one loaded ELF image (spec.md §3). Every field that can
// change after construction (RefCount, State, Deps) is mutated only
// through LinkMap methods, which serialize access under the map's
// single readers-writer lock (spec.md §5).
type Object struct {
	Path   string // canonical, resolved path; the Link Map's primary key
	Soname string // DT_SONAME, if present; the Link Map's secondary key

	Image   *elfimage.Image
	Mapping *mapper.Mapping
	Table   *symtab.Table

	Needed  []string // DT_NEEDED entries, pre-resolution
	Runpath []string
	Rpath   []string

	// Deps holds the strong dependency edges resolved by the BFS loader,
	// in discovery order — post-order traversal for initializer/
	// finalizer ordering walks this list.
	Deps []*Object

	// TLSModuleID is 0 if this Object carries no PT_TLS segment, else
	// the id internal/tls.Manager assigned it (spec.md §4.6).
	TLSModuleID uint32

	RefCount int
	Flags    Flags
	State    State
}

// HasTLS reports whether this Object has a registered TLS module.
func (o *Object) HasTLS() bool { return o.TLSModuleID != 0 }

// Base returns the Object's runtime load bias, or 0 if it is not yet
// mapped.
func (o *Object) Base() uintptr {
	if o.Mapping == nil {
		return 0
	}
	return o.Mapping.Base
}
