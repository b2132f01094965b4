package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/galago/dynload/internal/linkerr"
	"github.com/galago/dynload/internal/symtab"
)

// Mapping is the subset of *mapper.Mapping the engine writes through;
// named here so tests can substitute a fake without importing mapper.
type Mapping interface {
	Addr(vaddr uint64) uintptr
	ReadU64(vaddr uint64) (uint64, error)
	WriteU64(vaddr uint64, value uint64) error
}

// Resolver looks up a symbol by name across the scope the relocating
// Object can see (spec.md §3's Scope), returning its runtime address.
// Implemented by internal/linkmap.Scope.
type Resolver interface {
	ResolveGlobal(name, version string) (addr uint64, definer TLSObject, found bool)
}

// TLSObject is an opaque identity for an Object, passed through to the
// TLS manager so it can look up that object's registered module ID and
// static offset. internal/tls.Manager registers objects by this same
// identity (typically a *linkmap.Object pointer) at load time.
type TLSObject = any

// TLS is the subset of the TLS manager the engine needs for TLS-category
// relocations. Implemented by internal/tls.Manager.
type TLS interface {
	ModuleIDFor(obj TLSObject) uint32
	StaticOffsetFor(obj TLSObject, symOffset uint64) (int64, bool)
}

// Engine applies one Object's relocations against its own Mapping,
// local Table, and the Resolver/TLS views of the rest of the process.
type Engine struct {
	arch  ArchTable
	table *symtab.Table
	path  string
}

// CategoryOf exposes the per-architecture relocation-type dispatch so
// callers outside this package (internal/lifecycle's IRELATIVE patch
// pass) can classify an Entry without reimplementing the arch table
// lookup.
func (e *Engine) CategoryOf(relType uint32) (Category, bool) {
	cat, ok := e.arch[relType]
	return cat, ok
}

// New builds an Engine for an Object of the given machine and symbol
// table. Returns an unsupported-machine error if no capability table
// is registered (should not happen: elfimage.Open already rejects
// unsupported machines before this point).
func New(path string, machine elf.Machine, table *symtab.Table) (*Engine, error) {
	arch := TableFor(machine)
	if arch == nil {
		return nil, linkerr.Wrapf(linkerr.KindUnsupportedMachine, path, "no relocation table for machine %v", machine)
	}
	return &Engine{arch: arch, table: table, path: path}, nil
}

// Apply processes every entry in entries against m, resolving external
// symbols through resolver and TLS-category relocations through tlsMgr.
// self identifies this Object for module-ID lookups on TLS relocations
// that target its own static TLS block. lazy is the Object's open-flags
// Lazy() value (spec.md §4.5 "Lazy binding"): when true, a CatJumpSlot
// entry sourced from DT_JMPREL (Entry.Plt) is not resolved here at all
// — the slot is biased by the Object's load base instead, so it targets
// the PLT0 trampoline until the runtime resolver (see ResolveLazySlot)
// patches it on first call. None of the three architectures this engine
// supports lack lazy-binding support, so there is no eager-fallback
// exception to apply.
func (e *Engine) Apply(entries []Entry, m Mapping, bias uint64, resolver Resolver, tlsMgr TLS, self TLSObject, lazy bool) error {
	for _, ent := range entries {
		cat, ok := e.arch[ent.Type]
		if !ok {
			return errUnsupportedCategory(e.path, ent)
		}
		target := ent.Offset

		switch cat {
		case CatRelative:
			if err := m.WriteU64(target, bias+uint64(ent.Addend)); err != nil {
				return err
			}

		case CatAbsolute, CatGlobDat, CatJumpSlot:
			if cat == CatJumpSlot && lazy && ent.Plt {
				if err := m.WriteU64(target, bias+uint64(ent.Addend)); err != nil {
					return err
				}
				continue
			}
			value, ok := e.resolveSymbol(ent.SymIndex, resolver, bias)
			if !ok {
				if e.isWeak(ent.SymIndex) {
					value = 0
				} else {
					return linkerr.New(linkerr.KindSymbolNotFound, e.path, e.symbolName(ent.SymIndex), fmt.Errorf("unresolved at offset 0x%x", ent.Offset))
				}
			}
			addend := uint64(0)
			if cat == CatAbsolute {
				addend = uint64(ent.Addend)
			}
			if err := m.WriteU64(target, value+addend); err != nil {
				return err
			}

		case CatCopy:
			// COPY relocations duplicate a shared library's data symbol
			// into the main program's BSS; the byte-for-byte copy needs
			// the source object's own mapping, which the engine doesn't
			// have, so it writes the resolved source address at the
			// relocation target. The symbol's bytes are not copied, here
			// or by internal/lifecycle.
			value, ok := e.resolveSymbol(ent.SymIndex, resolver, bias)
			if !ok {
				return linkerr.New(linkerr.KindSymbolNotFound, e.path, e.symbolName(ent.SymIndex), fmt.Errorf("COPY source unresolved at offset 0x%x", ent.Offset))
			}
			if err := m.WriteU64(target, value); err != nil {
				return err
			}

		case CatIRelative:
			// The resolver function lives at bias+addend; the caller (the
			// lifecycle controller, which alone can safely call into
			// mapped, executable code) is expected to invoke it and patch
			// the GOT slot. Here we stage the unresolved function pointer
			// so a caller that chooses not to execute ifuncs still leaves
			// a sane (if un-indirected) value in place.
			if err := m.WriteU64(target, bias+uint64(ent.Addend)); err != nil {
				return err
			}

		case CatTLSTPOff:
			off, ok := tlsMgr.StaticOffsetFor(self, e.symValueOrZero(ent.SymIndex))
			if !ok {
				return linkerr.New(linkerr.KindTlsExhausted, e.path, e.symbolName(ent.SymIndex), fmt.Errorf("no static TLS offset at offset 0x%x", ent.Offset))
			}
			if err := m.WriteU64(target, uint64(off+ent.Addend)); err != nil {
				return err
			}

		case CatTLSDTPMod:
			modID := tlsMgr.ModuleIDFor(self)
			if err := m.WriteU64(target, uint64(modID)); err != nil {
				return err
			}

		case CatTLSDTPOff:
			value := e.symValueOrZero(ent.SymIndex)
			if err := m.WriteU64(target, uint64(int64(value)+ent.Addend)); err != nil {
				return err
			}

		case CatTLSDesc:
			// A TLS descriptor is a (resolver-function, argument) pair;
			// spec.md §4.5 defers the resolver-call convention to the
			// (non-existent in this repo) assembly trampoline, so this
			// engine populates the argument slot eagerly as module ID and
			// leaves the function slot untouched — equivalent to treating
			// every TLSDESC as already resolved, matching this repo's
			// eager TLS model (see DESIGN.md's Open Question decision
			// on TLS teardown).
			modID := tlsMgr.ModuleIDFor(self)
			if err := m.WriteU64(target+8, uint64(modID)); err != nil {
				return err
			}

		default:
			return errUnsupportedCategory(e.path, ent)
		}
	}
	return nil
}

// ResolveLazySlot resolves a single deferred JUMP_SLOT entry and writes
// the real target into m, implementing spec.md §4.5's "runtime resolver
// is called on first invocation" half of lazy binding. The (unwritten,
// per §9) assembly PLT trampoline calls into this — via whatever bridge
// a production embedder supplies — before tail-calling the value it
// returns. Concurrent resolvers of the same slot race harmlessly: each
// computes the identical S and the slot write is idempotent, matching
// spec.md §5's "atomic slot write provides eventual convergence."
func (e *Engine) ResolveLazySlot(ent Entry, m Mapping, bias uint64, resolver Resolver) (uint64, error) {
	value, ok := e.resolveSymbol(ent.SymIndex, resolver, bias)
	if !ok {
		if e.isWeak(ent.SymIndex) {
			value = 0
		} else {
			return 0, linkerr.New(linkerr.KindSymbolNotFound, e.path, e.symbolName(ent.SymIndex), fmt.Errorf("unresolved lazy slot at offset 0x%x", ent.Offset))
		}
	}
	if err := m.WriteU64(ent.Offset, value); err != nil {
		return 0, err
	}
	return value, nil
}

// resolveSymbol computes S (the final runtime address the relocation
// writes): a symbol this Object itself defines resolves to its own
// value plus this Object's load bias; an undefined reference is
// resolved across the scope via resolver, whose returned address is
// already biased to the defining Object.
func (e *Engine) resolveSymbol(symIdx uint32, resolver Resolver, bias uint64) (uint64, bool) {
	if symIdx == 0 || e.table == nil {
		return 0, false
	}
	sym, ok := e.table.SymbolAt(symIdx)
	if !ok {
		return 0, false
	}
	if sym.Value != 0 && sym.Section != elf.SHN_UNDEF {
		return sym.Value + bias, true
	}
	if resolver == nil {
		return 0, false
	}
	addr, _, found := resolver.ResolveGlobal(sym.Name, sym.Version)
	return addr, found
}

func (e *Engine) symbolName(symIdx uint32) string {
	if e.table == nil {
		return ""
	}
	sym, ok := e.table.SymbolAt(symIdx)
	if !ok {
		return ""
	}
	return sym.Name
}

// isWeak reports whether symIdx's binding is STB_WEAK. Spec.md §4.4:
// unresolved weak references resolve to null rather than failing the
// load; only unresolved strong (non-weak) references are an error.
func (e *Engine) isWeak(symIdx uint32) bool {
	if e.table == nil {
		return false
	}
	sym, ok := e.table.SymbolAt(symIdx)
	if !ok {
		return false
	}
	return elf.ST_BIND(sym.Info) == elf.STB_WEAK
}

func (e *Engine) symValueOrZero(symIdx uint32) uint64 {
	if e.table == nil {
		return 0
	}
	sym, ok := e.table.SymbolAt(symIdx)
	if !ok {
		return 0
	}
	return sym.Value
}
