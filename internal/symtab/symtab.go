package symtab

import (
	"debug/elf"

	"github.com/galago/dynload/internal/elfimage"
	"github.com/galago/dynload/internal/linkerr"
)

// Symbol is a resolved dynamic symbol together with its ELF index,
// which relocation processing needs to recompute addends against the
// defining object.
type Symbol struct {
	elf.Symbol
	Index int // ELF symbol-table index (1-based; 0 is always STN_UNDEF)
}

// Table is the queryable symbol table of a single Object, built once
// at parse time from its GNU or SysV hash table.
type Table struct {
	path string
	syms []elf.Symbol // index i here is ELF index i+1, per DynamicSymbols' convention
	ver  *versionTable

	gnu  *gnuHashTable
	sysv *sysvHashTable
}

// Build parses img's hash table(s) and dynamic symbols into a Table.
// An object with no dynamic symbol table at all (e.g. a static
// executable with no PT_DYNAMIC) gets an empty, queryable Table.
func Build(img *elfimage.Image) (*Table, error) {
	t := &Table{path: img.Path}

	if img.Dynamic.SymTabAddr == 0 {
		return t, nil
	}

	syms, err := img.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	t.syms = syms

	// +1: debug/elf's DynamicSymbols omits the STN_UNDEF slot at index 0,
	// but the hash chains and VERSYM array are indexed in full ELF-index
	// space.
	symCount := len(syms) + 1

	if img.Dynamic.GnuHashAddr != 0 {
		// The chain's length isn't recorded anywhere; read generously to
		// the end of its containing section and let parseGnuHash bound
		// itself against the real symbol count.
		raw, err := readToSectionEnd(img, img.Dynamic.GnuHashAddr)
		if err != nil {
			return nil, err
		}
		gnu, err := parseGnuHash(raw)
		if err != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "DT_GNU_HASH: %w", err)
		}
		if maxChain := symCount - int(gnu.symOffset); maxChain > 0 && maxChain < len(gnu.chain) {
			gnu.chain = gnu.chain[:maxChain]
		}
		t.gnu = gnu
	} else if img.Dynamic.HashAddr != 0 {
		raw, err := readToSectionEnd(img, img.Dynamic.HashAddr)
		if err != nil {
			return nil, err
		}
		sysv, err := parseSysVHash(raw)
		if err != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "DT_HASH: %w", err)
		}
		t.sysv = sysv
	}

	ver, err := buildVersionTable(img, symCount)
	if err != nil {
		return nil, err
	}
	t.ver = ver

	return t, nil
}

func readToSectionEnd(img *elfimage.Image, addr uint64) ([]byte, error) {
	for _, sec := range img.Sections {
		if sec.Addr != 0 && addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return img.BytesAtAddr(addr, sec.Addr+sec.Size-addr)
		}
	}
	return nil, linkerr.New(linkerr.KindMalformedDynamic, img.Path, "", errShortHash)
}

// NewFromSymbols builds a Table directly from an already-parsed symbol
// slice, with no hash table (candidateIndices falls back to a linear
// scan). Used by packages that need a minimal, queryable Table without
// a full ELF image — e.g. relocation-engine tests exercising local
// symbol resolution.
func NewFromSymbols(path string, syms []elf.Symbol) *Table {
	return &Table{path: path, syms: syms}
}

// SymbolAt returns the symbol at ELF index elfIndex (1-based; 0 is
// always STN_UNDEF), for relocation processing that needs to resolve a
// r_info symbol index back to a name/value without going through
// Lookup's hash-chain search.
func (t *Table) SymbolAt(elfIndex uint32) (Symbol, bool) {
	return t.symbolAt(elfIndex)
}

func (t *Table) symbolAt(elfIndex uint32) (Symbol, bool) {
	i := int(elfIndex) - 1 // undo debug/elf's STN_UNDEF omission
	if i < 0 || i >= len(t.syms) {
		return Symbol{}, false
	}
	return Symbol{Symbol: t.syms[i], Index: int(elfIndex)}, true
}

// eligible reports whether sym can satisfy an external lookup at all:
// defined (not STN_UNDEF), global or weak binding, and not
// hidden/internal visibility. Spec.md §4.3: "hidden excluded across
// objects".
func eligible(sym elf.Symbol) bool {
	if sym.Section == elf.SHN_UNDEF {
		return false
	}
	bind := elf.ST_BIND(sym.Info)
	if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
		return false
	}
	switch elf.ST_VISIBILITY(sym.Other) {
	case elf.STV_HIDDEN, elf.STV_INTERNAL:
		return false
	}
	return true
}

// versionMatches applies spec.md §4.3's version compatibility rule: a
// hidden version entry matches only an exact-version request; a
// default (non-hidden) entry, or the absence of version data, matches
// an unversioned request; any entry whose name matches an explicit
// version request matches regardless of its hidden flag.
func (t *Table) versionMatches(elfIndex int, want string) bool {
	name, hidden, unversioned := t.ver.entry(elfIndex)
	if want == "" {
		if unversioned {
			return true
		}
		return !hidden
	}
	return !unversioned && name == want
}

// Lookup resolves name (optionally constrained to version) against
// this object's exported symbols. It returns the first eligible,
// version-compatible match: a STB_GLOBAL candidate wins immediately,
// while a STB_WEAK candidate is remembered and returned only if no
// strong match is ever found, per spec.md §4.3's tie-break rule.
func (t *Table) Lookup(name, version string) (Symbol, bool) {
	candidates := t.candidateIndices(name)
	if len(candidates) == 0 {
		return Symbol{}, false
	}

	var weakMatch Symbol
	haveWeak := false
	for _, idx := range candidates {
		sym, ok := t.symbolAt(idx)
		if !ok || sym.Name != name || !eligible(sym.Symbol) {
			continue
		}
		if !t.versionMatches(int(idx), version) {
			continue
		}
		if elf.ST_BIND(sym.Info) == elf.STB_GLOBAL {
			return sym, true
		}
		if !haveWeak {
			weakMatch, haveWeak = sym, true
		}
	}
	return weakMatch, haveWeak
}

// candidateIndices probes the GNU hash table when present (it alone
// carries the Bloom pre-filter spec.md calls out), falling back to
// SysV hash, and finally a linear scan for Tables built without any
// hash table (NewFromSymbols, or an object with neither DT_GNU_HASH
// nor DT_HASH).
func (t *Table) candidateIndices(name string) []uint32 {
	switch {
	case t.gnu != nil:
		return t.gnu.candidates(name)
	case t.sysv != nil:
		return t.sysv.candidates(name)
	default:
		out := make([]uint32, 0, len(t.syms))
		for i := range t.syms {
			out = append(out, uint32(i+1))
		}
		return out
	}
}

// Symbols returns every exported (eligible) symbol in the table, for
// the Link Map's dladdr-style reverse address lookup.
func (t *Table) Symbols() []Symbol {
	out := make([]Symbol, 0, len(t.syms))
	for i, s := range t.syms {
		if eligible(s) {
			out = append(out, Symbol{Symbol: s, Index: i + 1})
		}
	}
	return out
}
