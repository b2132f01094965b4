// Package reloc implements spec.md §4.5: applying an Object's
// relocation entries once its segments are mapped.
//
// Grounded directly on zboralski/galago's applyRelocations (switch on
// r_info's low 32 bits, dispatch to a handler computing S+A / B+A / a
// PLT-stub target and writing it back) and vtable.go's near-identical
// relocation-type switch for vtable slot resolution. Both already show
// the "one switch per architecture's relocation numbering" idiom this
// package generalizes into a per-architecture capability table
// (arch_amd64.go/arch_arm64.go/arch_riscv64.go) selected once per
// Object, the same "capability record" shape as stubs.StubDef/Detector
// in the teacher's internal/stubs/registry.go.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/galago/dynload/internal/linkerr"
)

// Category classifies a relocation entry by what it computes,
// independent of its architecture-specific numeric type.
type Category int

const (
	CatUnknown Category = iota
	CatAbsolute          // S + A: absolute address of a defined symbol
	CatRelative          // B + A: load-bias-relative, no symbol lookup
	CatGlobDat           // S: GOT entry for a data symbol (no addend)
	CatJumpSlot          // S: PLT GOT entry for a function
	CatCopy              // copy the referenced symbol's data into this object's BSS
	CatIRelative         // call the resolver function at B + A, use its return value
	CatTLSDTPMod         // module ID of the symbol's defining object
	CatTLSDTPOff         // offset of the symbol within its TLS block
	CatTLSTPOff          // offset of the symbol from the thread pointer (static TLS)
	CatTLSDesc           // TLS descriptor (lazy module-id/offset pair)
)

// Entry is one parsed relocation, normalized across REL and RELA.
type Entry struct {
	Offset   uint64 // link-time virtual address (r_offset); the mapper's Mapping.Addr call turns it into a runtime address
	Type     uint32
	SymIndex uint32
	Addend   int64 // 0 for REL entries (no explicit addend field)

	// Plt is true for entries sourced from DT_JMPREL (the .rela.plt
	// table). Only these are eligible for lazy binding (spec.md §4.5):
	// a CatJumpSlot entry with Plt unset never occurs for the
	// architectures this engine supports, but the flag keeps the
	// lazy-binding decision anchored to "came from JMPREL" rather than
	// "classified as CatJumpSlot", matching the ELF convention that the
	// two tables are distinct.
	Plt bool
}

// ArchTable maps an architecture's raw relocation type numbers to a
// Category. One is required per supported elf.Machine.
type ArchTable map[uint32]Category

// TableFor returns the capability table for m, or nil if unsupported.
func TableFor(m elf.Machine) ArchTable {
	switch m {
	case elf.EM_X86_64:
		return amd64Table
	case elf.EM_AARCH64:
		return arm64Table
	case elf.EM_RISCV:
		return riscv64Table
	default:
		return nil
	}
}

// ParseRela decodes a .rela.* section's raw bytes (Elf64_Rela: offset,
// info, addend, 24 bytes each).
func ParseRela(data []byte) ([]Entry, error) {
	const size = 24
	if len(data)%size != 0 {
		return nil, fmt.Errorf("RELA section length %d not a multiple of %d", len(data), size)
	}
	out := make([]Entry, 0, len(data)/size)
	for i := 0; i+size <= len(data); i += size {
		info := binary.LittleEndian.Uint64(data[i+8:])
		out = append(out, Entry{
			Offset:   binary.LittleEndian.Uint64(data[i:]),
			Type:     uint32(info),
			SymIndex: uint32(info >> 32),
			Addend:   int64(binary.LittleEndian.Uint64(data[i+16:])),
		})
	}
	return out, nil
}

// ParseRel decodes a .rel.* section's raw bytes (Elf64_Rel: offset,
// info, 16 bytes each; the addend is implicit, read from the relocated
// location itself, which this package's callers do not currently need
// since every supported architecture here uses RELA exclusively).
func ParseRel(data []byte) ([]Entry, error) {
	const size = 16
	if len(data)%size != 0 {
		return nil, fmt.Errorf("REL section length %d not a multiple of %d", len(data), size)
	}
	out := make([]Entry, 0, len(data)/size)
	for i := 0; i+size <= len(data); i += size {
		info := binary.LittleEndian.Uint64(data[i+8:])
		out = append(out, Entry{
			Offset:   binary.LittleEndian.Uint64(data[i:]),
			Type:     uint32(info),
			SymIndex: uint32(info >> 32),
		})
	}
	return out, nil
}

// errUnsupportedCategory is wrapped with the offending Entry by the
// Engine when an architecture's table has no handling for a type.
func errUnsupportedCategory(path string, e Entry) error {
	return linkerr.New(linkerr.KindRelocationUnsupported, path, "", fmt.Errorf("relocation type %d at offset 0x%x has no known category", e.Type, e.Offset))
}
