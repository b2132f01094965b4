package elfimage

import (
	"debug/elf"

	"github.com/galago/dynload/internal/linkerr"
)

// DynamicDigest is the flattened, typed form of an Object's PT_DYNAMIC
// entries (spec.md §4.1 "Parses PT_DYNAMIC entries into a structured
// digest"). Every field here names the ELF dynamic tag it came from.
type DynamicDigest struct {
	StrTabAddr  uint64
	SymTabAddr  uint64
	SymEnt      uint64
	HashAddr    uint64 // DT_HASH, 0 if absent
	GnuHashAddr uint64 // DT_GNU_HASH, 0 if absent

	RelAddr, RelSize, RelEnt    uint64
	RelaAddr, RelaSize, RelaEnt uint64
	JmpRelAddr, JmpRelSize      uint64
	PltRel                      elf.DynTag // DT_REL or DT_RELA

	InitAddr, FiniAddr           uint64
	InitArrayAddr, InitArraySize uint64
	FiniArrayAddr, FiniArraySize uint64

	Needed  []string
	Soname  string
	Runpath []string
	Rpath   []string

	Flags  uint64 // DT_FLAGS
	Flags1 uint64 // DT_FLAGS_1

	VersymAddr  uint64
	VerdefAddr  uint64
	VerdefNum   uint64
	VerneedAddr uint64
	VerneedNum  uint64
}

func dynValue(f *elf.File, tag elf.DynTag) (uint64, bool) {
	vals, err := f.DynValue(tag)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func dynStrings(f *elf.File, tag elf.DynTag) []string {
	vals, err := f.DynString(tag)
	if err != nil {
		return nil
	}
	return vals
}

// parseDynamic builds a DynamicDigest from an already-opened elf.File.
// Objects with no PT_DYNAMIC segment at all (statically linked images)
// get an empty, non-nil digest rather than an error — the spec only
// requires failure when PT_DYNAMIC is present but internally
// inconsistent (missing strtab/symtab with nonempty relocations).
func parseDynamic(path string, f *elf.File) (*DynamicDigest, error) {
	d := &DynamicDigest{}

	d.StrTabAddr, _ = dynValue(f, elf.DT_STRTAB)
	d.SymTabAddr, _ = dynValue(f, elf.DT_SYMTAB)
	d.SymEnt, _ = dynValue(f, elf.DT_SYMENT)
	d.HashAddr, _ = dynValue(f, elf.DT_HASH)
	d.GnuHashAddr, _ = dynValue(f, elf.DT_GNU_HASH)

	d.RelAddr, _ = dynValue(f, elf.DT_REL)
	d.RelSize, _ = dynValue(f, elf.DT_RELSZ)
	d.RelEnt, _ = dynValue(f, elf.DT_RELENT)
	d.RelaAddr, _ = dynValue(f, elf.DT_RELA)
	d.RelaSize, _ = dynValue(f, elf.DT_RELASZ)
	d.RelaEnt, _ = dynValue(f, elf.DT_RELAENT)
	d.JmpRelAddr, _ = dynValue(f, elf.DT_JMPREL)
	d.JmpRelSize, _ = dynValue(f, elf.DT_PLTRELSZ)
	if pltrel, ok := dynValue(f, elf.DT_PLTREL); ok {
		d.PltRel = elf.DynTag(pltrel)
	}

	d.InitAddr, _ = dynValue(f, elf.DT_INIT)
	d.FiniAddr, _ = dynValue(f, elf.DT_FINI)
	d.InitArrayAddr, _ = dynValue(f, elf.DT_INIT_ARRAY)
	d.InitArraySize, _ = dynValue(f, elf.DT_INIT_ARRAYSZ)
	d.FiniArrayAddr, _ = dynValue(f, elf.DT_FINI_ARRAY)
	d.FiniArraySize, _ = dynValue(f, elf.DT_FINI_ARRAYSZ)

	d.Needed = dynStrings(f, elf.DT_NEEDED)
	if sonames := dynStrings(f, elf.DT_SONAME); len(sonames) > 0 {
		d.Soname = sonames[0]
	}
	d.Runpath = splitPathList(dynStrings(f, elf.DT_RUNPATH))
	d.Rpath = splitPathList(dynStrings(f, elf.DT_RPATH))

	d.Flags, _ = dynValue(f, elf.DT_FLAGS)
	d.Flags1, _ = dynValue(f, elf.DT_FLAGS_1)

	d.VersymAddr, _ = dynValue(f, elf.DT_VERSYM)
	d.VerdefAddr, _ = dynValue(f, elf.DT_VERDEF)
	d.VerdefNum, _ = dynValue(f, elf.DT_VERDEFNUM)
	d.VerneedAddr, _ = dynValue(f, elf.DT_VERNEED)
	d.VerneedNum, _ = dynValue(f, elf.DT_VERNEEDNUM)

	hasRelocs := d.RelSize > 0 || d.RelaSize > 0 || d.JmpRelSize > 0
	if hasRelocs && d.SymTabAddr == 0 {
		return nil, linkerr.New(linkerr.KindMalformedDynamic, path, "", errMissingSymtab)
	}
	if hasRelocs && d.StrTabAddr == 0 {
		return nil, linkerr.New(linkerr.KindMalformedDynamic, path, "", errMissingStrtab)
	}
	if d.SymTabAddr != 0 && d.HashAddr == 0 && d.GnuHashAddr == 0 {
		return nil, linkerr.New(linkerr.KindMalformedDynamic, path, "", errMissingHash)
	}

	return d, nil
}

// splitPathList splits colon-separated DT_RUNPATH/DT_RPATH entries (the
// strings returned by DynString already unwrap a single dynamic-string
// tag, but the tag's value itself is colon-joined per the ELF ABI).
func splitPathList(vals []string) []string {
	var out []string
	for _, v := range vals {
		start := 0
		for i := 0; i < len(v); i++ {
			if v[i] == ':' {
				if i > start {
					out = append(out, v[start:i])
				}
				start = i + 1
			}
		}
		if start < len(v) {
			out = append(out, v[start:])
		}
	}
	return out
}

var (
	errMissingSymtab = simpleErr("DT_SYMTAB missing with nonempty relocations")
	errMissingStrtab = simpleErr("DT_STRTAB missing with nonempty relocations")
	errMissingHash   = simpleErr("neither DT_HASH nor DT_GNU_HASH present")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
