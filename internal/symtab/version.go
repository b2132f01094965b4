package symtab

import (
	"encoding/binary"

	"github.com/galago/dynload/internal/elfimage"
)

const (
	versymHidden = uint16(0x8000)
	versymMask   = uint16(0x7fff)

	verNdxLocal  = 0 // symbol is local, not visible outside the object
	verNdxGlobal = 1 // symbol is global but carries no version
)

// versionTable maps a dynamic symbol's table index to its version name
// and hidden flag (spec.md §4.3: "hidden version entries match only
// when the caller requests that exact version").
type versionTable struct {
	// perSymbol[i] is the raw VERSYM halfword for ELF symbol index i
	// (including the STN_UNDEF slot at 0, unlike debug/elf's
	// DynamicSymbols which omits it).
	perSymbol []uint16
	// names maps a VERDEF index (low 15 bits of a VERSYM entry) to its
	// version name, for definitions local to this object.
	names map[uint16]string
}

// buildVersionTable parses DT_VERSYM/DT_VERDEF, if present. A missing
// DT_VERSYM means the object carries no version data at all, matching
// spec.md's "absent version data matches unversioned requests" rule.
func buildVersionTable(img *elfimage.Image, symCount int) (*versionTable, error) {
	d := img.Dynamic
	if d.VersymAddr == 0 {
		return nil, nil
	}

	raw, err := img.BytesAtAddr(d.VersymAddr, uint64(symCount)*2)
	if err != nil {
		return nil, err
	}
	vt := &versionTable{
		perSymbol: make([]uint16, symCount),
		names:     make(map[uint16]string),
	}
	for i := 0; i < symCount; i++ {
		vt.perSymbol[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}

	if d.VerdefAddr != 0 && d.VerdefNum > 0 {
		if err := vt.parseVerdef(img); err != nil {
			return nil, err
		}
	}
	return vt, nil
}

// verdef/verdaux layout per the canonical ELF gABI extension:
//
//	Verdef  { vd_version, vd_flags, vd_ndx, vd_cnt, vd_hash, vd_aux, vd_next }  uint16/uint16/uint16/uint16/uint32/uint32/uint32 = 20 bytes
//	Verdaux { vda_name, vda_next } uint32/uint32 = 8 bytes
func (vt *versionTable) parseVerdef(img *elfimage.Image) error {
	d := img.Dynamic
	addr := d.VerdefAddr
	for i := uint64(0); i < d.VerdefNum; i++ {
		hdr, err := img.BytesAtAddr(addr, 20)
		if err != nil {
			return err
		}
		vdNdx := binary.LittleEndian.Uint16(hdr[4:6])
		vdAux := binary.LittleEndian.Uint32(hdr[12:16])
		vdNext := binary.LittleEndian.Uint32(hdr[16:20])

		auxHdr, err := img.BytesAtAddr(addr+uint64(vdAux), 8)
		if err == nil {
			nameOff := binary.LittleEndian.Uint32(auxHdr[0:4])
			if name, err := readCString(img, d.StrTabAddr+uint64(nameOff)); err == nil {
				vt.names[vdNdx&versymMask] = name
			}
		}

		if vdNext == 0 {
			break
		}
		addr += uint64(vdNext)
	}
	return nil
}

func readCString(img *elfimage.Image, addr uint64) (string, error) {
	const chunk = 256
	for max := chunk; ; max *= 2 {
		raw, err := img.BytesAtAddr(addr, uint64(max))
		atEnd := false
		if err != nil {
			// Ran past the section end: read what remains of it instead.
			if raw, err = readToSectionEnd(img, addr); err != nil {
				return "", err
			}
			atEnd = true
		}
		for i, b := range raw {
			if b == 0 {
				return string(raw[:i]), nil
			}
		}
		if atEnd || max > 1<<20 {
			return string(raw), nil
		}
	}
}

// entry returns the version name and hidden flag for ELF symbol index
// idx (1-based dynsym index; 0 is STN_UNDEF and never versioned).
func (vt *versionTable) entry(idx int) (name string, hidden, unversioned bool) {
	if vt == nil || idx < 0 || idx >= len(vt.perSymbol) {
		return "", false, true
	}
	raw := vt.perSymbol[idx]
	ndx := raw & versymMask
	hidden = raw&versymHidden != 0
	switch ndx {
	case verNdxLocal, verNdxGlobal:
		return "", false, true
	default:
		return vt.names[ndx], hidden, false
	}
}
