// Package mapper implements spec.md §4.2: reserving a contiguous
// virtual-address span for an Object's PT_LOAD segments, copying in
// their file content, zero-filling BSS, and flipping PT_GNU_RELRO
// ranges read-only once relocation completes.
//
// Grounded on reflektor/memmod's memmod_linux.go, which does the same
// "mmap one big anonymous region sized to span every PT_LOAD, then
// copy each segment's file bytes to base+vaddr" trick this package
// generalizes into a two-phase reserve/protect API (mmap can't be
// R-W-X and segment-specific in one call, so file data has to land
// before permissions are narrowed).
package mapper

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/galago/dynload/internal/elfimage"
	"github.com/galago/dynload/internal/linkerr"
)

// addrOf returns the runtime address of a byte slice's backing array,
// used by both backings to turn a []byte reservation into the uintptr
// base that Mapping.Addr does pointer arithmetic against.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Prot is a platform-independent page protection mask, translated to
// the host's mmap/mprotect bits by the build-tagged backing.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func progFlagsToProt(flags elf.ProgFlag) Prot {
	var p Prot
	if flags&elf.PF_R != 0 {
		p |= ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= ProtExec
	}
	return p
}

// reservation is the build-tag-specific backing for a mapped span: a
// real anonymous mmap region under the default build, or a
// caller-supplied buffer under the freestanding build tag.
type reservation interface {
	// bytes returns the full reserved span, addressable at base..base+len.
	bytes() []byte
	base() uintptr
	protect(relOffset uint64, size uint64, prot Prot) error
	release() error
}

// Segment is one PT_LOAD region within a Mapping.
type Segment struct {
	VAddr  uint64 // original, unbiased virtual address
	Offset uint64 // file offset
	FileSz uint64
	MemSz  uint64
	Flags  elf.ProgFlag
}

// Mapping is one Object's reserved and populated address span.
type Mapping struct {
	Base     uintptr // load bias added to every vaddr
	Size     uint64
	Segments []Segment
	relro    []elf.ProgHeader
	lo       uint64 // page-aligned virtual address the span starts at

	res reservation
}

// Addr returns the runtime address for a link-time virtual address
// within this mapping.
func (m *Mapping) Addr(vaddr uint64) uintptr {
	return m.Base + uintptr(vaddr)
}

// Bytes exposes the full reserved span for architectures/tests that
// need raw access (e.g. this package's tests checking copied segment
// content).
func (m *Mapping) Bytes() []byte {
	return m.res.bytes()
}

// spanOffset returns vaddr's byte offset within Bytes().
func (m *Mapping) spanOffset(vaddr uint64) (uint64, error) {
	if vaddr < m.lo || vaddr-m.lo >= m.Size {
		return 0, fmt.Errorf("vaddr 0x%x outside mapping span [0x%x,0x%x)", vaddr, m.lo, m.lo+m.Size)
	}
	return vaddr - m.lo, nil
}

// ReadU64 reads a little-endian 64-bit word at a link-time virtual
// address within this mapping, used by the relocation and TLS-descriptor
// code to read addends already staged in the image.
func (m *Mapping) ReadU64(vaddr uint64) (uint64, error) {
	off, err := m.spanOffset(vaddr)
	if err != nil {
		return 0, err
	}
	b := m.res.bytes()
	if off+8 > uint64(len(b)) {
		return 0, fmt.Errorf("vaddr 0x%x+8 overruns mapping", vaddr)
	}
	return binary.LittleEndian.Uint64(b[off : off+8]), nil
}

// WriteU64 writes a little-endian 64-bit word at a link-time virtual
// address within this mapping (a GOT/PLT slot, a TLS descriptor pair).
func (m *Mapping) WriteU64(vaddr uint64, value uint64) error {
	off, err := m.spanOffset(vaddr)
	if err != nil {
		return err
	}
	b := m.res.bytes()
	if off+8 > uint64(len(b)) {
		return fmt.Errorf("vaddr 0x%x+8 overruns mapping", vaddr)
	}
	binary.LittleEndian.PutUint64(b[off:off+8], value)
	return nil
}

// Mapper reserves and populates virtual memory for parsed images.
type Mapper struct {
	pageSize uint64
}

// New returns a Mapper using the host's native page size.
func New() *Mapper {
	return &Mapper{pageSize: hostPageSize()}
}

// Map reserves a span covering every PT_LOAD segment of img, copies in
// file content, and zero-fills the BSS tail of each segment. Segments
// are left read-write-executable (or as wide as the backing allows)
// until Protect is called post-relocation, since relocation needs to
// write into segments that may ultimately be read-only (spec.md §4.2:
// "segments are writable during relocation, then narrowed").
func (m *Mapper) Map(img *elfimage.Image) (*Mapping, error) {
	lo, hi, err := img.LoadSpan(m.pageSize)
	if err != nil {
		return nil, err
	}
	size := hi - lo

	res, base, err := reserve(size)
	if err != nil {
		return nil, linkerr.Wrapf(linkerr.KindMapFailed, img.Path, "reserve %d bytes: %w", size, err)
	}

	mapping := &Mapping{Base: base - uintptr(lo), Size: size, lo: lo, res: res}

	loads := img.ProgsOfType(elf.PT_LOAD)
	mapping.Segments = make([]Segment, 0, len(loads))
	for _, p := range loads {
		seg := Segment{VAddr: p.Vaddr, Offset: p.Off, FileSz: p.Filesz, MemSz: p.Memsz, Flags: p.Flags}
		mapping.Segments = append(mapping.Segments, seg)

		if p.Filesz > 0 {
			segOff, _ := mapping.spanOffset(p.Vaddr)
			dst := mapping.res.bytes()[segOff:]
			if uint64(len(dst)) < p.Filesz {
				res.release()
				return nil, linkerr.New(linkerr.KindMapFailed, img.Path, "", fmt.Errorf("segment at 0x%x overruns reservation", p.Vaddr))
			}
			n, err := img.ReadAt(dst[:p.Filesz], int64(p.Off))
			if err != nil || uint64(n) != p.Filesz {
				res.release()
				return nil, linkerr.Wrapf(linkerr.KindMapFailed, img.Path, "read segment at file offset 0x%x: %w", p.Off, err)
			}
		}
		// BSS: dst was carved from an anonymous zeroed mmap (or a
		// caller buffer the embedder is expected to have zeroed), so
		// memsz > filesz needs no explicit zero-fill beyond what the
		// backing already guarantees.
	}

	mapping.relro = img.ProgsOfType(elf.PT_GNU_RELRO)
	return mapping, nil
}

// Protect narrows every PT_LOAD segment to its declared permissions.
// Call this once relocation has finished writing into the image.
func (m *Mapping) Protect() error {
	for _, seg := range m.Segments {
		rel := seg.VAddr - m.lo
		lo := rel &^ (pageAlign - 1)
		hi := (rel + seg.MemSz + pageAlign - 1) &^ (pageAlign - 1)
		if err := m.res.protect(lo, hi-lo, progFlagsToProt(seg.Flags)); err != nil {
			return linkerr.Wrapf(linkerr.KindMapFailed, "", "protect segment at 0x%x: %w", seg.VAddr, err)
		}
	}
	return nil
}

// FreezeRelro narrows every PT_GNU_RELRO range to read-only, the final
// step of relocation processing (spec.md §4.2 edge case: "RELRO
// segments become read-only only after all relocations targeting them
// have been applied").
func (m *Mapping) FreezeRelro() error {
	for _, p := range m.relro {
		rel := p.Vaddr - m.lo
		lo := rel &^ (pageAlign - 1)
		hi := (rel + p.Memsz + pageAlign - 1) &^ (pageAlign - 1)
		if err := m.res.protect(lo, hi-lo, ProtRead); err != nil {
			return linkerr.Wrapf(linkerr.KindMapFailed, "", "freeze RELRO at 0x%x: %w", p.Vaddr, err)
		}
	}
	return nil
}

// Unmap releases the reserved span. Callers must have already run
// every fini-array entry for the owning Object.
func (m *Mapping) Unmap() error {
	return m.res.release()
}

// pageAlign is a conservative alignment used for protection boundaries
// independent of the Mapper that created a Mapping (Protect/FreezeRelro
// take no Mapper receiver). 4KiB covers every architecture this repo
// supports; a larger native page size only widens the rounded range.
const pageAlign = 0x1000
