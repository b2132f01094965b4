// Package elfimage implements spec.md §4.1: parsing a 64-bit ELF image
// (file-backed or in-memory), validating its header, and flattening its
// program headers and PT_DYNAMIC entries into a typed digest the rest
// of the loader consumes.
//
// Grounded on zboralski/galago's internal/emulator/elf.go, which opens
// the file with debug/elf and walks f.Progs for PT_LOAD — generalized
// here from one architecture and a flat symbol map to the three
// supported machines and a structured DynamicDigest.
package elfimage

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/galago/dynload/internal/linkerr"
)

// HostMachine returns the elf.Machine value matching the Go runtime's
// GOARCH, used to validate a main-program image at startup.
func HostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

var supportedMachines = map[elf.Machine]bool{
	elf.EM_X86_64:  true,
	elf.EM_AARCH64: true,
	elf.EM_RISCV:   true,
}

// Image is a parsed, validated ELF image ready for mapping.
type Image struct {
	Path     string
	Machine  elf.Machine
	Type     elf.Type
	Entry    uint64
	Progs    []elf.ProgHeader
	Dynamic  *DynamicDigest
	Sections []*elf.Section

	file   *elf.File
	closer io.Closer
}

// Close releases the underlying file handle, if any.
func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}

// ReadAt reads len(p) bytes from the image's file offset off, for
// segment data extraction by the mapper. The range must lie within the
// file content of a single program header.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	for _, prog := range img.file.Progs {
		start := int64(prog.Off)
		if off >= start && off+int64(len(p)) <= start+int64(prog.Filesz) {
			return prog.ReadAt(p, off-start)
		}
	}
	return 0, fmt.Errorf("file range [0x%x,0x%x) is not inside any segment", off, off+int64(len(p)))
}

// Open parses an ELF image from a path, keeping the file open for
// later segment-data reads.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "open: %w", err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "parse ELF header: %w", err)
	}
	img, err := build(path, ef)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// OpenBytes parses an ELF image already resident in memory (e.g. a
// freestanding embedder that has no filesystem).
func OpenBytes(path string, data []byte) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "parse ELF header: %w", err)
	}
	return build(path, ef)
}

func build(path string, ef *elf.File) (*Image, error) {
	if ef.Class != elf.ELFCLASS64 {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "unsupported class %v (64-bit only)", ef.Class)
	}
	if ef.Data != elf.ELFDATA2LSB {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "unsupported encoding %v (little-endian only)", ef.Data)
	}
	if ef.Type != elf.ET_DYN && ef.Type != elf.ET_EXEC {
		return nil, linkerr.Wrapf(linkerr.KindInvalidImage, path, "unsupported type %v", ef.Type)
	}
	if !supportedMachines[ef.Machine] {
		return nil, linkerr.Wrapf(linkerr.KindUnsupportedMachine, path, "machine %v", ef.Machine)
	}

	progs := make([]elf.ProgHeader, 0, len(ef.Progs))
	for _, p := range ef.Progs {
		progs = append(progs, p.ProgHeader)
	}

	digest, err := parseDynamic(path, ef)
	if err != nil {
		return nil, err
	}

	return &Image{
		Path:     path,
		Machine:  ef.Machine,
		Type:     ef.Type,
		Entry:    ef.Entry,
		Progs:    progs,
		Dynamic:  digest,
		Sections: ef.Sections,
		file:     ef,
	}, nil
}

// LoadSpan returns [minVaddr, maxVaddr) across all PT_LOAD entries,
// page-aligned outward, per spec.md §4.2.
func (img *Image) LoadSpan(pageSize uint64) (lo, hi uint64, err error) {
	lo = ^uint64(0)
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		end := p.Vaddr + p.Memsz
		if end > hi {
			hi = end
		}
	}
	if lo == ^uint64(0) {
		return 0, 0, linkerr.New(linkerr.KindInvalidImage, img.Path, "", fmt.Errorf("no PT_LOAD segments"))
	}
	lo &^= pageSize - 1
	hi = (hi + pageSize - 1) &^ (pageSize - 1)
	return lo, hi, nil
}

// BytesAtAddr reads size bytes starting at the given virtual address,
// locating the containing section by address range. Dynamic-linker
// metadata (hash tables, dynsym, dynstr, version tables) lives in
// sections whose file contents equal their pre-relocation memory
// image, so this is safe to use before the image is mapped.
func (img *Image) BytesAtAddr(addr, size uint64) ([]byte, error) {
	for _, sec := range img.Sections {
		if sec.Addr == 0 || addr < sec.Addr {
			continue
		}
		if addr+size > sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "read section %s: %w", sec.Name, err)
		}
		off := addr - sec.Addr
		if off+size > uint64(len(data)) {
			return nil, linkerr.New(linkerr.KindTruncated, img.Path, "", fmt.Errorf("section %s too short for addr 0x%x size %d", sec.Name, addr, size))
		}
		return data[off : off+size], nil
	}
	return nil, linkerr.New(linkerr.KindMalformedDynamic, img.Path, "", fmt.Errorf("no section contains addr 0x%x", addr))
}

// DynamicSymbols returns the image's dynamic symbol table via the
// standard library's parser (which already resolves symbol versioning
// into Symbol.Version/Library). Index i of the returned slice is ELF
// symbol index i+1 — index 0 (STN_UNDEF) is always omitted by
// debug/elf, a quirk every relocation/hash consumer in this repo must
// account for.
func (img *Image) DynamicSymbols() ([]elf.Symbol, error) {
	syms, err := img.file.DynamicSymbols()
	if err != nil {
		return nil, linkerr.Wrapf(linkerr.KindMalformedDynamic, img.Path, "dynamic symbols: %w", err)
	}
	return syms, nil
}

// ProgsOfType returns every program header of the given type, in file
// order.
func (img *Image) ProgsOfType(t elf.ProgType) []elf.ProgHeader {
	var out []elf.ProgHeader
	for _, p := range img.Progs {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}
