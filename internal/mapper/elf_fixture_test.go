//go:build linux && !freestanding

package mapper

import "encoding/binary"

// buildMinimalELF hand-assembles the smallest valid 64-bit little-endian
// ET_DYN ELF image with a single PT_LOAD segment: an ELF header, one
// program header, and the segment's file content, with no section
// headers at all (this repo's Map only walks Progs).
func buildMinimalELF(payload []byte, vaddr uint64, memsz uint64) []byte {
	const (
		ehsize = 64
		phsize = 56
	)
	segOff := uint64(ehsize + phsize)
	total := segOff + uint64(len(payload))
	buf := make([]byte, total)

	// e_ident
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 3)                      // e_type = ET_DYN
	le.PutUint16(buf[18:], 62)                      // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)                       // e_version
	le.PutUint64(buf[24:], vaddr)                   // e_entry
	le.PutUint64(buf[32:], ehsize)                  // e_phoff
	le.PutUint64(buf[40:], 0)                       // e_shoff
	le.PutUint32(buf[48:], 0)                       // e_flags
	le.PutUint16(buf[52:], ehsize)                  // e_ehsize
	le.PutUint16(buf[54:], phsize)                  // e_phentsize
	le.PutUint16(buf[56:], 1)                       // e_phnum
	le.PutUint16(buf[58:], 0)                       // e_shentsize
	le.PutUint16(buf[60:], 0)                       // e_shnum
	le.PutUint16(buf[62:], 0)                       // e_shstrndx

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                     // p_type = PT_LOAD
	le.PutUint32(ph[4:], 7)                     // p_flags = R|W|X
	le.PutUint64(ph[8:], segOff)                // p_offset
	le.PutUint64(ph[16:], vaddr)                // p_vaddr
	le.PutUint64(ph[24:], vaddr)                // p_paddr
	le.PutUint64(ph[32:], uint64(len(payload)))  // p_filesz
	le.PutUint64(ph[40:], memsz)                 // p_memsz
	le.PutUint64(ph[48:], 0x1000)                // p_align

	copy(buf[segOff:], payload)
	return buf
}
