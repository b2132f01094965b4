package reloc

import "debug/elf"

var arm64Table = ArchTable{
	uint32(elf.R_AARCH64_ABS64):          CatAbsolute,
	uint32(elf.R_AARCH64_GLOB_DAT):       CatGlobDat,
	uint32(elf.R_AARCH64_JUMP_SLOT):      CatJumpSlot,
	uint32(elf.R_AARCH64_RELATIVE):       CatRelative,
	uint32(elf.R_AARCH64_COPY):           CatCopy,
	uint32(elf.R_AARCH64_IRELATIVE):      CatIRelative,
	uint32(elf.R_AARCH64_TLS_DTPMOD64):   CatTLSDTPMod,
	uint32(elf.R_AARCH64_TLS_DTPREL64):   CatTLSDTPOff,
	uint32(elf.R_AARCH64_TLS_TPREL64):    CatTLSTPOff,
	uint32(elf.R_AARCH64_TLSDESC):        CatTLSDesc,
}
