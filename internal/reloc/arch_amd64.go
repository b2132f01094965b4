package reloc

import "debug/elf"

var amd64Table = ArchTable{
	uint32(elf.R_X86_64_64):        CatAbsolute,
	uint32(elf.R_X86_64_GLOB_DAT):  CatGlobDat,
	uint32(elf.R_X86_64_JMP_SLOT):  CatJumpSlot,
	uint32(elf.R_X86_64_RELATIVE):  CatRelative,
	uint32(elf.R_X86_64_COPY):      CatCopy,
	uint32(elf.R_X86_64_IRELATIVE): CatIRelative,
	uint32(elf.R_X86_64_DTPMOD64):  CatTLSDTPMod,
	uint32(elf.R_X86_64_DTPOFF64):  CatTLSDTPOff,
	uint32(elf.R_X86_64_TPOFF64):   CatTLSTPOff,
	uint32(elf.R_X86_64_TLSDESC):   CatTLSDesc,
}
