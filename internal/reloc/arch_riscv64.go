package reloc

import "debug/elf"

var riscv64Table = ArchTable{
	uint32(elf.R_RISCV_64):            CatAbsolute,
	uint32(elf.R_RISCV_JUMP_SLOT):     CatJumpSlot,
	uint32(elf.R_RISCV_RELATIVE):      CatRelative,
	uint32(elf.R_RISCV_COPY):          CatCopy,
	58:                                CatIRelative, // R_RISCV_IRELATIVE; debug/elf has no constant for it
	uint32(elf.R_RISCV_TLS_DTPMOD64):  CatTLSDTPMod,
	uint32(elf.R_RISCV_TLS_DTPREL64):  CatTLSDTPOff,
	uint32(elf.R_RISCV_TLS_TPREL64):   CatTLSTPOff,
}
