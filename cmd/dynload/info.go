package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/galago/dynload/internal/elfimage"
	"github.com/galago/dynload/internal/symtab"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <path>",
		Short: "Parse an ELF image's dynamic section without mapping it",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	path := args[0]

	img, err := elfimage.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer img.Close()

	printf("path:    %s\n", img.Path)
	printf("machine: %s\n", img.Machine)
	printf("type:    %s\n", img.Type)
	printf("entry:   0x%x\n", img.Entry)

	lo, hi, err := img.LoadSpan(0x1000)
	if err == nil {
		printf("span:    0x%x-0x%x (%d bytes)\n", lo, hi, hi-lo)
	}

	d := img.Dynamic
	if d == nil {
		printf("\nno PT_DYNAMIC (statically linked)\n")
		return nil
	}

	printf("\nsoname:  %s\n", d.Soname)
	if len(d.Needed) > 0 {
		printf("needed:\n")
		for _, n := range d.Needed {
			printf("  %s\n", n)
		}
	}
	if len(d.Runpath) > 0 {
		printf("runpath: %v\n", d.Runpath)
	}
	if len(d.Rpath) > 0 {
		printf("rpath:   %v\n", d.Rpath)
	}

	printf("\nhash:    ")
	switch {
	case d.GnuHashAddr != 0 && d.HashAddr != 0:
		printf("GNU + SysV (0x%x, 0x%x)\n", d.GnuHashAddr, d.HashAddr)
	case d.GnuHashAddr != 0:
		printf("GNU (0x%x)\n", d.GnuHashAddr)
	case d.HashAddr != 0:
		printf("SysV (0x%x)\n", d.HashAddr)
	default:
		printf("none\n")
	}

	printf("init:       0x%x\n", d.InitAddr)
	printf("fini:       0x%x\n", d.FiniAddr)
	printf("init_array: 0x%x (%d entries)\n", d.InitArrayAddr, d.InitArraySize/8)
	printf("fini_array: 0x%x (%d entries)\n", d.FiniArrayAddr, d.FiniArraySize/8)

	if d.JmpRelAddr != 0 {
		printf("jmprel:     0x%x, %d bytes, via %s\n", d.JmpRelAddr, d.JmpRelSize, d.PltRel)
	}
	if d.RelaAddr != 0 {
		printf("rela:       0x%x, %d bytes\n", d.RelaAddr, d.RelaSize)
	}
	if d.RelAddr != 0 {
		printf("rel:        0x%x, %d bytes\n", d.RelAddr, d.RelSize)
	}

	tab, err := symtab.Build(img)
	if err != nil {
		printf("\nsymbols: parse failed: %v\n", err)
		return nil
	}
	syms := tab.Symbols()
	printf("\nsymbols: %d\n", len(syms))

	return nil
}
