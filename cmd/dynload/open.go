package main

import (
	"fmt"

	"github.com/spf13/cobra"

	dynload "github.com/galago/dynload"
	"github.com/galago/dynload/internal/config"
)

var openDeps []string

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <path>",
		Short: "Load path as a process's main program and report its Link Map",
		Args:  cobra.ExactArgs(1),
		RunE:  runOpen,
	}
	cmd.Flags().StringArrayVar(&openDeps, "preload", nil, "path to preload before the main program, repeatable")
	return cmd
}

func runOpen(cmd *cobra.Command, args []string) error {
	path := args[0]

	loader := dynload.New(config.Default(), dynload.WithLogger(newLogger()))
	handle, err := loader.LoadMain(path, openDeps)
	if err != nil {
		return fmt.Errorf("load main: %w", err)
	}

	printf("loaded: %s\n\n", path)
	n := 0
	loader.Iterate(func(info dynload.ObjectInfo) bool {
		n++
		printf("%3d  0x%012x  refs=%-3d %-10s %s\n", n, info.Base, info.RefCount, info.State, info.Path)
		return true
	})

	if err := loader.Close(handle); err != nil {
		return fmt.Errorf("close main: %w", err)
	}
	printf("\nclosed\n")
	return nil
}
