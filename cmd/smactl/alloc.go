package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newAllocCmd())
	rootCmd.AddCommand(newFreeCmd())
}

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <file> <size>",
		Short: "Allocate size bytes in a store file and print the resulting pointer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			return runAlloc(args[0], size)
		},
	}
}

func runAlloc(path string, size uint64) error {
	mf, a, err := openAllocator(path)
	if err != nil {
		return err
	}
	defer mf.Close()

	sl := a.Allocate(size)

	if jsonOut {
		return printJSON(struct {
			Ptr  uint64 `json:"ptr"`
			Size uint64 `json:"size"`
		}{sl.Ptr(), sl.Size()})
	}

	printInfo("allocated %d bytes at ptr %d\n", sl.Size(), sl.Ptr())
	return nil
}

func newFreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free <file> <ptr>",
		Short: "Deallocate the cell at ptr in a store file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			return runFree(args[0], ptr)
		},
	}
}

func runFree(path string, ptr uint64) error {
	mf, a, err := openAllocator(path)
	if err != nil {
		return err
	}
	defer mf.Close()

	sl := sliceFromPtr(a, ptr)
	a.Deallocate(sl)
	printInfo("freed cell at ptr %d\n", ptr)
	return nil
}
