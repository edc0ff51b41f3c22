package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/chunkpool/chunk"
	"github.com/vkngwrapper/chunkpool/device/hostmem"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose        bool
	heapSize       int
	atomSize       int
	maxAllocations int
	baseChunkSize  int
)

var rootCmd = &cobra.Command{
	Use:   "chunkstress",
	Short: "Exercise a chunk pool against host memory",
	Long: `chunkstress runs chunk allocation pools on top of a host memory device that
mimics a discrete GPU: a device-local type, a host-coherent type and a host-cached
non-coherent type spread across two heaps.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVar(&heapSize, "heap-size", 256*hostmem.MiB, "Size of each host memory heap in bytes")
	rootCmd.PersistentFlags().IntVar(&atomSize, "atom-size", 64, "nonCoherentAtomSize reported by the device")
	rootCmd.PersistentFlags().IntVar(&maxAllocations, "max-allocations", 4096, "Most native blocks the device allows at once")
	rootCmd.PersistentFlags().IntVar(&baseChunkSize, "base-chunk-size", 0, "Level 0 chunk size for coherent memory (0 for the default)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newPool builds a host memory device from the global flags and a pool on top of it
func newPool(logger *slog.Logger) (*hostmem.Device, *chunk.AllocationPool, error) {
	options := hostmem.DefaultOptions()
	for heapIndex := range options.MemoryHeaps {
		options.MemoryHeaps[heapIndex].Size = heapSize
	}
	options.NonCoherentAtomSize = atomSize
	options.MaxMemoryAllocationCount = maxAllocations

	dev, err := hostmem.New(options)
	if err != nil {
		return nil, nil, err
	}

	pool, err := chunk.New(logger, dev, chunk.CreateOptions{
		BaseChunkSize: baseChunkSize,
	})
	if err != nil {
		return nil, nil, err
	}

	return dev, pool, nil
}
