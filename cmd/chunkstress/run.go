package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/chunkpool/internal/stress"
)

var (
	runOptions    = stress.DefaultOptions()
	runMemoryType int
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runOptions.Workers, "workers", runOptions.Workers, "Number of concurrent workers")
	cmd.Flags().IntVar(&runOptions.Iterations, "iterations", runOptions.Iterations, "Operations per worker")
	cmd.Flags().Int64Var(&runOptions.Seed, "seed", runOptions.Seed, "Random seed")
	cmd.Flags().IntVar(&runOptions.MinSize, "min-size", runOptions.MinSize, "Smallest request in bytes")
	cmd.Flags().IntVar(&runOptions.MaxSize, "max-size", runOptions.MaxSize, "Largest request in bytes")
	cmd.Flags().IntVar(&runOptions.MaxAlignment, "max-alignment", runOptions.MaxAlignment, "Largest request alignment")
	cmd.Flags().IntVar(&runOptions.MaxLive, "max-live", runOptions.MaxLive, "Most allocations a worker holds at once")
	cmd.Flags().IntVar(&runMemoryType, "memory-type", -1, "Restrict requests to one memory type (-1 for any)")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate and free from many goroutines at once",
		Long: `The run command starts several workers that allocate and free random sizes
and alignments. Every allocation is filled with a pattern and checked before it is
freed, and live ranges in each native block are checked for overlap.

Example:
  chunkstress run --workers 16 --iterations 10000
  chunkstress run --memory-type 2 --max-size 512`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context())
		},
	}
	return cmd
}

func runStress(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	logger := newLogger()
	dev, pool, err := newPool(logger)
	if err != nil {
		return err
	}

	options := runOptions
	if runMemoryType >= 0 {
		if runMemoryType >= 32 {
			return errors.Newf("memory type %d is out of range", runMemoryType)
		}
		options.CompatibleTypeMask = 1 << runMemoryType
	}

	report, runErr := stress.Run(ctx, logger, pool, options)

	fmt.Fprintf(os.Stdout, "allocations: %d\nfrees:       %d\nfailures:    %d\nmax live:    %d\nelapsed:     %s\n",
		report.Allocations, report.Frees, report.Failures, report.MaxLive, report.Elapsed)

	if runErr != nil {
		return runErr
	}

	err = pool.Validate()
	if err != nil {
		return errors.Wrap(err, "pool failed validation after the run")
	}

	err = pool.Destroy()
	if err != nil {
		return err
	}

	if live := dev.LiveBlockCount(); live != 0 {
		return errors.Newf("%d native blocks are still live after the pool was destroyed", live)
	}

	return nil
}
