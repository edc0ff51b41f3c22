package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/chunkpool/chunk"
)

var (
	statsCount    int
	statsSeed     int64
	statsMaxSize  int
	statsDetailed bool
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsCount, "count", 64, "Number of allocations to hold while printing")
	cmd.Flags().Int64Var(&statsSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&statsMaxSize, "max-size", 64*1024, "Largest request in bytes")
	cmd.Flags().BoolVar(&statsDetailed, "detailed", false, "List every size class and allocation")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pool statistics for a random set of allocations",
		Long: `The stats command makes a number of random allocations across every memory
type, prints the pool's statistics as JSON, and frees them again.

Example:
  chunkstress stats --count 200
  chunkstress stats --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

func runStats() (err error) {
	if statsMaxSize < 1 {
		return errors.Newf("max-size must be positive, but was %d", statsMaxSize)
	}

	logger := newLogger()
	_, pool, err := newPool(logger)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(statsSeed))
	allocations := make([]*chunk.Allocation, 0, statsCount)
	defer func() {
		for _, alloc := range allocations {
			alloc.Free()
		}

		destroyErr := pool.Destroy()
		if err == nil {
			err = destroyErr
		}
	}()

	for i := 0; i < statsCount; i++ {
		alloc, allocErr := pool.Allocate(chunk.AllocationRequest{
			Size:               1 + rng.Intn(statsMaxSize),
			Alignment:          1 << rng.Intn(9),
			CompatibleTypeMask: 1 << rng.Intn(3),
		})
		if allocErr != nil {
			return allocErr
		}

		alloc.SetName(fmt.Sprintf("stats-%d", i))
		allocations = append(allocations, alloc)
	}

	fmt.Fprintln(os.Stdout, pool.BuildStatsString(statsDetailed))
	return nil
}
