package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	runPoolSize       int
	runFrames         int
	runSeed           int64
	runMaxAllocation  int
	runMaxRelocations int
	runMaxDownShift   int
	runInFlightFrames int
	runWindowSize     int
	runPanicOnFull    bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runPoolSize, "pool-size", 64*1024*1024, "Pool size in bytes")
	cmd.Flags().IntVar(&runFrames, "frames", 600, "Number of frames to simulate")
	cmd.Flags().Int64Var(&runSeed, "seed", 1, "Seed for the allocation churn")
	cmd.Flags().IntVar(&runMaxAllocation, "max-allocation", 1024*1024, "Largest allocation in bytes")
	cmd.Flags().IntVar(&runMaxRelocations, "max-relocations", 0, "Relocation budget per tick in bytes (0 for the pool default, -1 for unlimited)")
	cmd.Flags().IntVar(&runMaxDownShift, "max-downshift", 0, "Furthest a single slide may move an allocation (0 for the pool default, -1 for unlimited)")
	cmd.Flags().IntVar(&runInFlightFrames, "in-flight-frames", 0, "Frames in flight between submission and retirement (0 for the pool default)")
	cmd.Flags().IntVar(&runWindowSize, "window", 0, "Device bounce window in bytes (0 for the device default)")
	cmd.Flags().BoolVar(&runPanicOnFull, "panic-defrag", false, "Compact the pool fully and retry when an allocation fails")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a randomized allocation workload",
		Long: `The run command allocates, frees and reallocates resources of random sizes for a
number of frames, ticking the pool once per frame.

Example:
  defragsim run
  defragsim run --pool-size 16777216 --frames 2000 --seed 7
  defragsim run --max-relocations 131072 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun()
		},
	}
	return cmd
}

func runRun() error {
	logger := newLogger(os.Stderr)

	result, err := runSimulation(logger, simConfig{
		PoolSize:       runPoolSize,
		Frames:         runFrames,
		Seed:           runSeed,
		MaxAllocation:  runMaxAllocation,
		MaxRelocations: runMaxRelocations,
		MaxDownShift:   runMaxDownShift,
		InFlightFrames: runInFlightFrames,
		WindowSize:     runWindowSize,
		PanicOnFull:    runPanicOnFull,
		DetailedReport: jsonOut && verbose,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		fmt.Println(result.Report)
	} else {
		printSummary(result)
	}

	if result.Corrupted > 0 {
		return errors.Newf("%d allocations were corrupted by relocation", result.Corrupted)
	}

	return nil
}

func printSummary(result simResult) {
	p := message.NewPrinter(language.English)

	p.Printf("Frames:             %d\n", result.Frames)
	p.Printf("Allocations:        %d (%d failed, %d panic defrags)\n", result.Allocations, result.Failures, result.PanicDefrags)
	p.Printf("Frees:              %d\n", result.Frees)
	p.Printf("Reallocations:      %d\n", result.Reallocations)
	p.Printf("Relocations:        %d (%d bytes)\n", result.Stats.TotalRelocations, result.Stats.TotalBytesRelocated)
	p.Printf("Vetoed relocations: %d\n", result.Vetoed)
	p.Printf("Device copies:      %d (%d bytes, %d bounce windows)\n", result.Device.Copies, result.Device.BytesCopied, result.Device.BounceWindows)
	p.Printf("\n")
	p.Printf("Live allocations:   %d (%d bytes)\n", result.Stats.NumAllocations, result.Stats.AllocatedBytes)
	p.Printf("Holes:              %d (largest %d bytes)\n", result.Stats.NumHoles, result.Stats.LargestHoleSize)
	p.Printf("Available:          %d bytes\n", result.Stats.AvailableMemorySize)
	p.Printf("Padding waste:      %d bytes\n", result.Stats.PaddingWasteBytes)
	p.Printf("Verified:           %d intact, %d corrupted\n", result.Verified-result.Corrupted, result.Corrupted)
}
