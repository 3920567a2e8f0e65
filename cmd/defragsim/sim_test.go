package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testConfig() simConfig {
	return simConfig{
		PoolSize:       8 * 1024 * 1024,
		Frames:         300,
		Seed:           3,
		MaxAllocation:  256 * 1024,
		MaxRelocations: 512 * 1024,
		WindowSize:     16 * 1024,
	}
}

func TestSimulationPreservesContents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))

	result, err := runSimulation(logger, testConfig())
	require.NoError(t, err)
	require.Equal(t, 300, result.Frames)
	require.Greater(t, result.Allocations, 0)
	require.Greater(t, result.Verified, 0)
	require.Equal(t, 0, result.Corrupted)
	require.Equal(t, result.Allocations, result.Frees)
	require.Contains(t, result.Report, `"Relocation":{`)
}

func TestSimulationUnderPressure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))

	config := testConfig()
	config.PoolSize = 2 * 1024 * 1024
	config.MaxRelocations = -1
	config.MaxDownShift = -1
	config.PanicOnFull = true
	config.DetailedReport = true

	result, err := runSimulation(logger, config)
	require.NoError(t, err)
	require.Equal(t, 0, result.Corrupted)
	require.Contains(t, result.Report, `"DetailedMap":{`)
}

func TestSimulationRejectsTinyAllocations(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard))

	config := testConfig()
	config.MaxAllocation = 1024

	_, err := runSimulation(logger, config)
	require.Error(t, err)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := newRunCmd()
	require.Equal(t, "run", cmd.Use)
	require.NoError(t, cmd.Args(cmd, nil))
	require.Error(t, cmd.Args(cmd, []string{"extra"}))

	flag := rootCmd.PersistentFlags().Lookup("json")
	require.NotNil(t, flag)
}
