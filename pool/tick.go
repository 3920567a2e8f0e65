package pool

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpudefrag/memutils/defrag"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
	"golang.org/x/exp/slog"
)

// RelocationStats reports the work done by a single defragmentation pass, along with the
// fragmentation of the pool afterward
type RelocationStats struct {
	NumHoles        int
	LargestHoleSize int

	NumRelocations int
	BytesRelocated int
	// BudgetUsed is the relocation budget consumed. Overlapping relocations cost more than
	// their size when OverlappedBandwidthScale is above 1.
	BudgetUsed int
	// NumVetoed is the number of relocations abandoned because the resource or Platform refused them
	NumVetoed int
	// NumDeferred is the number of relocations skipped because they did not fit in the budget
	NumDeferred int
}

func (s *RelocationStats) addPass(stats defrag.DefragmentationStats) {
	s.NumRelocations += stats.AllocationsMoved
	s.BytesRelocated += stats.BytesMoved
	s.BudgetUsed += stats.BudgetUsed
	s.NumVetoed += stats.AllocationsVetoed
	s.NumDeferred += stats.AllocationsDeferred
}

// Tick advances the allocator by one frame. It retires relocations, fenced locks and deferred
// frees that are complete, then runs a single budgeted defragmentation pass if asynchronous
// defragmentation is enabled.
//
// Tick never waits on a fence. An error is returned if the Platform fails to relocate memory,
// which ends the defragmentation pass early but leaves the pool consistent.
func (a *Allocator) Tick() (RelocationStats, error) {
	a.logger.Debug("Allocator::Tick")

	a.tempLock.Lock()
	defer a.tempLock.Unlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.frame++
	a.retireRelocations()
	a.retireFencedLocks()
	a.retireBucket(a.frame)
	a.retireFenceWaiting()
	a.retireOutstandingLocks()

	var stats RelocationStats
	var err error
	if a.asyncDefrag {
		err = a.runDefragPass(&stats, a.budgetedPass())
	}

	a.finishStats(&stats)
	return stats, err
}

// Defragment runs a single budgeted defragmentation pass without advancing the frame, whether
// or not asynchronous defragmentation is enabled
func (a *Allocator) Defragment() (RelocationStats, error) {
	a.logger.Debug("Allocator::Defragment")

	a.tempLock.Lock()
	defer a.tempLock.Unlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats RelocationStats
	err := a.runDefragPass(&stats, a.budgetedPass())

	a.finishStats(&stats)
	return stats, err
}

// SetAsyncDefrag enables or disables the defragmentation pass run by Tick
func (a *Allocator) SetAsyncDefrag(enabled bool) {
	a.logger.Debug("Allocator::SetAsyncDefrag")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.asyncDefrag = enabled
}

// PanicDefrag compacts the pool as far as possible, ignoring the per-tick budget. It runs passes
// until one finds nothing to move, waiting for each pass's relocations to complete before
// beginning the next. Resources that refuse to relocate are never moved.
func (a *Allocator) PanicDefrag() (RelocationStats, error) {
	a.logger.Debug("Allocator::PanicDefrag")

	a.tempLock.Lock()
	defer a.tempLock.Unlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Relocations from earlier ticks pin their chunks until they retire
	a.platform.BlockOnFence(a.lastFence)
	a.retireRelocations()

	var stats RelocationStats
	for {
		pass := &defrag.PassContext{
			MaxPassBytes:       defrag.Unbounded,
			MaxPassAllocations: defrag.Unbounded,
			OverlapCostScale:   a.overlapScale,
		}

		err := a.runDefragPass(&stats, pass)
		if err != nil {
			a.finishStats(&stats)
			return stats, err
		}

		if pass.Stats.AllocationsMoved == 0 {
			break
		}

		a.platform.BlockOnFence(a.lastFence)
		a.retireRelocations()
	}

	a.finishStats(&stats)
	return stats, nil
}

func (a *Allocator) budgetedPass() *defrag.PassContext {
	return &defrag.PassContext{
		MaxPassBytes:       a.maxRelocationBytes,
		MaxPassAllocations: a.maxRelocationCount,
		MaxDownShift:       a.maxDownShift,
		OverlapCostScale:   a.overlapScale,
	}
}

func (a *Allocator) runDefragPass(stats *RelocationStats, pass *defrag.PassContext) error {
	_, err := a.defragContext.RunPass(pass)

	stats.addPass(pass.Stats)
	a.totalRelocations += pass.Stats.AllocationsMoved
	a.totalBytesRelocated += pass.Stats.BytesMoved

	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "defragmentation pass ended early",
			slog.Any("error", err))
	}
	return err
}

func (a *Allocator) finishStats(stats *RelocationStats) {
	stats.NumHoles = a.ledger.FreeRegionsCount()
	stats.LargestHoleSize = a.ledger.LargestFreeRegion()
	a.lastRelocation = *stats
}

// Flush waits for all work submitted to the Platform so far, then retires every relocation,
// fenced lock and fence-gated free that was waiting on it. The deferred free ring is not advanced.
func (a *Allocator) Flush() {
	a.logger.Debug("Allocator::Flush")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.flush()
}

func (a *Allocator) flush() {
	a.platform.BlockOnFence(a.insertFence())

	a.retireRelocations()
	a.retireFencedLocks()
	a.retireFenceWaiting()
	a.retireOutstandingLocks()
}

// Shutdown waits for all outstanding work, reclaims every pending free regardless of how many
// frames have passed, and resets the pool. Allocations that were never freed are logged and
// ErrPoolNotEmpty is returned.
func (a *Allocator) Shutdown() error {
	a.logger.Debug("Allocator::Shutdown")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.flush()
	for i := 0; i < len(a.deferred.ring); i++ {
		a.frame++
		a.retireBucket(a.frame)
	}
	a.retireFenceWaiting()
	a.retireOutstandingLocks()

	if !a.ledger.IsEmpty() {
		// Log all remaining allocations
		err := a.ledger.VisitAllChunks(func(info ledger.ChunkInfo) error {
			if info.State == ledger.ChunkFree {
				return nil
			}

			a.logUnreleasedMemory(info)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Wrapf(ErrPoolNotEmpty, "%d allocations remain", a.ledger.AllocationCount())
	}

	a.ledger.Clear()
	a.categoryBytes = [categoryCount]int{}
	return nil
}

func (a *Allocator) logUnreleasedMemory(info ledger.ChunkInfo) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Uint64("address", uint64(a.base)+uint64(info.Offset)),
		slog.Int("size", info.Size),
		slog.String("state", info.State.String()),
		slog.Int("lockCount", info.LockCount),
		slog.String("category", AllocationCategory(info.Category).String()),
		slog.Uint64("payload", info.Payload),
	)
}
