package pool

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpudefrag/memutils"
)

// Stats is a snapshot of the allocator's fragmentation and relocation activity
type Stats struct {
	NumHoles            int
	LargestHoleSize     int
	AvailableMemorySize int
	// NumRelocations and BytesRelocated describe the most recent defragmentation pass
	NumRelocations    int
	BytesRelocated    int
	NumLockedChunks   int
	PaddingWasteBytes int

	NumAllocations   int
	AllocatedBytes   int
	PendingFreeCount int
	PendingFreeBytes int
	// NumDeferredFrees is the number of frees that have not yet been reclaimed, including frees
	// waiting on fences or locks
	NumDeferredFrees int

	TotalRelocations    int
	TotalBytesRelocated int
	Frame               uint64

	CategoryBytes map[AllocationCategory]int
}

// Stats returns the allocator's current statistics. It walks every chunk in the pool.
func (a *Allocator) Stats() Stats {
	a.logger.Debug("Allocator::Stats")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.stats()
}

func (a *Allocator) stats() Stats {
	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.ledger.AddDetailedStatistics(&detailed)

	stats := Stats{
		NumHoles:            detailed.HoleCount,
		LargestHoleSize:     detailed.HoleSizeMax,
		AvailableMemorySize: a.ledger.SumFreeSize(),
		NumRelocations:      a.lastRelocation.NumRelocations,
		BytesRelocated:      a.lastRelocation.BytesRelocated,
		NumLockedChunks:     detailed.LockedChunkCount,
		PaddingWasteBytes:   detailed.PaddingBytes,

		NumAllocations:   detailed.AllocationCount - detailed.PendingFreeCount,
		AllocatedBytes:   detailed.AllocationBytes - detailed.PendingFreeBytes,
		PendingFreeCount: detailed.PendingFreeCount,
		PendingFreeBytes: detailed.PendingFreeBytes,
		NumDeferredFrees: a.deferred.pendingCount(),

		TotalRelocations:    a.totalRelocations,
		TotalBytesRelocated: a.totalBytesRelocated,
		Frame:               a.frame,

		CategoryBytes: make(map[AllocationCategory]int, categoryCount),
	}

	for category := AllocationCategory(0); category < categoryCount; category++ {
		if a.categoryBytes[category] > 0 {
			stats.CategoryBytes[category] = a.categoryBytes[category]
		}
	}

	return stats
}

// BuildStatsString returns a json document describing the allocator's statistics. If
// detailedMap is true, the document also describes every chunk in the pool.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.buildStatsString(detailedMap)
}

func (a *Allocator) buildStatsString(detailedMap bool) string {
	stats := a.stats()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	total := objState.Name("Total").Object()
	total.Name("PoolBytes").Int(a.ledger.Size())
	total.Name("AllocatedBytes").Int(stats.AllocatedBytes)
	total.Name("Allocations").Int(stats.NumAllocations)
	total.Name("AvailableBytes").Int(stats.AvailableMemorySize)
	total.Name("Holes").Int(stats.NumHoles)
	total.Name("LargestHole").Int(stats.LargestHoleSize)
	total.Name("LockedChunks").Int(stats.NumLockedChunks)
	total.Name("PaddingWasteBytes").Int(stats.PaddingWasteBytes)
	total.Name("PendingFrees").Int(stats.PendingFreeCount)
	total.Name("PendingFreeBytes").Int(stats.PendingFreeBytes)
	total.End()

	categories := objState.Name("Categories").Object()
	for category := AllocationCategory(0); category < categoryCount; category++ {
		categories.Name(category.String()).Int(a.categoryBytes[category])
	}
	categories.End()

	relocation := objState.Name("Relocation").Object()
	relocation.Name("Frame").Float64(float64(stats.Frame))
	relocation.Name("LastRelocations").Int(stats.NumRelocations)
	relocation.Name("LastBytesRelocated").Int(stats.BytesRelocated)
	relocation.Name("LastVetoed").Int(a.lastRelocation.NumVetoed)
	relocation.Name("LastDeferred").Int(a.lastRelocation.NumDeferred)
	relocation.Name("TotalRelocations").Int(stats.TotalRelocations)
	relocation.Name("TotalBytesRelocated").Int(stats.TotalBytesRelocated)
	relocation.Name("InFlight").Int(a.relocations.Count())
	relocation.End()

	if detailedMap {
		poolObj := objState.Name("DetailedMap").Object()
		a.ledger.WriteDetailedMap(poolObj)
		poolObj.End()
	}

	objState.End()

	return string(writer.Bytes())
}
