package memutils

import "math"

// Statistics is a cheap summary of the contents of one or more pools
type Statistics struct {
	PoolCount       int
	AllocationCount int
	PoolBytes       int
	AllocationBytes int
	// PaddingBytes is the number of allocated bytes that were added to round requests up
	// to the pool granularity
	PaddingBytes int
}

func (s *Statistics) Clear() {
	s.PoolCount = 0
	s.AllocationCount = 0
	s.PoolBytes = 0
	s.AllocationBytes = 0
	s.PaddingBytes = 0
}

// DetailedStatistics extends Statistics with information that requires walking every chunk
// in a pool: hole counts and sizes, locks, and chunks waiting on a deferred free
type DetailedStatistics struct {
	Statistics
	HoleCount         int
	AllocationSizeMin int
	AllocationSizeMax int
	HoleSizeMin       int
	HoleSizeMax       int

	LockedChunkCount int
	PendingFreeCount int
	PendingFreeBytes int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.HoleCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.HoleSizeMin = math.MaxInt
	s.HoleSizeMax = 0
	s.LockedChunkCount = 0
	s.PendingFreeCount = 0
	s.PendingFreeBytes = 0
}

func (s *DetailedStatistics) AddHole(size int) {
	s.HoleCount++

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddPendingFree(size int) {
	s.PendingFreeCount++
	s.PendingFreeBytes += size
}
