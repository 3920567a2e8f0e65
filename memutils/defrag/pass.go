package defrag

import (
	"fmt"
	"math"
)

// Unbounded can be used for PassContext limits that should never end a pass
const Unbounded = math.MaxInt

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// BudgetUsed is the number of budget bytes consumed by relocations. Overlapping relocations
	// may cost more than their size.
	BudgetUsed int
	// AllocationsVetoed is the number of relocations that were abandoned by the move handler
	AllocationsVetoed int
	// AllocationsDeferred is the number of candidates skipped because they did not fit in the
	// remaining budget
	AllocationsDeferred int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.AllocationsMoved += stats.AllocationsMoved
	s.BudgetUsed += stats.BudgetUsed
	s.AllocationsVetoed += stats.AllocationsVetoed
	s.AllocationsDeferred += stats.AllocationsDeferred
}

// PassContext is an object used to track data for the current defragmentation
// pass across multiple relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of budget bytes to consume in each pass. There is no
	// guarantee that this many bytes will actually be relocated in any given pass, based on how
	// easy it is to find additional relocations to fit within the budget
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in each pass
	MaxPassAllocations int
	// MaxDownShift is the maximum distance a single slide may move an allocation. Jumps are
	// not limited, and zero means slides are not limited either.
	MaxDownShift int
	// OverlapCostScale multiplies the cost of relocations whose source and destination overlap.
	// Values below 1 are treated as 1.
	OverlapCostScale float64
	// Stats contains statistics for the current pass, such as bytes moved,
	// allocations performed, etc.
	Stats         DefragmentationStats
	ignoredAllocs int
}

const defragMaxAllocsToIgnore = 16

// Reset prepares the context for a new pass, keeping its limits
func (p *PassContext) Reset() {
	p.Stats = DefragmentationStats{}
	p.ignoredAllocs = 0
}

func (p *PassContext) moveCost(size int, overlapping bool) int {
	if !overlapping || p.OverlapCostScale <= 1 {
		return size
	}

	scaled := math.Ceil(float64(size) * p.OverlapCostScale)
	if scaled >= float64(math.MaxInt) {
		return math.MaxInt
	}
	return int(scaled)
}

func (p *PassContext) exceedsBudget(cost int) bool {
	if p.MaxPassBytes == Unbounded {
		return false
	}

	return cost > p.MaxPassBytes-p.Stats.BudgetUsed
}

func (p *PassContext) checkCounters(cost int) defragCounterStatus {
	if p.Stats.AllocationsMoved >= p.MaxPassAllocations {
		return defragCounterEnd
	}

	// Ignore allocation if it will exceed max size for copy
	if p.exceedsBudget(cost) {
		p.ignoredAllocs++
		p.Stats.AllocationsDeferred++
		if p.ignoredAllocs < defragMaxAllocsToIgnore {
			return defragCounterIgnore
		} else {
			return defragCounterEnd
		}
	} else {
		p.ignoredAllocs = 0
	}

	return defragCounterPass
}

func (p *PassContext) incrementCounters(move Move) bool {
	p.Stats.BytesMoved += move.Size
	p.Stats.BudgetUsed += move.Cost
	p.Stats.AllocationsMoved++

	// Early return when max found
	if p.Stats.AllocationsMoved >= p.MaxPassAllocations || (p.MaxPassBytes != Unbounded && p.Stats.BudgetUsed >= p.MaxPassBytes) {
		if p.Stats.AllocationsMoved > p.MaxPassAllocations || (p.MaxPassBytes != Unbounded && p.Stats.BudgetUsed > p.MaxPassBytes) {
			panic(fmt.Sprintf("somehow passed maximum pass thresholds: budget %d, allocs %d", p.Stats.BudgetUsed, p.Stats.AllocationsMoved))
		}

		return true
	}

	return false
}
