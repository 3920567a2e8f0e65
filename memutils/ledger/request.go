package ledger

// AllocationStrategy exposes several options for choosing the location of a new allocation.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest hole that can hold the allocation, to
	// minimize new fragmentation. This is the default strategy.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first suitable hole found in the free lists, which
	// is not necessarily the smallest.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the hole with the lowest offset. Used internally by
	// defragmentation, not recommended in typical usage.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

// AllocationRequest is a type returned from Ledger.CreateAllocationRequest which indicates where
// the ledger intends to place a new allocation. It can be committed with Ledger.Alloc, as long as
// the ledger has not been modified in the meantime.
type AllocationRequest struct {
	// Hole is the free chunk the allocation will be carved from
	Hole ChunkHandle
	// Offset is the aligned offset the allocation will begin at
	Offset int
	// Size is the size of the allocation after rounding up to the ledger granularity
	Size int
	// Alignment is the alignment of the allocation after raising it to the ledger granularity
	Alignment uint
}
