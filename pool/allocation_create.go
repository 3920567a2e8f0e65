package pool

import "github.com/vkngwrapper/gpudefrag/memutils/ledger"

// AllocationCreateInfo contains the full set of parameters for an allocation
type AllocationCreateInfo struct {
	// Size is the number of bytes requested. The allocation is rounded up to a multiple of the
	// pool's MinAllocationAlignment.
	Size int
	// Alignment is the required alignment of the allocation's address. Zero means the pool's
	// MinAllocationAlignment.
	Alignment uint
	// Category classifies the allocation for statistics
	Category AllocationCategory
	// Payload is the resource that will occupy the allocation. It can also be attached later with
	// Allocator.SetUserPayload.
	Payload ResourceHandle
	// Locked causes the allocation to be created with a single lock already taken
	Locked bool
	// AllowFailure causes allocation failures to be returned as ErrOutOfSpace. When it is false,
	// failing to allocate is fatal.
	AllowFailure bool
}

// ChunkInfo describes the chunk of a pool that contains a particular address
type ChunkInfo struct {
	Address Address
	Size    int
	State   ledger.ChunkState

	LockCount       int
	FencedLockCount int

	Alignment     uint
	RequestedSize int
	Category      AllocationCategory
	Payload       ResourceHandle
}

func (a *Allocator) chunkInfo(info ledger.ChunkInfo) ChunkInfo {
	return ChunkInfo{
		Address:         a.base + Address(info.Offset),
		Size:            info.Size,
		State:           info.State,
		LockCount:       info.LockCount,
		FencedLockCount: info.FencedLockCount,
		Alignment:       info.Alignment,
		RequestedSize:   info.RequestedSize,
		Category:        AllocationCategory(info.Category),
		Payload:         ResourceHandle(info.Payload),
	}
}
