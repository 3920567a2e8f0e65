package pool

//go:generate mockgen -destination ./mocks/mocks.go -package mocks github.com/vkngwrapper/gpudefrag/pool Platform,Resource,ResourceTable

// Platform is the device command-submission layer the allocator drives. Implementations must
// execute Relocate commands in submission order relative to each other and to fences.
type Platform interface {
	// Relocate submits a copy of size bytes from src to dst. The ranges may overlap, in which
	// case the implementation must never read a byte after it has been overwritten.
	Relocate(dst, src Address, size int, payload ResourceHandle) error
	// InsertFence returns a fence that signals once every previously-submitted command completes
	InsertFence() Fence
	// IsFenceSignaled reports whether the fence has signaled. It must not block. NoFence is
	// always signaled.
	IsFenceSignaled(fence Fence) bool
	// BlockOnFence waits until the fence has signaled
	BlockOnFence(fence Fence)
	// CanRelocate can veto the relocation of the allocation at addr for the current pass
	CanRelocate(addr Address, payload ResourceHandle) bool
	// NotifyReallocationFinished is called once the copy issued by Allocator.Reallocate has completed
	NotifyReallocationFinished(record RelocationRecord, payload ResourceHandle)
}

// RelocationRecord describes a relocation that was submitted to the Platform
type RelocationRecord struct {
	Payload     ResourceHandle
	Source      Address
	Destination Address
	Size        int
	// Overlapping is true when the source and destination ranges overlap
	Overlapping bool
	// Fence signals when the copy has completed
	Fence Fence
}
