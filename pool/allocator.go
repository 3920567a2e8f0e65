package pool

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpudefrag/memutils/defrag"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
	"github.com/vkngwrapper/gpudefrag/pool/internal/utils"
	"golang.org/x/exp/slog"
)

// Allocator manages a single fixed region of device memory. Allocations are carved from holes
// in the region, frees are deferred until the GPU can no longer be using the memory, and
// live allocations are relocated in small budgeted passes each Tick to keep holes consolidated.
//
// All methods are safe for concurrent use unless the allocator was created with
// CreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	platform    Platform
	resources   ResourceTable
	base        Address
	createFlags CreateFlags

	tempLock utils.OptionalLocker
	mutex    utils.OptionalMutex
	ledger   *ledger.Ledger

	frame     uint64
	lastFence Fence
	deferred  deferredFrees

	asyncDefrag        bool
	asyncReallocation  bool
	defragContext      defrag.MetadataDefragContext
	relocations        *swiss.Map[ledger.ChunkHandle, relocationRecord]
	maxRelocationBytes int
	maxDownShift       int
	maxRelocationCount int
	overlapScale       float64

	lastRelocation      RelocationStats
	totalRelocations    int
	totalBytesRelocated int
	categoryBytes       [categoryCount]int
}

// Base returns the address of the first byte of the pool
func (a *Allocator) Base() Address {
	return a.base
}

// Size returns the number of bytes in the pool
func (a *Allocator) Size() int {
	return a.ledger.Size()
}

// Allocate carves an allocation of size bytes out of the smallest hole that can hold it and
// returns its address. Allocate never relocates other allocations to make room. If no hole is
// large enough, ErrOutOfSpace is returned when allowFailure is true, and the allocator panics
// when it is false.
func (a *Allocator) Allocate(size int, alignment uint, category AllocationCategory, allowFailure bool) (Address, error) {
	a.logger.Debug("Allocator::Allocate")

	return a.allocate(AllocationCreateInfo{
		Size:         size,
		Alignment:    alignment,
		Category:     category,
		AllowFailure: allowFailure,
	})
}

// AllocateLocked is identical to Allocate, but the new allocation holds a single lock
func (a *Allocator) AllocateLocked(size int, alignment uint, category AllocationCategory, allowFailure bool) (Address, error) {
	a.logger.Debug("Allocator::AllocateLocked")

	return a.allocate(AllocationCreateInfo{
		Size:         size,
		Alignment:    alignment,
		Category:     category,
		Locked:       true,
		AllowFailure: allowFailure,
	})
}

// AllocateWithOptions allocates memory with the full set of allocation parameters
func (a *Allocator) AllocateWithOptions(o AllocationCreateInfo) (Address, error) {
	a.logger.Debug("Allocator::AllocateWithOptions")

	return a.allocate(o)
}

func (a *Allocator) allocate(o AllocationCreateInfo) (Address, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	address, _, err := a.allocateChunk(o)
	if err != nil && errors.Is(err, ErrOutOfSpace) && !o.AllowFailure {
		a.logOutOfSpace(o)
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "fatal allocation failure"))
	}

	return address, err
}

func (a *Allocator) allocateChunk(o AllocationCreateInfo) (Address, ledger.ChunkHandle, error) {
	if o.Size < 1 {
		return 0, ledger.NoChunk, errors.Newf("invalid allocation size: %d", o.Size)
	}

	if o.Category >= categoryCount {
		return 0, ledger.NoChunk, errors.Newf("invalid allocation category: %s", o.Category)
	}

	success, allocRequest, err := a.ledger.CreateAllocationRequest(o.Size, o.Alignment, ledger.AllocationStrategyMinMemory, math.MaxInt)
	if err != nil {
		return 0, ledger.NoChunk, errors.Wrapf(err, "invalid allocation of %d bytes aligned to %d", o.Size, o.Alignment)
	}

	if !success {
		return 0, ledger.NoChunk, errors.Wrapf(ErrOutOfSpace, "no hole can hold %d bytes aligned to %d", o.Size, o.Alignment)
	}

	handle, err := a.ledger.Alloc(allocRequest, uint32(o.Category), o.Size, uint64(o.Payload))
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "ledger rejected a fresh allocation request"))
	}

	if o.Locked {
		a.mustSucceed(a.ledger.Lock(handle), "Allocate")
	}

	a.categoryBytes[o.Category] += allocRequest.Size

	address := a.base + Address(allocRequest.Offset)
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated",
		slog.Uint64("address", uint64(address)),
		slog.Int("size", allocRequest.Size),
		slog.String("category", o.Category.String()),
	)

	return address, handle, nil
}

func (a *Allocator) logOutOfSpace(o AllocationCreateInfo) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[OUT OF SPACE] fatal allocation failure",
		slog.Int("size", o.Size),
		slog.Uint64("alignment", uint64(o.Alignment)),
		slog.String("category", o.Category.String()),
		slog.Int("available", a.ledger.SumFreeSize()),
		slog.Int("largestHole", a.ledger.LargestFreeRegion()),
		slog.String("map", a.buildStatsString(true)),
	)
}

// Lock increments the lock count of the allocation at address. Locked allocations are never
// relocated or reclaimed.
func (a *Allocator) Lock(address Address) {
	a.logger.Debug("Allocator::Lock")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "Lock")
	a.mustSucceed(a.ledger.Lock(info.Handle), "Lock")
}

// Unlock decrements the lock count of the allocation at address. It is a fatal error to unlock
// an allocation with no locks, or one whose only locks were taken by LockWithFence.
func (a *Allocator) Unlock(address Address) {
	a.logger.Debug("Allocator::Unlock")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "Unlock")
	a.mustSucceed(a.ledger.Unlock(info.Handle), "Unlock")
}

// LockWithFence locks the allocation at address until fence signals. The lock cannot be released
// with Unlock; it is released by the first Tick or Flush that observes the signaled fence.
func (a *Allocator) LockWithFence(address Address, fence Fence) {
	a.logger.Debug("Allocator::LockWithFence")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "LockWithFence")
	a.lockWithFence(info.Handle, fence)
}

func (a *Allocator) lockWithFence(handle ledger.ChunkHandle, fence Fence) {
	a.mustSucceed(a.ledger.LockFenced(handle), "LockWithFence")
	a.deferred.fencedLocks = append(a.deferred.fencedLocks, deferredEntry{handle: handle, fence: fence})
}

// Free releases the allocation at address. The memory is not reclaimed until InFlightFrames+1
// calls to Tick have passed, and the allocation is never relocated in the meantime.
func (a *Allocator) Free(address Address) {
	a.logger.Debug("Allocator::Free")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "Free")
	a.free(info, NoFence)
}

// FreeWithFence is identical to Free, but the memory is additionally not reclaimed until
// fence has signaled
func (a *Allocator) FreeWithFence(address Address, fence Fence) {
	a.logger.Debug("Allocator::FreeWithFence")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "FreeWithFence")
	a.free(info, fence)
}

func (a *Allocator) free(info ledger.ChunkInfo, fence Fence) {
	if info.State != ledger.ChunkAllocated {
		panic(errors.AssertionFailedf("double free of allocation at address %#x", uint64(a.base)+uint64(info.Offset)))
	}

	a.mustSucceed(a.ledger.Lock(info.Handle), "Free")
	a.mustSucceed(a.ledger.MarkPendingFree(info.Handle), "Free")
	a.deferred.push(a.frame, deferredEntry{handle: info.Handle, fence: fence})
}

// SetUserPayload attaches a resource to the allocation at address, or detaches the current
// resource when payload is NoResource
func (a *Allocator) SetUserPayload(address Address, payload ResourceHandle) {
	a.logger.Debug("Allocator::SetUserPayload")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info := a.mustFindAllocation(address, "SetUserPayload")
	a.mustSucceed(a.ledger.SetUserPayload(info.Handle, uint64(payload)), "SetUserPayload")
}

// FindChunk returns the chunk containing address, which may be a hole. ErrInvalidAddress is
// returned if address is outside the pool.
func (a *Allocator) FindChunk(address Address) (ChunkInfo, error) {
	a.logger.Debug("Allocator::FindChunk")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	info, err := a.findChunk(address)
	if err != nil {
		return ChunkInfo{}, err
	}

	return a.chunkInfo(info), nil
}

func (a *Allocator) findChunk(address Address) (ledger.ChunkInfo, error) {
	if address < a.base || address-a.base >= Address(a.ledger.Size()) {
		return ledger.ChunkInfo{}, errors.Wrapf(ErrInvalidAddress, "address %#x is outside the pool at %#x", uint64(address), uint64(a.base))
	}

	handle, err := a.ledger.FindChunk(int(address - a.base))
	if err != nil {
		return ledger.ChunkInfo{}, errors.WithSecondaryError(errors.Wrapf(ErrInvalidAddress, "address %#x", uint64(address)), err)
	}

	return a.ledger.Chunk(handle)
}

// findAllocation returns the live or pending-free allocation whose first byte is address
func (a *Allocator) findAllocation(address Address) (ledger.ChunkInfo, error) {
	info, err := a.findChunk(address)
	if err != nil {
		return info, err
	}

	if info.State == ledger.ChunkFree || a.base+Address(info.Offset) != address {
		return ledger.ChunkInfo{}, errors.Wrapf(ErrInvalidAddress, "address %#x is not the base of an allocation", uint64(address))
	}

	return info, nil
}

func (a *Allocator) mustFindAllocation(address Address, operation string) ledger.ChunkInfo {
	info, err := a.findAllocation(address)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "Allocator::%s", operation))
	}

	return info
}

func (a *Allocator) mustSucceed(err error, operation string) {
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "Allocator::%s", operation))
	}
}

func (a *Allocator) insertFence() Fence {
	a.lastFence = a.platform.InsertFence()
	return a.lastFence
}

// Validate checks the consistency of the pool's bookkeeping and returns an error describing the
// first problem found
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.ledger.Validate()
	if err != nil {
		return err
	}

	categoryTotal := 0
	for _, bytes := range a.categoryBytes {
		if bytes < 0 {
			return errors.Newf("negative category byte count: %d", bytes)
		}
		categoryTotal += bytes
	}

	allocated := a.ledger.Size() - a.ledger.SumFreeSize()
	if categoryTotal != allocated {
		return errors.Newf("categories hold %d bytes, but %d bytes are allocated", categoryTotal, allocated)
	}

	return nil
}
