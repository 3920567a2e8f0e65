package ledger

import (
	"math"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpudefrag/memutils"
)

// CreateAllocationRequest locates a hole for an allocation of allocSize bytes aligned to
// allocAlignment, without modifying the ledger. Size is rounded up to the ledger granularity and
// alignment is raised to it. The allocation must end at or below maxOffset, which should usually
// be math.MaxInt.
//
// The bool return value is false if no hole can hold the allocation.
func (l *Ledger) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(l)

	allocAlignment = memutils.MaxAlignment(allocAlignment, l.granularity)
	allocSize = memutils.AlignUp(allocSize, l.granularity)

	if maxOffset > l.size {
		maxOffset = l.size
	}

	// Is pool big enough?
	if allocSize > l.SumFreeSize() || l.freeCount == 0 {
		return false, allocRequest, nil
	}

	var hole *chunk
	if strategy&AllocationStrategyMinOffset != 0 {
		for c := l.head; c != nil && c.offset < maxOffset; c = c.nextPhysical {
			if c.IsFree() && l.checkBlock(c, allocSize, allocAlignment, maxOffset) {
				hole = c
				break
			}
		}
	} else if strategy&AllocationStrategyMinTime != 0 {
		hole = l.searchLists(allocSize, allocAlignment, maxOffset, false)
	} else {
		hole = l.searchLists(allocSize, allocAlignment, maxOffset, true)
	}

	if hole == nil {
		return false, allocRequest, nil
	}

	allocRequest.Hole = hole.handle
	allocRequest.Offset = l.AlignOffset(hole.offset, allocAlignment)
	allocRequest.Size = allocSize
	allocRequest.Alignment = allocAlignment

	return true, allocRequest, nil
}

// searchLists walks the free lists upward from the size class of allocSize. With bestFit, the
// smallest fitting hole of the first list containing any fitting hole is returned: lists are
// ordered by size class, so no later list can hold a smaller fit.
func (l *Ledger) searchLists(allocSize int, allocAlignment uint, maxOffset int, bestFit bool) *chunk {
	first, listIndex := l.findFreeBlock(allocSize)
	if first == nil {
		return nil
	}

	for ; listIndex < len(l.freeList); listIndex++ {
		var best *chunk
		for c := l.freeList[listIndex]; c != nil; c = c.nextFree {
			if !l.checkBlock(c, allocSize, allocAlignment, maxOffset) {
				continue
			}

			if !bestFit {
				return c
			}

			if best == nil || c.size < best.size || (c.size == best.size && c.offset < best.offset) {
				best = c
			}
		}

		if best != nil {
			return best
		}
	}

	return nil
}

func (l *Ledger) checkBlock(c *chunk, allocSize int, allocAlignment uint, maxOffset int) bool {
	if !c.IsFree() {
		panic("chunk checked for allocation is already taken")
	}

	alignedOffset := l.AlignOffset(c.offset, allocAlignment)
	if alignedOffset+allocSize > c.end() {
		return false
	}

	return alignedOffset+allocSize <= maxOffset
}

// Alloc commits an AllocationRequest, carving the allocation out of the requested hole. It
// returns an error if the request is no longer valid for the ledger's current state.
func (l *Ledger) Alloc(req AllocationRequest, category uint32, requestedSize int, payload uint64) (ChunkHandle, error) {
	hole, err := l.getChunk(req.Hole)
	if err != nil {
		return NoChunk, err
	}

	if req.Offset != l.AlignOffset(hole.offset, req.Alignment) {
		return NoChunk, errors.New("allocation request had a hole that was incompatible with the requested offset")
	}

	if requestedSize > req.Size || requestedSize < 1 {
		return NoChunk, errors.Errorf("requested size %d is not valid for an allocation of %d bytes", requestedSize, req.Size)
	}

	allocated, _, err := l.SplitChunk(req.Hole, req.Size, req.Alignment)
	if err != nil {
		return NoChunk, err
	}

	c, _ := l.handleKey.Get(allocated)
	c.category = category
	c.requestedSize = requestedSize
	c.payload = payload
	l.paddingBytes += c.size - requestedSize

	memutils.DebugValidate(l)
	return allocated, nil
}

// SplitChunk carves an allocation of size bytes aligned to alignment out of a hole. Front
// padding introduced by alignment becomes its own hole, as does any remainder at the tail. The
// remainder handle is NoChunk if the allocation consumed the rest of the hole.
//
// The new allocation has a requested size equal to its size and no payload.
func (l *Ledger) SplitChunk(holeHandle ChunkHandle, size int, alignment uint) (ChunkHandle, ChunkHandle, error) {
	hole, err := l.getChunk(holeHandle)
	if err != nil {
		return NoChunk, NoChunk, err
	}

	if !hole.IsFree() {
		return NoChunk, NoChunk, errors.Errorf("chunk at offset %d is not a hole", hole.offset)
	}

	if size < 1 {
		return NoChunk, NoChunk, errors.Errorf("invalid size: %d", size)
	}

	err = memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return NoChunk, NoChunk, err
	}

	alignment = memutils.MaxAlignment(alignment, l.granularity)
	size = memutils.AlignUp(size, l.granularity)
	offset := l.AlignOffset(hole.offset, alignment)

	if offset+size > hole.end() {
		return NoChunk, NoChunk, errors.Wrapf(ErrOutOfSpace, "hole at offset %d with size %d cannot hold %d bytes aligned to %d", hole.offset, hole.size, size, alignment)
	}

	l.removeFreeBlock(hole)

	// Front padding can never merge downward: the chunk below a hole is never a hole
	missingAlignment := offset - hole.offset
	if missingAlignment != 0 {
		padding := l.allocateChunk()
		padding.offset = hole.offset
		padding.size = missingAlignment
		padding.prevPhysical = hole.prevPhysical
		padding.nextPhysical = hole
		if padding.prevPhysical != nil {
			padding.prevPhysical.nextPhysical = padding
		} else {
			l.head = padding
		}
		hole.prevPhysical = padding

		l.unindex(hole)
		hole.offset += missingAlignment
		hole.size -= missingAlignment
		l.index(padding)
		l.index(hole)

		l.insertFreeBlock(padding)
	}

	remainder := NoChunk
	if hole.size > size {
		newBlock := l.allocateChunk()
		newBlock.offset = hole.offset + size
		newBlock.size = hole.size - size
		newBlock.prevPhysical = hole
		newBlock.nextPhysical = hole.nextPhysical
		if newBlock.nextPhysical != nil {
			newBlock.nextPhysical.prevPhysical = newBlock
		}
		hole.nextPhysical = newBlock
		hole.size = size

		l.index(newBlock)
		l.insertFreeBlock(newBlock)
		remainder = newBlock.handle
	}

	hole.state = ChunkAllocated
	hole.clearAllocation()
	hole.alignment = alignment
	hole.requestedSize = size
	l.allocCount++

	return hole.handle, remainder, nil
}

// SetUserPayload attaches a payload to a live allocation
func (l *Ledger) SetUserPayload(handle ChunkHandle, payload uint64) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.IsFree() {
		return errors.New("payload cannot be set for a hole")
	}

	c.payload = payload
	return nil
}

// Lock increments the lock count of a live allocation. Locked chunks cannot be relocated or freed.
func (l *Ledger) Lock(handle ChunkHandle) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.IsFree() {
		return errors.Errorf("cannot lock the hole at offset %d", c.offset)
	}

	if c.lockCount == math.MaxInt32 {
		return errors.Errorf("lock count overflow on chunk at offset %d", c.offset)
	}

	if c.lockCount == 0 {
		l.lockedCount++
	}
	c.lockCount++
	return nil
}

// Unlock decrements the lock count of a live allocation. Fenced locks cannot be released this way.
func (l *Ledger) Unlock(handle ChunkHandle) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.IsFree() {
		return errors.Errorf("cannot unlock the hole at offset %d", c.offset)
	}

	if c.lockCount-c.fencedLocks <= 0 {
		return errors.Errorf("unlock underflow on chunk at offset %d: %d locks, %d of them fenced", c.offset, c.lockCount, c.fencedLocks)
	}

	c.lockCount--
	if c.lockCount == 0 {
		l.lockedCount--
	}
	return nil
}

// LockFenced takes a lock that can only be released with UnlockFenced
func (l *Ledger) LockFenced(handle ChunkHandle) error {
	err := l.Lock(handle)
	if err != nil {
		return err
	}

	c, _ := l.handleKey.Get(handle)
	c.fencedLocks++
	return nil
}

// UnlockFenced releases a lock taken with LockFenced
func (l *Ledger) UnlockFenced(handle ChunkHandle) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.fencedLocks <= 0 {
		return errors.Errorf("chunk at offset %d has no fenced locks", c.offset)
	}

	c.fencedLocks--
	c.lockCount--
	if c.lockCount == 0 {
		l.lockedCount--
	}
	return nil
}

// MarkPendingFree records that a live allocation has been freed but cannot be reclaimed yet
func (l *Ledger) MarkPendingFree(handle ChunkHandle) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.state != ChunkAllocated {
		return errors.Errorf("chunk at offset %d cannot be freed from state %s", c.offset, c.state)
	}

	c.state = ChunkPendingFree
	return nil
}

// Free returns an unlocked allocation to the pool and coalesces it with neighboring holes. The
// returned handle identifies the resulting hole, which may differ from the freed chunk's handle.
func (l *Ledger) Free(handle ChunkHandle) (ChunkHandle, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return NoChunk, err
	}

	if c.IsFree() {
		return NoChunk, errors.Errorf("chunk at offset %d is already free", c.offset)
	}

	if c.lockCount > 0 {
		return NoChunk, errors.Errorf("chunk at offset %d cannot be freed with %d outstanding locks", c.offset, c.lockCount)
	}

	l.allocCount--
	l.paddingBytes -= c.size - c.requestedSize
	c.state = ChunkFree
	c.clearAllocation()

	merged := l.coalesce(c)

	memutils.DebugValidate(l)
	return merged.handle, nil
}

// CoalesceAdjacentHoles merges a hole with any holes directly above or below it and returns
// the handle of the merged hole. Holes are always coalesced as they are created, so this only
// has an effect on a ledger whose invariants have been broken.
func (l *Ledger) CoalesceAdjacentHoles(handle ChunkHandle) (ChunkHandle, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return NoChunk, err
	}

	if !c.IsFree() {
		return NoChunk, errors.Errorf("chunk at offset %d is not a hole", c.offset)
	}

	l.removeFreeBlock(c)
	return l.coalesce(c).handle, nil
}
