package ledger

import (
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpudefrag/memutils"
)

// Ledger tracks the partition of a single pool into chunks. Chunks are kept in a physical
// doubly-linked list in address order, holes are additionally kept in segregated free lists
// indexed by size class, and every chunk can be reached by handle or by address.
//
// Ledger is not safe for concurrent use. Consumers are expected to guard it with their own lock.
type Ledger struct {
	base        uint64
	size        int
	granularity uint

	allocCount   int
	lockedCount  int
	paddingBytes int

	freeCount         int
	freeSize          int
	isFreeBitmap      uint64
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextHandle ChunkHandle
	handleKey  *swiss.Map[ChunkHandle, *chunk]
	// addressIndex holds one slot per granule. The slot for a chunk's base offset points to that
	// chunk; every other slot is nil.
	addressIndex []*chunk
	freeList     []*chunk
	head         *chunk
}

var _ memutils.Validatable = &Ledger{}

// NewLedger creates a Ledger spanning size bytes with the provided granularity. Every chunk
// boundary the ledger creates will be a multiple of granularity.
func NewLedger(size int, granularity uint) (*Ledger, error) {
	return NewLedgerAt(0, size, granularity)
}

// NewLedgerAt creates a Ledger for a pool that begins at the device address base. Offsets are
// still relative to the start of the pool, but allocation alignment applies to base+offset.
func NewLedgerAt(base uint64, size int, granularity uint) (*Ledger, error) {
	l := &Ledger{}
	err := l.Init(size, granularity)
	if err != nil {
		return nil, err
	}

	if base&uint64(granularity-1) != 0 {
		return nil, errors.Wrapf(memutils.AlignmentError, "base address 0x%x is not a multiple of the granularity %d", base, granularity)
	}
	l.base = base

	return l, nil
}

// Init prepares the ledger for allocations, leaving it with a single hole spanning the pool
func (l *Ledger) Init(size int, granularity uint) error {
	err := memutils.CheckPow2(granularity, "granularity")
	if err != nil {
		return err
	}
	if size <= 0 {
		return errors.Errorf("invalid pool size: %d", size)
	}
	err = memutils.CheckAligned(size, granularity, "size")
	if err != nil {
		return err
	}

	l.size = size
	l.granularity = granularity
	l.handleKey = swiss.NewMap[ChunkHandle, *chunk](42)
	l.addressIndex = make([]*chunk, size/int(granularity))

	memoryClass := l.sizeToMemoryClass(size)
	sli := l.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4
	l.freeList = make([]*chunk, listSize)

	l.resetToSingleHole()
	return nil
}

func (l *Ledger) resetToSingleHole() {
	c := l.allocateChunk()
	c.size = l.size
	c.state = ChunkFree
	l.head = c
	l.index(c)
	l.insertFreeBlock(c)
}

func (l *Ledger) allocateChunk() *chunk {
	c := chunkAllocator.Get().(*chunk)
	c.offset = 0
	c.size = 0
	c.prevPhysical = nil
	c.nextPhysical = nil
	c.prevFree = nil
	c.nextFree = nil
	c.state = ChunkFree
	c.clearAllocation()
	l.nextHandle++
	c.handle = l.nextHandle
	l.handleKey.Put(c.handle, c)
	return c
}

func (l *Ledger) freeChunk(c *chunk) {
	l.handleKey.Delete(c.handle)
	chunkAllocator.Put(c)
}

func (l *Ledger) getChunk(handle ChunkHandle) (*chunk, error) {
	c, ok := l.handleKey.Get(handle)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %d", handle)
	}
	return c, nil
}

func (l *Ledger) index(c *chunk) {
	l.addressIndex[c.offset/int(l.granularity)] = c
}

func (l *Ledger) unindex(c *chunk) {
	slot := c.offset / int(l.granularity)
	if l.addressIndex[slot] == c {
		l.addressIndex[slot] = nil
	}
}

// Size returns the size of the pool in bytes
func (l *Ledger) Size() int { return l.size }

// Granularity returns the minimum alignment of every chunk boundary
func (l *Ledger) Granularity() uint { return l.granularity }

// Base returns the device address of offset 0
func (l *Ledger) Base() uint64 { return l.base }

// AlignOffset returns the lowest offset at or above offset whose device address is a multiple
// of alignment. alignment must be a power of two.
func (l *Ledger) AlignOffset(offset int, alignment uint) int {
	memutils.DebugCheckPow2(alignment, "alignment")
	misalignment := int(l.base & uint64(alignment-1))
	return memutils.AlignUp(offset+misalignment, alignment) - misalignment
}

func (l *Ledger) isAligned(offset int, alignment uint) bool {
	return (l.base+uint64(offset))&uint64(alignment-1) == 0
}

func (l *Ledger) AllocationCount() int { return l.allocCount }

func (l *Ledger) FreeRegionsCount() int { return l.freeCount }

func (l *Ledger) SumFreeSize() int { return l.freeSize }

// LockedChunkCount returns the number of chunks with at least one outstanding lock
func (l *Ledger) LockedChunkCount() int { return l.lockedCount }

// PaddingBytes returns the number of allocated bytes that were added to round allocation
// requests up to the ledger granularity
func (l *Ledger) PaddingBytes() int { return l.paddingBytes }

func (l *Ledger) IsEmpty() bool { return l.allocCount == 0 }

// LargestFreeRegion returns the size of the largest hole in the pool
func (l *Ledger) LargestFreeRegion() int {
	if l.freeCount == 0 {
		return 0
	}

	// Every hole in the highest non-empty list is larger than any hole in a lower list
	for listIndex := len(l.freeList) - 1; listIndex >= 0; listIndex-- {
		largest := 0
		for c := l.freeList[listIndex]; c != nil; c = c.nextFree {
			if c.size > largest {
				largest = c.size
			}
		}

		if largest > 0 {
			return largest
		}
	}

	return 0
}

// FindChunk returns the handle of the chunk containing offset. An offset at the start of a chunk
// is resolved directly; an interior offset is resolved by scanning the address index downward
// one granule at a time, so the cost grows with the distance from the chunk's start.
func (l *Ledger) FindChunk(offset int) (ChunkHandle, error) {
	c, err := l.findChunk(offset)
	if err != nil {
		return NoChunk, err
	}

	return c.handle, nil
}

func (l *Ledger) findChunk(offset int) (*chunk, error) {
	if offset < 0 || offset >= l.size {
		return nil, errors.Wrapf(ErrInvalidAddress, "offset %d, pool size %d", offset, l.size)
	}

	for slot := offset / int(l.granularity); slot >= 0; slot-- {
		c := l.addressIndex[slot]
		if c != nil {
			return c, nil
		}
	}

	panic("address index has no chunk at offset 0")
}

// Chunk returns a snapshot of the chunk identified by handle
func (l *Ledger) Chunk(handle ChunkHandle) (ChunkInfo, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return ChunkInfo{}, err
	}

	return c.info(), nil
}

// FirstChunk returns the chunk at offset 0
func (l *Ledger) FirstChunk() ChunkHandle {
	return l.head.handle
}

// NextChunk returns the chunk physically following handle, or NoChunk if handle is the last chunk
func (l *Ledger) NextChunk(handle ChunkHandle) (ChunkHandle, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return NoChunk, err
	}

	if c.nextPhysical == nil {
		return NoChunk, nil
	}

	return c.nextPhysical.handle, nil
}

// PrevChunk returns the chunk physically preceding handle, or NoChunk if handle is the first chunk
func (l *Ledger) PrevChunk(handle ChunkHandle) (ChunkHandle, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return NoChunk, err
	}

	if c.prevPhysical == nil {
		return NoChunk, nil
	}

	return c.prevPhysical.handle, nil
}

// FirstAllocation returns the lowest non-free chunk, or NoChunk if the pool is empty
func (l *Ledger) FirstAllocation() ChunkHandle {
	for c := l.head; c != nil; c = c.nextPhysical {
		if !c.IsFree() {
			return c.handle
		}
	}

	return NoChunk
}

// NextAllocation returns the next non-free chunk above handle, or NoChunk if there is none
func (l *Ledger) NextAllocation(handle ChunkHandle) (ChunkHandle, error) {
	start, err := l.getChunk(handle)
	if err != nil {
		return NoChunk, err
	}

	for c := start.nextPhysical; c != nil; c = c.nextPhysical {
		if !c.IsFree() {
			return c.handle, nil
		}
	}

	return NoChunk, nil
}

// PrevHoleSize returns the size of the hole directly below handle, or 0 if the chunk below
// is not a hole
func (l *Ledger) PrevHoleSize(handle ChunkHandle) (int, error) {
	c, err := l.getChunk(handle)
	if err != nil {
		return 0, err
	}

	if c.prevPhysical != nil && c.prevPhysical.IsFree() {
		return c.prevPhysical.size, nil
	}

	return 0, nil
}

// VisitAllChunks calls handleChunk for every chunk in address order, stopping at the first error
func (l *Ledger) VisitAllChunks(handleChunk func(info ChunkInfo) error) error {
	for c := l.head; c != nil; c = c.nextPhysical {
		err := handleChunk(c.info())
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *Ledger) Validate() error {
	if l.SumFreeSize() > l.Size() {
		return errors.New("invalid ledger free size")
	}

	var calculatedSize, calculatedFreeSize, calculatedPadding int
	var allocCount, freeCount, lockedCount, freeListCount, chunkCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(l.freeList); listIndex++ {
		c := l.freeList[listIndex]
		if c == nil {
			continue
		}

		if c.prevFree != nil {
			return errors.Errorf("chunk at offset %d is the head of a free list but has a previous chunk", c.offset)
		}

		for ; c != nil; c = c.nextFree {
			if !c.IsFree() {
				return errors.Errorf("chunk at offset %d is in the free list but is not free", c.offset)
			}
			if l.getListIndexFromSize(c.size) != listIndex {
				return errors.Errorf("chunk at offset %d with size %d is in free list %d", c.offset, c.size, listIndex)
			}
			if c.nextFree != nil && c.nextFree.prevFree != c {
				return errors.Errorf("chunk at offset %d lists the chunk at offset %d as its next chunk, but the reverse reference is broken", c.offset, c.nextFree.offset)
			}

			freeListCount++
		}
	}

	if l.head.prevPhysical != nil {
		return errors.New("head chunk has a previous physical chunk")
	}

	nextOffset := 0
	for c := l.head; c != nil; c = c.nextPhysical {
		chunkCount++

		if c.offset != nextOffset {
			return errors.Errorf("chunk at offset %d does not begin at the previous chunk's end offset %d", c.offset, nextOffset)
		}
		if c.size <= 0 {
			return errors.Errorf("chunk at offset %d has invalid size %d", c.offset, c.size)
		}
		if c.offset%int(l.granularity) != 0 || c.size%int(l.granularity) != 0 {
			return errors.Errorf("chunk at offset %d with size %d is not aligned to the granularity %d", c.offset, c.size, l.granularity)
		}
		if l.addressIndex[c.offset/int(l.granularity)] != c {
			return errors.Errorf("address index does not point to the chunk at offset %d", c.offset)
		}
		if handleChunk, ok := l.handleKey.Get(c.handle); !ok || handleChunk != c {
			return errors.Errorf("handle index does not point to the chunk at offset %d", c.offset)
		}
		if c.nextPhysical != nil && c.nextPhysical.prevPhysical != c {
			return errors.Errorf("chunk at offset %d has a next physical chunk, but the reverse reference is broken", c.offset)
		}

		nextOffset = c.end()
		calculatedSize += c.size

		if c.IsFree() {
			freeCount++
			calculatedFreeSize += c.size

			if c.nextPhysical != nil && c.nextPhysical.IsFree() {
				return errors.Errorf("adjacent holes at offsets %d and %d were not coalesced", c.offset, c.nextPhysical.offset)
			}
			if c.lockCount != 0 {
				return errors.Errorf("hole at offset %d has a lock count of %d", c.offset, c.lockCount)
			}
		} else {
			allocCount++
			calculatedPadding += c.size - c.requestedSize

			if c.fencedLocks > c.lockCount {
				return errors.Errorf("chunk at offset %d has more fenced locks than locks", c.offset)
			}
			if c.lockCount > 0 {
				lockedCount++
			}
			if !l.isAligned(c.offset, c.alignment) {
				return errors.Errorf("chunk at address 0x%x is not aligned to its alignment %d", l.base+uint64(c.offset), c.alignment)
			}
		}
	}

	var indexedCount int
	for _, c := range l.addressIndex {
		if c != nil {
			indexedCount++
		}
	}

	if indexedCount != chunkCount {
		return errors.Errorf("the address index holds %d chunks, but the physical list holds %d", indexedCount, chunkCount)
	}

	if l.handleKey.Count() != chunkCount {
		return errors.Errorf("the handle index holds %d chunks, but the physical list holds %d", l.handleKey.Count(), chunkCount)
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of holes in the physical list and the number of chunks in the free list do not match! free list size: %d, physical list holes: %d", freeListCount, freeCount)
	}

	if calculatedSize != l.size {
		return errors.Errorf("the full size of the ledger is %d, but the chunks only added up to %d", l.size, calculatedSize)
	}

	if calculatedFreeSize != l.SumFreeSize() {
		return errors.Errorf("the free size of the ledger is %d, but the holes only added up to %d", l.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != l.allocCount {
		return errors.Errorf("the allocation count of the ledger is %d, but the allocated chunks only added up to %d", l.allocCount, allocCount)
	}

	if freeCount != l.freeCount {
		return errors.Errorf("the hole count of the ledger is %d, but there were %d holes", l.freeCount, freeCount)
	}

	if lockedCount != l.lockedCount {
		return errors.Errorf("the locked chunk count of the ledger is %d, but there were %d locked chunks", l.lockedCount, lockedCount)
	}

	if calculatedPadding != l.paddingBytes {
		return errors.Errorf("the padding of the ledger is %d bytes, but the chunks added up to %d", l.paddingBytes, calculatedPadding)
	}

	return nil
}

func (l *Ledger) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += l.size
	stats.PaddingBytes += l.paddingBytes
	stats.LockedChunkCount += l.lockedCount

	for c := l.head; c != nil; c = c.nextPhysical {
		switch c.state {
		case ChunkFree:
			stats.AddHole(c.size)
		case ChunkPendingFree:
			stats.AddAllocation(c.size)
			stats.AddPendingFree(c.size)
		default:
			stats.AddAllocation(c.size)
		}
	}
}

// BlockJsonData populates a json object with summary information about the pool
func (l *Ledger) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(l.size)
	json.Name("UnusedBytes").Int(l.SumFreeSize())
	json.Name("Allocations").Int(l.allocCount)
	json.Name("UnusedRanges").Int(l.freeCount)
	json.Name("LargestUnusedRange").Int(l.LargestFreeRegion())
	json.Name("LockedChunks").Int(l.lockedCount)
	json.Name("PaddingBytes").Int(l.paddingBytes)
}

// WriteDetailedMap writes the pool summary followed by an array describing every chunk in
// address order
func (l *Ledger) WriteDetailedMap(json jwriter.ObjectState) {
	l.BlockJsonData(json)

	chunks := json.Name("Chunks").Array()
	defer chunks.End()

	for c := l.head; c != nil; c = c.nextPhysical {
		obj := chunks.Object()
		obj.Name("Offset").Int(c.offset)
		obj.Name("Size").Int(c.size)
		obj.Name("State").String(c.state.String())

		if !c.IsFree() {
			obj.Name("RequestedSize").Int(c.requestedSize)
			obj.Name("Alignment").Int(int(c.alignment))
			obj.Name("LockCount").Int(c.lockCount)
			if c.fencedLocks > 0 {
				obj.Name("FencedLockCount").Int(c.fencedLocks)
			}
			obj.Name("Category").Int(int(c.category))
			obj.Name("Payload").Float64(float64(c.payload))
		}
		obj.End()
	}
}

// Clear instantly frees all chunks and returns the ledger to a single hole
func (l *Ledger) Clear() {
	c := l.head
	for c != nil {
		next := c.nextPhysical
		l.freeChunk(c)
		c = next
	}

	l.allocCount = 0
	l.lockedCount = 0
	l.paddingBytes = 0
	l.freeCount = 0
	l.freeSize = 0
	l.isFreeBitmap = 0
	l.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
	l.freeList = make([]*chunk, len(l.freeList))
	l.addressIndex = make([]*chunk, len(l.addressIndex))

	l.resetToSingleHole()
}
