package defrag

import (
	"fmt"

	"github.com/vkngwrapper/gpudefrag/memutils"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
)

// MetadataDefragContext is the core of the defragmentation logic. It walks the allocations of a
// pool in address order and proposes moves that lower them, handing each move to Handler as soon
// as it is chosen so that later candidates see the holes earlier moves opened up.
type MetadataDefragContext struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to perform each relocation
	Handler MoveHandler
	// Pool is the memory object this context exists to defragment
	Pool Pool
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run
func (c *MetadataDefragContext) Init() {
	if c.Pool == nil {
		panic("attempted to init defragmentation context without a pool")
	}

	if c.Handler == nil {
		panic("attempted to init defragmentation context without a move handler")
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}
}

// RunPass performs a single pass's worth of relocations. It returns true if the pass ended
// because its budget was exhausted, and false if every allocation was considered. Any error
// returned by Handler ends the pass.
func (c *MetadataDefragContext) RunPass(pass *PassContext) (bool, error) {
	switch c.Algorithm {
	case AlgorithmFast, AlgorithmFull:
		return c.walkAllocations(pass)
	default:
		panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
	}
}

func (c *MetadataDefragContext) mustFindNextAllocation(l *ledger.Ledger, handle ledger.ChunkHandle) ledger.ChunkHandle {
	handle, err := l.NextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext) mustGetChunk(l *ledger.Ledger, handle ledger.ChunkHandle) ledger.ChunkInfo {
	info, err := l.Chunk(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving chunk: %+v", err))
	}

	return info
}

func (c *MetadataDefragContext) mustFindPrevHoleSize(l *ledger.Ledger, handle ledger.ChunkHandle) int {
	size, err := l.PrevHoleSize(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting previous hole size: %+v", err))
	}

	return size
}

func (c *MetadataDefragContext) walkAllocations(pass *PassContext) (bool, error) {
	l := c.Pool.Ledger()

	var next ledger.ChunkHandle
	for handle := l.FirstAllocation(); handle != ledger.NoChunk; handle = next {
		// Moving a chunk never invalidates the handle of the chunk above it
		next = c.mustFindNextAllocation(l, handle)

		chunk := c.mustGetChunk(l, handle)
		if chunk.State != ledger.ChunkAllocated || chunk.LockCount > 0 || !c.Pool.IsMovable(chunk) {
			continue
		}

		move, found := c.findMove(pass, l, chunk)
		if !found {
			continue
		}

		counter := pass.checkCounters(move.Cost)
		switch counter {
		case defragCounterIgnore:
			continue
		case defragCounterEnd:
			return true, nil
		case defragCounterPass:
			break
		default:
			panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
		}

		operation, err := c.Handler(move)
		if err != nil {
			return true, err
		}

		switch operation {
		case MoveIgnore:
			pass.Stats.AllocationsVetoed++
		case MoveCopy:
			memutils.DebugValidate(l)
			if pass.incrementCounters(move) {
				return true, nil
			}
		default:
			panic(fmt.Sprintf("unexpected move operation: %s", operation.String()))
		}
	}

	return false, nil
}

func (c *MetadataDefragContext) findMove(pass *PassContext, l *ledger.Ledger, chunk ledger.ChunkInfo) (Move, bool) {
	if chunk.Offset == 0 {
		return Move{}, false
	}

	if c.Algorithm == AlgorithmFull {
		move, found := c.findJump(pass, l, chunk)
		if found {
			return move, true
		}
	}

	return c.findSlide(pass, l, chunk)
}

func (c *MetadataDefragContext) findJump(pass *PassContext, l *ledger.Ledger, chunk ledger.ChunkInfo) (Move, bool) {
	success, allocRequest, err := l.CreateAllocationRequest(
		chunk.Size,
		chunk.Alignment,
		ledger.AllocationStrategyMinOffset,
		chunk.Offset,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if !success || allocRequest.Offset >= chunk.Offset {
		return Move{}, false
	}

	return Move{
		Handle:    chunk.Handle,
		Kind:      MoveJump,
		SrcOffset: chunk.Offset,
		DstOffset: allocRequest.Offset,
		Size:      chunk.Size,
		Payload:   chunk.Payload,
		Cost:      pass.moveCost(chunk.Size, false),
	}, true
}

func (c *MetadataDefragContext) findSlide(pass *PassContext, l *ledger.Ledger, chunk ledger.ChunkInfo) (Move, bool) {
	holeSize := c.mustFindPrevHoleSize(l, chunk.Handle)
	if holeSize == 0 {
		return Move{}, false
	}

	target := l.AlignOffset(chunk.Offset-holeSize, chunk.Alignment)
	if pass.MaxDownShift > 0 && chunk.Offset-target > pass.MaxDownShift {
		target = l.AlignOffset(chunk.Offset-pass.MaxDownShift, chunk.Alignment)
	}

	if target >= chunk.Offset {
		return Move{}, false
	}

	overlapping := chunk.Offset-target < chunk.Size
	return Move{
		Handle:      chunk.Handle,
		Kind:        MoveSlide,
		SrcOffset:   chunk.Offset,
		DstOffset:   target,
		Size:        chunk.Size,
		Payload:     chunk.Payload,
		Overlapping: overlapping,
		Cost:        pass.moveCost(chunk.Size, overlapping),
	}, true
}
