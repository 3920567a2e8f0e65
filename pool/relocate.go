package pool

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpudefrag/memutils/defrag"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
	"golang.org/x/exp/slog"
)

type relocationRecord struct {
	RelocationRecord
	reallocation bool
}

// defragPool exposes an Allocator's ledger to the defragmentation walker
type defragPool struct {
	allocator *Allocator
}

var _ defrag.Pool = &defragPool{}

func (p *defragPool) Ledger() *ledger.Ledger {
	return p.allocator.ledger
}

func (p *defragPool) IsMovable(chunk ledger.ChunkInfo) bool {
	_, inFlight := p.allocator.relocations.Get(chunk.Handle)
	if inFlight {
		return false
	}

	_, ok := p.allocator.resourceFor(ResourceHandle(chunk.Payload))
	return ok
}

// resourceFor returns the resource that occupies an allocation, if it exists and is willing to move
func (a *Allocator) resourceFor(payload ResourceHandle) (Resource, bool) {
	if payload == NoResource || a.resources == nil {
		return nil, false
	}

	resource, ok := a.resources.Resource(payload)
	if !ok || resource == nil || !resource.CanRelocate() {
		return nil, false
	}

	return resource, true
}

func (a *Allocator) relocateForDefrag(move defrag.Move) (defrag.MoveOperation, error) {
	payload := ResourceHandle(move.Payload)
	src := a.base + Address(move.SrcOffset)
	dst := a.base + Address(move.DstOffset)

	resource, ok := a.resourceFor(payload)
	if !ok || !a.platform.CanRelocate(src, payload) {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Relocation vetoed",
			slog.Uint64("address", uint64(src)),
			slog.Int("size", move.Size),
		)
		return defrag.MoveIgnore, nil
	}

	err := a.platform.Relocate(dst, src, move.Size, payload)
	if err != nil {
		return defrag.MoveIgnore, errors.Wrapf(err, "failed to relocate %d bytes from %#x to %#x", move.Size, uint64(src), uint64(dst))
	}
	fence := a.insertFence()

	// The logical move happens at submission so that later operations see the new address
	err = a.ledger.MergeMetadataAfterRelocation(move.Handle, move.DstOffset)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "ledger rejected a relocation it proposed"))
	}
	resource.UpdateBaseAddress(dst)

	a.relocations.Put(move.Handle, relocationRecord{
		RelocationRecord: RelocationRecord{
			Payload:     payload,
			Source:      src,
			Destination: dst,
			Size:        move.Size,
			Overlapping: move.Overlapping,
			Fence:       fence,
		},
	})

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Relocated",
		slog.String("kind", move.Kind.String()),
		slog.Uint64("source", uint64(src)),
		slog.Uint64("destination", uint64(dst)),
		slog.Int("size", move.Size),
		slog.Bool("overlapping", move.Overlapping),
	)

	return defrag.MoveCopy, nil
}

// retireRelocations forgets every relocation whose copy has completed. Relocated chunks cannot
// be relocated again until then.
func (a *Allocator) retireRelocations() {
	var finished []ledger.ChunkHandle
	a.relocations.Iter(func(handle ledger.ChunkHandle, record relocationRecord) bool {
		if a.platform.IsFenceSignaled(record.Fence) {
			finished = append(finished, handle)
		}
		return false
	})

	for _, handle := range finished {
		record, _ := a.relocations.Get(handle)
		a.relocations.Delete(handle)

		if record.reallocation {
			a.platform.NotifyReallocationFinished(record.RelocationRecord, record.Payload)
		}
	}
}

// Reallocate moves the allocation at address into a new allocation of newSize bytes and returns
// the new address. The copy of the allocation's contents is submitted to the Platform and the
// resource attached to the allocation is pointed at the new address immediately. The old
// allocation is freed once the copy completes, and the new allocation stays locked until then.
// Platform.NotifyReallocationFinished is called from the first Tick or Flush that observes
// the completed copy.
//
// Failing to allocate the new memory is handled the same way as in Allocate.
func (a *Allocator) Reallocate(address Address, newSize int, alignment uint, allowFailure bool) (Address, error) {
	a.logger.Debug("Allocator::Reallocate")

	if !a.asyncReallocation {
		return 0, ErrAsyncReallocationDisabled
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	oldInfo := a.mustFindAllocation(address, "Reallocate")
	if oldInfo.State != ledger.ChunkAllocated {
		panic(errors.AssertionFailedf("attempted to reallocate freed allocation at address %#x", uint64(address)))
	}

	payload := ResourceHandle(oldInfo.Payload)
	createInfo := AllocationCreateInfo{
		Size:         newSize,
		Alignment:    alignment,
		Category:     AllocationCategory(oldInfo.Category),
		Payload:      payload,
		AllowFailure: allowFailure,
	}
	newAddress, newHandle, err := a.allocateChunk(createInfo)
	if err != nil {
		if errors.Is(err, ErrOutOfSpace) && !allowFailure {
			a.logOutOfSpace(createInfo)
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "fatal reallocation failure"))
		}
		return 0, err
	}

	copySize := min(oldInfo.RequestedSize, newSize)
	err = a.platform.Relocate(newAddress, address, copySize, payload)
	if err != nil {
		newInfo, _ := a.ledger.Chunk(newHandle)
		_, freeErr := a.ledger.Free(newHandle)
		a.mustSucceed(freeErr, "Reallocate")
		a.categoryBytes[createInfo.Category] -= newInfo.Size

		return 0, errors.Wrapf(err, "failed to copy %d bytes from %#x to %#x", copySize, uint64(address), uint64(newAddress))
	}
	fence := a.insertFence()

	a.mustSucceed(a.ledger.SetUserPayload(oldInfo.Handle, uint64(NoResource)), "Reallocate")
	if payload != NoResource && a.resources != nil {
		resource, ok := a.resources.Resource(payload)
		if ok && resource != nil {
			resource.UpdateBaseAddress(newAddress)
		}
	}

	a.free(oldInfo, fence)
	a.lockWithFence(newHandle, fence)
	a.relocations.Put(newHandle, relocationRecord{
		RelocationRecord: RelocationRecord{
			Payload:     payload,
			Source:      address,
			Destination: newAddress,
			Size:        copySize,
			Fence:       fence,
		},
		reallocation: true,
	})

	return newAddress, nil
}
