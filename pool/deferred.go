package pool

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
)

type deferredEntry struct {
	handle ledger.ChunkHandle
	fence  Fence
}

// deferredFrees holds every chunk that has been freed or fence-locked but not yet released.
//
// Frees land in the ring bucket for the frame they were made in. A bucket is drained when the
// frame counter comes back around to it, so a chunk freed during frame F is first examined by
// the Tick that begins frame F+len(ring).
type deferredFrees struct {
	ring             [][]deferredEntry
	fenceWaiting     []deferredEntry
	outstandingLocks []ledger.ChunkHandle
	fencedLocks      []deferredEntry
}

func (d *deferredFrees) init(bucketCount int) {
	d.ring = make([][]deferredEntry, bucketCount)
}

func (d *deferredFrees) bucketIndex(frame uint64) int {
	return int(frame % uint64(len(d.ring)))
}

func (d *deferredFrees) push(frame uint64, entry deferredEntry) {
	index := d.bucketIndex(frame)
	d.ring[index] = append(d.ring[index], entry)
}

// takeBucket removes and returns every entry in the bucket for frame
func (d *deferredFrees) takeBucket(frame uint64) []deferredEntry {
	index := d.bucketIndex(frame)
	bucket := d.ring[index]
	d.ring[index] = nil
	return bucket
}

func (d *deferredFrees) pendingCount() int {
	count := len(d.fenceWaiting) + len(d.outstandingLocks)
	for _, bucket := range d.ring {
		count += len(bucket)
	}
	return count
}

// retireEntries keeps the entries for which retire returns false
func retireEntries(entries []deferredEntry, retire func(entry deferredEntry) bool) []deferredEntry {
	kept := entries[:0]
	for _, entry := range entries {
		if !retire(entry) {
			kept = append(kept, entry)
		}
	}

	for i := len(kept); i < len(entries); i++ {
		entries[i] = deferredEntry{}
	}
	return kept
}

// retireBucket undoes the lock taken by Free for every entry in the bucket that is about to be
// reused, then reclaims each entry that is no longer waiting on a fence or a lock
func (a *Allocator) retireBucket(frame uint64) {
	for _, entry := range a.deferred.takeBucket(frame) {
		a.mustSucceed(a.ledger.Unlock(entry.handle), "Tick")

		if entry.fence != NoFence && !a.platform.IsFenceSignaled(entry.fence) {
			a.deferred.fenceWaiting = append(a.deferred.fenceWaiting, entry)
			continue
		}

		a.tryReclaim(entry.handle)
	}
}

func (a *Allocator) retireFenceWaiting() {
	a.deferred.fenceWaiting = retireEntries(a.deferred.fenceWaiting, func(entry deferredEntry) bool {
		if !a.platform.IsFenceSignaled(entry.fence) {
			return false
		}

		a.tryReclaim(entry.handle)
		return true
	})
}

func (a *Allocator) retireFencedLocks() {
	a.deferred.fencedLocks = retireEntries(a.deferred.fencedLocks, func(entry deferredEntry) bool {
		if !a.platform.IsFenceSignaled(entry.fence) {
			return false
		}

		a.mustSucceed(a.ledger.UnlockFenced(entry.handle), "Tick")
		return true
	})
}

func (a *Allocator) retireOutstandingLocks() {
	kept := a.deferred.outstandingLocks[:0]
	for _, handle := range a.deferred.outstandingLocks {
		if !a.reclaim(handle) {
			kept = append(kept, handle)
		}
	}
	a.deferred.outstandingLocks = kept
}

// tryReclaim reclaims a chunk whose deferred free has run its course, or parks it in the
// outstanding locks set until whatever else holds it lets go
func (a *Allocator) tryReclaim(handle ledger.ChunkHandle) {
	if !a.reclaim(handle) {
		a.deferred.outstandingLocks = append(a.deferred.outstandingLocks, handle)
	}
}

func (a *Allocator) reclaim(handle ledger.ChunkHandle) bool {
	info, err := a.ledger.Chunk(handle)
	a.mustSucceed(err, "Tick")

	if info.State != ledger.ChunkPendingFree {
		panic(errors.AssertionFailedf("deferred free of chunk at offset %d found it in state %s", info.Offset, info.State))
	}

	if info.LockCount > 0 {
		return false
	}

	// A copy into this chunk may still be running
	if record, inFlight := a.relocations.Get(handle); inFlight && !a.platform.IsFenceSignaled(record.Fence) {
		return false
	}

	_, err = a.ledger.Free(handle)
	a.mustSucceed(err, "Tick")
	a.categoryBytes[AllocationCategory(info.Category)] -= info.Size

	return true
}
