package ledger

import (
	"math"
	"sync"
)

// ChunkState identifies whether a chunk is a hole, a live allocation, or an allocation that
// has been freed but not yet reclaimed
type ChunkState uint32

const (
	// ChunkFree marks a hole in the pool
	ChunkFree ChunkState = iota
	// ChunkAllocated marks a live allocation
	ChunkAllocated
	// ChunkPendingFree marks an allocation whose free has been requested but whose memory may
	// still be in use by the device
	ChunkPendingFree
)

var chunkStateMapping = map[ChunkState]string{
	ChunkFree:        "Free",
	ChunkAllocated:   "Allocated",
	ChunkPendingFree: "PendingFree",
}

func (s ChunkState) String() string {
	return chunkStateMapping[s]
}

// ChunkHandle is a numeric handle used to identify individual chunks within the ledger. Handles
// are stable across relocation.
type ChunkHandle uint64

const (
	// NoChunk is returned from iteration methods when there are no more chunks to visit
	NoChunk ChunkHandle = math.MaxUint64
)

// ChunkInfo is a read-only snapshot of a single chunk
type ChunkInfo struct {
	Handle ChunkHandle
	Offset int
	Size   int
	State  ChunkState

	// LockCount is the total number of locks on the chunk, including FencedLockCount
	LockCount int
	// FencedLockCount is the number of locks that can only be released once a fence signals
	FencedLockCount int

	Alignment     uint
	RequestedSize int
	Category      uint32
	Payload       uint64
}

// Contains returns true if offset falls within this chunk
func (c ChunkInfo) Contains(offset int) bool {
	return offset >= c.Offset && offset < c.Offset+c.Size
}

var chunkAllocator = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

type chunk struct {
	offset       int
	size         int
	prevPhysical *chunk
	nextPhysical *chunk

	prevFree *chunk
	nextFree *chunk

	state         ChunkState
	lockCount     int
	fencedLocks   int
	alignment     uint
	requestedSize int
	category      uint32
	payload       uint64

	handle ChunkHandle
}

func (c *chunk) IsFree() bool {
	return c.state == ChunkFree
}

func (c *chunk) end() int {
	return c.offset + c.size
}

func (c *chunk) info() ChunkInfo {
	return ChunkInfo{
		Handle:          c.handle,
		Offset:          c.offset,
		Size:            c.size,
		State:           c.state,
		LockCount:       c.lockCount,
		FencedLockCount: c.fencedLocks,
		Alignment:       c.alignment,
		RequestedSize:   c.requestedSize,
		Category:        c.category,
		Payload:         c.payload,
	}
}

func (c *chunk) clearAllocation() {
	c.lockCount = 0
	c.fencedLocks = 0
	c.alignment = 0
	c.requestedSize = 0
	c.category = 0
	c.payload = 0
}
