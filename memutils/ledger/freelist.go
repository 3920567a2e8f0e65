package ledger

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

func (l *Ledger) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (l *Ledger) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (l *Ledger) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (l *Ledger) getListIndexFromSize(size int) int {
	memoryClass := l.sizeToMemoryClass(size)
	secondIndex := l.sizeToSecondIndex(size, memoryClass)
	return l.getListIndex(memoryClass, secondIndex)
}

// findFreeBlock returns the head of the lowest non-empty free list whose size class is at least
// the class of size. Lists below that index only hold holes smaller than size.
func (l *Ledger) findFreeBlock(size int) (*chunk, int) {
	memoryClass := l.sizeToMemoryClass(size)
	innerFreeMap := l.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << l.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := l.isFreeBitmap & (math.MaxUint64 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = l.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := l.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if l.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free chunks, but no chunks were in the free list", listIndex))
	}

	return l.freeList[listIndex], listIndex
}

func (l *Ledger) removeFreeBlock(c *chunk) {
	if !c.IsFree() {
		panic("provided chunk is not free")
	}

	// Remove from free list chain
	if c.nextFree != nil {
		c.nextFree.prevFree = c.prevFree
	}
	if c.prevFree != nil {
		c.prevFree.nextFree = c.nextFree
	} else {
		memClass := l.sizeToMemoryClass(c.size)
		secondIndex := l.sizeToSecondIndex(c.size, memClass)
		index := l.getListIndex(memClass, secondIndex)

		if l.freeList[index] != c {
			panic("chunk was not in the free list at the expected location")
		}
		l.freeList[index] = c.nextFree
		if c.nextFree == nil {
			l.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if l.innerIsFreeBitmap[memClass] == 0 {
				l.isFreeBitmap &= ^(uint64(1) << memClass)
			}
		}
	}

	c.prevFree = nil
	c.nextFree = nil
	l.freeCount--
	l.freeSize -= c.size
}

func (l *Ledger) insertFreeBlock(c *chunk) {
	if !c.IsFree() {
		panic("chunk inserted into the free list is not free")
	}

	memClass := l.sizeToMemoryClass(c.size)
	secondIndex := l.sizeToSecondIndex(c.size, memClass)
	index := l.getListIndex(memClass, secondIndex)

	if index >= len(l.freeList) {
		panic("invalid free list index found for chunk")
	}

	c.prevFree = nil
	c.nextFree = l.freeList[index]
	l.freeList[index] = c
	if c.nextFree != nil {
		c.nextFree.prevFree = c
	} else {
		l.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		l.isFreeBitmap |= uint64(1) << memClass
	}
	l.freeCount++
	l.freeSize += c.size
}

// mergeBlock folds prev into c. prev must be the physical predecessor of c and must already be
// out of the free list.
func (l *Ledger) mergeBlock(c *chunk, prev *chunk) {
	if c.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}

	l.unindex(prev)
	l.unindex(c)
	c.offset = prev.offset
	c.size += prev.size
	c.prevPhysical = prev.prevPhysical
	if c.prevPhysical != nil {
		c.prevPhysical.nextPhysical = c
	} else {
		l.head = c
	}
	l.index(c)

	l.freeChunk(prev)
}

// coalesce merges a free chunk that is not yet in the free lists with any free neighbors, then
// inserts the result into the free lists
func (l *Ledger) coalesce(c *chunk) *chunk {
	prev := c.prevPhysical
	if prev != nil && prev.IsFree() {
		l.removeFreeBlock(prev)
		l.mergeBlock(c, prev)
	}

	next := c.nextPhysical
	if next != nil && next.IsFree() {
		l.removeFreeBlock(next)
		l.mergeBlock(next, c)
		c = next
	}

	l.insertFreeBlock(c)
	return c
}
