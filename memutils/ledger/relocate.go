package ledger

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpudefrag/memutils"
)

// MergeMetadataAfterRelocation moves an allocation to newOffset after its contents have been
// copied there. Two moves are supported:
//
// A slide places the chunk inside the hole directly below it. The destination range may overlap
// the chunk's current range.
//
// A jump places the chunk inside any hole that contains the entire destination range.
//
// The chunk keeps its handle, size, locks and payload. The bytes it vacates become a hole and are
// coalesced with their neighbors.
func (l *Ledger) MergeMetadataAfterRelocation(handle ChunkHandle, newOffset int) error {
	c, err := l.getChunk(handle)
	if err != nil {
		return err
	}

	if c.IsFree() {
		return errors.Errorf("cannot relocate the hole at offset %d", c.offset)
	}

	if newOffset == c.offset {
		return errors.Errorf("chunk at offset %d relocated onto itself", c.offset)
	}

	if newOffset < 0 || newOffset+c.size > l.size {
		return errors.Wrapf(ErrInvalidAddress, "relocation target %d with size %d, pool size %d", newOffset, c.size, l.size)
	}

	if !l.isAligned(newOffset, c.alignment) {
		return errors.Wrapf(memutils.AlignmentError, "relocation target address 0x%x is not a multiple of %d", l.base+uint64(newOffset), c.alignment)
	}

	prev := c.prevPhysical
	if prev != nil && prev.IsFree() && newOffset >= prev.offset && newOffset < c.offset {
		l.slide(c, prev, newOffset)
	} else {
		err = l.jump(c, newOffset)
		if err != nil {
			return err
		}
	}

	memutils.DebugValidate(l)
	return nil
}

func (l *Ledger) slide(c *chunk, prev *chunk, newOffset int) {
	l.removeFreeBlock(prev)
	shift := c.offset - newOffset

	if newOffset == prev.offset {
		l.unindex(prev)
		c.prevPhysical = prev.prevPhysical
		if c.prevPhysical != nil {
			c.prevPhysical.nextPhysical = c
		} else {
			l.head = c
		}
		l.freeChunk(prev)
	} else {
		prev.size = newOffset - prev.offset
		l.insertFreeBlock(prev)
	}

	l.unindex(c)
	c.offset = newOffset
	l.index(c)

	vacated := l.allocateChunk()
	vacated.offset = c.end()
	vacated.size = shift
	vacated.prevPhysical = c
	vacated.nextPhysical = c.nextPhysical
	if vacated.nextPhysical != nil {
		vacated.nextPhysical.prevPhysical = vacated
	}
	c.nextPhysical = vacated
	l.index(vacated)

	l.coalesce(vacated)
}

func (l *Ledger) jump(c *chunk, newOffset int) error {
	dst, err := l.findChunk(newOffset)
	if err != nil {
		return err
	}

	if !dst.IsFree() || newOffset+c.size > dst.end() {
		return errors.Errorf("relocation target %d with size %d is not contained by a single hole", newOffset, c.size)
	}

	l.removeFreeBlock(dst)

	// Replace the chunk with a hole at its old location. The hole is not coalesced until the
	// destination has been carved.
	vacated := l.allocateChunk()
	vacated.offset = c.offset
	vacated.size = c.size
	vacated.state = ChunkAllocated
	vacated.prevPhysical = c.prevPhysical
	vacated.nextPhysical = c.nextPhysical
	if vacated.prevPhysical != nil {
		vacated.prevPhysical.nextPhysical = vacated
	} else {
		l.head = vacated
	}
	if vacated.nextPhysical != nil {
		vacated.nextPhysical.prevPhysical = vacated
	}
	l.unindex(c)
	l.index(vacated)

	front := newOffset - dst.offset
	back := dst.end() - (newOffset + c.size)

	if front > 0 {
		dst.size = front
		c.prevPhysical = dst
		c.nextPhysical = dst.nextPhysical
		dst.nextPhysical = c
	} else {
		c.prevPhysical = dst.prevPhysical
		c.nextPhysical = dst.nextPhysical
		if c.prevPhysical != nil {
			c.prevPhysical.nextPhysical = c
		} else {
			l.head = c
		}
		l.unindex(dst)
	}
	if c.nextPhysical != nil {
		c.nextPhysical.prevPhysical = c
	}

	c.offset = newOffset
	l.index(c)

	if front > 0 {
		l.insertFreeBlock(dst)
	} else {
		l.freeChunk(dst)
	}

	if back > 0 {
		remainder := l.allocateChunk()
		remainder.offset = c.end()
		remainder.size = back
		remainder.prevPhysical = c
		remainder.nextPhysical = c.nextPhysical
		if remainder.nextPhysical != nil {
			remainder.nextPhysical.prevPhysical = remainder
		}
		c.nextPhysical = remainder
		l.index(remainder)
		l.insertFreeBlock(remainder)
	}

	vacated.state = ChunkFree
	l.coalesce(vacated)
	return nil
}
