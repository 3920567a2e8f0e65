package defrag

import "github.com/vkngwrapper/gpudefrag/memutils/ledger"

// MoveKind identifies how an allocation is being moved
type MoveKind uint32

const (
	// MoveSlide moves an allocation down into the hole directly below it. The source and
	// destination ranges may overlap.
	MoveSlide MoveKind = iota
	// MoveJump moves an allocation into a lower hole that can hold it entirely. The source and
	// destination ranges never overlap.
	MoveJump
)

var moveKindMapping = map[MoveKind]string{
	MoveSlide: "MoveSlide",
	MoveJump:  "MoveJump",
}

func (k MoveKind) String() string {
	return moveKindMapping[k]
}

// MoveOperation is returned from a MoveHandler to report what happened to a proposed move
type MoveOperation uint32

const (
	// MoveCopy indicates that the allocation was relocated
	MoveCopy MoveOperation = iota
	// MoveIgnore indicates that the move was vetoed and the allocation was left where it was
	MoveIgnore
)

var moveOperationMapping = map[MoveOperation]string{
	MoveCopy:   "MoveCopy",
	MoveIgnore: "MoveIgnore",
}

func (o MoveOperation) String() string {
	return moveOperationMapping[o]
}

// Move describes a single proposed relocation within a pool
type Move struct {
	Handle ledger.ChunkHandle
	Kind   MoveKind

	SrcOffset int
	DstOffset int
	Size      int
	Payload   uint64

	// Overlapping is true when the destination range overlaps the source range
	Overlapping bool
	// Cost is the number of budget bytes this move consumes
	Cost int
}

// Shift returns the distance the allocation moves
func (m Move) Shift() int {
	if m.DstOffset > m.SrcOffset {
		return m.DstOffset - m.SrcOffset
	}
	return m.SrcOffset - m.DstOffset
}

// MoveHandler is called for each move a pass chooses. It must either perform the relocation,
// including updating the ledger, and return MoveCopy, or leave the pool unchanged and return
// MoveIgnore.
type MoveHandler func(move Move) (MoveOperation, error)

// Pool is the memory object a Context exists to defragment
type Pool interface {
	Ledger() *ledger.Ledger
	// IsMovable reports whether an unlocked allocation may be relocated right now
	IsMovable(chunk ledger.ChunkInfo) bool
}
