package defrag_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpudefrag/memutils/defrag"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
)

// Chunk is a single entry in the starting layout of a test pool. Chunks with an empty name are holes.
type Chunk struct {
	Name string
	Size int
}

type testPool struct {
	ledger    *ledger.Ledger
	immovable map[ledger.ChunkHandle]struct{}
}

func (p *testPool) Ledger() *ledger.Ledger {
	return p.ledger
}

func (p *testPool) IsMovable(chunk ledger.ChunkInfo) bool {
	_, immovable := p.immovable[chunk.Handle]
	return !immovable
}

func buildPool(t *testing.T, size int, chunks []Chunk) (*testPool, map[string]ledger.ChunkHandle) {
	l, err := ledger.NewLedger(size, 1)
	require.NoError(t, err)

	handles := make(map[string]ledger.ChunkHandle)
	var holes []ledger.ChunkHandle

	for _, chunk := range chunks {
		success, req, err := l.CreateAllocationRequest(chunk.Size, 1, ledger.AllocationStrategyMinOffset, math.MaxInt)
		require.NoError(t, err)
		require.True(t, success)

		handle, err := l.Alloc(req, 0, chunk.Size, 0)
		require.NoError(t, err)

		if chunk.Name == "" {
			holes = append(holes, handle)
		} else {
			handles[chunk.Name] = handle
		}
	}

	for _, hole := range holes {
		_, err = l.Free(hole)
		require.NoError(t, err)
	}
	require.NoError(t, l.Validate())

	return &testPool{ledger: l, immovable: make(map[ledger.ChunkHandle]struct{})}, handles
}

var testCases = map[string]struct {
	PoolSize           int
	Chunks             []Chunk
	Algorithm          defrag.Algorithm
	MaxPassBytes       int
	MaxPassAllocations int
	MaxDownShift       int
	OverlapCostScale   float64
	Immovable          []string
	Locked             []string
	Vetoed             []string

	ExpectedEnded   bool
	ExpectedOffsets map[string]int
	ExpectedStats   defrag.DefragmentationStats
}{
	"FullAlgoNoWorkToDo": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"A", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		ExpectedOffsets:    map[string]int{"A": 0},
	},
	"FullAlgoCompactsEverything": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 100}, {"B", 50}, {"", 50}, {"C", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		ExpectedOffsets:    map[string]int{"A": 0, "B": 100, "C": 150},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       250,
			AllocationsMoved: 3,
			BudgetUsed:       250,
		},
	},
	"FullAlgoJumpsPastImmovable": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 50}, {"B", 300}, {"", 50}, {"C", 80}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		Immovable:          []string{"A"},
		ExpectedOffsets:    map[string]int{"A": 100, "B": 150, "C": 0},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       80,
			AllocationsMoved: 1,
			BudgetUsed:       80,
		},
	},
	"FastAlgoSlidesPastImmovable": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 50}, {"B", 300}, {"", 50}, {"C", 80}},
		Algorithm:          defrag.AlgorithmFast,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		Immovable:          []string{"A"},
		ExpectedOffsets:    map[string]int{"A": 100, "B": 150, "C": 450},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       80,
			AllocationsMoved: 1,
			BudgetUsed:       80,
		},
	},
	"BudgetDefersLargeMoves": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 200}, {"", 100}, {"B", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       100,
		MaxPassAllocations: defrag.Unbounded,
		ExpectedEnded:      true,
		ExpectedOffsets:    map[string]int{"A": 100, "B": 0},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:          100,
			AllocationsMoved:    1,
			BudgetUsed:          100,
			AllocationsDeferred: 1,
		},
	},
	"OverlapCostScale": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 50}, {"A", 100}},
		Algorithm:          defrag.AlgorithmFast,
		MaxPassBytes:       250,
		MaxPassAllocations: defrag.Unbounded,
		OverlapCostScale:   2.0,
		ExpectedOffsets:    map[string]int{"A": 0},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
			BudgetUsed:       200,
		},
	},
	"OverlapCostScaleExceedsBudget": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 50}, {"A", 100}},
		Algorithm:          defrag.AlgorithmFast,
		MaxPassBytes:       150,
		MaxPassAllocations: defrag.Unbounded,
		OverlapCostScale:   2.0,
		ExpectedOffsets:    map[string]int{"A": 50},
		ExpectedStats: defrag.DefragmentationStats{
			AllocationsDeferred: 1,
		},
	},
	"DownShiftClamp": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 100}},
		Algorithm:          defrag.AlgorithmFast,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		MaxDownShift:       30,
		ExpectedOffsets:    map[string]int{"A": 70},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
			BudgetUsed:       100,
		},
	},
	"MaxAllocationsEndsPass": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 100}, {"", 100}, {"B", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: 1,
		ExpectedEnded:      true,
		ExpectedOffsets:    map[string]int{"A": 0, "B": 300},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
			BudgetUsed:       100,
		},
	},
	"VetoedMove": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		Vetoed:             []string{"A"},
		ExpectedOffsets:    map[string]int{"A": 100},
		ExpectedStats: defrag.DefragmentationStats{
			AllocationsVetoed: 1,
		},
	},
	"LockedChunkSkipped": {
		PoolSize:           1000,
		Chunks:             []Chunk{{"", 100}, {"A", 100}, {"", 100}, {"B", 100}},
		Algorithm:          defrag.AlgorithmFull,
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
		Locked:             []string{"A"},
		ExpectedOffsets:    map[string]int{"A": 100, "B": 0},
		ExpectedStats: defrag.DefragmentationStats{
			BytesMoved:       100,
			AllocationsMoved: 1,
			BudgetUsed:       100,
		},
	},
}

func TestRunPass(t *testing.T) {
	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			pool, handles := buildPool(t, testCase.PoolSize, testCase.Chunks)

			for _, name := range testCase.Immovable {
				pool.immovable[handles[name]] = struct{}{}
			}

			for _, name := range testCase.Locked {
				require.NoError(t, pool.ledger.Lock(handles[name]))
			}

			vetoed := make(map[ledger.ChunkHandle]struct{})
			for _, name := range testCase.Vetoed {
				vetoed[handles[name]] = struct{}{}
			}

			var moves []defrag.Move
			context := defrag.MetadataDefragContext{
				Algorithm: testCase.Algorithm,
				Pool:      pool,
				Handler: func(move defrag.Move) (defrag.MoveOperation, error) {
					if _, veto := vetoed[move.Handle]; veto {
						return defrag.MoveIgnore, nil
					}

					moves = append(moves, move)
					return defrag.MoveCopy, pool.ledger.MergeMetadataAfterRelocation(move.Handle, move.DstOffset)
				},
			}
			context.Init()

			pass := defrag.PassContext{
				MaxPassBytes:       testCase.MaxPassBytes,
				MaxPassAllocations: testCase.MaxPassAllocations,
				MaxDownShift:       testCase.MaxDownShift,
				OverlapCostScale:   testCase.OverlapCostScale,
			}

			ended, err := context.RunPass(&pass)
			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedEnded, ended)
			require.Equal(t, testCase.ExpectedStats, pass.Stats)
			require.NoError(t, pool.ledger.Validate())

			for name, expectedOffset := range testCase.ExpectedOffsets {
				info, err := pool.ledger.Chunk(handles[name])
				require.NoError(t, err)
				require.Equalf(t, expectedOffset, info.Offset, "offset of %s", name)
			}

			for _, move := range moves {
				require.Less(t, move.DstOffset, move.SrcOffset)
				require.Equal(t, move.Overlapping, move.Shift() < move.Size)
			}
		})
	}
}

func TestDeferralLimitEndsPass(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 17; i++ {
		chunks = append(chunks, Chunk{"", 10}, Chunk{string(rune('A' + i)), 100})
	}
	pool, handles := buildPool(t, 2048, chunks)

	handled := 0
	context := defrag.MetadataDefragContext{
		Algorithm: defrag.AlgorithmFast,
		Pool:      pool,
		Handler: func(move defrag.Move) (defrag.MoveOperation, error) {
			handled++
			return defrag.MoveCopy, nil
		},
	}
	context.Init()

	pass := defrag.PassContext{
		MaxPassBytes:       50,
		MaxPassAllocations: defrag.Unbounded,
	}

	ended, err := context.RunPass(&pass)
	require.NoError(t, err)
	require.True(t, ended)
	require.Equal(t, 0, handled)
	require.Equal(t, 16, pass.Stats.AllocationsDeferred)

	info, err := pool.ledger.Chunk(handles["Q"])
	require.NoError(t, err)
	require.Equal(t, 17*110-100, info.Offset)
}

func TestHandlerErrorEndsPass(t *testing.T) {
	pool, _ := buildPool(t, 1000, []Chunk{{"", 100}, {"A", 100}, {"", 100}, {"B", 100}})

	handlerErr := errors.New("relocation failed")
	context := defrag.MetadataDefragContext{
		Pool: pool,
		Handler: func(move defrag.Move) (defrag.MoveOperation, error) {
			return defrag.MoveCopy, handlerErr
		},
	}
	context.Init()
	require.Equal(t, defrag.AlgorithmFull, context.Algorithm)

	pass := defrag.PassContext{
		MaxPassBytes:       defrag.Unbounded,
		MaxPassAllocations: defrag.Unbounded,
	}

	ended, err := context.RunPass(&pass)
	require.ErrorIs(t, err, handlerErr)
	require.True(t, ended)
	require.Equal(t, 0, pass.Stats.AllocationsMoved)
}

func TestPassContextReset(t *testing.T) {
	pass := defrag.PassContext{
		MaxPassBytes:       100,
		MaxPassAllocations: 2,
		Stats: defrag.DefragmentationStats{
			BytesMoved:       10,
			AllocationsMoved: 1,
		},
	}

	var total defrag.DefragmentationStats
	total.Add(pass.Stats)
	total.Add(pass.Stats)
	require.Equal(t, 20, total.BytesMoved)
	require.Equal(t, 2, total.AllocationsMoved)

	pass.Reset()
	require.Equal(t, defrag.DefragmentationStats{}, pass.Stats)
	require.Equal(t, 100, pass.MaxPassBytes)
	require.Equal(t, 2, pass.MaxPassAllocations)
}
