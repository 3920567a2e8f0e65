package pool_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
	"github.com/vkngwrapper/gpudefrag/pool"
	"github.com/vkngwrapper/gpudefrag/pool/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const mockBase pool.Address = 0x1000

type mockPool struct {
	allocator *pool.Allocator
	platform  *mocks.MockPlatform
	resource  *mocks.MockResource
	moving    pool.Address
}

// newMockPool leaves a hole at the bottom of a 4KiB pool with a movable resource directly above it
func newMockPool(t *testing.T) *mockPool {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	platform := mocks.NewMockPlatform(ctrl)
	resource := mocks.NewMockResource(ctrl)
	table := mocks.NewMockResourceTable(ctrl)

	table.EXPECT().Resource(pool.ResourceHandle(1)).Return(resource, true).AnyTimes()
	resource.EXPECT().CanRelocate().Return(true).AnyTimes()

	allocator, err := pool.New(logger, platform, mockBase, 4096, pool.CreateOptions{Resources: table})
	require.NoError(t, err)

	unmovable, err := allocator.Allocate(1024, 0, pool.CategoryOther, true)
	require.NoError(t, err)
	require.Equal(t, mockBase, unmovable)

	moving, err := allocator.AllocateWithOptions(pool.AllocationCreateInfo{
		Size:         1024,
		Category:     pool.CategoryBuffer,
		Payload:      1,
		AllowFailure: true,
	})
	require.NoError(t, err)
	require.Equal(t, mockBase+1024, moving)

	allocator.Free(unmovable)
	for i := 0; i < 4; i++ {
		_, err = allocator.Tick()
		require.NoError(t, err)
	}

	return &mockPool{
		allocator: allocator,
		platform:  platform,
		resource:  resource,
		moving:    moving,
	}
}

func TestDefragmentCallSequence(t *testing.T) {
	p := newMockPool(t)

	gomock.InOrder(
		p.platform.EXPECT().CanRelocate(mockBase+1024, pool.ResourceHandle(1)).Return(true),
		p.platform.EXPECT().Relocate(mockBase, mockBase+1024, 1024, pool.ResourceHandle(1)).Return(nil),
		p.platform.EXPECT().InsertFence().Return(pool.Fence(7)),
		p.resource.EXPECT().UpdateBaseAddress(mockBase),
	)

	stats, err := p.allocator.Defragment()
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumRelocations)
	require.Equal(t, 1024, stats.BytesRelocated)

	info, err := p.allocator.FindChunk(mockBase)
	require.NoError(t, err)
	require.Equal(t, ledger.ChunkAllocated, info.State)
	require.Equal(t, pool.ResourceHandle(1), info.Payload)

	// The relocated chunk cannot move or be reclaimed until its fence signals
	p.platform.EXPECT().IsFenceSignaled(pool.Fence(7)).Return(false)
	_, err = p.allocator.Tick()
	require.NoError(t, err)

	p.platform.EXPECT().IsFenceSignaled(pool.Fence(7)).Return(true)
	_, err = p.allocator.Tick()
	require.NoError(t, err)
	require.Equal(t, 1, p.allocator.Stats().TotalRelocations)
}

func TestDefragmentPlatformVeto(t *testing.T) {
	p := newMockPool(t)

	p.platform.EXPECT().CanRelocate(mockBase+1024, pool.ResourceHandle(1)).Return(false)

	stats, err := p.allocator.Defragment()
	require.NoError(t, err)
	require.Equal(t, 0, stats.NumRelocations)
	require.Equal(t, 1, stats.NumVetoed)

	info, err := p.allocator.FindChunk(p.moving)
	require.NoError(t, err)
	require.Equal(t, p.moving, info.Address)
	require.Equal(t, ledger.ChunkAllocated, info.State)
}

func TestDefragmentRelocateFailure(t *testing.T) {
	p := newMockPool(t)
	failure := errors.New("device lost")

	gomock.InOrder(
		p.platform.EXPECT().CanRelocate(mockBase+1024, pool.ResourceHandle(1)).Return(true),
		p.platform.EXPECT().Relocate(mockBase, mockBase+1024, 1024, pool.ResourceHandle(1)).Return(failure),
	)

	_, err := p.allocator.Defragment()
	require.Error(t, err)
	require.True(t, errors.Is(err, failure))

	info, err := p.allocator.FindChunk(p.moving)
	require.NoError(t, err)
	require.Equal(t, p.moving, info.Address)
	require.NoError(t, p.allocator.Validate())
}

func TestReallocateRelocateFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(io.Discard))
	platform := mocks.NewMockPlatform(ctrl)
	failure := errors.New("device lost")

	allocator, err := pool.New(logger, platform, mockBase, 4096, pool.CreateOptions{EnableAsyncReallocation: true})
	require.NoError(t, err)

	address, err := allocator.Allocate(512, 0, pool.CategoryBuffer, true)
	require.NoError(t, err)

	platform.EXPECT().Relocate(mockBase+512, address, 512, pool.NoResource).Return(failure)

	_, err = allocator.Reallocate(address, 1024, 0, true)
	require.True(t, errors.Is(err, failure))

	stats := allocator.Stats()
	require.Equal(t, 1, stats.NumAllocations)
	require.Equal(t, 4096-512, stats.AvailableMemorySize)
	require.NoError(t, allocator.Validate())
}

func TestResourceRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := pool.NewResourceRegistry()

	first := registry.Register(mocks.NewMockResource(ctrl))
	second := registry.Register(mocks.NewMockResource(ctrl))
	require.NotEqual(t, pool.NoResource, first)
	require.NotEqual(t, first, second)
	require.Equal(t, 2, registry.Count())

	_, ok := registry.Resource(pool.NoResource)
	require.False(t, ok)

	resource, ok := registry.Resource(second)
	require.True(t, ok)
	require.NotNil(t, resource)

	require.True(t, registry.Unregister(first))
	require.False(t, registry.Unregister(first))
	_, ok = registry.Resource(first)
	require.False(t, ok)
	require.Equal(t, 1, registry.Count())
}
