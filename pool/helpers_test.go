package pool_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpudefrag/hostdevice"
	"github.com/vkngwrapper/gpudefrag/pool"
	"golang.org/x/exp/slog"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

type testResource struct {
	address pool.Address
	size    int
	seed    byte
	movable bool
	moves   int
}

func (r *testResource) CanRelocate() bool {
	return r.movable
}

func (r *testResource) UpdateBaseAddress(newAddress pool.Address) {
	r.address = newAddress
	r.moves++
}

func (r *testResource) BaseAddress() pool.Address {
	return r.address
}

type testPool struct {
	t         *testing.T
	allocator *pool.Allocator
	device    *hostdevice.Device
	registry  *pool.ResourceRegistry
	nextSeed  byte
}

func newTestPool(t *testing.T, size int, options pool.CreateOptions) *testPool {
	return newTestPoolWithDevice(t, size, options, hostdevice.Options{})
}

func newTestPoolWithDevice(t *testing.T, size int, options pool.CreateOptions, deviceOptions hostdevice.Options) *testPool {
	logger := slog.New(slog.NewTextHandler(io.Discard))

	deviceOptions.Size = size
	deviceOptions.Synchronous = true
	if deviceOptions.WindowSize == 0 {
		deviceOptions.WindowSize = 4 * KiB
	}

	device, err := hostdevice.New(logger, deviceOptions)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = device.Close()
	})

	registry := pool.NewResourceRegistry()
	options.Resources = registry

	allocator, err := pool.New(logger, device, device.Base(), size, options)
	require.NoError(t, err)

	return &testPool{
		t:         t,
		allocator: allocator,
		device:    device,
		registry:  registry,
		nextSeed:  1,
	}
}

// allocate creates a movable resource and fills its memory with a pattern unique to it
func (p *testPool) allocate(size int, category pool.AllocationCategory) *testResource {
	address, err := p.allocator.AllocateWithOptions(pool.AllocationCreateInfo{
		Size:         size,
		Category:     category,
		AllowFailure: true,
	})
	require.NoError(p.t, err)

	resource := &testResource{
		address: address,
		size:    size,
		seed:    p.nextSeed,
		movable: true,
	}
	p.nextSeed++

	handle := p.registry.Register(resource)
	p.allocator.SetUserPayload(address, handle)
	require.NoError(p.t, p.device.Fill(address, size, resource.seed))

	return resource
}

func (p *testPool) offset(resource *testResource) int {
	return int(resource.address - p.device.Base())
}

func (p *testPool) requireIntact(resource *testResource) {
	ok, err := p.device.Verify(resource.address, resource.size, resource.seed)
	require.NoError(p.t, err)
	require.True(p.t, ok, "contents of resource at offset %d were corrupted", p.offset(resource))
}

func (p *testPool) tick(count int) pool.RelocationStats {
	var stats pool.RelocationStats
	for i := 0; i < count; i++ {
		var err error
		stats, err = p.allocator.Tick()
		require.NoError(p.t, err)
		require.NoError(p.t, p.allocator.Validate())
	}

	return stats
}

func (p *testPool) chunkState(address pool.Address) pool.ChunkInfo {
	info, err := p.allocator.FindChunk(address)
	require.NoError(p.t, err)
	return info
}
