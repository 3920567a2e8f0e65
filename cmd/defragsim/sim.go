package main

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpudefrag/hostdevice"
	"github.com/vkngwrapper/gpudefrag/pool"
	"golang.org/x/exp/slog"
)

const (
	minAllocation = 4 * 1024
	categoryCount = int(pool.CategoryStreaming) + 1
)

type simConfig struct {
	PoolSize       int
	Frames         int
	Seed           int64
	MaxAllocation  int
	MaxRelocations int
	MaxDownShift   int
	InFlightFrames int
	WindowSize     int
	PanicOnFull    bool
	DetailedReport bool
}

type simResult struct {
	Frames        int
	Allocations   int
	Failures      int
	PanicDefrags  int
	Frees         int
	Reallocations int
	Vetoed        int

	Verified  int
	Corrupted int

	Stats  pool.Stats
	Device hostdevice.Statistics
	Report string
}

// simResource stands in for a texture or buffer. Mapped resources refuse to move.
type simResource struct {
	address pool.Address
	size    int
	seed    byte
	mapped  bool
	handle  pool.ResourceHandle
}

func (r *simResource) CanRelocate() bool {
	return !r.mapped
}

func (r *simResource) UpdateBaseAddress(newAddress pool.Address) {
	r.address = newAddress
}

func (r *simResource) BaseAddress() pool.Address {
	return r.address
}

type simulation struct {
	config    simConfig
	rng       *rand.Rand
	device    *hostdevice.Device
	allocator *pool.Allocator
	registry  *pool.ResourceRegistry
	live      []*simResource
	nextSeed  byte
	result    simResult
}

func runSimulation(logger *slog.Logger, config simConfig) (simResult, error) {
	if config.MaxAllocation < minAllocation {
		return simResult{}, errors.Newf("max allocation must be at least %d bytes", minAllocation)
	}

	device, err := hostdevice.New(logger, hostdevice.Options{
		Size:       config.PoolSize,
		WindowSize: config.WindowSize,
	})
	if err != nil {
		return simResult{}, err
	}

	registry := pool.NewResourceRegistry()
	allocator, err := pool.New(logger, device, device.Base(), config.PoolSize, pool.CreateOptions{
		MaxDefragRelocations:    config.MaxRelocations,
		MaxDefragDownShift:      config.MaxDownShift,
		InFlightFrames:          config.InFlightFrames,
		EnableAsyncDefrag:       true,
		EnableAsyncReallocation: true,
		Resources:               registry,
	})
	if err != nil {
		return simResult{}, errors.CombineErrors(err, device.Close())
	}

	sim := &simulation{
		config:    config,
		rng:       rand.New(rand.NewSource(config.Seed)),
		device:    device,
		allocator: allocator,
		registry:  registry,
		nextSeed:  1,
	}

	err = sim.run()
	return sim.result, errors.CombineErrors(err, device.Close())
}

func (s *simulation) run() error {
	for frame := 0; frame < s.config.Frames; frame++ {
		err := s.frame()
		if err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		s.result.Frames++
	}

	// Wait for every copy and upload before reading device memory from the host
	s.allocator.Flush()
	for _, resource := range s.live {
		intact, err := s.device.Verify(resource.address, resource.size, resource.seed)
		if err != nil {
			return err
		}

		s.result.Verified++
		if !intact {
			s.result.Corrupted++
		}
	}

	s.result.Stats = s.allocator.Stats()
	s.result.Report = s.allocator.BuildStatsString(s.config.DetailedReport)

	for _, resource := range s.live {
		s.free(resource)
	}
	s.live = nil

	s.result.Device = s.device.Statistics()
	return s.allocator.Shutdown()
}

func (s *simulation) frame() error {
	for i := s.rng.Intn(4); i > 0; i-- {
		err := s.allocate()
		if err != nil {
			return err
		}
	}

	for i := s.rng.Intn(4); i > 0 && len(s.live) > 0; i-- {
		index := s.rng.Intn(len(s.live))
		resource := s.live[index]
		s.live[index] = s.live[len(s.live)-1]
		s.live = s.live[:len(s.live)-1]

		s.free(resource)
	}

	if len(s.live) > 0 && s.rng.Intn(10) == 0 {
		err := s.reallocate(s.live[s.rng.Intn(len(s.live))])
		if err != nil {
			return err
		}
	}

	stats, err := s.allocator.Tick()
	s.result.Vetoed += stats.NumVetoed
	return err
}

func (s *simulation) randomSize() int {
	size := minAllocation
	for size*2 <= s.config.MaxAllocation && s.rng.Intn(2) == 0 {
		size *= 2
	}

	return size + s.rng.Intn(size)
}

func (s *simulation) allocate() error {
	resource := &simResource{
		size:   s.randomSize(),
		seed:   s.nextSeed,
		mapped: s.rng.Intn(16) == 0,
	}
	s.nextSeed++
	resource.handle = s.registry.Register(resource)

	createInfo := pool.AllocationCreateInfo{
		Size:         resource.size,
		Category:     pool.AllocationCategory(s.rng.Intn(categoryCount)),
		Payload:      resource.handle,
		AllowFailure: true,
	}

	address, err := s.allocator.AllocateWithOptions(createInfo)
	if errors.Is(err, pool.ErrOutOfSpace) && s.config.PanicOnFull {
		s.result.PanicDefrags++
		_, err = s.allocator.PanicDefrag()
		if err != nil {
			return err
		}

		address, err = s.allocator.AllocateWithOptions(createInfo)
	}

	if errors.Is(err, pool.ErrOutOfSpace) {
		s.result.Failures++
		s.registry.Unregister(resource.handle)
		return nil
	} else if err != nil {
		return err
	}

	s.result.Allocations++
	resource.address = address
	s.live = append(s.live, resource)

	return s.device.Upload(address, resource.size, resource.seed)
}

func (s *simulation) free(resource *simResource) {
	s.allocator.Free(resource.address)
	s.registry.Unregister(resource.handle)
	s.result.Frees++
}

// reallocate grows a resource in place of an upload of new contents. Only the original bytes
// are verified afterward.
func (s *simulation) reallocate(resource *simResource) error {
	newSize := resource.size + s.rng.Intn(resource.size)

	_, err := s.allocator.Reallocate(resource.address, newSize, 0, true)
	if errors.Is(err, pool.ErrOutOfSpace) {
		s.result.Failures++
		return nil
	} else if err != nil {
		return err
	}

	s.result.Reallocations++
	return nil
}
