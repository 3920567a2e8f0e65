package pool

import (
	"math"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpudefrag/memutils"
	"github.com/vkngwrapper/gpudefrag/memutils/defrag"
	"github.com/vkngwrapper/gpudefrag/memutils/ledger"
	"github.com/vkngwrapper/gpudefrag/pool/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized
	// by some other mechanism, but performance may improve because internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// defaultMinAllocationAlignment is the granularity used when none is provided via CreateOptions
	defaultMinAllocationAlignment uint = 256
	// defaultMaxDefragRelocations is the per-tick relocation budget when none is provided. It is
	// equal to 4Mb.
	defaultMaxDefragRelocations int = 4 * 1024 * 1024
	// defaultMaxDefragDownShift is the furthest a single slide may move an allocation when none is
	// provided. It is equal to 1Mb.
	defaultMaxDefragDownShift int = 1024 * 1024
	defaultInFlightFrames     int = 3
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// MinAllocationAlignment is the pool's granularity. Every allocation is aligned to at least
	// this value and its size rounded up to a multiple of it. It must be a power of two; the
	// default is 256.
	MinAllocationAlignment uint

	// MaxDefragRelocations is the number of budget bytes each Tick may spend relocating
	// allocations. The default is 4Mb; -1 removes the limit.
	MaxDefragRelocations int
	// MaxDefragDownShift is the furthest a single slide may move an allocation. A slide into a
	// larger hole is clamped to this distance rather than skipped, leaving a hole below the moved
	// allocation. Jumps are never limited. The default is 1Mb; -1 removes the limit.
	MaxDefragDownShift int
	// MaxDefragRelocationCount is the number of relocations each Tick may perform. Zero means unlimited.
	MaxDefragRelocationCount int
	// OverlappedBandwidthScale multiplies the budget cost of relocations whose source and
	// destination overlap, which must be performed through a bounce buffer. Values below 1 are
	// treated as 1.
	OverlappedBandwidthScale float64
	// DefragAlgorithm selects the defragmentation algorithm. The default is defrag.AlgorithmFull.
	DefragAlgorithm defrag.Algorithm

	// EnableAsyncDefrag causes Tick to run a defragmentation pass after retiring frees
	EnableAsyncDefrag bool
	// EnableAsyncReallocation permits Reallocate
	EnableAsyncReallocation bool

	// InFlightFrames is the number of frames that may be in flight between CPU submission and
	// GPU retirement. Freed memory is reclaimed InFlightFrames+1 ticks after it is freed. The
	// default is 3.
	InFlightFrames int

	// TempAllocatorLock is an optional external lock that Tick and PanicDefrag acquire before
	// the pool's own lock
	TempAllocatorLock sync.Locker

	// Resources resolves the ResourceHandle attached to each allocation. Allocations are never
	// relocated without it.
	Resources ResourceTable
}

// New creates a new Allocator over the device memory region [base, base+size). The region must
// already be mapped by the platform.
//
// logger - The logger that allocator activity will be written to
//
// platform - The device command-submission layer used to relocate memory and wait on fences
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, platform Platform, base Address, size int, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator without a logger")
	}
	if platform == nil {
		return nil, errors.New("attempted to create an allocator without a platform")
	}

	granularity := options.MinAllocationAlignment
	if granularity == 0 {
		granularity = defaultMinAllocationAlignment
	}

	err := memutils.CheckPow2(granularity, "CreateOptions.MinAllocationAlignment")
	if err != nil {
		return nil, err
	}

	if base%Address(granularity) != 0 {
		return nil, errors.Newf("pool base address %#x is not aligned to the minimum allocation alignment %d", uint64(base), granularity)
	}

	if options.InFlightFrames < 0 {
		return nil, errors.Newf("invalid CreateOptions.InFlightFrames: %d", options.InFlightFrames)
	}

	allocator := &Allocator{
		logger:      logger,
		platform:    platform,
		resources:   options.Resources,
		base:        base,
		createFlags: options.Flags,
		tempLock:    utils.OptionalLocker{Locker: options.TempAllocatorLock},
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},

		asyncDefrag:        options.EnableAsyncDefrag,
		asyncReallocation:  options.EnableAsyncReallocation,
		relocations:        swiss.NewMap[ledger.ChunkHandle, relocationRecord](16),
		maxRelocationBytes: options.MaxDefragRelocations,
		maxDownShift:       options.MaxDefragDownShift,
		maxRelocationCount: options.MaxDefragRelocationCount,
		overlapScale:       options.OverlappedBandwidthScale,
	}

	allocator.ledger, err = ledger.NewLedgerAt(uint64(base), size, granularity)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize pool ledger")
	}

	switch {
	case allocator.maxRelocationBytes == 0:
		allocator.maxRelocationBytes = defaultMaxDefragRelocations
	case allocator.maxRelocationBytes < 0:
		allocator.maxRelocationBytes = defrag.Unbounded
	}

	switch {
	case allocator.maxDownShift == 0:
		allocator.maxDownShift = defaultMaxDefragDownShift
	case allocator.maxDownShift < 0:
		allocator.maxDownShift = 0
	}

	if allocator.maxRelocationCount <= 0 {
		allocator.maxRelocationCount = defrag.Unbounded
	}

	if math.IsNaN(allocator.overlapScale) || allocator.overlapScale < 1 {
		allocator.overlapScale = 1
	}

	inFlightFrames := options.InFlightFrames
	if inFlightFrames == 0 {
		inFlightFrames = defaultInFlightFrames
	}
	allocator.deferred.init(inFlightFrames + 1)

	algorithm := options.DefragAlgorithm
	if algorithm == 0 {
		algorithm = defrag.AlgorithmFull
	} else if algorithm != defrag.AlgorithmFast && algorithm != defrag.AlgorithmFull {
		return nil, errors.Newf("unknown defragmentation algorithm: %d", uint32(algorithm))
	}
	allocator.defragContext = defrag.MetadataDefragContext{
		Algorithm: algorithm,
		Handler:   allocator.relocateForDefrag,
		Pool:      &defragPool{allocator: allocator},
	}
	allocator.defragContext.Init()

	return allocator, nil
}
