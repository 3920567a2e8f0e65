package hostdevice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpudefrag/hostdevice/internal/mmap"
	"github.com/vkngwrapper/gpudefrag/pool"
	"golang.org/x/exp/slog"
)

const (
	// DefaultBase is the device address of the first byte of the pool when none is provided via Options
	DefaultBase pool.Address = 0x10000000
	// DefaultWindowSize is the bounce buffer size used when none is provided via Options. It is
	// equal to 64Kb.
	DefaultWindowSize int = 64 * 1024
)

// ErrClosed is returned when commands are submitted to a Device after Close
var ErrClosed = errors.New("device is closed")

// Options contains settings for a Device
type Options struct {
	// Size is the number of bytes of device memory to map
	Size int
	// Base is the device address of the first byte of memory. It need not be page aligned.
	Base pool.Address
	// WindowSize is the size of the bounce buffer used for every copy. Copies larger than the
	// window are performed one window at a time.
	WindowSize int
	// Synchronous causes commands to execute on the submitting goroutine as soon as they are
	// submitted, instead of on the device's queue goroutine. Fences are signaled as soon as they
	// are inserted unless the device is stalled.
	Synchronous bool
	// OnReallocationFinished is called from NotifyReallocationFinished, if provided
	OnReallocationFinished func(record pool.RelocationRecord, payload pool.ResourceHandle)
}

type command struct {
	dst   int
	src   int
	size  int
	fence pool.Fence

	upload bool
	seed   byte
}

// Statistics counts the work a Device has executed
type Statistics struct {
	Copies        int
	BytesCopied   int
	BounceWindows int
	Fences        int
	Uploads       int
	BytesUploaded int
}

// Device is a software implementation of pool.Platform over host memory. Commands are executed
// strictly in submission order, either by a dedicated queue goroutine that stands in for the
// GPU timeline or, in synchronous mode, by the goroutine that submitted them.
type Device struct {
	logger      *slog.Logger
	base        pool.Address
	memory      []byte
	scratch     []byte
	synchronous bool
	onFinished  func(record pool.RelocationRecord, payload pool.ResourceHandle)

	mutex     sync.Mutex
	cond      *sync.Cond
	queue     []command
	stalls    int
	closed    bool
	lastFence pool.Fence
	completed atomic.Uint64
	stats     Statistics
	done      sync.WaitGroup

	vetoMutex sync.Mutex
	vetoed    *swiss.Map[pool.Address, int]
}

var _ pool.Platform = &Device{}

// New maps Options.Size bytes of memory and starts the device's queue
func New(logger *slog.Logger, options Options) (*Device, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a device without a logger")
	}

	if options.Size < 1 {
		return nil, errors.Newf("invalid device size: %d", options.Size)
	}

	windowSize := options.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	if windowSize < 0 {
		return nil, errors.Newf("invalid bounce window size: %d", windowSize)
	}

	base := options.Base
	if base == 0 {
		base = DefaultBase
	}

	memory, err := mmap.Map(options.Size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes of device memory", options.Size)
	}

	device := &Device{
		logger:      logger,
		base:        base,
		memory:      memory,
		scratch:     make([]byte, windowSize),
		synchronous: options.Synchronous,
		onFinished:  options.OnReallocationFinished,
		vetoed:      swiss.NewMap[pool.Address, int](8),
	}
	device.cond = sync.NewCond(&device.mutex)

	if !device.synchronous {
		device.done.Add(1)
		go device.run()
	}

	return device, nil
}

// Base returns the device address of the first byte of memory
func (d *Device) Base() pool.Address {
	return d.base
}

// Size returns the number of bytes of device memory
func (d *Device) Size() int {
	return len(d.memory)
}

// Bytes returns the host view of size bytes of device memory starting at address. Reads and
// writes through the returned slice are not ordered with respect to queued commands; call
// BlockOnFence first.
func (d *Device) Bytes(address pool.Address, size int) ([]byte, error) {
	offset, err := d.offset(address, size)
	if err != nil {
		return nil, err
	}

	return d.memory[offset : offset+size], nil
}

func (d *Device) offset(address pool.Address, size int) (int, error) {
	if address < d.base || size < 0 || uint64(address-d.base)+uint64(size) > uint64(len(d.memory)) {
		return 0, errors.Newf("range [%#x, %#x) is outside device memory [%#x, %#x)",
			uint64(address), uint64(address)+uint64(size), uint64(d.base), uint64(d.base)+uint64(len(d.memory)))
	}

	return int(address - d.base), nil
}

// Relocate queues a copy of size bytes from src to dst. Overlapping ranges are copied safely.
func (d *Device) Relocate(dst, src pool.Address, size int, payload pool.ResourceHandle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	srcOffset, err := d.offset(src, size)
	if err != nil {
		return errors.Wrap(err, "invalid relocation source")
	}

	dstOffset, err := d.offset(dst, size)
	if err != nil {
		return errors.Wrap(err, "invalid relocation destination")
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::Relocate",
		slog.Uint64("src", uint64(src)),
		slog.Uint64("dst", uint64(dst)),
		slog.Int("size", size),
		slog.Uint64("payload", uint64(payload)),
	)

	d.enqueue(command{dst: dstOffset, src: srcOffset, size: size})
	return nil
}

// InsertFence queues a fence that signals once every command submitted before it has executed
func (d *Device) InsertFence() pool.Fence {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lastFence++
	fence := d.lastFence
	if d.closed {
		// Nothing else will ever execute
		d.completed.Store(uint64(fence))
		return fence
	}

	d.enqueue(command{fence: fence})
	return fence
}

func (d *Device) IsFenceSignaled(fence pool.Fence) bool {
	return uint64(fence) <= d.completed.Load()
}

// BlockOnFence waits for fence to signal. A synchronous device that is stalled will never
// signal, so blocking on it deadlocks.
func (d *Device) BlockOnFence(fence pool.Fence) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for !d.IsFenceSignaled(fence) {
		d.cond.Wait()
	}
}

// CanRelocate returns false for any address that has been pinned with Pin
func (d *Device) CanRelocate(address pool.Address, payload pool.ResourceHandle) bool {
	d.vetoMutex.Lock()
	defer d.vetoMutex.Unlock()

	return !d.vetoed.Has(address)
}

func (d *Device) NotifyReallocationFinished(record pool.RelocationRecord, payload pool.ResourceHandle) {
	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Device::NotifyReallocationFinished",
		slog.Uint64("src", uint64(record.Source)),
		slog.Uint64("dst", uint64(record.Destination)),
		slog.Uint64("payload", uint64(payload)),
	)

	if d.onFinished != nil {
		d.onFinished(record, payload)
	}
}

// Pin vetoes relocation of the allocation at address until a matching call to Unpin
func (d *Device) Pin(address pool.Address) {
	d.vetoMutex.Lock()
	defer d.vetoMutex.Unlock()

	count, _ := d.vetoed.Get(address)
	d.vetoed.Put(address, count+1)
}

func (d *Device) Unpin(address pool.Address) {
	d.vetoMutex.Lock()
	defer d.vetoMutex.Unlock()

	count, ok := d.vetoed.Get(address)
	if !ok {
		panic(errors.AssertionFailedf("attempted to unpin address %#x, which was not pinned", uint64(address)))
	}

	if count == 1 {
		d.vetoed.Delete(address)
	} else {
		d.vetoed.Put(address, count-1)
	}
}

// Stall stops the device from executing commands until the returned function is called. Commands
// and fences submitted in the meantime are queued, so their fences remain unsignaled.
func (d *Device) Stall() (release func()) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.stalls++

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mutex.Lock()
			defer d.mutex.Unlock()

			if d.stalls > 0 {
				d.stalls--
			}
			if d.synchronous {
				d.drain()
			}
			d.cond.Broadcast()
		})
	}
}

// Statistics returns the work the device has executed so far
func (d *Device) Statistics() Statistics {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.stats
}

// Close executes every queued command, stops the queue and unmaps device memory. Outstanding
// stalls are released.
func (d *Device) Close() error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.stalls = 0
	if d.synchronous {
		d.drain()
	}
	d.cond.Broadcast()
	d.mutex.Unlock()

	d.done.Wait()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	err := mmap.Unmap(d.memory)
	d.memory = nil
	return err
}

// enqueue must be called with the mutex held
func (d *Device) enqueue(cmd command) {
	d.queue = append(d.queue, cmd)

	if d.synchronous {
		d.drain()
	} else {
		d.cond.Broadcast()
	}
}

// drain executes queued commands on the calling goroutine. It must be called with the mutex held.
func (d *Device) drain() {
	for d.stalls == 0 && len(d.queue) > 0 {
		cmd := d.pop()
		d.execute(cmd)
	}
}

func (d *Device) pop() command {
	cmd := d.queue[0]
	d.queue[0] = command{}
	d.queue = d.queue[1:]
	return cmd
}

func (d *Device) run() {
	defer d.done.Done()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		for d.stalls > 0 || (len(d.queue) == 0 && !d.closed) {
			d.cond.Wait()
		}

		if len(d.queue) == 0 {
			return
		}

		cmd := d.pop()
		if cmd.fence != 0 {
			d.execute(cmd)
			continue
		}

		// Only this goroutine touches the scratch buffer
		d.mutex.Unlock()
		windows := d.perform(cmd)
		d.mutex.Lock()
		d.record(cmd, windows)
	}
}

// execute runs a single command. It must be called with the mutex held.
func (d *Device) execute(cmd command) {
	if cmd.fence != 0 {
		d.completed.Store(uint64(cmd.fence))
		d.stats.Fences++
		d.cond.Broadcast()
		return
	}

	d.record(cmd, d.perform(cmd))
}

// perform executes a copy or upload. It touches device memory and the scratch buffer only.
func (d *Device) perform(cmd command) int {
	if cmd.upload {
		fillPattern(d.memory[cmd.dst:cmd.dst+cmd.size], cmd.seed)
		return 0
	}

	return d.copyRange(cmd.dst, cmd.src, cmd.size)
}

func (d *Device) record(cmd command, windows int) {
	if cmd.upload {
		d.stats.Uploads++
		d.stats.BytesUploaded += cmd.size
		return
	}

	d.stats.Copies++
	d.stats.BytesCopied += cmd.size
	d.stats.BounceWindows += windows
}

// copyRange copies size bytes from src to dst through the scratch buffer, one window at a time.
// Downward copies walk from the low end and upward copies from the high end, so a window is
// always read before any byte of it can be overwritten. It returns the number of windows used.
func (d *Device) copyRange(dst, src, size int) int {
	if dst == src || size == 0 {
		return 0
	}

	window := len(d.scratch)
	windows := 0

	if dst < src {
		for done := 0; done < size; {
			n := min(window, size-done)
			copy(d.scratch[:n], d.memory[src+done:src+done+n])
			copy(d.memory[dst+done:dst+done+n], d.scratch[:n])
			done += n
			windows++
		}
	} else {
		for remaining := size; remaining > 0; {
			n := min(window, remaining)
			start := remaining - n
			copy(d.scratch[:n], d.memory[src+start:src+start+n])
			copy(d.memory[dst+start:dst+start+n], d.scratch[:n])
			remaining = start
			windows++
		}
	}

	return windows
}

// Fill writes a repeating pattern derived from seed into size bytes at address. It executes
// immediately, outside the command queue.
func (d *Device) Fill(address pool.Address, size int, seed byte) error {
	data, err := d.Bytes(address, size)
	if err != nil {
		return err
	}

	fillPattern(data, seed)
	return nil
}

// Upload queues a write of the Fill pattern into size bytes at address. Unlike Fill, it is
// ordered after every command submitted before it.
func (d *Device) Upload(address pool.Address, size int, seed byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	offset, err := d.offset(address, size)
	if err != nil {
		return errors.Wrap(err, "invalid upload destination")
	}

	d.enqueue(command{dst: offset, size: size, upload: true, seed: seed})
	return nil
}

func fillPattern(data []byte, seed byte) {
	for i := range data {
		data[i] = seed + byte(i%251)
	}
}

// Verify reports whether size bytes at address hold the pattern written by Fill with seed
func (d *Device) Verify(address pool.Address, size int, seed byte) (bool, error) {
	data, err := d.Bytes(address, size)
	if err != nil {
		return false, err
	}

	for i := range data {
		if data[i] != seed+byte(i%251) {
			return false, nil
		}
	}
	return true, nil
}
