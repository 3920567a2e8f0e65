package hostdevice_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpudefrag/hostdevice"
	"github.com/vkngwrapper/gpudefrag/pool"
	"golang.org/x/exp/slog"
)

func newDevice(t *testing.T, options hostdevice.Options) *hostdevice.Device {
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	device, err := hostdevice.New(logger, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = device.Close()
	})

	return device
}

var copyCases = map[string]struct {
	Size        int
	SrcOffset   int
	DstOffset   int
	WindowSize  int
	Synchronous bool

	ExpectedWindows int
}{
	"DownwardWindowSmallerThanShift": {
		Size: 1000, SrcOffset: 1100, DstOffset: 1000, WindowSize: 64,
		ExpectedWindows: 16,
	},
	"DownwardWindowLargerThanShift": {
		Size: 1000, SrcOffset: 1100, DstOffset: 1000, WindowSize: 256,
		ExpectedWindows: 4,
	},
	"DownwardWindowLargerThanCopy": {
		Size: 1000, SrcOffset: 1100, DstOffset: 1000, WindowSize: 4096,
		ExpectedWindows: 1,
	},
	"DownwardByOneByte": {
		Size: 777, SrcOffset: 1, DstOffset: 0, WindowSize: 100,
		ExpectedWindows: 8,
	},
	"UpwardWindowSmallerThanShift": {
		Size: 1000, SrcOffset: 1000, DstOffset: 1100, WindowSize: 64,
		ExpectedWindows: 16,
	},
	"UpwardWindowLargerThanShift": {
		Size: 1000, SrcOffset: 1000, DstOffset: 1100, WindowSize: 256,
		ExpectedWindows: 4,
	},
	"UpwardByOneByte": {
		Size: 777, SrcOffset: 0, DstOffset: 1, WindowSize: 100,
		ExpectedWindows: 8,
	},
	"Disjoint": {
		Size: 1000, SrcOffset: 3000, DstOffset: 0, WindowSize: 256,
		ExpectedWindows: 4,
	},
	"DownwardSynchronous": {
		Size: 1000, SrcOffset: 1100, DstOffset: 1000, WindowSize: 64, Synchronous: true,
		ExpectedWindows: 16,
	},
	"UpwardSynchronous": {
		Size: 1000, SrcOffset: 1000, DstOffset: 1100, WindowSize: 256, Synchronous: true,
		ExpectedWindows: 4,
	},
}

func TestRelocatePreservesContents(t *testing.T) {
	for name, testCase := range copyCases {
		t.Run(name, func(t *testing.T) {
			device := newDevice(t, hostdevice.Options{
				Size:        8192,
				WindowSize:  testCase.WindowSize,
				Synchronous: testCase.Synchronous,
			})

			src := device.Base() + pool.Address(testCase.SrcOffset)
			dst := device.Base() + pool.Address(testCase.DstOffset)
			require.NoError(t, device.Fill(src, testCase.Size, 7))

			require.NoError(t, device.Relocate(dst, src, testCase.Size, pool.NoResource))
			fence := device.InsertFence()
			device.BlockOnFence(fence)
			require.True(t, device.IsFenceSignaled(fence))

			ok, err := device.Verify(dst, testCase.Size, 7)
			require.NoError(t, err)
			require.True(t, ok)

			stats := device.Statistics()
			require.Equal(t, 1, stats.Copies)
			require.Equal(t, testCase.Size, stats.BytesCopied)
			require.Equal(t, testCase.ExpectedWindows, stats.BounceWindows)
			require.Equal(t, 1, stats.Fences)
		})
	}
}

func TestRelocationsExecuteInOrder(t *testing.T) {
	device := newDevice(t, hostdevice.Options{Size: 4096, WindowSize: 128})
	base := device.Base()

	require.NoError(t, device.Fill(base+2048, 512, 3))

	release := device.Stall()
	require.NoError(t, device.Relocate(base+1024, base+2048, 512, pool.NoResource))
	require.NoError(t, device.Relocate(base, base+1024, 512, pool.NoResource))
	fence := device.InsertFence()
	require.False(t, device.IsFenceSignaled(fence))

	release()
	device.BlockOnFence(fence)

	ok, err := device.Verify(base, 512, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFencesSignalInOrder(t *testing.T) {
	device := newDevice(t, hostdevice.Options{Size: 4096, Synchronous: true})

	require.True(t, device.IsFenceSignaled(pool.NoFence))

	first := device.InsertFence()
	require.True(t, device.IsFenceSignaled(first))

	release := device.Stall()
	second := device.InsertFence()
	third := device.InsertFence()
	require.Greater(t, uint64(second), uint64(first))
	require.Greater(t, uint64(third), uint64(second))
	require.False(t, device.IsFenceSignaled(second))
	require.False(t, device.IsFenceSignaled(third))

	release()
	require.True(t, device.IsFenceSignaled(third))

	// Releasing twice has no effect
	release()
	fourth := device.InsertFence()
	require.True(t, device.IsFenceSignaled(fourth))
}

func TestPin(t *testing.T) {
	device := newDevice(t, hostdevice.Options{Size: 4096, Synchronous: true})
	address := device.Base() + 256

	require.True(t, device.CanRelocate(address, 1))

	device.Pin(address)
	device.Pin(address)
	require.False(t, device.CanRelocate(address, 1))
	require.True(t, device.CanRelocate(address+256, 1))

	device.Unpin(address)
	require.False(t, device.CanRelocate(address, 1))
	device.Unpin(address)
	require.True(t, device.CanRelocate(address, 1))

	require.Panics(t, func() {
		device.Unpin(address)
	})
}

func TestRelocateOutOfRange(t *testing.T) {
	device := newDevice(t, hostdevice.Options{Size: 4096, Synchronous: true})
	base := device.Base()

	require.Error(t, device.Relocate(base+4000, base, 512, pool.NoResource))
	require.Error(t, device.Relocate(base, base-256, 512, pool.NoResource))
	require.Error(t, device.Relocate(base, base+3840, 512, pool.NoResource))

	_, err := device.Bytes(base+4096, 1)
	require.Error(t, err)
}

func TestNotifyReallocationFinished(t *testing.T) {
	var records []pool.RelocationRecord
	device := newDevice(t, hostdevice.Options{
		Size:        4096,
		Synchronous: true,
		OnReallocationFinished: func(record pool.RelocationRecord, payload pool.ResourceHandle) {
			require.Equal(t, pool.ResourceHandle(5), payload)
			records = append(records, record)
		},
	})

	device.NotifyReallocationFinished(pool.RelocationRecord{Payload: 5, Size: 100}, 5)
	require.Len(t, records, 1)
	require.Equal(t, 100, records[0].Size)
}

func TestClose(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	device, err := hostdevice.New(logger, hostdevice.Options{Size: 4096, WindowSize: 64})
	require.NoError(t, err)
	base := device.Base()

	require.NoError(t, device.Fill(base+1024, 1024, 9))

	// Close executes queued work before returning, even when stalled
	_ = device.Stall()
	require.NoError(t, device.Relocate(base, base+1024, 1024, pool.NoResource))
	fence := device.InsertFence()
	require.NoError(t, device.Close())
	require.True(t, device.IsFenceSignaled(fence))
	require.Equal(t, 1, device.Statistics().Copies)

	err = device.Relocate(base, base+1024, 1024, pool.NoResource)
	require.True(t, errors.Is(err, hostdevice.ErrClosed))
	require.True(t, device.IsFenceSignaled(device.InsertFence()))
	require.True(t, errors.Is(device.Close(), hostdevice.ErrClosed))
}

func TestNewErrors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	_, err := hostdevice.New(nil, hostdevice.Options{Size: 4096})
	require.Error(t, err)

	_, err = hostdevice.New(logger, hostdevice.Options{})
	require.Error(t, err)

	_, err = hostdevice.New(logger, hostdevice.Options{Size: 4096, WindowSize: -1})
	require.Error(t, err)
}

func TestUploadIsOrderedAfterRelocation(t *testing.T) {
	device := newDevice(t, hostdevice.Options{Size: 4096, WindowSize: 256})
	base := device.Base()

	require.NoError(t, device.Fill(base+1024, 1024, 4))

	// The upload lands on the relocation's source, so it must wait for the copy
	release := device.Stall()
	require.NoError(t, device.Relocate(base, base+1024, 1024, pool.NoResource))
	require.NoError(t, device.Upload(base+1024, 1024, 11))
	fence := device.InsertFence()
	release()
	device.BlockOnFence(fence)

	ok, err := device.Verify(base, 1024, 4)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = device.Verify(base+1024, 1024, 11)
	require.NoError(t, err)
	require.True(t, ok)

	stats := device.Statistics()
	require.Equal(t, 1, stats.Uploads)
	require.Equal(t, 1024, stats.BytesUploaded)
	require.Error(t, device.Upload(base+4000, 1024, 1))
}
