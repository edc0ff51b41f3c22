package hostmem

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestAllocateMapFree(t *testing.T) {
	dev, err := New(DefaultOptions())
	require.NoError(t, err)

	mem, err := dev.AllocateMemory(1, 4096)
	require.NoError(t, err)
	require.Equal(t, 1, dev.LiveBlockCount())
	require.Equal(t, 4096, dev.HeapUsage(1))

	ptr, err := mem.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)

	data := unsafe.Slice((*byte)(ptr), 4096)
	data[0] = 0xAB
	data[4095] = 0xCD

	_, err = mem.Map()
	require.Error(t, err)

	mem.Unmap()
	mem.Free()

	require.Equal(t, 0, dev.LiveBlockCount())
	require.Equal(t, 0, dev.HeapUsage(1))
}

func TestHeapBudget(t *testing.T) {
	dev, err := New(Options{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 8192, Flags: core1_0.MemoryHeapDeviceLocal},
		},
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 16,
	})
	require.NoError(t, err)

	first, err := dev.AllocateMemory(0, 6000)
	require.NoError(t, err)

	_, err = dev.AllocateMemory(0, 4000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfDeviceMemory))

	first.Free()

	second, err := dev.AllocateMemory(0, 4000)
	require.NoError(t, err)
	second.Free()
}

func TestAllocationCountLimit(t *testing.T) {
	options := DefaultOptions()
	options.MaxMemoryAllocationCount = 2
	dev, err := New(options)
	require.NoError(t, err)

	first, err := dev.AllocateMemory(0, 256)
	require.NoError(t, err)
	second, err := dev.AllocateMemory(0, 256)
	require.NoError(t, err)

	_, err = dev.AllocateMemory(0, 256)
	require.True(t, errors.Is(err, ErrTooManyObjects))

	first.Free()
	second.Free()
}

func TestRangeAlignment(t *testing.T) {
	dev, err := New(DefaultOptions())
	require.NoError(t, err)

	mem, err := dev.AllocateMemory(2, 1000)
	require.NoError(t, err)
	defer mem.Free()

	require.NoError(t, dev.FlushMappedMemoryRanges([]device.MappedRange{
		{Memory: mem, Offset: 64, Size: 128},
	}))
	// Ranges that end at the end of the block don't need a whole atom
	require.NoError(t, dev.InvalidateMappedMemoryRanges([]device.MappedRange{
		{Memory: mem, Offset: 960, Size: 40},
	}))

	err = dev.FlushMappedMemoryRanges([]device.MappedRange{
		{Memory: mem, Offset: 32, Size: 64},
	})
	require.True(t, errors.Is(err, ErrInvalidRange))

	err = dev.FlushMappedMemoryRanges([]device.MappedRange{
		{Memory: mem, Offset: 0, Size: 100},
	})
	require.True(t, errors.Is(err, ErrInvalidRange))

	err = dev.FlushMappedMemoryRanges([]device.MappedRange{
		{Memory: mem, Offset: 960, Size: 128},
	})
	require.True(t, errors.Is(err, ErrInvalidRange))

	require.Equal(t, int64(1), dev.FlushCount())
	require.Equal(t, int64(1), dev.InvalidateCount())
}

func TestInvalidOptions(t *testing.T) {
	options := DefaultOptions()
	options.NonCoherentAtomSize = 48
	_, err := New(options)
	require.Error(t, err)

	options = DefaultOptions()
	options.MemoryTypes[0].HeapIndex = 5
	_, err = New(options)
	require.Error(t, err)
}
