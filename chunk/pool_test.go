package chunk

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/device/mocks"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const gibibyte = 1024 * 1024 * 1024

type PoolSetup struct {
	MemoryTypes              []core1_0.MemoryType
	MemoryHeaps              []core1_0.MemoryHeap
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
	PoolOptions              CreateOptions
}

func readyPool(t *testing.T, ctrl *gomock.Controller, setup PoolSetup) (*mocks.MockDevice, *AllocationPool) {
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().MemoryProperties().Return(&device.MemoryProperties{
		MemoryTypes:              setup.MemoryTypes,
		MemoryHeaps:              setup.MemoryHeaps,
		NonCoherentAtomSize:      setup.NonCoherentAtomSize,
		MaxMemoryAllocationCount: setup.MaxMemoryAllocationCount,
	}, nil)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool, err := New(logger, dev, setup.PoolOptions)
	require.NoError(t, err)

	return dev, pool
}

func deviceLocalSetup(heapSize int, maxAllocationCount int) PoolSetup {
	return PoolSetup{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  heapSize,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: maxAllocationCount,
	}
}

// expectBlock expects a single native block allocation and returns the memory handed back
func expectBlock(ctrl *gomock.Controller, dev *mocks.MockDevice, memoryTypeIndex, size int) *mocks.MockMemory {
	memory := mocks.NewMockMemory(ctrl)
	dev.EXPECT().AllocateMemory(memoryTypeIndex, size).Return(memory, nil)
	return memory
}

func TestDedicatedThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))
	require.Equal(t, 4194304, pool.DedicatedThreshold())

	dedicatedMemory := expectBlock(ctrl, dev, 0, 5000000)

	dedicated, err := pool.Allocate(AllocationRequest{
		Size:               5000000,
		Alignment:          256,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 0, dedicated.Offset())
	require.Equal(t, 5000000, dedicated.Size())
	require.Same(t, dedicatedMemory, dedicated.NativeBlockHandle())

	// 4,000,000 bytes lands in the 4MiB size class, and a second chunk would pass the threshold
	pooledMemory := expectBlock(ctrl, dev, 0, 4194304)

	pooled, err := pool.Allocate(AllocationRequest{
		Size:               4000000,
		Alignment:          1,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 0, pooled.Offset())
	require.Same(t, pooledMemory, pooled.NativeBlockHandle())
	require.NoError(t, pool.Validate())

	dedicatedMemory.EXPECT().Free()
	dedicated.Free()

	// The pooled group is the only group in its size class, so it is retained
	pooled.Free()
	require.NoError(t, pool.Validate())

	pooledMemory.EXPECT().Free()
	require.NoError(t, pool.Destroy())
}

func TestThresholdFloor(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, pool := readyPool(t, ctrl, deviceLocalSetup(1024, 4096))
	require.Equal(t, 256, pool.DedicatedThreshold())
}

func TestThresholdSumsDeviceLocalHeaps(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, pool := readyPool(t, ctrl, PoolSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 2},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: gibibyte, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 8 * gibibyte},
			{Size: gibibyte, Flags: core1_0.MemoryHeapDeviceLocal},
		},
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 128,
	})

	require.Equal(t, 2*gibibyte/128, pool.DedicatedThreshold())
}

func TestSizeClassLadder(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	// 100 bytes with up to 15 bytes of padding needs a 128-byte chunk: level 2. The first group
	// of a size class holds 2 chunks.
	firstBlock := expectBlock(ctrl, dev, 0, 256)

	request := AllocationRequest{
		Size:               100,
		Alignment:          16,
		CompatibleTypeMask: 1,
	}

	first, err := pool.Allocate(request)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())
	require.Same(t, firstBlock, first.NativeBlockHandle())

	second, err := pool.Allocate(request)
	require.NoError(t, err)
	require.Equal(t, 128, second.Offset())
	require.Same(t, firstBlock, second.NativeBlockHandle())

	// The first group is full: the next group doubles to 4 chunks
	secondBlock := expectBlock(ctrl, dev, 0, 512)

	third, err := pool.Allocate(request)
	require.NoError(t, err)
	require.Equal(t, 0, third.Offset())
	require.Same(t, secondBlock, third.NativeBlockHandle())

	var stats PoolStatistics
	pool.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.Total.BlockCount)
	require.Equal(t, 768, stats.Total.BlockBytes)
	require.Equal(t, 3, stats.Total.AllocationCount)
	require.Equal(t, 300, stats.Total.AllocationBytes)
	require.Equal(t, 3, stats.Total.UnusedRangeCount)
	require.Equal(t, 128, stats.Total.UnusedRangeSizeMax)

	heapStats := pool.HeapStatistics(0)
	require.Equal(t, 2, heapStats.BlockCount)
	require.Equal(t, 3, heapStats.AllocationCount)
	require.Equal(t, 300, heapStats.AllocationBytes)

	require.NoError(t, pool.Validate())

	first.Free()
	require.NoError(t, pool.Validate())

	// Both groups are active and the first one is now empty
	firstBlock.EXPECT().Free()
	second.Free()
	require.NoError(t, pool.Validate())

	third.Free()
	require.NoError(t, pool.Validate())

	secondBlock.EXPECT().Free()
	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, pool.HeapStatistics(0).BlockCount)
}

func TestGroupGrowthCappedByThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)

	// Threshold is max(65536 / 256, 256) = 256
	dev, pool := readyPool(t, ctrl, deviceLocalSetup(65536, 256))
	require.Equal(t, 256, pool.DedicatedThreshold())

	request := AllocationRequest{
		Size:               100,
		Alignment:          16,
		CompatibleTypeMask: 1,
	}

	var allocations []*Allocation
	for i := 0; i < 3; i++ {
		// Every group would double to 4 chunks of 128 bytes, but 512 bytes is past the threshold
		memory := expectBlock(ctrl, dev, 0, 256)
		memory.EXPECT().Free()

		for j := 0; j < 2; j++ {
			alloc, err := pool.Allocate(request)
			require.NoError(t, err)
			require.Same(t, memory, alloc.NativeBlockHandle())
			allocations = append(allocations, alloc)
		}
	}

	require.NoError(t, pool.Validate())

	for _, alloc := range allocations {
		alloc.Free()
	}
	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Destroy())
}

func TestAlignmentAboveThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	// Only level 57 (32 << 57 bytes) can hold the padding. A doubled group there would be 2^63
	// bytes, so the group must stay at one chunk instead of wrapping around.
	driverErr := errors.New("out of device memory")
	memory := mocks.NewMockMemory(ctrl)
	gomock.InOrder(
		dev.EXPECT().AllocateMemory(0, 1<<62).Return(nil, driverErr),
		dev.EXPECT().AllocateMemory(0, 1).Return(memory, nil),
	)

	alloc, err := pool.Allocate(AllocationRequest{
		Size:               1,
		Alignment:          1 << 62,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Same(t, memory, alloc.NativeBlockHandle())
	require.Equal(t, 0, alloc.Offset())
	require.Equal(t, 1, alloc.Size())
	require.NoError(t, pool.Validate())

	memory.EXPECT().Free()
	alloc.Free()
	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Destroy())
}

func TestInitialGroupChunkCount(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := deviceLocalSetup(gibibyte, 4096)
	setup.PoolOptions.InitialGroupChunkCount = 8
	dev, pool := readyPool(t, ctrl, setup)

	// 16 chunks of 32 bytes
	memory := expectBlock(ctrl, dev, 0, 512)

	alloc, err := pool.Allocate(AllocationRequest{
		Size:               20,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Same(t, memory, alloc.NativeBlockHandle())

	alloc.Free()
	memory.EXPECT().Free()
	require.NoError(t, pool.Destroy())
}

func TestIncompatibleMemoryType(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	_, err := pool.Allocate(AllocationRequest{
		Size:               100,
		Alignment:          1,
		RequiredProperties: core1_0.MemoryPropertyHostVisible,
		CompatibleTypeMask: 1,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, ErrIncompatibleMemoryType))

	_, err = pool.Allocate(AllocationRequest{
		Size:               100,
		Alignment:          1,
		CompatibleTypeMask: 2,
	})
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, ErrIncompatibleMemoryType))
}

func TestInvalidRequests(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	_, err := pool.Allocate(AllocationRequest{Size: 0, CompatibleTypeMask: 1})
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = pool.Allocate(AllocationRequest{Size: 64, Alignment: 24, CompatibleTypeMask: 1})
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = pool.Allocate(AllocationRequest{Size: 64, Alignment: -8, CompatibleTypeMask: 1})
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestNativeFailureFallsBackToNextType(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, PoolSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: gibibyte, Flags: core1_0.MemoryHeapDeviceLocal},
		},
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 4096,
	})

	driverErr := errors.New("out of device memory")
	gomock.InOrder(
		// Pooled group on type 0
		dev.EXPECT().AllocateMemory(0, 256).Return(nil, driverErr),
		// Dedicated group on type 0
		dev.EXPECT().AllocateMemory(0, 100).Return(nil, driverErr),
	)
	memory := expectBlock(ctrl, dev, 1, 256)

	alloc, err := pool.Allocate(AllocationRequest{
		Size:               100,
		Alignment:          16,
		CompatibleTypeMask: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 1, alloc.MemoryTypeIndex())
	require.Same(t, memory, alloc.NativeBlockHandle())
	require.Equal(t, core1_0.MemoryPropertyDeviceLocal, alloc.PropertyFlags())

	alloc.Free()
	memory.EXPECT().Free()
	require.NoError(t, pool.Destroy())
}

func TestNativeFailureOnEveryType(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	driverErr := errors.New("out of device memory")
	dev.EXPECT().AllocateMemory(0, gomock.Any()).Return(nil, driverErr).Times(2)

	_, err := pool.Allocate(AllocationRequest{
		Size:               100,
		CompatibleTypeMask: 1,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, ErrNativeAllocationFailed))
	require.True(t, errors.Is(err, driverErr))
	require.False(t, errors.Is(err, ErrIncompatibleMemoryType))
}

func TestMaxMemoryAllocationCount(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 1))

	// Threshold is the whole heap, so 4MiB requests get two-chunk groups
	memory := expectBlock(ctrl, dev, 0, 8*1024*1024)

	first, err := pool.Allocate(AllocationRequest{
		Size:               gibibyte / 256,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Same(t, memory, first.NativeBlockHandle())

	// The device only permits one live block, so the pool never asks for a second
	_, err = pool.Allocate(AllocationRequest{
		Size:               gibibyte / 128,
		CompatibleTypeMask: 1,
	})
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, ErrNativeAllocationFailed))

	first.Free()
	memory.EXPECT().Free()
	require.NoError(t, pool.Destroy())
}

func TestEvictEmptyGroup(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	request := AllocationRequest{
		Size:               100,
		Alignment:          16,
		CompatibleTypeMask: 1,
	}

	memoryA := expectBlock(ctrl, dev, 0, 256)
	a1, err := pool.Allocate(request)
	require.NoError(t, err)
	a2, err := pool.Allocate(request)
	require.NoError(t, err)

	memoryB := expectBlock(ctrl, dev, 0, 512)
	b1, err := pool.Allocate(request)
	require.NoError(t, err)
	require.Same(t, memoryB, b1.NativeBlockHandle())

	// A goes from full to one free chunk and rejoins the active set
	a1.Free()
	require.NoError(t, pool.Validate())

	// A is now empty and B is still active, so A's block is freed
	memoryA.EXPECT().Free()
	a2.Free()
	require.NoError(t, pool.Validate())
	require.Equal(t, 1, pool.HeapStatistics(0).BlockCount)

	// B is the only group left, so it is retained
	b1.Free()
	require.NoError(t, pool.Validate())
	require.Equal(t, 1, pool.HeapStatistics(0).BlockCount)

	// The retained group serves the next request without a new native block
	b2, err := pool.Allocate(request)
	require.NoError(t, err)
	require.Same(t, memoryB, b2.NativeBlockHandle())
	b2.Free()

	memoryB.EXPECT().Free()
	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, pool.HeapStatistics(0).BlockCount)
}

func TestRetainOnlyGroup(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	memory := expectBlock(ctrl, dev, 0, 64)

	request := AllocationRequest{
		Size:               32,
		CompatibleTypeMask: 1,
	}

	// Alternating allocate and free must not create and destroy native blocks
	for i := 0; i < 10; i++ {
		alloc, err := pool.Allocate(request)
		require.NoError(t, err)
		require.Same(t, memory, alloc.NativeBlockHandle())
		alloc.Free()
	}

	require.NoError(t, pool.Validate())

	memory.EXPECT().Free()
	require.NoError(t, pool.Destroy())
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)

	dev, pool := readyPool(t, ctrl, deviceLocalSetup(gibibyte, 4096))

	memory := expectBlock(ctrl, dev, 0, 64)
	alloc, err := pool.Allocate(AllocationRequest{
		Size:               32,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	alloc.SetName("leaked")

	require.Error(t, pool.Destroy())

	memory.EXPECT().Free()
	alloc.Free()
	require.NoError(t, pool.Destroy())
}

func TestMemoryCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)

	var allocated, freed []int
	setup := deviceLocalSetup(gibibyte, 4096)
	setup.PoolOptions.MemoryCallbackOptions = &MemoryCallbackOptions{
		Allocate: func(pool *AllocationPool, memoryType int, memory device.Memory, size int, userData interface{}) {
			require.Equal(t, "callback data", userData)
			allocated = append(allocated, size)
		},
		Free: func(pool *AllocationPool, memoryType int, memory device.Memory, size int, userData interface{}) {
			freed = append(freed, size)
		},
		UserData: "callback data",
	}
	dev, pool := readyPool(t, ctrl, setup)

	memory := expectBlock(ctrl, dev, 0, 5000000)
	alloc, err := pool.Allocate(AllocationRequest{
		Size:               5000000,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Equal(t, []int{5000000}, allocated)
	require.Empty(t, freed)

	memory.EXPECT().Free()
	alloc.Free()
	require.Equal(t, []int{5000000}, freed)
}

func TestDedicatedGroupLeavesArenaWithRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)

	// Dedicated blocks are allocated and freed with no guard held, so the pool is consistent
	// from inside both callbacks
	var validateErrs []error
	setup := deviceLocalSetup(gibibyte, 4096)
	setup.PoolOptions.MemoryCallbackOptions = &MemoryCallbackOptions{
		Allocate: func(pool *AllocationPool, memoryType int, memory device.Memory, size int, userData interface{}) {
			validateErrs = append(validateErrs, pool.Validate())
		},
		Free: func(pool *AllocationPool, memoryType int, memory device.Memory, size int, userData interface{}) {
			require.Zero(t, pool.groups.Count())
			validateErrs = append(validateErrs, pool.Validate())
		},
	}
	dev, pool := readyPool(t, ctrl, setup)

	memory := expectBlock(ctrl, dev, 0, 5000000)
	alloc, err := pool.Allocate(AllocationRequest{
		Size:               5000000,
		CompatibleTypeMask: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 1, pool.groups.Count())
	require.Equal(t, 1, pool.dedicatedGroups.Count())
	require.NoError(t, pool.Validate())

	memory.EXPECT().Free()
	alloc.Free()
	require.Zero(t, pool.dedicatedGroups.Count())

	require.Len(t, validateErrs, 2)
	for _, err := range validateErrs {
		require.NoError(t, err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	ctrl := gomock.NewController(t)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, mocks.NewMockDevice(ctrl), CreateOptions{BaseChunkSize: 48})
	require.Error(t, err)

	_, err = New(logger, mocks.NewMockDevice(ctrl), CreateOptions{InitialGroupChunkCount: -1})
	require.Error(t, err)

	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().MemoryProperties().Return(&device.MemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 3},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: gibibyte},
		},
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 4096,
	}, nil)
	_, err = New(logger, dev, CreateOptions{})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "CreateExternallySynchronized", CreateExternallySynchronized.String())
}
