package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

const (
	// CoherentBaseChunkSize is the level 0 chunk size for every memory type that does not need
	// atom-aligned flushes
	CoherentBaseChunkSize int = 32

	maxAllocationCountDivisor int = 256
	minDedicatedThreshold     int = 256
)

// ErrTooManyObjects is returned when allocating another block would exceed the device's
// MaxMemoryAllocationCount
var ErrTooManyObjects = errors.New("device allocation count limit reached")

type MemoryCallbacks interface {
	Allocate(memoryType int, memory device.Memory, size int)
	Free(memoryType int, memory device.Memory, size int)
}

type DeviceMemoryProperties struct {
	// Number of native blocks that have been allocated from each heap
	blockCount []int32
	// Size of native blocks that have been allocated from each heap
	blockBytes []int64
	// Number of user allocations that have been doled out from each heap- this includes
	// dedicated allocations and pooled chunks
	allocationCount []int32
	// Requested size of user allocations that have been doled out from each heap
	allocationBytes []int64

	memoryCount     uint32
	memoryCallbacks MemoryCallbacks

	device     device.Device
	properties *device.MemoryProperties
}

func NewDeviceMemoryProperties(dev device.Device, memoryCallbacks MemoryCallbacks) (*DeviceMemoryProperties, error) {
	properties, err := dev.MemoryProperties()
	if err != nil {
		return nil, err
	}
	if properties == nil {
		return nil, errors.New("device reported nil memory properties")
	}

	if properties.NonCoherentAtomSize < 1 {
		properties.NonCoherentAtomSize = 1
	}
	err = memutils.CheckPow2(properties.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(properties.MemoryHeaps)
	for typeIndex, memoryType := range properties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps",
				typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	if len(properties.MemoryTypes) > 32 {
		return nil, errors.Newf("device reported %d memory types, but memory type masks only hold 32", len(properties.MemoryTypes))
	}

	return &DeviceMemoryProperties{
		blockCount:      make([]int32, heapCount),
		blockBytes:      make([]int64, heapCount),
		allocationCount: make([]int32, heapCount),
		allocationBytes: make([]int64, heapCount),

		memoryCallbacks: memoryCallbacks,
		device:          dev,
		properties:      properties,
	}, nil
}

func (m *DeviceMemoryProperties) Device() device.Device {
	return m.device
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.properties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.properties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.properties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.properties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.properties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) NonCoherentAtomSize() int {
	return m.properties.NonCoherentAtomSize
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// BaseChunkSize is the size of level 0 chunks for a memory type. Non-coherent memory uses the
// atom size so that flushes of neighboring chunks line up with chunk boundaries where possible.
func (m *DeviceMemoryProperties) BaseChunkSize(memoryTypeIndex int, coherentSize int) int {
	if m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		return m.properties.NonCoherentAtomSize
	}

	return coherentSize
}

// VRAMCapacity is the total size of the device-local heaps, or of all heaps when the device
// does not flag any heap as device-local
func (m *DeviceMemoryProperties) VRAMCapacity() int {
	var deviceLocal, total int
	for _, heap := range m.properties.MemoryHeaps {
		total += heap.Size
		if heap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			deviceLocal += heap.Size
		}
	}

	if deviceLocal > 0 {
		return deviceLocal
	}
	return total
}

// DedicatedThreshold is the largest request size that is served from size-class subpools
func (m *DeviceMemoryProperties) DedicatedThreshold() int {
	allocationCount := m.properties.MaxMemoryAllocationCount
	if allocationCount < 1 || allocationCount > maxAllocationCountDivisor {
		allocationCount = maxAllocationCountDivisor
	}

	return memutils.Max(m.VRAMCapacity()/allocationCount, minDedicatedThreshold)
}

// AllocateBlock allocates a native block from the device and, for host-visible memory types,
// maps it for the lifetime of the block
func (m *DeviceMemoryProperties) AllocateBlock(memoryTypeIndex int, size int) (block *Block, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.properties.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, errors.Wrapf(ErrTooManyObjects, "%d native blocks are already live", newDeviceCount-1)
	}

	memory, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	block = &Block{
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
	}

	if m.IsMemoryTypeHostVisible(memoryTypeIndex) {
		block.mappedData, err = memory.Map()
		if err != nil {
			memory.Free()
			return nil, errors.Wrapf(err, "failed to map native block of %d bytes", size)
		}
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return block, nil
}

func (m *DeviceMemoryProperties) FreeBlock(block *Block) {
	if block == nil || block.memory == nil {
		panic("attempting to free a native block that has no backing memory")
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(block.memoryTypeIndex, block.memory, block.size)
	}

	if block.mappedData != nil {
		block.memory.Unmap()
		block.mappedData = nil
	}
	block.memory.Free()

	heapIndex := m.MemoryTypeIndexToHeapIndex(block.memoryTypeIndex)
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-block.size))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}

	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
	block.memory = nil
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int) memutils.Statistics {
	return memutils.Statistics{
		BlockCount:      int(atomic.LoadInt32(&m.blockCount[heapIndex])),
		AllocationCount: int(atomic.LoadInt32(&m.allocationCount[heapIndex])),
		BlockBytes:      int(atomic.LoadInt64(&m.blockBytes[heapIndex])),
		AllocationBytes: int(atomic.LoadInt64(&m.allocationBytes[heapIndex])),
	}
}

// BlockCount is the number of live native blocks across every heap
func (m *DeviceMemoryProperties) BlockCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// Block is a native block of device memory, persistently mapped when its memory type is
// host-visible
type Block struct {
	memory          device.Memory
	memoryTypeIndex int
	size            int
	mappedData      unsafe.Pointer
}

func (b *Block) Memory() device.Memory      { return b.memory }
func (b *Block) MemoryTypeIndex() int       { return b.memoryTypeIndex }
func (b *Block) Size() int                  { return b.size }
func (b *Block) MappedData() unsafe.Pointer { return b.mappedData }
