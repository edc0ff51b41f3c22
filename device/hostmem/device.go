// Package hostmem implements device.Device on top of anonymous host memory mappings. It is used
// to run chunk pools without a GPU: stress tools and tests exercise the same memory type, heap
// budget and flush alignment rules a real driver enforces.
package hostmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
)

var (
	// ErrOutOfDeviceMemory is returned when a block would push a heap past its size
	ErrOutOfDeviceMemory = errors.New("heap exhausted")
	// ErrTooManyObjects is returned when MaxMemoryAllocationCount blocks are already live
	ErrTooManyObjects = errors.New("too many live memory blocks")
	// ErrInvalidRange is returned from flush and invalidate for ranges a driver would reject
	ErrInvalidRange = errors.New("invalid mapped memory range")
)

const (
	MiB = 1024 * 1024

	defaultHeapSize = 256 * MiB
)

type Options struct {
	MemoryTypes              []core1_0.MemoryType
	MemoryHeaps              []core1_0.MemoryHeap
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
}

// DefaultOptions describes a discrete-GPU-like layout: a device-local type, a host-coherent type,
// and a host-cached non-coherent type, across two 256MiB heaps.
func DefaultOptions() Options {
	return Options{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  defaultHeapSize,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  defaultHeapSize,
				Flags: 0,
			},
		},
		NonCoherentAtomSize:      64,
		MaxMemoryAllocationCount: 4096,
	}
}

type Device struct {
	properties device.MemoryProperties

	mutex      sync.Mutex
	heapUsage  []int
	blockCount int

	flushCount      atomic.Int64
	invalidateCount atomic.Int64
}

var _ device.Device = &Device{}

func New(options Options) (*Device, error) {
	if len(options.MemoryTypes) == 0 {
		return nil, errors.New("hostmem.Options.MemoryTypes must contain at least one memory type")
	}

	for typeIndex, memoryType := range options.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(options.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, but only %d heaps were provided",
				typeIndex, memoryType.HeapIndex, len(options.MemoryHeaps))
		}
	}

	if options.NonCoherentAtomSize == 0 {
		options.NonCoherentAtomSize = 1
	}
	err := memutils.CheckPow2(options.NonCoherentAtomSize, "hostmem.Options.NonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	if options.MaxMemoryAllocationCount <= 0 {
		return nil, errors.Newf("hostmem.Options.MaxMemoryAllocationCount must be positive, but was %d", options.MaxMemoryAllocationCount)
	}

	return &Device{
		properties: device.MemoryProperties{
			MemoryTypes:              options.MemoryTypes,
			MemoryHeaps:              options.MemoryHeaps,
			NonCoherentAtomSize:      options.NonCoherentAtomSize,
			MaxMemoryAllocationCount: options.MaxMemoryAllocationCount,
		},
		heapUsage: make([]int, len(options.MemoryHeaps)),
	}, nil
}

func (d *Device) MemoryProperties() (*device.MemoryProperties, error) {
	properties := d.properties
	return &properties, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.properties.MemoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range", memoryTypeIndex)
	}
	if size < 1 {
		return nil, errors.Newf("attempted to allocate a block of %d bytes", size)
	}

	heapIndex := d.properties.MemoryTypes[memoryTypeIndex].HeapIndex
	err := d.reserve(heapIndex, size)
	if err != nil {
		return nil, err
	}

	data, err := mapBlock(size)
	if err != nil {
		d.release(heapIndex, size)
		return nil, errors.Wrapf(err, "cannot map %d bytes for memory type %d", size, memoryTypeIndex)
	}

	return &Memory{
		device:          d,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		data:            data,
	}, nil
}

func (d *Device) reserve(heapIndex, size int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.blockCount >= d.properties.MaxMemoryAllocationCount {
		return errors.Wrapf(ErrTooManyObjects, "%d blocks are live", d.blockCount)
	}

	heapSize := d.properties.MemoryHeaps[heapIndex].Size
	if d.heapUsage[heapIndex]+size > heapSize {
		return errors.Wrapf(ErrOutOfDeviceMemory, "heap %d has %d of %d bytes in use, cannot fit %d more",
			heapIndex, d.heapUsage[heapIndex], heapSize, size)
	}

	d.heapUsage[heapIndex] += size
	d.blockCount++
	return nil
}

func (d *Device) release(heapIndex, size int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.heapUsage[heapIndex] -= size
	d.blockCount--
}

func (d *Device) FlushMappedMemoryRanges(ranges []device.MappedRange) error {
	err := d.checkRanges(ranges)
	if err != nil {
		return err
	}

	d.flushCount.Add(int64(len(ranges)))
	return nil
}

func (d *Device) InvalidateMappedMemoryRanges(ranges []device.MappedRange) error {
	err := d.checkRanges(ranges)
	if err != nil {
		return err
	}

	d.invalidateCount.Add(int64(len(ranges)))
	return nil
}

func (d *Device) checkRanges(ranges []device.MappedRange) error {
	atomSize := d.properties.NonCoherentAtomSize

	for _, memRange := range ranges {
		memory, ok := memRange.Memory.(*Memory)
		if !ok || memory.device != d {
			return errors.Wrap(ErrInvalidRange, "range refers to memory that was not allocated from this device")
		}

		blockSize := len(memory.data)
		if memRange.Offset < 0 || memRange.Size < 1 || memRange.Offset+memRange.Size > blockSize {
			return errors.Wrapf(ErrInvalidRange, "range [%d, %d) is outside of block of size %d",
				memRange.Offset, memRange.Offset+memRange.Size, blockSize)
		}

		if memRange.Offset%atomSize != 0 {
			return errors.Wrapf(ErrInvalidRange, "offset %d is not a multiple of the atom size %d", memRange.Offset, atomSize)
		}

		end := memRange.Offset + memRange.Size
		if end != blockSize && memRange.Size%atomSize != 0 {
			return errors.Wrapf(ErrInvalidRange, "size %d is not a multiple of the atom size %d and does not reach the end of the block",
				memRange.Size, atomSize)
		}
	}

	return nil
}

// LiveBlockCount is the number of blocks that have been allocated and not yet freed
func (d *Device) LiveBlockCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.blockCount
}

// HeapUsage is the number of bytes of live blocks in the provided heap
func (d *Device) HeapUsage(heapIndex int) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.heapUsage[heapIndex]
}

func (d *Device) FlushCount() int64      { return d.flushCount.Load() }
func (d *Device) InvalidateCount() int64 { return d.invalidateCount.Load() }

// Memory is a single host mapping handed out as a native block
type Memory struct {
	device          *Device
	memoryTypeIndex int
	heapIndex       int

	mapped atomic.Bool
	freed  atomic.Bool
	data   []byte
}

var _ device.Memory = &Memory{}

func (m *Memory) Map() (unsafe.Pointer, error) {
	if m.freed.Load() {
		return nil, errors.New("attempted to map a block that has already been freed")
	}
	if !m.mapped.CompareAndSwap(false, true) {
		return nil, errors.New("attempted to map a block that is already mapped")
	}

	return unsafe.Pointer(&m.data[0]), nil
}

func (m *Memory) Unmap() {
	m.mapped.Store(false)
}

func (m *Memory) Free() {
	if !m.freed.CompareAndSwap(false, true) {
		panic("attempted to free a host memory block twice")
	}

	size := len(m.data)
	_ = unmapBlock(m.data)
	m.data = nil
	m.device.release(m.heapIndex, size)
}

func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *Memory) Size() int            { return len(m.data) }
func (m *Memory) IsMapped() bool       { return m.mapped.Load() }
