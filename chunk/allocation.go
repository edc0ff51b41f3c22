package chunk

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type cacheOperation byte

const (
	cacheOperationFlush cacheOperation = iota
	cacheOperationInvalidate
)

var cacheOperationMapping = make(map[cacheOperation]string)

func (o cacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[cacheOperationFlush] = "cacheOperationFlush"
	cacheOperationMapping[cacheOperationInvalidate] = "cacheOperationInvalidate"
}

// Allocation is a reference-counted lease on a region of a native block. It is created with a
// single reference: the region returns to the pool when Free has been called once more than AddRef.
type Allocation struct {
	pool  *AllocationPool
	group groupHandle

	chunkIndex      int
	offset          int
	size            int
	memoryTypeIndex int
	propertyFlags   core1_0.MemoryPropertyFlags

	refCount atomic.Int32
	mapped   atomic.Bool

	name     string
	userData any
}

// SetName is not safe to call concurrently with pool statistics or Destroy, which read the name
func (a *Allocation) SetName(name string) {
	a.name = name
}

// SetUserData has the same restriction as SetName
func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

// Size is the number of bytes requested for this allocation
func (a *Allocation) Size() int { return a.size }

// Offset is the aligned position of this allocation within its native block
func (a *Allocation) Offset() int { return a.offset }

func (a *Allocation) MemoryTypeIndex() int                       { return a.memoryTypeIndex }
func (a *Allocation) PropertyFlags() core1_0.MemoryPropertyFlags { return a.propertyFlags }

// NativeBlockHandle is the device memory that holds this allocation. Buffers and images should be
// bound to it at Offset.
func (a *Allocation) NativeBlockHandle() device.Memory {
	return a.pool.groups.Get(a.group).block.Memory()
}

func (a *Allocation) isHostVisible() bool {
	return a.propertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (a *Allocation) isHostNonCoherent() bool {
	return a.propertyFlags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// AddRef adds a reference to this allocation, which must be matched by a call to Free
func (a *Allocation) AddRef() {
	if a.refCount.Add(1) <= 1 {
		panic(errors.AssertionFailedf("attempted to add a reference to an allocation that has already been freed"))
	}
}

// Free drops a reference to this allocation. When the last reference is dropped, the region is
// returned to the pool and the allocation must not be used again.
func (a *Allocation) Free() {
	a.pool.logger.Debug("Allocation::Free")

	newCount := a.refCount.Add(-1)
	if newCount > 0 {
		return
	} else if newCount < 0 {
		panic(errors.AssertionFailedf("attempted to free an allocation that has already been freed"))
	}

	if a.mapped.Load() {
		a.pool.logger.LogAttrs(context.Background(), slog.LevelWarn, "freed an allocation that is still mapped",
			slog.Int("Offset", a.offset),
			slog.Int("Size", a.size),
			slog.String("name", a.name),
		)
	}

	a.pool.releaseAllocation(a)
}

// Map returns a host pointer to the start of this allocation. If read is true and the memory is not
// host-coherent, the host cache is invalidated first so device writes are visible.
//
// Mapping memory that is not host-visible, or mapping an allocation that is already mapped, fails with
// ErrInvalidMapRequest and a nil pointer.
func (a *Allocation) Map(read bool) (unsafe.Pointer, error) {
	a.pool.logger.Debug("Allocation::Map")

	if !a.isHostVisible() {
		return nil, a.invalidMapRequest(errors.Wrapf(ErrInvalidMapRequest, "memory type %d is not host-visible", a.memoryTypeIndex))
	}

	if !a.mapped.CompareAndSwap(false, true) {
		return nil, a.invalidMapRequest(errors.Wrap(ErrInvalidMapRequest, "the allocation is already mapped"))
	}

	group := a.pool.groups.Get(a.group)

	if read && a.isHostNonCoherent() {
		err := a.flushOrInvalidate(group, cacheOperationInvalidate)
		if err != nil {
			a.mapped.Store(false)
			return nil, err
		}
	}

	return unsafe.Add(group.block.MappedData(), a.offset), nil
}

// Unmap ends a mapping started with Map. If write is true and the memory is not host-coherent, host
// writes are flushed to the device.
func (a *Allocation) Unmap(write bool) error {
	a.pool.logger.Debug("Allocation::Unmap")

	if !a.mapped.CompareAndSwap(true, false) {
		return a.invalidMapRequest(errors.Wrap(ErrInvalidMapRequest, "the allocation is not mapped"))
	}

	if write && a.isHostNonCoherent() {
		return a.flushOrInvalidate(a.pool.groups.Get(a.group), cacheOperationFlush)
	}

	return nil
}

func (a *Allocation) IsMapped() bool {
	return a.mapped.Load()
}

func (a *Allocation) invalidMapRequest(err error) error {
	a.pool.logger.LogAttrs(context.Background(), slog.LevelError, "invalid map request",
		slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
		slog.Int("Offset", a.offset),
		slog.Int("Size", a.size),
		slog.Any("error", err),
	)
	return err
}

// mappedRange is the atom-aligned range that covers this allocation, clamped to the native block
func (a *Allocation) mappedRange(group *allocationGroup) device.MappedRange {
	atomSize := uint(a.pool.deviceMemory.NonCoherentAtomSize())
	blockSize := group.block.Size()

	start := memutils.AlignDown(a.offset, atomSize)
	end := memutils.Min(memutils.AlignUp(a.offset+a.size, atomSize), blockSize)

	chunkStart := group.ChunkStart(a.chunkIndex)
	if start < chunkStart || end > chunkStart+group.chunkSize {
		a.pool.logger.LogAttrs(context.Background(), slog.LevelWarn, "atom-aligned range reaches into neighboring chunks",
			slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
			slog.Int("RangeStart", start),
			slog.Int("RangeEnd", end),
			slog.Int("ChunkStart", chunkStart),
			slog.Int("ChunkEnd", chunkStart+group.chunkSize),
		)
	}

	return device.MappedRange{
		Memory: group.block.Memory(),
		Offset: start,
		Size:   end - start,
	}
}

func (a *Allocation) flushOrInvalidate(group *allocationGroup, operation cacheOperation) error {
	ranges := []device.MappedRange{a.mappedRange(group)}

	var err error
	switch operation {
	case cacheOperationFlush:
		err = a.pool.deviceMemory.Device().FlushMappedMemoryRanges(ranges)
	case cacheOperationInvalidate:
		err = a.pool.deviceMemory.Device().InvalidateMappedMemoryRanges(ranges)
	default:
		panic(fmt.Sprintf("unknown cache operation %s", operation))
	}

	if err != nil {
		a.pool.logger.LogAttrs(context.Background(), slog.LevelError, "failed to synchronize mapped range",
			slog.String("Operation", operation.String()),
			slog.Int("Offset", ranges[0].Offset),
			slog.Int("Size", ranges[0].Size),
			slog.Any("error", err),
		)
		return errors.Wrapf(err, "%s failed", operation)
	}

	return nil
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
