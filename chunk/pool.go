package chunk

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/chunkpool/chunk/internal/memory"
	"github.com/vkngwrapper/chunkpool/chunk/internal/utils"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/memutils"
	"golang.org/x/exp/slog"
)

const (
	// MaxSizeClassLevels is the number of size classes per memory type. Level k holds chunks of
	// baseChunkSize << k bytes.
	MaxSizeClassLevels int = 64
)

// AllocationPool sub-allocates device memory. Small requests are served from size-class subpools
// that slice native blocks into equal chunks; large requests get a native block of their own.
type AllocationPool struct {
	useMutex    bool
	logger      *slog.Logger
	createFlags CreateFlags

	deviceMemory           *memory.DeviceMemoryProperties
	baseChunkSize          int
	initialGroupChunkCount int

	thresholdOnce      sync.Once
	dedicatedThreshold int

	subpools [][MaxSizeClassLevels]sizeClassSubpool
	groups   groupArena

	dedicatedMutex  utils.OptionalMutex
	dedicatedGroups *swiss.Map[groupHandle, *allocationGroup]
}

// New creates a new AllocationPool
//
// logger - Receives debug traces for every public call and errors at the point of failure. May be nil.
//
// dev - The device that native blocks will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*AllocationPool, error) {
	if dev == nil {
		return nil, errors.New("chunk.New requires a device")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	pool := &AllocationPool{
		useMutex:    useMutex,
		logger:      logger,
		createFlags: options.Flags,

		baseChunkSize:          options.BaseChunkSize,
		initialGroupChunkCount: options.InitialGroupChunkCount,
	}

	if pool.baseChunkSize == 0 {
		pool.baseChunkSize = memory.CoherentBaseChunkSize
	}
	err := memutils.CheckPow2(pool.baseChunkSize, "chunk.CreateOptions.BaseChunkSize")
	if err != nil {
		return nil, err
	}

	if pool.initialGroupChunkCount == 0 {
		pool.initialGroupChunkCount = defaultInitialGroupChunkCount
	} else if pool.initialGroupChunkCount < 0 {
		return nil, errors.Newf("chunk.CreateOptions.InitialGroupChunkCount must not be negative, but was %d", options.InitialGroupChunkCount)
	}

	pool.deviceMemory, err = memory.NewDeviceMemoryProperties(dev, &memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Pool:      pool,
	})
	if err != nil {
		return nil, err
	}

	pool.groups.Init(useMutex)
	pool.dedicatedMutex.UseMutex = useMutex
	pool.dedicatedGroups = swiss.NewMap[groupHandle, *allocationGroup](8)

	memoryTypeCount := pool.deviceMemory.MemoryTypeCount()
	pool.subpools = make([][MaxSizeClassLevels]sizeClassSubpool, memoryTypeCount)
	for memoryTypeIndex := 0; memoryTypeIndex < memoryTypeCount; memoryTypeIndex++ {
		base := pool.deviceMemory.BaseChunkSize(memoryTypeIndex, pool.baseChunkSize)

		for level := 0; level < MaxSizeClassLevels; level++ {
			chunkSize := 0
			// Levels whose chunk size would overflow are left with a chunk size of 0 and never used
			if base <= math.MaxInt>>level {
				chunkSize = base << level
			}

			pool.subpools[memoryTypeIndex][level].Init(pool, useMutex, memoryTypeIndex, level, chunkSize, pool.initialGroupChunkCount)
		}
	}

	return pool, nil
}

// DedicatedThreshold is the largest request that will be served from a size class. It is computed
// from the device's heaps the first time it is needed.
func (p *AllocationPool) DedicatedThreshold() int {
	p.thresholdOnce.Do(func() {
		p.dedicatedThreshold = p.deviceMemory.DedicatedThreshold()
	})

	return p.dedicatedThreshold
}

// Allocate finds memory for a request. Memory types are tried in device order: the first type in
// the request's mask that carries the required properties and can produce an allocation wins.
//
// Errors are marked with ErrOutOfMemory and carry ErrIncompatibleMemoryType or ErrNativeAllocationFailed,
// except for malformed requests, which return ErrInvalidRequest.
func (p *AllocationPool) Allocate(request AllocationRequest) (*Allocation, error) {
	p.logger.Debug("AllocationPool::Allocate")

	err := request.validate()
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "invalid allocation request",
			slog.Int("Size", request.Size),
			slog.Int("Alignment", request.Alignment),
			slog.Any("error", err),
		)
		return nil, err
	}

	alignment := request.normalizedAlignment()
	threshold := p.DedicatedThreshold()

	var lastErr error
	for memoryTypeIndex := 0; memoryTypeIndex < p.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if request.CompatibleTypeMask&(1<<memoryTypeIndex) == 0 {
			continue
		}

		flags := p.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags
		if flags&request.RequiredProperties != request.RequiredProperties {
			continue
		}

		alloc, err := p.allocateOfType(memoryTypeIndex, request.Size, alignment, threshold)
		if err == nil {
			return alloc, nil
		}

		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.Wrapf(ErrIncompatibleMemoryType, "no memory type in mask %#x has properties %#x",
			request.CompatibleTypeMask, uint32(request.RequiredProperties))
	}

	p.logger.LogAttrs(context.Background(), slog.LevelError, "AllocationPool::Allocate FAILED",
		slog.Int("Size", request.Size),
		slog.Int("Alignment", alignment),
		slog.Any("error", lastErr),
	)
	return nil, errors.Mark(lastErr, ErrOutOfMemory)
}

func (p *AllocationPool) allocateOfType(memoryTypeIndex, size, alignment, threshold int) (*Allocation, error) {
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "AllocationPool::allocateOfType",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	if size <= threshold {
		alloc, err := p.allocatePooled(memoryTypeIndex, size, alignment)
		if err == nil {
			return alloc, nil
		}

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Pooling failed, falling back to dedicated group",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Any("error", err),
		)
	}

	return p.allocateDedicated(memoryTypeIndex, size)
}

// allocatePooled walks the size-class ladder from the smallest level that can hold size plus
// worst-case alignment padding
func (p *AllocationPool) allocatePooled(memoryTypeIndex, size, alignment int) (*Allocation, error) {
	needed := size + alignment - 1
	subpools := &p.subpools[memoryTypeIndex]

	for level := 0; level < MaxSizeClassLevels; level++ {
		subpool := &subpools[level]
		if subpool.chunkSize == 0 {
			break
		}
		if subpool.chunkSize < needed {
			continue
		}

		alloc, err := subpool.Acquire(alignment, size)
		if err == nil {
			return alloc, nil
		}

		if !errors.Is(err, ErrDoesNotFit) {
			return nil, err
		}
	}

	return nil, errors.Wrapf(ErrDoesNotFit, "no size class of memory type %d can hold %d bytes aligned to %d", memoryTypeIndex, size, alignment)
}

// bindAllocation creates the allocation handed out for a chunk. It must be called under the guard
// of the group's owner.
func (p *AllocationPool) bindAllocation(group *allocationGroup, chunkIndex, offset, size int) *Allocation {
	alloc := &Allocation{
		pool:            p,
		group:           group.handle,
		chunkIndex:      chunkIndex,
		offset:          offset,
		size:            size,
		memoryTypeIndex: group.owner.memoryTypeIndex,
		propertyFlags:   group.propertyFlags,
	}
	alloc.refCount.Store(1)
	group.Bind(chunkIndex, alloc)

	p.deviceMemory.AddAllocation(p.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex), size)
	return alloc
}

func (p *AllocationPool) releaseAllocation(alloc *Allocation) {
	group := p.groups.Get(alloc.group)
	p.deviceMemory.RemoveAllocation(p.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex), alloc.size)

	switch group.owner.kind {
	case groupOwnerPooled:
		p.subpools[group.owner.memoryTypeIndex][group.owner.level].Release(group, alloc.chunkIndex)
	case groupOwnerDedicated:
		p.releaseDedicated(group, alloc.chunkIndex)
	default:
		panic(errors.AssertionFailedf("group %s has unknown owner kind %s", group.handle, group.owner.kind))
	}
}

// detachGroup removes an empty group from the arena. It must be called under the owner's guard, in
// the same critical section that removes the group from the owner.
func (p *AllocationPool) detachGroup(group *allocationGroup) {
	if !group.IsEmpty() {
		panic(errors.AssertionFailedf("attempted to detach group %s, which still has %d live chunks", group.handle, group.liveCount))
	}

	p.groups.Remove(group.handle)
}

// destroyGroup frees the native block of a detached group. It is called without any guard held.
func (p *AllocationPool) destroyGroup(group *allocationGroup) {
	p.deviceMemory.FreeBlock(group.block)
	group.block = nil
}

func (p *AllocationPool) subpool(memoryTypeIndex, level int) *sizeClassSubpool {
	return &p.subpools[memoryTypeIndex][level]
}

// Validate checks the consistency of every group, subpool and the dedicated registry. It returns the
// first inconsistency found. Owners are locked one at a time, so the arena count is only
// guaranteed to match while no other goroutine is allocating or freeing.
func (p *AllocationPool) Validate() error {
	p.logger.Debug("AllocationPool::Validate")

	registered := 0
	for memoryTypeIndex := range p.subpools {
		for level := 0; level < MaxSizeClassLevels; level++ {
			subpool := p.subpool(memoryTypeIndex, level)
			err := subpool.Validate()
			if err != nil {
				return errors.Wrapf(err, "memory type %d level %d", memoryTypeIndex, level)
			}
			registered += subpool.GroupCount()
		}
	}

	dedicatedCount, err := p.validateDedicated()
	if err != nil {
		return err
	}
	registered += dedicatedCount

	if arenaCount := p.groups.Count(); arenaCount != registered {
		return errors.Newf("the arena holds %d groups, but owners hold %d", arenaCount, registered)
	}

	p.groups.Visit(func(handle groupHandle, group *allocationGroup) bool {
		if group.handle != handle {
			err = errors.Newf("arena slot %s holds group %s", handle, group.handle)
			return true
		}
		if group.block == nil {
			err = errors.Newf("arena slot %s holds a group whose block was freed", handle)
			return true
		}
		return false
	})

	return err
}

// Destroy frees every native block held by idle groups. If allocations are still live, each one is
// logged and an error is returned: their groups and blocks are left untouched.
func (p *AllocationPool) Destroy() error {
	p.logger.Debug("AllocationPool::Destroy")

	var liveGroups []*allocationGroup
	for memoryTypeIndex := range p.subpools {
		for level := 0; level < MaxSizeClassLevels; level++ {
			idle, live := p.subpool(memoryTypeIndex, level).DetachIdle()
			for _, group := range idle {
				p.destroyGroup(group)
			}
			liveGroups = append(liveGroups, live...)
		}
	}

	p.dedicatedMutex.Lock()
	p.dedicatedGroups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		liveGroups = append(liveGroups, group)
		return false
	})
	p.dedicatedMutex.Unlock()

	if len(liveGroups) > 0 {
		for _, group := range liveGroups {
			group.LogUnreleasedMemory()
		}

		return errors.Newf("%d allocation groups still held live allocations when the pool was destroyed", len(liveGroups))
	}

	return nil
}
