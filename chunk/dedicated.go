package chunk

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/chunkpool/memutils"
	"golang.org/x/exp/slog"
)

// allocateDedicated gives a request a native block of its own, wrapped in a single-chunk group
// guarded by the pool's dedicated mutex
func (p *AllocationPool) allocateDedicated(memoryTypeIndex, size int) (*Allocation, error) {
	block, err := p.deviceMemory.AllocateBlock(memoryTypeIndex, size)
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to allocate native block for dedicated group",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Int("Size", size),
			slog.Any("error", err),
		)
		return nil, errors.Mark(
			errors.Wrapf(err, "could not allocate dedicated block of %d bytes from memory type %d", size, memoryTypeIndex),
			ErrNativeAllocationFailed,
		)
	}

	group := newAllocationGroup(
		p.logger,
		block,
		groupOwner{kind: groupOwnerDedicated, memoryTypeIndex: memoryTypeIndex, level: -1},
		p.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags,
		size,
		1,
	)
	p.dedicatedMutex.Lock()
	defer p.dedicatedMutex.Unlock()

	handle := p.groups.Insert(group)

	chunkIndex, offset, err := group.Allocate(1, size)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "dedicated group %s rejected the allocation it was sized for", handle))
	}
	p.dedicatedGroups.Put(handle, group)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated as dedicated group",
		slog.String("group.handle", handle.String()),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)

	return p.bindAllocation(group, chunkIndex, offset, size), nil
}

func (p *AllocationPool) releaseDedicated(group *allocationGroup, chunkIndex int) {
	p.dedicatedMutex.Lock()
	_, nowEmpty := group.Release(chunkIndex)
	if !nowEmpty {
		p.dedicatedMutex.Unlock()
		panic(errors.AssertionFailedf("dedicated group %s still has live chunks after its only chunk was released", group.handle))
	}
	p.dedicatedGroups.Delete(group.handle)
	p.detachGroup(group)
	p.dedicatedMutex.Unlock()

	p.destroyGroup(group)
}

func (p *AllocationPool) validateDedicated() (int, error) {
	p.dedicatedMutex.Lock()
	defer p.dedicatedMutex.Unlock()

	var err error
	p.dedicatedGroups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		err = group.Validate()
		if err != nil {
			return true
		}

		if group.owner.kind != groupOwnerDedicated || group.chunkCount != 1 {
			err = errors.Newf("group %s is registered as dedicated but is %s with %d chunks", handle, group.owner.kind, group.chunkCount)
			return true
		}

		if group.IsEmpty() {
			err = errors.Newf("dedicated group %s has no live allocation", handle)
			return true
		}

		return false
	})

	return p.dedicatedGroups.Count(), err
}

func (p *AllocationPool) addDedicatedStatistics(memoryTypeIndex int, stats *memutils.DetailedStatistics) {
	p.dedicatedMutex.Lock()
	defer p.dedicatedMutex.Unlock()

	p.dedicatedGroups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		if group.owner.memoryTypeIndex == memoryTypeIndex {
			group.AddDetailedStatistics(stats)
		}
		return false
	})
}

func (p *AllocationPool) printDedicatedGroups(memoryTypeIndex int, writer *jwriter.Writer) {
	p.dedicatedMutex.Lock()
	defer p.dedicatedMutex.Unlock()

	s := writer.Array()
	defer s.End()

	p.dedicatedGroups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		if group.owner.memoryTypeIndex != memoryTypeIndex {
			return false
		}

		for chunkIndex, alloc := range group.chunks {
			if alloc == nil {
				continue
			}

			o := s.Object()
			o.Name("Handle").String(handle.String())
			o.Name("Chunk").Int(chunkIndex)
			alloc.printParameters(&o)
			o.End()
		}
		return false
	})
}
