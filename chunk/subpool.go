package chunk

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/chunkpool/chunk/internal/utils"
	"github.com/vkngwrapper/chunkpool/memutils"
	"golang.org/x/exp/slog"
)

// sizeClassSubpool hands out chunks of a single size for a single memory type
type sizeClassSubpool struct {
	mutex utils.OptionalMutex
	pool  *AllocationPool

	memoryTypeIndex int
	level           int
	chunkSize       int

	// Groups with at least one free chunk
	activeGroups *swiss.Map[groupHandle, *allocationGroup]
	// Every group owned by this subpool, full or not
	groups *swiss.Map[groupHandle, *allocationGroup]

	nextGroupChunkCount int
}

func (s *sizeClassSubpool) Init(pool *AllocationPool, useMutex bool, memoryTypeIndex, level, chunkSize, initialGroupChunkCount int) {
	s.mutex.UseMutex = useMutex
	s.pool = pool
	s.memoryTypeIndex = memoryTypeIndex
	s.level = level
	s.chunkSize = chunkSize
	s.nextGroupChunkCount = initialGroupChunkCount
}

// Acquire takes a chunk from an active group, creating a new group when none are active
func (s *sizeClassSubpool) Acquire(alignment, size int) (*Allocation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.activeGroups == nil {
		s.activeGroups = swiss.NewMap[groupHandle, *allocationGroup](4)
		s.groups = swiss.NewMap[groupHandle, *allocationGroup](4)
	}

	if s.activeGroups.Count() == 0 {
		err := s.createGroup()
		if err != nil {
			return nil, err
		}
	}

	var group *allocationGroup
	s.activeGroups.Iter(func(handle groupHandle, candidate *allocationGroup) bool {
		group = candidate
		return true
	})

	chunkIndex, offset, err := group.Allocate(alignment, size)
	if err != nil {
		return nil, err
	}

	if group.IsFull() {
		s.activeGroups.Delete(group.handle)
	}

	alloc := s.pool.bindAllocation(group, chunkIndex, offset, size)
	memutils.DebugValidate(group)
	return alloc, nil
}

// createGroup must be called with the subpool's mutex held
func (s *sizeClassSubpool) createGroup() error {
	chunkCount := s.nextGroupChunkCount * 2
	// Compared by division: chunkSize*chunkCount overflows on the highest levels
	if chunkCount > 1 && chunkCount > s.pool.DedicatedThreshold()/s.chunkSize {
		chunkCount /= 2
	}

	blockSize := s.chunkSize * chunkCount
	block, err := s.pool.deviceMemory.AllocateBlock(s.memoryTypeIndex, blockSize)
	if err != nil {
		s.pool.logger.LogAttrs(context.Background(), slog.LevelError, "failed to allocate native block for size class",
			slog.Int("MemoryTypeIndex", s.memoryTypeIndex),
			slog.Int("Level", s.level),
			slog.Int("Size", blockSize),
			slog.Any("error", err),
		)
		return errors.Mark(
			errors.Wrapf(err, "could not allocate %d chunks of %d bytes from memory type %d", chunkCount, s.chunkSize, s.memoryTypeIndex),
			ErrNativeAllocationFailed,
		)
	}

	s.nextGroupChunkCount = chunkCount

	group := newAllocationGroup(
		s.pool.logger,
		block,
		groupOwner{kind: groupOwnerPooled, memoryTypeIndex: s.memoryTypeIndex, level: s.level},
		s.pool.deviceMemory.MemoryTypeProperties(s.memoryTypeIndex).PropertyFlags,
		s.chunkSize,
		chunkCount,
	)
	handle := s.pool.groups.Insert(group)
	s.activeGroups.Put(handle, group)
	s.groups.Put(handle, group)

	s.pool.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created allocation group",
		slog.String("group.handle", handle.String()),
		slog.Int("ChunkSize", s.chunkSize),
		slog.Int("ChunkCount", chunkCount),
	)
	return nil
}

// Release returns a chunk to its group, evicting the group if it is empty and other groups are
// active. The evicted group's native block is freed after the mutex is released.
func (s *sizeClassSubpool) Release(group *allocationGroup, chunkIndex int) {
	var evicted *allocationGroup

	s.mutex.Lock()
	wasFull, nowEmpty := group.Release(chunkIndex)
	memutils.DebugValidate(group)
	if wasFull {
		s.activeGroups.Put(group.handle, group)
	}
	if nowEmpty && s.activeGroups.Count() > 1 {
		s.activeGroups.Delete(group.handle)
		s.groups.Delete(group.handle)
		s.pool.detachGroup(group)
		evicted = group
	}
	s.mutex.Unlock()

	if evicted != nil {
		s.pool.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Evicted empty allocation group",
			slog.String("group.handle", evicted.handle.String()),
			slog.Int("MemoryTypeIndex", s.memoryTypeIndex),
		)
		s.pool.destroyGroup(evicted)
	}
}

// DetachIdle removes every group with no live chunks and returns them. It is used when the
// pool is destroyed.
func (s *sizeClassSubpool) DetachIdle() (idle []*allocationGroup, liveGroups []*allocationGroup) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.groups == nil {
		return nil, nil
	}

	s.groups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		if group.IsEmpty() {
			idle = append(idle, group)
		} else {
			liveGroups = append(liveGroups, group)
		}
		return false
	})

	for _, group := range idle {
		s.groups.Delete(group.handle)
		s.activeGroups.Delete(group.handle)
		s.pool.detachGroup(group)
	}

	return idle, liveGroups
}

func (s *sizeClassSubpool) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.groups == nil {
		return nil
	}

	var err error
	s.groups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		err = group.Validate()
		if err != nil {
			return true
		}

		if group.handle != handle {
			err = errors.Newf("group %s is registered under handle %s", group.handle, handle)
			return true
		}

		if group.owner.kind != groupOwnerPooled || group.owner.memoryTypeIndex != s.memoryTypeIndex || group.owner.level != s.level {
			err = errors.Newf("group %s is not owned by the subpool for memory type %d level %d", handle, s.memoryTypeIndex, s.level)
			return true
		}

		if group.chunkSize != s.chunkSize {
			err = errors.Newf("group %s has %d-byte chunks but its subpool uses %d-byte chunks", handle, group.chunkSize, s.chunkSize)
			return true
		}

		if group.IsFull() == s.activeGroups.Has(handle) {
			err = errors.Newf("group %s has %d free chunks, but its membership in the active set is %t",
				handle, group.FreeCount(), s.activeGroups.Has(handle))
			return true
		}

		return false
	})
	if err != nil {
		return err
	}

	// Every active group must be registered with the subpool
	s.activeGroups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		if !s.groups.Has(handle) {
			err = errors.Newf("active group %s is not registered with its subpool", handle)
			return true
		}
		return false
	})

	return err
}

func (s *sizeClassSubpool) AddStatistics(stats *memutils.Statistics) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.groups == nil {
		return
	}

	s.groups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		group.AddStatistics(stats)
		return false
	})
}

func (s *sizeClassSubpool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.groups == nil {
		return
	}

	s.groups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		group.AddDetailedStatistics(stats)
		return false
	})
}

func (s *sizeClassSubpool) IsUnused() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.groups == nil || s.groups.Count() == 0
}

func (s *sizeClassSubpool) PrintDetailedMap(json *jwriter.ObjectState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	json.Name("Level").Int(s.level)
	json.Name("ChunkSize").Int(s.chunkSize)
	json.Name("NextGroupChunkCount").Int(s.nextGroupChunkCount)

	groups := json.Name("Groups").Array()
	defer groups.End()

	if s.groups == nil {
		return
	}

	s.groups.Iter(func(handle groupHandle, group *allocationGroup) bool {
		obj := groups.Object()
		obj.Name("Handle").String(handle.String())
		group.PrintDetailedMap(&obj)
		obj.End()
		return false
	})
}

func (s *sizeClassSubpool) GroupCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.groups == nil {
		return 0
	}
	return s.groups.Count()
}
