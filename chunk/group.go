package chunk

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/chunkpool/chunk/internal/memory"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

type groupOwnerKind byte

const (
	groupOwnerPooled groupOwnerKind = iota
	groupOwnerDedicated
)

var groupOwnerKindMapping = make(map[groupOwnerKind]string)

func (k groupOwnerKind) String() string {
	return groupOwnerKindMapping[k]
}

func init() {
	groupOwnerKindMapping[groupOwnerPooled] = "groupOwnerPooled"
	groupOwnerKindMapping[groupOwnerDedicated] = "groupOwnerDedicated"
}

// groupOwner says which guard protects a group: the subpool at (memoryTypeIndex, level) for pooled
// groups, or the pool's dedicated mutex
type groupOwner struct {
	kind            groupOwnerKind
	memoryTypeIndex int
	level           int
}

// allocationGroup slices one native block into chunkCount chunks of chunkSize bytes. It holds no
// lock of its own: every method must be called under the owner's guard.
type allocationGroup struct {
	logger *slog.Logger
	handle groupHandle
	owner  groupOwner

	block         *memory.Block
	propertyFlags core1_0.MemoryPropertyFlags
	chunkSize     int
	chunkCount    int

	// Stack of free chunk indices, popped from the end
	freeList []int
	// Allocation occupying each chunk, nil when the chunk is free
	chunks    []*Allocation
	liveCount int
}

func newAllocationGroup(logger *slog.Logger, block *memory.Block, owner groupOwner, propertyFlags core1_0.MemoryPropertyFlags, chunkSize, chunkCount int) *allocationGroup {
	if block == nil || block.Memory() == nil {
		panic("attempting to create an allocation group using a nil memory block")
	}
	if chunkSize*chunkCount > block.Size() {
		panic(fmt.Sprintf("allocation group of %d chunks of %d bytes does not fit in block of size %d", chunkCount, chunkSize, block.Size()))
	}

	freeList := make([]int, chunkCount)
	for i := range freeList {
		// Chunk 0 ends up on top of the stack
		freeList[i] = chunkCount - 1 - i
	}

	return &allocationGroup{
		logger:        logger,
		owner:         owner,
		block:         block,
		propertyFlags: propertyFlags,
		chunkSize:     chunkSize,
		chunkCount:    chunkCount,
		freeList:      freeList,
		chunks:        make([]*Allocation, chunkCount),
	}
}

func (g *allocationGroup) FreeCount() int { return len(g.freeList) }
func (g *allocationGroup) IsEmpty() bool  { return g.liveCount == 0 }
func (g *allocationGroup) IsFull() bool   { return len(g.freeList) == 0 }

func (g *allocationGroup) ChunkStart(chunkIndex int) int {
	return chunkIndex * g.chunkSize
}

// Allocate pops a free chunk and places an aligned region of size bytes at the start of it.
// The returned offset is relative to the start of the native block.
func (g *allocationGroup) Allocate(alignment, size int) (chunkIndex int, offset int, err error) {
	memutils.DebugCheckPow2(alignment, "alignment")

	if size > g.chunkSize {
		err = errors.Wrapf(ErrInvalidRequest, "requested %d bytes from a group with %d-byte chunks", size, g.chunkSize)
		g.logger.LogAttrs(context.Background(), slog.LevelError, "attempted to allocate a region larger than the chunk size",
			slog.Int("Size", size),
			slog.Int("ChunkSize", g.chunkSize),
			slog.Int("MemoryTypeIndex", g.owner.memoryTypeIndex),
		)
		return -1, 0, err
	}

	if len(g.freeList) == 0 {
		return -1, 0, errors.AssertionFailedf("attempted to allocate from group %s, which has no free chunks", g.handle)
	}

	chunkIndex = g.freeList[len(g.freeList)-1]
	g.freeList = g.freeList[:len(g.freeList)-1]

	chunkStart := g.ChunkStart(chunkIndex)
	offset = memutils.AlignUp(chunkStart, uint(alignment))

	if offset+size > chunkStart+g.chunkSize {
		// Chunk isn't consumed
		g.freeList = append(g.freeList, chunkIndex)
		return -1, 0, errors.Wrapf(ErrDoesNotFit, "%d bytes aligned to %d do not fit in a %d-byte chunk", size, alignment, g.chunkSize)
	}

	g.liveCount++
	return chunkIndex, offset, nil
}

// Bind records the allocation that holds a chunk returned from Allocate
func (g *allocationGroup) Bind(chunkIndex int, alloc *Allocation) {
	if g.chunks[chunkIndex] != nil {
		panic(fmt.Sprintf("chunk %d of group %s is already bound to an allocation", chunkIndex, g.handle))
	}
	g.chunks[chunkIndex] = alloc
}

// Release returns a chunk to the free list and reports whether the group had no free chunks before
// the release, and whether it has no live chunks after it
func (g *allocationGroup) Release(chunkIndex int) (wasFull bool, nowEmpty bool) {
	if chunkIndex < 0 || chunkIndex >= g.chunkCount {
		panic(errors.AssertionFailedf("attempted to release chunk %d from group %s, which only has %d chunks", chunkIndex, g.handle, g.chunkCount))
	}
	if g.chunks[chunkIndex] == nil {
		panic(errors.AssertionFailedf("attempted to release chunk %d from group %s, but it is not live", chunkIndex, g.handle))
	}

	wasFull = len(g.freeList) == 0

	g.chunks[chunkIndex] = nil
	g.freeList = append(g.freeList, chunkIndex)
	g.liveCount--

	return wasFull, g.liveCount == 0
}

func (g *allocationGroup) Validate() error {
	if g.block == nil || g.block.Memory() == nil {
		return errors.Newf("group %s has no native block", g.handle)
	}

	if len(g.freeList)+g.liveCount != g.chunkCount {
		return errors.Newf("group %s has %d free chunks and %d live chunks, but %d chunks in total",
			g.handle, len(g.freeList), g.liveCount, g.chunkCount)
	}

	seen := make([]bool, g.chunkCount)
	for _, chunkIndex := range g.freeList {
		if chunkIndex < 0 || chunkIndex >= g.chunkCount {
			return errors.Newf("group %s has out-of-range chunk %d in its free list", g.handle, chunkIndex)
		}
		if seen[chunkIndex] {
			return errors.Newf("group %s has chunk %d in its free list twice", g.handle, chunkIndex)
		}
		if g.chunks[chunkIndex] != nil {
			return errors.Newf("group %s has live chunk %d in its free list", g.handle, chunkIndex)
		}
		seen[chunkIndex] = true
	}

	for chunkIndex, alloc := range g.chunks {
		if alloc == nil {
			continue
		}
		if seen[chunkIndex] {
			return errors.Newf("group %s chunk %d is both free and live", g.handle, chunkIndex)
		}

		chunkStart := g.ChunkStart(chunkIndex)
		if alloc.offset < chunkStart || alloc.offset+alloc.size > chunkStart+g.chunkSize {
			return errors.Newf("group %s chunk %d holds region [%d, %d), which leaves the chunk [%d, %d)",
				g.handle, chunkIndex, alloc.offset, alloc.offset+alloc.size, chunkStart, chunkStart+g.chunkSize)
		}
	}

	return nil
}

func (g *allocationGroup) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += g.block.Size()
	stats.AllocationCount += g.liveCount

	for _, alloc := range g.chunks {
		if alloc != nil {
			stats.AllocationBytes += alloc.size
		}
	}
}

func (g *allocationGroup) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(g.block.Size())

	for _, alloc := range g.chunks {
		if alloc != nil {
			stats.AddAllocation(alloc.size)
		} else {
			stats.AddUnusedRange(g.chunkSize)
		}
	}
}

func (g *allocationGroup) LogUnreleasedMemory() {
	for _, alloc := range g.chunks {
		if alloc == nil {
			continue
		}

		name := alloc.Name()
		if name == "" {
			name = "empty"
		}

		g.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("offset", alloc.offset),
			slog.Int("size", alloc.size),
			slog.Any("userData", alloc.UserData()),
			slog.String("name", name),
		)
	}
}

func (g *allocationGroup) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("ChunkSize").Int(g.chunkSize)
	json.Name("ChunkCount").Int(g.chunkCount)
	json.Name("FreeChunks").Int(len(g.freeList))
	json.Name("BlockBytes").Int(g.block.Size())

	chunks := json.Name("Chunks").Array()
	defer chunks.End()

	for chunkIndex, alloc := range g.chunks {
		if alloc == nil {
			continue
		}

		obj := chunks.Object()
		obj.Name("Chunk").Int(chunkIndex)
		obj.Name("Offset").Int(alloc.offset)
		alloc.printParameters(&obj)
		obj.End()
	}
}
