package chunk

import (
	"fmt"

	"github.com/vkngwrapper/chunkpool/chunk/internal/utils"
)

// groupHandle identifies an allocation group in the pool's arena. The generation changes every time
// a slot is reused, so a handle held past its group's destruction is detected instead of silently
// resolving to a newer group.
type groupHandle struct {
	index      uint32
	generation uint32
}

func (h groupHandle) String() string {
	return fmt.Sprintf("%d:%d", h.index, h.generation)
}

type arenaSlot struct {
	generation uint32
	group      *allocationGroup
}

type groupArena struct {
	mutex utils.OptionalRWMutex

	slots     []arenaSlot
	freeSlots []uint32
	liveCount int
}

func (a *groupArena) Init(useMutex bool) {
	a.mutex.UseMutex = useMutex
}

func (a *groupArena) Insert(group *allocationGroup) groupHandle {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var index uint32
	if len(a.freeSlots) > 0 {
		index = a.freeSlots[len(a.freeSlots)-1]
		a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{})
	}

	slot := &a.slots[index]
	slot.group = group
	a.liveCount++

	handle := groupHandle{index: index, generation: slot.generation}
	group.handle = handle
	return handle
}

// Get resolves a handle to its group and panics if the handle is stale
func (a *groupArena) Get(handle groupHandle) *allocationGroup {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.resolve(handle)
}

func (a *groupArena) resolve(handle groupHandle) *allocationGroup {
	if int(handle.index) >= len(a.slots) {
		panic(fmt.Sprintf("group handle %s refers to a slot past the end of the arena", handle))
	}

	slot := a.slots[handle.index]
	if slot.group == nil || slot.generation != handle.generation {
		panic(fmt.Sprintf("group handle %s is stale: the slot is at generation %d", handle, slot.generation))
	}

	return slot.group
}

func (a *groupArena) Remove(handle groupHandle) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.resolve(handle)

	slot := &a.slots[handle.index]
	slot.group = nil
	slot.generation++
	a.freeSlots = append(a.freeSlots, handle.index)
	a.liveCount--
}

func (a *groupArena) Count() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.liveCount
}

// Visit calls the callback for every live group until it returns true
func (a *groupArena) Visit(callback func(handle groupHandle, group *allocationGroup) bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for index, slot := range a.slots {
		if slot.group == nil {
			continue
		}

		if callback(groupHandle{index: uint32(index), generation: slot.generation}, slot.group) {
			return
		}
	}
}
