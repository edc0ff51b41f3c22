package chunk

import "github.com/vkngwrapper/chunkpool/device"

type AllocateDeviceMemoryCallback func(
	pool *AllocationPool,
	memoryType int,
	memory device.Memory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	pool *AllocationPool,
	memoryType int,
	memory device.Memory,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Pool      *AllocationPool
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Pool, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Pool, memoryType, memory, size, c.Callbacks.UserData)
	}
}
