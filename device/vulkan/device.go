// Package vulkan adapts a vkngwrapper Vulkan device to device.Device so that chunk pools can
// sub-allocate real VkDeviceMemory.
package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/chunkpool/device"
	"github.com/vkngwrapper/chunkpool/memutils"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
)

// Options contains optional settings when creating a Device: it is valid to leave all the fields blank
type Options struct {
	// VulkanCallbacks is an optional set of callbacks that will be passed to Vulkan when native
	// blocks are allocated and freed
	VulkanCallbacks *driver.AllocationCallbacks

	// Priority is attached to every native block through ext_memory_priority when that extension
	// is active on the device. It must be between 0 and 1, inclusive.
	Priority float32

	// BufferDeviceAddress adds MemoryAllocateDeviceAddress to every native block. The device must be
	// Vulkan 1.2 or later with the bufferDeviceAddress feature enabled.
	BufferDeviceAddress bool
}

type Device struct {
	device         core1_0.Device
	physicalDevice core1_0.PhysicalDevice
	callbacks      *driver.AllocationCallbacks

	priority            float32
	useMemoryPriority   bool
	bufferDeviceAddress bool
}

var _ device.Device = &Device{}

// New creates a Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated from
func New(physicalDevice core1_0.PhysicalDevice, vkDevice core1_0.Device, options Options) (*Device, error) {
	if physicalDevice == nil || vkDevice == nil {
		return nil, errors.New("vulkan.New requires both a physical device and a device")
	}
	if options.Priority < 0 || options.Priority > 1 {
		return nil, errors.Newf("priority %f is invalid: priority values should be between 0 and 1, inclusive", options.Priority)
	}
	if options.BufferDeviceAddress && core1_2.PromoteDevice(vkDevice) == nil {
		return nil, errors.New("vulkan.Options.BufferDeviceAddress requires a Vulkan 1.2 device")
	}

	return &Device{
		device:         vkDevice,
		physicalDevice: physicalDevice,
		callbacks:      options.VulkanCallbacks,

		priority:            options.Priority,
		useMemoryPriority:   vkDevice.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		bufferDeviceAddress: options.BufferDeviceAddress,
	}, nil
}

func (d *Device) MemoryProperties() (*device.MemoryProperties, error) {
	deviceProperties, err := d.physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	if deviceProperties.Limits == nil {
		return nil, errors.New("physical device reported no limits")
	}

	err = memutils.CheckPow2(deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	memoryProperties := d.physicalDevice.MemoryProperties()

	return &device.MemoryProperties{
		MemoryTypes:              memoryProperties.MemoryTypes,
		MemoryHeaps:              memoryProperties.MemoryHeaps,
		NonCoherentAtomSize:      deviceProperties.Limits.NonCoherentAtomSize,
		MaxMemoryAllocationCount: deviceProperties.Limits.MaxMemoryAllocationCount,
	}, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error) {
	// First build MemoryAllocateInfo with all the relevant extensions
	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = size

	if d.bufferDeviceAddress {
		var allocFlagsInfo core1_1.MemoryAllocateFlagsInfo
		allocFlagsInfo.Flags = core1_2.MemoryAllocateDeviceAddress
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := d.device.AllocateMemory(d.callbacks, allocInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "vkAllocateMemory returned %s", res.String())
	}

	return &Memory{
		memory:    memory,
		callbacks: d.callbacks,
	}, nil
}

func (d *Device) FlushMappedMemoryRanges(ranges []device.MappedRange) error {
	vkRanges, err := mappedMemoryRanges(ranges)
	if err != nil {
		return err
	}

	_, err = d.device.FlushMappedMemoryRanges(vkRanges)
	return err
}

func (d *Device) InvalidateMappedMemoryRanges(ranges []device.MappedRange) error {
	vkRanges, err := mappedMemoryRanges(ranges)
	if err != nil {
		return err
	}

	_, err = d.device.InvalidateMappedMemoryRanges(vkRanges)
	return err
}

func mappedMemoryRanges(ranges []device.MappedRange) ([]core1_0.MappedMemoryRange, error) {
	vkRanges := make([]core1_0.MappedMemoryRange, 0, len(ranges))
	for _, memRange := range ranges {
		memory, ok := memRange.Memory.(*Memory)
		if !ok {
			return nil, errors.Newf("mapped range refers to non-vulkan memory %T", memRange.Memory)
		}

		vkRanges = append(vkRanges, core1_0.MappedMemoryRange{
			Memory: memory.memory,
			Offset: memRange.Offset,
			Size:   memRange.Size,
		})
	}

	return vkRanges, nil
}

// Memory wraps a single VkDeviceMemory
type Memory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
}

var _ device.Memory = &Memory{}

// VulkanDeviceMemory is the underlying core1_0.DeviceMemory, for binding buffers and images
func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Map() (unsafe.Pointer, error) {
	ptr, res, err := m.memory.Map(0, -1, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "vkMapMemory returned %s", res.String())
	}

	return ptr, nil
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) Free() {
	m.memory.Free(m.callbacks)
}
