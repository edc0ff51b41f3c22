// Package device describes the native memory collaborator that chunk pools slice up. A Device
// enumerates memory types and heaps, hands out native blocks, and flushes or invalidates
// host caches for non-coherent memory. Package vulkan adapts a vkngwrapper Vulkan device to this
// interface and package hostmem provides a host-memory implementation.
package device

//go:generate mockgen -source device.go -destination ./mocks/mock_device.go -package mocks

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryProperties is the read-only memory layout of a device. It does not change for the
// lifetime of the process.
type MemoryProperties struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	// NonCoherentAtomSize is the alignment, in bytes, of ranges passed to
	// FlushMappedMemoryRanges and InvalidateMappedMemoryRanges
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the number of native blocks the device allows to be live at once
	MaxMemoryAllocationCount int
}

// MappedRange is a byte range within a native block, relative to the start of the block
type MappedRange struct {
	Memory Memory
	Offset int
	Size   int
}

// Device is the source of native memory blocks
type Device interface {
	MemoryProperties() (*MemoryProperties, error)
	// AllocateMemory allocates a native block of size bytes from the provided memory type
	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	FlushMappedMemoryRanges(ranges []MappedRange) error
	InvalidateMappedMemoryRanges(ranges []MappedRange) error
}

// Memory is a single native block
type Memory interface {
	// Map maps the entire block into host address space and returns its base address
	Map() (unsafe.Pointer, error)
	Unmap()
	Free()
}
