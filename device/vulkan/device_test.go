package vulkan

import (
	"testing"
	"unsafe"

	coregomock "github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/chunkpool/device"
	devicemocks "github.com/vkngwrapper/chunkpool/device/mocks"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

func TestNewRequiresDevices(t *testing.T) {
	_, err := New(nil, nil, Options{})
	require.Error(t, err)
}

func TestBufferDeviceAddressRequiresVulkan1_2(t *testing.T) {
	ctrl := coregomock.NewController(t)

	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	vkDevice := mocks.NewMockDevice(ctrl)
	vkDevice.EXPECT().APIVersion().Return(common.Vulkan1_0).AnyTimes()

	_, err := New(physicalDevice, vkDevice, Options{BufferDeviceAddress: true})
	require.Error(t, err)
}

func TestDeviceAddressFlagFollowsOptions(t *testing.T) {
	ctrl := coregomock.NewController(t)

	vkDevice := mocks.NewMockDevice(ctrl)
	vkMemory := mocks.EasyMockDeviceMemory(ctrl)

	// Without the option, the allocate info carries no chain
	plain := &Device{device: vkDevice}
	vkDevice.EXPECT().AllocateMemory(nil, coregomock.Any()).DoAndReturn(
		func(callbacks *driver.AllocationCallbacks, allocInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
			require.Equal(t, 3, allocInfo.MemoryTypeIndex)
			require.Equal(t, 4096, allocInfo.AllocationSize)
			require.Nil(t, allocInfo.Next)
			return vkMemory, core1_0.VKSuccess, nil
		})
	_, err := plain.AllocateMemory(3, 4096)
	require.NoError(t, err)

	addressed := &Device{device: vkDevice, bufferDeviceAddress: true}
	vkDevice.EXPECT().AllocateMemory(nil, coregomock.Any()).DoAndReturn(
		func(callbacks *driver.AllocationCallbacks, allocInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
			flagsInfo, ok := allocInfo.Next.(core1_1.MemoryAllocateFlagsInfo)
			require.True(t, ok)
			require.Equal(t, core1_2.MemoryAllocateDeviceAddress, flagsInfo.Flags)
			require.Nil(t, flagsInfo.Next)
			return vkMemory, core1_0.VKSuccess, nil
		})
	_, err = addressed.AllocateMemory(3, 4096)
	require.NoError(t, err)
}

func TestMemoryMapsWholeBlock(t *testing.T) {
	ctrl := coregomock.NewController(t)

	vkMemory := mocks.EasyMockDeviceMemory(ctrl)
	memory := &Memory{memory: vkMemory}

	data := make([]byte, 256)
	vkMemory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)
	vkMemory.EXPECT().Unmap()
	vkMemory.EXPECT().Free(nil)

	ptr, err := memory.Map()
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&data[0]), ptr)
	require.Same(t, vkMemory, memory.VulkanDeviceMemory())

	memory.Unmap()
	memory.Free()
}

func TestMappedMemoryRanges(t *testing.T) {
	coreCtrl := coregomock.NewController(t)
	ctrl := gomock.NewController(t)

	vkMemory := mocks.EasyMockDeviceMemory(coreCtrl)
	memory := &Memory{memory: vkMemory}

	vkRanges, err := mappedMemoryRanges([]device.MappedRange{
		{Memory: memory, Offset: 0, Size: 128},
		{Memory: memory, Offset: 256, Size: 64},
	})
	require.NoError(t, err)
	require.Equal(t, []core1_0.MappedMemoryRange{
		{Memory: vkMemory, Offset: 0, Size: 128},
		{Memory: vkMemory, Offset: 256, Size: 64},
	}, vkRanges)

	_, err = mappedMemoryRanges([]device.MappedRange{
		{Memory: devicemocks.NewMockMemory(ctrl), Offset: 0, Size: 64},
	})
	require.Error(t, err)
}
