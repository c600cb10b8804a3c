package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
)

// ExtensionData records which of the optional allocation features the device supports, either
// through a core version or through an extension
type ExtensionData struct {
	BufferDeviceAddress bool
	DeviceAddressFlags  core1_1.MemoryAllocateFlags
	UseMemoryPriority   bool
}

func NewExtensionData(device core1_0.Device) *ExtensionData {
	data := &ExtensionData{}

	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		// Core 1.2 active - that means we can use khr_buffer_device_address
		data.BufferDeviceAddress = true
		data.DeviceAddressFlags = core1_2.MemoryAllocateDeviceAddress
	}

	// khr_buffer_device_address if core 1.2 is not active
	if !data.BufferDeviceAddress && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		data.BufferDeviceAddress = true
		data.DeviceAddressFlags = khr_buffer_device_address.MemoryAllocateDeviceAddress
	}

	// ext_memory_priority
	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
