package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
)

// DriverOptions contains optional settings for a Driver
type DriverOptions struct {
	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan when pages
	// are allocated and freed
	VulkanCallbacks *driver.AllocationCallbacks
	// MemoryPriority is attached to every page when ext_memory_priority is active. It must be
	// between 0 and 1. 0 leaves the driver default in place.
	MemoryPriority float32
}

// Driver allocates pages of device memory from a Vulkan device
type Driver struct {
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	extensionData  *ExtensionData

	allocationCallbacks *driver.AllocationCallbacks
	memoryPriority      float32
}

var _ device.Driver = &Driver{}

// NewDriver creates a Driver that allocates from device. physicalDevice must be the PhysicalDevice
// that owns device.
func NewDriver(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options DriverOptions) (*Driver, error) {
	if physicalDevice == nil {
		return nil, errors.New("a physical device must be provided")
	} else if device == nil {
		return nil, errors.New("a device must be provided")
	}

	if options.MemoryPriority < 0 || options.MemoryPriority > 1 {
		return nil, errors.Newf("DriverOptions.MemoryPriority must be between 0 and 1, but was %f", options.MemoryPriority)
	}

	return &Driver{
		physicalDevice:      physicalDevice,
		device:              device,
		extensionData:       NewExtensionData(device),
		allocationCallbacks: options.VulkanCallbacks,
		memoryPriority:      options.MemoryPriority,
	}, nil
}

// ExtensionData returns the optional features detected on the device
func (d *Driver) ExtensionData() ExtensionData { return *d.extensionData }

func convertMemoryPropertyFlags(flags core1_0.MemoryPropertyFlags) device.MemoryPropertyFlags {
	var converted device.MemoryPropertyFlags
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		converted |= device.MemoryPropertyDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		converted |= device.MemoryPropertyHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		converted |= device.MemoryPropertyHostCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		converted |= device.MemoryPropertyHostCached
	}
	if flags&core1_0.MemoryPropertyLazilyAllocated != 0 {
		converted |= device.MemoryPropertyLazilyAllocated
	}

	return converted
}

// Properties reads the memory types, memory heaps, and memory limits of the physical device
func (d *Driver) Properties() (device.Properties, error) {
	deviceProperties, err := d.physicalDevice.Properties()
	if err != nil {
		return device.Properties{}, err
	}
	if deviceProperties.Limits == nil {
		return device.Properties{}, errors.New("the physical device did not report its limits")
	}

	memoryProperties := d.physicalDevice.MemoryProperties()

	properties := device.Properties{
		MemoryTypes: make([]device.MemoryType, 0, len(memoryProperties.MemoryTypes)),
		MemoryHeaps: make([]device.MemoryHeap, 0, len(memoryProperties.MemoryHeaps)),
		Limits: device.Limits{
			BufferImageGranularity:   deviceProperties.Limits.BufferImageGranularity,
			NonCoherentAtomSize:      deviceProperties.Limits.NonCoherentAtomSize,
			MaxMemoryAllocationCount: deviceProperties.Limits.MaxMemoryAllocationCount,
		},
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		properties.MemoryTypes = append(properties.MemoryTypes, device.MemoryType{
			PropertyFlags: convertMemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	for _, memoryHeap := range memoryProperties.MemoryHeaps {
		var flags device.MemoryHeapFlags
		if memoryHeap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			flags |= device.MemoryHeapDeviceLocal
		}

		properties.MemoryHeaps = append(properties.MemoryHeaps, device.MemoryHeap{
			Size:  memoryHeap.Size,
			Flags: flags,
		})
	}

	return properties, nil
}

func isOutOfMemory(res common.VkResult) bool {
	return res == core1_0.VKErrorOutOfDeviceMemory ||
		res == core1_0.VKErrorOutOfHostMemory ||
		res == core1_0.VKErrorTooManyObjects
}

// AllocateMemory allocates a single page of device memory and maps it if requested
func (d *Driver) AllocateMemory(info device.AllocateInfo) (device.Memory, error) {
	if info.DeviceAddress && !d.extensionData.BufferDeviceAddress {
		return device.Memory{}, errors.New("device addresses were requested, but neither core 1.2 nor khr_buffer_device_address is active")
	}

	allocInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  info.Size,
		MemoryTypeIndex: info.MemoryTypeIndex,
	}

	if info.DeviceAddress {
		allocFlagsInfo := core1_1.MemoryAllocateFlagsInfo{
			Flags: d.extensionData.DeviceAddressFlags,
		}
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if d.extensionData.UseMemoryPriority && d.memoryPriority > 0 {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.memoryPriority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocInfo)
	if err != nil {
		if isOutOfMemory(res) {
			return device.Memory{}, errors.Wrapf(memutils.ErrOutOfDeviceMemory, "vkAllocateMemory returned %s", res)
		}
		return device.Memory{}, err
	}

	result := device.Memory{Handle: memory}
	if !info.Map {
		return result, nil
	}

	result.Mapped, res, err = memory.Map(0, -1, 0)
	if err != nil {
		memory.Free(d.allocationCallbacks)
		if isOutOfMemory(res) {
			return device.Memory{}, errors.Wrapf(memutils.ErrOutOfDeviceMemory, "vkMapMemory returned %s", res)
		}
		return device.Memory{}, err
	}

	return result, nil
}

// FreeMemory unmaps and frees a page allocated by AllocateMemory
func (d *Driver) FreeMemory(memoryTypeIndex int, memory device.Memory) {
	deviceMemory, ok := memory.Handle.(core1_0.DeviceMemory)
	if !ok {
		panic(errors.AssertionFailedf("attempted to free memory of type %d with a handle of type %T", memoryTypeIndex, memory.Handle))
	}

	if memory.Mapped != nil {
		deviceMemory.Unmap()
	}

	deviceMemory.Free(d.allocationCallbacks)
}
