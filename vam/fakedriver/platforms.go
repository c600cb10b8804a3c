package fakedriver

import "github.com/skyhawk/vkalloc/vam/device"

const (
	GiB = 1024 * 1024 * 1024
)

// DiscreteGPU reports the memory layout of a typical desktop graphics card: a large device-local
// heap, a small device-local host-visible window into it, and a host heap with coherent and cached
// memory types.
//
//	type 0: DeviceLocal (heap 0)
//	type 1: HostVisible|HostCoherent (heap 1)
//	type 2: HostVisible|HostCoherent|HostCached (heap 1)
//	type 3: DeviceLocal|HostVisible|HostCoherent (heap 2)
func DiscreteGPU(deviceLocalSize, hostSize int) device.Properties {
	return device.Properties{
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent | device.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 2},
		},
		MemoryHeaps: []device.MemoryHeap{
			{Size: deviceLocalSize, Flags: device.MemoryHeapDeviceLocal},
			{Size: hostSize},
			{Size: 256 * 1024 * 1024, Flags: device.MemoryHeapDeviceLocal},
		},
		Limits: device.Limits{
			BufferImageGranularity:   1024,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 4096,
		},
	}
}

// IntegratedGPU reports a single unified heap whose memory types are all device-local and
// host-visible. Type 1 is non-coherent.
func IntegratedGPU(size int) device.Properties {
	return device.Properties{
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostVisible | device.MemoryPropertyHostCached, HeapIndex: 0},
		},
		MemoryHeaps: []device.MemoryHeap{
			{Size: size, Flags: device.MemoryHeapDeviceLocal},
		},
		Limits: device.Limits{
			BufferImageGranularity:   1,
			NonCoherentAtomSize:      1024,
			MaxMemoryAllocationCount: 4096,
		},
	}
}

// DeviceLocalOnly reports a platform with no host-visible memory at all
func DeviceLocalOnly(size int) device.Properties {
	return device.Properties{
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: device.MemoryPropertyDeviceLocal | device.MemoryPropertyLazilyAllocated, HeapIndex: 0},
		},
		MemoryHeaps: []device.MemoryHeap{
			{Size: size, Flags: device.MemoryHeapDeviceLocal},
		},
		Limits: device.Limits{
			BufferImageGranularity:   1,
			NonCoherentAtomSize:      1,
			MaxMemoryAllocationCount: 4096,
		},
	}
}
