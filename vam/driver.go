package vam

import "github.com/skyhawk/vkalloc/vam/device"

// Driver is the capability the allocator needs from the graphics device. See device.Driver.
type Driver = device.Driver

// DeviceProperties is the memory type table and limits reported by a Driver
type DeviceProperties = device.Properties

// RawAllocateInfo describes a single page allocation made through a Driver
type RawAllocateInfo = device.AllocateInfo

// RawMemory is a page of device memory returned by a Driver
type RawMemory = device.Memory

// MemoryType is a platform-reported type of memory within a heap
type MemoryType = device.MemoryType

// MemoryHeap is a platform-reported region of physical memory
type MemoryHeap = device.MemoryHeap
