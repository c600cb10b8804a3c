// Package device describes the narrow boundary between the allocator and the graphics driver: the
// memory heap and memory type tables the platform reports, and the raw allocate and free primitives.
package device

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

const (
	// MaxMemoryTypes is the largest number of memory types a device may report
	MaxMemoryTypes = common.MaxMemoryTypes
	// MaxMemoryHeaps is the largest number of memory heaps a device may report
	MaxMemoryHeaps = common.MaxMemoryHeaps
)

// MemoryPropertyFlags describe the locality and host access properties of a memory type
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is most efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for host access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory whose host writes and device writes
	// are visible to each other without explicit flush and invalidate calls
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that is only backed on demand, for transient
	// attachments
	MemoryPropertyLazilyAllocated
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")

	MemoryHeapDeviceLocal.Register("DeviceLocal")
}

// MemoryHeapFlags describe a memory heap
type MemoryHeapFlags int32

var memoryHeapFlagsMapping = common.NewFlagStringMapping[MemoryHeapFlags]()

func (f MemoryHeapFlags) Register(str string) {
	memoryHeapFlagsMapping.Register(f, str)
}
func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

const (
	// MemoryHeapDeviceLocal indicates a heap that lives in device-local memory
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

// MemoryHeap is a platform-reported region of physical memory
type MemoryHeap struct {
	Size  int
	Flags MemoryHeapFlags
}

// MemoryType is a platform-reported type of memory within a heap
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// Limits are the device limits that influence where allocations may be placed
type Limits struct {
	// BufferImageGranularity is the page size within which linear and non-linear resources may not
	// be placed next to each other. Must be a power of two, or 0 for none.
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment that mapped ranges of non-coherent memory must respect.
	// Must be a power of two, or 0 for none.
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the number of live raw allocations the device supports, or 0 for
	// no limit
	MaxMemoryAllocationCount int
}

// Properties is the memory type table and limits of a device. It is queried once when an allocator
// is created and never changes afterwards.
type Properties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
	Limits      Limits
}

// Validate verifies that the memory type table is internally consistent
func (p *Properties) Validate() error {
	if len(p.MemoryTypes) == 0 {
		return errors.New("the device reported no memory types")
	}
	if len(p.MemoryTypes) > MaxMemoryTypes {
		return errors.Newf("the device reported %d memory types, but at most %d are supported", len(p.MemoryTypes), MaxMemoryTypes)
	}
	if len(p.MemoryHeaps) > MaxMemoryHeaps {
		return errors.Newf("the device reported %d memory heaps, but at most %d are supported", len(p.MemoryHeaps), MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range p.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(p.MemoryHeaps) {
			return errors.Newf("memory type %d refers to heap %d, but there are %d heaps", typeIndex, memoryType.HeapIndex, len(p.MemoryHeaps))
		}
	}

	return nil
}

// AllocateInfo describes a single raw allocation of device memory
type AllocateInfo struct {
	MemoryTypeIndex int
	Size            int
	// DeviceAddress requests that the memory be allocated with the device address capture flag, so
	// that buffers bound to it can be queried for their device address
	DeviceAddress bool
	// Map requests that the memory be persistently mapped for host access. It is only set for
	// host-visible memory types.
	Map bool
}

// Memory is a raw device memory allocation
type Memory struct {
	// Handle is the native device memory handle. Its type depends on the Driver.
	Handle any
	// Mapped is the host address of the start of the memory, if it was mapped
	Mapped unsafe.Pointer
}

// Driver is the capability the allocator needs from the graphics device
type Driver interface {
	// Properties returns the memory heaps, memory types and limits of the device
	Properties() (Properties, error)
	// AllocateMemory allocates and optionally maps a raw block of device memory. When the device
	// declines for lack of memory, the returned error must match memutils.ErrOutOfDeviceMemory under
	// errors.Is.
	AllocateMemory(info AllocateInfo) (Memory, error)
	// FreeMemory unmaps and releases memory previously returned by AllocateMemory
	FreeMemory(memoryTypeIndex int, memory Memory)
}
