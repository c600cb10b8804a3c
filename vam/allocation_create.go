package vam

import (
	"strconv"

	"github.com/skyhawk/vkalloc/memutils/metadata"
)

// MemoryUsage is an enum passed to the Usage field of AllocationRequest to indicate how memory
// types are to be selected for the allocation in question.
type MemoryUsage uint32

const (
	// MemoryUsageDeviceLocalOnly selects memory that only the device accesses: render targets,
	// static vertex and index data, textures. Device-local memory is preferred, memory that
	// is not host-visible is preferred over memory that is.
	MemoryUsageDeviceLocalOnly MemoryUsage = iota
	// MemoryUsageHostVisiblePreferred selects memory that the host would like to write directly,
	// but that can be reached through a staging copy if no host-visible type exists.
	MemoryUsageHostVisiblePreferred
	// MemoryUsageHostVisibleRequired selects memory that must be mapped by the host: staging
	// buffers, per-frame uniform data. Device-local host-visible memory is preferred when present.
	MemoryUsageHostVisibleRequired
	// MemoryUsageHostReadback selects host-visible memory that the device writes and the host reads
	// back, preferring host-cached types.
	MemoryUsageHostReadback
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageDeviceLocalOnly:      "MemoryUsageDeviceLocalOnly",
	MemoryUsageHostVisiblePreferred: "MemoryUsageHostVisiblePreferred",
	MemoryUsageHostVisibleRequired:  "MemoryUsageHostVisibleRequired",
	MemoryUsageHostReadback:         "MemoryUsageHostReadback",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// ResourceKind indicates what sort of resource will be bound to an allocation. Linear and non-linear
// resources may not share a page of the device's buffer-image granularity.
type ResourceKind uint32

const (
	// ResourceLinear is used for buffers and linearly-tiled images
	ResourceLinear ResourceKind = iota
	// ResourceNonLinear is used for optimally-tiled images
	ResourceNonLinear
)

var resourceKindMapping = map[ResourceKind]string{
	ResourceLinear:    "ResourceLinear",
	ResourceNonLinear: "ResourceNonLinear",
}

func (k ResourceKind) String() string {
	str, ok := resourceKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// Lifetime is an opaque grouping key. Allocations with different lifetimes never share a page, so
// that a level's resources can be released without leaving long-lived allocations stranded in
// otherwise-empty pages.
type Lifetime uint32

const (
	// LifetimeDefault is the group used when no lifetime is specified
	LifetimeDefault Lifetime = 0
)

func (l Lifetime) String() string {
	if l == LifetimeDefault {
		return "Default"
	}
	return strconv.FormatUint(uint64(l), 10)
}

// AllocationStrategy chooses between free blocks of the starting size class
type AllocationStrategy = metadata.AllocationStrategy

const (
	// AllocationStrategyMinTime takes the first free block that fits
	AllocationStrategyMinTime = metadata.AllocationStrategyMinTime
	// AllocationStrategyMinMemory takes the smallest free block that fits within the starting
	// size class, falling back to the first fit of larger classes
	AllocationStrategyMinMemory = metadata.AllocationStrategyMinMemory
)

// AllocationRequest is an options struct that is used to define the specifics of a new allocation
// created by Allocator.Alloc
type AllocationRequest struct {
	// Size is the number of bytes requested. It must be at least 1.
	Size int
	// Alignment is the required alignment of the allocation's offset within its page. It must be a
	// power of two.
	Alignment uint
	// Usage indicates how the new allocation will be used, allowing the allocator to decide what
	// memory type to use
	Usage MemoryUsage
	// Kind is the sort of resource that will be bound to the allocation
	Kind ResourceKind
	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation,
	// usually taken from the resource's memory requirements. If this is left 0, all memory types
	// are permitted.
	MemoryTypeBits uint32
	// Flags describes the intended behavior of the created Allocation
	Flags AllocationCreateFlags
	// Lifetime is the page group to allocate from
	Lifetime Lifetime
	// Strategy overrides the allocator's default AllocationStrategy when it is nonzero
	Strategy AllocationStrategy

	// Name is an optional debug name that will be reported in stats strings and unreleased memory logs
	Name string
	// UserData is an arbitrary value that will be applied to the Allocation. Allocation.UserData() will
	// return this value after the allocation is complete.
	UserData any
}
