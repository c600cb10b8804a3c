package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
)

var (
	// ErrInvalidAlignment is returned from Allocator.Alloc when the requested size is less than one
	// byte or the requested alignment is not a power of two
	ErrInvalidAlignment = memutils.ErrInvalidAlignment
	// ErrNoCompatibleMemoryType is returned from Allocator.Alloc when no memory type on the device
	// satisfies the requested usage and memory type bits
	ErrNoCompatibleMemoryType = memutils.ErrNoCompatibleMemoryType
	// ErrOutOfDeviceMemory is returned from Allocator.Alloc when a new page was needed and could
	// not be allocated. Calling Allocator.Compact and retrying may succeed.
	ErrOutOfDeviceMemory = memutils.ErrOutOfDeviceMemory
	// ErrInvalidHandle is returned when an Allocation that was already freed, or that belongs to
	// another Allocator, is used
	ErrInvalidHandle = memutils.ErrInvalidHandle
	// ErrNotHostVisible is returned from Allocator.MappedPointer for allocations in memory that
	// cannot be mapped
	ErrNotHostVisible = errors.New("allocation is not in host-visible memory")
)
