package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidAlignment is returned when an allocation is requested with a zero or non-power-of-two
	// alignment, or with a size less than one byte. It is always a caller bug.
	ErrInvalidAlignment error = errors.New("invalid allocation size or alignment")
	// ErrNoCompatibleMemoryType is returned when no memory type on the device satisfies an allocation's
	// usage. Retrying the request will never succeed.
	ErrNoCompatibleMemoryType error = errors.New("no compatible memory type")
	// ErrOutOfDeviceMemory is returned when the driver declines to allocate a new page of device memory,
	// or when a heap limit or allocation count limit would be exceeded.
	ErrOutOfDeviceMemory error = errors.New("out of device memory")
	// ErrInvalidHandle is returned when an allocation handle that is stale, already freed, or owned by
	// some other allocator is used.
	ErrInvalidHandle error = errors.New("invalid allocation handle")
)
