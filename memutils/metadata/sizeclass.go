package metadata

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
)

const (
	// DefaultMinSizeClassLog2 is log2 of the smallest size class, 256 bytes
	DefaultMinSizeClassLog2 = 8
	// DefaultMaxSizeClassLog2 is log2 of the lower bound of the largest size class, 64MB
	DefaultMaxSizeClassLog2 = 26

	maxSizeClassLog2Limit = 62
)

// SizeClasses maps byte sizes onto a fixed set of doubling size buckets. Class 0 holds everything
// smaller than 2^(minLog2+1), and the final class holds everything of at least 2^maxLog2 bytes.
type SizeClasses struct {
	minLog2 int
	maxLog2 int
}

// NewSizeClasses creates a SizeClasses with the smallest class at 2^minLog2 bytes and the largest
// class starting at 2^maxLog2 bytes
func NewSizeClasses(minLog2, maxLog2 int) (SizeClasses, error) {
	if minLog2 < 0 {
		return SizeClasses{}, cerrors.Newf("minimum size class log2 must not be negative, but was %d", minLog2)
	}
	if maxLog2 < minLog2 {
		return SizeClasses{}, cerrors.Newf("maximum size class log2 %d is smaller than minimum size class log2 %d", maxLog2, minLog2)
	}
	if maxLog2 > maxSizeClassLog2Limit {
		return SizeClasses{}, cerrors.Newf("maximum size class log2 %d is larger than the limit of %d", maxLog2, maxSizeClassLog2Limit)
	}

	return SizeClasses{minLog2: minLog2, maxLog2: maxLog2}, nil
}

// DefaultSizeClasses returns the 256B - 64MB classes
func DefaultSizeClasses() SizeClasses {
	return SizeClasses{minLog2: DefaultMinSizeClassLog2, maxLog2: DefaultMaxSizeClassLog2}
}

// Count is the number of size classes
func (c SizeClasses) Count() int {
	return c.maxLog2 - c.minLog2 + 1
}

// Granule is the size of the smallest class. Reserved sizes are always a multiple of it.
func (c SizeClasses) Granule() int {
	return 1 << c.minLog2
}

// ClassOf returns the size class that a block or request of the given size belongs to
func (c SizeClasses) ClassOf(size int) int {
	if size < c.Granule() {
		return 0
	}

	class := bits.Len(uint(size)) - 1 - c.minLog2
	if class >= c.Count() {
		return c.Count() - 1
	}
	return class
}

// ClassMinSize returns the smallest size that maps onto the provided class
func (c SizeClasses) ClassMinSize(class int) int {
	if class <= 0 {
		return 0
	}
	return 1 << (class + c.minLog2)
}

// RoundUp returns the number of bytes actually reserved for a request of the given size
func (c SizeClasses) RoundUp(size int) int {
	return memutils.AlignUp(size, uint(c.Granule()))
}
