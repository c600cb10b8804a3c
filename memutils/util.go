package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// CheckPow2 returns a PowerOfTwoError if number is zero or is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two no larger
// than 1<<62
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsOnSamePage reports whether the end of resource A and the start of resource B fall into the
// same page of size pageSize. Resource A must be located at a lower offset than resource B.
// pageSize must be a power of two.
func IsOnSamePage(resourceAOffset, resourceASize, resourceBOffset int, pageSize uint) bool {
	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := resourceAEnd & int(^(pageSize - 1))
	resourceBStartPage := resourceBOffset & int(^(pageSize - 1))
	return resourceAEndPage == resourceBStartPage
}

// Log2 returns floor(log2(value)) for value > 0, and -1 otherwise
func Log2(value int) int {
	if value <= 0 {
		return -1
	}
	return bits.Len(uint(value)) - 1
}
