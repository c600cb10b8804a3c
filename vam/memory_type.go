package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
)

// memoryTypeTraits returns the traits the usage prefers, most important first
func memoryTypeTraits(usage MemoryUsage, flags device.MemoryPropertyFlags) [3]bool {
	deviceLocal := flags&device.MemoryPropertyDeviceLocal != 0
	hostVisible := flags&device.MemoryPropertyHostVisible != 0
	hostCoherent := flags&device.MemoryPropertyHostCoherent != 0
	hostCached := flags&device.MemoryPropertyHostCached != 0

	switch usage {
	case MemoryUsageHostVisiblePreferred:
		return [3]bool{hostVisible, deviceLocal, hostCoherent}
	case MemoryUsageHostVisibleRequired:
		// Device-local host-visible memory (resizable BAR) avoids a copy on the device side
		return [3]bool{deviceLocal, hostCoherent, false}
	case MemoryUsageHostReadback:
		return [3]bool{hostCached, hostCoherent, !deviceLocal}
	default:
		return [3]bool{deviceLocal, !hostVisible, hostCoherent}
	}
}

func memoryTypeScore(usage MemoryUsage, flags device.MemoryPropertyFlags) int {
	score := 0
	for _, trait := range memoryTypeTraits(usage, flags) {
		score <<= 1
		if trait {
			score |= 1
		}
	}

	return score
}

func usageRequiresHostVisible(usage MemoryUsage) bool {
	return usage == MemoryUsageHostVisibleRequired || usage == MemoryUsageHostReadback
}

// selectMemoryType picks the best memory type for the usage from among the types in memoryTypeBits.
// Lazily-allocated types are only considered if nothing else qualifies.
func selectMemoryType(properties *device.Properties, memoryTypeBits uint32, usage MemoryUsage) (int, error) {
	if memoryTypeBits == 0 {
		memoryTypeBits = ^uint32(0)
	}

	for _, allowLazy := range []bool{false, true} {
		bestIndex := -1
		bestScore := -1
		bestHeapSize := -1

		for typeIndex, memoryType := range properties.MemoryTypes {
			if memoryTypeBits&(1<<typeIndex) == 0 {
				// This memory type is banned by the bitmask
				continue
			}

			flags := memoryType.PropertyFlags
			if usageRequiresHostVisible(usage) && flags&device.MemoryPropertyHostVisible == 0 {
				continue
			}
			if !allowLazy && flags&device.MemoryPropertyLazilyAllocated != 0 {
				continue
			}

			score := memoryTypeScore(usage, flags)
			heapSize := properties.MemoryHeaps[memoryType.HeapIndex].Size
			if score > bestScore || (score == bestScore && heapSize > bestHeapSize) {
				bestIndex = typeIndex
				bestScore = score
				bestHeapSize = heapSize
			}
		}

		if bestIndex >= 0 {
			return bestIndex, nil
		}
	}

	return -1, errors.Wrapf(memutils.ErrNoCompatibleMemoryType, "usage %s with memory type bits %#x", usage, memoryTypeBits)
}

// FindMemoryTypeIndex returns the memory type that an allocation with the provided usage and
// memory type bits would be placed in
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, usage MemoryUsage) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, usage)
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, usage MemoryUsage) (int, error) {
	return selectMemoryType(&a.properties, memoryTypeBits, usage)
}
