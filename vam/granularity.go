package vam

import "github.com/skyhawk/vkalloc/memutils/metadata"

// resourceGranularity keeps linear and non-linear resources off of each other's
// bufferImageGranularity pages
type resourceGranularity struct {
	bufferImageGranularity int
}

var _ metadata.GranularityCheck = resourceGranularity{}

// newGranularityCheck returns a check for the device's bufferImageGranularity. Every block is
// already aligned to the size class granule, so a granularity no larger than the granule can never
// produce a conflict and no check is needed.
func newGranularityCheck(bufferImageGranularity int, classes metadata.SizeClasses) metadata.GranularityCheck {
	if bufferImageGranularity <= classes.Granule() {
		return metadata.NoGranularityCheck{}
	}

	return resourceGranularity{bufferImageGranularity: bufferImageGranularity}
}

func (g resourceGranularity) Granularity() int {
	return g.bufferImageGranularity
}

func (g resourceGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return ResourceKind(firstAllocType) != ResourceKind(secondAllocType)
}
