package metadata

// GranularityCheck lets the consumer forbid some kinds of allocations from sharing a
// granularity-sized page with each other. In Vulkan, this is bufferImageGranularity: linear and
// non-linear resources may not share a page of that size. Allocation types are opaque to the
// metadata and only passed back to AllocationsConflict.
type GranularityCheck interface {
	// Granularity returns the page size in bytes within which conflicting allocations may not coexist.
	// A value of 1 disables conflict checks entirely.
	Granularity() int
	// AllocationsConflict reports whether allocations of the two types may not share a granularity page
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool
}

// NoGranularityCheck is a GranularityCheck for memory systems that have no granularity requirements
type NoGranularityCheck struct{}

func (c NoGranularityCheck) Granularity() int { return 1 }

func (c NoGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}
