package metadata

// A granularity check that treats allocation types 1 and 2 as conflicting
type FakeGranularityCheck struct {
	PageSize int
}

func (c FakeGranularityCheck) Granularity() int {
	if c.PageSize < 1 {
		return 1
	}
	return c.PageSize
}

func (c FakeGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return firstAllocType != secondAllocType && firstAllocType != 0 && secondAllocType != 0
}
