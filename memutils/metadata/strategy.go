package metadata

// AllocationStrategy chooses how a free block is picked inside the first size class that is searched
type AllocationStrategy uint32

// The zero value is not a strategy: it leaves the choice to the caller's default, which is
// AllocationStrategyMinTime.
const (
	// AllocationStrategyMinTime takes the first block in the smallest suitable size class that can host
	// the allocation.
	AllocationStrategyMinTime AllocationStrategy = iota + 1
	// AllocationStrategyMinMemory scans the whole of the smallest suitable size class for the tightest
	// fitting block before escalating to larger classes, possibly at the expense of allocation time
	AllocationStrategyMinMemory
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinMemory: "MinMemory",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
