package metadata

// AllocationRequestType describes how a free block will be split to host a requested allocation
type AllocationRequestType uint32

const (
	// AllocationRequestExact indicates that the free block will be used in its entirety
	AllocationRequestExact AllocationRequestType = iota
	// AllocationRequestSplitTail indicates that a free suffix will be split off the free block
	AllocationRequestSplitTail
	// AllocationRequestSplitFront indicates that a free prefix will be split off the free block to
	// satisfy alignment
	AllocationRequestSplitFront
	// AllocationRequestSplitBoth indicates that both a free prefix and a free suffix will be split off
	AllocationRequestSplitBoth
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestExact:      "Exact",
	AllocationRequestSplitTail:  "SplitTail",
	AllocationRequestSplitFront: "SplitFront",
	AllocationRequestSplitBoth:  "SplitBoth",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. It can be committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free block that will host the allocation. After a successful
	// call to Alloc, it identifies the new allocation.
	BlockAllocationHandle BlockAllocationHandle
	// Size is the number of bytes that will be reserved, which may be larger than what was requested
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation
	// Type indicates how the free block will be split
	Type AllocationRequestType

	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType uint32
	// AlgorithmData is the number of bytes of front padding split off the free block
	AlgorithmData uint64
}
