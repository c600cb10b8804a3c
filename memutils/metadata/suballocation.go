package metadata

import "math"

// BlockAllocationHandle identifies a block within a single BlockMetadata. It carries a generation
// so that handles to blocks that have since been freed or merged are detected.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

func newBlockAllocationHandle(index int, generation uint32) BlockAllocationHandle {
	return BlockAllocationHandle(uint64(generation)<<32 | uint64(uint32(index)))
}

func (h BlockAllocationHandle) index() int {
	return int(uint32(h))
}

func (h BlockAllocationHandle) generation() uint32 {
	return uint32(h >> 32)
}

type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}
