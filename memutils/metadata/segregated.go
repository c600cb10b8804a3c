package metadata

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/skyhawk/vkalloc/memutils"
)

const noBlock = -1

type segregatedBlock struct {
	offset int
	size   int

	prevPhysical int
	nextPhysical int
	prevFree     int
	nextFree     int

	free       bool
	live       bool
	generation uint32
	allocType  uint32
	userData   any
}

// SegregatedBlockMetadata is a BlockMetadata implementation that keeps one free list per size class.
// Blocks live in an index-addressed arena: physical neighbors and free list neighbors are slot
// indices rather than pointers. Free blocks are coalesced with their physical neighbors eagerly, so
// no two physically adjacent blocks are ever both free.
//
// Requested sizes are rounded up to a multiple of the smallest size class, so every block offset is
// a multiple of it as well.
type SegregatedBlockMetadata struct {
	BlockMetadataBase
	classes SizeClasses

	blocks     []segregatedBlock
	retired    []int
	freeHeads  []int
	nonEmpty   uint64
	firstBlock int

	allocCount  int
	freeCount   int
	sumFreeSize int
}

var _ BlockMetadata = &SegregatedBlockMetadata{}

// NewSegregatedBlockMetadata creates a new SegregatedBlockMetadata. Init must be called before use.
func NewSegregatedBlockMetadata(classes SizeClasses, granularityHandler GranularityCheck) *SegregatedBlockMetadata {
	return &SegregatedBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(granularityHandler),
		classes:           classes,
		firstBlock:        noBlock,
	}
}

// SizeClasses returns the size classes used to index the free lists
func (m *SegregatedBlockMetadata) SizeClasses() SizeClasses { return m.classes }

func (m *SegregatedBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	for i := range m.blocks {
		if m.blocks[i].live {
			m.blocks[i].live = false
			m.blocks[i].generation++
			m.blocks[i].userData = nil
		}
	}
	m.retired = m.retired[:0]
	for i := len(m.blocks) - 1; i >= 0; i-- {
		m.retired = append(m.retired, i)
	}

	m.freeHeads = make([]int, m.classes.Count())
	for i := range m.freeHeads {
		m.freeHeads[i] = noBlock
	}
	m.nonEmpty = 0
	m.allocCount = 0
	m.freeCount = 0
	m.sumFreeSize = 0
	m.firstBlock = noBlock

	if size <= 0 {
		return
	}

	first := m.newBlock()
	m.blocks[first].offset = 0
	m.blocks[first].size = size
	m.blocks[first].free = true
	m.firstBlock = first
	m.insertFree(first)
}

func (m *SegregatedBlockMetadata) AllocationCount() int  { return m.allocCount }
func (m *SegregatedBlockMetadata) FreeRegionsCount() int { return m.freeCount }
func (m *SegregatedBlockMetadata) SumFreeSize() int      { return m.sumFreeSize }
func (m *SegregatedBlockMetadata) IsEmpty() bool         { return m.allocCount == 0 }

func (m *SegregatedBlockMetadata) LargestFreeRegion() int {
	if m.nonEmpty == 0 {
		return 0
	}

	// Every block in the top non-empty class is larger than any block in the classes below it
	topClass := 63 - bits.LeadingZeros64(m.nonEmpty)
	largest := 0
	for index := m.freeHeads[topClass]; index != noBlock; index = m.blocks[index].nextFree {
		if m.blocks[index].size > largest {
			largest = m.blocks[index].size
		}
	}
	return largest
}

func (m *SegregatedBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	reserved := m.classes.RoundUp(size)
	if reserved > m.sumFreeSize {
		return false
	}

	return m.nonEmpty>>uint(m.classes.ClassOf(reserved)) != 0
}

func (m *SegregatedBlockMetadata) newBlock() int {
	if count := len(m.retired); count > 0 {
		index := m.retired[count-1]
		m.retired = m.retired[:count-1]

		generation := m.blocks[index].generation + 1
		m.blocks[index] = segregatedBlock{
			prevPhysical: noBlock,
			nextPhysical: noBlock,
			prevFree:     noBlock,
			nextFree:     noBlock,
			live:         true,
			generation:   generation,
		}
		return index
	}

	m.blocks = append(m.blocks, segregatedBlock{
		prevPhysical: noBlock,
		nextPhysical: noBlock,
		prevFree:     noBlock,
		nextFree:     noBlock,
		live:         true,
		generation:   1,
	})
	return len(m.blocks) - 1
}

func (m *SegregatedBlockMetadata) retireBlock(index int) {
	block := &m.blocks[index]
	block.live = false
	block.generation++
	block.userData = nil
	block.prevPhysical = noBlock
	block.nextPhysical = noBlock
	m.retired = append(m.retired, index)
}

func (m *SegregatedBlockMetadata) handle(index int) BlockAllocationHandle {
	return newBlockAllocationHandle(index, m.blocks[index].generation)
}

func (m *SegregatedBlockMetadata) lookup(handle BlockAllocationHandle) (int, error) {
	index := handle.index()
	if handle == NoAllocation || index >= len(m.blocks) {
		return noBlock, cerrors.Wrapf(memutils.ErrInvalidHandle, "block handle %#x does not exist", uint64(handle))
	}

	block := &m.blocks[index]
	if !block.live || block.generation != handle.generation() {
		return noBlock, cerrors.Wrapf(memutils.ErrInvalidHandle, "block handle %#x is stale", uint64(handle))
	}

	return index, nil
}

func (m *SegregatedBlockMetadata) lookupAllocation(handle BlockAllocationHandle) (int, error) {
	index, err := m.lookup(handle)
	if err != nil {
		return noBlock, err
	}

	if m.blocks[index].free {
		return noBlock, cerrors.Wrapf(memutils.ErrInvalidHandle, "block handle %#x refers to a free region", uint64(handle))
	}
	return index, nil
}

func (m *SegregatedBlockMetadata) insertFree(index int) {
	block := &m.blocks[index]
	class := m.classes.ClassOf(block.size)

	block.prevFree = noBlock
	block.nextFree = m.freeHeads[class]
	if block.nextFree != noBlock {
		m.blocks[block.nextFree].prevFree = index
	}
	m.freeHeads[class] = index
	m.nonEmpty |= 1 << uint(class)

	m.freeCount++
	m.sumFreeSize += block.size
}

// removeFree must be called before the block's size changes
func (m *SegregatedBlockMetadata) removeFree(index int) {
	block := &m.blocks[index]
	class := m.classes.ClassOf(block.size)

	if block.prevFree != noBlock {
		m.blocks[block.prevFree].nextFree = block.nextFree
	} else {
		if m.freeHeads[class] != index {
			panic("removing a free block that is not the head of its size class list and has no previous entry")
		}
		m.freeHeads[class] = block.nextFree
		if block.nextFree == noBlock {
			m.nonEmpty &^= 1 << uint(class)
		}
	}

	if block.nextFree != noBlock {
		m.blocks[block.nextFree].prevFree = block.prevFree
	}

	block.prevFree = noBlock
	block.nextFree = noBlock

	m.freeCount--
	m.sumFreeSize -= block.size
}

func (m *SegregatedBlockMetadata) linkBefore(index, before int) {
	prev := m.blocks[before].prevPhysical
	m.blocks[index].prevPhysical = prev
	m.blocks[index].nextPhysical = before
	m.blocks[before].prevPhysical = index

	if prev != noBlock {
		m.blocks[prev].nextPhysical = index
	} else {
		m.firstBlock = index
	}
}

func (m *SegregatedBlockMetadata) linkAfter(index, after int) {
	next := m.blocks[after].nextPhysical
	m.blocks[index].nextPhysical = next
	m.blocks[index].prevPhysical = after
	m.blocks[after].nextPhysical = index

	if next != noBlock {
		m.blocks[next].prevPhysical = index
	}
}

func (m *SegregatedBlockMetadata) unlink(index int) {
	prev := m.blocks[index].prevPhysical
	next := m.blocks[index].nextPhysical

	if prev != noBlock {
		m.blocks[prev].nextPhysical = next
	} else {
		m.firstBlock = next
	}

	if next != noBlock {
		m.blocks[next].prevPhysical = prev
	}
}

// checkBlock returns the offset at which an allocation would be placed within the free block at index,
// if it fits
func (m *SegregatedBlockMetadata) checkBlock(index int, allocSize int, allocAlignment uint, allocType uint32) (int, bool) {
	block := &m.blocks[index]
	if block.size < allocSize {
		return 0, false
	}

	offset := memutils.AlignUp(block.offset, allocAlignment)
	granularity := m.granularityHandler.Granularity()

	if granularity > 1 && block.prevPhysical != noBlock {
		prev := &m.blocks[block.prevPhysical]
		if !prev.free && m.granularityHandler.AllocationsConflict(prev.allocType, allocType) &&
			memutils.IsOnSamePage(prev.offset, prev.size, offset, uint(granularity)) {
			offset = memutils.AlignUp(offset, uint(granularity))
		}
	}

	if offset+allocSize > block.offset+block.size {
		return 0, false
	}

	if granularity > 1 && block.nextPhysical != noBlock {
		next := &m.blocks[block.nextPhysical]
		if !next.free && m.granularityHandler.AllocationsConflict(allocType, next.allocType) &&
			memutils.IsOnSamePage(offset, allocSize, next.offset, uint(granularity)) {
			return 0, false
		}
	}

	return offset, true
}

func (m *SegregatedBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, cerrors.Wrapf(memutils.ErrInvalidAlignment, "allocation size must be at least 1, but was %d", allocSize)
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, cerrors.Wrap(memutils.ErrInvalidAlignment, err.Error())
	}
	if int(allocAlignment) <= 0 {
		return false, AllocationRequest{}, cerrors.Wrapf(memutils.ErrInvalidAlignment, "alignment %d does not fit in an int", allocAlignment)
	}

	reserved := m.classes.RoundUp(allocSize)
	if reserved > m.sumFreeSize {
		return false, AllocationRequest{}, nil
	}

	startClass := m.classes.ClassOf(reserved)
	candidates := m.nonEmpty >> uint(startClass) << uint(startClass)

	for candidates != 0 {
		class := bits.TrailingZeros64(candidates)
		candidates &^= 1 << uint(class)

		bestIndex := noBlock
		bestOffset := 0
		for index := m.freeHeads[class]; index != noBlock; index = m.blocks[index].nextFree {
			offset, fits := m.checkBlock(index, reserved, allocAlignment, allocType)
			if !fits {
				continue
			}

			if bestIndex == noBlock || m.blocks[index].size < m.blocks[bestIndex].size {
				bestIndex = index
				bestOffset = offset
			}

			// Only the starting class is scanned for a tighter fit
			if strategy != AllocationStrategyMinMemory || class != startClass {
				break
			}
		}

		if bestIndex != noBlock {
			return true, m.buildRequest(bestIndex, bestOffset, reserved, allocType), nil
		}
	}

	return false, AllocationRequest{}, nil
}

func (m *SegregatedBlockMetadata) buildRequest(index, offset, reserved int, allocType uint32) AllocationRequest {
	block := &m.blocks[index]
	frontPadding := offset - block.offset
	tail := block.size - frontPadding - reserved

	requestType := AllocationRequestExact
	if frontPadding > 0 && tail > 0 {
		requestType = AllocationRequestSplitBoth
	} else if frontPadding > 0 {
		requestType = AllocationRequestSplitFront
	} else if tail > 0 {
		requestType = AllocationRequestSplitTail
	}

	return AllocationRequest{
		BlockAllocationHandle: m.handle(index),
		Size:                  reserved,
		Item: Suballocation{
			Offset: offset,
			Size:   reserved,
			Type:   allocType,
		},
		Type:          requestType,
		AllocType:     allocType,
		AlgorithmData: uint64(frontPadding),
	}
}

func (m *SegregatedBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) error {
	index, err := m.lookup(request.BlockAllocationHandle)
	if err != nil {
		return err
	}

	block := &m.blocks[index]
	if !block.free {
		return errors.Errorf("block at offset %d is not free", block.offset)
	}
	if request.Item.Offset < block.offset || request.Item.Offset+request.Size > block.offset+block.size {
		return errors.Errorf("allocation of %d bytes at offset %d does not fit in the free block at offset %d of size %d",
			request.Size, request.Item.Offset, block.offset, block.size)
	}

	m.removeFree(index)

	// newBlock may grow the arena, so block pointers are re-read after each split
	frontPadding := request.Item.Offset - m.blocks[index].offset
	if frontPadding > 0 {
		front := m.newBlock()
		m.blocks[front].offset = m.blocks[index].offset
		m.blocks[front].size = frontPadding
		m.blocks[front].free = true
		m.linkBefore(front, index)

		m.blocks[index].offset += frontPadding
		m.blocks[index].size -= frontPadding
		m.insertFree(front)
	}

	tailSize := m.blocks[index].size - request.Size
	if tailSize > 0 {
		tail := m.newBlock()
		m.blocks[tail].offset = m.blocks[index].offset + request.Size
		m.blocks[tail].size = tailSize
		m.blocks[tail].free = true
		m.linkAfter(tail, index)

		m.blocks[index].size = request.Size
		m.insertFree(tail)
	}

	block = &m.blocks[index]
	block.free = false
	block.allocType = allocType
	block.userData = userData
	m.allocCount++

	memutils.DebugValidate(m)
	return nil
}

func (m *SegregatedBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	index, err := m.lookupAllocation(allocHandle)
	if err != nil {
		return err
	}

	block := &m.blocks[index]
	block.free = true
	block.allocType = 0
	block.userData = nil
	block.generation++
	m.allocCount--

	if next := block.nextPhysical; next != noBlock && m.blocks[next].free {
		m.removeFree(next)
		m.blocks[index].size += m.blocks[next].size
		m.unlink(next)
		m.retireBlock(next)
	}

	if prev := m.blocks[index].prevPhysical; prev != noBlock && m.blocks[prev].free {
		m.removeFree(prev)
		m.blocks[prev].size += m.blocks[index].size
		m.unlink(index)
		m.retireBlock(index)
		index = prev
	}

	m.insertFree(index)

	memutils.DebugValidate(m)
	return nil
}

func (m *SegregatedBlockMetadata) Clear() {
	m.Init(m.Size())
}

func (m *SegregatedBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for index := m.firstBlock; index != noBlock; index = m.blocks[index].nextPhysical {
		block := &m.blocks[index]
		err := handleBlock(m.handle(index), block.offset, block.size, block.userData, block.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *SegregatedBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.lookupAllocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return m.blocks[index].offset, nil
}

func (m *SegregatedBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	index, err := m.lookupAllocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return m.blocks[index].size, nil
}

func (m *SegregatedBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	index, err := m.lookupAllocation(allocHandle)
	if err != nil {
		return nil, err
	}
	return m.blocks[index].userData, nil
}

func (m *SegregatedBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	index, err := m.lookupAllocation(allocHandle)
	if err != nil {
		return err
	}
	m.blocks[index].userData = userData
	return nil
}

func (m *SegregatedBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += m.Size()

	for index := m.firstBlock; index != noBlock; index = m.blocks[index].nextPhysical {
		block := &m.blocks[index]
		if block.free {
			stats.AddUnusedRange(block.size)
		} else {
			stats.AddAllocation(block.size)
		}
	}
}

func (m *SegregatedBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.AllocationCount += m.allocCount
	stats.PageBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

func (m *SegregatedBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.writeJsonSummary(json, m.sumFreeSize, m.allocCount, m.freeCount)
	json.Name("LargestUnusedRange").Int(m.LargestFreeRegion())
}

func (m *SegregatedBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	// Check integrity of free lists
	var freeListCount int
	var nonEmpty uint64
	for class, head := range m.freeHeads {
		if head == noBlock {
			continue
		}
		nonEmpty |= 1 << uint(class)

		if m.blocks[head].prevFree != noBlock {
			return errors.Errorf("block at offset %d is the head of a free list but has a previous block", m.blocks[head].offset)
		}

		for index := head; index != noBlock; index = m.blocks[index].nextFree {
			block := &m.blocks[index]
			if !block.live {
				return errors.Errorf("retired block slot %d is in the free list for class %d", index, class)
			}
			if !block.free {
				return errors.Errorf("block at offset %d is in the free list but is not free", block.offset)
			}
			if m.classes.ClassOf(block.size) != class {
				return errors.Errorf("block at offset %d with size %d is in the free list for class %d", block.offset, block.size, class)
			}
			if block.nextFree != noBlock && m.blocks[block.nextFree].prevFree != index {
				return errors.Errorf("block at offset %d lists the block at offset %d as its next block, but the reverse reference is broken", block.offset, m.blocks[block.nextFree].offset)
			}
			freeListCount++
		}
	}

	if nonEmpty != m.nonEmpty {
		return errors.Errorf("free list bitmap %b does not match the non-empty free lists %b", m.nonEmpty, nonEmpty)
	}

	var calculatedSize, calculatedFreeSize, allocCount, freeCount int
	nextOffset := 0
	prevIndex := noBlock
	prevFree := false

	for index := m.firstBlock; index != noBlock; index = m.blocks[index].nextPhysical {
		block := &m.blocks[index]

		if !block.live {
			return errors.Errorf("retired block slot %d is in the physical block chain", index)
		}
		if block.prevPhysical != prevIndex {
			return errors.Errorf("physical block at offset %d has a broken reference to its previous block", block.offset)
		}
		if block.offset != nextOffset {
			return errors.Errorf("physical block at offset %d does not start at the previous block's end offset %d", block.offset, nextOffset)
		}
		if block.size < 1 {
			return errors.Errorf("physical block at offset %d has invalid size %d", block.offset, block.size)
		}

		if block.free {
			if prevFree {
				return errors.Errorf("free block at offset %d is adjacent to another free block", block.offset)
			}
			freeCount++
			calculatedFreeSize += block.size
		} else {
			allocCount++
		}

		calculatedSize += block.size
		nextOffset = block.offset + block.size
		prevIndex = index
		prevFree = block.free
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("physical blocks cover %d bytes, but the block is %d bytes", calculatedSize, m.Size())
	}

	if allocCount != m.allocCount {
		return errors.Errorf("counted %d allocations, but the metadata reports %d", allocCount, m.allocCount)
	}

	if freeCount != m.freeCount || freeListCount != m.freeCount {
		return errors.Errorf("counted %d free blocks in the physical chain and %d in the free lists, but the metadata reports %d",
			freeCount, freeListCount, m.freeCount)
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("counted %d free bytes, but the metadata reports %d", calculatedFreeSize, m.sumFreeSize)
	}

	return nil
}
