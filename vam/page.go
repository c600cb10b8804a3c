package vam

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/memutils/metadata"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/skyhawk/vkalloc/vam/internal/memory"
	"golang.org/x/exp/slog"
)

// PageID identifies a page for the lifetime of its Allocator. IDs are never reused.
type PageID uint64

type devicePage struct {
	id              PageID
	memory          device.Memory
	memoryTypeIndex int
	dedicated       bool
	parentList      *memoryPageList
	logger          *slog.Logger

	metadata     *metadata.SegregatedBlockMetadata
	deviceMemory *memory.DeviceMemoryProperties
}

func (p *devicePage) Init(
	logger *slog.Logger,
	deviceMemory *memory.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory device.Memory,
	newSize int,
	id PageID,
	dedicated bool,
	classes metadata.SizeClasses,
	granularity metadata.GranularityCheck,
) {
	if p.metadata != nil {
		panic("attempting to initialize a device page that is already in use")
	}

	p.id = id
	p.memory = newMemory
	p.memoryTypeIndex = newMemoryTypeIndex
	p.dedicated = dedicated
	p.logger = logger
	p.deviceMemory = deviceMemory

	p.metadata = metadata.NewSegregatedBlockMetadata(classes, granularity)
	p.metadata.Init(newSize)
}

func (p *devicePage) Size() int     { return p.metadata.Size() }
func (p *devicePage) IsEmpty() bool { return p.metadata.IsEmpty() }

// TryAlloc carves an allocation out of the page, if some free block can host it. userData is
// stored alongside the block.
func (p *devicePage) TryAlloc(size int, alignment uint, kind ResourceKind, strategy metadata.AllocationStrategy, userData any) (metadata.BlockAllocationHandle, int, bool, error) {
	if !p.metadata.MayHaveFreeBlock(uint32(kind), size) {
		return metadata.NoAllocation, 0, false, nil
	}

	success, request, err := p.metadata.CreateAllocationRequest(size, alignment, uint32(kind), strategy)
	if err != nil {
		return metadata.NoAllocation, 0, false, err
	} else if !success {
		return metadata.NoAllocation, 0, false, nil
	}

	err = p.metadata.Alloc(request, uint32(kind), userData)
	if err != nil {
		return metadata.NoAllocation, 0, false, err
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated from page",
		slog.Uint64("page.id", uint64(p.id)),
		slog.Int("offset", request.Item.Offset),
		slog.Int("size", request.Size),
		slog.String("split", request.Type.String()),
	)

	return request.BlockAllocationHandle, request.Item.Offset, true, nil
}

// Free returns a block to the page, merging it with free neighbors
func (p *devicePage) Free(handle metadata.BlockAllocationHandle) error {
	err := p.metadata.Free(handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(p)
	return nil
}

func (p *devicePage) IsHostVisible() bool {
	return p.memory.Mapped != nil
}

func (p *devicePage) MappedPointer(offset int) (unsafe.Pointer, error) {
	if p.memory.Mapped == nil {
		return nil, errors.Wrapf(ErrNotHostVisible, "memory type %d", p.memoryTypeIndex)
	}
	if offset < 0 || offset >= p.Size() {
		return nil, errors.Newf("offset %d is outside of page %d, which is size %d", offset, p.id, p.Size())
	}

	return unsafe.Add(p.memory.Mapped, offset), nil
}

// Destroy returns the page's memory to the driver. It refuses to do so while allocations are live.
func (p *devicePage) Destroy() error {
	if !p.metadata.IsEmpty() {
		p.logUnreleasedAllocations()
		return errors.Newf("some allocations were not freed before the destruction of page %d", p.id)
	}

	p.release()
	return nil
}

// release returns the page's memory to the driver whether or not allocations are still live
func (p *devicePage) release() {
	if p.metadata == nil {
		panic("attempting to destroy a device page that was already destroyed")
	}

	heapIndex := p.deviceMemory.MemoryTypeIndexToHeapIndex(p.memoryTypeIndex)
	_ = p.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if !free {
			p.deviceMemory.RemoveAllocation(heapIndex, size)
		}
		return nil
	})

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released page",
		slog.Uint64("page.id", uint64(p.id)),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
		slog.Int("size", p.Size()),
	)

	p.deviceMemory.FreeDeviceMemory(p.memoryTypeIndex, p.Size(), p.memory)
	p.metadata.Clear()
	p.metadata = nil
	p.memory = device.Memory{}
}

func (p *devicePage) logUnreleasedAllocations() {
	err := p.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		p.logUnreleasedMemory(offset, size, userData)
		return nil
	})
	if err != nil {
		p.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}
}

func (p *devicePage) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	userData = allocation.UserData()
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Uint64("page.id", uint64(p.id)),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (p *devicePage) Validate() error {
	if p.metadata == nil {
		return errors.Newf("page %d has already been destroyed", p.id)
	}
	if p.metadata.Size() < 1 {
		return errors.New("this page's metadata has an invalid size")
	}

	err := p.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Errorf("an allocation at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Errorf("an allocation at offset %d is marked as allocated but has no allocation object", offset)
		}

		if !free {
			if allocation.offset != offset || allocation.reservedSize != size || allocation.pageID != p.id {
				return errors.Errorf("the allocation at offset %d, size %d does not match its handle: page %d, offset %d, size %d",
					offset, size, allocation.pageID, allocation.offset, allocation.reservedSize)
			}
			if allocation.offset%int(allocation.alignment) != 0 {
				return errors.Errorf("the allocation at offset %d is not aligned to %d", offset, allocation.alignment)
			}
		}

		return nil
	})

	if err != nil {
		return err
	}

	return p.metadata.Validate()
}
