package vam

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/memutils/metadata"
	"github.com/skyhawk/vkalloc/vam/internal/memory"
	"github.com/skyhawk/vkalloc/vam/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// Allocator carves pages of device memory into allocations. Pages are grouped by memory type and
// lifetime, and are allocated from the Driver as the groups need them.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalMutex

	properties             DeviceProperties
	deviceMemory           *memory.DeviceMemoryProperties
	classes                metadata.SizeClasses
	granularity            metadata.GranularityCheck
	strategy               AllocationStrategy
	defaultPageSize        int
	retainedEmptyPages     int
	deviceAddress          bool
	separateNonLinearPages bool

	pages      *swiss.Map[PageID, *devicePage]
	pageGroups *swiss.Map[pageGroupKey, *memoryPageList]
	nextPageID PageID
}

// SizeClasses returns the size classes that every page of this allocator uses
func (a *Allocator) SizeClasses() metadata.SizeClasses { return a.classes }

// DeviceProperties returns the memory types, heaps and limits the allocator was created with
func (a *Allocator) DeviceProperties() DeviceProperties { return a.properties }

// Sizes and alignments above this cannot be rounded up without overflowing an int
const maxRequestBytes = 1 << 62

func (a *Allocator) validateRequest(request *AllocationRequest) error {
	if request.Size < 1 {
		return errors.Wrapf(memutils.ErrInvalidAlignment, "allocation size must be at least 1, but was %d", request.Size)
	}

	if request.Size > maxRequestBytes {
		return errors.Wrapf(memutils.ErrInvalidAlignment, "allocation size must be at most %d, but was %d", maxRequestBytes, request.Size)
	}

	err := memutils.CheckPow2(request.Alignment, "AllocationRequest.Alignment")
	if err != nil {
		return errors.Wrap(memutils.ErrInvalidAlignment, err.Error())
	}

	if request.Alignment > maxRequestBytes {
		return errors.Wrapf(memutils.ErrInvalidAlignment, "allocation alignment must be at most %d, but was %d", maxRequestBytes, request.Alignment)
	}

	if request.Flags&AllocationCreateDedicatedMemory != 0 && request.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	return nil
}

func (a *Allocator) groupKey(memoryTypeIndex int, request *AllocationRequest) pageGroupKey {
	return pageGroupKey{
		memoryTypeIndex: memoryTypeIndex,
		lifetime:        request.Lifetime,
		nonLinear:       a.separateNonLinearPages && request.Kind == ResourceNonLinear,
	}
}

// pageList returns the page group for the key. New groups are not registered until they hold a page.
func (a *Allocator) pageList(key pageGroupKey) (*memoryPageList, bool) {
	list, ok := a.pageGroups.Get(key)
	if ok {
		return list, true
	}

	list = &memoryPageList{}
	list.Init(
		a.logger,
		a.deviceMemory,
		key,
		a.calculatePreferredPageSize(key.memoryTypeIndex),
		a.classes,
		a.granularity,
		a.deviceAddress,
	)
	return list, false
}

// Alloc reserves a region of device memory that satisfies the request. On failure, nothing about
// the allocator has changed.
func (a *Allocator) Alloc(request AllocationRequest) (*Allocation, error) {
	a.logger.Debug("Allocator::Alloc")

	err := a.validateRequest(&request)
	if err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	memoryTypeIndex, err := a.findMemoryTypeIndex(request.MemoryTypeBits, request.Usage)
	if err != nil {
		return nil, err
	}

	alignment := request.Alignment
	if granule := uint(a.classes.Granule()); granule > alignment {
		alignment = granule
	}
	if typeAlignment := a.deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex); typeAlignment > alignment {
		alignment = typeAlignment
	}

	strategy := request.Strategy
	if strategy == 0 {
		strategy = a.strategy
	}

	list, registered := a.pageList(a.groupKey(memoryTypeIndex, &request))
	reserved := a.classes.RoundUp(request.Size)

	alloc := &Allocation{}
	alloc.init(a, &request, memoryTypeIndex, alignment)

	if request.Flags&AllocationCreateDedicatedMemory != 0 || reserved > list.PreferredPageSize() {
		err = a.allocateNewPage(list, memutils.AlignUp(reserved, alignment), true, request.Size, alignment, request.Kind, strategy, alloc)
	} else {
		var page *devicePage
		page, err = list.AllocateFromExisting(request.Size, alignment, request.Kind, strategy, alloc)
		if err == nil && page == nil {
			if request.Flags&AllocationCreateNeverAllocate != 0 {
				err = errors.Wrapf(memutils.ErrOutOfDeviceMemory, "no existing page of memory type %d can hold %d bytes and AllocationCreateNeverAllocate was specified", memoryTypeIndex, request.Size)
			} else {
				pageSize := list.PreferredPageSize()
				if alignedSize := memutils.AlignUp(reserved, alignment); alignedSize > pageSize {
					pageSize = alignedSize
				}
				err = a.allocateNewPage(list, pageSize, false, request.Size, alignment, request.Kind, strategy, alloc)
			}
		}
	}

	if err != nil {
		a.logger.Debug("  Alloc FAILED", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("Size", request.Size), slog.Any("error", err))
		return nil, err
	}

	if !registered {
		a.pageGroups.Put(list.key, list)
	}

	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), alloc.reservedSize)

	return alloc, nil
}

func (a *Allocator) allocateNewPage(
	list *memoryPageList,
	pageSize int,
	dedicated bool,
	size int,
	alignment uint,
	kind ResourceKind,
	strategy AllocationStrategy,
	alloc *Allocation,
) error {
	page, err := list.CreatePage(pageSize, a.nextPageID, dedicated)
	if err != nil {
		return err
	}

	err = list.AllocateFromNewPage(page, size, alignment, kind, strategy, alloc)
	if err != nil {
		page.release()
		return err
	}

	a.nextPageID++
	list.Add(page)
	a.pages.Put(page.id, page)

	return nil
}

// lookupLive returns the page that holds a live allocation
func (a *Allocator) lookupLive(alloc *Allocation) (*devicePage, error) {
	if alloc == nil {
		return nil, errors.Wrap(memutils.ErrInvalidHandle, "attempted to use a nil allocation")
	} else if alloc.parentAllocator != a {
		return nil, errors.Wrap(memutils.ErrInvalidHandle, "the allocation belongs to a different allocator")
	}

	page, ok := a.pages.Get(alloc.pageID)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrInvalidHandle, "page %d has been released", alloc.pageID)
	}

	userData, err := page.metadata.AllocationUserData(alloc.handle)
	if err != nil {
		return nil, err
	} else if userData != alloc {
		return nil, errors.Wrapf(memutils.ErrInvalidHandle, "the block at offset %d of page %d belongs to another allocation", alloc.offset, alloc.pageID)
	}

	return page, nil
}

// Free releases an allocation. Freeing an allocation twice, or freeing an allocation from another
// Allocator, fails with ErrInvalidHandle.
func (a *Allocator) Free(alloc *Allocation) error {
	a.logger.Debug("Allocator::Free")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	page, err := a.lookupLive(alloc)
	if err != nil {
		return err
	}

	err = page.Free(alloc.handle)
	if err != nil {
		return err
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.reservedSize)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from page",
		slog.Uint64("page.id", uint64(page.id)),
		slog.Int("MemoryTypeIndex", alloc.memoryTypeIndex),
	)

	if page.IsEmpty() && (page.dedicated || page.parentList.EmptyPageCount() > a.retainedEmptyPages) {
		a.destroyPage(page)
	}

	return nil
}

func (a *Allocator) destroyPage(page *devicePage) int {
	list := page.parentList
	size := page.Size()
	err := page.Destroy()
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when destroying an empty page: %+v", err))
	}

	list.Remove(page)
	a.pages.Delete(page.id)
	if list.PageCount() == 0 {
		a.pageGroups.Delete(list.key)
	}

	return size
}

// MappedPointer returns the host address of a live allocation in host-visible memory
func (a *Allocator) MappedPointer(alloc *Allocation) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::MappedPointer")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	page, err := a.lookupLive(alloc)
	if err != nil {
		return nil, err
	}

	return page.MappedPointer(alloc.offset)
}

// sortedPages returns every page in ID order, which is also creation order
func (a *Allocator) sortedPages() []*devicePage {
	pages := make([]*devicePage, 0, a.pages.Count())
	a.pages.Iter(func(id PageID, page *devicePage) bool {
		pages = append(pages, page)
		return false
	})

	slices.SortFunc(pages, func(left, right *devicePage) bool {
		return left.id < right.id
	})

	return pages
}

// Compact releases every page that holds no live allocations, including the empty pages that
// page groups retain
func (a *Allocator) Compact() CompactResult {
	a.logger.Debug("Allocator::Compact")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result CompactResult
	for _, page := range a.sortedPages() {
		if !page.IsEmpty() {
			continue
		}

		result.BytesReleased += a.destroyPage(page)
		result.PagesReleased++
	}

	return result
}

// Destroy releases every page back to the driver. If allocations are still live, each of them is
// logged at error level and an error is returned, but the pages are released regardless.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	unreleased := 0
	for _, page := range a.sortedPages() {
		if !page.IsEmpty() {
			unreleased += page.metadata.AllocationCount()
			page.logUnreleasedAllocations()
		}

		page.release()
		page.parentList.Remove(page)
		a.pages.Delete(page.id)
	}
	a.pageGroups = swiss.NewMap[pageGroupKey, *memoryPageList](16)

	if unreleased > 0 {
		return errors.Newf("%d allocations were not freed before the allocator was destroyed", unreleased)
	}

	return nil
}

// Validate checks the internal consistency of every page
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, page := range a.sortedPages() {
		err := page.Validate()
		if err != nil {
			return errors.Wrapf(err, "page %d", page.id)
		}
	}

	return nil
}
