package vam

import (
	"context"
	"fmt"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/memutils/metadata"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/skyhawk/vkalloc/vam/internal/memory"
	"golang.org/x/exp/slog"
)

// pageGroupKey identifies the pages that allocations may share
type pageGroupKey struct {
	memoryTypeIndex int
	lifetime        Lifetime
	nonLinear       bool
}

// memoryPageList is the set of pages of a single memory type and lifetime
type memoryPageList struct {
	key          pageGroupKey
	deviceMemory *memory.DeviceMemoryProperties
	logger       *slog.Logger

	preferredPageSize int
	classes           metadata.SizeClasses
	granularity       metadata.GranularityCheck
	deviceAddress     bool

	// pages are kept in creation order
	pages []*devicePage
}

func (l *memoryPageList) MemoryTypeIndex() int   { return l.key.memoryTypeIndex }
func (l *memoryPageList) PreferredPageSize() int { return l.preferredPageSize }
func (l *memoryPageList) PageCount() int         { return len(l.pages) }

func (l *memoryPageList) Init(
	logger *slog.Logger,
	deviceMemory *memory.DeviceMemoryProperties,
	key pageGroupKey,
	preferredPageSize int,
	classes metadata.SizeClasses,
	granularity metadata.GranularityCheck,
	deviceAddress bool,
) {
	l.logger = logger
	l.deviceMemory = deviceMemory
	l.key = key
	l.preferredPageSize = preferredPageSize
	l.classes = classes
	l.granularity = granularity
	l.deviceAddress = deviceAddress
}

// EmptyPageCount is the number of shared pages with no live allocations
func (l *memoryPageList) EmptyPageCount() int {
	count := 0
	for _, page := range l.pages {
		if !page.dedicated && page.IsEmpty() {
			count++
		}
	}

	return count
}

func (l *memoryPageList) AddStatistics(stats *memutils.Statistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		page := l.pages[pageIndex]
		if page == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		page.metadata.AddStatistics(stats)
	}
}

func (l *memoryPageList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		page := l.pages[pageIndex]
		if page == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		page.metadata.AddDetailedStatistics(stats)
	}
}

// CreatePage allocates a new page from the driver. The page is not added to the list.
func (l *memoryPageList) CreatePage(pageSize int, id PageID, dedicated bool) (*devicePage, error) {
	allocInfo := device.AllocateInfo{
		MemoryTypeIndex: l.key.memoryTypeIndex,
		Size:            pageSize,
		DeviceAddress:   l.deviceAddress,
		Map:             l.deviceMemory.IsMemoryTypeHostVisible(l.key.memoryTypeIndex),
	}

	mem, err := l.deviceMemory.AllocateDeviceMemory(allocInfo)
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Page allocation FAILED",
			slog.Int("MemoryTypeIndex", l.key.memoryTypeIndex),
			slog.Int("size", pageSize),
			slog.Any("error", err),
		)
		return nil, err
	}

	page := &devicePage{}
	page.Init(l.logger, l.deviceMemory, l.key.memoryTypeIndex, mem, pageSize, id, dedicated, l.classes, l.granularity)
	page.parentList = l

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created page",
		slog.Uint64("page.id", uint64(id)),
		slog.Int("MemoryTypeIndex", l.key.memoryTypeIndex),
		slog.Int("size", pageSize),
		slog.Bool("dedicated", dedicated),
	)

	return page, nil
}

func (l *memoryPageList) Add(page *devicePage) {
	l.pages = append(l.pages, page)
}

func (l *memoryPageList) Remove(page *devicePage) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		if l.pages[pageIndex] == page {
			l.pages = append(l.pages[0:pageIndex], l.pages[pageIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a page from a page list that did not belong to it")
}

// AllocateFromExisting searches the shared pages in creation order for room for the allocation
func (l *memoryPageList) AllocateFromExisting(
	size int,
	alignment uint,
	kind ResourceKind,
	strategy metadata.AllocationStrategy,
	outAlloc *Allocation,
) (*devicePage, error) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		currentPage := l.pages[pageIndex]
		if currentPage == nil {
			panic(fmt.Sprintf("a page at index %d is unexpectedly nil", pageIndex))
		}
		if currentPage.dedicated {
			continue
		}

		found, err := l.allocFromPage(currentPage, size, alignment, kind, strategy, outAlloc)
		if err != nil {
			return nil, err
		} else if found {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing page", slog.Uint64("page.id", uint64(currentPage.id)))
			return currentPage, nil
		}
	}

	return nil, nil
}

// AllocateFromNewPage places the allocation at the start of a freshly created page
func (l *memoryPageList) AllocateFromNewPage(
	page *devicePage,
	size int,
	alignment uint,
	kind ResourceKind,
	strategy metadata.AllocationStrategy,
	outAlloc *Allocation,
) error {
	found, err := l.allocFromPage(page, size, alignment, kind, strategy, outAlloc)
	if err != nil {
		return err
	} else if !found {
		panic(fmt.Sprintf("created page %d of size %d to hold an allocation of size %d but the allocation did not fit", page.id, page.Size(), size))
	}

	return nil
}

func (l *memoryPageList) allocFromPage(
	page *devicePage,
	size int,
	alignment uint,
	kind ResourceKind,
	strategy metadata.AllocationStrategy,
	outAlloc *Allocation,
) (bool, error) {
	handle, offset, found, err := page.TryAlloc(size, alignment, kind, strategy, outAlloc)
	if err != nil || !found {
		return false, err
	}

	outAlloc.initPageAllocation(page, handle, offset)
	return true, nil
}

func (l *memoryPageList) Validate() error {
	for _, page := range l.pages {
		err := page.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryPageList) PrintDetailedMap(json *jwriter.ObjectState) {
	for i := 0; i < len(l.pages); i++ {
		page := l.pages[i]

		pageObj := json.Name(strconv.FormatUint(uint64(page.id), 10)).Object()

		pageObj.Name("Dedicated").Bool(page.dedicated)
		pageObj.Name("Lifetime").String(l.key.lifetime.String())
		page.metadata.BlockJsonData(&pageObj)

		l.printDetailedMapAllocations(page.metadata, &pageObj)

		pageObj.End()
	}
}

func (l *memoryPageList) printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
