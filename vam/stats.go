package vam

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/skyhawk/vkalloc/vam/internal/memory"
	"golang.org/x/exp/slices"
)

// Stats is a summary of the allocator's memory use
type Stats struct {
	// TotalReserved is the number of bytes of device memory held in pages
	TotalReserved int
	// TotalUsed is the number of page bytes reserved by live allocations
	TotalUsed int
	// TotalFree is the number of page bytes not reserved by any allocation
	TotalFree int
	// PageCount is the number of pages held
	PageCount int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// FragmentationRatio is 1 - (largest free range / free bytes) for BusiestMemoryType
	FragmentationRatio float64
	// BusiestMemoryType is the memory type with the most used bytes, or -1 if no pages are held
	BusiestMemoryType int
}

// CompactResult reports the pages released by Allocator.Compact
type CompactResult struct {
	PagesReleased int
	BytesReleased int
}

// AllocatorStatistics breaks the allocator's usage down by memory type and memory heap
type AllocatorStatistics struct {
	MemoryTypes [device.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [device.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// Budget is a heap's usage alongside the amount of it the allocator is willing to use
type Budget = memory.Budget

func (a *Allocator) calculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for i := 0; i < device.MaxMemoryTypes; i++ {
		stats.MemoryTypes[i].Clear()
	}
	for i := 0; i < device.MaxMemoryHeaps; i++ {
		stats.MemoryHeaps[i].Clear()
	}

	a.pageGroups.Iter(func(key pageGroupKey, list *memoryPageList) bool {
		list.AddDetailedStatistics(&stats.MemoryTypes[key.memoryTypeIndex])
		return false
	})

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// CalculateStatistics fills stats with the allocator's usage by memory type, by memory heap, and
// in total
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.calculateStatistics(stats)
}

// Stats summarizes the allocator's memory use
func (a *Allocator) Stats() Stats {
	a.logger.Debug("Allocator::Stats")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats AllocatorStatistics
	a.calculateStatistics(&stats)

	result := Stats{
		TotalReserved:     stats.Total.PageBytes,
		TotalUsed:         stats.Total.AllocationBytes,
		TotalFree:         stats.Total.UnusedBytes(),
		PageCount:         stats.Total.PageCount,
		AllocationCount:   stats.Total.AllocationCount,
		BusiestMemoryType: -1,
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		typeStats := &stats.MemoryTypes[typeIndex]
		if typeStats.PageCount == 0 {
			continue
		}

		if result.BusiestMemoryType < 0 || typeStats.AllocationBytes > stats.MemoryTypes[result.BusiestMemoryType].AllocationBytes {
			result.BusiestMemoryType = typeIndex
		}
	}

	if result.BusiestMemoryType >= 0 {
		result.FragmentationRatio = stats.MemoryTypes[result.BusiestMemoryType].FragmentationRatio()
	}

	return result
}

// HeapBudgets fills budgets with the usage of each heap, starting with firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) error {
	a.logger.Debug("Allocator::HeapBudgets")

	if firstHeap < 0 || firstHeap+len(budgets) > a.deviceMemory.MemoryHeapCount() {
		return errors.Newf("requested budgets for heaps %d through %d, but the device only has %d heaps",
			firstHeap, firstHeap+len(budgets)-1, a.deviceMemory.MemoryHeapCount())
	}

	a.deviceMemory.HeapBudgets(firstHeap, budgets)
	return nil
}

func (a *Allocator) printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PageCount").Int(stats.PageCount)
	json.Name("PageBytes").Int(stats.PageBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
	json.Name("FragmentationRatio").Float64(stats.FragmentationRatio())
}

// BuildStatsString produces a JSON document describing the allocator's heaps, memory types, and
// usage. If detailedMap is true, every page and every allocation within it is listed as well.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats AllocatorStatistics
	a.calculateStatistics(&stats)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.Name("BufferImageGranularity").Int(a.properties.Limits.BufferImageGranularity)
	generalObj.Name("NonCoherentAtomSize").Int(a.properties.Limits.NonCoherentAtomSize)
	generalObj.Name("SizeClassGranule").Int(a.classes.Granule())
	generalObj.Name("SizeClassCount").Int(a.classes.Count())
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	a.printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := heapsObj.Name("Heap " + strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Flags").String(heap.Flags.String())
		heapObj.Name("Size").Int(heap.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("PageBytes").Int(budgets[heapIndex].Statistics.PageBytes)
		budgetObj.Name("AllocationBytes").Int(budgets[heapIndex].Statistics.AllocationBytes)
		budgetObj.Name("PageCount").Int(budgets[heapIndex].Statistics.PageCount)
		budgetObj.Name("AllocationCount").Int(budgets[heapIndex].Statistics.AllocationCount)
		budgetObj.Name("Usage").Int(budgets[heapIndex].Usage)
		budgetObj.Name("Budget").Int(budgets[heapIndex].Budget)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		a.printDetailedStatistics(&statsObj, &stats.MemoryHeaps[heapIndex])
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			memoryType := a.deviceMemory.MemoryTypeProperties(typeIndex)
			if memoryType.HeapIndex != heapIndex {
				continue
			}

			typeObj := typesObj.Name("Type " + strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(memoryType.PropertyFlags.String())
			typeObj.Name("PreferredPageSize").Int(a.calculatePreferredPageSize(typeIndex))

			typeStatsObj := typeObj.Name("Stats").Object()
			a.printDetailedStatistics(&typeStatsObj, &stats.MemoryTypes[typeIndex])
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	if detailedMap {
		a.printDetailedMap(&rootObj)
	}

	rootObj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	lists := make([]*memoryPageList, 0, a.pageGroups.Count())
	a.pageGroups.Iter(func(key pageGroupKey, list *memoryPageList) bool {
		lists = append(lists, list)
		return false
	})

	slices.SortFunc(lists, func(left, right *memoryPageList) bool {
		if left.key.memoryTypeIndex != right.key.memoryTypeIndex {
			return left.key.memoryTypeIndex < right.key.memoryTypeIndex
		}
		if left.key.lifetime != right.key.lifetime {
			return left.key.lifetime < right.key.lifetime
		}
		return !left.key.nonLinear && right.key.nonLinear
	})

	pagesObj := json.Name("Pages").Object()
	for _, list := range lists {
		name := "Type " + strconv.Itoa(list.key.memoryTypeIndex) + "/" + list.key.lifetime.String()
		if list.key.nonLinear {
			name += "/NonLinear"
		}

		typeObj := pagesObj.Name(name).Object()
		list.PrintDetailedMap(&typeObj)
		typeObj.End()
	}
	pagesObj.End()
}
