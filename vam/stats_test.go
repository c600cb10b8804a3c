package vam

import (
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/stretchr/testify/require"
)

func TestStatsEmpty(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{})

	require.Equal(t, Stats{BusiestMemoryType: -1}, allocator.Stats())
}

func TestStatsBusiestMemoryType(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{DefaultPageSize: mib})

	readback, err := allocator.Alloc(AllocationRequest{Size: 4096, Alignment: 1, Usage: MemoryUsageHostReadback})
	require.NoError(t, err)
	_, err = allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1})
	require.NoError(t, err)

	stats := allocator.Stats()
	require.Equal(t, 2, stats.BusiestMemoryType)
	require.Equal(t, 2*mib, stats.TotalReserved)
	require.Equal(t, 4096+1024, stats.TotalUsed)
	require.Equal(t, 2*mib-4096-1024, stats.TotalFree)
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 2, stats.AllocationCount)

	require.NoError(t, readback.Free())
	require.Equal(t, 0, allocator.Stats().BusiestMemoryType)
}

func TestStatsBusiestTypeCountsUsedBytes(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{DefaultPageSize: mib})

	_, err := allocator.Alloc(AllocationRequest{Size: mib, Alignment: 1})
	require.NoError(t, err)
	retained, err := allocator.Alloc(AllocationRequest{Size: mib, Alignment: 1})
	require.NoError(t, err)
	require.NoError(t, retained.Free())

	readback, err := allocator.Alloc(AllocationRequest{Size: 3 * mib / 2, Alignment: 1, Usage: MemoryUsageHostReadback})
	require.NoError(t, err)
	require.True(t, readback.IsDedicated())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2*mib, stats.MemoryTypes[0].PageBytes)
	require.Equal(t, mib, stats.MemoryTypes[0].AllocationBytes)
	require.Equal(t, 3*mib/2, stats.MemoryTypes[2].PageBytes)

	// Type 0 reserves more, but type 2 uses more
	require.Equal(t, 2, allocator.Stats().BusiestMemoryType)
}

func TestStatsTieGoesToLowestType(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{DefaultPageSize: mib})

	_, err := allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1, Usage: MemoryUsageHostReadback})
	require.NoError(t, err)
	_, err = allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1})
	require.NoError(t, err)

	require.Equal(t, 0, allocator.Stats().BusiestMemoryType)
}

func TestCalculateStatistics(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{DefaultPageSize: mib})

	first, err := allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1})
	require.NoError(t, err)
	_, err = allocator.Alloc(AllocationRequest{Size: 3000, Alignment: 1})
	require.NoError(t, err)
	_, err = allocator.Alloc(AllocationRequest{Size: 512, Alignment: 1, Usage: MemoryUsageHostVisibleRequired})
	require.NoError(t, err)
	require.NoError(t, first.Free())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)

	typeStats := stats.MemoryTypes[0]
	require.Equal(t, 1, typeStats.PageCount)
	require.Equal(t, mib, typeStats.PageBytes)
	require.Equal(t, 1, typeStats.AllocationCount)
	require.Equal(t, 3072, typeStats.AllocationBytes)
	require.Equal(t, 2, typeStats.UnusedRangeCount)
	require.Equal(t, 1024, typeStats.UnusedRangeSizeMin)
	require.Equal(t, mib-4096, typeStats.UnusedRangeSizeMax)

	require.Equal(t, typeStats, stats.MemoryHeaps[0])
	require.Equal(t, 1, stats.MemoryHeaps[2].AllocationCount)
	require.Equal(t, 0, stats.MemoryHeaps[1].PageCount)

	require.Equal(t, 2, stats.Total.PageCount)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 3072+512, stats.Total.AllocationBytes)
}

func TestCompactKeepsLivePages(t *testing.T) {
	allocator, driver := discreteAllocator(t, CreateOptions{DefaultPageSize: mib, RetainedEmptyPages: 4})

	var allocs []*Allocation
	for i := 0; i < 4; i++ {
		alloc, err := allocator.Alloc(AllocationRequest{Size: mib, Alignment: 1})
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	require.NoError(t, allocs[0].Free())
	require.NoError(t, allocs[2].Free())
	require.Equal(t, 4, driver.LiveAllocationCount())

	require.Equal(t, CompactResult{PagesReleased: 2, BytesReleased: 2 * mib}, allocator.Compact())
	require.Equal(t, 2, driver.LiveAllocationCount())
	require.Equal(t, CompactResult{}, allocator.Compact())

	_, err := allocator.MappedPointer(allocs[1])
	require.ErrorIs(t, err, ErrNotHostVisible)
}

func readJsonObjectNames(t *testing.T, reader *jreader.Reader) []string {
	var names []string
	for obj := reader.Object(); obj.Next(); {
		names = append(names, string(obj.Name()))
		require.NoError(t, reader.SkipValue())
	}
	require.NoError(t, reader.Error())
	return names
}

func TestBuildStatsString(t *testing.T) {
	allocator, _ := discreteAllocator(t, CreateOptions{DefaultPageSize: mib})

	_, err := allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1, Name: "vertex-buffer"})
	require.NoError(t, err)
	_, err = allocator.Alloc(AllocationRequest{Size: 1024, Alignment: 1, Lifetime: 3, Kind: ResourceNonLinear})
	require.NoError(t, err)

	summary := allocator.BuildStatsString(false)
	reader := jreader.NewReader([]byte(summary))
	require.Equal(t, []string{"General", "Total", "MemoryHeaps"}, readJsonObjectNames(t, &reader))

	detailed := allocator.BuildStatsString(true)
	reader = jreader.NewReader([]byte(detailed))
	require.Equal(t, []string{"General", "Total", "MemoryHeaps", "Pages"}, readJsonObjectNames(t, &reader))
	require.Contains(t, detailed, `"Type 0/Default"`)
	require.Contains(t, detailed, `"Type 0/3"`)
	require.Contains(t, detailed, `"vertex-buffer"`)
}
