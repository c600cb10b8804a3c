package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/memutils/metadata"
	"github.com/stretchr/testify/require"
)

func newTestMetadata(t *testing.T, size int) *metadata.SegregatedBlockMetadata {
	seg := metadata.NewSegregatedBlockMetadata(metadata.DefaultSizeClasses(), metadata.FakeGranularityCheck{})
	seg.Init(size)
	require.NoError(t, seg.Validate())
	return seg
}

func allocate(t *testing.T, seg *metadata.SegregatedBlockMetadata, size int, alignment uint, allocType uint32) (metadata.BlockAllocationHandle, int) {
	success, req, err := seg.CreateAllocationRequest(size, alignment, allocType, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)

	handle := req.BlockAllocationHandle
	err = seg.Alloc(req, allocType, &handle)
	require.NoError(t, err)
	require.NoError(t, seg.Validate())

	offset, err := seg.AllocationOffset(handle)
	require.NoError(t, err)
	return handle, offset
}

func TestSegregatedBasicAlloc(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	var stats memutils.DetailedStatistics
	stats.Clear()
	seg.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PageCount:       1,
			PageBytes:       4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 4096,
		UnusedRangeSizeMax: 4096,
	}, stats)

	success, req, err := seg.CreateAllocationRequest(100, 1, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 256, req.Size)
	require.Equal(t, 0, req.Item.Offset)
	require.Equal(t, metadata.AllocationRequestSplitTail, req.Type)

	alloc1 := req.BlockAllocationHandle
	err = seg.Alloc(req, 1, &alloc1)
	require.NoError(t, err)
	require.NoError(t, seg.Validate())

	stats.Clear()
	seg.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PageCount:       1,
			PageBytes:       4096,
			AllocationCount: 1,
			AllocationBytes: 256,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  256,
		AllocationSizeMax:  256,
		UnusedRangeSizeMin: 3840,
		UnusedRangeSizeMax: 3840,
	}, stats)

	userData, err := seg.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, &alloc1, userData)

	size, err := seg.AllocationSize(alloc1)
	require.NoError(t, err)
	require.Equal(t, 256, size)

	require.NoError(t, seg.Free(alloc1))
	require.NoError(t, seg.Validate())
	require.True(t, seg.IsEmpty())
	require.Equal(t, 1, seg.FreeRegionsCount())
	require.Equal(t, 4096, seg.SumFreeSize())
	require.Equal(t, 4096, seg.LargestFreeRegion())
}

func TestSegregatedAlignmentSplitsFront(t *testing.T) {
	seg := newTestMetadata(t, 8192)

	_, offset := allocate(t, seg, 256, 256, 1)
	require.Equal(t, 0, offset)

	success, req, err := seg.CreateAllocationRequest(256, 1024, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 1024, req.Item.Offset)
	require.Equal(t, metadata.AllocationRequestSplitBoth, req.Type)
	require.Equal(t, uint64(768), req.AlgorithmData)

	require.NoError(t, seg.Alloc(req, 1, nil))
	require.NoError(t, seg.Validate())

	// [0,256) used, [256,1024) free, [1024,1280) used, [1280,8192) free
	require.Equal(t, 2, seg.FreeRegionsCount())
	require.Equal(t, 8192-512, seg.SumFreeSize())
	require.Equal(t, 8192-1280, seg.LargestFreeRegion())

	// The front remainder is reused by a later request that fits it
	_, offset = allocate(t, seg, 512, 256, 1)
	require.Equal(t, 256, offset)
}

func TestSegregatedCoalesce(t *testing.T) {
	testCases := map[string]struct {
		FreeFirstA bool
	}{
		"FreeLowFirst":  {FreeFirstA: true},
		"FreeHighFirst": {FreeFirstA: false},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			seg := newTestMetadata(t, 2048)

			a, aOffset := allocate(t, seg, 512, 256, 1)
			b, bOffset := allocate(t, seg, 512, 256, 1)
			c, _ := allocate(t, seg, 1024, 256, 1)
			require.Equal(t, 0, aOffset)
			require.Equal(t, 512, bOffset)
			require.Equal(t, 0, seg.FreeRegionsCount())

			first, second := a, b
			if !testCase.FreeFirstA {
				first, second = b, a
			}

			require.NoError(t, seg.Free(first))
			require.NoError(t, seg.Validate())
			require.Equal(t, 1, seg.FreeRegionsCount())

			require.NoError(t, seg.Free(second))
			require.NoError(t, seg.Validate())
			require.Equal(t, 1, seg.FreeRegionsCount())
			require.Equal(t, 1024, seg.LargestFreeRegion())

			var regions []int
			err := seg.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
				regions = append(regions, offset, size)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, []int{0, 1024, 1024, 1024}, regions)

			require.NoError(t, seg.Free(c))
			require.NoError(t, seg.Validate())
			require.Equal(t, 2048, seg.LargestFreeRegion())
		})
	}
}

func TestSegregatedStaleHandles(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	a, _ := allocate(t, seg, 256, 256, 1)
	require.NoError(t, seg.Free(a))

	err := seg.Free(a)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)

	// The slot is reused for the new allocation, but the old handle must stay dead
	b, offset := allocate(t, seg, 256, 256, 1)
	require.Equal(t, 0, offset)
	require.NotEqual(t, a, b)

	_, err = seg.AllocationOffset(a)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	require.ErrorIs(t, seg.Free(a), memutils.ErrInvalidHandle)
	require.ErrorIs(t, seg.Free(metadata.NoAllocation), memutils.ErrInvalidHandle)

	require.Equal(t, 1, seg.AllocationCount())
	require.NoError(t, seg.Free(b))
	require.NoError(t, seg.Validate())
}

func TestSegregatedClearInvalidatesHandles(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	a, _ := allocate(t, seg, 256, 256, 1)
	b, _ := allocate(t, seg, 1024, 256, 1)

	seg.Clear()
	require.NoError(t, seg.Validate())
	require.True(t, seg.IsEmpty())
	require.Equal(t, 4096, seg.SumFreeSize())

	require.ErrorIs(t, seg.Free(a), memutils.ErrInvalidHandle)
	require.ErrorIs(t, seg.Free(b), memutils.ErrInvalidHandle)
}

func TestSegregatedFragmentedPageRejectsLargerRequest(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	var handles []metadata.BlockAllocationHandle
	for i := 0; i < 16; i++ {
		handle, offset := allocate(t, seg, 256, 256, 1)
		require.Equal(t, i*256, offset)
		handles = append(handles, handle)
	}

	success, _, err := seg.CreateAllocationRequest(256, 256, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.False(t, success)

	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, seg.Free(handles[i]))
	}
	require.NoError(t, seg.Validate())
	require.Equal(t, 8, seg.FreeRegionsCount())
	require.Equal(t, 2048, seg.SumFreeSize())
	require.Equal(t, 256, seg.LargestFreeRegion())
	require.False(t, seg.MayHaveFreeBlock(1, 512))

	success, _, err = seg.CreateAllocationRequest(512, 256, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = seg.CreateAllocationRequest(256, 256, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
}

func TestSegregatedStrategies(t *testing.T) {
	testCases := map[string]struct {
		Strategy       metadata.AllocationStrategy
		ExpectedOffset int
	}{
		"MinTime":   {Strategy: metadata.AllocationStrategyMinTime, ExpectedOffset: 0},
		"MinMemory": {Strategy: metadata.AllocationStrategyMinMemory, ExpectedOffset: 1024},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			seg := newTestMetadata(t, 8192)

			a, _ := allocate(t, seg, 768, 256, 1)
			allocate(t, seg, 256, 256, 1)
			c, cOffset := allocate(t, seg, 512, 256, 1)
			allocate(t, seg, 256, 256, 1)
			require.Equal(t, 1024, cOffset)

			// Class 1 now holds the 512 byte hole behind the 768 byte hole
			require.NoError(t, seg.Free(c))
			require.NoError(t, seg.Free(a))
			require.NoError(t, seg.Validate())

			success, req, err := seg.CreateAllocationRequest(512, 256, 1, testCase.Strategy)
			require.NoError(t, err)
			require.True(t, success)
			require.Equal(t, testCase.ExpectedOffset, req.Item.Offset)
		})
	}
}

func TestSegregatedGranularityConflict(t *testing.T) {
	seg := metadata.NewSegregatedBlockMetadata(metadata.DefaultSizeClasses(), metadata.FakeGranularityCheck{PageSize: 1024})
	seg.Init(8192)

	_, offset := allocate(t, seg, 256, 256, 1)
	require.Equal(t, 0, offset)

	// Same type shares the granularity page
	_, offset = allocate(t, seg, 256, 256, 1)
	require.Equal(t, 256, offset)

	// A conflicting type is pushed onto the next granularity page
	_, offset = allocate(t, seg, 256, 256, 2)
	require.Equal(t, 1024, offset)

	// The hole left behind can still host the first type
	_, offset = allocate(t, seg, 256, 256, 1)
	require.Equal(t, 512, offset)
}

func TestSegregatedInvalidRequests(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	_, _, err := seg.CreateAllocationRequest(0, 1, 1, metadata.AllocationStrategyMinTime)
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	_, _, err = seg.CreateAllocationRequest(256, 3, 1, metadata.AllocationStrategyMinTime)
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	_, _, err = seg.CreateAllocationRequest(256, 0, 1, metadata.AllocationStrategyMinTime)
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	_, _, err = seg.CreateAllocationRequest(256, 1<<63, 1, metadata.AllocationStrategyMinTime)
	require.ErrorIs(t, err, memutils.ErrInvalidAlignment)

	success, _, err := seg.CreateAllocationRequest(8192, 1, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.False(t, success)
}

func TestSegregatedAllocRejectsStaleRequest(t *testing.T) {
	seg := newTestMetadata(t, 4096)

	success, req, err := seg.CreateAllocationRequest(256, 256, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, seg.Alloc(req, 1, nil))

	// The request's block is no longer free
	require.Error(t, seg.Alloc(req, 1, nil))
	require.NoError(t, seg.Validate())
	require.Equal(t, 1, seg.AllocationCount())
}

type liveRange struct {
	handle metadata.BlockAllocationHandle
	offset int
	size   int
}

func TestSegregatedRandomized(t *testing.T) {
	const pageSize = 1 << 20
	seg := newTestMetadata(t, pageSize)
	rng := rand.New(rand.NewSource(1234))

	var live []liveRange
	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			victim := rng.Intn(len(live))
			require.NoError(t, seg.Free(live[victim].handle))
			live = append(live[:victim], live[victim+1:]...)
		} else {
			size := 1 + rng.Intn(16*1024)
			alignment := uint(1) << uint(rng.Intn(13))

			freeBefore := seg.SumFreeSize()
			success, req, err := seg.CreateAllocationRequest(size, alignment, 1, metadata.AllocationStrategy(rng.Intn(2)))
			require.NoError(t, err)
			if !success {
				require.Equal(t, freeBefore, seg.SumFreeSize())
				continue
			}

			require.NoError(t, seg.Alloc(req, 1, nil))
			require.Zero(t, req.Item.Offset%int(alignment))
			require.GreaterOrEqual(t, req.Size, size)
			live = append(live, liveRange{handle: req.BlockAllocationHandle, offset: req.Item.Offset, size: req.Size})
		}

		require.NoError(t, seg.Validate())
		require.Equal(t, len(live), seg.AllocationCount())

		usedBytes := 0
		for _, r := range live {
			usedBytes += r.size
		}
		require.Equal(t, pageSize, usedBytes+seg.SumFreeSize())
	}

	// No two live ranges overlap
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			require.True(t, a.offset+a.size <= b.offset || b.offset+b.size <= a.offset,
				"ranges [%d,%d) and [%d,%d) overlap", a.offset, a.offset+a.size, b.offset, b.offset+b.size)
		}
	}

	for _, r := range live {
		require.NoError(t, seg.Free(r.handle))
	}
	require.NoError(t, seg.Validate())
	require.True(t, seg.IsEmpty())
	require.Equal(t, 1, seg.FreeRegionsCount())
	require.Equal(t, pageSize, seg.LargestFreeRegion())
}
