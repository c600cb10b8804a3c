package memory

import (
	"testing"

	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/skyhawk/vkalloc/vam/fakedriver"
	"github.com/stretchr/testify/require"
)

type recordingCallbacks struct {
	allocated int
	freed     int
}

func (c *recordingCallbacks) Allocate(memoryType int, memory device.Memory, size int) {
	c.allocated += size
}

func (c *recordingCallbacks) Free(memoryType int, memory device.Memory, size int) {
	c.freed += size
}

func TestDeviceMemoryHeapLimit(t *testing.T) {
	driver := fakedriver.New(fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB))
	callbacks := &recordingCallbacks{}

	deviceMemory, err := NewDeviceMemoryProperties(driver, callbacks, []int{8192, -1, 0})
	require.NoError(t, err)

	first, err := deviceMemory.AllocateDeviceMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 4096})
	require.NoError(t, err)
	second, err := deviceMemory.AllocateDeviceMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 4096})
	require.NoError(t, err)

	_, err = deviceMemory.AllocateDeviceMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 256})
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)
	require.Equal(t, 2, driver.AllocateCalls())
	require.Equal(t, uint32(2), deviceMemory.AllocationCount())

	// Heap 1 has no limit
	third, err := deviceMemory.AllocateDeviceMemory(device.AllocateInfo{MemoryTypeIndex: 1, Size: 1 << 20})
	require.NoError(t, err)

	budgets := make([]Budget, 2)
	deviceMemory.HeapBudgets(0, budgets)
	require.Equal(t, 8192, budgets[0].Usage)
	require.Equal(t, 8192, budgets[0].Budget)
	require.Equal(t, 2, budgets[0].Statistics.PageCount)
	require.Equal(t, 1<<20, budgets[1].Usage)
	require.Equal(t, 4*fakedriver.GiB*8/10, budgets[1].Budget)

	deviceMemory.FreeDeviceMemory(0, 4096, first)
	deviceMemory.FreeDeviceMemory(0, 4096, second)
	deviceMemory.FreeDeviceMemory(1, 1<<20, third)

	require.Equal(t, 8192+(1<<20), callbacks.allocated)
	require.Equal(t, callbacks.allocated, callbacks.freed)
	require.Equal(t, uint32(0), deviceMemory.AllocationCount())
	require.Equal(t, 0, driver.LiveAllocationCount())
}

func TestDeviceMemoryDriverFailureRollsBack(t *testing.T) {
	driver := fakedriver.New(fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB))
	driver.FailNextAllocations(1)

	deviceMemory, err := NewDeviceMemoryProperties(driver, nil, nil)
	require.NoError(t, err)

	_, err = deviceMemory.AllocateDeviceMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 4096})
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)

	budgets := make([]Budget, 1)
	deviceMemory.HeapBudgets(0, budgets)
	require.Equal(t, Budget{Budget: 8 * fakedriver.GiB * 8 / 10}, budgets[0])
	require.Equal(t, uint32(0), deviceMemory.AllocationCount())
}

func TestDeviceMemoryAllocationCounts(t *testing.T) {
	driver := fakedriver.New(fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB))
	deviceMemory, err := NewDeviceMemoryProperties(driver, nil, nil)
	require.NoError(t, err)

	deviceMemory.AddAllocation(0, 512)
	deviceMemory.AddAllocation(0, 256)
	deviceMemory.RemoveAllocation(0, 512)

	budgets := make([]Budget, 1)
	deviceMemory.HeapBudgets(0, budgets)
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 256, budgets[0].Statistics.AllocationBytes)

	require.Panics(t, func() { deviceMemory.RemoveAllocation(0, 512) })
}

func TestDeviceMemoryTypeQueries(t *testing.T) {
	deviceMemory, err := NewDeviceMemoryProperties(fakedriver.New(fakedriver.IntegratedGPU(fakedriver.GiB)), nil, nil)
	require.NoError(t, err)

	require.Equal(t, 2, deviceMemory.MemoryTypeCount())
	require.Equal(t, 1, deviceMemory.MemoryHeapCount())
	require.True(t, deviceMemory.IsMemoryTypeHostVisible(1))
	require.False(t, deviceMemory.IsMemoryTypeHostNonCoherent(0))
	require.True(t, deviceMemory.IsMemoryTypeHostNonCoherent(1))
	require.Equal(t, uint(1), deviceMemory.MemoryTypeMinimumAlignment(0))
	require.Equal(t, uint(1024), deviceMemory.MemoryTypeMinimumAlignment(1))
	require.Equal(t, 1, deviceMemory.CalculateBufferImageGranularity())
}
