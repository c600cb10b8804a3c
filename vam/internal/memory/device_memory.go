package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
)

type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

type MemoryCallbacks interface {
	Allocate(memoryType int, memory device.Memory, size int)
	Free(memoryType int, memory device.Memory, size int)
}

// DeviceMemoryProperties wraps a device.Driver with per-heap accounting, heap size limits and the
// device's limit on live raw allocations
type DeviceMemoryProperties struct {
	// Number of raw allocations that have been made from device memory
	pageCount [device.MaxMemoryHeaps]int32
	// Number of user allocations that have actually been doled out for use
	allocationCount [device.MaxMemoryHeaps]int32
	// Size of raw allocations that have been made from device memory
	pageBytes [device.MaxMemoryHeaps]int64
	// Size of user allocations that have actually been doled out for use
	allocationBytes [device.MaxMemoryHeaps]int64

	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	driver     device.Driver
	properties device.Properties
}

func NewDeviceMemoryProperties(
	driver device.Driver,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		memoryCallbacks: memoryCallbacks,
		driver:          driver,
	}

	var err error
	deviceProperties.properties, err = driver.Properties()
	if err != nil {
		return nil, err
	}

	err = deviceProperties.properties.Validate()
	if err != nil {
		return nil, err
	}

	limits := deviceProperties.properties.Limits
	if limits.BufferImageGranularity != 0 {
		err = memutils.CheckPow2(limits.BufferImageGranularity, "device bufferImageGranularity")
		if err != nil {
			return nil, err
		}
	}
	if limits.NonCoherentAtomSize != 0 {
		err = memutils.CheckPow2(limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
		if err != nil {
			return nil, err
		}
	}

	heapCount := deviceProperties.MemoryHeapCount()
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.Newf("CreateOptions.HeapSizeLimits was provided with %d entries, but the device has %d heaps", heapLimitCount, heapCount)
	}

	deviceProperties.heapLimits = heapSizeLimits

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.properties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.properties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.properties.MemoryTypes[memTypeIndex].HeapIndex
}

// MemoryTypeMinimumAlignment is the alignment every allocation from the memory type must respect so
// that mapped ranges of non-coherent memory can be flushed without touching neighbors
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.properties.Limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) Limits() device.Limits {
	return m.properties.Limits
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) device.MemoryType {
	return m.properties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) device.MemoryHeap {
	return m.properties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags&device.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(device.MemoryPropertyHostVisible|device.MemoryPropertyHostCoherent) == device.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	granularity := m.properties.Limits.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

func (m *DeviceMemoryProperties) heapLimit(heapIndex int) int {
	if heapIndex >= len(m.heapLimits) || m.heapLimits[heapIndex] <= 0 {
		return 0
	}

	heapLimit := m.heapLimits[heapIndex]
	heapSize := m.properties.MemoryHeaps[heapIndex].Size
	if heapSize > 0 && heapSize < heapLimit {
		return heapSize
	}
	return heapLimit
}

func (m *DeviceMemoryProperties) addPageAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.pageBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.pageCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addPageAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.pageBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(memutils.ErrOutOfDeviceMemory,
				"allocating %d bytes would exceed the limit of %d bytes for heap %d", allocationSize, maxAllocatable, heapIndex)
		}

		if atomic.CompareAndSwapInt64(&m.pageBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.pageCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removePageAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.pageBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("page bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.pageCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("page count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory makes a raw allocation through the driver. Nothing is accounted if it fails.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(allocateInfo device.AllocateInfo) (mem device.Memory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.properties.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return device.Memory{}, errors.Wrapf(memutils.ErrOutOfDeviceMemory,
			"the device supports at most %d live memory allocations", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	heapLimit := m.heapLimit(heapIndex)
	if heapLimit == 0 {
		m.addPageAllocation(heapIndex, allocateInfo.Size)
	} else {
		err = m.addPageAllocationWithBudget(heapIndex, allocateInfo.Size, heapLimit)
		if err != nil {
			return device.Memory{}, err
		}
	}
	defer func() {
		// If we failed out, roll back the page allocation
		if err != nil {
			m.removePageAllocation(heapIndex, allocateInfo.Size)
		}
	}()

	mem, err = m.driver.AllocateMemory(allocateInfo)
	if err != nil {
		return device.Memory{}, err
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(
			allocateInfo.MemoryTypeIndex,
			mem,
			allocateInfo.Size,
		)
	}

	return mem, nil
}

func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryType int, size int, memory device.Memory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(
			memoryType,
			memory,
			size,
		)
	}

	m.driver.FreeMemory(memoryType, memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removePageAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills one Budget per heap, starting at firstHeap. Budget is the heap's limit if one
// was set, and otherwise 80% of the heap size.
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.PageCount = int(atomic.LoadInt32(&m.pageCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.PageBytes = int(atomic.LoadInt64(&m.pageBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.PageBytes
		budgets[i].Budget = m.heapLimit(heapIndex)
		if budgets[i].Budget == 0 {
			budgets[i].Budget = m.properties.MemoryHeaps[heapIndex].Size * 8 / 10
		}
	}
}

func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
