package fakedriver

import (
	"testing"
	"unsafe"

	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/stretchr/testify/require"
)

func TestDriverHeapCapacity(t *testing.T) {
	driver := New(DiscreteGPU(8*GiB, 4*GiB))
	driver.SetHeapCapacity(0, 4096)

	first, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 4096})
	require.NoError(t, err)
	require.Equal(t, 4096, driver.HeapUsage(0))

	_, err = driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 1})
	require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)

	// Heap 1 is unaffected
	second, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 1, Size: 4096})
	require.NoError(t, err)
	require.Equal(t, 2, driver.LiveAllocationCount())

	driver.FreeMemory(0, first)
	driver.FreeMemory(1, second)
	require.Equal(t, 0, driver.HeapUsage(0))
	require.Equal(t, 0, driver.LiveAllocationCount())
	require.Equal(t, 3, driver.AllocateCalls())
	require.Equal(t, 2, driver.FreeCalls())
}

func TestDriverInjectedFailures(t *testing.T) {
	driver := New(IntegratedGPU(GiB))
	driver.FailNextAllocations(2)

	for i := 0; i < 2; i++ {
		_, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 256})
		require.ErrorIs(t, err, memutils.ErrOutOfDeviceMemory)
	}

	memory, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 256})
	require.NoError(t, err)
	driver.FreeMemory(0, memory)
}

func TestDriverMapping(t *testing.T) {
	driver := New(DiscreteGPU(8*GiB, 4*GiB))

	_, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 256, Map: true})
	require.Error(t, err)

	memory, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 1, Size: 256, Map: true, DeviceAddress: true})
	require.NoError(t, err)
	require.NotNil(t, memory.Mapped)
	require.True(t, driver.DeviceAddressRequested(memory))

	data := unsafe.Slice((*byte)(memory.Mapped), 256)
	data[255] = 7
	require.Equal(t, byte(7), data[255])

	driver.FreeMemory(1, memory)
}

func TestDriverFreeMisuse(t *testing.T) {
	driver := New(DiscreteGPU(8*GiB, 4*GiB))

	memory, err := driver.AllocateMemory(device.AllocateInfo{MemoryTypeIndex: 0, Size: 256})
	require.NoError(t, err)

	require.Panics(t, func() { driver.FreeMemory(1, memory) })
	driver.FreeMemory(0, memory)
	require.Panics(t, func() { driver.FreeMemory(0, memory) })
	require.Panics(t, func() { driver.FreeMemory(0, device.Memory{Handle: "bogus"}) })
}
