// Package fakedriver provides an in-process vam.Driver for tests and simulation. Memory is backed by
// Go byte slices, and per-heap capacities and injected failures make out-of-memory paths
// reproducible without a physical device.
package fakedriver

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/vam/device"
)

// Handle is the native memory handle type of allocations made by a fake Driver
type Handle uint64

type liveMemory struct {
	memoryTypeIndex int
	size            int
	deviceAddress   bool
	data            []byte
}

// Driver is a deterministic device.Driver
type Driver struct {
	lock       sync.Mutex
	properties device.Properties

	heapCapacity []int
	heapUsage    []int

	live          *swiss.Map[Handle, *liveMemory]
	nextHandle    Handle
	allocateCalls int
	freeCalls     int
	failures      int
}

var _ device.Driver = &Driver{}

// New creates a fake driver that reports the provided properties. Each heap's capacity is its
// reported size.
func New(properties device.Properties) *Driver {
	driver := &Driver{
		properties:   properties,
		heapCapacity: make([]int, len(properties.MemoryHeaps)),
		heapUsage:    make([]int, len(properties.MemoryHeaps)),
		live:         swiss.NewMap[Handle, *liveMemory](42),
		nextHandle:   1,
	}

	for heapIndex, heap := range properties.MemoryHeaps {
		driver.heapCapacity[heapIndex] = heap.Size
	}

	return driver
}

// SetHeapCapacity changes the number of bytes the driver will hand out from a heap before it
// declines with an out of memory error. It does not change the reported heap size.
func (d *Driver) SetHeapCapacity(heapIndex int, capacity int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.heapCapacity[heapIndex] = capacity
}

// FailNextAllocations causes the next count calls to AllocateMemory to fail with out of memory
func (d *Driver) FailNextAllocations(count int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.failures = count
}

func (d *Driver) Properties() (device.Properties, error) {
	return d.properties, nil
}

func (d *Driver) AllocateMemory(info device.AllocateInfo) (device.Memory, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.allocateCalls++

	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.properties.MemoryTypes) {
		return device.Memory{}, errors.Newf("memory type %d does not exist", info.MemoryTypeIndex)
	}
	if info.Size < 1 {
		return device.Memory{}, errors.Newf("attempted to allocate %d bytes", info.Size)
	}

	if d.failures > 0 {
		d.failures--
		return device.Memory{}, errors.Wrap(memutils.ErrOutOfDeviceMemory, "injected allocation failure")
	}

	memoryType := d.properties.MemoryTypes[info.MemoryTypeIndex]
	heapIndex := memoryType.HeapIndex
	if d.heapUsage[heapIndex]+info.Size > d.heapCapacity[heapIndex] {
		return device.Memory{}, errors.Wrapf(memutils.ErrOutOfDeviceMemory,
			"heap %d has %d of %d bytes in use and cannot fit %d more",
			heapIndex, d.heapUsage[heapIndex], d.heapCapacity[heapIndex], info.Size)
	}

	if info.Map && memoryType.PropertyFlags&device.MemoryPropertyHostVisible == 0 {
		return device.Memory{}, errors.Newf("memory type %d is not host-visible and cannot be mapped", info.MemoryTypeIndex)
	}

	handle := d.nextHandle
	d.nextHandle++

	live := &liveMemory{
		memoryTypeIndex: info.MemoryTypeIndex,
		size:            info.Size,
		deviceAddress:   info.DeviceAddress,
	}

	memory := device.Memory{Handle: handle}
	if info.Map {
		live.data = make([]byte, info.Size)
		memory.Mapped = unsafe.Pointer(&live.data[0])
	}

	d.live.Put(handle, live)
	d.heapUsage[heapIndex] += info.Size

	return memory, nil
}

func (d *Driver) FreeMemory(memoryTypeIndex int, memory device.Memory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.freeCalls++

	handle, ok := memory.Handle.(Handle)
	if !ok {
		panic("attempted to free memory that was not allocated by a fake driver")
	}

	live, ok := d.live.Get(handle)
	if !ok {
		panic("attempted to free memory that is not live: it was already freed or was never allocated")
	}
	if live.memoryTypeIndex != memoryTypeIndex {
		panic("attempted to free memory with the wrong memory type index")
	}

	d.live.Delete(handle)
	d.heapUsage[d.properties.MemoryTypes[memoryTypeIndex].HeapIndex] -= live.size
}

// LiveAllocationCount is the number of pages currently allocated from the driver
func (d *Driver) LiveAllocationCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.live.Count()
}

// HeapUsage is the number of bytes currently allocated from a heap
func (d *Driver) HeapUsage(heapIndex int) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.heapUsage[heapIndex]
}

// AllocateCalls is the number of times AllocateMemory has been called, including failed calls
func (d *Driver) AllocateCalls() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.allocateCalls
}

// FreeCalls is the number of times FreeMemory has been called
func (d *Driver) FreeCalls() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.freeCalls
}

// DeviceAddressRequested reports whether the live allocation was made with the device address flag
func (d *Driver) DeviceAddressRequested(memory device.Memory) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	handle, ok := memory.Handle.(Handle)
	if !ok {
		return false
	}

	live, ok := d.live.Get(handle)
	return ok && live.deviceAddress
}
