package vam

import (
	"fmt"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/skyhawk/vkalloc/memutils/metadata"
)

// Allocation is a region of device memory handed out by Allocator.Alloc. Apart from its name and
// user data, it does not change after it is returned.
type Allocation struct {
	parentAllocator *Allocator

	pageID       PageID
	handle       metadata.BlockAllocationHandle
	memory       any
	mapped       unsafe.Pointer
	offset       int
	size         int
	reservedSize int
	alignment    uint

	memoryTypeIndex int
	kind            ResourceKind
	lifetime        Lifetime
	dedicated       bool

	name     string
	userData any
}

func (a *Allocation) init(allocator *Allocator, request *AllocationRequest, memoryTypeIndex int, alignment uint) {
	a.parentAllocator = allocator
	a.size = request.Size
	a.alignment = alignment
	a.memoryTypeIndex = memoryTypeIndex
	a.kind = request.Kind
	a.lifetime = request.Lifetime
	a.name = request.Name
	a.userData = request.UserData
	a.handle = metadata.NoAllocation
}

func (a *Allocation) initPageAllocation(
	page *devicePage,
	handle metadata.BlockAllocationHandle,
	offset int,
) {
	if a.handle != metadata.NoAllocation {
		panic("attempting to init an allocation that has already been initialized")
	}
	if page == nil || page.metadata == nil {
		panic("attempting to init a page allocation using a nil page")
	}

	reservedSize, err := page.metadata.AllocationSize(handle)
	if err != nil {
		panic(fmt.Sprintf("failed to locate size for handle %+v: %+v", handle, err))
	}

	a.pageID = page.id
	a.handle = handle
	a.memory = page.memory.Handle
	a.offset = offset
	a.reservedSize = reservedSize
	a.dedicated = page.dedicated
	if page.memory.Mapped != nil {
		a.mapped = unsafe.Add(page.memory.Mapped, offset)
	}
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

// PageID is the page that the allocation was carved from
func (a *Allocation) PageID() PageID { return a.pageID }

// Memory is the native device memory handle of the allocation's page
func (a *Allocation) Memory() any { return a.memory }

// Offset is the byte offset of the allocation within its page
func (a *Allocation) Offset() int { return a.offset }

// Size is the number of bytes that were requested
func (a *Allocation) Size() int { return a.size }

// ReservedSize is the number of bytes of the page held by the allocation. It is at least Size.
func (a *Allocation) ReservedSize() int { return a.reservedSize }

func (a *Allocation) Alignment() uint            { return a.alignment }
func (a *Allocation) MemoryTypeIndex() int       { return a.memoryTypeIndex }
func (a *Allocation) Kind() ResourceKind         { return a.kind }
func (a *Allocation) Lifetime() Lifetime         { return a.lifetime }
func (a *Allocation) IsDedicated() bool          { return a.dedicated }
func (a *Allocation) IsHostVisible() bool        { return a.mapped != nil }
func (a *Allocation) Allocator() *Allocator      { return a.parentAllocator }
func (a *Allocation) MappedData() unsafe.Pointer { return a.mapped }

// Free releases the allocation back to its Allocator
func (a *Allocation) Free() error {
	return a.parentAllocator.Free(a)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.kind.String())
	json.Name("Size").Int(a.size)
	json.Name("ReservedSize").Int(a.reservedSize)
	json.Name("Alignment").Int(int(a.alignment))

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
