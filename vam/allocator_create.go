package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/skyhawk/vkalloc/memutils"
	"github.com/skyhawk/vkalloc/memutils/metadata"
	"github.com/skyhawk/vkalloc/vam/internal/memory"
	"github.com/skyhawk/vkalloc/vam/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// DefaultPageSize is the value that is used as the DefaultPageSize when none is provided via
	// CreateOptions. It is equal to 64Mb.
	DefaultPageSize int = 1 << metadata.DefaultMaxSizeClassLog2

	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// DefaultPageSize is the size of pages allocated from heaps larger than a gigabyte. Smaller heaps
	// use an eighth of the heap. It must be a power of two, and defaults to 64Mb.
	DefaultPageSize int
	// MinSizeClassLog2 is the log2 of the smallest size class and of the granule that all
	// reservations are rounded up to. It defaults to 8 (256 bytes).
	MinSizeClassLog2 int
	// MaxSizeClassLog2 is the log2 of the lower bound of the largest size class. It defaults to the
	// log2 of DefaultPageSize.
	MaxSizeClassLog2 int
	// RetainedEmptyPages is the number of empty pages each page group keeps when allocations are
	// freed, to avoid churning the driver. 0 means 1; -1 releases empty pages immediately.
	// Allocator.Compact releases retained pages.
	RetainedEmptyPages int
	// Strategy is the AllocationStrategy used by requests that do not specify one. It defaults to
	// AllocationStrategyMinTime.
	Strategy AllocationStrategy

	// EnableDeviceAddress requests that pages be allocated with the device address capture flag
	EnableDeviceAddress bool
	// SeparateNonLinearPages places linear and non-linear resources in separate pages, so that
	// bufferImageGranularity padding is never needed
	SeparateNonLinearPages bool

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the Driver
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or -1 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return ErrOutOfDeviceMemory when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// logger - Receives debug traces of allocator activity, and error reports of unreleased memory
//
// driver - The device that pages are allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, driver Driver, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	} else if driver == nil {
		return nil, errors.New("a driver must be provided")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		strategy:    options.Strategy,
		mutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		deviceAddress:          options.EnableDeviceAddress,
		separateNonLinearPages: options.SeparateNonLinearPages,
		pages:                  swiss.NewMap[PageID, *devicePage](42),
		pageGroups:             swiss.NewMap[pageGroupKey, *memoryPageList](16),
		nextPageID:             1,
	}

	if allocator.strategy == 0 {
		allocator.strategy = AllocationStrategyMinTime
	}

	allocator.defaultPageSize = options.DefaultPageSize
	if allocator.defaultPageSize == 0 {
		allocator.defaultPageSize = DefaultPageSize
	}
	err := memutils.CheckPow2(allocator.defaultPageSize, "CreateOptions.DefaultPageSize")
	if err != nil {
		return nil, err
	}

	minLog2 := options.MinSizeClassLog2
	if minLog2 == 0 {
		minLog2 = metadata.DefaultMinSizeClassLog2
	}
	maxLog2 := options.MaxSizeClassLog2
	if maxLog2 == 0 {
		maxLog2 = memutils.Log2(allocator.defaultPageSize)
	}
	allocator.classes, err = metadata.NewSizeClasses(minLog2, maxLog2)
	if err != nil {
		return nil, err
	}
	if allocator.classes.Granule() > allocator.defaultPageSize {
		return nil, errors.Newf("the size class granule %d is larger than the default page size %d", allocator.classes.Granule(), allocator.defaultPageSize)
	}

	switch {
	case options.RetainedEmptyPages == 0:
		allocator.retainedEmptyPages = 1
	case options.RetainedEmptyPages < 0:
		allocator.retainedEmptyPages = 0
	default:
		allocator.retainedEmptyPages = options.RetainedEmptyPages
	}

	allocator.deviceMemory, err = memory.NewDeviceMemoryProperties(
		driver,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.properties.MemoryTypes = make([]MemoryType, allocator.deviceMemory.MemoryTypeCount())
	for typeIndex := range allocator.properties.MemoryTypes {
		allocator.properties.MemoryTypes[typeIndex] = allocator.deviceMemory.MemoryTypeProperties(typeIndex)
	}
	allocator.properties.MemoryHeaps = make([]MemoryHeap, allocator.deviceMemory.MemoryHeapCount())
	for heapIndex := range allocator.properties.MemoryHeaps {
		allocator.properties.MemoryHeaps[heapIndex] = allocator.deviceMemory.MemoryHeapProperties(heapIndex)
	}
	allocator.properties.Limits = allocator.deviceMemory.Limits()

	allocator.granularity = newGranularityCheck(allocator.deviceMemory.CalculateBufferImageGranularity(), allocator.classes)

	return allocator, nil
}

// calculatePreferredPageSize is the size of new shared pages for the memory type: an eighth of
// small heaps, and the default page size otherwise
func (a *Allocator) calculatePreferredPageSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.defaultPageSize
	if heapSize <= smallHeapMaxSize && heapSize/8 < rawSize {
		rawSize = heapSize / 8
	}

	granule := a.classes.Granule()
	if rawSize < granule {
		rawSize = granule
	}

	return memutils.AlignUp(rawSize, uint(granule))
}
