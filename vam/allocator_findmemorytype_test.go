package vam

import (
	"testing"

	"github.com/skyhawk/vkalloc/vam/device"
	"github.com/skyhawk/vkalloc/vam/fakedriver"
	"github.com/stretchr/testify/require"
)

func TestFindMemoryTypeIndex(t *testing.T) {
	discrete := fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB)
	integrated := fakedriver.IntegratedGPU(4 * fakedriver.GiB)
	deviceLocal := fakedriver.DeviceLocalOnly(4 * fakedriver.GiB)

	testCases := map[string]struct {
		Properties     device.Properties
		MemoryTypeBits uint32
		Usage          MemoryUsage

		ExpectedIndex int
		ExpectedErr   error
	}{
		"DiscreteDeviceLocal": {
			Properties:    discrete,
			Usage:         MemoryUsageDeviceLocalOnly,
			ExpectedIndex: 0,
		},
		"DiscreteHostVisiblePreferred": {
			Properties:    discrete,
			Usage:         MemoryUsageHostVisiblePreferred,
			ExpectedIndex: 3,
		},
		"DiscreteHostVisibleRequired": {
			Properties:    discrete,
			Usage:         MemoryUsageHostVisibleRequired,
			ExpectedIndex: 3,
		},
		"DiscreteReadback": {
			Properties:    discrete,
			Usage:         MemoryUsageHostReadback,
			ExpectedIndex: 2,
		},
		"DiscreteRestrictedToHostTypes": {
			Properties:     discrete,
			MemoryTypeBits: 0b0110,
			Usage:          MemoryUsageDeviceLocalOnly,
			ExpectedIndex:  1,
		},
		"DiscreteRestrictedRequiredFails": {
			Properties:     discrete,
			MemoryTypeBits: 0b0001,
			Usage:          MemoryUsageHostVisibleRequired,
			ExpectedErr:    ErrNoCompatibleMemoryType,
		},
		"IntegratedDeviceLocal": {
			Properties:    integrated,
			Usage:         MemoryUsageDeviceLocalOnly,
			ExpectedIndex: 0,
		},
		"IntegratedReadback": {
			Properties:    integrated,
			Usage:         MemoryUsageHostReadback,
			ExpectedIndex: 1,
		},
		"IntegratedHostVisiblePreferred": {
			Properties:    integrated,
			Usage:         MemoryUsageHostVisiblePreferred,
			ExpectedIndex: 0,
		},
		"DeviceOnlySkipsLazy": {
			Properties:    deviceLocal,
			Usage:         MemoryUsageDeviceLocalOnly,
			ExpectedIndex: 0,
		},
		"DeviceOnlyLazyAsLastResort": {
			Properties:     deviceLocal,
			MemoryTypeBits: 0b10,
			Usage:          MemoryUsageDeviceLocalOnly,
			ExpectedIndex:  1,
		},
		"DeviceOnlyHostVisiblePreferred": {
			Properties:    deviceLocal,
			Usage:         MemoryUsageHostVisiblePreferred,
			ExpectedIndex: 0,
		},
		"DeviceOnlyReadback": {
			Properties:  deviceLocal,
			Usage:       MemoryUsageHostReadback,
			ExpectedErr: ErrNoCompatibleMemoryType,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			allocator, _ := newTestAllocator(t, testCase.Properties, CreateOptions{})

			index, err := allocator.FindMemoryTypeIndex(testCase.MemoryTypeBits, testCase.Usage)
			if testCase.ExpectedErr != nil {
				require.ErrorIs(t, err, testCase.ExpectedErr)
				require.Equal(t, -1, index)
				return
			}

			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedIndex, index)
		})
	}
}

func TestFindMemoryTypeIndexPrefersLargerHeap(t *testing.T) {
	properties := device.Properties{
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 1},
		},
		MemoryHeaps: []device.MemoryHeap{
			{Size: 2 * fakedriver.GiB, Flags: device.MemoryHeapDeviceLocal},
			{Size: 6 * fakedriver.GiB, Flags: device.MemoryHeapDeviceLocal},
		},
		Limits: device.Limits{BufferImageGranularity: 1, NonCoherentAtomSize: 1},
	}

	index, err := selectMemoryType(&properties, 0, MemoryUsageDeviceLocalOnly)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	properties.MemoryHeaps[1].Size = 2 * fakedriver.GiB
	index, err = selectMemoryType(&properties, 0, MemoryUsageDeviceLocalOnly)
	require.NoError(t, err)
	require.Equal(t, 0, index)
}
