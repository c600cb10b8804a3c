package vam

import (
	"math/rand"
	"testing"

	"github.com/skyhawk/vkalloc/vam/fakedriver"
	"github.com/stretchr/testify/require"
)

func BenchmarkAllocFree(b *testing.B) {
	driver := fakedriver.New(fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB))
	allocator, err := New(testLogger(), driver, CreateOptions{})
	require.NoError(b, err)
	defer allocator.Destroy()

	random := rand.New(rand.NewSource(1))
	sizes := make([]int, 1024)
	for i := range sizes {
		sizes[i] = 1 + random.Intn(64*1024)
	}

	live := make([]*Allocation, 0, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(live) == cap(live) {
			for _, alloc := range live {
				_ = allocator.Free(alloc)
			}
			live = live[:0]
		}

		alloc, err := allocator.Alloc(AllocationRequest{Size: sizes[i%len(sizes)], Alignment: 256})
		if err != nil {
			b.Fatal(err)
		}
		live = append(live, alloc)
	}
}

func BenchmarkAllocFreeInterleaved(b *testing.B) {
	driver := fakedriver.New(fakedriver.DiscreteGPU(8*fakedriver.GiB, 4*fakedriver.GiB))
	allocator, err := New(testLogger(), driver, CreateOptions{Strategy: AllocationStrategyMinMemory})
	require.NoError(b, err)
	defer allocator.Destroy()

	random := rand.New(rand.NewSource(2))
	live := make([]*Allocation, 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slot := random.Intn(len(live))
		if live[slot] != nil {
			_ = allocator.Free(live[slot])
			live[slot] = nil
			continue
		}

		live[slot], err = allocator.Alloc(randomRequest(random))
		if err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	for _, alloc := range live {
		if alloc != nil {
			_ = allocator.Free(alloc)
		}
	}
}
