package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

// newTestAllocator builds an Allocator with one pre-registered,
// already-"allocated" block of blockSize bytes for memType 0, bypassing newBlock
// (and therefore vk.AllocateMemory) entirely, so the best-fit/coalesce
// logic can be exercised without a real device.
func newTestAllocator(blockSize vk.DeviceSize) (*Allocator, *MemoryBlock) {
	a := NewAllocator(nil, vk.PhysicalDeviceMemoryProperties{}, DefaultConfig(), nil)
	block := &MemoryBlock{
		MemoryTypeIdx: 0,
		Size:          blockSize,
		free:          []freeInterval{{Offset: 0, Size: blockSize}},
	}
	a.blocksByType[0] = []*MemoryBlock{block}
	return a, block
}

// Best-fit reuse after free (§8 scenario 1): allocate A then B out of a
// single block, free A, then allocate C the same size as A — C must
// land at A's old offset rather than appending past B.
func TestAllocatorBestFitReusesFreedOffset(t *testing.T) {
	a, block := newTestAllocator(4 * 1024 * 1024)

	subA := a.tryAllocateFromExisting(0, 1024, 256, "A")
	require.NotNil(t, subA)
	subB := a.tryAllocateFromExisting(0, 2048, 256, "B")
	require.NotNil(t, subB)
	assert.NotEqual(t, subA.Offset, subB.Offset)

	a.Free(subA)
	assert.Len(t, block.live, 1, "only B should remain live")

	subC := a.tryAllocateFromExisting(0, 1024, 256, "C")
	require.NotNil(t, subC)
	assert.Equal(t, subA.Offset, subC.Offset, "C should reuse A's freed offset")
}

// bestFit must prefer the smallest interval that fits, not the first
// one encountered, and must never compare a candidate against itself
// (spec.md §9's resolved self-comparison bug).
func TestBestFitPrefersSmallestFittingInterval(t *testing.T) {
	free := []freeInterval{
		{Offset: 0, Size: 4096},
		{Offset: 4096, Size: 512},
		{Offset: 4608, Size: 1024},
	}
	idx, offset, ok := bestFit(free, 256, 64)
	require.True(t, ok)
	assert.Equal(t, 1, idx, "the 512-byte interval is the smallest that still fits 256 bytes")
	assert.Equal(t, vk.DeviceSize(4096), offset)
}

func TestBestFitRespectsAlignment(t *testing.T) {
	free := []freeInterval{{Offset: 10, Size: 100}}
	_, offset, ok := bestFit(free, 50, 16)
	require.True(t, ok)
	assert.Equal(t, vk.DeviceSize(16), offset, "offset 10 must round up to the next 16-byte boundary")
}

func TestBestFitNoCandidateFits(t *testing.T) {
	free := []freeInterval{{Offset: 0, Size: 8}}
	_, _, ok := bestFit(free, 64, 1)
	assert.False(t, ok)
}

// insertAndCoalesce must merge a freed interval with both neighbors
// when it bridges them, collapsing three entries into one.
func TestInsertAndCoalesceMergesBothNeighbors(t *testing.T) {
	free := []freeInterval{
		{Offset: 0, Size: 100},
		{Offset: 200, Size: 100},
	}
	merged := insertAndCoalesce(free, freeInterval{Offset: 100, Size: 100})
	require.Len(t, merged, 1)
	assert.Equal(t, freeInterval{Offset: 0, Size: 300}, merged[0])
}

func TestInsertAndCoalesceMergesOnlyLeft(t *testing.T) {
	free := []freeInterval{{Offset: 0, Size: 100}}
	merged := insertAndCoalesce(free, freeInterval{Offset: 100, Size: 50})
	require.Len(t, merged, 1)
	assert.Equal(t, freeInterval{Offset: 0, Size: 150}, merged[0])
}

func TestInsertAndCoalesceNoMergeLeavesBothDisjoint(t *testing.T) {
	free := []freeInterval{
		{Offset: 0, Size: 50},
		{Offset: 200, Size: 50},
	}
	merged := insertAndCoalesce(free, freeInterval{Offset: 100, Size: 50})
	require.Len(t, merged, 3)
	assert.Equal(t, vk.DeviceSize(100), merged[1].Offset)
}

func TestAllocatorMemoryBudgetSumsBlockSizes(t *testing.T) {
	a, _ := newTestAllocator(4 * 1024 * 1024)
	a.blocksByType[1] = []*MemoryBlock{{MemoryTypeIdx: 1, Size: 1024, free: []freeInterval{{Offset: 0, Size: 1024}}}}

	budget := a.MemoryBudget()
	assert.Equal(t, vk.DeviceSize(4*1024*1024), budget[0])
	assert.Equal(t, vk.DeviceSize(1024), budget[1])
}
