package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

func newTestPool() *ResourcePool {
	return NewResourcePool(nil, nil, 0, DefaultConfig(), nil)
}

// Exact-size hit stops the scan early and is preferred over a
// larger-but-still-fitting buffer (§8 scenario 2).
func TestResourcePoolGetBufferExactSizeHit(t *testing.T) {
	p := newTestPool()
	small := &Buffer{Size: 256, Usage: vk.BufferUsageTransferDstBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "small"}
	exact := &Buffer{Size: 512, Usage: vk.BufferUsageTransferDstBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "exact"}
	big := &Buffer{Size: 4096, Usage: vk.BufferUsageTransferDstBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "big"}
	p.buffers = []*Buffer{small, big, exact}

	got, err := p.GetBuffer("reused", 512, vk.BufferUsageTransferDstBit, vk.MemoryPropertyDeviceLocalBit)
	require.NoError(t, err)
	assert.Same(t, exact, got)
	assert.Len(t, p.buffers, 2, "the matched buffer is removed from the free list")
}

// Without an exact hit, the smallest buffer that still satisfies the
// request wins, not the first one scanned (the corrected best-fit
// comparison from spec.md §9).
func TestResourcePoolGetBufferBestFitAmongCandidates(t *testing.T) {
	p := newTestPool()
	huge := &Buffer{Size: 8192, Usage: vk.BufferUsageTransferDstBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "huge"}
	snug := &Buffer{Size: 600, Usage: vk.BufferUsageTransferDstBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "snug"}
	p.buffers = []*Buffer{huge, snug}

	got, err := p.GetBuffer("reused", 512, vk.BufferUsageTransferDstBit, vk.MemoryPropertyDeviceLocalBit)
	require.NoError(t, err)
	assert.Same(t, snug, got)
}

// A buffer whose usage/property flags aren't a superset of the request
// is never a candidate, even if its size fits.
func TestResourcePoolGetBufferRejectsInsufficientFlags(t *testing.T) {
	p := newTestPool()
	wrongUsage := &Buffer{Size: 4096, Usage: vk.BufferUsageVertexBufferBit, Properties: vk.MemoryPropertyDeviceLocalBit}
	p.buffers = []*Buffer{wrongUsage}

	p.bufMu.Lock()
	snapshot := append([]*Buffer(nil), p.buffers...)
	p.bufMu.Unlock()
	assert.Len(t, snapshot, 1, "sanity: fixture seeded")

	// Requesting transfer-dst usage the only pooled buffer doesn't have
	// forces a miss; GetBuffer would fall through to CreateBuffer (a
	// real device call), so assert the scan itself rejects it instead
	// of asserting on the eventual (GPU-dependent) error.
	p.bufMu.Lock()
	found := -1
	for i, b := range p.buffers {
		if usageSuperset(b.Usage, vk.BufferUsageTransferDstBit) {
			found = i
		}
	}
	p.bufMu.Unlock()
	assert.Equal(t, -1, found)
}

func TestResourcePoolGetImageBucketsByExtentFormatMipsSamples(t *testing.T) {
	p := newTestPool()
	extent := vk.Extent3D{Width: 1920, Height: 1080, Depth: 1}
	match := &Image{Extent: extent, Format: vk.FormatR8g8b8a8Unorm, MipLevels: 1, Samples: vk.SampleCount1Bit,
		Usage: vk.ImageUsageColorAttachmentBit, Properties: vk.MemoryPropertyDeviceLocalBit, name: "match"}
	wrongExtent := &Image{Extent: vk.Extent3D{Width: 1280, Height: 720, Depth: 1}, Format: vk.FormatR8g8b8a8Unorm,
		MipLevels: 1, Samples: vk.SampleCount1Bit, Usage: vk.ImageUsageColorAttachmentBit, Properties: vk.MemoryPropertyDeviceLocalBit}

	key := imageBucket(extent, vk.FormatR8g8b8a8Unorm, 1, vk.SampleCount1Bit)
	wrongKey := imageBucket(wrongExtent.Extent, wrongExtent.Format, wrongExtent.MipLevels, wrongExtent.Samples)
	p.images[key] = []*Image{match}
	p.images[wrongKey] = []*Image{wrongExtent}

	got, err := p.GetImage("reused", extent, vk.FormatR8g8b8a8Unorm, 1, vk.SampleCount1Bit, vk.ImageUsageColorAttachmentBit, vk.MemoryPropertyDeviceLocalBit)
	require.NoError(t, err)
	assert.Same(t, match, got)
	assert.Empty(t, p.images[key])
	assert.Len(t, p.images[wrongKey], 1, "the other bucket is untouched")
}

// GetDescriptorSet returns a pooled set for a layout it already has one
// for, without touching the growable descriptor pool chain.
func TestResourcePoolGetDescriptorSetReusesPooledSet(t *testing.T) {
	p := newTestPool()
	layout := vk.DescriptorSetLayout(1)
	pooled := &DescriptorSet{Layout: layout, Handle: vk.DescriptorSet(7), bound: map[bindingKey]DescriptorSetEntry{}, pending: map[bindingKey]DescriptorSetEntry{}}
	p.descSets[layout] = []*DescriptorSet{pooled}

	got, err := p.GetDescriptorSet("reused", layout)
	require.NoError(t, err)
	assert.Same(t, pooled, got)
	assert.Empty(t, p.descSets[layout])
}

// Release tags a resource with the pool's current frame and returns it
// to the appropriate free list, keyed correctly for each resource kind.
func TestResourcePoolReleaseTagsCurrentFrame(t *testing.T) {
	p := newTestPool()
	p.AdvanceFrame()
	p.AdvanceFrame()
	p.AdvanceFrame()

	buf := &Buffer{Size: 1024}
	p.Release(buf)
	require.Len(t, p.buffers, 1)
	assert.Equal(t, uint64(3), buf.lastUsedFrame)

	img := &Image{Extent: vk.Extent3D{Width: 4, Height: 4, Depth: 1}}
	p.Release(img)
	key := imageBucket(img.Extent, img.Format, img.MipLevels, img.Samples)
	require.Len(t, p.images[key], 1)
	assert.Equal(t, uint64(3), img.lastUsedFrame)
}

// Purge evicts only resources untouched for longer than maxAgeFrames,
// and must not evict a resource that was just used (§8 scenario 3).
// Eviction itself destroys the Vulkan handle, so this only exercises
// buffers manually kept out of the destroy path by never calling Purge
// directly here — instead it checks the age predicate Purge applies.
func TestResourcePoolPurgeAgePredicate(t *testing.T) {
	const maxAge = uint64(8)
	current := uint64(20)

	fresh := &Buffer{lastUsedFrame: 19}
	stale := &Buffer{lastUsedFrame: 5}

	assert.False(t, fresh.lastUsedFrame+maxAge < current, "a buffer used one frame ago must survive")
	assert.True(t, stale.lastUsedFrame+maxAge < current, "a buffer idle for 15 frames must be evicted")
}
