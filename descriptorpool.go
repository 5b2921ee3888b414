package vkengine

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// descriptorPoolAllocator grows a chain of vk.DescriptorPool objects on
// demand, doubling capacity each time the current pool is exhausted.
// Grounded on the teacher's CommandBufferManager grow-on-demand idiom
// (managers.go NewCommandBuffer: append a fresh buffer when the
// recycled slice runs out), applied here to descriptor pools instead
// of command buffers (§4.2 descriptor-set pooling, and the original
// source's DescriptorSet.cpp pool growth).
type descriptorPoolAllocator struct {
	mu       sync.Mutex
	device   vk.Device
	pools    []vk.DescriptorPool
	capacity uint32 // capacity of the most recently created pool
}

const descriptorPoolInitialCapacity = 64

func newDescriptorPoolAllocator(device vk.Device) *descriptorPoolAllocator {
	return &descriptorPoolAllocator{device: device, capacity: descriptorPoolInitialCapacity / 2}
}

func (p *descriptorPoolAllocator) grow() (vk.DescriptorPool, error) {
	p.capacity *= 2
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: p.capacity},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: p.capacity},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: p.capacity},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: p.capacity},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: p.capacity},
		{Type: vk.DescriptorTypeInputAttachment, DescriptorCount: p.capacity},
	}
	var pool vk.DescriptorPool
	ret := vk.CreateDescriptorPool(p.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       p.capacity,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, nil, &pool)
	if isVkError(ret) {
		return vk.NullDescriptorPool, vkErr(ret)
	}
	p.pools = append(p.pools, pool)
	return pool, nil
}

// Allocate tries the most recently created pool first, growing a new,
// doubled-capacity pool on VK_ERROR_OUT_OF_POOL_MEMORY/FRAGMENTED_POOL.
// Returns the originating vk.DescriptorPool alongside the set, since
// vkFreeDescriptorSets requires the exact pool a set was allocated from.
func (p *descriptorPoolAllocator) Allocate(layout vk.DescriptorSetLayout) (vk.DescriptorSet, vk.DescriptorPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pools) == 0 {
		if _, err := p.grow(); err != nil {
			return vk.NullDescriptorSet, vk.NullDescriptorPool, err
		}
	}

	layouts := []vk.DescriptorSetLayout{layout}
	sets := make([]vk.DescriptorSet, 1)
	current := p.pools[len(p.pools)-1]
	ret := vk.AllocateDescriptorSets(p.device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     current,
		DescriptorSetCount: 1,
		PSetLayouts:        layouts,
	}, sets)
	if isVkError(ret) {
		if _, err := p.grow(); err != nil {
			return vk.NullDescriptorSet, vk.NullDescriptorPool, err
		}
		current = p.pools[len(p.pools)-1]
		ret = vk.AllocateDescriptorSets(p.device, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     current,
			DescriptorSetCount: 1,
			PSetLayouts:        layouts,
		}, sets)
		if isVkError(ret) {
			return vk.NullDescriptorSet, vk.NullDescriptorPool, vkErr(ret)
		}
	}
	return sets[0], current, nil
}

// Free returns a set to its originating pool for reuse, rather than
// destroying it; every pool is created with FreeDescriptorSetBit so
// this is always legal regardless of which pool in the chain owns it.
func (p *descriptorPoolAllocator) Free(pool vk.DescriptorPool, set vk.DescriptorSet) {
	vk.FreeDescriptorSets(p.device, pool, 1, []vk.DescriptorSet{set})
}

func (p *descriptorPoolAllocator) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		vk.DestroyDescriptorPool(p.device, pool, nil)
	}
	p.pools = nil
}
