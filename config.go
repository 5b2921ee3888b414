package vkengine

import vk "github.com/vulkan-go/vulkan"

// Tunable sizes for the memory allocator and resource pool, generalized
// from the teacher's map_allocate_size/buffer_instance_allocate_size
// constructor parameters (core.go NewBaseCore) and its freeform Usage
// property bags (usage.go) into a single typed config struct.
type Config struct {
	// MemBlockAlign is the alignment every sub-allocation offset is
	// rounded up to before the allocator's size math runs (§4.1).
	MemBlockAlign vk.DeviceSize
	// MemMinAlloc is the minimum size of a freshly created MemoryBlock (§4.1).
	MemMinAlloc vk.DeviceSize
	// PoolEvictionAge is the default purge() age, in frames (§4.2, §4.8 step 7).
	PoolEvictionAge uint64
	// FrameLag is the number of frames-in-flight the swapchain double/triple buffers.
	FrameLag int
	// SwapchainDepth is the desired number of swapchain images.
	SwapchainDepth int
}

// DefaultConfig mirrors the constants named in spec.md §4.1 (4 KiB
// block alignment, 4 MiB minimum block) and §4.8 (purge age 8).
func DefaultConfig() Config {
	return Config{
		MemBlockAlign:   4 * 1024,
		MemMinAlloc:     4 * 1024 * 1024,
		PoolEvictionAge: 8,
		FrameLag:        2,
		SwapchainDepth:  3,
	}
}
