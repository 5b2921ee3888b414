package vkengine

import (
	"log"
	"sort"
	"sync"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// freeInterval is one contiguous unused range within a MemoryBlock,
// stored offset-ascending and pairwise disjoint (§3 MemoryBlock invariant).
type freeInterval struct {
	Offset vk.DeviceSize
	Size   vk.DeviceSize
}

// MemoryBlock is a single heap allocation sub-divided among live
// SubAllocations, per §3.
type MemoryBlock struct {
	Handle         vk.DeviceMemory
	MemoryTypeIdx  uint32
	Size           vk.DeviceSize
	Mapped         unsafe.Pointer // nil unless host-visible
	free           []freeInterval // sorted by Offset, disjoint
	live           []*SubAllocation
}

// SubAllocation is a contiguous range within a MemoryBlock, exclusively
// owned by one Buffer or Image (§3).
type SubAllocation struct {
	Block      *MemoryBlock
	Offset     vk.DeviceSize
	Size       vk.DeviceSize
	MappedPtr  unsafe.Pointer
	MemoryType uint32
	Tag        string
}

// Allocator sub-allocates device memory heap blocks to individual
// resources with best-fit placement and coalescing free lists (§4.1).
// All state is protected by a single mutex; contention is mitigated by
// large block sizes, exactly as the design calls for.
type Allocator struct {
	mu       sync.Mutex
	device   vk.Device
	memProps vk.PhysicalDeviceMemoryProperties
	cfg      Config
	log      *log.Logger

	blocksByType map[uint32][]*MemoryBlock
}

// NewAllocator constructs an allocator bound to one logical device and
// its queried memory properties.
func NewAllocator(device vk.Device, memProps vk.PhysicalDeviceMemoryProperties, cfg Config, logger *log.Logger) *Allocator {
	if logger == nil {
		logger = log.Default()
	}
	return &Allocator{
		device:       device,
		memProps:     memProps,
		cfg:          cfg,
		log:          logger,
		blocksByType: make(map[uint32][]*MemoryBlock),
	}
}

// FindMemoryType returns the first memory-type index within typeBits
// whose property flags are a superset of required.
func FindMemoryType(props vk.PhysicalDeviceMemoryProperties, typeBits uint32, required vk.MemoryPropertyFlags) (uint32, bool) {
	props.Deref()
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		props.MemoryTypes[i].Deref()
		if props.MemoryTypes[i].PropertyFlags&required == required {
			return i, true
		}
	}
	return 0, false
}

// Allocate sub-allocates requirements.Size bytes satisfying alignment
// and properties, tagged with an arbitrary caller string used only for
// diagnostics (§4.1).
func (a *Allocator) Allocate(requirements vk.MemoryRequirements, properties vk.MemoryPropertyFlags, tag string) (*SubAllocation, error) {
	requirements.Deref()
	memType, ok := FindMemoryType(a.memProps, requirements.MemoryTypeBits, properties)
	if !ok {
		return nil, OutOfMemory(0, requirements.Size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	align := requirements.Alignment
	if align < a.cfg.MemBlockAlign {
		align = a.cfg.MemBlockAlign
	}

	if sub := a.tryAllocateFromExisting(memType, requirements.Size, align, tag); sub != nil {
		return sub, nil
	}

	blockSize := max64(a.cfg.MemMinAlloc, alignUp(requirements.Size, align))
	block, err := a.newBlock(memType, blockSize, properties)
	if err != nil {
		return nil, err
	}
	a.blocksByType[memType] = append(a.blocksByType[memType], block)

	sub := a.tryAllocateFromExisting(memType, requirements.Size, align, tag)
	if sub == nil {
		// The fresh block must satisfy the request; failure here is fatal (§4.1).
		return nil, OutOfMemory(memType, requirements.Size)
	}
	return sub, nil
}

// tryAllocateFromExisting scans every block of memType for a best-fit
// free interval. Returns nil if nothing currently fits.
func (a *Allocator) tryAllocateFromExisting(memType uint32, size, align vk.DeviceSize, tag string) *SubAllocation {
	for _, block := range a.blocksByType[memType] {
		if idx, alignedOffset, ok := bestFit(block.free, size, align); ok {
			return a.commit(block, idx, alignedOffset, size, memType, tag)
		}
	}
	return nil
}

// bestFit scans free for the smallest interval able to hold size bytes
// once its start is rounded up to align. Returns the interval's index
// and the aligned offset within it.
func bestFit(free []freeInterval, size, align vk.DeviceSize) (bestIdx int, bestOffset vk.DeviceSize, ok bool) {
	bestIdx = -1
	for i, iv := range free {
		alignedOffset := alignUp(iv.Offset, align)
		end := alignedOffset + size
		if end > iv.Offset+iv.Size {
			continue
		}
		if bestIdx == -1 || iv.Size < free[bestIdx].Size {
			bestIdx = i
			bestOffset = alignedOffset
		}
	}
	if bestIdx == -1 {
		return 0, 0, false
	}
	return bestIdx, bestOffset, true
}

// commit carves [alignedOffset, alignedOffset+size) out of
// block.free[idx], splitting the leftover head/tail back into the free
// list, and records the new live SubAllocation.
func (a *Allocator) commit(block *MemoryBlock, idx int, alignedOffset, size vk.DeviceSize, memType uint32, tag string) *SubAllocation {
	iv := block.free[idx]
	var replacement []freeInterval
	if head := alignedOffset - iv.Offset; head > 0 {
		replacement = append(replacement, freeInterval{Offset: iv.Offset, Size: head})
	}
	end := alignedOffset + size
	if tail := (iv.Offset + iv.Size) - end; tail > 0 {
		replacement = append(replacement, freeInterval{Offset: end, Size: tail})
	}
	block.free = append(block.free[:idx], append(replacement, block.free[idx+1:]...)...)

	sub := &SubAllocation{
		Block:      block,
		Offset:     alignedOffset,
		Size:       size,
		MemoryType: memType,
		Tag:        tag,
	}
	if block.Mapped != nil {
		sub.MappedPtr = unsafe.Pointer(uintptr(block.Mapped) + uintptr(alignedOffset))
	}
	block.live = append(block.live, sub)
	return sub
}

// newBlock allocates and (if host-visible) maps a fresh MemoryBlock.
func (a *Allocator) newBlock(memType uint32, size vk.DeviceSize, properties vk.MemoryPropertyFlags) (*MemoryBlock, error) {
	var handle vk.DeviceMemory
	ret := vk.AllocateMemory(a.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  size,
		MemoryTypeIndex: memType,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, OutOfMemory(memType, size)
	}

	block := &MemoryBlock{
		Handle:        handle,
		MemoryTypeIdx: memType,
		Size:          size,
		free:          []freeInterval{{Offset: 0, Size: size}},
	}

	if properties&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0 {
		var mapped unsafe.Pointer
		ret = vk.MapMemory(a.device, handle, 0, vk.DeviceSize(vk.WholeSize), 0, &mapped)
		if isVkError(ret) {
			a.log.Printf("vkengine: warning: failed to map host-visible block: %v", vkErr(ret))
		} else {
			block.Mapped = mapped
		}
	}

	return block, nil
}

// Free releases sub back into its owning block's free list, merging
// with adjacent free intervals, and destroys the block entirely if it
// becomes fully free (§4.1). Freeing a sub-allocation whose block
// cannot be found is silently ignored, per the design's defensive
// stance on double-frees/unknown handles.
func (a *Allocator) Free(sub *SubAllocation) {
	if sub == nil || sub.Block == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blocks := a.blocksByType[sub.MemoryType]
	blockIdx := -1
	for i, b := range blocks {
		if b == sub.Block {
			blockIdx = i
			break
		}
	}
	if blockIdx == -1 {
		return
	}
	block := blocks[blockIdx]

	for i, live := range block.live {
		if live == sub {
			block.live = append(block.live[:i], block.live[i+1:]...)
			break
		}
	}

	block.free = insertAndCoalesce(block.free, freeInterval{Offset: sub.Offset, Size: sub.Size})

	if len(block.free) == 1 && block.free[0].Offset == 0 && block.free[0].Size == block.Size {
		a.destroyBlock(block)
		a.blocksByType[sub.MemoryType] = append(blocks[:blockIdx], blocks[blockIdx+1:]...)
	}
}

// insertAndCoalesce inserts iv into a sorted, disjoint free list and
// merges it with an adjacent predecessor and/or successor.
func insertAndCoalesce(free []freeInterval, iv freeInterval) []freeInterval {
	pos := sort.Search(len(free), func(i int) bool { return free[i].Offset >= iv.Offset })
	free = append(free, freeInterval{})
	copy(free[pos+1:], free[pos:])
	free[pos] = iv

	// Merge with successor first so index arithmetic stays simple.
	if pos+1 < len(free) && free[pos].Offset+free[pos].Size == free[pos+1].Offset {
		free[pos].Size += free[pos+1].Size
		free = append(free[:pos+1], free[pos+2:]...)
	}
	if pos > 0 && free[pos-1].Offset+free[pos-1].Size == free[pos].Offset {
		free[pos-1].Size += free[pos].Size
		free = append(free[:pos], free[pos+1:]...)
	}
	return free
}

func (a *Allocator) destroyBlock(block *MemoryBlock) {
	if block.Mapped != nil {
		vk.UnmapMemory(a.device, block.Handle)
	}
	vk.FreeMemory(a.device, block.Handle, nil)
}

// MemoryBudget reports, per memory-type index, the total bytes
// currently allocated into MemoryBlocks of that type (the sum of block
// sizes, not the live sub-allocations within them). Grounded on the
// teacher's PhysicalDeviceMemoryProperties field on CoreDevice, which
// the original engine never went further than querying at startup; this
// generalizes it into a running total per §VK_EXT_memory_budget's
// per-heap reporting shape, computed from the allocator's own
// bookkeeping rather than re-querying the driver every call.
func (a *Allocator) MemoryBudget() map[uint32]vk.DeviceSize {
	a.mu.Lock()
	defer a.mu.Unlock()
	budget := make(map[uint32]vk.DeviceSize, len(a.blocksByType))
	for memType, blocks := range a.blocksByType {
		var total vk.DeviceSize
		for _, b := range blocks {
			total += b.Size
		}
		budget[memType] = total
	}
	return budget
}

// Destroy frees every remaining block regardless of live allocations,
// called only from Device teardown after the queue has gone idle.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, blocks := range a.blocksByType {
		for _, b := range blocks {
			a.destroyBlock(b)
		}
	}
	a.blocksByType = make(map[uint32][]*MemoryBlock)
}
