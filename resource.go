package vkengine

import vk "github.com/vulkan-go/vulkan"

// Buffer is a GPU buffer object backed by one SubAllocation (§3).
type Buffer struct {
	Handle     vk.Buffer
	Size       vk.DeviceSize
	Usage      vk.BufferUsageFlags
	Properties vk.MemoryPropertyFlags
	Sub        *SubAllocation

	name         string
	lastUsedFrame uint64
}

// BufferView is a typed, range-limited view into a Buffer.
type BufferView struct {
	Buffer       *Buffer
	Offset       vk.DeviceSize
	ElementSize  vk.DeviceSize
	ElementCount uint64
}

// NewBufferView constructs a view covering [offset, offset+elementSize*elementCount).
func NewBufferView(buf *Buffer, offset, elementSize vk.DeviceSize, elementCount uint64) *BufferView {
	return &BufferView{Buffer: buf, Offset: offset, ElementSize: elementSize, ElementCount: elementCount}
}

// Image is a GPU image object backed by one SubAllocation, tracking a
// conservative last-known pipeline state used by command recording to
// emit minimal-but-correct layout transitions (§3).
type Image struct {
	Handle      vk.Image
	Extent      vk.Extent3D
	Format      vk.Format
	MipLevels   uint32
	ArrayLayers uint32
	Samples     vk.SampleCountFlagBits
	Usage       vk.ImageUsageFlags
	Properties  vk.MemoryPropertyFlags
	Sub         *SubAllocation

	// Conservative, single-rendering-thread-owned assumptions about
	// the image's current state (§3, §5).
	LastKnownLayout vk.ImageLayout
	LastKnownStage  vk.PipelineStageFlags
	LastKnownAccess vk.AccessFlags

	name          string
	lastUsedFrame uint64
}

// imageBucketKey groups images by the tuple the resource pool selects on:
// extent, format, mip count, and sample count (§4.2).
type imageBucketKey struct {
	Width, Height, Depth uint32
	Format               vk.Format
	MipLevels            uint32
	Samples              vk.SampleCountFlagBits
}

func imageBucket(extent vk.Extent3D, format vk.Format, mips uint32, samples vk.SampleCountFlagBits) imageBucketKey {
	return imageBucketKey{extent.Width, extent.Height, extent.Depth, format, mips, samples}
}

// CreateBuffer allocates the vk.Buffer handle and its backing
// sub-allocation through alloc, binding them together. This is the
// leaf call both the resource pool (on cache miss) and one-off
// collaborators (e.g. the scene graph uploading a static mesh) use.
func CreateBuffer(device vk.Device, alloc *Allocator, size vk.DeviceSize, usage vk.BufferUsageFlags, properties vk.MemoryPropertyFlags, tag string) (*Buffer, error) {
	var handle vk.Buffer
	ret := vk.CreateBuffer(device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, handle, &reqs)

	sub, err := alloc.Allocate(reqs, properties, tag)
	if err != nil {
		vk.DestroyBuffer(device, handle, nil)
		return nil, err
	}

	if ret = vk.BindBufferMemory(device, handle, sub.Block.Handle, sub.Offset); isVkError(ret) {
		alloc.Free(sub)
		vk.DestroyBuffer(device, handle, nil)
		return nil, vkErr(ret)
	}

	return &Buffer{Handle: handle, Size: size, Usage: usage, Properties: properties, Sub: sub, name: tag}, nil
}

// DestroyBuffer destroys the Vulkan handle and releases its
// sub-allocation back to alloc.
func DestroyBuffer(device vk.Device, alloc *Allocator, b *Buffer) {
	if b == nil {
		return
	}
	vk.DestroyBuffer(device, b.Handle, nil)
	alloc.Free(b.Sub)
}

// CreateImage allocates the vk.Image handle and its backing
// sub-allocation through alloc.
func CreateImage(device vk.Device, alloc *Allocator, extent vk.Extent3D, format vk.Format, mips, arrayLayers uint32, samples vk.SampleCountFlagBits, usage vk.ImageUsageFlags, properties vk.MemoryPropertyFlags, tag string) (*Image, error) {
	var handle vk.Image
	ret := vk.CreateImage(device, &vk.ImageCreateInfo{
		SType:       vk.StructureTypeImageCreateInfo,
		ImageType:   vk.ImageType2d,
		Format:      format,
		Extent:      extent,
		MipLevels:   mips,
		ArrayLayers: arrayLayers,
		Samples:     samples,
		Tiling:      vk.ImageTilingOptimal,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(device, handle, &reqs)

	sub, err := alloc.Allocate(reqs, properties, tag)
	if err != nil {
		vk.DestroyImage(device, handle, nil)
		return nil, err
	}

	if ret = vk.BindImageMemory(device, handle, sub.Block.Handle, sub.Offset); isVkError(ret) {
		alloc.Free(sub)
		vk.DestroyImage(device, handle, nil)
		return nil, vkErr(ret)
	}

	return &Image{
		Handle: handle, Extent: extent, Format: format, MipLevels: mips, ArrayLayers: arrayLayers,
		Samples: samples, Usage: usage, Properties: properties, Sub: sub, name: tag,
		LastKnownLayout: vk.ImageLayoutUndefined,
		LastKnownStage:  vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
	}, nil
}

// DestroyImage destroys the Vulkan handle and releases its
// sub-allocation back to alloc.
func DestroyImage(device vk.Device, alloc *Allocator, img *Image) {
	if img == nil {
		return
	}
	vk.DestroyImage(device, img.Handle, nil)
	alloc.Free(img.Sub)
}
