package vkengine

import (
	"bytes"
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// DescriptorKind tags which union member of a DescriptorSetEntry is live (§3).
type DescriptorKind int

const (
	DescriptorSampler DescriptorKind = iota
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorInputAttachment
	DescriptorUniformBuffer
	DescriptorStorageBuffer
	DescriptorInlineUniformBlock
)

// DescriptorSetEntry is a tagged union over the resources a single
// binding can hold (§3). It is a plain data sum type, not an
// interface, so that Flush can batch writes into one vkUpdateDescriptorSets
// call (§9 "Dynamic dispatch").
type DescriptorSetEntry struct {
	Kind DescriptorKind

	Sampler     vk.Sampler
	ImageView   vk.ImageView
	ImageLayout vk.ImageLayout

	Buffer      vk.Buffer
	BufferOffset vk.DeviceSize
	BufferRange  vk.DeviceSize

	// InlineData is copied into pool-owned storage at SetBinding time
	// for DescriptorInlineUniformBlock entries (§4.3).
	InlineData []byte
}

// Equal reports structural equality, used by SetBinding to suppress
// no-op writes when the new entry matches what's already bound (§3).
func (e DescriptorSetEntry) Equal(o DescriptorSetEntry) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case DescriptorSampler:
		return e.Sampler == o.Sampler
	case DescriptorSampledImage, DescriptorStorageImage, DescriptorInputAttachment:
		return e.Sampler == o.Sampler && e.ImageView == o.ImageView && e.ImageLayout == o.ImageLayout
	case DescriptorUniformBuffer, DescriptorStorageBuffer:
		return e.Buffer == o.Buffer && e.BufferOffset == o.BufferOffset && e.BufferRange == o.BufferRange
	case DescriptorInlineUniformBlock:
		return bytes.Equal(e.InlineData, o.InlineData)
	default:
		return false
	}
}

// bindingKey identifies one slot within a descriptor set: a binding
// index plus an array element within it (§3).
type bindingKey struct {
	Binding    uint32
	ArrayIndex uint32
}

// DescriptorSet tracks a binding → entry mapping, lazily flushing
// writes to the GPU (§3, §4.3). bound reflects the GPU's view; pending
// holds writes not yet flushed.
type DescriptorSet struct {
	mu     sync.Mutex
	device vk.Device
	Layout vk.DescriptorSetLayout
	Handle vk.DescriptorSet
	pool   vk.DescriptorPool

	bound   map[bindingKey]DescriptorSetEntry
	pending map[bindingKey]DescriptorSetEntry

	// reflection resolves a human-readable binding name to its numeric
	// binding index, populated from the bound pipeline's shader
	// reflection data (§4.3 "name-based helper").
	reflection *BindingReflection

	lastUsedFrame uint64
	name          string
}

func newDescriptorSet(device vk.Device, layout vk.DescriptorSetLayout, handle vk.DescriptorSet, pool vk.DescriptorPool, name string) *DescriptorSet {
	return &DescriptorSet{
		device:  device,
		Layout:  layout,
		Handle:  handle,
		pool:    pool,
		bound:   make(map[bindingKey]DescriptorSetEntry),
		pending: make(map[bindingKey]DescriptorSetEntry),
		name:    name,
	}
}

// SetBinding records a pending write if entry differs structurally
// from the currently bound value at (binding, arrayIndex); equal
// writes are a no-op (§3, §4.3).
func (d *DescriptorSet) SetBinding(binding, arrayIndex uint32, entry DescriptorSetEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	key := bindingKey{binding, arrayIndex}
	if current, ok := d.bound[key]; ok && current.Equal(entry) {
		delete(d.pending, key) // a write back to the bound value cancels any pending one
		return nil
	}
	if entry.Kind == DescriptorInlineUniformBlock {
		cp := make([]byte, len(entry.InlineData))
		copy(cp, entry.InlineData)
		entry.InlineData = cp
	}
	d.pending[key] = entry
	return nil
}

func validateEntry(e DescriptorSetEntry) error {
	switch e.Kind {
	case DescriptorSampler:
		if e.Sampler == vk.NullSampler {
			return InvalidHandle("sampler")
		}
	case DescriptorSampledImage, DescriptorStorageImage, DescriptorInputAttachment:
		if e.ImageView == vk.NullImageView {
			return InvalidHandle("image view")
		}
	case DescriptorUniformBuffer, DescriptorStorageBuffer:
		if e.Buffer == vk.NullBuffer {
			return InvalidHandle("buffer")
		}
	case DescriptorInlineUniformBlock:
		if len(e.InlineData) == 0 {
			return InvalidHandle("inline uniform block payload")
		}
	}
	return nil
}

// SetUniformBuffer is a typed convenience wrapper over SetBinding.
func (d *DescriptorSet) SetUniformBuffer(binding uint32, buf *Buffer, offset, size vk.DeviceSize) error {
	return d.SetBinding(binding, 0, DescriptorSetEntry{
		Kind: DescriptorUniformBuffer, Buffer: buf.Handle, BufferOffset: offset, BufferRange: size,
	})
}

// SetStorageBuffer is a typed convenience wrapper over SetBinding.
func (d *DescriptorSet) SetStorageBuffer(binding uint32, buf *Buffer, offset, size vk.DeviceSize) error {
	return d.SetBinding(binding, 0, DescriptorSetEntry{
		Kind: DescriptorStorageBuffer, Buffer: buf.Handle, BufferOffset: offset, BufferRange: size,
	})
}

// SetSampledImage is a typed convenience wrapper over SetBinding.
func (d *DescriptorSet) SetSampledImage(binding uint32, view vk.ImageView, sampler vk.Sampler, layout vk.ImageLayout) error {
	return d.SetBinding(binding, 0, DescriptorSetEntry{
		Kind: DescriptorSampledImage, ImageView: view, Sampler: sampler, ImageLayout: layout,
	})
}

// SetByName resolves name via the set's bound shader reflection and
// forwards to SetBinding (§4.3's "name-based helper").
func (d *DescriptorSet) SetByName(name string, arrayIndex uint32, entry DescriptorSetEntry) error {
	if d.reflection == nil {
		return newErr(ErrInvalidHandle, "descriptor set %q has no attached reflection data", d.name)
	}
	binding, ok := d.reflection.BindingByName(name)
	if !ok {
		return newErr(ErrInvalidHandle, "unknown binding name %q", name)
	}
	return d.SetBinding(binding, arrayIndex, entry)
}

// AttachReflection associates this set with the bindings reflected
// from a shader variant, enabling SetByName.
func (d *DescriptorSet) AttachReflection(r *BindingReflection) { d.reflection = r }

// Flush uploads all pending writes in one batched vkUpdateDescriptorSets
// call, moves them into bound, and clears pending (§3, §4.3). Flushing
// an empty pending map is a no-op.
func (d *DescriptorSet) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return
	}

	writes := make([]vk.WriteDescriptorSet, 0, len(d.pending))
	// Keep per-write info structs alive until the vkUpdateDescriptorSets call below.
	imageInfos := make([]vk.DescriptorImageInfo, 0, len(d.pending))
	bufferInfos := make([]vk.DescriptorBufferInfo, 0, len(d.pending))

	for key, entry := range d.pending {
		w := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          d.Handle,
			DstBinding:      key.Binding,
			DstArrayElement: key.ArrayIndex,
			DescriptorCount: 1,
			DescriptorType:  descriptorVkType(entry.Kind),
		}
		switch entry.Kind {
		case DescriptorSampler, DescriptorSampledImage, DescriptorStorageImage, DescriptorInputAttachment:
			imageInfos = append(imageInfos, vk.DescriptorImageInfo{
				Sampler: entry.Sampler, ImageView: entry.ImageView, ImageLayout: entry.ImageLayout,
			})
			w.PImageInfo = imageInfos[len(imageInfos)-1:]
		case DescriptorUniformBuffer, DescriptorStorageBuffer:
			bufferInfos = append(bufferInfos, vk.DescriptorBufferInfo{
				Buffer: entry.Buffer, Offset: entry.BufferOffset, Range: entry.BufferRange,
			})
			w.PBufferInfo = bufferInfos[len(bufferInfos)-1:]
		case DescriptorInlineUniformBlock:
			// Inline uniform block writes chain a
			// vk.WriteDescriptorSetInlineUniformBlock via PNext in a
			// full implementation; omitted here since vulkan-go's
			// binding surface models it as raw PNext data the caller
			// assembles themselves.
		}
		writes = append(writes, w)
		d.bound[key] = entry
	}

	if len(writes) > 0 {
		vk.UpdateDescriptorSets(d.device, uint32(len(writes)), writes, 0, nil)
	}
	d.pending = make(map[bindingKey]DescriptorSetEntry)
}

func descriptorVkType(k DescriptorKind) vk.DescriptorType {
	switch k {
	case DescriptorSampler:
		return vk.DescriptorTypeSampler
	case DescriptorSampledImage:
		return vk.DescriptorTypeSampledImage
	case DescriptorStorageImage:
		return vk.DescriptorTypeStorageImage
	case DescriptorInputAttachment:
		return vk.DescriptorTypeInputAttachment
	case DescriptorUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case DescriptorStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case DescriptorInlineUniformBlock:
		return vk.DescriptorType(1000138000) // VK_DESCRIPTOR_TYPE_INLINE_UNIFORM_BLOCK_EXT
	default:
		return vk.DescriptorTypeMaxEnum
	}
}
