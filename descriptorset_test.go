package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

func newTestDescriptorSet() *DescriptorSet {
	return newDescriptorSet(nil, vk.DescriptorSetLayout(1), vk.DescriptorSet(1), vk.DescriptorPool(1), "test")
}

// Two writes to the same binding before a flush coalesce into a single
// pending entry holding only the latest value (§8 scenario 4).
func TestDescriptorSetSetBindingCoalescesPendingWrites(t *testing.T) {
	d := newTestDescriptorSet()
	first := DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(1), BufferRange: 64}
	second := DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(2), BufferRange: 128}

	require.NoError(t, d.SetBinding(0, 0, first))
	require.NoError(t, d.SetBinding(0, 0, second))

	assert.Len(t, d.pending, 1, "one binding written twice produces one pending entry")
	assert.True(t, d.pending[bindingKey{0, 0}].Equal(second), "pending must hold the latest write, not the first")
	assert.Empty(t, d.bound, "bound is unaffected until Flush runs")
}

// Writing the currently bound value back is a no-op that also cancels
// any pending write to that slot.
func TestDescriptorSetSetBindingSuppressesNoOpWrite(t *testing.T) {
	d := newTestDescriptorSet()
	entry := DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(1), BufferRange: 64}
	d.bound[bindingKey{0, 0}] = entry

	other := DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(9), BufferRange: 32}
	require.NoError(t, d.SetBinding(0, 0, other))
	assert.Len(t, d.pending, 1)

	require.NoError(t, d.SetBinding(0, 0, entry))
	assert.Empty(t, d.pending, "writing back the bound value cancels the pending write")
}

func TestDescriptorSetEntryEqual(t *testing.T) {
	a := DescriptorSetEntry{Kind: DescriptorSampledImage, Sampler: vk.Sampler(1), ImageView: vk.ImageView(2), ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal}
	b := a
	assert.True(t, a.Equal(b))

	b.ImageView = vk.ImageView(3)
	assert.False(t, a.Equal(b))

	c := DescriptorSetEntry{Kind: DescriptorInlineUniformBlock, InlineData: []byte{1, 2, 3}}
	d := DescriptorSetEntry{Kind: DescriptorInlineUniformBlock, InlineData: []byte{1, 2, 3}}
	assert.True(t, c.Equal(d))
	d.InlineData = []byte{1, 2, 4}
	assert.False(t, c.Equal(d))
}

func TestDescriptorSetSetBindingValidatesNullHandles(t *testing.T) {
	d := newTestDescriptorSet()
	err := d.SetBinding(0, 0, DescriptorSetEntry{Kind: DescriptorSampler, Sampler: vk.NullSampler})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrInvalidHandle))
}

// Inline uniform block payloads are copied on set, so mutating the
// caller's slice afterward must not affect the pending entry.
func TestDescriptorSetSetBindingCopiesInlineData(t *testing.T) {
	d := newTestDescriptorSet()
	payload := []byte{1, 2, 3, 4}
	require.NoError(t, d.SetBinding(0, 0, DescriptorSetEntry{Kind: DescriptorInlineUniformBlock, InlineData: payload}))

	payload[0] = 0xFF
	assert.Equal(t, byte(1), d.pending[bindingKey{0, 0}].InlineData[0], "pending copy must be independent of the caller's slice")
}

func TestDescriptorSetByNameResolvesViaReflection(t *testing.T) {
	d := newTestDescriptorSet()
	refl := newBindingReflection([]BindingDescriptor{{Set: 0, Binding: 3, Name: "uCamera"}}, nil)
	d.AttachReflection(refl)

	require.NoError(t, d.SetByName("uCamera", 0, DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(1), BufferRange: 16}))
	assert.Contains(t, d.pending, bindingKey{Binding: 3, ArrayIndex: 0})
}

func TestDescriptorSetByNameUnknownName(t *testing.T) {
	d := newTestDescriptorSet()
	d.AttachReflection(newBindingReflection(nil, nil))
	err := d.SetByName("missing", 0, DescriptorSetEntry{Kind: DescriptorUniformBuffer, Buffer: vk.Buffer(1), BufferRange: 16})
	require.Error(t, err)
}
