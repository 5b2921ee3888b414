package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

func TestBlendAttachmentStateOpaqueDisablesBlending(t *testing.T) {
	state := blendAttachmentState(BlendOpaque)
	assert.Equal(t, vk.Bool32(vk.False), state.BlendEnable)
}

func TestBlendAttachmentStateAlphaUsesStandardFactors(t *testing.T) {
	state := blendAttachmentState(BlendAlpha)
	assert.Equal(t, vk.Bool32(vk.True), state.BlendEnable)
	assert.Equal(t, vk.BlendFactorSrcAlpha, state.SrcColorBlendFactor)
	assert.Equal(t, vk.BlendFactorOneMinusSrcAlpha, state.DstColorBlendFactor)
}

func TestBlendAttachmentStateAdditiveSumsBothSides(t *testing.T) {
	state := blendAttachmentState(BlendAdditive)
	assert.Equal(t, vk.BlendFactorOne, state.SrcColorBlendFactor)
	assert.Equal(t, vk.BlendFactorOne, state.DstColorBlendFactor)
}

func TestBlendAttachmentStateMultiplyUsesDestColor(t *testing.T) {
	state := blendAttachmentState(BlendMultiply)
	assert.Equal(t, vk.BlendFactorDstColor, state.SrcColorBlendFactor)
	assert.Equal(t, vk.BlendFactorZero, state.DstColorBlendFactor)
}

// A cache hit returns the identical vk.Pipeline handle for an equal
// key without recompiling, which is the structural-equality/identity
// property a pipeline cache must provide. The hit path returns before
// touching the device, so this is exercised without a real GPU.
func TestPipelineCacheGetGraphicsHitReturnsSameHandle(t *testing.T) {
	key := PipelineInstanceKey{Subpass: 0, Topology: vk.PrimitiveTopologyTriangleList, Blend: BlendOpaque}
	// GetGraphics always overwrites VertexSignature from the passed
	// vertex layout before the lookup, so the stored key must carry
	// the same signature GetGraphics(key, nil, nil, nil) will recompute.
	key.VertexSignature = uint64(hashVertexInput(nil, nil))
	want := vk.Pipeline(42)
	c := &PipelineCache{pipelines: map[PipelineInstanceKey]vk.Pipeline{key: want}}

	got, err := c.GetGraphics(key, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// Two otherwise-identical keys with different vertex layouts must not
// collide on the same cached pipeline (§3 vertex_input_signature).
func TestPipelineCacheGetGraphicsMissOnDifferentVertexLayout(t *testing.T) {
	key := PipelineInstanceKey{Subpass: 0, Topology: vk.PrimitiveTopologyTriangleList, Blend: BlendOpaque}
	key.VertexSignature = uint64(hashVertexInput(nil, nil))
	c := &PipelineCache{pipelines: map[PipelineInstanceKey]vk.Pipeline{key: vk.Pipeline(42)}}

	bindings := []vk.VertexInputBindingDescription{{Binding: 0, Stride: 12, InputRate: vk.VertexInputRateVertex}}
	_, ok := c.pipelines[PipelineInstanceKey{
		Subpass:         0,
		Topology:        vk.PrimitiveTopologyTriangleList,
		Blend:           BlendOpaque,
		VertexSignature: uint64(hashVertexInput(bindings, nil)),
	}]
	assert.False(t, ok, "a populated vertex layout must hash to a different signature than an empty one")
}

func TestPipelineCacheGetComputeHitReturnsSameHandle(t *testing.T) {
	variant := &ShaderVariant{IsCompute: true}
	key := PipelineInstanceKey{ComputeVariant: variant}
	want := vk.Pipeline(7)
	c := &PipelineCache{pipelines: map[PipelineInstanceKey]vk.Pipeline{key: want}}

	got, err := c.GetCompute(variant)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// PipelineInstanceKey itself compares every field, so two compute keys
// that differ in a graphics field are unequal; the compute path ignores
// those fields because GetCompute builds its key from ComputeVariant alone.
func TestPipelineInstanceKeyComputeIgnoresGraphicsFields(t *testing.T) {
	variant := &ShaderVariant{}
	a := PipelineInstanceKey{ComputeVariant: variant, Topology: vk.PrimitiveTopologyTriangleList}
	b := PipelineInstanceKey{ComputeVariant: variant, Topology: vk.PrimitiveTopologyPointList}
	assert.NotEqual(t, a, b, "PipelineInstanceKey is a plain struct key: differing graphics fields do change equality")
	// GetCompute always constructs its key from ComputeVariant alone, so
	// callers never observe the graphics fields leaking into the lookup.
	onlyVariant := PipelineInstanceKey{ComputeVariant: variant}
	assert.Equal(t, onlyVariant, PipelineInstanceKey{ComputeVariant: variant})
}
