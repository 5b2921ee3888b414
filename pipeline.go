package vkengine

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// BlendMode selects a fixed color-blend attachment state, one of the
// handful of combinations real-time rendering needs (§3, §4.5).
type BlendMode int

const (
	BlendOpaque BlendMode = iota
	BlendAlpha
	BlendAdditive
	BlendMultiply
)

func vkBool32(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

func blendAttachmentState(mode BlendMode) vk.PipelineColorBlendAttachmentState {
	writeAll := vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
		vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit)

	switch mode {
	case BlendAlpha:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorOne,
			DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeAll,
		}
	case BlendAdditive:
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorOne,
			DstColorBlendFactor: vk.BlendFactorOne,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorOne,
			DstAlphaBlendFactor: vk.BlendFactorOne,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeAll,
		}
	case BlendMultiply:
		// §4.5 writes this as src=ONE,dst=ONE,op=MULTIPLY, but core
		// Vulkan has no VK_BLEND_OP_MULTIPLY (it's an EXT_blend_operation_advanced
		// extension op); DstColor/Zero/ADD is the portable equivalent,
		// computing result = srcColor * dstColor without the extension.
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorDstColor,
			DstColorBlendFactor: vk.BlendFactorZero,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorDstAlpha,
			DstAlphaBlendFactor: vk.BlendFactorZero,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask:      writeAll,
		}
	default: // BlendOpaque
		return vk.PipelineColorBlendAttachmentState{
			BlendEnable:    vk.False,
			ColorWriteMask: writeAll,
		}
	}
}

// PipelineInstanceKey uniquely identifies one compiled graphics or
// compute pipeline permutation (§4.5). For graphics pipelines it
// combines the owning render pass/subpass with the vertex input
// signature hash (math.go's hashVertexInput), topology, cull mode,
// blend mode, and polygon mode; for compute pipelines only the shader
// variant id participates.
type PipelineInstanceKey struct {
	RenderPass      vk.RenderPass
	Subpass         uint32
	VertexSignature uint64
	Topology        vk.PrimitiveTopology
	CullMode        vk.CullModeFlags
	Blend           BlendMode
	PolygonMode     vk.PolygonMode

	ComputeVariant *ShaderVariant // non-nil selects the compute path; all graphics fields are ignored
}

// DefaultPipelineKey seeds a PipelineInstanceKey from variant's baked
// pipeline state (§3's "fixed at compile time", §4.5's "baked at
// package time and overridable per draw"). The caller still supplies
// the render pass/subpass/topology a draw call always determines, and
// may overwrite any of the returned key's fields afterward for a
// per-draw deviation from the variant's compiled-in defaults.
func DefaultPipelineKey(variant *ShaderVariant, renderPass vk.RenderPass, subpass uint32, topology vk.PrimitiveTopology) PipelineInstanceKey {
	ps := variant.PipelineState
	return PipelineInstanceKey{
		RenderPass:  renderPass,
		Subpass:     subpass,
		Topology:    topology,
		CullMode:    ps.CullMode,
		Blend:       ps.Blend,
		PolygonMode: ps.FillMode,
	}
}

// PipelineCache owns every compiled vk.Pipeline, keyed by
// PipelineInstanceKey, plus the underlying vk.PipelineCache object
// used to accelerate repeated compilation (§4.5).
type PipelineCache struct {
	mu        sync.Mutex
	device    vk.Device
	vkCache   vk.PipelineCache
	pipelines map[PipelineInstanceKey]vk.Pipeline
}

// NewPipelineCache creates the cache and its backing vk.PipelineCache,
// seeded from previously serialized cache data when initialData is non-nil.
func NewPipelineCache(device vk.Device, initialData []byte) (*PipelineCache, error) {
	info := vk.PipelineCacheCreateInfo{SType: vk.StructureTypePipelineCacheCreateInfo}
	if len(initialData) > 0 {
		info.InitialDataSize = uint(len(initialData))
		info.PInitialData = unsafePointerOf(initialData)
	}
	var vkCache vk.PipelineCache
	ret := vk.CreatePipelineCache(device, &info, nil, &vkCache)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}
	return &PipelineCache{device: device, vkCache: vkCache, pipelines: make(map[PipelineInstanceKey]vk.Pipeline)}, nil
}

// dynamicStates are always enabled so a pipeline never needs
// recompilation purely because the swapchain resized (§4.5).
var dynamicStates = []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor, vk.DynamicStateLineWidth}

// GetGraphics returns the cached pipeline for key, compiling it via
// variant's reflected pipeline layout on a cache miss. key.VertexSignature
// is always overwritten from vertexBindings/vertexAttributes before the
// cache lookup, so two draws with otherwise-equal keys but different
// vertex layouts never collide on the same pipeline (§3 vertex_input_signature).
func (c *PipelineCache) GetGraphics(key PipelineInstanceKey, variant *ShaderVariant, vertexBindings []vk.VertexInputBindingDescription, vertexAttributes []vk.VertexInputAttributeDescription) (vk.Pipeline, error) {
	key.VertexSignature = uint64(hashVertexInput(vertexBindings, vertexAttributes))

	c.mu.Lock()
	if p, ok := c.pipelines[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	stages := make([]vk.PipelineShaderStageCreateInfo, 0, len(variant.Stages))
	for _, st := range variant.Stages {
		stages = append(stages, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  st.Stage,
			Module: st.Module,
			PName:  safeString(st.EntryPoint),
		})
	}

	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(vertexBindings)),
		PVertexBindingDescriptions:      vertexBindings,
		VertexAttributeDescriptionCount: uint32(len(vertexAttributes)),
		PVertexAttributeDescriptions:    vertexAttributes,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: key.Topology,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: key.PolygonMode,
		CullMode:    key.CullMode,
		FrontFace:   vk.FrontFaceClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	// key.Blend selects the per-draw blend mode (overridable per §4.5);
	// the color write mask itself is baked on the variant and isn't
	// part of PipelineInstanceKey.
	attachment := blendAttachmentState(key.Blend)
	attachment.ColorWriteMask = variant.PipelineState.ColorMask
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{attachment},
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  vkBool32(variant.PipelineState.DepthTest),
		DepthWriteEnable: vkBool32(variant.PipelineState.DepthWrite),
		DepthCompareOp:   variant.PipelineState.DepthCompare,
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	createInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PColorBlendState:    &colorBlend,
		PDepthStencilState:  &depthStencil,
		PDynamicState:       &dynamicState,
		Layout:              variant.Reflection.PipelineLayout,
		RenderPass:          key.RenderPass,
		Subpass:             key.Subpass,
	}

	pipelines := []vk.Pipeline{vk.NullPipeline}
	ret := vk.CreateGraphicsPipelines(c.device, c.vkCache, 1, []vk.GraphicsPipelineCreateInfo{createInfo}, nil, pipelines)
	if isVkError(ret) {
		return vk.NullPipeline, pipelineCreateError(ret, "graphics pipeline compilation failed")
	}

	c.mu.Lock()
	c.pipelines[key] = pipelines[0]
	c.mu.Unlock()
	return pipelines[0], nil
}

// GetCompute returns the cached compute pipeline for variant, compiling
// it on a cache miss.
func (c *PipelineCache) GetCompute(variant *ShaderVariant) (vk.Pipeline, error) {
	key := PipelineInstanceKey{ComputeVariant: variant}
	c.mu.Lock()
	if p, ok := c.pipelines[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	if len(variant.Stages) != 1 {
		return vk.NullPipeline, pipelineCreateError(vk.ErrorUnknown, "compute variant must have exactly one stage, got %d", len(variant.Stages))
	}
	st := variant.Stages[0]

	createInfo := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: st.Module,
			PName:  safeString(st.EntryPoint),
		},
		Layout: variant.Reflection.PipelineLayout,
	}

	pipelines := []vk.Pipeline{vk.NullPipeline}
	ret := vk.CreateComputePipelines(c.device, c.vkCache, 1, []vk.ComputePipelineCreateInfo{createInfo}, nil, pipelines)
	if isVkError(ret) {
		return vk.NullPipeline, pipelineCreateError(ret, "compute pipeline compilation failed")
	}

	c.mu.Lock()
	c.pipelines[key] = pipelines[0]
	c.mu.Unlock()
	return pipelines[0], nil
}

// Serialize returns the pipeline cache's opaque blob for persisting to
// disk between runs (§4.5's "Pipeline cache survives only for the
// process lifetime" open question, resolved in favor of supporting
// save/restore — see the design notes).
func (c *PipelineCache) Serialize() ([]byte, error) {
	var size uint
	if ret := vk.GetPipelineCacheData(c.device, c.vkCache, &size, nil); isVkError(ret) {
		return nil, vkErr(ret)
	}
	data := make([]byte, size)
	if ret := vk.GetPipelineCacheData(c.device, c.vkCache, &size, data); isVkError(ret) {
		return nil, vkErr(ret)
	}
	return data[:size], nil
}

func (c *PipelineCache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pipelines {
		vk.DestroyPipeline(c.device, p, nil)
	}
	c.pipelines = make(map[PipelineInstanceKey]vk.Pipeline)
	vk.DestroyPipelineCache(c.device, c.vkCache, nil)
}
