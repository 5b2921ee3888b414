package vkengine

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// BindingDescriptor is one reflected descriptor binding: its set/binding
// slot, GLSL-facing name, descriptor type, and array length (§3, §4.4).
type BindingDescriptor struct {
	Set       uint32
	Binding   uint32
	Name      string
	Type      vk.DescriptorType
	Count     uint32
	StageMask vk.ShaderStageFlags
}

// PushConstantRange is a reflected push-constant member range (§3, §4.4).
type PushConstantRange struct {
	Name      string
	Offset    uint32
	Size      uint32
	StageMask vk.ShaderStageFlags
}

// BindingReflection is the queryable view of a shader variant's
// descriptor layout, used by DescriptorSet.SetByName and command
// buffer push_constant name resolution (§4.3, §4.4).
type BindingReflection struct {
	Bindings      []BindingDescriptor
	PushConstants []PushConstantRange
	byName        map[string]uint32
	pushByName    map[string]PushConstantRange

	SetLayouts     []vk.DescriptorSetLayout
	PipelineLayout vk.PipelineLayout
}

func newBindingReflection(bindings []BindingDescriptor, pushConstants []PushConstantRange) *BindingReflection {
	r := &BindingReflection{
		Bindings:      bindings,
		PushConstants: pushConstants,
		byName:        make(map[string]uint32, len(bindings)),
		pushByName:    make(map[string]PushConstantRange, len(pushConstants)),
	}
	for _, b := range bindings {
		r.byName[b.Name] = b.Binding
	}
	for _, pc := range pushConstants {
		r.pushByName[pc.Name] = pc
	}
	return r
}

// BindingByName resolves a GLSL binding name to its numeric slot (§4.3).
func (r *BindingReflection) BindingByName(name string) (uint32, bool) {
	b, ok := r.byName[name]
	return b, ok
}

// PushConstantByName resolves a GLSL push-constant member name to its
// offset/size/stage range (§4.7's push-constant name resolution).
func (r *BindingReflection) PushConstantByName(name string) (PushConstantRange, bool) {
	pc, ok := r.pushByName[name]
	return pc, ok
}

// ShaderStage is one compiled SPIR-V entry point within a variant (§3).
type ShaderStage struct {
	Stage      vk.ShaderStageFlagBits
	EntryPoint string
	Module     vk.ShaderModule
	Code       []uint32
}

// StaticSampler is a sampler baked into a shader variant's pipeline
// state at compile time, for combined-image-sampler bindings whose
// filtering and addressing never vary per draw (§3 static_samplers, §6).
type StaticSampler struct {
	Name          string
	MagFilter     vk.Filter
	MinFilter     vk.Filter
	MipmapMode    vk.SamplerMipmapMode
	AddressModeU  vk.SamplerAddressMode
	AddressModeV  vk.SamplerAddressMode
	AddressModeW  vk.SamplerAddressMode
	MaxAnisotropy float32
	CompareEnable bool
	CompareOp     vk.CompareOp
	MinLod        float32
	MaxLod        float32
	BorderColor   vk.BorderColor
}

// VariantPipelineState is the rasterization/blend/depth state baked
// into a shader variant at compile time (§3: a variant's pipeline_state
// "carries rasterization, blend, depth, sample, and cull settings that
// are fixed at compile time"; §4.5: blend mode is "baked at package
// time and overridable per draw"). DefaultPipelineKey (pipeline.go)
// seeds a PipelineInstanceKey from these defaults for a draw to
// override per field.
type VariantPipelineState struct {
	RenderQueue  uint32
	ColorMask    vk.ColorComponentFlags
	CullMode     vk.CullModeFlags
	FillMode     vk.PolygonMode
	Blend        BlendMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare vk.CompareOp
}

// ShaderVariant is one (shader_pass, keyword_set) permutation of a
// shader: its compiled stages, reflected bindings, and the pipeline
// state fixed at compile time (§3, §4.4). Pass is empty for compute
// variants, which are instead keyed by entry point.
type ShaderVariant struct {
	Pass       string   // shader_pass_tag; empty for compute
	Keywords   []string // as recorded in the package, not canonicalized; lookup keys are canonicalized separately
	Stages     []ShaderStage
	Reflection *BindingReflection
	IsCompute  bool

	// WorkgroupSize is the compute shader's local_size_x/y/z (§3
	// ShaderModule's workgroup_size, §6's per-variant u32[3]).
	// CommandBuffer.DispatchAligned reads it from the currently bound
	// compute variant (§4.7). Zero for graphics variants.
	WorkgroupSize [3]uint32

	// PipelineState is this variant's baked-in default pipeline state.
	PipelineState VariantPipelineState

	// StaticSamplers are samplers compiled into the variant rather
	// than supplied per-draw through a descriptor set (§3, §6).
	StaticSamplers []StaticSampler
}

// graphicsKey joins a shader pass name and a canonicalized keyword key
// into the compound lookup key the variant table is stored under,
// matching §3's "(pass, keyword_set) → variant" graphics lookup.
func graphicsKey(pass, keywordKey string) string { return pass + "\x00" + keywordKey }

// canonicalizeKeywords reduces requested to its intersection with
// declared, deduplicates, sorts lexicographically, and joins into the
// deterministic lookup key variants are stored under (§4.4, §6).
func canonicalizeKeywords(declared, requested []string) (canonical []string, key string) {
	declSet := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		declSet[d] = struct{}{}
	}
	seen := make(map[string]struct{}, len(requested))
	for _, k := range requested {
		if _, ok := declSet[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		canonical = append(canonical, k)
	}
	sort.Strings(canonical)
	return canonical, strings.Join(canonical, "+")
}

// Shader is a named collection of variants sharing one set of declared
// keywords, as packaged by a .stmb file (§3, §6).
type Shader struct {
	Name             string
	DeclaredKeywords []string

	mu       sync.RWMutex
	graphics map[string]*ShaderVariant // keyed by graphicsKey(pass, canonical keyword key)
	compute  map[string]*ShaderVariant // keyed by entry point name
}

func newShader(name string, declaredKeywords []string) *Shader {
	return &Shader{
		Name:             name,
		DeclaredKeywords: declaredKeywords,
		graphics:         make(map[string]*ShaderVariant),
		compute:          make(map[string]*ShaderVariant),
	}
}

// addGraphicsVariant registers a variant for graphics pipeline lookup,
// keyed by (pass, canonicalized keyword set).
func (s *Shader) addGraphicsVariant(pass string, keywords []string, v *ShaderVariant) {
	_, key := canonicalizeKeywords(s.DeclaredKeywords, keywords)
	s.mu.Lock()
	s.graphics[graphicsKey(pass, key)] = v
	s.mu.Unlock()
}

// addComputeVariant registers a compute variant keyed by entry point name.
func (s *Shader) addComputeVariant(entryPoint string, v *ShaderVariant) {
	s.mu.Lock()
	s.compute[entryPoint] = v
	s.mu.Unlock()
}

// GetGraphics resolves the variant matching pass and requested keywords
// reduced against the shader's declared set (§4.4
// get_graphics(pass, keywords)). Unknown requested keywords are
// silently ignored, matching the original engine's keyword-intersection
// semantics (§9). A request for a keyword set the shader doesn't
// recognize at all still resolves against pass's base (empty-key)
// variant once reduced, per §4.4's fallback rule.
func (s *Shader) GetGraphics(pass string, keywords []string) (*ShaderVariant, error) {
	_, key := canonicalizeKeywords(s.DeclaredKeywords, keywords)
	s.mu.RLock()
	v, ok := s.graphics[graphicsKey(pass, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, shaderLoadError("shader %q has no graphics variant for pass %q, keyword set %q", s.Name, pass, key)
	}
	return v, nil
}

// GetCompute resolves the compute variant for entryPoint (§4.4 get_compute(entry_point, keywords)).
func (s *Shader) GetCompute(entryPoint string) (*ShaderVariant, error) {
	s.mu.RLock()
	v, ok := s.compute[entryPoint]
	s.mu.RUnlock()
	if !ok {
		return nil, shaderLoadError("shader %q has no compute variant %q", s.Name, entryPoint)
	}
	return v, nil
}

// LoadShaderModule creates a vk.ShaderModule from SPIR-V words, adapted
// directly from the teacher's LoadShaderModule: same SType/CodeSize/PCode
// struct population, without the Fatal-on-error exit since library code
// reports failure to its caller instead.
func LoadShaderModule(device vk.Device, code []uint32) (vk.ShaderModule, error) {
	if len(code) == 0 {
		return vk.NullShaderModule, shaderLoadError("empty SPIR-V module")
	}
	var module vk.ShaderModule
	ret := vk.CreateShaderModule(device, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}, nil, &module)
	if isVkError(ret) {
		return vk.NullShaderModule, vkErr(ret)
	}
	return module, nil
}

// DestroyShaderStage releases one stage's vk.ShaderModule.
func DestroyShaderStage(device vk.Device, stage ShaderStage) {
	if stage.Module != vk.NullShaderModule {
		vk.DestroyShaderModule(device, stage.Module, nil)
	}
}

// Destroy releases every stage module, descriptor set layout, and
// pipeline layout across all variants of the shader.
func (s *Shader) Destroy(device vk.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	destroy := func(v *ShaderVariant) {
		for _, st := range v.Stages {
			DestroyShaderStage(device, st)
		}
		if v.Reflection == nil {
			return
		}
		if v.Reflection.PipelineLayout != vk.NullPipelineLayout {
			vk.DestroyPipelineLayout(device, v.Reflection.PipelineLayout, nil)
		}
		for _, l := range v.Reflection.SetLayouts {
			if l != vk.NullDescriptorSetLayout {
				vk.DestroyDescriptorSetLayout(device, l, nil)
			}
		}
	}
	for _, v := range s.graphics {
		destroy(v)
	}
	for _, v := range s.compute {
		destroy(v)
	}
}

// buildPipelineLayout derives a vk.PipelineLayout from reflected
// bindings, grouping into one vk.DescriptorSetLayout per distinct Set
// index. Grounded on the teacher's PipelineBuilder set-layout
// construction (pipeline.go), generalized from a fixed single-set
// layout to the reflected multi-set case the binary package format
// requires (§4.4, §6).
func buildPipelineLayout(device vk.Device, refl *BindingReflection) error {
	bySet := make(map[uint32][]vk.DescriptorSetLayoutBinding)
	maxSet := uint32(0)
	for _, b := range refl.Bindings {
		bySet[b.Set] = append(bySet[b.Set], vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  b.Type,
			DescriptorCount: b.Count,
			StageFlags:      b.StageMask,
		})
		if b.Set > maxSet {
			maxSet = b.Set
		}
	}

	layouts := make([]vk.DescriptorSetLayout, maxSet+1)
	for set := uint32(0); set <= maxSet; set++ {
		bindings := bySet[set]
		var layout vk.DescriptorSetLayout
		ret := vk.CreateDescriptorSetLayout(device, &vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(bindings)),
			PBindings:    bindings,
		}, nil, &layout)
		if isVkError(ret) {
			for _, l := range layouts {
				if l != vk.NullDescriptorSetLayout {
					vk.DestroyDescriptorSetLayout(device, l, nil)
				}
			}
			return vkErr(ret)
		}
		layouts[set] = layout
	}
	refl.SetLayouts = layouts

	pushRanges := make([]vk.PushConstantRange, 0, len(refl.PushConstants))
	for _, pc := range refl.PushConstants {
		pushRanges = append(pushRanges, vk.PushConstantRange{
			StageFlags: pc.StageMask,
			Offset:     pc.Offset,
			Size:       pc.Size,
		})
	}

	var pipelineLayout vk.PipelineLayout
	ret := vk.CreatePipelineLayout(device, &vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(layouts)),
		PSetLayouts:            layouts,
		PushConstantRangeCount: uint32(len(pushRanges)),
		PPushConstantRanges:    pushRanges,
	}, nil, &pipelineLayout)
	if isVkError(ret) {
		return vkErr(ret)
	}
	refl.PipelineLayout = pipelineLayout
	return nil
}

// ShaderLibrary owns every loaded Shader, keyed by package name (§4.4).
type ShaderLibrary struct {
	mu      sync.RWMutex
	device  vk.Device
	shaders map[string]*Shader
}

func NewShaderLibrary(device vk.Device) *ShaderLibrary {
	return &ShaderLibrary{device: device, shaders: make(map[string]*Shader)}
}

// Load parses a .stmb stream via ReadShaderPackage, compiles its
// modules, registers the resulting Shader under its package name, and
// returns it (§4.4's library-owned load path; ReadShaderPackage alone
// only builds the Shader, it doesn't make it reachable via Get).
func (l *ShaderLibrary) Load(r io.Reader, maxParallel int) (*Shader, error) {
	s, err := ReadShaderPackage(l.device, r, maxParallel)
	if err != nil {
		return nil, err
	}
	l.register(s)
	return s, nil
}

func (l *ShaderLibrary) Get(name string) (*Shader, error) {
	l.mu.RLock()
	s, ok := l.shaders[name]
	l.mu.RUnlock()
	if !ok {
		return nil, shaderLoadError("shader %q not loaded", name)
	}
	return s, nil
}

func (l *ShaderLibrary) register(s *Shader) {
	l.mu.Lock()
	l.shaders[s.Name] = s
	l.mu.Unlock()
}

func (l *ShaderLibrary) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.shaders {
		s.Destroy(l.device)
	}
	l.shaders = make(map[string]*Shader)
}

func (l *ShaderLibrary) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.shaders))
	for n := range l.shaders {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("ShaderLibrary(%s)", strings.Join(names, ", "))
}
