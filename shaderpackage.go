package vkengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	vk "github.com/vulkan-go/vulkan"
)

// stmb is the on-disk binary shader package format (§6): a fixed
// header, a table of distinct SPIR-V module blobs, and a table of
// variant records (compute or graphics) referencing those blobs by
// index plus their reflected binding/push-constant metadata.
const (
	stmbMagic   = uint32(0x53544d42) // "STMB"
	stmbVersion = uint32(1)
)

const (
	stmbStageVertex = uint32(iota)
	stmbStageFragment
	stmbStageCompute
	stmbStageGeometry
	stmbStageTessControl
	stmbStageTessEval
)

var stmbStageFlagBits = map[uint32]vk.ShaderStageFlagBits{
	stmbStageVertex:      vk.ShaderStageVertexBit,
	stmbStageFragment:    vk.ShaderStageFragmentBit,
	stmbStageCompute:     vk.ShaderStageComputeBit,
	stmbStageGeometry:    vk.ShaderStageGeometryBit,
	stmbStageTessControl: vk.ShaderStageTessellationControlBit,
	stmbStageTessEval:    vk.ShaderStageTessellationEvaluationBit,
}

func stmbStageCode(stage vk.ShaderStageFlagBits) (uint32, error) {
	for code, bit := range stmbStageFlagBits {
		if bit == stage {
			return code, nil
		}
	}
	return 0, fmt.Errorf("vkengine: unsupported shader stage %d for package encoding", stage)
}

// GraphicsVariantSource/ComputeVariantSource pair a variant with the
// key it's registered under, since ShaderVariant itself doesn't carry
// it. Exported so an offline asset-pipeline tool (cmd/shaderc) can
// build a package's contents without linking against a live
// vk.Device: only Stages[].Code and Reflection need to be populated,
// since WriteShaderPackage never touches a Stage's Module handle.
type GraphicsVariantSource struct {
	Pass     string
	Keywords []string
	Variant  *ShaderVariant
}
type ComputeVariantSource struct {
	EntryPoint string
	Variant    *ShaderVariant
}

func writeStringField(w io.Writer, s string) {
	binary.Write(w, binary.LittleEndian, uint32(len(s)))
	io.WriteString(w, s)
}

func writeStringsField(w io.Writer, ss []string) {
	binary.Write(w, binary.LittleEndian, uint32(len(ss)))
	for _, s := range ss {
		writeStringField(w, s)
	}
}

func writeBindingsField(w io.Writer, bindings []BindingDescriptor) {
	binary.Write(w, binary.LittleEndian, uint32(len(bindings)))
	for _, b := range bindings {
		binary.Write(w, binary.LittleEndian, b.Set)
		binary.Write(w, binary.LittleEndian, b.Binding)
		writeStringField(w, b.Name)
		binary.Write(w, binary.LittleEndian, uint32(b.Type))
		binary.Write(w, binary.LittleEndian, b.Count)
		binary.Write(w, binary.LittleEndian, uint32(b.StageMask))
	}
}

func writePushConstantsField(w io.Writer, pcs []PushConstantRange) {
	binary.Write(w, binary.LittleEndian, uint32(len(pcs)))
	for _, pc := range pcs {
		writeStringField(w, pc.Name)
		binary.Write(w, binary.LittleEndian, pc.Offset)
		binary.Write(w, binary.LittleEndian, pc.Size)
		binary.Write(w, binary.LittleEndian, uint32(pc.StageMask))
	}
}

// writeStaticSamplersField serializes a variant's baked samplers (§6
// static_samplers): name plus a fixed-layout record of the
// VkSamplerCreateInfo fields that matter for recreating it, rather
// than the full vk.SamplerCreateInfo struct (which carries an
// unserializable Next pointer).
func writeStaticSamplersField(w io.Writer, samplers []StaticSampler) {
	binary.Write(w, binary.LittleEndian, uint32(len(samplers)))
	for _, s := range samplers {
		writeStringField(w, s.Name)
		binary.Write(w, binary.LittleEndian, uint32(s.MagFilter))
		binary.Write(w, binary.LittleEndian, uint32(s.MinFilter))
		binary.Write(w, binary.LittleEndian, uint32(s.MipmapMode))
		binary.Write(w, binary.LittleEndian, uint32(s.AddressModeU))
		binary.Write(w, binary.LittleEndian, uint32(s.AddressModeV))
		binary.Write(w, binary.LittleEndian, uint32(s.AddressModeW))
		binary.Write(w, binary.LittleEndian, s.MaxAnisotropy)
		binary.Write(w, binary.LittleEndian, boolToU32(s.CompareEnable))
		binary.Write(w, binary.LittleEndian, uint32(s.CompareOp))
		binary.Write(w, binary.LittleEndian, s.MinLod)
		binary.Write(w, binary.LittleEndian, s.MaxLod)
		binary.Write(w, binary.LittleEndian, uint32(s.BorderColor))
	}
}

// writePipelineStateField serializes a variant's baked pipeline state
// (§3 "pipeline_state... fixed at compile time", §6 trailing
// render_queue/color_mask/cull_mode/fill_mode/blend_mode/depth_stencil
// block). The wire sketch in §6 shows this as one block trailing the
// whole package; since §3's prose makes pipeline_state a per-variant
// property (and a package plausibly mixes an opaque pass with an
// alpha-blended one), it's written per-variant here instead.
func writePipelineStateField(w io.Writer, ps VariantPipelineState) {
	binary.Write(w, binary.LittleEndian, ps.RenderQueue)
	binary.Write(w, binary.LittleEndian, uint32(ps.ColorMask))
	binary.Write(w, binary.LittleEndian, uint32(ps.CullMode))
	binary.Write(w, binary.LittleEndian, uint32(ps.FillMode))
	binary.Write(w, binary.LittleEndian, uint32(ps.Blend))
	binary.Write(w, binary.LittleEndian, boolToU32(ps.DepthTest))
	binary.Write(w, binary.LittleEndian, boolToU32(ps.DepthWrite))
	binary.Write(w, binary.LittleEndian, uint32(ps.DepthCompare))
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// WriteShaderPackage serializes shaderName/declaredKeywords and every
// variant into the .stmb format described in §6. Byte order is fixed
// little-endian so the format is bit-exact across platforms, matching
// the round-trip property tests exercise (§8).
func WriteShaderPackage(w io.Writer, shaderName string, declaredKeywords []string, graphics []GraphicsVariantSource, compute []ComputeVariantSource) error {
	var header bytes.Buffer
	binary.Write(&header, binary.LittleEndian, stmbMagic)
	binary.Write(&header, binary.LittleEndian, stmbVersion)
	writeStringField(&header, shaderName)
	writeStringsField(&header, declaredKeywords)

	// Deduplicate SPIR-V blobs across every variant's stages so an
	// identical module shared across keyword permutations is stored once.
	blobIndex := make(map[string]uint32)
	var blobs [][]uint32
	internBlob := func(code []uint32) uint32 {
		b := make([]byte, len(code)*4)
		for i, word := range code {
			binary.LittleEndian.PutUint32(b[i*4:], word)
		}
		key := string(b)
		if idx, ok := blobIndex[key]; ok {
			return idx
		}
		idx := uint32(len(blobs))
		blobIndex[key] = idx
		blobs = append(blobs, code)
		return idx
	}

	writeStages := func(w io.Writer, stages []ShaderStage) error {
		binary.Write(w, binary.LittleEndian, uint32(len(stages)))
		for _, st := range stages {
			code, err := stmbStageCode(st.Stage)
			if err != nil {
				return err
			}
			binary.Write(w, binary.LittleEndian, code)
			writeStringField(w, st.EntryPoint)
			binary.Write(w, binary.LittleEndian, internBlob(st.Code))
		}
		return nil
	}

	writeWorkgroupSize := func(w io.Writer, size [3]uint32) {
		for _, v := range size {
			binary.Write(w, binary.LittleEndian, v)
		}
	}

	var variants bytes.Buffer
	binary.Write(&variants, binary.LittleEndian, uint32(len(graphics)))
	for _, g := range graphics {
		writeStringField(&variants, g.Pass)
		writeStringsField(&variants, g.Keywords)
		if err := writeStages(&variants, g.Variant.Stages); err != nil {
			return err
		}
		writeBindingsField(&variants, g.Variant.Reflection.Bindings)
		writePushConstantsField(&variants, g.Variant.Reflection.PushConstants)
		writeWorkgroupSize(&variants, g.Variant.WorkgroupSize) // (0,0,0) for graphics variants
		writeStaticSamplersField(&variants, g.Variant.StaticSamplers)
		writePipelineStateField(&variants, g.Variant.PipelineState)
	}
	binary.Write(&variants, binary.LittleEndian, uint32(len(compute)))
	for _, c := range compute {
		writeStringField(&variants, c.EntryPoint)
		if err := writeStages(&variants, c.Variant.Stages); err != nil {
			return err
		}
		writeBindingsField(&variants, c.Variant.Reflection.Bindings)
		writePushConstantsField(&variants, c.Variant.Reflection.PushConstants)
		writeWorkgroupSize(&variants, c.Variant.WorkgroupSize)
		writeStaticSamplersField(&variants, c.Variant.StaticSamplers)
		writePipelineStateField(&variants, c.Variant.PipelineState)
	}

	var blobTable bytes.Buffer
	binary.Write(&blobTable, binary.LittleEndian, uint32(len(blobs)))
	for _, blob := range blobs {
		binary.Write(&blobTable, binary.LittleEndian, uint32(len(blob)))
		for _, word := range blob {
			binary.Write(&blobTable, binary.LittleEndian, word)
		}
	}

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(blobTable.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(variants.Bytes())
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func readBindings(r io.Reader) ([]BindingDescriptor, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]BindingDescriptor, n)
	for i := range out {
		var set, binding, typ, count, stage uint32
		for _, dst := range []*uint32{&set, &binding} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, err
			}
		}
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		for _, dst := range []*uint32{&typ, &count, &stage} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, err
			}
		}
		out[i] = BindingDescriptor{Set: set, Binding: binding, Name: name, Type: vk.DescriptorType(typ), Count: count, StageMask: vk.ShaderStageFlags(stage)}
	}
	return out, nil
}

func readPushConstants(r io.Reader) ([]PushConstantRange, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]PushConstantRange, n)
	for i := range out {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var offset, size, stage uint32
		for _, dst := range []*uint32{&offset, &size, &stage} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, err
			}
		}
		out[i] = PushConstantRange{Name: name, Offset: offset, Size: size, StageMask: vk.ShaderStageFlags(stage)}
	}
	return out, nil
}

func readStaticSamplers(r io.Reader) ([]StaticSampler, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]StaticSampler, n)
	for i := range out {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var magFilter, minFilter, mipmapMode, addrU, addrV, addrW uint32
		for _, dst := range []*uint32{&magFilter, &minFilter, &mipmapMode, &addrU, &addrV, &addrW} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, err
			}
		}
		var maxAniso float32
		if err := binary.Read(r, binary.LittleEndian, &maxAniso); err != nil {
			return nil, err
		}
		var compareEnable, compareOp uint32
		if err := binary.Read(r, binary.LittleEndian, &compareEnable); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &compareOp); err != nil {
			return nil, err
		}
		var minLod, maxLod float32
		if err := binary.Read(r, binary.LittleEndian, &minLod); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &maxLod); err != nil {
			return nil, err
		}
		var borderColor uint32
		if err := binary.Read(r, binary.LittleEndian, &borderColor); err != nil {
			return nil, err
		}
		out[i] = StaticSampler{
			Name:          name,
			MagFilter:     vk.Filter(magFilter),
			MinFilter:     vk.Filter(minFilter),
			MipmapMode:    vk.SamplerMipmapMode(mipmapMode),
			AddressModeU:  vk.SamplerAddressMode(addrU),
			AddressModeV:  vk.SamplerAddressMode(addrV),
			AddressModeW:  vk.SamplerAddressMode(addrW),
			MaxAnisotropy: maxAniso,
			CompareEnable: compareEnable != 0,
			CompareOp:     vk.CompareOp(compareOp),
			MinLod:        minLod,
			MaxLod:        maxLod,
			BorderColor:   vk.BorderColor(borderColor),
		}
	}
	return out, nil
}

func readPipelineState(r io.Reader) (VariantPipelineState, error) {
	var ps VariantPipelineState
	if err := binary.Read(r, binary.LittleEndian, &ps.RenderQueue); err != nil {
		return ps, err
	}
	var colorMask, cullMode, fillMode, blend, depthTest, depthWrite, depthCompare uint32
	for _, dst := range []*uint32{&colorMask, &cullMode, &fillMode, &blend, &depthTest, &depthWrite, &depthCompare} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return ps, err
		}
	}
	ps.ColorMask = vk.ColorComponentFlags(colorMask)
	ps.CullMode = vk.CullModeFlags(cullMode)
	ps.FillMode = vk.PolygonMode(fillMode)
	ps.Blend = BlendMode(blend)
	ps.DepthTest = depthTest != 0
	ps.DepthWrite = depthWrite != 0
	ps.DepthCompare = vk.CompareOp(depthCompare)
	return ps, nil
}

func readWorkgroupSize(r io.Reader) ([3]uint32, error) {
	var size [3]uint32
	for i := range size {
		if err := binary.Read(r, binary.LittleEndian, &size[i]); err != nil {
			return size, err
		}
	}
	return size, nil
}

type encodedStageRecord struct {
	StageCode  uint32
	EntryPoint string
	BlobIndex  uint32
}

func readStages(r io.Reader) ([]encodedStageRecord, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]encodedStageRecord, n)
	for i := range out {
		var stageCode uint32
		if err := binary.Read(r, binary.LittleEndian, &stageCode); err != nil {
			return nil, err
		}
		entry, err := readString(r)
		if err != nil {
			return nil, err
		}
		var blobIdx uint32
		if err := binary.Read(r, binary.LittleEndian, &blobIdx); err != nil {
			return nil, err
		}
		out[i] = encodedStageRecord{StageCode: stageCode, EntryPoint: entry, BlobIndex: blobIdx}
	}
	return out, nil
}

// ReadShaderPackage parses a .stmb stream and compiles every variant's
// vk.ShaderModule objects concurrently through a bounded worker pool
// (errgroup, matching the corpus's bounded-concurrency idiom for setup
// work), capped at maxParallel simultaneous vkCreateShaderModule calls (§4.4, §6).
func ReadShaderPackage(device vk.Device, r io.Reader, maxParallel int) (*Shader, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != stmbMagic {
		return nil, shaderLoadError("not a shader package: bad magic %#x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != stmbVersion {
		return nil, shaderLoadError("unsupported shader package version %d", version)
	}

	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	declaredKeywords, err := readStrings(r)
	if err != nil {
		return nil, err
	}

	var blobCount uint32
	if err := binary.Read(r, binary.LittleEndian, &blobCount); err != nil {
		return nil, err
	}
	blobs := make([][]uint32, blobCount)
	for i := range blobs {
		var wordCount uint32
		if err := binary.Read(r, binary.LittleEndian, &wordCount); err != nil {
			return nil, err
		}
		words := make([]uint32, wordCount)
		for j := range words {
			if err := binary.Read(r, binary.LittleEndian, &words[j]); err != nil {
				return nil, err
			}
		}
		blobs[i] = words
	}

	type rawVariant struct {
		pass          string
		keywords      []string
		entry         string
		stages        []encodedStageRecord
		bindings      []BindingDescriptor
		pushes        []PushConstantRange
		workgroupSize [3]uint32
		samplers      []StaticSampler
		pipelineState VariantPipelineState
		compute       bool
	}
	var raw []rawVariant

	var graphicsCount uint32
	if err := binary.Read(r, binary.LittleEndian, &graphicsCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < graphicsCount; i++ {
		pass, err := readString(r)
		if err != nil {
			return nil, err
		}
		kws, err := readStrings(r)
		if err != nil {
			return nil, err
		}
		stages, err := readStages(r)
		if err != nil {
			return nil, err
		}
		bindings, err := readBindings(r)
		if err != nil {
			return nil, err
		}
		pushes, err := readPushConstants(r)
		if err != nil {
			return nil, err
		}
		workgroupSize, err := readWorkgroupSize(r)
		if err != nil {
			return nil, err
		}
		samplers, err := readStaticSamplers(r)
		if err != nil {
			return nil, err
		}
		pipelineState, err := readPipelineState(r)
		if err != nil {
			return nil, err
		}
		raw = append(raw, rawVariant{
			pass: pass, keywords: kws, stages: stages, bindings: bindings, pushes: pushes,
			workgroupSize: workgroupSize, samplers: samplers, pipelineState: pipelineState,
		})
	}

	var computeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &computeCount); err != nil {
		return nil, err
	}
	for i := uint32(0); i < computeCount; i++ {
		entry, err := readString(r)
		if err != nil {
			return nil, err
		}
		stages, err := readStages(r)
		if err != nil {
			return nil, err
		}
		bindings, err := readBindings(r)
		if err != nil {
			return nil, err
		}
		pushes, err := readPushConstants(r)
		if err != nil {
			return nil, err
		}
		workgroupSize, err := readWorkgroupSize(r)
		if err != nil {
			return nil, err
		}
		samplers, err := readStaticSamplers(r)
		if err != nil {
			return nil, err
		}
		pipelineState, err := readPipelineState(r)
		if err != nil {
			return nil, err
		}
		raw = append(raw, rawVariant{
			entry: entry, stages: stages, bindings: bindings, pushes: pushes, compute: true,
			workgroupSize: workgroupSize, samplers: samplers, pipelineState: pipelineState,
		})
	}

	shader := newShader(name, declaredKeywords)
	compiled := make([]*ShaderVariant, len(raw))

	g := new(errgroup.Group)
	sem := make(chan struct{}, maxParallel)
	for idx := range raw {
		idx := idx
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			rv := raw[idx]
			stages := make([]ShaderStage, len(rv.stages))
			for i, st := range rv.stages {
				bits, ok := stmbStageFlagBits[st.StageCode]
				if !ok {
					return fmt.Errorf("vkengine: unknown stage code %d in shader package", st.StageCode)
				}
				code := blobs[st.BlobIndex]
				module, err := LoadShaderModule(device, code)
				if err != nil {
					return err
				}
				stages[i] = ShaderStage{Stage: bits, EntryPoint: st.EntryPoint, Module: module, Code: code}
			}
			refl := newBindingReflection(rv.bindings, rv.pushes)
			if err := buildPipelineLayout(device, refl); err != nil {
				return err
			}
			compiled[idx] = &ShaderVariant{
				Pass: rv.pass, Keywords: rv.keywords, Stages: stages, Reflection: refl, IsCompute: rv.compute,
				WorkgroupSize: rv.workgroupSize, StaticSamplers: rv.samplers, PipelineState: rv.pipelineState,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for idx, rv := range raw {
		v := compiled[idx]
		if rv.compute {
			shader.addComputeVariant(rv.entry, v)
		} else {
			shader.addGraphicsVariant(rv.pass, rv.keywords, v)
		}
	}
	return shader, nil
}
