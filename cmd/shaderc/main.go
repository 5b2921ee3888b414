// Command shaderc compiles a single annotated GLSL source file into a
// .stmb shader package: one binary blob other code in this module can
// hand straight to ShaderLibrary.Load. It mirrors the directive syntax
// the original engine's offline compiler recognized (#pragma vertex/
// fragment/kernel/multi_compile) and shells out to glslc for the
// actual GLSL->SPIR-V step, the way the original shelled out to
// libshaderc rather than reimplementing a GLSL frontend.
//
// usage: shaderc <src> <dst> [include_path ...]
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	vk "github.com/vulkan-go/vulkan"

	vkengine "github.com/andewx/vkengine"
)

type passEntry struct {
	vertex, fragment string
}

// parsed holds everything #pragma scanning discovered about one source file.
type parsed struct {
	passes   map[string]passEntry
	kernels  []string
	variants []map[string]bool // one entry per keyword combination, always includes the empty set
}

func parseDirectives(src string) (*parsed, error) {
	p := &parsed{passes: map[string]passEntry{}, variants: []map[string]bool{{}}}

	lines := strings.Split(src, "\n")
	for lineNo, line := range lines {
		words := strings.Fields(line)
		for i := 0; i < len(words); i++ {
			if words[i] != "#pragma" {
				continue
			}
			if i+1 >= len(words) {
				return nil, fmt.Errorf("line %d: #pragma: expected a directive", lineNo+1)
			}
			directive := words[i+1]
			rest := words[i+2:]

			switch directive {
			case "multi_compile":
				if len(rest) == 0 {
					return nil, fmt.Errorf("line %d: multi_compile: expected one or more keywords", lineNo+1)
				}
				// Each keyword on this line is an alternative, not a
				// combination with its siblings: kwc snapshots the
				// variant count before this directive so every keyword
				// duplicates the same pre-existing set, matching the
				// original compiler's per-line "kwc" snapshot.
				kwc := len(p.variants)
				for _, kw := range rest {
					for i := 0; i < kwc; i++ {
						v := p.variants[i]
						clone := make(map[string]bool, len(v)+1)
						for k := range v {
							clone[k] = true
						}
						clone[kw] = true
						p.variants = append(p.variants, clone)
					}
				}

			case "vertex":
				if len(rest) == 0 {
					return nil, fmt.Errorf("line %d: vertex: expected an entry point", lineNo+1)
				}
				pass := "main"
				if len(rest) > 1 {
					pass = rest[1]
				}
				e := p.passes[pass]
				e.vertex = rest[0]
				p.passes[pass] = e

			case "fragment":
				if len(rest) == 0 {
					return nil, fmt.Errorf("line %d: fragment: expected an entry point", lineNo+1)
				}
				pass := "main"
				if len(rest) > 1 {
					pass = rest[1]
				}
				e := p.passes[pass]
				e.fragment = rest[0]
				p.passes[pass] = e

			case "kernel":
				if len(rest) == 0 {
					return nil, fmt.Errorf("line %d: kernel: expected an entry point", lineNo+1)
				}
				p.kernels = append(p.kernels, rest[0])
			}
			break
		}
	}
	return p, nil
}

// compileStage shells out to glslc to compile one entry point of
// srcPath under the given keyword macros, returning the SPIR-V words.
// This is the "backend compiler" seam: swapping glslc for another
// GLSL->SPIR-V compiler only touches this function.
func compileStage(srcPath, entryPoint, stage string, keywords []string, includeDirs []string) ([]uint32, error) {
	out, err := os.CreateTemp("", "shaderc-*.spv")
	if err != nil {
		return nil, err
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{
		"-fshader-stage=" + stage,
		"-fentry-point=" + entryPoint,
		"-o", outPath,
	}
	for _, kw := range keywords {
		args = append(args, "-D"+kw)
	}
	for _, inc := range includeDirs {
		args = append(args, "-I", inc)
	}
	args = append(args, srcPath)

	cmd := exec.Command("glslc", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("glslc %s (%s/%s): %v\n%s", srcPath, stage, entryPoint, err, stderr.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("glslc produced a non-word-aligned SPIR-V blob for %s/%s", stage, entryPoint)
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words, nil
}

var (
	bindingRe       = regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+\w+\s+(\w+)`)
	pushConstantRe  = regexp.MustCompile(`layout\s*\(\s*push_constant\s*\)\s*uniform\s+\w+\s*\{([^}]*)\}`)
	memberRe        = regexp.MustCompile(`(mat4|mat3|vec4|vec3|vec2|float|int|uint)\s+(\w+)\s*;`)
	workgroupSizeRe = regexp.MustCompile(`layout\s*\(([^)]*local_size_[xyz][^)]*)\)\s*in\s*;`)
)

// reflectWorkgroupSize scans for the compute shader's layout(local_size_x =
// ..., local_size_y = ..., local_size_z = ...) in; declaration (§3
// workgroup_size). Dimensions left unspecified default to 1, per the
// GLSL compute shader spec.
func reflectWorkgroupSize(src string) [3]uint32 {
	size := [3]uint32{1, 1, 1}
	m := workgroupSizeRe.FindStringSubmatch(src)
	if m == nil {
		return size
	}
	for _, q := range strings.Split(m[1], ",") {
		q = strings.TrimSpace(q)
		if v, ok := strings.CutPrefix(q, "local_size_x"); ok {
			size[0] = parseEqualsUint(v)
		} else if v, ok := strings.CutPrefix(q, "local_size_y"); ok {
			size[1] = parseEqualsUint(v)
		} else if v, ok := strings.CutPrefix(q, "local_size_z"); ok {
			size[2] = parseEqualsUint(v)
		}
	}
	return size
}

// defaultPipelineState is the baked pipeline state shaderc assigns
// every graphics variant it compiles (§3, §6): opaque blending, back-face
// culling, filled triangles, full color write mask, and a standard
// less-or-equal depth test. Nothing in the current #pragma directive
// set lets a source file override these; a future #pragma pipeline_state
// directive would extend parseDirectives to populate this per-variant instead.
func defaultPipelineState() vkengine.VariantPipelineState {
	writeAll := vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
		vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit)
	return vkengine.VariantPipelineState{
		ColorMask:    writeAll,
		CullMode:     vk.CullModeFlags(vk.CullModeBackBit),
		FillMode:     vk.PolygonModeFill,
		Blend:        vkengine.BlendOpaque,
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: vk.CompareOpLessOrEqual,
	}
}

func typeSize(glslType string) uint32 {
	switch glslType {
	case "mat4":
		return 64
	case "mat3":
		return 48
	case "vec4":
		return 16
	case "vec3":
		return 12
	case "vec2":
		return 8
	default: // float, int, uint
		return 4
	}
}

// reflectBindings does the job spirv-cross did in the original
// toolchain, scanning the GLSL source directly for layout-qualified
// uniform declarations instead of introspecting compiled SPIR-V;
// sufficient for the descriptor metadata .stmb packages need
// (set/binding/name/count), without pulling in a full SPIR-V
// reflection library.
func reflectBindings(src string, stages vk.ShaderStageFlags) []vkengine.BindingDescriptor {
	var out []vkengine.BindingDescriptor
	for _, m := range bindingRe.FindAllStringSubmatch(src, -1) {
		qualifiers, name := m[1], m[2]
		if strings.Contains(qualifiers, "push_constant") {
			continue
		}
		var set, binding uint32
		for _, q := range strings.Split(qualifiers, ",") {
			q = strings.TrimSpace(q)
			if v, ok := strings.CutPrefix(q, "set"); ok {
				set = parseEqualsUint(v)
			} else if v, ok := strings.CutPrefix(q, "binding"); ok {
				binding = parseEqualsUint(v)
			}
		}
		out = append(out, vkengine.BindingDescriptor{
			Set: set, Binding: binding, Name: name, Count: 1, StageMask: stages,
		})
	}
	return out
}

func parseEqualsUint(s string) uint32 {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "="))
	n, _ := strconv.Atoi(s)
	return uint32(n)
}

func reflectPushConstants(src string, stages vk.ShaderStageFlags) []vkengine.PushConstantRange {
	var out []vkengine.PushConstantRange
	for _, block := range pushConstantRe.FindAllStringSubmatch(src, -1) {
		var offset uint32
		for _, m := range memberRe.FindAllStringSubmatch(block[1], -1) {
			size := typeSize(m[1])
			out = append(out, vkengine.PushConstantRange{Name: m[2], Offset: offset, Size: size, StageMask: stages})
			offset += size
		}
	}
	return out
}

func keywordSlice(kws map[string]bool) []string {
	out := make([]string, 0, len(kws))
	for k := range kws {
		out = append(out, k)
	}
	return out
}

func run(srcPath, dstPath string, includeDirs []string) error {
	srcBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	src := string(srcBytes)

	directives, err := parseDirectives(src)
	if err != nil {
		return err
	}
	if len(directives.passes) == 0 && len(directives.kernels) == 0 {
		return fmt.Errorf("%s declares no #pragma vertex/fragment/kernel entry points", srcPath)
	}

	var graphics []vkengine.GraphicsVariantSource
	var compute []vkengine.ComputeVariantSource
	declared := map[string]bool{}

	for pass, entries := range directives.passes {
		if entries.vertex == "" || entries.fragment == "" {
			return fmt.Errorf("pass %q is missing a vertex or fragment entry point", pass)
		}
		for _, kwSet := range directives.variants {
			kws := keywordSlice(kwSet)
			for k := range kwSet {
				declared[k] = true
			}

			vsWords, err := compileStage(srcPath, entries.vertex, "vertex", kws, includeDirs)
			if err != nil {
				return err
			}
			fsWords, err := compileStage(srcPath, entries.fragment, "fragment", kws, includeDirs)
			if err != nil {
				return err
			}

			stageMask := vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
			variant := &vkengine.ShaderVariant{
				Pass:     pass,
				Keywords: kws,
				Stages: []vkengine.ShaderStage{
					{Stage: vk.ShaderStageVertexBit, EntryPoint: entries.vertex, Code: vsWords},
					{Stage: vk.ShaderStageFragmentBit, EntryPoint: entries.fragment, Code: fsWords},
				},
				Reflection: &vkengine.BindingReflection{
					Bindings:      reflectBindings(src, stageMask),
					PushConstants: reflectPushConstants(src, stageMask),
				},
				PipelineState: defaultPipelineState(),
			}
			graphics = append(graphics, vkengine.GraphicsVariantSource{Pass: pass, Keywords: kws, Variant: variant})
		}
	}

	for _, entry := range directives.kernels {
		for _, kwSet := range directives.variants {
			kws := keywordSlice(kwSet)
			for k := range kwSet {
				declared[k] = true
			}
			csWords, err := compileStage(srcPath, entry, "compute", kws, includeDirs)
			if err != nil {
				return err
			}
			stageMask := vk.ShaderStageFlags(vk.ShaderStageComputeBit)
			variant := &vkengine.ShaderVariant{
				Keywords:  kws,
				IsCompute: true,
				Stages: []vkengine.ShaderStage{
					{Stage: vk.ShaderStageComputeBit, EntryPoint: entry, Code: csWords},
				},
				Reflection: &vkengine.BindingReflection{
					Bindings:      reflectBindings(src, stageMask),
					PushConstants: reflectPushConstants(src, stageMask),
				},
				WorkgroupSize: reflectWorkgroupSize(src),
			}
			compute = append(compute, vkengine.ComputeVariantSource{EntryPoint: entry, Variant: variant})
		}
	}

	declaredKeywords := keywordSlice(declared)

	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	name := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	if err := vkengine.WriteShaderPackage(w, name, declaredKeywords, graphics, compute); err != nil {
		return err
	}
	return w.Flush()
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: shaderc <src> <dst> [include_path ...]")
		os.Exit(1)
	}
	srcPath, dstPath := os.Args[1], os.Args[2]
	includeDirs := os.Args[3:]

	if err := run(srcPath, dstPath, includeDirs); err != nil {
		fmt.Fprintf(os.Stderr, "shaderc: %v\n", err)
		os.Exit(1)
	}
}
