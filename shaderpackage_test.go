package vkengine

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

// WriteShaderPackage only touches Go byte slices and reflected metadata
// (not the actual vk.ShaderModule handles), so its output can be
// decoded and checked for bit-exactness using the same low-level
// readers ReadShaderPackage itself uses, without ever compiling SPIR-V
// through a real device (§8 scenario 5's round-trip property).
func buildTestVariant(pass string, bindingName string) GraphicsVariantSource {
	refl := newBindingReflection(
		[]BindingDescriptor{{Set: 0, Binding: 0, Name: bindingName, Type: vk.DescriptorTypeUniformBuffer, Count: 1, StageMask: vk.ShaderStageFlags(vk.ShaderStageVertexBit)}},
		[]PushConstantRange{{Name: "mvp", Offset: 0, Size: 64, StageMask: vk.ShaderStageFlags(vk.ShaderStageVertexBit)}},
	)
	return GraphicsVariantSource{
		Pass:     pass,
		Keywords: []string{"FOG", "SHADOWS"},
		Variant: &ShaderVariant{
			Pass:     pass,
			Keywords: []string{"FOG", "SHADOWS"},
			Stages: []ShaderStage{
				{Stage: vk.ShaderStageVertexBit, EntryPoint: "main", Code: []uint32{1, 2, 3, 4, 5}},
			},
			Reflection: refl,
		},
	}
}

func TestShaderPackageRoundTripsHeaderAndBlobs(t *testing.T) {
	var buf bytes.Buffer
	declaredKeywords := []string{"FOG", "SHADOWS"}
	graphics := []GraphicsVariantSource{buildTestVariant("main", "uCamera"), buildTestVariant("depth", "uCamera")}

	require.NoError(t, WriteShaderPackage(&buf, "lit", declaredKeywords, graphics, nil))

	r := &buf

	var magic, version uint32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &magic))
	assert.Equal(t, stmbMagic, magic)
	require.NoError(t, binary.Read(r, binary.LittleEndian, &version))
	assert.Equal(t, stmbVersion, version)

	name, err := readString(r)
	require.NoError(t, err)
	assert.Equal(t, "lit", name)

	kws, err := readStrings(r)
	require.NoError(t, err)
	assert.Equal(t, declaredKeywords, kws)

	var blobCount uint32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &blobCount))
	// Both variants reference the identical SPIR-V words, so the blob
	// table must have deduplicated them into a single entry.
	assert.Equal(t, uint32(1), blobCount)
	var wordCount uint32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &wordCount))
	assert.Equal(t, uint32(5), wordCount)
	words := make([]uint32, wordCount)
	for i := range words {
		require.NoError(t, binary.Read(r, binary.LittleEndian, &words[i]))
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, words)

	var graphicsCount uint32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &graphicsCount))
	require.Equal(t, uint32(2), graphicsCount)

	pass, err := readString(r)
	require.NoError(t, err)
	assert.Equal(t, "main", pass)
	gotKws, err := readStrings(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"FOG", "SHADOWS"}, gotKws)

	stages, err := readStages(r)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "main", stages[0].EntryPoint)
	assert.Equal(t, uint32(0), stages[0].BlobIndex)

	bindings, err := readBindings(r)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "uCamera", bindings[0].Name)

	pushes, err := readPushConstants(r)
	require.NoError(t, err)
	require.Len(t, pushes, 1)
	assert.Equal(t, "mvp", pushes[0].Name)
	assert.Equal(t, uint32(64), pushes[0].Size)
}

func TestShaderPackageRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(0xDEADBEEF))
	binary.Write(&buf, binary.LittleEndian, stmbVersion)

	_, err := ReadShaderPackage(nil, &buf, 1)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrShaderLoad))
}

func TestShaderPackageRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, stmbMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(999))

	_, err := ReadShaderPackage(nil, &buf, 1)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrShaderLoad))
}
