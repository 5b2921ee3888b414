package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeKeywordsFiltersUnknownSortsAndDedupes(t *testing.T) {
	declared := []string{"SHADOWS", "FOG", "SKINNING"}
	canonical, key := canonicalizeKeywords(declared, []string{"FOG", "UNKNOWN", "SHADOWS", "FOG"})
	assert.Equal(t, []string{"FOG", "SHADOWS"}, canonical)
	assert.Equal(t, "FOG+SHADOWS", key)
}

func TestCanonicalizeKeywordsEmptyRequestYieldsEmptyKey(t *testing.T) {
	_, key := canonicalizeKeywords([]string{"FOG"}, nil)
	assert.Equal(t, "", key)
}

func TestGraphicsKeyDistinguishesPassesWithSameKeywords(t *testing.T) {
	assert.NotEqual(t, graphicsKey("main", "FOG"), graphicsKey("depth", "FOG"))
	assert.Equal(t, graphicsKey("main", "FOG"), graphicsKey("main", "FOG"))
}

// Two variants with identical keyword sets but different passes must
// resolve independently, closing the gap where a shader had no pass
// dimension in its lookup key at all (spec.md §3/§4.4).
func TestShaderGetGraphicsIsKeyedByPassAndKeywords(t *testing.T) {
	s := newShader("lit", []string{"FOG"})
	mainVariant := &ShaderVariant{Pass: "main", Reflection: newBindingReflection(nil, nil)}
	depthVariant := &ShaderVariant{Pass: "depth", Reflection: newBindingReflection(nil, nil)}
	s.addGraphicsVariant("main", []string{"FOG"}, mainVariant)
	s.addGraphicsVariant("depth", []string{"FOG"}, depthVariant)

	got, err := s.GetGraphics("main", []string{"FOG"})
	require.NoError(t, err)
	assert.Same(t, mainVariant, got)

	got, err = s.GetGraphics("depth", []string{"FOG"})
	require.NoError(t, err)
	assert.Same(t, depthVariant, got)
}

func TestShaderGetGraphicsUnknownPassFails(t *testing.T) {
	s := newShader("lit", nil)
	s.addGraphicsVariant("main", nil, &ShaderVariant{Pass: "main", Reflection: newBindingReflection(nil, nil)})

	_, err := s.GetGraphics("shadow", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrShaderLoad))
}

func TestShaderGetComputeByEntryPoint(t *testing.T) {
	s := newShader("particles", nil)
	variant := &ShaderVariant{IsCompute: true, Reflection: newBindingReflection(nil, nil)}
	s.addComputeVariant("cs_main", variant)

	got, err := s.GetCompute("cs_main")
	require.NoError(t, err)
	assert.Same(t, variant, got)

	_, err = s.GetCompute("cs_missing")
	require.Error(t, err)
}

func TestBindingReflectionLookups(t *testing.T) {
	refl := newBindingReflection(
		[]BindingDescriptor{{Set: 0, Binding: 2, Name: "uLight"}},
		[]PushConstantRange{{Name: "model", Offset: 0, Size: 64}},
	)
	binding, ok := refl.BindingByName("uLight")
	require.True(t, ok)
	assert.Equal(t, uint32(2), binding)

	_, ok = refl.BindingByName("missing")
	assert.False(t, ok)

	pc, ok := refl.PushConstantByName("model")
	require.True(t, ok)
	assert.Equal(t, uint32(64), pc.Size)
}
