package vkengine

import (
	lin "github.com/xlab/linmath"
	vk "github.com/vulkan-go/vulkan"
)

// VulkanProjectionMat converts an OpenGL-style projection matrix to a
// Vulkan-style one. Vulkan has a top-left clip space with a [0, 1]
// depth range instead of OpenGL's [-1, 1], so every camera's
// pre-render phase (§4.8 step 3) runs its projection through this
// before uploading it to a uniform buffer.
func VulkanProjectionMat(m *lin.Mat4x4, proj *lin.Mat4x4) {
	// Flip Y in clip space. X = -1, Y = -1 is top-left in Vulkan.
	m.Fill(1.0)
	m.ScaleAniso(m, 1.0, -1.0, 1.0)
	// Z depth is [0, 1] range instead of [-1, 1].
	m.ScaleAniso(m, 1.0, 1.0, 0.5)
	m.Translate(0.0, 0.0, 1.0)
	m.Mult(m, proj)
}

// vertexInputSignature is a hashable summary of a vertex input layout,
// used as part of a PipelineInstanceKey (§3). Two layouts with the
// same strides/formats/offsets hash identically regardless of the
// underlying attribute names.
type vertexInputSignature uint64

func hashVertexInput(bindings []vk.VertexInputBindingDescription, attrs []vk.VertexInputAttributeDescription) vertexInputSignature {
	h := offsetBasisFNV
	for _, b := range bindings {
		h = fnvStep(h, uint64(b.Binding))
		h = fnvStep(h, uint64(b.Stride))
		h = fnvStep(h, uint64(b.InputRate))
	}
	for _, a := range attrs {
		h = fnvStep(h, uint64(a.Location))
		h = fnvStep(h, uint64(a.Binding))
		h = fnvStep(h, uint64(a.Format))
		h = fnvStep(h, uint64(a.Offset))
	}
	return vertexInputSignature(h)
}

const (
	offsetBasisFNV uint64 = 14695981039346656037
	primeFNV       uint64 = 1099511628211
)

func fnvStep(h, v uint64) uint64 {
	h ^= v
	h *= primeFNV
	return h
}
