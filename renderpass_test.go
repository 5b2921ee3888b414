package vkengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vk "github.com/vulkan-go/vulkan"
)

func TestSynthesizeSubpassDependenciesSingleSubpassHasOnlyExternalPair(t *testing.T) {
	subpasses := []SubpassDesc{{ColorAttachments: []RenderTargetID{"color"}}}
	deps := synthesizeSubpassDependencies(subpasses)
	require.Len(t, deps, 2, "one subpass still needs the external-in and external-out dependency pair")
	assert.Equal(t, vk.MaxUint32, deps[0].SrcSubpass)
	assert.Equal(t, uint32(0), deps[0].DstSubpass)
	assert.Equal(t, uint32(0), deps[1].SrcSubpass)
	assert.Equal(t, vk.MaxUint32, deps[1].DstSubpass)
}

// A later subpass reading an attachment an earlier one wrote must get
// an explicit dependency forcing it to wait (§4.6).
func TestSynthesizeSubpassDependenciesLinksWriterToReader(t *testing.T) {
	subpasses := []SubpassDesc{
		{ColorAttachments: []RenderTargetID{"gbuffer"}},
		{InputAttachments: []RenderTargetID{"gbuffer"}},
	}
	deps := synthesizeSubpassDependencies(subpasses)

	found := false
	for _, d := range deps {
		if d.SrcSubpass == 0 && d.DstSubpass == 1 {
			found = true
		}
	}
	assert.True(t, found, "subpass 1 reading what subpass 0 wrote must produce a 0->1 dependency")
}

// Subpasses that don't share any attachment get no internal dependency
// beyond the external bracketing pair.
func TestSynthesizeSubpassDependenciesNoSharedAttachmentNoInternalDep(t *testing.T) {
	subpasses := []SubpassDesc{
		{ColorAttachments: []RenderTargetID{"a"}},
		{ColorAttachments: []RenderTargetID{"b"}},
	}
	deps := synthesizeSubpassDependencies(subpasses)
	assert.Len(t, deps, 2, "no reader depends on the other's attachment, so only the external pair remains")
}

// NewFramebuffer validates full attachment coverage before ever
// touching the device, so a missing attachment is safe to test without
// a real vk.Device.
func TestNewFramebufferMissingAttachment(t *testing.T) {
	pass := &RenderPass{
		Attachments: []AttachmentDesc{{ID: "color"}, {ID: "depth"}},
		indexByID:   map[RenderTargetID]uint32{"color": 0, "depth": 1},
	}
	views := map[RenderTargetID]vk.ImageView{"color": vk.ImageView(1)}

	_, err := NewFramebuffer(nil, pass, views, 1920, 1080)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrLayoutMismatch))
}
