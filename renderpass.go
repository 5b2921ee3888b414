package vkengine

import (
	vk "github.com/vulkan-go/vulkan"
)

// RenderTargetID names one attachment slot by role (e.g. "color",
// "depth", "gbuffer.normal") rather than by a bare attachment index,
// so framebuffers can be validated against a render pass by name (§3, §4.6).
type RenderTargetID string

// AttachmentDesc describes one render pass attachment slot (§3, §4.6),
// generalizing the teacher's CreateRenderPass's hardcoded
// color+depth pair to an arbitrary named set.
type AttachmentDesc struct {
	ID             RenderTargetID
	Format         vk.Format
	Samples        vk.SampleCountFlagBits
	LoadOp         vk.AttachmentLoadOp
	StoreOp        vk.AttachmentStoreOp
	StencilLoadOp  vk.AttachmentLoadOp
	StencilStoreOp vk.AttachmentStoreOp
	InitialLayout  vk.ImageLayout
	FinalLayout    vk.ImageLayout
	IsDepth        bool
}

// SubpassDesc describes one subpass's attachment usage by RenderTargetID (§4.6).
type SubpassDesc struct {
	ColorAttachments []RenderTargetID
	DepthAttachment  RenderTargetID // empty if the subpass has no depth attachment
	InputAttachments []RenderTargetID
	// ResolveAttachments, when non-nil, must be the same length as
	// ColorAttachments: ResolveAttachments[i] is the single-sample
	// target the multisampled ColorAttachments[i] resolves into at the
	// end of the subpass (§4.6 MSAA resolve). Use "" for a color
	// attachment that isn't resolved.
	ResolveAttachments []RenderTargetID
}

// RenderPass wraps a vk.RenderPass together with the attachment/subpass
// metadata needed to validate framebuffers and synthesize dependencies (§4.6).
type RenderPass struct {
	Handle      vk.RenderPass
	Attachments []AttachmentDesc
	Subpasses   []SubpassDesc

	indexByID map[RenderTargetID]uint32
}

// NewRenderPass builds a vk.RenderPass from named attachments and
// subpasses, synthesizing subpass dependencies from attachment reuse:
// any attachment written by subpass i and read by subpass j gets a
// dependency forcing j to wait on i's write (§4.6, generalizing the
// teacher's hardcoded two-dependency external/internal pair).
func NewRenderPass(device vk.Device, attachments []AttachmentDesc, subpasses []SubpassDesc) (*RenderPass, error) {
	indexByID := make(map[RenderTargetID]uint32, len(attachments))
	descs := make([]vk.AttachmentDescription, len(attachments))
	for i, a := range attachments {
		indexByID[a.ID] = uint32(i)
		descs[i] = vk.AttachmentDescription{
			Format:         a.Format,
			Samples:        a.Samples,
			LoadOp:         a.LoadOp,
			StoreOp:        a.StoreOp,
			StencilLoadOp:  a.StencilLoadOp,
			StencilStoreOp: a.StencilStoreOp,
			InitialLayout:  a.InitialLayout,
			FinalLayout:    a.FinalLayout,
		}
	}

	vkSubpasses := make([]vk.SubpassDescription, len(subpasses))
	// refsHolder keeps slice backing arrays alive until vkCreateRenderPass.
	type refsHolder struct {
		color   []vk.AttachmentReference
		depth   vk.AttachmentReference
		input   []vk.AttachmentReference
		resolve []vk.AttachmentReference
	}
	holders := make([]refsHolder, len(subpasses))

	for i, sp := range subpasses {
		var h refsHolder
		for _, id := range sp.ColorAttachments {
			idx, ok := indexByID[id]
			if !ok {
				return nil, MissingAttachment(id)
			}
			h.color = append(h.color, vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutColorAttachmentOptimal})
		}
		for _, id := range sp.InputAttachments {
			idx, ok := indexByID[id]
			if !ok {
				return nil, MissingAttachment(id)
			}
			h.input = append(h.input, vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutShaderReadOnlyOptimal})
		}
		if sp.ResolveAttachments != nil {
			if len(sp.ResolveAttachments) != len(sp.ColorAttachments) {
				return nil, newErr(ErrInvalidHandle, "subpass %d: ResolveAttachments must be the same length as ColorAttachments", i)
			}
			for _, id := range sp.ResolveAttachments {
				if id == "" {
					h.resolve = append(h.resolve, vk.AttachmentReference{Attachment: vk.AttachmentUnused, Layout: vk.ImageLayoutUndefined})
					continue
				}
				idx, ok := indexByID[id]
				if !ok {
					return nil, MissingAttachment(id)
				}
				h.resolve = append(h.resolve, vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutColorAttachmentOptimal})
			}
		}

		desc := vk.SubpassDescription{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: uint32(len(h.color)),
			PColorAttachments:    h.color,
			InputAttachmentCount: uint32(len(h.input)),
			PInputAttachments:    h.input,
		}
		if h.resolve != nil {
			desc.PResolveAttachments = h.resolve
		}
		if sp.DepthAttachment != "" {
			idx, ok := indexByID[sp.DepthAttachment]
			if !ok {
				return nil, MissingAttachment(sp.DepthAttachment)
			}
			h.depth = vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutDepthStencilAttachmentOptimal}
			desc.PDepthStencilAttachment = &h.depth
		}
		holders[i] = h
		vkSubpasses[i] = desc
	}

	deps := synthesizeSubpassDependencies(subpasses)

	var handle vk.RenderPass
	ret := vk.CreateRenderPass(device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descs)),
		PAttachments:    descs,
		SubpassCount:    uint32(len(vkSubpasses)),
		PSubpasses:      vkSubpasses,
		DependencyCount: uint32(len(deps)),
		PDependencies:   deps,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}

	return &RenderPass{Handle: handle, Attachments: attachments, Subpasses: subpasses, indexByID: indexByID}, nil
}

// synthesizeSubpassDependencies emits one dependency per (writer,
// reader) subpass pair sharing an attachment, plus the external
// dependencies bracketing the whole pass, mirroring the teacher's
// external-in/external-out pair generalized across N subpasses (§4.6).
func synthesizeSubpassDependencies(subpasses []SubpassDesc) []vk.SubpassDependency {
	writers := func(sp SubpassDesc) map[RenderTargetID]bool {
		w := make(map[RenderTargetID]bool)
		for _, id := range sp.ColorAttachments {
			w[id] = true
		}
		if sp.DepthAttachment != "" {
			w[sp.DepthAttachment] = true
		}
		return w
	}
	readers := func(sp SubpassDesc) map[RenderTargetID]bool {
		r := make(map[RenderTargetID]bool)
		for _, id := range sp.InputAttachments {
			r[id] = true
		}
		return r
	}

	var deps []vk.SubpassDependency
	deps = append(deps, vk.SubpassDependency{
		SrcSubpass:    vk.MaxUint32,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit),
		DstAccessMask: vk.AccessFlags(vk.AccessFlagBits(vk.AccessColorAttachmentReadBit) | vk.AccessFlagBits(vk.AccessColorAttachmentWriteBit)),
		DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
	})

	for i := range subpasses {
		w := writers(subpasses[i])
		for j := i + 1; j < len(subpasses); j++ {
			r := readers(subpasses[j])
			shared := false
			for id := range w {
				if r[id] {
					shared = true
					break
				}
			}
			if !shared {
				continue
			}
			deps = append(deps, vk.SubpassDependency{
				SrcSubpass:      uint32(i),
				DstSubpass:      uint32(j),
				SrcStageMask:    vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
				DstStageMask:    vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
				SrcAccessMask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
				DstAccessMask:   vk.AccessFlags(vk.AccessInputAttachmentReadBit),
				DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
			})
		}
	}

	last := uint32(len(subpasses) - 1)
	deps = append(deps, vk.SubpassDependency{
		SrcSubpass:      last,
		DstSubpass:      vk.MaxUint32,
		SrcStageMask:    vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstStageMask:    vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		SrcAccessMask:   vk.AccessFlags(vk.AccessFlagBits(vk.AccessColorAttachmentReadBit) | vk.AccessFlagBits(vk.AccessColorAttachmentWriteBit)),
		DstAccessMask:   vk.AccessFlags(vk.AccessMemoryReadBit),
		DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
	})
	return deps
}

func (rp *RenderPass) Destroy(device vk.Device) {
	if rp.Handle != vk.NullRenderPass {
		vk.DestroyRenderPass(device, rp.Handle, nil)
	}
}

// Framebuffer binds concrete image views to a RenderPass's named
// attachment slots (§4.6).
type Framebuffer struct {
	Handle vk.Framebuffer
	Pass   *RenderPass
	Views  map[RenderTargetID]vk.ImageView
	Width  uint32
	Height uint32
}

// NewFramebuffer validates that views covers every attachment pass
// declares, returning MissingAttachment otherwise, then creates the
// vk.Framebuffer (§4.6).
func NewFramebuffer(device vk.Device, pass *RenderPass, views map[RenderTargetID]vk.ImageView, width, height uint32) (*Framebuffer, error) {
	ordered := make([]vk.ImageView, len(pass.Attachments))
	for i, a := range pass.Attachments {
		view, ok := views[a.ID]
		if !ok {
			return nil, MissingAttachment(a.ID)
		}
		ordered[i] = view
	}

	var handle vk.Framebuffer
	ret := vk.CreateFramebuffer(device, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass.Handle,
		AttachmentCount: uint32(len(ordered)),
		PAttachments:    ordered,
		Width:           width,
		Height:          height,
		Layers:          1,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}

	return &Framebuffer{Handle: handle, Pass: pass, Views: views, Width: width, Height: height}, nil
}

func (fb *Framebuffer) Destroy(device vk.Device) {
	if fb.Handle != vk.NullFramebuffer {
		vk.DestroyFramebuffer(device, fb.Handle, nil)
	}
}
