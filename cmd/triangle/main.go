// Command triangle is the engine's smoke test: it opens a window, walks
// the allocate -> bind -> record -> submit -> recycle hot path for one
// hardcoded triangle every frame, and exits cleanly on window close.
// It exercises the same Device/Pool/FrameLoop surface a real
// application would, minus any scene graph or asset pipeline above it.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	vkengine "github.com/andewx/vkengine"
)

func die(err error) {
	fmt.Fprintln(os.Stderr, "triangle:", err)
	os.Exit(1)
}

// triangleCamera renders one hardcoded triangle into an offscreen color
// target, which FrameLoop.RunFrame then blits into the acquired
// swapchain image (frame.go's CameraColorTarget path).
type triangleCamera struct {
	pass     *vkengine.RenderPass
	fb       *vkengine.Framebuffer
	color    *vkengine.Image
	pipeline vk.Pipeline
	layout   vk.PipelineLayout
	vbuf     *vkengine.Buffer
	pool     *vkengine.ResourcePool
}

func (c *triangleCamera) Target() *vkengine.Framebuffer { return c.fb }

func (c *triangleCamera) ColorImage() vk.Image { return c.color.Handle }

func (c *triangleCamera) Render(cb *vkengine.CommandBuffer, fb *vkengine.Framebuffer) error {
	clearValues := []vk.ClearValue{vk.NewClearValue([]float32{0.02, 0.02, 0.05, 1})}
	vk.CmdBeginRenderPass(cb.Handle, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  c.pass.Handle,
		Framebuffer: fb.Handle,
		RenderArea:  vk.Rect2D{Extent: vk.Extent2D{Width: fb.Width, Height: fb.Height}},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}, vk.SubpassContentsInline)

	vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{
		{Width: float32(fb.Width), Height: float32(fb.Height), MinDepth: 0, MaxDepth: 1},
	})
	vk.CmdSetScissor(cb.Handle, 0, 1, []vk.Rect2D{{Extent: vk.Extent2D{Width: fb.Width, Height: fb.Height}}})

	cb.BindPipeline(vk.PipelineBindPointGraphics, c.pipeline)
	cb.BindVertexBuffer(0, c.vbuf, 0)
	cb.Draw(3, 1, 0, 0)

	vk.CmdEndRenderPass(cb.Handle)
	return nil
}

type vertex struct {
	pos   [2]float32
	color [3]float32
}

var triangleVerts = []vertex{
	{pos: [2]float32{0.0, -0.5}, color: [3]float32{1, 0, 0}},
	{pos: [2]float32{0.5, 0.5}, color: [3]float32{0, 1, 0}},
	{pos: [2]float32{-0.5, 0.5}, color: [3]float32{0, 0, 1}},
}

func vertexBytes(vs []vertex) []byte {
	if len(vs) == 0 {
		return nil
	}
	stride := int(unsafe.Sizeof(vertex{}))
	return unsafe.Slice((*byte)(unsafe.Pointer(&vs[0])), stride*len(vs))
}

func main() {
	shaderPath := flag.String("shader", "", "path to a .stmb shader package built by shaderc")
	pass := flag.String("pass", "main", "shader pass to render with")
	width := flag.Int("width", 1280, "window width")
	height := flag.Int("height", 720, "window height")
	flag.Parse()

	if *shaderPath == "" {
		fmt.Fprintln(os.Stderr, "usage: triangle -shader pkg.stmb [-pass main]")
		os.Exit(2)
	}

	win, err := vkengine.NewBareWindow("triangle", *width, *height)
	if err != nil {
		die(err)
	}

	device, err := vkengine.NewDevice("triangle", vkengine.DefaultConfig(), win.RequiredInstanceExtensions())
	if err != nil {
		die(err)
	}
	defer device.Destroy()

	if err := win.CreateSurface(device.Instance); err != nil {
		die(err)
	}
	defer win.Destroy(device.Instance)

	swapchain, err := vkengine.NewSwapchain(device.Physical, device.Handle, win, device.Config().SwapchainDepth, vk.NullSwapchain)
	if err != nil {
		die(err)
	}
	defer swapchain.Destroy(device.Handle)

	f, err := os.Open(*shaderPath)
	if err != nil {
		die(err)
	}
	shader, err := device.Shaders.Load(f, 1)
	f.Close()
	if err != nil {
		die(err)
	}

	variant, err := shader.GetGraphics(*pass, nil)
	if err != nil {
		die(err)
	}

	renderPass, err := vkengine.NewRenderPass(device.Handle, []vkengine.AttachmentDesc{
		{
			ID:            "color",
			Format:        swapchain.Format.Format,
			Samples:       vk.SampleCount1Bit,
			LoadOp:        vk.AttachmentLoadOpClear,
			StoreOp:       vk.AttachmentStoreOpStore,
			InitialLayout: vk.ImageLayoutUndefined,
			FinalLayout:   vk.ImageLayoutTransferSrcOptimal,
		},
	}, []vkengine.SubpassDesc{
		{ColorAttachments: []vkengine.RenderTargetID{"color"}},
	})
	if err != nil {
		die(err)
	}
	defer renderPass.Destroy(device.Handle)

	colorImage, err := device.Pool.GetImage("triangle.color",
		vk.Extent3D{Width: swapchain.Extent.Width, Height: swapchain.Extent.Height, Depth: 1},
		swapchain.Format.Format, 1, vk.SampleCount1Bit,
		vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)|vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		die(err)
	}

	var colorView vk.ImageView
	ret := vk.CreateImageView(device.Handle, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    colorImage.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   swapchain.Format.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &colorView)
	if ret != vk.Success {
		die(fmt.Errorf("color view creation failed: %v", ret))
	}
	defer vk.DestroyImageView(device.Handle, colorView, nil)

	fb, err := vkengine.NewFramebuffer(device.Handle, renderPass,
		map[vkengine.RenderTargetID]vk.ImageView{"color": colorView},
		swapchain.Extent.Width, swapchain.Extent.Height)
	if err != nil {
		die(err)
	}
	defer fb.Destroy(device.Handle)

	vertexBindings := []vk.VertexInputBindingDescription{
		{Binding: 0, Stride: uint32(unsafe.Sizeof(vertex{})), InputRate: vk.VertexInputRateVertex},
	}
	vertexAttrs := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Sizeof([2]float32{}))},
	}

	pipeline, err := device.Pipelines.GetGraphics(vkengine.PipelineInstanceKey{
		RenderPass: renderPass.Handle,
		Subpass:    0,
		Topology:   vk.PrimitiveTopologyTriangleList,
		CullMode:   vk.CullModeFlags(vk.CullModeNone),
		Blend:      vkengine.BlendOpaque,
	}, variant, vertexBindings, vertexAttrs)
	if err != nil {
		die(err)
	}

	vertexData := vertexBytes(triangleVerts)
	vbuf, err := device.Pool.GetBuffer("triangle.vbuf", vk.DeviceSize(len(vertexData)),
		vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)|vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		die(err)
	}
	if vbuf.Sub.MappedPtr == nil {
		die(fmt.Errorf("vertex buffer memory is not host-visible"))
	}
	vk.Memcopy(vbuf.Sub.MappedPtr, vertexData)

	frameLoop, err := vkengine.NewFrameLoop(device, win, swapchain)
	if err != nil {
		die(err)
	}
	defer frameLoop.Destroy()

	cam := &triangleCamera{
		pass: renderPass, fb: fb, color: colorImage,
		pipeline: pipeline, vbuf: vbuf, pool: device.Pool,
	}

	for !win.ShouldClose() {
		if err := frameLoop.RunFrame([]vkengine.Camera{cam}); err != nil {
			if vkengine.IsKind(err, vkengine.ErrSwapchainOutOfDate) {
				if err := frameLoop.Resize(); err != nil {
					die(err)
				}
				continue
			}
			die(err)
		}
	}

	if err := device.WaitIdle(); err != nil {
		die(err)
	}
}
