package vkengine

import (
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
)

// Window owns the GLFW window and its Vulkan surface, generalized from
// the teacher's CoreDisplay (display.go): same GetVulkanSurface/GetSize
// idiom, minus the single shared-display restriction the original
// comment warned about, since Swapchain below now owns the per-surface state.
type Window struct {
	handle  *glfw.Window
	Surface vk.Surface
}

// NewBareWindow creates the GLFW window without a Vulkan surface, the
// first half of the teacher's two-step bootstrap (core.go calls
// window.GetRequiredInstanceExtensions() before vk.CreateInstance
// exists, then display.go creates the surface once it does): callers
// need RequiredInstanceExtensions before an instance can be created at
// all, so surface creation can't be bundled into construction.
func NewBareWindow(title string, width, height int) (*Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, err
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	win, err := glfw.CreateWindow(width, height, title, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Window{handle: win}, nil
}

// NewWindow creates a GLFW window sized width x height and its Vulkan
// surface against instance, following the teacher's
// CreateWindowSurface/SurfaceFromPointer call (display.go GetVulkanSurface).
// Use NewBareWindow+CreateSurface instead when instance doesn't exist
// yet, e.g. because its extension list depends on RequiredInstanceExtensions.
func NewWindow(instance vk.Instance, title string, width, height int) (*Window, error) {
	w, err := NewBareWindow(title, width, height)
	if err != nil {
		return nil, err
	}
	if err := w.CreateSurface(instance); err != nil {
		return nil, err
	}
	return w, nil
}

// CreateSurface creates the Vulkan surface for a window built with
// NewBareWindow, once instance is available.
func (w *Window) CreateSurface(instance vk.Instance) error {
	surfacePtr, err := w.handle.CreateWindowSurface(instance, nil)
	if err != nil {
		return err
	}
	w.Surface = vk.SurfaceFromPointer(surfacePtr)
	return nil
}

func (w *Window) Size() (int, int) { return w.handle.GetSize() }

// RequiredInstanceExtensions reports the extensions GLFW needs enabled
// on the vk.Instance before CreateWindowSurface will succeed. Safe to
// call on a bare window, since GLFW doesn't actually consult the
// window handle to answer it.
func (w *Window) RequiredInstanceExtensions() []string {
	return w.handle.GetRequiredInstanceExtensions()
}

func (w *Window) ShouldClose() bool { return w.handle.ShouldClose() }

func (w *Window) PollEvents() { glfw.PollEvents() }

func (w *Window) Destroy(instance vk.Instance) {
	if w.Surface != vk.NullSurface {
		vk.DestroySurface(instance, w.Surface, nil)
	}
	w.handle.Destroy()
}

// depthFormatCandidates is tried in decreasing precision order, as the
// teacher's swapchain.go comment describes but never actually iterates
// (it hardcodes index 1); this implementation probes format support instead.
var depthFormatCandidates = []vk.Format{
	vk.FormatD32SfloatS8Uint,
	vk.FormatD32Sfloat,
	vk.FormatD24UnormS8Uint,
	vk.FormatD16UnormS8Uint,
	vk.FormatD16Unorm,
}

func selectDepthFormat(gpu vk.PhysicalDevice) vk.Format {
	for _, f := range depthFormatCandidates {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(gpu, f, &props)
		props.Deref()
		if props.OptimalTilingFeatures&vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit) != 0 {
			return f
		}
	}
	return vk.FormatD16Unorm
}

// Swapchain owns the presentable image chain and per-image views,
// generalized from the teacher's CoreSwapchain (swapchain.go) with the
// framebuffer-construction responsibility moved out to renderpass.go's
// Framebuffer, since framebuffers here are bound per RenderPass rather
// than baked into the swapchain itself (§4.6, §4.8).
type Swapchain struct {
	Handle      vk.Swapchain
	Extent      vk.Extent2D
	Format      vk.SurfaceFormat
	DepthFormat vk.Format
	Images      []vk.Image
	Views       []vk.ImageView
	Viewport    vk.Viewport
}

// NewSwapchain creates a swapchain for window against gpu/device,
// replacing oldSwapchain in place if non-null (§4.8's swapchain
// recreation path for VK_ERROR_OUT_OF_DATE_KHR).
func NewSwapchain(gpu vk.PhysicalDevice, device vk.Device, window *Window, desiredDepth int, oldSwapchain vk.Swapchain) (*Swapchain, error) {
	surface := window.Surface

	var caps vk.SurfaceCapabilities
	if ret := vk.GetPhysicalDeviceSurfaceCapabilities(gpu, surface, &caps); isVkError(ret) {
		return nil, vkErr(ret)
	}
	caps.Deref()
	caps.CurrentExtent.Deref()

	var formatCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, nil)
	formats := make([]vk.SurfaceFormat, formatCount)
	vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, formats)
	if formatCount == 0 {
		return nil, newErr(ErrInvalidHandle, "no surface formats reported for this window")
	}
	formats[0].Deref()
	format := formats[0]
	if format.Format == vk.FormatUndefined {
		format.Format = vk.FormatB8g8r8a8Srgb
	}

	extent := caps.CurrentExtent
	if extent.Width == vk.MaxUint32 {
		w, h := window.Size()
		extent = vk.Extent2D{Width: uint32(w), Height: uint32(h)}
	}

	imageCount := uint32(desiredDepth)
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}
	if imageCount < caps.MinImageCount {
		imageCount = caps.MinImageCount
	}

	preTransform := caps.CurrentTransform
	if vk.SurfaceTransformFlagBits(caps.SupportedTransforms)&vk.SurfaceTransformIdentityBit != 0 {
		preTransform = vk.SurfaceTransformIdentityBit
	}

	compositeAlpha := vk.CompositeAlphaOpaqueBit
	for _, candidate := range []vk.CompositeAlphaFlagBits{
		vk.CompositeAlphaOpaqueBit, vk.CompositeAlphaPreMultipliedBit,
		vk.CompositeAlphaPostMultipliedBit, vk.CompositeAlphaInheritBit,
	} {
		if caps.SupportedCompositeAlpha&vk.CompositeAlphaFlags(candidate) != 0 {
			compositeAlpha = candidate
			break
		}
	}

	var handle vk.Swapchain
	ret := vk.CreateSwapchain(device, &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    imageCount,
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     preTransform,
		CompositeAlpha:   compositeAlpha,
		PresentMode:      vk.PresentModeFifo,
		OldSwapchain:     oldSwapchain,
		Clipped:          vk.True,
	}, nil, &handle)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}
	if oldSwapchain != vk.NullSwapchain {
		vk.DestroySwapchain(device, oldSwapchain, nil)
	}

	var actualCount uint32
	vk.GetSwapchainImages(device, handle, &actualCount, nil)
	images := make([]vk.Image, actualCount)
	vk.GetSwapchainImages(device, handle, &actualCount, images)

	views := make([]vk.ImageView, actualCount)
	for i, img := range images {
		var view vk.ImageView
		ret := vk.CreateImageView(device, &vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    img,
			ViewType: vk.ImageViewType2d,
			Format:   format.Format,
			Components: vk.ComponentMapping{
				R: vk.ComponentSwizzleR, G: vk.ComponentSwizzleG,
				B: vk.ComponentSwizzleB, A: vk.ComponentSwizzleA,
			},
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}, nil, &view)
		if isVkError(ret) {
			return nil, vkErr(ret)
		}
		views[i] = view
	}

	return &Swapchain{
		Handle:      handle,
		Extent:      extent,
		Format:      format,
		DepthFormat: selectDepthFormat(gpu),
		Images:      images,
		Views:       views,
		Viewport:    vk.Viewport{Width: float32(extent.Width), Height: float32(extent.Height), MinDepth: 0, MaxDepth: 1},
	}, nil
}

func (s *Swapchain) Destroy(device vk.Device) {
	for _, v := range s.Views {
		vk.DestroyImageView(device, v, nil)
	}
	if s.Handle != vk.NullSwapchain {
		vk.DestroySwapchain(device, s.Handle, nil)
	}
}

// AcquireNext acquires the next presentable image index, returning
// SwapchainOutOfDate when the swapchain needs recreation (§4.8 step 2).
func (s *Swapchain) AcquireNext(device vk.Device, semaphore vk.Semaphore) (uint32, error) {
	var index uint32
	ret := vk.AcquireNextImage(device, s.Handle, vk.MaxUint64, semaphore, vk.NullFence, &index)
	switch ret {
	case vk.Success, vk.Suboptimal:
		return index, nil
	case vk.ErrorOutOfDate:
		return 0, SwapchainOutOfDate
	default:
		return 0, vkErr(ret)
	}
}

// Present submits index for presentation, returning SwapchainOutOfDate
// on VK_ERROR_OUT_OF_DATE_KHR/VK_SUBOPTIMAL_KHR (§4.8 step 6).
func (s *Swapchain) Present(queue vk.Queue, index uint32, waitSemaphores []vk.Semaphore) error {
	ret := vk.QueuePresent(queue, &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(waitSemaphores)),
		PWaitSemaphores:    waitSemaphores,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.Handle},
		PImageIndices:      []uint32{index},
	})
	switch ret {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		return SwapchainOutOfDate
	default:
		return vkErr(ret)
	}
}
