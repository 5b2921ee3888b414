package vkengine

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// cbState is the command buffer lifecycle state machine (§4.7):
// Recording accepts commands; Pending has been submitted and is
// awaiting its fence; Done's fence has signaled and the buffer is
// ready to reset back to Recording.
type cbState int

const (
	cbStateRecording cbState = iota
	cbStatePending
	cbStateDone
)

// CommandBuffer wraps a vk.CommandBuffer with idempotent bind calls
// (redundant binds of the same handle are no-ops), debug labels, and a
// fence-driven completion state machine (§4.7).
type CommandBuffer struct {
	mu     sync.Mutex
	device vk.Device
	pool   vk.CommandPool
	Handle vk.CommandBuffer
	fence  vk.Fence
	state  cbState
	name   string

	boundPipeline       vk.Pipeline
	boundComputeVariant *ShaderVariant
	boundSets           map[uint32]vk.DescriptorSet
	boundVertexBuf      map[uint32]vk.Buffer
	boundVertexOff      map[uint32]vk.DeviceSize
	boundIndexBuf       vk.Buffer
	reflection          *BindingReflection

	tracked []interface{} // resources referenced by recorded commands, kept alive until Done
}

func newCommandBuffer(device vk.Device, handle vk.CommandBuffer, pool vk.CommandPool, fence vk.Fence, name string) *CommandBuffer {
	return &CommandBuffer{
		device:         device,
		pool:           pool,
		Handle:         handle,
		fence:          fence,
		name:           name,
		boundSets:      make(map[uint32]vk.DescriptorSet),
		boundVertexBuf: make(map[uint32]vk.Buffer),
	}
}

// Begin transitions Recording and issues vkBeginCommandBuffer. Only
// valid from the Done state (or a never-used buffer), matching §4.7's
// "Recording → Pending → Done → (reset) → Recording" cycle.
func (cb *CommandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ret := vk.BeginCommandBuffer(cb.Handle, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if isVkError(ret) {
		return vkErr(ret)
	}
	cb.state = cbStateRecording
	return nil
}

// BindPipeline is a no-op if pipeline is already bound (§4.7 idempotence).
func (cb *CommandBuffer) BindPipeline(bindPoint vk.PipelineBindPoint, pipeline vk.Pipeline) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.boundPipeline == pipeline {
		return
	}
	vk.CmdBindPipeline(cb.Handle, bindPoint, pipeline)
	cb.boundPipeline = pipeline
}

// BindComputePipeline binds a compute pipeline and records variant so
// DispatchAligned can read its workgroup size (§4.7).
func (cb *CommandBuffer) BindComputePipeline(pipeline vk.Pipeline, variant *ShaderVariant) {
	cb.BindPipeline(vk.PipelineBindPointCompute, pipeline)
	cb.mu.Lock()
	cb.boundComputeVariant = variant
	cb.mu.Unlock()
}

// BindDescriptorSet is a no-op if the same set is already bound at set index.
func (cb *CommandBuffer) BindDescriptorSet(bindPoint vk.PipelineBindPoint, layout vk.PipelineLayout, set uint32, ds *DescriptorSet) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.boundSets[set] == ds.Handle {
		return
	}
	vk.CmdBindDescriptorSets(cb.Handle, bindPoint, layout, set, 1, []vk.DescriptorSet{ds.Handle}, 0, nil)
	cb.boundSets[set] = ds.Handle
	cb.tracked = append(cb.tracked, ds)
}

// BindVertexBuffer is a no-op if the same buffer/offset is already bound at binding.
func (cb *CommandBuffer) BindVertexBuffer(binding uint32, buf *Buffer, offset vk.DeviceSize) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.boundVertexOff == nil {
		cb.boundVertexOff = make(map[uint32]vk.DeviceSize)
	}
	if cb.boundVertexBuf[binding] == buf.Handle && cb.boundVertexOff[binding] == offset {
		return
	}
	vk.CmdBindVertexBuffers(cb.Handle, binding, 1, []vk.Buffer{buf.Handle}, []vk.DeviceSize{offset})
	cb.boundVertexBuf[binding] = buf.Handle
	cb.boundVertexOff[binding] = offset
	cb.tracked = append(cb.tracked, buf)
}

// BindIndexBuffer is a no-op if buf is already the bound index buffer.
func (cb *CommandBuffer) BindIndexBuffer(buf *Buffer, offset vk.DeviceSize, indexType vk.IndexType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.boundIndexBuf == buf.Handle {
		return
	}
	vk.CmdBindIndexBuffer(cb.Handle, buf.Handle, offset, indexType)
	cb.boundIndexBuf = buf.Handle
	cb.tracked = append(cb.tracked, buf)
}

// AttachReflection associates the currently bound pipeline's reflection
// data, enabling PushConstantByName in PushConstant.
func (cb *CommandBuffer) AttachReflection(r *BindingReflection) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reflection = r
}

// PushConstant resolves name against the attached reflection data and
// issues vkCmdPushConstants for that member's offset/size/stage range
// (§4.7's "push_constant name resolution").
func (cb *CommandBuffer) PushConstant(name string, data []byte) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.reflection == nil {
		return newErr(ErrInvalidHandle, "command buffer %q has no attached shader reflection", cb.name)
	}
	pc, ok := cb.reflection.PushConstantByName(name)
	if !ok {
		return newErr(ErrInvalidHandle, "unknown push constant %q", name)
	}
	if uint32(len(data)) != pc.Size {
		return newErr(ErrInvalidHandle, "push constant %q expects %d bytes, got %d", name, pc.Size, len(data))
	}
	vk.CmdPushConstants(cb.Handle, cb.reflection.PipelineLayout, pc.StageMask, pc.Offset, pc.Size, unsafePointerOf(data))
	return nil
}

// Draw issues a non-indexed draw call.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(cb.Handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

// DrawIndexed issues an indexed draw call.
func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	vk.CmdDrawIndexed(cb.Handle, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

// Dispatch issues groupCountX*Y*Z compute work groups directly.
func (cb *CommandBuffer) Dispatch(groupCountX, groupCountY, groupCountZ uint32) {
	vk.CmdDispatch(cb.Handle, groupCountX, groupCountY, groupCountZ)
}

// DispatchAligned rounds (x, y, z) up to the bound compute variant's
// workgroup size before dispatching, the usual convenience for
// compute shaders whose workgroup size doesn't evenly divide the
// problem domain (§4.7's "dispatch_aligned divides by the compute
// variant's workgroup size"). The variant must be bound first via
// BindComputePipeline, matching the original engine reading the size
// off the bound compute pipeline and erroring otherwise.
func (cb *CommandBuffer) DispatchAligned(x, y, z uint32) error {
	cb.mu.Lock()
	variant := cb.boundComputeVariant
	cb.mu.Unlock()
	if variant == nil {
		return newErr(ErrInvalidHandle, "command buffer %q: dispatch_aligned requires a bound compute variant", cb.name)
	}
	localSize := variant.WorkgroupSize
	if localSize[0] == 0 || localSize[1] == 0 || localSize[2] == 0 {
		return newErr(ErrInvalidHandle, "command buffer %q: bound compute variant has no workgroup size", cb.name)
	}
	gx := (x + localSize[0] - 1) / localSize[0]
	gy := (y + localSize[1] - 1) / localSize[1]
	gz := (z + localSize[2] - 1) / localSize[2]
	cb.Dispatch(gx, gy, gz)
	return nil
}

// guessStageAndAccess maps an image layout to the pipeline stage/access
// mask typically associated with transitioning into it, following the
// classic Vulkan samples' synchronization table the teacher's own
// display/swapchain code approximates for its own present transitions (§6).
func guessStageAndAccess(layout vk.ImageLayout) (vk.PipelineStageFlags, vk.AccessFlags) {
	switch layout {
	case vk.ImageLayoutColorAttachmentOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			vk.AccessFlags(vk.AccessFlagBits(vk.AccessColorAttachmentReadBit) | vk.AccessFlagBits(vk.AccessColorAttachmentWriteBit))
	case vk.ImageLayoutDepthStencilAttachmentOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit),
			vk.AccessFlags(vk.AccessFlagBits(vk.AccessDepthStencilAttachmentReadBit) | vk.AccessFlagBits(vk.AccessDepthStencilAttachmentWriteBit))
	case vk.ImageLayoutDepthStencilReadOnlyOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit)
	case vk.ImageLayoutGeneral:
		return vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
			vk.AccessFlags(vk.AccessFlagBits(vk.AccessShaderReadBit) | vk.AccessFlagBits(vk.AccessShaderWriteBit))
	case vk.ImageLayoutShaderReadOnlyOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), vk.AccessFlags(vk.AccessShaderReadBit)
	case vk.ImageLayoutTransferSrcOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.AccessFlags(vk.AccessTransferReadBit)
	case vk.ImageLayoutTransferDstOptimal:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.AccessFlags(vk.AccessTransferWriteBit)
	case vk.ImageLayoutPresentSrc:
		return vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), 0
	case vk.ImageLayoutUndefined:
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), 0
	default:
		return vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			vk.AccessFlags(vk.AccessFlagBits(vk.AccessMemoryReadBit) | vk.AccessFlagBits(vk.AccessMemoryWriteBit))
	}
}

// Transition records a layout transition barrier for img, guessing the
// source stage/access from img's last known state and the destination
// stage/access from newLayout via guessStageAndAccess, and updates
// img's tracked state so a later Transition call chains correctly (§4.7, §6).
func (cb *CommandBuffer) Transition(img *Image, newLayout vk.ImageLayout, aspectMask vk.ImageAspectFlags) {
	if img.LastKnownLayout == newLayout {
		return
	}
	srcStage, srcAccess := img.LastKnownStage, img.LastKnownAccess
	dstStage, dstAccess := guessStageAndAccess(newLayout)

	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		OldLayout:           img.LastKnownLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectMask,
			BaseMipLevel:   0,
			LevelCount:     img.MipLevels,
			BaseArrayLayer: 0,
			LayerCount:     img.ArrayLayers,
		},
	}
	vk.CmdPipelineBarrier(cb.Handle, srcStage, dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})

	img.LastKnownLayout = newLayout
	img.LastKnownStage = dstStage
	img.LastKnownAccess = dstAccess

	cb.mu.Lock()
	cb.tracked = append(cb.tracked, img)
	cb.mu.Unlock()
}

// Track keeps resource alive (not pool-reclaimed) until this command
// buffer reaches the Done state, for resources referenced only by raw
// handle in a recorded command (e.g. an indirect-draw argument buffer) (§4.7).
func (cb *CommandBuffer) Track(resource interface{}) {
	cb.mu.Lock()
	cb.tracked = append(cb.tracked, resource)
	cb.mu.Unlock()
}

// BeginDebugLabel and EndDebugLabel bracket a named region for
// external GPU debugging tools, a feature the original engine's
// command buffer exposes that the distilled spec omitted.
func (cb *CommandBuffer) BeginDebugLabel(name string, color [4]float32) {
	vk.CmdBeginDebugUtilsLabelEXT(cb.Handle, &vk.DebugUtilsLabelEXT{
		SType:      vk.StructureTypeDebugUtilsLabelExt,
		PLabelName: safeString(name),
		Color:      color,
	})
}

func (cb *CommandBuffer) EndDebugLabel() {
	vk.CmdEndDebugUtilsLabelEXT(cb.Handle)
}

// End finishes recording and transitions to Pending once Submit is called.
func (cb *CommandBuffer) End() error {
	ret := vk.EndCommandBuffer(cb.Handle)
	if isVkError(ret) {
		return vkErr(ret)
	}
	return nil
}

// Submit submits this single command buffer on queue, signaling fence
// on completion, and transitions the buffer to Pending (§4.7, §4.8).
func (cb *CommandBuffer) Submit(queue vk.Queue, waitSemaphores []vk.Semaphore, waitStages []vk.PipelineStageFlags, signalSemaphores []vk.Semaphore) error {
	cb.mu.Lock()
	cb.state = cbStatePending
	cb.mu.Unlock()

	ret := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waitSemaphores)),
		PWaitSemaphores:      waitSemaphores,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cb.Handle},
		SignalSemaphoreCount: uint32(len(signalSemaphores)),
		PSignalSemaphores:    signalSemaphores,
	}}, cb.fence)
	if isVkError(ret) {
		return vkErr(ret)
	}
	return nil
}

// PollDone checks the buffer's fence without blocking and transitions
// Pending → Done on signal. On that transition every resource the
// buffer tracked while recording is handed to release (the resource
// pool's Release, tagging each with the current frame index) before
// the tracked list is cleared, per §4.7's "on transition, all pending
// resources are returned to the pool tagged with the current frame
// index" and the §8 scenario 6 eviction timing.
func (cb *CommandBuffer) PollDone(release func(interface{})) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbStatePending {
		return cb.state == cbStateDone, nil
	}
	ret := vk.GetFenceStatus(cb.device, cb.fence)
	if ret == vk.Success {
		cb.state = cbStateDone
		if release != nil {
			for _, r := range cb.tracked {
				release(r)
			}
		}
		cb.tracked = nil
		return true, nil
	}
	if ret == vk.NotReady {
		return false, nil
	}
	return false, vkErr(ret)
}

// resetLocked resets the fence and vk.CommandBuffer in place for reuse,
// called by the resource pool immediately before handing a Done buffer
// back out (§4.7's reset transition).
func (cb *CommandBuffer) resetLocked() {
	vk.ResetFences(cb.device, 1, []vk.Fence{cb.fence})
	vk.ResetCommandBuffer(cb.Handle, vk.CommandBufferResetFlags(0))
	cb.state = cbStateRecording
	cb.boundPipeline = vk.NullPipeline
	cb.boundComputeVariant = nil
	cb.boundSets = make(map[uint32]vk.DescriptorSet)
	cb.boundVertexBuf = make(map[uint32]vk.Buffer)
	cb.boundVertexOff = make(map[uint32]vk.DeviceSize)
	cb.boundIndexBuf = vk.NullBuffer
	cb.reflection = nil
	cb.tracked = nil
}
