package vkengine

import (
	vk "github.com/vulkan-go/vulkan"
)

// QueueSet enumerates a physical device's queue families and binds
// the ones the engine actually needs (graphics and compute; presentation
// uses the graphics queue),
// generalized from the teacher's CoreQueue family-scan loop (§4.8).
type QueueSet struct {
	properties []vk.QueueFamilyProperties
	bound      []bool
	queues     []vk.Queue

	GraphicsFamily uint32
	ComputeFamily  uint32
}

// NewQueueSet enumerates gpu's queue families.
func NewQueueSet(gpu vk.PhysicalDevice) *QueueSet {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, props)
	for i := range props {
		props[i].Deref()
	}
	return &QueueSet{properties: props, bound: make([]bool, count), queues: make([]vk.Queue, count)}
}

// DeviceQueueCreateInfos returns one queue-create-info per family,
// requesting a single queue per family at equal priority (§4.8).
func (q *QueueSet) DeviceQueueCreateInfos() []vk.DeviceQueueCreateInfo {
	priority := []float32{1.0}
	infos := make([]vk.DeviceQueueCreateInfo, len(q.properties))
	for i := range q.properties {
		infos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(i),
			QueueCount:       1,
			PQueuePriorities: priority,
		}
	}
	return infos
}

// findFamily returns the first family whose flags are a superset of required.
func (q *QueueSet) findFamily(required vk.QueueFlagBits) (uint32, bool) {
	for i, p := range q.properties {
		if p.QueueFlags&vk.QueueFlags(required) == vk.QueueFlags(required) {
			return uint32(i), true
		}
	}
	return 0, false
}

// Resolve selects and caches the graphics and compute queue families,
// called before the logical device is created so later lookups
// (Graphics, Compute) don't need to repeat the family scan.
func (q *QueueSet) Resolve() error {
	gfx, ok := q.findFamily(vk.QueueGraphicsBit)
	if !ok {
		return newErr(ErrInvalidHandle, "no queue family supports graphics operations")
	}
	q.GraphicsFamily = gfx
	q.bound[gfx] = true

	if compute, ok := q.findFamily(vk.QueueComputeBit); ok {
		q.ComputeFamily = compute
	} else {
		q.ComputeFamily = gfx
	}
	q.bound[q.ComputeFamily] = true
	return nil
}

// FetchQueues retrieves the vk.Queue handle for every family, called
// once after the logical device is created.
func (q *QueueSet) FetchQueues(device vk.Device) {
	for i := range q.properties {
		vk.GetDeviceQueue(device, uint32(i), 0, &q.queues[i])
	}
}

// Graphics returns the bound graphics queue.
func (q *QueueSet) Graphics() vk.Queue { return q.queues[q.GraphicsFamily] }

// Compute returns the bound compute queue (may alias Graphics on GPUs
// without a dedicated compute family).
func (q *QueueSet) Compute() vk.Queue { return q.queues[q.ComputeFamily] }
