package vkengine

import (
	"log"
	"os"
	"runtime"

	vk "github.com/vulkan-go/vulkan"
)

// Device owns one logical device and every subsystem scoped to it:
// the memory allocator, resource pool, pipeline cache, and shader
// library. It is the engine's top-level handle, generalized from the
// teacher's BaseCore (core.go), which bundled an instance, a display,
// and ad-hoc per-resource-kind maps into one struct; Device instead
// delegates each concern to its own component type (§3, §4).
type Device struct {
	Instance       vk.Instance
	Physical       vk.PhysicalDevice
	Handle         vk.Device
	Properties     vk.PhysicalDeviceProperties
	MemoryProps    vk.PhysicalDeviceMemoryProperties
	Queues         *QueueSet
	Allocator      *Allocator
	Pool           *ResourcePool
	Pipelines      *PipelineCache
	Shaders        *ShaderLibrary

	cfg Config

	infoLog  *log.Logger
	errorLog *log.Logger
	warnLog  *log.Logger
}

// openLog mirrors the teacher's BaseCore log-file setup (core.go
// NewBaseCore): one append-mode file per severity, Ldate|Ltime|Lshortfile flags.
func openLog(path, prefix string) (*log.Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	return log.New(f, prefix, log.Ldate|log.Ltime|log.Lshortfile), nil
}

// wantedValidationLayers/wantedDeviceExtensions mirror the teacher's
// GetValidationLayers/GetInstanceExtensions (core.go): fixed wishlists
// intersected against what the platform (layers) or the physical
// device (device extensions) actually reports, rather than blindly
// requested.
var wantedValidationLayers = []string{
	"VK_LAYER_KHRONOS_synchronization2",
	"VK_LAYER_KHRONOS_validation",
}

var wantedDeviceExtensions = []string{
	"VK_KHR_swapchain",
	"VK_KHR_external_fence",
	"VK_KHR_external_semaphore",
	"VK_KHR_device_group",
}

func isDarwin() bool { return runtime.GOOS == "darwin" }

// CreateInstance builds a vk.Instance from the validation layers and
// extensions actually available on the platform: layers are intersected
// against wantedValidationLayers and extensions against
// requiredExtensions (what the windowing layer requires). cfg is not
// read. Struct population follows
// the teacher's CreateGraphicsInstance instance-creation struct
// population (core.go) with the Darwin portability-enumeration flag
// preserved (§4, §7 ambient setup).
func CreateInstance(appName string, cfg Config, requiredExtensions []string) (vk.Instance, error) {
	availableLayers, err := ValidationLayers()
	if err != nil {
		return nil, err
	}
	layers, _ := checkExisting(availableLayers, wantedValidationLayers)
	layers = safeStrings(layers)

	availableExtensions, err := InstanceExtensions()
	if err != nil {
		return nil, err
	}
	extensions, _ := checkExisting(availableExtensions, requiredExtensions)
	extensions = safeStrings(extensions)

	var flags vk.InstanceCreateFlags
	if isDarwin() {
		flags = vk.InstanceCreateFlags(0x00000001) // VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
			ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
			PApplicationName:   safeString(appName),
			PEngineName:        safeString("vkengine"),
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
		Flags:                   flags,
	}, nil, &instance)
	if isVkError(ret) {
		return nil, vkErr(ret)
	}
	if isDarwin() {
		vk.InitInstance(instance)
	}
	return instance, nil
}

// selectPhysicalDevice picks the first discrete GPU, falling back to
// the first enumerated device (§4 ambient setup, no analogue needed in
// the teacher since it assumed a single GPU machine).
func selectPhysicalDevice(instance vk.Instance) (vk.PhysicalDevice, error) {
	var count uint32
	if ret := vk.EnumeratePhysicalDevices(instance, &count, nil); isVkError(ret) {
		return nil, vkErr(ret)
	}
	if count == 0 {
		return nil, newErr(ErrInvalidHandle, "no Vulkan physical devices found")
	}
	devices := make([]vk.PhysicalDevice, count)
	if ret := vk.EnumeratePhysicalDevices(instance, &count, devices); isVkError(ret) {
		return nil, vkErr(ret)
	}

	best := devices[0]
	for _, d := range devices {
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(d, &props)
		props.Deref()
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			best = d
			break
		}
	}
	return best, nil
}

// NewDevice creates the full device stack: instance → physical device
// → logical device → queues → allocator → pools, in the order the
// teacher's CreateGraphicsInstance/NewCoreRenderInstance pair performs
// it, but collapsed into one constructor since Device owns everything
// the split BaseCore/CoreRenderInstance pair used to share via pointer
// fields (§4).
func NewDevice(appName string, cfg Config, requiredInstanceExtensions []string) (*Device, error) {
	infoLog, err := openLog("vkengine_info.log", "INFO: ")
	if err != nil {
		return nil, err
	}
	errorLog, err := openLog("vkengine_error.log", "ERROR: ")
	if err != nil {
		return nil, err
	}
	warnLog, err := openLog("vkengine_warn.log", "WARNING: ")
	if err != nil {
		return nil, err
	}

	instance, err := CreateInstance(appName, cfg, requiredInstanceExtensions)
	if err != nil {
		errorLog.Printf("instance creation failed: %v", err)
		return nil, err
	}

	physical, err := selectPhysicalDevice(instance)
	if err != nil {
		errorLog.Printf("physical device selection failed: %v", err)
		return nil, err
	}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(physical, &props)
	props.Deref()

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(physical, &memProps)
	memProps.Deref()

	queues := NewQueueSet(physical)
	if err := queues.Resolve(); err != nil {
		errorLog.Printf("queue family resolution failed: %v", err)
		return nil, err
	}

	availableDeviceExtensions, err := DeviceExtensions(physical)
	if err != nil {
		errorLog.Printf("device extension enumeration failed: %v", err)
		return nil, err
	}
	deviceExtensions, _ := checkExisting(availableDeviceExtensions, wantedDeviceExtensions)
	deviceExtensions = safeStrings(deviceExtensions)

	var handle vk.Device
	ret := vk.CreateDevice(physical, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queues.DeviceQueueCreateInfos())),
		PQueueCreateInfos:       queues.DeviceQueueCreateInfos(),
		EnabledExtensionCount:   uint32(len(deviceExtensions)),
		PpEnabledExtensionNames: deviceExtensions,
	}, nil, &handle)
	if isVkError(ret) {
		err := vkErr(ret)
		errorLog.Printf("logical device creation failed: %v", err)
		return nil, err
	}
	queues.FetchQueues(handle)

	alloc := NewAllocator(handle, memProps, cfg, infoLog)
	pool := NewResourcePool(handle, alloc, queues.GraphicsFamily, cfg, infoLog)
	pipelines, err := NewPipelineCache(handle, nil)
	if err != nil {
		errorLog.Printf("pipeline cache creation failed: %v", err)
		return nil, err
	}

	d := &Device{
		Instance:    instance,
		Physical:    physical,
		Handle:      handle,
		Properties:  props,
		MemoryProps: memProps,
		Queues:      queues,
		Allocator:   alloc,
		Pool:        pool,
		Pipelines:   pipelines,
		Shaders:     NewShaderLibrary(handle),
		cfg:         cfg,
		infoLog:     infoLog,
		errorLog:    errorLog,
		warnLog:     warnLog,
	}
	infoLog.Printf("device initialized: %s", vk.ToString(props.DeviceName[:]))
	return d, nil
}

// Config returns the tuning parameters this device was created with,
// e.g. so callers recreating a swapchain know the configured image depth.
func (d *Device) Config() Config { return d.cfg }

// MemoryBudget reports bytes currently allocated per memory-type index,
// the supplemented memory-budget query from the original engine's
// device layer (SPEC_FULL.md's memory budget queries expansion).
func (d *Device) MemoryBudget() map[uint32]vk.DeviceSize {
	return d.Allocator.MemoryBudget()
}

// WaitIdle blocks until every queued command on this device completes,
// required before Destroy tears down any GPU object (§4, §7).
func (d *Device) WaitIdle() error {
	if ret := vk.DeviceWaitIdle(d.Handle); isVkError(ret) {
		return vkErr(ret)
	}
	return nil
}

// Destroy tears down every subsystem and the device/instance handles,
// in dependency order: must be called after WaitIdle.
func (d *Device) Destroy() {
	d.Pool.Destroy()
	d.Pipelines.Destroy()
	d.Shaders.Destroy()
	d.Allocator.Destroy()
	vk.DestroyDevice(d.Handle, nil)
	vk.DestroyInstance(d.Instance, nil)
}
