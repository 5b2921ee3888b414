package vkengine

import (
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// InstanceExtensions gets a list of instance extensions available on the platform.
func InstanceExtensions() (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	mustVk(vk.EnumerateInstanceExtensionProperties("", &count, nil))
	list := make([]vk.ExtensionProperties, count)
	mustVk(vk.EnumerateInstanceExtensionProperties("", &count, list))
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, err
}

// DeviceExtensions gets a list of device extensions available on the provided physical device.
func DeviceExtensions(gpu vk.PhysicalDevice) (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	mustVk(vk.EnumerateDeviceExtensionProperties(gpu, "", &count, nil))
	list := make([]vk.ExtensionProperties, count)
	mustVk(vk.EnumerateDeviceExtensionProperties(gpu, "", &count, list))
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, err
}

// ValidationLayers gets a list of validation layers available on the platform.
func ValidationLayers() (names []string, err error) {
	defer checkErr(&err)

	var count uint32
	mustVk(vk.EnumerateInstanceLayerProperties(&count, nil))
	list := make([]vk.LayerProperties, count)
	mustVk(vk.EnumerateInstanceLayerProperties(&count, list))
	for _, layer := range list {
		layer.Deref()
		names = append(names, vk.ToString(layer.LayerName[:]))
	}
	return names, err
}

// safeString returns a NUL-terminated copy of s, the form the Vulkan
// C bindings require for PApplicationName/PEngineName/PName fields.
func safeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + "\x00"
	}
	return s
}

// safeStrings NUL-terminates every element, for
// PpEnabledExtensionNames/PpEnabledLayerNames slices.
func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = safeString(s)
	}
	return out
}

// checkExisting intersects wanted against available, returning the
// subset that's actually present and a count of what's missing.
func checkExisting(available, wanted []string) (result []string, missing int) {
	for _, w := range wanted {
		found := false
		for _, a := range available {
			if a == w {
				found = true
				break
			}
		}
		if found {
			result = append(result, w)
		} else {
			missing++
		}
	}
	return result, missing
}

// sliceUint32 reinterprets a byte slice (len multiple of 4, as SPIR-V
// bytecode always is) as a uint32 slice for vk.ShaderModuleCreateInfo.PCode.
func sliceUint32(data []byte) []uint32 {
	const u32 = 4
	out := make([]uint32, len(data)/u32)
	for i := range out {
		out[i] = uint32(data[i*u32]) | uint32(data[i*u32+1])<<8 |
			uint32(data[i*u32+2])<<16 | uint32(data[i*u32+3])<<24
	}
	return out
}

// alignUp rounds n up to the next multiple of align (align must be a
// power of two, as all of the core's alignments are).
func alignUp(n, align vk.DeviceSize) vk.DeviceSize {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func min64(a, b vk.DeviceSize) vk.DeviceSize {
	if a < b {
		return a
	}
	return b
}

func max64(a, b vk.DeviceSize) vk.DeviceSize {
	if a > b {
		return a
	}
	return b
}

// unsafePointerOf returns a pointer to data's backing array, the form
// vk.MemoryMap writes and vk.CmdPushConstants/PInitialData fields
// require. Returns nil for an empty slice.
func unsafePointerOf(data []byte) unsafe.Pointer {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Pointer(&data[0])
}
