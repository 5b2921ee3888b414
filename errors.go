package vkengine

import (
	"errors"
	"fmt"
	"runtime"

	vk "github.com/vulkan-go/vulkan"
)

// ErrorKind classifies the failure modes described in the core's error
// handling design: allocator exhaustion, malformed descriptor writes,
// framebuffer/render-pass mismatches, shader package corruption, driver
// pipeline rejection, and out-of-date swapchains.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrOutOfMemory
	ErrInvalidHandle
	ErrLayoutMismatch
	ErrShaderLoad
	ErrPipelineCreate
	ErrSwapchainOutOfDate
)

func (k ErrorKind) String() string {
	switch k {
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrInvalidHandle:
		return "InvalidHandle"
	case ErrLayoutMismatch:
		return "LayoutMismatch"
	case ErrShaderLoad:
		return "ShaderLoadError"
	case ErrPipelineCreate:
		return "PipelineCreateError"
	case ErrSwapchainOutOfDate:
		return "SwapchainOutOfDate"
	default:
		return "Unknown"
	}
}

// CoreError wraps an ErrorKind with a human message and, for driver
// failures, the underlying vk.Result. Callers match it with errors.As
// (or IsKind) and compare its Kind field against the ErrorKind constants.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Result  vk.Result
	cause   error
}

func (e *CoreError) Error() string {
	if e.Result != vk.Success {
		return fmt.Sprintf("vkengine: %s: %s (vk.Result=%d)", e.Kind, e.Message, e.Result)
	}
	return fmt.Sprintf("vkengine: %s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

func newErr(kind ErrorKind, format string, args ...interface{}) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// OutOfMemory builds the fatal allocator-exhaustion error (§7).
func OutOfMemory(memoryType uint32, requested vk.DeviceSize) *CoreError {
	return newErr(ErrOutOfMemory, "no memory block of type %d could satisfy %d bytes", memoryType, requested)
}

// InvalidHandle builds the descriptor-set null/empty resource error (§7).
func InvalidHandle(what string) *CoreError {
	return newErr(ErrInvalidHandle, "%s is a null or empty resource", what)
}

// MissingAttachment builds the framebuffer/render-pass mismatch error (§4.6).
func MissingAttachment(name RenderTargetID) *CoreError {
	return &CoreError{Kind: ErrLayoutMismatch, Message: fmt.Sprintf("framebuffer is missing attachment %q required by render pass", name)}
}

func shaderLoadError(format string, args ...interface{}) *CoreError {
	return newErr(ErrShaderLoad, format, args...)
}

func pipelineCreateError(ret vk.Result, format string, args ...interface{}) *CoreError {
	e := newErr(ErrPipelineCreate, format, args...)
	e.Result = ret
	return e
}

// SwapchainOutOfDate is a recoverable condition: the frame loop
// recreates the swapchain and drops the in-flight frame.
var SwapchainOutOfDate = &CoreError{Kind: ErrSwapchainOutOfDate, Message: "swapchain out of date or suboptimal"}

// isVkError reports whether ret is a Vulkan failure code.
func isVkError(ret vk.Result) bool { return ret != vk.Success }

// vkErr wraps a vk.Result as an error, annotated with the caller's
// source location the way the teacher's newError did via runtime.Caller.
func vkErr(ret vk.Result) error {
	if ret == vk.Success {
		return nil
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		return fmt.Errorf("vulkan error %d in %s (%s:%d)", ret, name, file, line)
	}
	return fmt.Errorf("vulkan error %d", ret)
}

// must panics on a non-nil error, used at construction sites where the
// caller has no sane recovery path (mirrors the teacher's orPanic).
func must(err error, cleanup ...func()) {
	if err != nil {
		for _, fn := range cleanup {
			fn()
		}
		panic(err)
	}
}

// mustVk is must() specialized for raw vk.Result returns.
func mustVk(ret vk.Result, cleanup ...func()) {
	if isVkError(ret) {
		must(vkErr(ret), cleanup...)
	}
}

// checkErr recovers a panic into *err, used in defer at API boundaries
// that enumerate Vulkan properties (mirrors the teacher's checkErr).
func checkErr(err *error) {
	if v := recover(); v != nil {
		if e, ok := v.(error); ok {
			*err = e
			return
		}
		*err = fmt.Errorf("%+v", v)
	}
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
