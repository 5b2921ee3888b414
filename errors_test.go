package vkengine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	vk "github.com/vulkan-go/vulkan"
)

func TestIsKindMatchesWrappedCoreError(t *testing.T) {
	err := OutOfMemory(2, 4096)
	assert.True(t, IsKind(err, ErrOutOfMemory))
	assert.False(t, IsKind(err, ErrInvalidHandle))
	wrapped := fmt.Errorf("context: %w", err)
	assert.True(t, IsKind(wrapped, ErrOutOfMemory))
	assert.False(t, IsKind(wrapped, ErrInvalidHandle))
}

func TestIsKindFalseForPlainError(t *testing.T) {
	assert.False(t, IsKind(errors.New("boom"), ErrOutOfMemory))
}

func TestCoreErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	wrapped := &CoreError{Kind: ErrUnknown, Message: "wrapped", cause: cause}
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestVkErrReturnsNilOnSuccess(t *testing.T) {
	assert.NoError(t, vkErr(vk.Success))
}

func TestVkErrWrapsFailureWithCallerLocation(t *testing.T) {
	err := vkErr(vk.ErrorOutOfHostMemory)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "vulkan error")
	assert.Contains(t, err.Error(), "errors_test.go")
}

func TestErrorKindStringsAreStable(t *testing.T) {
	assert.Equal(t, "OutOfMemory", ErrOutOfMemory.String())
	assert.Equal(t, "ShaderLoadError", ErrShaderLoad.String())
	assert.Equal(t, "SwapchainOutOfDate", ErrSwapchainOutOfDate.String())
}
