package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrorCodeBuildFailed, "no space left")

	assert.Equal(t, ErrorCodeBuildFailed, err.Code)
	assert.Equal(t, GetMessage(ErrorCodeBuildFailed), err.Message)
	assert.Equal(t, "[BUILD_FAILED] Image build failed.: no space left", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrap(t *testing.T) {
	cause := stderrors.New("permission denied")

	t.Run("without details", func(t *testing.T) {
		err := Wrap(ErrorCodeDescriptor, cause)
		assert.Equal(t, "permission denied", err.Details)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("with details", func(t *testing.T) {
		err := Wrap(ErrorCodeDescriptor, cause, "write Dockerfile")
		assert.Equal(t, "write Dockerfile: permission denied", err.Details)
	})

	t.Run("nil cause", func(t *testing.T) {
		err := Wrap(ErrorCodePushFailed, nil, "denied")
		assert.Equal(t, "denied", err.Details)
		assert.Nil(t, err.Err)
	})
}

func TestAsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("task failed: %w", New(ErrorCodeNoProcessTypes))

	pipelineErr, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeNoProcessTypes, pipelineErr.Code)
	assert.True(t, HasCode(wrapped, ErrorCodeNoProcessTypes))
	assert.False(t, HasCode(wrapped, ErrorCodeBuildFailed))
	assert.Equal(t, ErrorCodeNoProcessTypes, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCodeInternal, CodeOf(stderrors.New("boom")))
	_, ok := As(nil)
	assert.False(t, ok)
}

func TestUnknownCodeMessage(t *testing.T) {
	assert.Equal(t, "An unknown error occurred.", GetMessage(ErrorCode("NOPE")))
}
