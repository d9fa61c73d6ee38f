package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorListsEveryField(t *testing.T) {
	err := NewValidationError([]string{
		"prompt: required field missing",
		"width: value must be >= 64",
	})

	assert.Equal(t, ErrCodeValidation, err.Code)
	assert.False(t, err.Retryable)
	assert.Contains(t, err.Details, "prompt")
	assert.Contains(t, err.Details, "width")
	assert.Contains(t, err.UserMessage(), "prompt: required field missing")
}

func TestExecutionFailedCarriesUpstreamDetail(t *testing.T) {
	err := NewExecutionFailedError("Node Type: KSampler, Message: CUDA out of memory")

	assert.Equal(t, ErrCodeExecutionFailed, err.Code)
	assert.Contains(t, err.UserMessage(), "CUDA out of memory")
}

func TestAsWorkerErrorPassthrough(t *testing.T) {
	we := NewServerUnavailableError("dial tcp: connection refused")
	assert.Same(t, we, AsWorkerError(we))
}

func TestAsWorkerErrorWrapsPlainErrors(t *testing.T) {
	we := AsWorkerError(errors.New("boom"))
	require.NotNil(t, we)
	assert.Equal(t, ErrCodeInternal, we.Code)
	assert.Equal(t, "boom", we.Details)
	assert.WithinDuration(t, time.Now().UTC(), we.Timestamp, time.Minute)
}

func TestIsCode(t *testing.T) {
	err := NewAssetsNotReadyError("abc-123", 10)
	assert.True(t, IsCode(err, ErrCodeAssetsNotReady))
	assert.False(t, IsCode(err, ErrCodeExecutionTimeout))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeAssetsNotReady))
}

func TestGetErrorCategory(t *testing.T) {
	assert.Equal(t, "INPUT", GetErrorCategory(ErrCodeValidation))
	assert.Equal(t, "RESOURCE", GetErrorCategory(ErrCodeResourceExhausted))
	assert.Equal(t, "UPSTREAM", GetErrorCategory(ErrCodeSubmissionRejected))
	assert.Equal(t, "EXECUTION", GetErrorCategory(ErrCodeExecutionTimeout))
	assert.Equal(t, "OTHER", GetErrorCategory(ErrorCode("NOT_A_CODE")))
}
