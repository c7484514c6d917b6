package errors_test

import (
	"errors"
	"testing"

	orcherrors "mcp-completion-proxy/internal/domain/errors"

	"github.com/stretchr/testify/assert"
)

func TestOrchestratorError_Error(t *testing.T) {
	oe := &orcherrors.OrchestratorError{
		Code:     "TOOL_TIMEOUT",
		Message:  "tool execution timed out",
		Severity: orcherrors.SeverityRetryable,
	}
	assert.Equal(t, "TOOL_TIMEOUT: tool execution timed out", oe.Error())
}

func TestOrchestratorError_ErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	oe := &orcherrors.OrchestratorError{
		Code:     "WRAPPED",
		Message:  "wrapped error",
		Severity: orcherrors.SeverityToolFailure,
		Cause:    cause,
	}
	assert.Equal(t, "WRAPPED: wrapped error (caused by: underlying error)", oe.Error())
}

func TestOrchestratorError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	oe := orcherrors.WrapRetryable(cause, "wrapped")
	assert.Same(t, cause, oe.Unwrap())
	assert.True(t, errors.Is(oe, cause))
}

func TestSeverity_IsRetryable(t *testing.T) {
	assert.True(t, orcherrors.SeverityRetryable.IsRetryable())
	assert.False(t, orcherrors.SeverityToolFailure.IsRetryable())
}

func TestWrapRetryable(t *testing.T) {
	cause := errors.New("connection refused")
	err := orcherrors.WrapRetryable(cause, "post tools/call")

	assert.Equal(t, orcherrors.ErrCodeTemporary, err.Code)
	assert.Equal(t, orcherrors.SeverityRetryable, err.Severity)
	assert.Same(t, cause, err.Cause)
}

func TestClassifier_Classify(t *testing.T) {
	classifier := orcherrors.NewClassifier()

	t.Run("typed error carries its own severity", func(t *testing.T) {
		err := &orcherrors.OrchestratorError{Code: "BROKEN", Message: "not worth retrying", Severity: orcherrors.SeverityToolFailure}
		assert.Equal(t, orcherrors.SeverityToolFailure, classifier.Classify(err))
	})

	t.Run("wrapped typed error is found through the chain", func(t *testing.T) {
		inner := orcherrors.WrapRetryable(errors.New("timeout"), "post initialize")
		outer := errors.Join(errors.New("round 1"), inner)
		assert.Equal(t, orcherrors.SeverityRetryable, classifier.Classify(outer))
	})

	t.Run("returns empty for nil error", func(t *testing.T) {
		assert.Equal(t, orcherrors.Severity(""), classifier.Classify(nil))
	})

	t.Run("defaults unknown errors to tool failure", func(t *testing.T) {
		assert.Equal(t, orcherrors.SeverityToolFailure, classifier.Classify(errors.New("some unknown error")))
	})
}
