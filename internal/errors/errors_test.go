package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRagError_Unwrap_PreservesOriginalError(t *testing.T) {
	originalErr := errors.New("original error")

	ragErr := New(ErrCodeStoreRead, "note 42 not found", originalErr)

	require.NotNil(t, ragErr)
	assert.Equal(t, originalErr, errors.Unwrap(ragErr))
	assert.True(t, errors.Is(ragErr, originalErr))
}

func TestRagError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigNotFound,
			message:  "config file not found",
			expected: "[ERR_101_CONFIG_NOT_FOUND] config file not found",
		},
		{
			name:     "not found error",
			code:     ErrCodeNotFound,
			message:  "note not found",
			expected: "[ERR_206_NOT_FOUND] note not found",
		},
		{
			name:     "provider error",
			code:     ErrCodeProviderTimeout,
			message:  "embedding request timed out",
			expected: "[ERR_301_PROVIDER_TIMEOUT] embedding request timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestRagError_Is_MatchesByCode(t *testing.T) {
	err1 := New(ErrCodeNotFound, "note A not found", nil)
	err2 := New(ErrCodeNotFound, "note B not found", nil)

	assert.True(t, errors.Is(err1, err2))
}

func TestRagError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	err1 := New(ErrCodeNotFound, "note not found", nil)
	err2 := New(ErrCodeConfigNotFound, "config not found", nil)

	assert.False(t, errors.Is(err1, err2))
}

func TestRagError_WithDetails_AddsContext(t *testing.T) {
	err := New(ErrCodeNotFound, "note not found", nil)

	err = err.WithDetail("note_id", "note-42")
	err = err.WithDetail("owner_id", "owner-7")

	assert.Equal(t, "note-42", err.Details["note_id"])
	assert.Equal(t, "owner-7", err.Details["owner_id"])
}

func TestRagError_WithSuggestion_AddsSuggestion(t *testing.T) {
	err := New(ErrCodeProviderTimeout, "embedding provider timed out", nil)

	err = err.WithSuggestion("Check the embedding provider is reachable")

	assert.Equal(t, "Check the embedding provider is reachable", err.Suggestion)
}

func TestRagError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeConfigNotFound, CategoryConfig},
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeNotFound, CategoryStore},
		{ErrCodeStoreRead, CategoryStore},
		{ErrCodeProviderTimeout, CategoryProvider},
		{ErrCodeProviderUnavailable, CategoryProvider},
		{ErrCodeInvalidInput, CategoryInput},
		{ErrCodeDimensionMismatch, CategoryInput},
		{ErrCodeInternal, CategoryInternal},
		{ErrCodeEmbeddingFailed, CategoryInternal},
		{ErrCodeCancelled, CategoryCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestRagError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrCodeCorruptIndex, SeverityFatal},
		{ErrCodeDimensionMismatch, SeverityFatal},
		{ErrCodeNotFound, SeverityError},
		{ErrCodeProviderTimeout, SeverityWarning}, // retryable, so warning
		{ErrCodeProviderUnavailable, SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestRagError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrCodeProviderTimeout, true},
		{ErrCodeProviderUnavailable, true},
		{ErrCodeStoreUnavailable, true},
		{ErrCodeNotFound, false},
		{ErrCodeConfigInvalid, false},
		{ErrCodeCorruptIndex, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesRagErrorFromError(t *testing.T) {
	originalErr := errors.New("something went wrong")

	ragErr := Wrap(ErrCodeInternal, originalErr)

	require.NotNil(t, ragErr)
	assert.Equal(t, ErrCodeInternal, ragErr.Code)
	assert.Equal(t, "something went wrong", ragErr.Message)
	assert.Equal(t, originalErr, ragErr.Cause)
}

func TestConfigError_CreatesConfigCategoryError(t *testing.T) {
	err := ConfigError("invalid yaml syntax", nil)

	assert.Equal(t, CategoryConfig, err.Category)
	assert.Contains(t, err.Code, "CONFIG")
}

func TestInputError_CreatesInputCategoryError(t *testing.T) {
	err := InputError("query cannot be empty", nil)

	assert.Equal(t, CategoryInput, err.Category)
}

func TestProviderError_CreatesRetryableError(t *testing.T) {
	err := ProviderError("connection refused", nil)

	assert.Equal(t, CategoryProvider, err.Category)
	assert.True(t, err.Retryable)
}

func TestDimensionMismatchError_CarriesExpectedAndGot(t *testing.T) {
	err := DimensionMismatchError(768, 384)

	assert.Equal(t, ErrCodeDimensionMismatch, err.Code)
	assert.Equal(t, "768", err.Details["expected"])
	assert.Equal(t, "384", err.Details["got"])
	assert.True(t, IsFatal(err))
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable RagError",
			err:      New(ErrCodeProviderTimeout, "timeout", nil),
			expected: true,
		},
		{
			name:     "non-retryable RagError",
			err:      New(ErrCodeNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(ErrCodeProviderTimeout, errors.New("wrapped")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "fatal error",
			err:      New(ErrCodeCorruptIndex, "index corrupt", nil),
			expected: true,
		},
		{
			name:     "dimension mismatch error",
			err:      New(ErrCodeDimensionMismatch, "dimension mismatch", nil),
			expected: true,
		},
		{
			name:     "non-fatal error",
			err:      New(ErrCodeNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}

func TestIsCancelled_ChecksCancelledCategory(t *testing.T) {
	assert.True(t, IsCancelled(CancelledError("indexing job cancelled")))
	assert.False(t, IsCancelled(New(ErrCodeNotFound, "not found", nil)))
	assert.False(t, IsCancelled(nil))
}
