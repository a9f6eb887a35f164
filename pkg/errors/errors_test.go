package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewInvalidInputError("session_id required")
	assert.Equal(t, "INVALID_INPUT: session_id required", err.Error())
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
}

func TestAppError_WrapKeepsCause(t *testing.T) {
	cause := errors.New("token is expired")
	err := WrapError(cause, ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "token is expired")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewRateLimitError().WithContext("retry_after", 1)
	assert.Equal(t, 1, err.Context["retry_after"])
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
}

func TestGetAppError(t *testing.T) {
	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))

	inner := NewServiceUnavailableError("relay closing")
	wrapped := fmt.Errorf("serve: %w", inner)
	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeServiceUnavailable, got.Code)
	assert.Equal(t, http.StatusServiceUnavailable, got.HTTPStatus)
}

func TestConstructorsStatusCodes(t *testing.T) {
	cases := map[ErrorCode]*AppError{
		ErrCodeUnauthorized:       NewUnauthorizedError("x"),
		ErrCodeInternal:           NewInternalError("x"),
		ErrCodeServiceUnavailable: NewServiceUnavailableError("x"),
	}
	want := map[ErrorCode]int{
		ErrCodeUnauthorized:       http.StatusUnauthorized,
		ErrCodeInternal:           http.StatusInternalServerError,
		ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	}
	for code, err := range cases {
		assert.Equal(t, code, err.Code)
		assert.Equal(t, want[code], err.HTTPStatus)
	}
}
