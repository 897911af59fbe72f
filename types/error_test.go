package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net failure" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithRetryable(true).
		WithNode("n1").
		WithProvider("openai")

	assert.Equal(t, ErrUpstreamError, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "node=n1")
	assert.Contains(t, err.Error(), "root")
}

func TestNewError_DefaultCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      ErrorCode
		category  Category
		retryable bool
	}{
		{ErrInvalidGraph, CategoryValidation, false},
		{ErrNetwork, CategoryNetwork, true},
		{ErrUpstreamTimeout, CategoryTimeout, true},
		{ErrRateLimited, CategoryRateLimit, true},
		{ErrAuthentication, CategoryAuth, false},
		{ErrCircuitOpen, CategoryCircuitOpen, false},
		{ErrConcurrencyTimeout, CategoryConcurrencyTimeout, true},
		{ErrExecution, CategoryExecution, false},
		{ErrorCode("SOMETHING_ELSE"), CategoryOther, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := NewError(tt.code, "x")
			assert.Equal(t, tt.category, e.Category)
			assert.Equal(t, tt.retryable, e.Retryable)
		})
	}
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("call failed: %w", NewError(ErrRateLimited, "slow down"))

	assert.Equal(t, Category(""), CategoryOf(nil))
	assert.Equal(t, CategoryRateLimit, CategoryOf(wrapped))
	assert.Equal(t, CategoryTimeout, CategoryOf(context.DeadlineExceeded))
	assert.Equal(t, CategoryCancelled, CategoryOf(fmt.Errorf("stop: %w", context.Canceled)))
	assert.Equal(t, CategoryTimeout, CategoryOf(fakeNetErr{timeout: true}))
	assert.Equal(t, CategoryNetwork, CategoryOf(fakeNetErr{}))
	assert.Equal(t, CategoryOther, CategoryOf(errors.New("boom")))

	assert.True(t, IsCategory(wrapped, CategoryRateLimit))
	assert.False(t, IsCategory(nil, CategoryRateLimit))
}
