package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes
const (
	ErrInvalidGraph ErrorCode = "INVALID_GRAPH"
	ErrInvalidNode  ErrorCode = "INVALID_NODE"
)

// Provider error codes
const (
	ErrNetwork            ErrorCode = "NETWORK"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Engine error codes
const (
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrConcurrencyTimeout ErrorCode = "CONCURRENCY_TIMEOUT"
	ErrNodeTimeout        ErrorCode = "NODE_TIMEOUT"
	ErrExecution          ErrorCode = "EXECUTION_ERROR"
	ErrDependencyFailed   ErrorCode = "DEPENDENCY_FAILED"
	ErrCancelled          ErrorCode = "CANCELLED"
)

// Category groups error codes into the classes the retry policy understands.
type Category string

const (
	CategoryValidation         Category = "validation"
	CategoryConcurrencyTimeout Category = "concurrency_timeout"
	CategoryNetwork            Category = "network"
	CategoryTimeout            Category = "timeout"
	CategoryRateLimit          Category = "rate_limit"
	CategoryAuth               Category = "auth"
	CategoryCircuitOpen        Category = "circuit_open"
	CategoryExecution          Category = "execution"
	CategoryCancelled          Category = "cancelled"
	CategoryOther              Category = "other"
)

// Error represents a structured error with code, category and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Category  Category  `json:"category"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("[%s node=%s]", e.Code, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message. The category
// defaults to the one associated with the code.
func NewError(code ErrorCode, message string) *Error {
	cat := categoryForCode(code)
	return &Error{
		Code:      code,
		Message:   message,
		Category:  cat,
		Retryable: defaultRetryable(cat),
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithCategory overrides the category.
func (e *Error) WithCategory(cat Category) *Error {
	e.Category = cat
	return e
}

// WithNode sets the node the error originated from.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func categoryForCode(code ErrorCode) Category {
	switch code {
	case ErrInvalidGraph, ErrInvalidNode:
		return CategoryValidation
	case ErrNetwork, ErrServiceUnavailable:
		return CategoryNetwork
	case ErrUpstreamTimeout, ErrNodeTimeout:
		return CategoryTimeout
	case ErrRateLimited:
		return CategoryRateLimit
	case ErrAuthentication:
		return CategoryAuth
	case ErrCircuitOpen:
		return CategoryCircuitOpen
	case ErrConcurrencyTimeout:
		return CategoryConcurrencyTimeout
	case ErrExecution, ErrDependencyFailed:
		return CategoryExecution
	case ErrCancelled:
		return CategoryCancelled
	default:
		return CategoryOther
	}
}

func defaultRetryable(cat Category) bool {
	switch cat {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryConcurrencyTimeout:
		return true
	default:
		return false
	}
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf classifies an arbitrary error. Structured errors report their own
// category; context and net errors are mapped to timeout/cancelled/network.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok && e.Category != "" {
		return e.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryOther
}

// IsCategory reports whether err is classified as cat.
func IsCategory(err error, cat Category) bool {
	return err != nil && CategoryOf(err) == cat
}

// IsRetryable checks if an error is marked retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
