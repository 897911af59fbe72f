package llm

import (
	"fmt"
	"net/http"

	"github.com/BaSui01/dagflow/types"
)

// CodeForHTTPStatus maps an upstream HTTP status to an engine error code.
func CodeForHTTPStatus(status int) types.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ErrAuthentication
	case status == http.StatusTooManyRequests:
		return types.ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.ErrUpstreamTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return types.ErrServiceUnavailable
	case status >= 500:
		return types.ErrUpstreamError
	default:
		return types.ErrExecution
	}
}

// NewProviderError builds a classified error for a failed provider call.
func NewProviderError(provider string, code types.ErrorCode, format string, args ...any) *types.Error {
	return types.NewError(code, fmt.Sprintf(format, args...)).WithProvider(provider)
}

// NewHTTPError classifies a non-2xx upstream response.
func NewHTTPError(provider string, status int, body string) *types.Error {
	if len(body) > 256 {
		body = body[:256]
	}
	return NewProviderError(provider, CodeForHTTPStatus(status), "upstream returned HTTP %d: %s", status, body)
}
