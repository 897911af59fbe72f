package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/tlsutil"
	"github.com/BaSui01/dagflow/llm"
	"github.com/BaSui01/dagflow/types"
)

// InvokeRequest is what a side-effect node body receives. Template fields of
// Kind are already resolved against the execution context.
type InvokeRequest struct {
	NodeID NodeID
	Name   string
	Kind   NodeKind
	Config map[string]any
	// Inputs maps each parent's label to its output; root nodes receive the
	// run input instead.
	Inputs map[string]any
}

// Invoker executes HttpRequest, Custom and DocumentLoader node bodies.
// Returned errors should be classified (*types.Error) so the retry policy
// can tell transient failures apart.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (any, error) {
	return f(ctx, req)
}

// EvalInput is the data an expression is evaluated against.
type EvalInput struct {
	NodeID    NodeID
	Inputs    map[string]any
	Outputs   map[string]any
	Variables map[string]string
}

// Evaluator resolves Condition and Transform expressions. Condition results
// must be a bool (or "true"/"false").
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, in EvalInput) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expression string, in EvalInput) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, expression string, in EvalInput) (any, error) {
	return f(ctx, expression, in)
}

// maxHTTPBody caps the response body an HttpRequest node will read.
var maxHTTPBody int64 = 10 << 20

// HTTPInvoker is the default body for HttpRequest nodes.
type HTTPInvoker struct {
	client  *http.Client
	metrics *metrics.Collector
}

// NewHTTPInvoker creates an HTTPInvoker. A nil client uses the hardened
// tlsutil client; collector may be nil.
func NewHTTPInvoker(client *http.Client, collector *metrics.Collector) *HTTPInvoker {
	if client == nil {
		client = tlsutil.SecureHTTPClient(0)
	}
	return &HTTPInvoker{client: client, metrics: collector}
}

// Invoke sends the request and returns {"status", "headers", "body"}. JSON
// bodies are decoded; anything else is returned as a string.
func (h *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) (any, error) {
	node, ok := req.Kind.(HTTPRequestNode)
	if !ok {
		return nil, types.NewError(types.ErrInvalidNode, fmt.Sprintf("http invoker cannot run %s node", req.Kind.Type()))
	}
	method := strings.ToUpper(node.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if node.Body != "" {
		body = strings.NewReader(node.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, node.URL, body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidNode, "build http request").WithCause(err)
	}
	for k, v := range node.Headers {
		httpReq.Header.Set(k, v)
	}
	if node.Body != "" && httpReq.Header.Get("Content-Type") == "" && json.Valid([]byte(node.Body)) {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.record(method, 0, start)
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	h.record(method, resp.StatusCode, start)

	limit := maxHTTPBody
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	oversized := int64(len(data)) > limit
	if oversized {
		data = data[:limit]
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, llm.NewHTTPError("http", resp.StatusCode, string(data))
	}
	if oversized {
		return nil, types.NewError(types.ErrExecution,
			fmt.Sprintf("response body from %s exceeds %d bytes", node.URL, limit))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(data),
	}
	if len(data) > 0 && json.Valid(data) {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out["body"] = decoded
		}
	}
	return out, nil
}

func (h *HTTPInvoker) record(method string, status int, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(method, status, time.Since(start))
	}
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), types.CategoryOf(err) == types.CategoryTimeout:
		return types.NewError(types.ErrUpstreamTimeout, "http request timed out").WithCause(err)
	default:
		return types.NewError(types.ErrNetwork, "http request failed").WithCause(err)
	}
}
