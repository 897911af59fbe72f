package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/internal/tlsutil"
	"github.com/BaSui01/dagflow/llm"
	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName identifies the provider in errors and metrics.
	ProviderName string
	APIKey       string
	// BaseURL is the API root, e.g. "https://api.openai.com".
	BaseURL string
	// DefaultModel is used when the request names no model.
	DefaultModel string
	// Timeout bounds a whole HTTP exchange; 0 leaves it to the caller's ctx.
	Timeout time.Duration
	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string
	// BuildHeaders replaces the default bearer-token headers.
	BuildHeaders func(req *http.Request, apiKey string)
	// SupportsTools reports native function calling; nil means true.
	SupportsTools *bool
}

// Provider implements llm.Provider over the Chat Completions API.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a provider. A nil logger is replaced by a no-op logger.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	if c != nil {
		p.client = c
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

// SupportsNativeFunctionCalling reports whether tools are sent to the API.
func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.cfg.SupportsTools != nil {
		return *p.cfg.SupportsTools
	}
	return true
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.cfg.BuildHeaders != nil {
		p.cfg.BuildHeaders(req, p.cfg.APIKey)
		return
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.EndpointPath
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	body := chatRequest{
		Model:       model,
		Messages:    toWireMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if len(req.Tools) > 0 && p.SupportsNativeFunctionCalling() {
		body.Tools = toWireTools(req.Tools)
		body.ToolChoice = toolChoice(req.ToolChoice)
	}
	return body
}

// do sends the request and returns the response of a 2xx exchange. Other
// statuses are classified and the body is closed.
func (p *Provider) do(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Response, error) {
	if req == nil {
		return nil, llm.NewProviderError(p.Name(), types.ErrInvalidNode, "nil chat request")
	}
	payload, err := json.Marshal(p.buildBody(req, stream))
	if err != nil {
		return nil, llm.NewProviderError(p.Name(), types.ErrInvalidNode, "marshal request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(p.Name(), types.ErrInvalidNode, "build request").WithCause(err)
	}
	p.buildHeaders(httpReq)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		p.logger.Debug("provider returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
		)
		return nil, llm.NewHTTPError(p.Name(), resp.StatusCode, msg)
	}
	return resp, nil
}

func (p *Provider) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return llm.NewProviderError(p.Name(), types.ErrUpstreamTimeout, "request timed out").WithCause(err)
	}
	if types.CategoryOf(err) == types.CategoryTimeout {
		return llm.NewProviderError(p.Name(), types.ErrUpstreamTimeout, "request timed out").WithCause(err)
	}
	return llm.NewProviderError(p.Name(), types.ErrNetwork, "request failed").WithCause(err)
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		if ctx.Err() != nil {
			return nil, p.transportError(ctx, err)
		}
		return nil, llm.NewProviderError(p.Name(), types.ErrUpstreamError, "decode response").WithCause(err)
	}
	out := toChatResponse(wr, p.Name())
	if wr.Created != 0 {
		out.CreatedAt = time.Unix(wr.Created, 0)
	} else {
		out.CreatedAt = time.Now()
	}
	return out, nil
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// StreamSSE parses a Chat Completions SSE body. Content deltas are forwarded
// as they arrive; tool call fragments are assembled by index and emitted
// whole on the chunk carrying the finish reason.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		send := func(chunk llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}
		fail := func(msg string, err error) {
			send(llm.StreamChunk{Err: llm.NewProviderError(providerName, types.ErrNetwork, "%s", msg).WithCause(err)})
		}

		calls := newToolCallAssembler()
		flushCalls := func() {
			if pending := calls.flush(); len(pending) > 0 {
				send(llm.StreamChunk{
					Provider:     providerName,
					FinishReason: llm.FinishReasonToolCalls,
					Delta:        llm.Message{Role: llm.RoleAssistant, ToolCalls: pending},
				})
			}
		}
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					fail("read stream", err)
				} else {
					flushCalls()
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				flushCalls()
				return
			}

			var wr chatResponse
			if err := json.Unmarshal([]byte(data), &wr); err != nil {
				send(llm.StreamChunk{Err: llm.NewProviderError(providerName, types.ErrUpstreamError, "decode stream chunk").WithCause(err)})
				return
			}

			for _, choice := range wr.Choices {
				chunk := llm.StreamChunk{
					ID:           wr.ID,
					Provider:     providerName,
					Model:        wr.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					calls.add(choice.Delta.ToolCalls)
				}
				if choice.FinishReason != "" {
					chunk.Delta.ToolCalls = calls.flush()
				}
				if chunk.Delta.Content == "" && len(chunk.Delta.ToolCalls) == 0 && chunk.FinishReason == "" {
					continue
				}
				if !send(chunk) {
					return
				}
			}
			if wr.Usage != nil {
				if !send(llm.StreamChunk{
					ID:       wr.ID,
					Provider: providerName,
					Model:    wr.Model,
					Usage: &llm.ChatUsage{
						PromptTokens:     wr.Usage.PromptTokens,
						CompletionTokens: wr.Usage.CompletionTokens,
						TotalTokens:      wr.Usage.TotalTokens,
					},
				}) {
					return
				}
			}
		}
	}()
	return ch
}

// toolCallAssembler joins streamed tool call fragments by index.
type toolCallAssembler struct {
	calls map[int]*llm.ToolCall
	args  map[int]*strings.Builder
	next  int
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{calls: make(map[int]*llm.ToolCall), args: make(map[int]*strings.Builder)}
}

func (a *toolCallAssembler) add(fragments []toolCall) {
	for _, f := range fragments {
		idx := a.next
		if f.Index != nil {
			idx = *f.Index
		} else {
			a.next++
		}
		call, ok := a.calls[idx]
		if !ok {
			call = &llm.ToolCall{}
			a.calls[idx] = call
			a.args[idx] = &strings.Builder{}
		}
		if f.ID != "" {
			call.ID = f.ID
		}
		if f.Function.Name != "" {
			call.Name = f.Function.Name
		}
		a.args[idx].WriteString(f.Function.Arguments)
	}
}

func (a *toolCallAssembler) flush() []llm.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]llm.ToolCall, 0, len(idxs))
	for _, idx := range idxs {
		call := *a.calls[idx]
		if args := a.args[idx].String(); args != "" {
			call.Arguments = json.RawMessage(args)
		}
		out = append(out, call)
	}
	a.calls = make(map[int]*llm.ToolCall)
	a.args = make(map[int]*strings.Builder)
	a.next = 0
	return out
}

var _ llm.Provider = (*Provider)(nil)
