package llm

import (
	"context"
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Finish reasons reported by providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult carries the caller-executed result of a tool call back into a
// re-driven agent node.
type ToolResult struct {
	Call    ToolCall `json:"call"`
	Content string   `json:"content"`
	IsError bool     `json:"is_error,omitempty"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // 工具返回时标识对应调用
}

type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []ToolSchema      `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// FirstChoice returns the first choice, or false when the response is empty.
func (r *ChatResponse) FirstChoice() (ChatChoice, bool) {
	if r == nil || len(r.Choices) == 0 {
		return ChatChoice{}, false
	}
	return r.Choices[0], true
}

// RequiresToolCalls reports whether the provider asked the caller to run tools.
func (r *ChatResponse) RequiresToolCalls() bool {
	choice, ok := r.FirstChoice()
	if !ok {
		return false
	}
	return len(choice.Message.ToolCalls) > 0 || choice.FinishReason == FinishReasonToolCalls
}

type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          error      `json:"-"`
}

// Provider 定义了统一的 LLM 适配接口。
// 工具调用通过 ChatRequest.Tools 参数传递，LLM 在响应中返回 ToolCalls，
// 引擎本身不执行工具，由调用方执行后重新驱动工作流。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string

	// SupportsNativeFunctionCalling 返回是否支持原生 Function Calling。
	// 当 Tools 非空且返回 false 时，引擎会丢弃工具定义并记录告警。
	SupportsNativeFunctionCalling() bool
}

// CollectStream drains a stream into a single response, invoking onChunk for
// every delta. The first chunk error aborts collection.
func CollectStream(ctx context.Context, ch <-chan StreamChunk, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp := &ChatResponse{CreatedAt: time.Now()}
	var msg Message
	msg.Role = RoleAssistant
	finish := ""

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				resp.Choices = []ChatChoice{{Index: 0, FinishReason: finish, Message: msg}}
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if resp.ID == "" {
				resp.ID = chunk.ID
			}
			if chunk.Provider != "" {
				resp.Provider = chunk.Provider
			}
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			msg.Content += chunk.Delta.Content
			msg.ToolCalls = append(msg.ToolCalls, chunk.Delta.ToolCalls...)
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
}
