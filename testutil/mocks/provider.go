// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、流式输出、按调用顺序脚本化错误与工具调用场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/llm"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	// 响应配置
	response     string
	streamChunks []string
	toolCalls    []llm.ToolCall
	err          error
	script       []error // 第 i 次调用返回 script[i]，nil 表示成功
	nativeTools  bool

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	// 行为控制
	delay     time.Duration
	callCount int
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		response:         "Mock response",
		nativeTools:      true,
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置每次调用都返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithErrorSequence 按调用顺序返回错误，序列耗尽后恢复正常响应
func (m *MockProvider) WithErrorSequence(errs ...error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = errs
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithToolCalls 设置工具调用响应
func (m *MockProvider) WithToolCalls(toolCalls []llm.ToolCall) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls = toolCalls
	return m
}

// WithNativeFunctionCalling 设置是否声明支持原生函数调用
func (m *MockProvider) WithNativeFunctionCalling(ok bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nativeTools = ok
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟，延迟期间响应 ctx 取消
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	return "mock"
}

// SupportsNativeFunctionCalling 返回是否支持原生函数调用
func (m *MockProvider) SupportsNativeFunctionCalling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nativeTools
}

// nextError 记录一次调用并返回本次应注入的错误
func (m *MockProvider) nextError() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.callCount
	m.callCount++
	if m.err != nil {
		return m.delay, m.err
	}
	if idx < len(m.script) {
		return m.delay, m.script[idx]
	}
	return m.delay, nil
}

func (m *MockProvider) record(call MockProviderCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	delay, injected := m.nextError()
	if err := wait(ctx, delay); err != nil {
		m.record(MockProviderCall{Request: req, Error: err})
		return nil, err
	}
	if injected != nil {
		m.record(MockProviderCall{Request: req, Error: injected})
		return nil, injected
	}

	m.mu.RLock()
	fn := m.completionFunc
	m.mu.RUnlock()
	if fn != nil {
		resp, err := fn(ctx, req)
		m.record(MockProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	resp := m.buildResponse(req)
	m.record(MockProviderCall{Request: req, Response: resp})
	return resp, nil
}

func (m *MockProvider) buildResponse(req *llm.ChatRequest) *llm.ChatResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	finish := llm.FinishReasonStop
	if len(m.toolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}
	return &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: finish,
			Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   m.response,
				ToolCalls: append([]llm.ToolCall(nil), m.toolCalls...),
			},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
}

// Stream 流式生成响应
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	delay, injected := m.nextError()
	if err := wait(ctx, delay); err != nil {
		m.record(MockProviderCall{Request: req, Error: err})
		return nil, err
	}
	if injected != nil {
		m.record(MockProviderCall{Request: req, Error: injected})
		return nil, injected
	}
	m.record(MockProviderCall{Request: req})

	m.mu.RLock()
	chunks := append([]string(nil), m.streamChunks...)
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	m.mu.RUnlock()

	// 创建流式响应通道
	ch := make(chan llm.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for i, chunk := range chunks {
			finish := ""
			if i == len(chunks)-1 {
				finish = llm.FinishReasonStop
			}
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamChunk{
				ID:           "mock-chunk-id",
				Provider:     "mock",
				Model:        req.Model,
				Index:        i,
				Delta:        llm.Message{Role: llm.RoleAssistant, Content: chunk},
				FinishReason: finish,
			}:
			}
		}
	}()
	return ch, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall 获取最后一次调用
func (m *MockProvider) GetLastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset 重置所有状态
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
	m.script = nil
}

// --- 预设 Provider 工厂 ---

// NewSuccessProvider 创建总是成功的 Provider
func NewSuccessProvider(response string) *MockProvider {
	return NewMockProvider().WithResponse(response)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewToolCallProvider 创建返回工具调用的 Provider
func NewToolCallProvider(toolCalls []llm.ToolCall) *MockProvider {
	return NewMockProvider().WithToolCalls(toolCalls)
}

// NewStreamProvider 创建流式响应的 Provider
func NewStreamProvider(chunks []string) *MockProvider {
	return NewMockProvider().WithStreamChunks(chunks)
}

// NewFlakeyProvider 创建前 failures 次调用失败、之后成功的 Provider
func NewFlakeyProvider(err error, failures int, response string) *MockProvider {
	errs := make([]error, failures)
	for i := range errs {
		errs[i] = err
	}
	return NewMockProvider().WithResponse(response).WithErrorSequence(errs...)
}
