package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/llm"
	"github.com/BaSui01/dagflow/llm/retry"
	"github.com/BaSui01/dagflow/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ToolCallsRequired is the output of an agent node whose provider asked for
// tool execution. The engine does not run tools; the caller executes
// ToolCalls and re-drives the run with WithToolResults.
type ToolCallsRequired struct {
	Type      string         `json:"type"`
	NodeID    NodeID         `json:"node_id"`
	AgentID   string         `json:"agent_id"`
	ToolCalls []llm.ToolCall `json:"tool_calls"`
	Content   string         `json:"content,omitempty"`
}

const toolCallsRequiredType = "tool_calls_required"

// runNode drives one node to a terminal state.
func (r *run) runNode(ctx context.Context, node *Node) NodeResult {
	logger := r.logger.With(
		zap.String("node_id", string(node.ID)),
		zap.String("node_name", node.Name),
		zap.String("node_kind", string(node.Type())),
	)

	ctx, span := r.e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.node_id", string(node.ID)),
		attribute.String("workflow.node_name", node.Name),
		attribute.String("workflow.node_kind", string(node.Type())),
	))
	defer span.End()
	ctx = types.WithNodeID(ctx, string(node.ID))

	if state, err := r.gate(ctx, node); state != "" {
		res := NodeResult{State: state, Err: err}
		r.record(node, res, nil)
		r.history.RecordNodeOutcome(node, historyStatus(state), err)
		span.SetAttributes(attribute.String("workflow.node_state", string(state)))
		if state == NodeStateFailed {
			span.SetStatus(codes.Error, "dependency failed")
			logger.Error("node failed without executing", zap.Error(err))
		} else {
			logger.Debug("node not executed", zap.String("state", string(state)))
		}
		return NodeResult{NodeID: node.ID, State: state, Err: err}
	}

	start := time.Now()
	logger.Debug("node started")
	inputs := r.inputs(node)
	policy := r.e.retryPolicy

	var (
		output  any
		err     error
		attempt int
	)
	for {
		attempt++
		rec := r.history.RecordNodeStart(node, attempt)
		output, err = r.attempt(ctx, node, inputs)
		r.history.RecordNodeEnd(rec, output, err)
		if err == nil || ctx.Err() != nil {
			break
		}
		if !policy.ShouldRetry(err, attempt) {
			if attempt > 1 && policy.ShouldRetry(err, 0) {
				logger.Warn("node retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
			}
			break
		}

		delay := policy.CalculateDelay(attempt)
		category := types.CategoryOf(err)
		logger.Debug("retrying node",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		if r.e.metrics != nil {
			r.e.metrics.RecordRetry(node.Category(), string(category))
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		// 退避期间不持有槽位
		if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	res := NodeResult{Attempts: attempt, Start: start, End: time.Now()}
	res.Duration = res.End.Sub(start)
	switch {
	case err == nil:
		res.State = NodeStateSucceeded
		logger.Debug("node succeeded", zap.Int("attempts", attempt), zap.Duration("duration", res.Duration))
	case ctx.Err() != nil || types.IsCategory(err, types.CategoryCancelled):
		res.State = NodeStateCancelled
		res.Err = types.NewError(types.ErrCancelled, "node cancelled").WithCause(err).WithNode(string(node.ID))
		logger.Debug("node cancelled", zap.Error(err))
	default:
		res.State = NodeStateFailed
		res.Err = nodeFailure(node, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "node failed")
		logger.Error("node failed", zap.Int("attempts", attempt), zap.Error(err))
	}
	span.SetAttributes(
		attribute.String("workflow.node_state", string(res.State)),
		attribute.Int("workflow.node_attempts", attempt),
	)

	r.record(node, res, output)
	res.NodeID = node.ID
	res.Output = output
	return res
}

func historyStatus(s NodeState) ExecutionStatus {
	switch s {
	case NodeStateSkipped:
		return ExecutionStatusSkipped
	case NodeStateCancelled:
		return ExecutionStatusCancelled
	default:
		return ExecutionStatusFailed
	}
}

// gate decides whether node may run. It returns "" to run, or the terminal
// state to record without executing. A failed dependency fails the node; a
// closed conditional edge, or every dependency being skipped, skips it.
func (r *run) gate(ctx context.Context, node *Node) (NodeState, error) {
	if ctx.Err() != nil {
		return NodeStateCancelled, types.NewError(types.ErrCancelled, "node not started").
			WithCause(ctx.Err()).WithNode(string(node.ID))
	}

	edges := r.g.IncomingEdges(node.ID)
	skipped := 0
	var closed bool
	for _, edge := range edges {
		switch r.ec.State(edge.From) {
		case NodeStateFailed:
			parent, _ := r.g.Node(edge.From)
			return NodeStateFailed, types.NewError(types.ErrDependencyFailed,
				fmt.Sprintf("dependency %s failed", parent.Label())).WithNode(string(node.ID))
		case NodeStateCancelled:
			return NodeStateCancelled, types.NewError(types.ErrCancelled,
				fmt.Sprintf("dependency %s cancelled", edge.From)).WithNode(string(node.ID))
		case NodeStateSkipped:
			skipped++
		case NodeStateSucceeded:
			if edge.Kind == EdgeConditional {
				out, _ := r.ec.Output(string(edge.From))
				if pass, err := conditionValue(out); err == nil && !pass {
					closed = true
				}
			}
		}
	}
	if closed || (len(edges) > 0 && skipped == len(edges)) {
		return NodeStateSkipped, nil
	}
	return "", nil
}

// inputs maps each parent's label to its output. Root nodes get the run input.
func (r *run) inputs(node *Node) map[string]any {
	deps := r.g.Dependencies(node.ID)
	if len(deps) == 0 {
		return r.ec.Input()
	}
	in := make(map[string]any, len(deps))
	for _, id := range deps {
		v, err := r.ec.Output(string(id))
		if err != nil {
			continue
		}
		parent, _ := r.g.Node(id)
		in[parent.Label()] = v
	}
	return in
}

// attempt runs one attempt under a concurrency slot and the node timeout.
func (r *run) attempt(ctx context.Context, node *Node, inputs map[string]any) (any, error) {
	category := node.Category()
	if err := r.e.slots.Acquire(ctx, category); err != nil {
		return nil, err
	}
	defer r.e.slots.Release(category)
	if r.e.metrics != nil {
		r.e.metrics.RecordSlotStats(r.e.slots.Stats())
	}

	timeout := node.Timeout
	if timeout == 0 {
		timeout = r.e.cfg.NodeTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := r.dispatch(actx, node, inputs)
	if err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = types.NewError(types.ErrNodeTimeout, fmt.Sprintf("node exceeded timeout %s", timeout)).
			WithCause(err).WithNode(string(node.ID))
	}
	return out, err
}

// dispatch is the single switch over node variants.
func (r *run) dispatch(ctx context.Context, node *Node, inputs map[string]any) (any, error) {
	switch kind := node.Kind.(type) {
	case AgentNode:
		return r.runAgent(ctx, node, kind)
	case ConditionNode:
		v, err := r.evaluate(ctx, node, kind.Expression, inputs)
		if err != nil {
			return nil, err
		}
		pass, err := conditionValue(v)
		if err != nil {
			return nil, types.NewError(types.ErrExecution, "condition result").WithCause(err)
		}
		return pass, nil
	case TransformNode:
		return r.evaluate(ctx, node, kind.Expression, inputs)
	case SplitNode:
		return r.split(node, inputs), nil
	case JoinNode:
		return maps.Clone(inputs), nil
	case DelayNode:
		if err := retry.Sleep(ctx, kind.Duration); err != nil {
			return nil, err
		}
		return inputs, nil
	case HTTPRequestNode:
		resolved, err := r.resolveHTTP(kind)
		if err != nil {
			return nil, err
		}
		return r.invoke(ctx, node, r.e.invokers[NodeTypeHTTPRequest], resolved, inputs)
	case CustomNode:
		inv, ok := r.e.handlers[kind.Handler]
		if !ok {
			inv = r.e.invokers[NodeTypeCustom]
		}
		return r.invoke(ctx, node, inv, kind, inputs)
	case DocumentLoaderNode:
		src, err := r.resolve(kind.Source)
		if err != nil {
			return nil, err
		}
		kind.Source = src
		return r.invoke(ctx, node, r.e.invokers[NodeTypeDocumentLoader], kind, inputs)
	default:
		return nil, types.NewError(types.ErrInvalidNode, fmt.Sprintf("unsupported node kind %T", node.Kind))
	}
}

func (r *run) resolve(tmpl string) (string, error) {
	out, err := r.ec.ResolveTemplate(tmpl)
	if err != nil {
		return "", types.NewError(types.ErrExecution, "resolve template").WithCause(err)
	}
	return out, nil
}

func (r *run) resolveHTTP(kind HTTPRequestNode) (HTTPRequestNode, error) {
	var err error
	if kind.URL, err = r.resolve(kind.URL); err != nil {
		return kind, err
	}
	if kind.Body, err = r.resolve(kind.Body); err != nil {
		return kind, err
	}
	if len(kind.Headers) > 0 {
		headers := make(map[string]string, len(kind.Headers))
		for k, v := range kind.Headers {
			if headers[k], err = r.resolve(v); err != nil {
				return kind, err
			}
		}
		kind.Headers = headers
	}
	return kind, nil
}

func (r *run) invoke(ctx context.Context, node *Node, inv Invoker, kind NodeKind, inputs map[string]any) (any, error) {
	if inv == nil {
		return nil, types.NewError(types.ErrExecution,
			fmt.Sprintf("no invoker for %s node", node.Type())).WithCause(ErrNoInvoker)
	}
	return inv.Invoke(ctx, InvokeRequest{
		NodeID: node.ID,
		Name:   node.Name,
		Kind:   kind,
		Config: node.Config,
		Inputs: inputs,
	})
}

func (r *run) evaluate(ctx context.Context, node *Node, expr string, inputs map[string]any) (any, error) {
	if r.e.evaluator == nil {
		return nil, types.NewError(types.ErrExecution,
			fmt.Sprintf("cannot evaluate %s node", node.Type())).WithCause(ErrNoEvaluator)
	}
	return r.e.evaluator.Evaluate(ctx, expr, EvalInput{
		NodeID:    node.ID,
		Inputs:    inputs,
		Outputs:   r.ec.Outputs(),
		Variables: r.ec.Variables(),
	})
}

// split returns the single parent's list output as-is; otherwise the parent
// outputs in edge order.
func (r *run) split(node *Node, inputs map[string]any) []any {
	deps := r.g.Dependencies(node.ID)
	if len(deps) == 0 {
		return []any{inputs}
	}
	var values []any
	for _, id := range deps {
		if v, err := r.ec.Output(string(id)); err == nil {
			values = append(values, v)
		}
	}
	if len(values) == 1 {
		if list, ok := asList(values[0]); ok {
			return list
		}
	}
	return values
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// conditionValue accepts a bool or its string form.
func conditionValue(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("condition must evaluate to a bool, got %T", v)
}

// runAgent resolves the prompt, attaches the parent preamble and tools, and
// calls the provider through the agent's circuit breaker.
func (r *run) runAgent(ctx context.Context, node *Node, agent AgentNode) (any, error) {
	provider := r.e.provider
	if provider == nil {
		return nil, types.NewError(types.ErrExecution, "agent node needs a provider").WithCause(ErrNoProvider)
	}

	prompt, err := r.resolve(agent.Prompt)
	if err != nil {
		return nil, err
	}
	if !r.e.cfg.Preamble.Disabled {
		prompt = r.ec.buildParentPreamble(node.ID, r.g, r.tk, r.e.cfg.Preamble.MaxTokensPerParent) + prompt
	}

	var messages []llm.Message
	if agent.SystemPrompt != "" {
		system, err := r.resolve(agent.SystemPrompt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	messages = append(messages, r.toolResumeMessages(node)...)

	model := agent.Model
	if model == "" {
		model = r.e.cfg.DefaultModel
	}
	req := &llm.ChatRequest{
		TraceID:     r.ec.RunID(),
		Model:       model,
		Messages:    messages,
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
		Metadata: map[string]string{
			"run_id":   r.ec.RunID(),
			"node_id":  string(node.ID),
			"agent_id": agent.AgentID,
		},
	}

	tools, err := toolsFromConfig(node.Config)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidNode, "invalid tool schemas").WithCause(err)
	}
	if len(tools) > 0 {
		if provider.SupportsNativeFunctionCalling() {
			req.Tools = tools
			if choice, ok := node.Config[ConfigKeyToolChoice].(string); ok {
				req.ToolChoice = choice
			}
		} else {
			r.logger.Warn("provider does not support native function calling, dropping tools",
				zap.String("node_id", string(node.ID)),
				zap.String("provider", provider.Name()),
				zap.Int("tools", len(tools)),
			)
		}
	}

	var resp *llm.ChatResponse
	start := time.Now()
	err = r.e.breakers.Get(agent.AgentID).Call(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.complete(ctx, node.ID, req, agent.Stream)
		return callErr
	})
	r.recordLLM(provider.Name(), model, resp, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	if resp.RequiresToolCalls() {
		choice, _ := resp.FirstChoice()
		return ToolCallsRequired{
			Type:      toolCallsRequiredType,
			NodeID:    node.ID,
			AgentID:   agent.AgentID,
			ToolCalls: choice.Message.ToolCalls,
			Content:   choice.Message.Content,
		}, nil
	}
	choice, ok := resp.FirstChoice()
	if !ok {
		return nil, llm.NewProviderError(provider.Name(), types.ErrUpstreamError, "empty completion response")
	}
	return choice.Message.Content, nil
}

func (r *run) complete(ctx context.Context, id NodeID, req *llm.ChatRequest, stream bool) (*llm.ChatResponse, error) {
	if !stream {
		return r.e.provider.Completion(ctx, req)
	}
	ch, err := r.e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var onChunk func(llm.StreamChunk)
	if h := r.e.streamHandler; h != nil {
		onChunk = func(chunk llm.StreamChunk) { h(ctx, id, chunk) }
	}
	return llm.CollectStream(ctx, ch, onChunk)
}

// toolResumeMessages replays the assistant tool calls and their results when
// the caller resumes this node.
func (r *run) toolResumeMessages(node *Node) []llm.Message {
	results, ok := r.opts.toolResults[string(node.ID)]
	if !ok && node.Name != "" {
		results, ok = r.opts.toolResults[node.Name]
	}
	if !ok || len(results) == 0 {
		return nil
	}

	calls := make([]llm.ToolCall, len(results))
	for i, res := range results {
		calls[i] = res.Call
	}
	msgs := []llm.Message{{Role: llm.RoleAssistant, ToolCalls: calls}}
	for _, res := range results {
		content := res.Content
		if res.IsError && !strings.HasPrefix(content, "error:") {
			content = "error: " + content
		}
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Name:       res.Call.Name,
			Content:    content,
			ToolCallID: res.Call.ID,
		})
	}
	return msgs
}

func (r *run) recordLLM(provider, model string, resp *llm.ChatResponse, err error, d time.Duration) {
	if r.e.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	var prompt, completion int
	if resp != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	r.e.metrics.RecordLLMRequest(provider, model, status, d, prompt, completion)
}
