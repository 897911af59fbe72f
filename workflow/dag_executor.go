package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/BaSui01/dagflow/llm"
	"github.com/BaSui01/dagflow/llm/circuitbreaker"
	"github.com/BaSui01/dagflow/llm/retry"
	"github.com/BaSui01/dagflow/llm/tokenizer"
	"github.com/BaSui01/dagflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/BaSui01/dagflow/workflow"

// ExecutorConfig is the typed engine configuration.
type ExecutorConfig struct {
	// FailFast aborts the run on the first node failure.
	FailFast bool
	// NodeTimeout bounds each attempt of nodes without their own timeout.
	NodeTimeout time.Duration
	// DefaultModel is used by agent nodes that name no model.
	DefaultModel   string
	Concurrency    pool.SlotManagerConfig
	Retry          *retry.RetryPolicy
	CircuitBreaker circuitbreaker.Config
	Preamble       PreambleConfig
}

// DefaultExecutorConfig returns the default engine configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		NodeTimeout:    5 * time.Minute,
		DefaultModel:   "gpt-4o",
		Concurrency:    pool.DefaultSlotManagerConfig(),
		Retry:          retry.DefaultRetryPolicy(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// StreamHandler receives streamed deltas of agent nodes.
type StreamHandler func(ctx context.Context, nodeID NodeID, chunk llm.StreamChunk)

// Executor runs validated graphs. It owns the slot manager and the per-agent
// breakers, so both outlive individual runs; Execute is safe for concurrent use.
type Executor struct {
	cfg         ExecutorConfig
	retryPolicy *retry.RetryPolicy
	slots       *pool.SlotManager
	breakers    *circuitbreaker.Registry

	provider       llm.Provider
	invokers       map[NodeType]Invoker
	handlers       map[string]Invoker
	evaluator      Evaluator
	streamHandler  StreamHandler
	breakerHandler CircuitBreakerEventHandler
	history        *ExecutionHistoryStore
	tokenizer      tokenizer.Tokenizer

	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithProvider sets the completion provider used by agent nodes.
func WithProvider(p llm.Provider) ExecutorOption {
	return func(e *Executor) { e.provider = p }
}

// WithInvoker registers the body for a node type (http_request, custom,
// document_loader).
func WithInvoker(t NodeType, inv Invoker) ExecutorOption {
	return func(e *Executor) { e.invokers[t] = inv }
}

// WithCustomHandler registers a named handler for custom nodes.
func WithCustomHandler(name string, inv Invoker) ExecutorOption {
	return func(e *Executor) { e.handlers[name] = inv }
}

// WithEvaluator sets the expression evaluator for condition and transform nodes.
func WithEvaluator(ev Evaluator) ExecutorOption {
	return func(e *Executor) { e.evaluator = ev }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithStreamHandler receives deltas from streaming agent nodes.
func WithStreamHandler(h StreamHandler) ExecutorOption {
	return func(e *Executor) { e.streamHandler = h }
}

// WithBreakerEventHandler observes circuit breaker transitions.
func WithBreakerEventHandler(h CircuitBreakerEventHandler) ExecutorOption {
	return func(e *Executor) { e.breakerHandler = h }
}

// WithHistoryStore saves every run's history into store.
func WithHistoryStore(store *ExecutionHistoryStore) ExecutorOption {
	return func(e *Executor) { e.history = store }
}

// WithTokenizer overrides the tokenizer used for preamble budgets.
func WithTokenizer(t tokenizer.Tokenizer) ExecutorOption {
	return func(e *Executor) { e.tokenizer = t }
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:      cfg,
		invokers: make(map[NodeType]Invoker),
		handlers: make(map[string]Invoker),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "dag_executor"))
	e.retryPolicy = cfg.Retry.Normalize()
	e.slots = pool.NewSlotManager(cfg.Concurrency)
	e.breakers = newBreakerRegistry(cfg.CircuitBreaker, e.logger, e.metrics, e.breakerHandler)
	if _, ok := e.invokers[NodeTypeHTTPRequest]; !ok {
		e.invokers[NodeTypeHTTPRequest] = NewHTTPInvoker(nil, e.metrics)
	}
	return e
}

// Slots exposes the concurrency manager, e.g. for reconfiguration or stats.
func (e *Executor) Slots() *pool.SlotManager { return e.slots }

// BreakerStates snapshots the per-agent breaker states.
func (e *Executor) BreakerStates() map[string]circuitbreaker.State { return e.breakers.States() }

// Breaker returns the breaker guarding agentID.
func (e *Executor) Breaker(agentID string) circuitbreaker.CircuitBreaker {
	return e.breakers.Get(agentID)
}

// RunState is the terminal state of a run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// RunResult is everything a caller learns about a run.
type RunResult struct {
	RunID    string
	State    RunState
	Err      error
	Context  *ExecutionContext
	Layers   [][]NodeID
	History  *ExecutionHistory
	Duration time.Duration
}

// PendingToolCalls returns the agent outputs that asked for tool execution.
func (r *RunResult) PendingToolCalls() []ToolCallsRequired {
	if r.Context == nil {
		return nil
	}
	var out []ToolCallsRequired
	for _, layer := range r.Layers {
		for _, id := range layer {
			res, ok := r.Context.NodeResult(id)
			if !ok {
				continue
			}
			if tc, ok := res.Output.(ToolCallsRequired); ok {
				out = append(out, tc)
			}
		}
	}
	return out
}

type runOptions struct {
	runID       string
	input       map[string]any
	toolResults map[string][]llm.ToolResult
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithRunID pins the run id.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithInput sets the run input. Root nodes receive it as their inputs and
// every entry is also exposed as a variable.
func WithInput(input map[string]any) RunOption {
	return func(o *runOptions) { o.input = input }
}

// WithToolResults resumes an agent node (by id or name) that previously
// returned ToolCallsRequired.
func WithToolResults(nodeKey string, results []llm.ToolResult) RunOption {
	return func(o *runOptions) { o.toolResults[nodeKey] = results }
}

// Execute runs g. The returned error is non-nil only for a nil graph; every
// other outcome, including validation failure, is reported in RunResult.
func (e *Executor) Execute(ctx context.Context, g *Graph, opts ...RunOption) (*RunResult, error) {
	if g == nil {
		return nil, ErrNilGraph
	}

	ro := runOptions{toolResults: make(map[string][]llm.ToolResult)}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}

	ec := NewExecutionContext(ro.runID, ro.input)
	history := NewExecutionHistory(ro.runID, g.Name())
	result := &RunResult{
		RunID:   ro.runID,
		State:   RunStatePending,
		Context: ec,
		History: history,
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", g.Name()),
		attribute.String("workflow.run_id", ro.runID),
		attribute.Int("workflow.nodes", g.NodeCount()),
	))
	defer span.End()
	ctx = types.WithRunID(ctx, ro.runID)

	logger := e.logger.With(zap.String("run_id", ro.runID), zap.String("workflow", g.Name()))
	start := time.Now()

	layers, err := validateAndLayer(g)
	if err != nil {
		result.State = RunStateFailed
		result.Err = types.NewError(types.ErrInvalidGraph, "graph validation failed").WithCause(err)
		logger.Error("workflow validation failed", zap.Error(err))
		e.finish(span, result, start)
		return result, nil
	}
	result.Layers = layers
	result.State = RunStateRunning

	logger.Info("workflow run started",
		zap.Int("nodes", g.NodeCount()),
		zap.Int("layers", len(layers)),
		zap.Bool("fail_fast", e.cfg.FailFast),
	)

	r := &run{
		e:       e,
		g:       g,
		ec:      ec,
		history: history,
		opts:    ro,
		logger:  logger,
		tk:      preambleTokenizer(e.cfg.Preamble, e.tokenizer),
	}

	var firstErr error
	for i, layer := range layers {
		if ctx.Err() != nil {
			break
		}
		layerErr := r.executeLayer(ctx, i, layer)
		if layerErr != nil && firstErr == nil {
			firstErr = layerErr
		}
		if layerErr != nil && e.cfg.FailFast {
			logger.Warn("fail-fast triggered, aborting run", zap.Int("layer", i), zap.Error(layerErr))
			break
		}
	}
	r.cancelRemaining(ctx)

	switch {
	case ctx.Err() != nil:
		result.State = RunStateCancelled
		result.Err = types.NewError(types.ErrCancelled, "workflow run cancelled").WithCause(ctx.Err())
	case firstErr != nil && (e.cfg.FailFast || r.layerFailed(layers[len(layers)-1])):
		result.State = RunStateFailed
		result.Err = firstErr
	default:
		result.State = RunStateCompleted
	}

	e.finish(span, result, start)
	md := ec.Metadata()
	logger.Info("workflow run finished",
		zap.String("state", string(result.State)),
		zap.Duration("duration", result.Duration),
		zap.Int("succeeded", md.Succeeded),
		zap.Int("failed", md.Failed),
		zap.Int("skipped", md.Skipped),
		zap.Int("cancelled", md.Cancelled),
	)
	return result, nil
}

func validateAndLayer(g *Graph) ([][]NodeID, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g.Layers()
}

func (e *Executor) finish(span trace.Span, result *RunResult, start time.Time) {
	result.Duration = time.Since(start)
	result.Context.finish()

	var status ExecutionStatus
	switch result.State {
	case RunStateCompleted:
		status = ExecutionStatusCompleted
		span.SetStatus(codes.Ok, "")
	case RunStateCancelled:
		status = ExecutionStatusCancelled
		span.SetStatus(codes.Error, "cancelled")
	default:
		status = ExecutionStatusFailed
		span.SetStatus(codes.Error, "failed")
	}
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	span.SetAttributes(attribute.String("workflow.state", string(result.State)))

	result.History.Complete(status, result.Err)
	if e.history != nil {
		e.history.Save(result.History)
	}
	if e.metrics != nil {
		e.metrics.RecordRun(string(result.State), result.Duration)
	}
}

// run holds the state of one Execute call.
type run struct {
	e       *Executor
	g       *Graph
	ec      *ExecutionContext
	history *ExecutionHistory
	opts    runOptions
	logger  *zap.Logger
	tk      tokenizer.Tokenizer
}

// executeLayer runs every node of a layer concurrently and waits for all of
// them. Under fail-fast the first failure cancels its siblings. It returns
// the first failure of the layer.
func (r *run) executeLayer(ctx context.Context, idx int, layer []NodeID) error {
	ctx, span := r.e.tracer.Start(ctx, "workflow.layer", trace.WithAttributes(
		attribute.Int("workflow.layer", idx),
		attribute.Int("workflow.layer_size", len(layer)),
	))
	defer span.End()

	r.logger.Debug("executing layer", zap.Int("layer", idx), zap.Int("size", len(layer)))

	var (
		eg   *errgroup.Group
		gctx = ctx
	)
	if r.e.cfg.FailFast {
		eg, gctx = errgroup.WithContext(ctx)
	} else {
		eg = &errgroup.Group{}
	}

	var (
		mu    sync.Mutex
		first error
	)
	for _, id := range layer {
		node, _ := r.g.Node(id)
		eg.Go(func() error {
			res := r.runNode(gctx, node)
			if res.State != NodeStateFailed {
				return nil
			}
			mu.Lock()
			if first == nil {
				first = res.Err
			}
			mu.Unlock()
			return res.Err
		})
	}
	_ = eg.Wait()
	return first
}

// cancelRemaining marks every node without a terminal result as cancelled.
func (r *run) cancelRemaining(ctx context.Context) {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	for _, node := range r.g.Nodes() {
		if r.ec.State(node.ID).Terminal() {
			continue
		}
		err := types.NewError(types.ErrCancelled, "node not started").WithCause(cause).WithNode(string(node.ID))
		r.record(node, NodeResult{State: NodeStateCancelled, Err: err}, nil)
		r.history.RecordNodeOutcome(node, ExecutionStatusCancelled, err)
	}
}

func (r *run) layerFailed(layer []NodeID) bool {
	for _, id := range layer {
		if r.ec.State(id) == NodeStateFailed {
			return true
		}
	}
	return false
}

// record stores a node's terminal result and emits its metric.
func (r *run) record(node *Node, res NodeResult, output any) {
	res.NodeID = node.ID
	res.Name = node.Name
	res.Type = node.Type()
	if res.State == NodeStateSucceeded {
		res.Output = output
		r.ec.RecordOutput(node.ID, node.Name, output)
	}
	r.ec.RecordNodeResult(res)
	if r.e.metrics != nil {
		r.e.metrics.RecordNode(node.Category(), string(res.State), res.Duration)
	}
}

// nodeFailure attaches the node id to err, keeping its category and
// retryability for inspection. A *types.Error from a collaborator may be
// shared between nodes, so it is copied rather than annotated in place.
func nodeFailure(node *Node, err error) error {
	if te, ok := err.(*types.Error); ok {
		cp := *te
		if cp.NodeID == "" {
			cp.NodeID = string(node.ID)
		}
		return &cp
	}
	return types.NewError(types.ErrExecution, fmt.Sprintf("node %s failed", node.Label())).
		WithCause(err).
		WithNode(string(node.ID)).
		WithCategory(types.CategoryOf(err)).
		WithRetryable(types.IsRetryable(err))
}
