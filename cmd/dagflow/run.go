package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/server"
	"github.com/BaSui01/dagflow/internal/telemetry"
	"github.com/BaSui01/dagflow/llm"
	"github.com/BaSui01/dagflow/llm/providers/openaicompat"
	"github.com/BaSui01/dagflow/workflow"
)

// runFlags 是 run 子命令解析后的参数
type runFlags struct {
	configPath   string
	workflowPath string
	input        string
	toolResults  string
	runID        string
	output       string
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &runFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.workflowPath, "workflow", "", "Workflow definition file")
	fs.StringVar(&f.input, "input", "", "Run input as JSON object or @file")
	fs.StringVar(&f.toolResults, "tool-results", "", "Tool results as JSON object or @file")
	fs.StringVar(&f.runID, "run-id", "", "Pin the run id")
	fs.StringVar(&f.output, "output", "json", "Report format: json or yaml")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.workflowPath == "" {
		return nil, errors.New("--workflow is required")
	}
	if f.output != "json" && f.output != "yaml" {
		return nil, fmt.Errorf("unsupported output format %q", f.output)
	}
	return f, nil
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	logger := config.NewLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := execute(ctx, cfg, f, logger)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	if err := writeReport(stdout, buildReport(result), f.output); err != nil {
		fmt.Fprintf(stderr, "run: write report: %v\n", err)
		return 1
	}
	if result.State != workflow.RunStateCompleted {
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// execute 加载定义并在已配置的执行器上运行一次
func execute(ctx context.Context, cfg *config.Config, f *runFlags, logger *zap.Logger) (*workflow.RunResult, error) {
	def, err := workflow.LoadDefinitionFile(f.workflowPath)
	if err != nil {
		return nil, err
	}
	g, err := def.Build()
	if err != nil {
		return nil, err
	}

	input, err := parseInput(f.input)
	if err != nil {
		return nil, err
	}
	toolResults, err := parseToolResults(f.toolResults)
	if err != nil {
		return nil, err
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	opts := []workflow.ExecutorOption{
		workflow.WithLogger(logger),
		workflow.WithTracer(otelProviders.Tracer("dagflow")),
		workflow.WithProvider(newProvider(cfg.Provider, logger)),
		workflow.WithHistoryStore(workflow.NewExecutionHistoryStore()),
		workflow.WithInvoker(workflow.NodeTypeDocumentLoader, fileLoader),
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, workflow.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, logger)))
		if cfg.Metrics.Addr != "" {
			stopMetrics, err := startMetricsServer(cfg.Metrics.Addr, logger)
			if err != nil {
				return nil, err
			}
			defer stopMetrics()
		}
	}

	executor := workflow.NewExecutor(cfg.ExecutorConfig(), opts...)

	runOpts := []workflow.RunOption{workflow.WithInput(input)}
	if f.runID != "" {
		runOpts = append(runOpts, workflow.WithRunID(f.runID))
	}
	for key, results := range toolResults {
		runOpts = append(runOpts, workflow.WithToolResults(key, results))
	}

	logger.Info("starting workflow run",
		zap.String("workflow", g.Name()),
		zap.Int("nodes", g.NodeCount()),
	)
	return executor.Execute(ctx, g, runOpts...)
}

func newProvider(pc config.ProviderConfig, logger *zap.Logger) *openaicompat.Provider {
	supportsTools := pc.SupportsTools
	return openaicompat.New(openaicompat.Config{
		ProviderName:  pc.Name,
		APIKey:        pc.APIKey,
		BaseURL:       pc.BaseURL,
		Timeout:       pc.Timeout,
		SupportsTools: &supportsTools,
	}, logger)
}

// startMetricsServer 在 addr 上暴露 /metrics，返回关闭函数
func startMetricsServer(addr string, logger *zap.Logger) (func(), error) {
	serverConfig := server.DefaultConfig()
	serverConfig.Addr = addr

	m := server.NewManager(server.MetricsHandler(nil), serverConfig, logger)
	if err := m.Start(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info("Metrics server started", zap.String("addr", m.Addr()))

	return func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}, nil
}

// readArg 支持 @file 形式的参数
func readArg(s string) ([]byte, error) {
	if path, ok := strings.CutPrefix(s, "@"); ok {
		return os.ReadFile(path)
	}
	return []byte(s), nil
}

func parseInput(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	data, err := readArg(s)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func parseToolResults(s string) (map[string][]llm.ToolResult, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	data, err := readArg(s)
	if err != nil {
		return nil, fmt.Errorf("read tool results: %w", err)
	}
	var results map[string][]llm.ToolResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("tool results must map node keys to result lists: %w", err)
	}
	return results, nil
}

type nodeReport struct {
	ID       workflow.NodeID    `json:"id"`
	Name     string             `json:"name,omitempty"`
	Type     workflow.NodeType  `json:"type"`
	State    workflow.NodeState `json:"state"`
	Attempts int                `json:"attempts"`
	Duration string             `json:"duration"`
	Output   any                `json:"output,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type runReport struct {
	RunID            string                       `json:"run_id"`
	State            workflow.RunState            `json:"state"`
	Error            string                       `json:"error,omitempty"`
	Duration         string                       `json:"duration"`
	Layers           [][]workflow.NodeID          `json:"layers,omitempty"`
	Nodes            []nodeReport                 `json:"nodes,omitempty"`
	PendingToolCalls []workflow.ToolCallsRequired `json:"pending_tool_calls,omitempty"`
	Metadata         *workflow.RunMetadata        `json:"metadata,omitempty"`
}

// buildReport 按分层顺序汇总节点结果
func buildReport(result *workflow.RunResult) runReport {
	rep := runReport{
		RunID:            result.RunID,
		State:            result.State,
		Duration:         result.Duration.String(),
		Layers:           result.Layers,
		PendingToolCalls: result.PendingToolCalls(),
	}
	if result.Err != nil {
		rep.Error = result.Err.Error()
	}
	if result.Context == nil {
		return rep
	}

	md := result.Context.Metadata()
	rep.Metadata = &md
	for _, layer := range result.Layers {
		for _, id := range layer {
			res, ok := result.Context.NodeResult(id)
			if !ok {
				continue
			}
			nr := nodeReport{
				ID:       res.NodeID,
				Name:     res.Name,
				Type:     res.Type,
				State:    res.State,
				Attempts: res.Attempts,
				Duration: res.Duration.String(),
				Output:   res.Output,
				Error:    res.Error,
			}
			if nr.Error == "" && res.Err != nil {
				nr.Error = res.Err.Error()
			}
			rep.Nodes = append(rep.Nodes, nr)
		}
	}
	return rep
}

// writeReport 以 JSON 或 YAML 输出报告，YAML 复用 JSON 字段名
func writeReport(w io.Writer, rep runReport, format string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if format != "yaml" {
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	blockStyle(&doc)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// blockStyle 把 JSON 解析出的 flow 风格改写成块风格
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
