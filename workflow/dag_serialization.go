package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/llm"
	"gopkg.in/yaml.v3"
)

// GraphDefinition is the file form of a workflow graph.
type GraphDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges       []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition is a flattened node. Only the fields of its Type apply.
// Durations use time.ParseDuration syntax ("1.5s", "200ms").
type NodeDefinition struct {
	ID      string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type    NodeType       `json:"type" yaml:"type"`
	Timeout string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// agent
	AgentID      string  `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Prompt       string  `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stream       bool    `json:"stream,omitempty" yaml:"stream,omitempty"`

	// condition / transform
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// delay
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// http_request
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// custom
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`

	// document_loader
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// EdgeDefinition references endpoints by node id or name.
type EdgeDefinition struct {
	From string   `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
	Kind EdgeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// ParseDefinitionYAML decodes a YAML definition.
func ParseDefinitionYAML(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	return &def, nil
}

// ParseDefinitionJSON decodes a JSON definition.
func ParseDefinitionJSON(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition, choosing the codec by extension.
func LoadDefinitionFile(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDefinitionYAML(data)
	case ".json":
		return ParseDefinitionJSON(data)
	default:
		return nil, fmt.Errorf("unsupported definition file extension: %q", filepath.Ext(path))
	}
}

// Build converts the definition into a validated Graph.
func (d *GraphDefinition) Build() (*Graph, error) {
	g := NewGraph(d.Name)
	g.SetDescription(d.Description)
	for k, v := range d.Metadata {
		g.SetMetadata(k, v)
	}

	for i, nd := range d.Nodes {
		node, err := nd.toNode()
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, nd.label(), err)
		}
		if err := g.AddNode(node); err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, nd.label(), err)
		}
	}
	for _, ed := range d.Edges {
		from, ok := g.Lookup(ed.From)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ed.From)
		}
		to, ok := g.Lookup(ed.To)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ed.To)
		}
		if err := g.AddEdge(from.ID, to.ID, ed.Kind); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (nd NodeDefinition) label() string {
	if nd.Name != "" {
		return nd.Name
	}
	return nd.ID
}

func (nd NodeDefinition) toNode() (*Node, error) {
	timeout, err := parseDuration(nd.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: timeout: %v", ErrInvalidNode, err)
	}

	var kind NodeKind
	switch nd.Type {
	case NodeTypeAgent:
		kind = AgentNode{
			AgentID:      nd.AgentID,
			Prompt:       nd.Prompt,
			SystemPrompt: nd.SystemPrompt,
			Model:        nd.Model,
			Temperature:  nd.Temperature,
			MaxTokens:    nd.MaxTokens,
			Stream:       nd.Stream,
		}
	case NodeTypeCondition:
		kind = ConditionNode{Expression: nd.Expression}
	case NodeTypeTransform:
		kind = TransformNode{Expression: nd.Expression}
	case NodeTypeSplit:
		kind = SplitNode{}
	case NodeTypeJoin:
		kind = JoinNode{}
	case NodeTypeDelay:
		d, err := parseDuration(nd.Duration)
		if err != nil {
			return nil, fmt.Errorf("%w: duration: %v", ErrInvalidNode, err)
		}
		kind = DelayNode{Duration: d}
	case NodeTypeHTTPRequest:
		kind = HTTPRequestNode{Method: nd.Method, URL: nd.URL, Headers: nd.Headers, Body: nd.Body}
	case NodeTypeCustom:
		kind = CustomNode{Handler: nd.Handler}
	case NodeTypeDocumentLoader:
		kind = DocumentLoaderNode{Source: nd.Source, Format: nd.Format}
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidNode, nd.Type)
	}

	return &Node{
		ID:      NodeID(nd.ID),
		Name:    nd.Name,
		Kind:    kind,
		Config:  nd.Config,
		Timeout: timeout,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// DefinitionFromGraph converts a graph back into its file form. Edges
// reference node ids.
func DefinitionFromGraph(g *Graph) *GraphDefinition {
	def := &GraphDefinition{
		Name:        g.Name(),
		Description: g.Description(),
		Metadata:    g.Metadata(),
	}
	if len(def.Metadata) == 0 {
		def.Metadata = nil
	}

	for _, n := range g.Nodes() {
		nd := NodeDefinition{
			ID:      string(n.ID),
			Name:    n.Name,
			Type:    n.Type(),
			Timeout: formatDuration(n.Timeout),
			Config:  n.Config,
		}
		switch k := n.Kind.(type) {
		case AgentNode:
			nd.AgentID, nd.Prompt, nd.SystemPrompt = k.AgentID, k.Prompt, k.SystemPrompt
			nd.Model, nd.Temperature, nd.MaxTokens, nd.Stream = k.Model, k.Temperature, k.MaxTokens, k.Stream
		case ConditionNode:
			nd.Expression = k.Expression
		case TransformNode:
			nd.Expression = k.Expression
		case DelayNode:
			nd.Duration = formatDuration(k.Duration)
		case HTTPRequestNode:
			nd.Method, nd.URL, nd.Headers, nd.Body = k.Method, k.URL, k.Headers, k.Body
		case CustomNode:
			nd.Handler = k.Handler
		case DocumentLoaderNode:
			nd.Source, nd.Format = k.Source, k.Format
		}
		def.Nodes = append(def.Nodes, nd)
	}

	for _, e := range g.Edges() {
		def.Edges = append(def.Edges, EdgeDefinition{From: string(e.From), To: string(e.To), Kind: e.Kind})
	}
	return def
}

// ToJSON converts a GraphDefinition to an indented JSON string
func (d *GraphDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a GraphDefinition to a YAML string
func (d *GraphDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// SaveToFile writes the definition, choosing the codec by extension.
func (d *GraphDefinition) SaveToFile(path string) error {
	var (
		out string
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		out, err = d.ToYAML()
	case ".json":
		out, err = d.ToJSON()
	default:
		return fmt.Errorf("unsupported definition file extension: %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// toolsFromConfig decodes tool schemas attached under ConfigKeyTools. Values
// may already be []llm.ToolSchema (builder) or generic maps (decoded files).
func toolsFromConfig(cfg map[string]any) ([]llm.ToolSchema, error) {
	raw, ok := cfg[ConfigKeyTools]
	if !ok || raw == nil {
		return nil, nil
	}
	if tools, ok := raw.([]llm.ToolSchema); ok {
		return tools, nil
	}
	data, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	var tools []llm.ToolSchema
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return tools, nil
}

// normalizeYAML rewrites map[any]any into map[string]any so values decoded
// by older YAML paths can be JSON-encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
