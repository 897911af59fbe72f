package workflow

import (
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/llm"
	"go.uber.org/zap"
)

// DAGBuilder provides a fluent API for constructing workflow graphs.
// Nodes and edges are collected first and materialized by Build, so edge
// references may name nodes declared later.
type DAGBuilder struct {
	name   string
	desc   string
	nodes  []*Node
	edges  []edgeRef
	logger *zap.Logger
}

type edgeRef struct {
	from, to string
	kind     EdgeKind
}

// NewDAGBuilder creates a new DAG builder with the given name
func NewDAGBuilder(name string) *DAGBuilder {
	return &DAGBuilder{
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithDescription sets the workflow description
func (b *DAGBuilder) WithDescription(desc string) *DAGBuilder {
	b.desc = desc
	return b
}

// WithLogger sets a custom logger
func (b *DAGBuilder) WithLogger(logger *zap.Logger) *DAGBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "dag_builder"))
	}
	return b
}

// AddNode declares a node and returns a NodeBuilder for configuration
func (b *DAGBuilder) AddNode(name string, kind NodeKind) *NodeBuilder {
	node := &Node{Name: name, Kind: kind}
	b.nodes = append(b.nodes, node)
	return &NodeBuilder{node: node, parent: b}
}

// Agent declares an agent node.
func (b *DAGBuilder) Agent(name, agentID, prompt string) *DAGBuilder {
	return b.AddNode(name, AgentNode{AgentID: agentID, Prompt: prompt}).Done()
}

// Condition declares a condition node.
func (b *DAGBuilder) Condition(name, expression string) *DAGBuilder {
	return b.AddNode(name, ConditionNode{Expression: expression}).Done()
}

// Transform declares a transform node.
func (b *DAGBuilder) Transform(name, expression string) *DAGBuilder {
	return b.AddNode(name, TransformNode{Expression: expression}).Done()
}

// Delay declares a delay node.
func (b *DAGBuilder) Delay(name string, d time.Duration) *DAGBuilder {
	return b.AddNode(name, DelayNode{Duration: d}).Done()
}

// Join declares a join node.
func (b *DAGBuilder) Join(name string) *DAGBuilder {
	return b.AddNode(name, JoinNode{}).Done()
}

// Edge adds a data edge. Endpoints are node names or ids.
func (b *DAGBuilder) Edge(from, to string) *DAGBuilder {
	b.edges = append(b.edges, edgeRef{from: from, to: to, kind: EdgeData})
	return b
}

// ConditionalEdge adds an edge gated by the condition node from.
func (b *DAGBuilder) ConditionalEdge(from, to string) *DAGBuilder {
	b.edges = append(b.edges, edgeRef{from: from, to: to, kind: EdgeConditional})
	return b
}

// Chain adds data edges between consecutive refs.
func (b *DAGBuilder) Chain(refs ...string) *DAGBuilder {
	for i := 1; i < len(refs); i++ {
		b.Edge(refs[i-1], refs[i])
	}
	return b
}

// Build materializes and validates the graph, returning the first error hit.
func (b *DAGBuilder) Build() (*Graph, error) {
	g := NewGraph(b.name)
	g.SetDescription(b.desc)
	for _, n := range b.nodes {
		if err := g.AddNode(n); err != nil {
			return nil, fmt.Errorf("add node %q: %w", n.Label(), err)
		}
	}
	for _, e := range b.edges {
		from, ok := g.Lookup(e.from)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.from)
		}
		to, ok := g.Lookup(e.to)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.to)
		}
		if err := g.AddEdge(from.ID, to.ID, e.kind); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("DAG validation failed: %w", err)
	}

	b.logger.Debug("DAG workflow built",
		zap.String("name", b.name),
		zap.Int("nodes", g.NodeCount()),
		zap.Int("edges", len(b.edges)),
	)
	return g, nil
}

// NodeBuilder provides a fluent API for configuring individual nodes
type NodeBuilder struct {
	node   *Node
	parent *DAGBuilder
}

// WithID pins the node id instead of deriving it from the name
func (nb *NodeBuilder) WithID(id NodeID) *NodeBuilder {
	nb.node.ID = id
	return nb
}

// WithTimeout sets the per-attempt timeout
func (nb *NodeBuilder) WithTimeout(d time.Duration) *NodeBuilder {
	nb.node.Timeout = d
	return nb
}

// WithConfig sets a free-form config value
func (nb *NodeBuilder) WithConfig(key string, value any) *NodeBuilder {
	if nb.node.Config == nil {
		nb.node.Config = make(map[string]any)
	}
	nb.node.Config[key] = value
	return nb
}

// WithTools attaches tool schemas to an agent node
func (nb *NodeBuilder) WithTools(tools ...llm.ToolSchema) *NodeBuilder {
	return nb.WithConfig(ConfigKeyTools, tools)
}

// Done completes node configuration and returns to the DAGBuilder
func (nb *NodeBuilder) Done() *DAGBuilder {
	return nb.parent
}
