package workflow

import (
	"fmt"
	"maps"
)

// EdgeKind distinguishes plain data flow from condition-gated flow.
type EdgeKind string

const (
	// EdgeData makes To depend on From.
	EdgeData EdgeKind = "data"
	// EdgeConditional additionally skips To when From (a condition node)
	// evaluates to false.
	EdgeConditional EdgeKind = "conditional"
)

// Edge is a directed dependency between two nodes.
type Edge struct {
	From NodeID   `json:"from" yaml:"from"`
	To   NodeID   `json:"to" yaml:"to"`
	Kind EdgeKind `json:"kind" yaml:"kind"`
}

// Graph is the workflow structure. It is append-only during construction
// and must not be mutated while a run is executing it.
type Graph struct {
	name        string
	description string

	nodes map[NodeID]*Node
	order []NodeID
	edges []Edge

	// in/out hold edge indexes in insertion order.
	in  map[NodeID][]int
	out map[NodeID][]int

	agentIDs map[string]NodeID
	metadata map[string]any
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[NodeID]*Node),
		in:       make(map[NodeID][]int),
		out:      make(map[NodeID][]int),
		agentIDs: make(map[string]NodeID),
		metadata: make(map[string]any),
	}
}

func (g *Graph) Name() string        { return g.name }
func (g *Graph) Description() string { return g.description }

// SetDescription sets the workflow description.
func (g *Graph) SetDescription(desc string) { g.description = desc }

// SetMetadata sets a metadata value.
func (g *Graph) SetMetadata(key string, value any) { g.metadata[key] = value }

// Metadata returns a copy of the graph metadata.
func (g *Graph) Metadata() map[string]any { return maps.Clone(g.metadata) }

// AddNode adds a node. An empty id is derived from the name, or generated
// when the node is unnamed.
func (g *Graph) AddNode(node *Node) error {
	if node == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	if node.Kind != nil && isPointerKind(node.Kind) {
		return fmt.Errorf("%w: kind %T must be a value, not a pointer", ErrInvalidNode, node.Kind)
	}
	if node.ID == "" {
		if node.Name != "" {
			node.ID = NodeIDFromName(node.Name)
		} else {
			node.ID = NewNodeID()
		}
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, node.ID)
	}
	if agent, ok := node.Kind.(AgentNode); ok && agent.AgentID != "" {
		if owner, exists := g.agentIDs[agent.AgentID]; exists {
			return fmt.Errorf("%w: %s already used by node %s", ErrDuplicateAgentID, agent.AgentID, owner)
		}
		g.agentIDs[agent.AgentID] = node.ID
	}
	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	return nil
}

// AddEdge adds a dependency edge. Both endpoints must already exist.
func (g *Graph) AddEdge(from, to NodeID, kind EdgeKind) error {
	if kind == "" {
		kind = EdgeData
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, to)
	}
	for _, idx := range g.out[from] {
		if g.edges[idx].To == to {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, from, to)
		}
	}
	idx := len(g.edges)
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
	g.out[from] = append(g.out[from], idx)
	g.in[to] = append(g.in[to], idx)
	return nil
}

// Validate checks referential integrity, per-node structure, name
// uniqueness and acyclicity.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}

	labels := make(map[string]NodeID, len(g.nodes))
	for _, id := range g.order {
		labels[string(id)] = id
	}
	for _, id := range g.order {
		node := g.nodes[id]
		if err := node.validate(); err != nil {
			return err
		}
		if node.Name == "" || node.Name == string(id) {
			continue
		}
		// Outputs are keyed by both id and name, so a name may not shadow
		// another node's id or name.
		if other, exists := labels[node.Name]; exists && other != id {
			return fmt.Errorf("%w: %q used by %s and %s", ErrDuplicateName, node.Name, other, id)
		}
		labels[node.Name] = id
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEndpoint, e.To)
		}
		if e.Kind == EdgeConditional {
			if _, ok := g.nodes[e.From].Kind.(ConditionNode); !ok {
				return fmt.Errorf("%w: conditional edge %s -> %s must start at a condition node",
					ErrInvalidNode, e.From, e.To)
			}
		}
	}

	if path := g.findCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// HasCycles reports whether any cycle exists.
func (g *Graph) HasCycles() bool {
	return g.findCycle() != nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs an iterative DFS with recursion-stack coloring. It returns
// the first cycle found, closed on its starting node, or nil.
func (g *Graph) findCycle() []NodeID {
	color := make(map[NodeID]int, len(g.nodes))
	type frame struct {
		id   NodeID
		next int
	}

	for _, root := range g.order {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			outs := g.out[top.id]
			if top.next >= len(outs) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := g.edges[outs[top.next]].To
			top.next++

			switch color[child] {
			case white:
				color[child] = gray
				stack = append(stack, frame{id: child})
			case gray:
				var path []NodeID
				for i := range stack {
					if stack[i].id == child {
						for _, f := range stack[i:] {
							path = append(path, f.id)
						}
						break
					}
				}
				return append(path, child)
			}
		}
	}
	return nil
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Lookup resolves a reference that is either a node id or a node name.
func (g *Graph) Lookup(ref string) (*Node, bool) {
	if n, ok := g.nodes[NodeID(ref)]; ok {
		return n, true
	}
	for _, id := range g.order {
		if g.nodes[id].Name == ref {
			return g.nodes[id], true
		}
	}
	return nil, false
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// IncomingEdges returns the edges ending at id in insertion order.
func (g *Graph) IncomingEdges(id NodeID) []Edge {
	out := make([]Edge, 0, len(g.in[id]))
	for _, idx := range g.in[id] {
		out = append(out, g.edges[idx])
	}
	return out
}

// Dependencies returns the direct parents of id in edge-insertion order.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	out := make([]NodeID, 0, len(g.in[id]))
	for _, idx := range g.in[id] {
		out = append(out, g.edges[idx].From)
	}
	return out
}

// Dependents returns the direct children of id in edge-insertion order.
func (g *Graph) Dependents(id NodeID) []NodeID {
	out := make([]NodeID, 0, len(g.out[id]))
	for _, idx := range g.out[id] {
		out = append(out, g.edges[idx].To)
	}
	return out
}

// Layers groups nodes into topological layers (Kahn's algorithm). Every node
// in layer N depends only on nodes in layers < N; nodes keep insertion order
// within a layer.
func (g *Graph) Layers() ([][]NodeID, error) {
	indegree := make(map[NodeID]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.in[id])
	}

	var current []NodeID
	for _, id := range g.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	var layers [][]NodeID
	placed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		placed += len(current)

		ready := make(map[NodeID]bool)
		for _, id := range current {
			for _, child := range g.Dependents(id) {
				indegree[child]--
				if indegree[child] == 0 {
					ready[child] = true
				}
			}
		}
		var next []NodeID
		for _, id := range g.order {
			if ready[id] {
				next = append(next, id)
			}
		}
		current = next
	}

	if placed != len(g.nodes) {
		if path := g.findCycle(); path != nil {
			return nil, &CycleError{Path: path}
		}
		return nil, ErrCycleDetected
	}
	return layers, nil
}
