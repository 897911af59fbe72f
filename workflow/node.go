package workflow

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// NodeID is an opaque node identifier.
type NodeID string

func (id NodeID) String() string { return string(id) }

// nodeNamespace seeds deterministic name-derived ids.
var nodeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("dagflow:node"))

// NewNodeID returns a random node id.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// NodeIDFromName derives a stable id from a human-readable name, so the same
// workflow definition yields the same ids on every run.
func NodeIDFromName(name string) NodeID {
	return NodeID(uuid.NewSHA1(nodeNamespace, []byte(name)).String())
}

// NodeType names a node variant. It doubles as the concurrency category.
type NodeType string

const (
	NodeTypeAgent          NodeType = "agent"
	NodeTypeCondition      NodeType = "condition"
	NodeTypeTransform      NodeType = "transform"
	NodeTypeSplit          NodeType = "split"
	NodeTypeJoin           NodeType = "join"
	NodeTypeDelay          NodeType = "delay"
	NodeTypeHTTPRequest    NodeType = "http_request"
	NodeTypeCustom         NodeType = "custom"
	NodeTypeDocumentLoader NodeType = "document_loader"
)

// NodeKind is the closed set of node variants. Each variant carries only the
// fields its body needs; the executor dispatches on the concrete type.
type NodeKind interface {
	Type() NodeType
	validate() error
}

// AgentNode calls the completion provider with a templated prompt.
type AgentNode struct {
	AgentID      string
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  float32
	MaxTokens    int
	Stream       bool
}

func (AgentNode) Type() NodeType { return NodeTypeAgent }

func (n AgentNode) validate() error {
	if n.AgentID == "" {
		return fmt.Errorf("agent node requires an agent id")
	}
	if n.Prompt == "" {
		return fmt.Errorf("agent node requires a prompt template")
	}
	if n.MaxTokens < 0 {
		return fmt.Errorf("agent node max tokens must not be negative")
	}
	return nil
}

// ConditionNode evaluates Expression to a boolean through the Evaluator.
type ConditionNode struct {
	Expression string
}

func (ConditionNode) Type() NodeType { return NodeTypeCondition }

func (n ConditionNode) validate() error {
	if n.Expression == "" {
		return fmt.Errorf("condition node requires an expression")
	}
	return nil
}

// TransformNode evaluates Expression to an arbitrary value through the Evaluator.
type TransformNode struct {
	Expression string
}

func (TransformNode) Type() NodeType { return NodeTypeTransform }

func (n TransformNode) validate() error {
	if n.Expression == "" {
		return fmt.Errorf("transform node requires an expression")
	}
	return nil
}

// SplitNode fans a parent's list output out as its own output.
type SplitNode struct{}

func (SplitNode) Type() NodeType  { return NodeTypeSplit }
func (SplitNode) validate() error { return nil }

// JoinNode collects parent outputs into a map keyed by parent name.
type JoinNode struct{}

func (JoinNode) Type() NodeType  { return NodeTypeJoin }
func (JoinNode) validate() error { return nil }

// DelayNode sleeps, then passes its inputs through.
type DelayNode struct {
	Duration time.Duration
}

func (DelayNode) Type() NodeType { return NodeTypeDelay }

func (n DelayNode) validate() error {
	if n.Duration < 0 {
		return fmt.Errorf("delay node duration must not be negative")
	}
	return nil
}

// HTTPRequestNode issues an HTTP request. URL, Body and header values may
// contain templates.
type HTTPRequestNode struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

func (HTTPRequestNode) Type() NodeType { return NodeTypeHTTPRequest }

func (n HTTPRequestNode) validate() error {
	if n.URL == "" {
		return fmt.Errorf("http request node requires a url")
	}
	return nil
}

// CustomNode dispatches to a handler registered with the executor.
type CustomNode struct {
	Handler string
}

func (CustomNode) Type() NodeType { return NodeTypeCustom }

func (n CustomNode) validate() error {
	if n.Handler == "" {
		return fmt.Errorf("custom node requires a handler name")
	}
	return nil
}

// DocumentLoaderNode loads a document through a registered loader invoker.
type DocumentLoaderNode struct {
	Source string
	Format string
}

func (DocumentLoaderNode) Type() NodeType { return NodeTypeDocumentLoader }

func (n DocumentLoaderNode) validate() error {
	if n.Source == "" {
		return fmt.Errorf("document loader node requires a source")
	}
	return nil
}

// Config keys understood by the executor.
const (
	ConfigKeyTools      = "tools"
	ConfigKeyToolChoice = "tool_choice"
)

// Node is a single vertex of the workflow graph.
type Node struct {
	ID   NodeID
	Name string
	Kind NodeKind
	// Config carries node-specific extensions such as attached tool schemas.
	Config map[string]any
	// Timeout bounds a single attempt; 0 falls back to the executor default.
	Timeout time.Duration
}

// Type returns the variant type, or "" when Kind is unset.
func (n *Node) Type() NodeType {
	if n.Kind == nil {
		return ""
	}
	return n.Kind.Type()
}

// Category returns the concurrency category label.
func (n *Node) Category() string {
	return string(n.Type())
}

// Label returns the name when set, otherwise the id.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return string(n.ID)
}

// isPointerKind reports whether k was supplied as *AgentNode etc. The executor
// and the agent id index switch on value types only.
func isPointerKind(k NodeKind) bool {
	return reflect.ValueOf(k).Kind() == reflect.Pointer
}

func (n *Node) validate() error {
	if n.Kind == nil {
		return fmt.Errorf("%w: node %s has no kind", ErrInvalidNode, n.Label())
	}
	if isPointerKind(n.Kind) {
		return fmt.Errorf("%w: node %s kind %T must be a value, not a pointer", ErrInvalidNode, n.Label(), n.Kind)
	}
	if n.Timeout < 0 {
		return fmt.Errorf("%w: node %s timeout must not be negative", ErrInvalidNode, n.Label())
	}
	if err := n.Kind.validate(); err != nil {
		return fmt.Errorf("%w: node %s: %v", ErrInvalidNode, n.Label(), err)
	}
	return nil
}
