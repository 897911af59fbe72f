package workflow

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

// NodeState is the lifecycle state of a node within one run.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateRunning   NodeState = "running"
	NodeStateSucceeded NodeState = "succeeded"
	NodeStateFailed    NodeState = "failed"
	NodeStateSkipped   NodeState = "skipped"
	NodeStateCancelled NodeState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateSkipped, NodeStateCancelled:
		return true
	}
	return false
}

// NodeResult is the terminal record of one node.
type NodeResult struct {
	NodeID   NodeID        `json:"node_id"`
	Name     string        `json:"name,omitempty"`
	Type     NodeType      `json:"type"`
	State    NodeState     `json:"state"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// NodeTiming is the wall-clock span of a node.
type NodeTiming struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// RunMetadata summarizes a run.
type RunMetadata struct {
	RunID       string                `json:"run_id"`
	Start       time.Time             `json:"start"`
	End         time.Time             `json:"end"`
	Succeeded   int                   `json:"succeeded"`
	Failed      int                   `json:"failed"`
	Skipped     int                   `json:"skipped"`
	Cancelled   int                   `json:"cancelled"`
	NodeTimings map[NodeID]NodeTiming `json:"node_timings"`
}

// ExecutionContext is the per-run shared store. Outputs and variables are
// written by concurrently executing nodes of the same layer, so both live in
// sync.Map; node results sit behind their own mutex.
type ExecutionContext struct {
	runID string
	input map[string]any

	outputs   sync.Map // string -> any, keyed by node id and by node name
	variables sync.Map // string -> string

	mu      sync.RWMutex
	results map[NodeID]NodeResult
	start   time.Time
	end     time.Time
}

// NewExecutionContext creates a context seeded with run input. Every input
// entry also becomes a stringified variable.
func NewExecutionContext(runID string, input map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		runID:   runID,
		input:   maps.Clone(input),
		results: make(map[NodeID]NodeResult),
		start:   time.Now(),
	}
	for k, v := range input {
		s, err := serializeValue(v)
		if err != nil {
			s = fmt.Sprint(v)
		}
		ec.variables.Store(k, s)
	}
	return ec
}

// RunID returns the run identifier.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Input returns a copy of the run input.
func (ec *ExecutionContext) Input() map[string]any { return maps.Clone(ec.input) }

// RecordOutput stores value under both the node id and, when set, its name.
// Re-recording overwrites.
func (ec *ExecutionContext) RecordOutput(id NodeID, name string, value any) {
	ec.outputs.Store(string(id), value)
	if name != "" && name != string(id) {
		ec.outputs.Store(name, value)
	}
}

// Output returns the output stored under a node id or name.
func (ec *ExecutionContext) Output(key string) (any, error) {
	v, ok := ec.outputs.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, key)
	}
	return v, nil
}

// HasOutput reports whether key has a recorded output.
func (ec *ExecutionContext) HasOutput(key string) bool {
	_, ok := ec.outputs.Load(key)
	return ok
}

// Outputs returns a point-in-time snapshot of all outputs.
func (ec *ExecutionContext) Outputs() map[string]any {
	out := make(map[string]any)
	ec.outputs.Range(func(k, v any) bool {
		out[k.(string)] = v
		return true
	})
	return out
}

// SetVariable sets a string variable. Variables are independent of outputs.
func (ec *ExecutionContext) SetVariable(name, value string) {
	ec.variables.Store(name, value)
}

// Variable returns a variable value.
func (ec *ExecutionContext) Variable(name string) (string, bool) {
	v, ok := ec.variables.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Variables returns a snapshot of all variables.
func (ec *ExecutionContext) Variables() map[string]string {
	out := make(map[string]string)
	ec.variables.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// RecordNodeResult stores the terminal record of a node.
func (ec *ExecutionContext) RecordNodeResult(r NodeResult) {
	if r.Err != nil && r.Error == "" {
		r.Error = r.Err.Error()
	}
	if r.Duration == 0 && !r.Start.IsZero() && !r.End.IsZero() {
		r.Duration = r.End.Sub(r.Start)
	}
	ec.mu.Lock()
	ec.results[r.NodeID] = r
	ec.mu.Unlock()
}

// NodeResult returns the terminal record of a node.
func (ec *ExecutionContext) NodeResult(id NodeID) (NodeResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[id]
	return r, ok
}

// NodeResults returns a snapshot of all terminal records.
func (ec *ExecutionContext) NodeResults() map[NodeID]NodeResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return maps.Clone(ec.results)
}

// State returns the recorded state of a node, pending if none.
func (ec *ExecutionContext) State(id NodeID) NodeState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if r, ok := ec.results[id]; ok {
		return r.State
	}
	return NodeStatePending
}

func (ec *ExecutionContext) finish() {
	ec.mu.Lock()
	ec.end = time.Now()
	ec.mu.Unlock()
}

// Metadata returns a snapshot of run metadata.
func (ec *ExecutionContext) Metadata() RunMetadata {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	md := RunMetadata{
		RunID:       ec.runID,
		Start:       ec.start,
		End:         ec.end,
		NodeTimings: make(map[NodeID]NodeTiming, len(ec.results)),
	}
	for id, r := range ec.results {
		switch r.State {
		case NodeStateSucceeded:
			md.Succeeded++
		case NodeStateFailed:
			md.Failed++
		case NodeStateSkipped:
			md.Skipped++
		case NodeStateCancelled:
			md.Cancelled++
		}
		if !r.Start.IsZero() {
			md.NodeTimings[id] = NodeTiming{Start: r.Start, End: r.End, Duration: r.Duration}
		}
	}
	return md
}
