package workflow

import (
	"sync"
	"time"

	"github.com/BaSui01/dagflow/types"
)

// ExecutionStatus represents the status of an execution or a node attempt
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates the execution is in progress
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates the execution completed successfully
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates the execution failed
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusSkipped marks a node that never ran because its gate was closed
	ExecutionStatusSkipped ExecutionStatus = "skipped"
	// ExecutionStatusCancelled indicates the execution was cancelled
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// NodeExecution records one attempt of a node. Nodes that never ran
// (skipped, cancelled, dependency failed) get a single record with Attempt 0.
type NodeExecution struct {
	NodeID        NodeID          `json:"node_id"`
	Name          string          `json:"name,omitempty"`
	NodeType      NodeType        `json:"node_type"`
	Attempt       int             `json:"attempt"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	Duration      time.Duration   `json:"duration"`
	Status        ExecutionStatus `json:"status"`
	Output        any             `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCategory types.Category  `json:"error_category,omitempty"`
}

// ExecutionHistory records the complete execution path of a workflow run
type ExecutionHistory struct {
	ExecutionID string           `json:"execution_id"`
	WorkflowID  string           `json:"workflow_id"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Duration    time.Duration    `json:"duration"`
	Status      ExecutionStatus  `json:"status"`
	Nodes       []*NodeExecution `json:"nodes"`
	Error       string           `json:"error,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	mu          sync.RWMutex
}

// NewExecutionHistory creates a new execution history
func NewExecutionHistory(executionID, workflowID string) *ExecutionHistory {
	return &ExecutionHistory{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StartTime:   time.Now(),
		Status:      ExecutionStatusRunning,
		Nodes:       make([]*NodeExecution, 0),
		Metadata:    make(map[string]any),
	}
}

// RecordNodeStart records the start of a node attempt
func (h *ExecutionHistory) RecordNodeStart(node *Node, attempt int) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &NodeExecution{
		NodeID:    node.ID,
		Name:      node.Name,
		NodeType:  node.Type(),
		Attempt:   attempt,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.Nodes = append(h.Nodes, rec)
	return rec
}

// RecordNodeEnd records the end of a node attempt
func (h *ExecutionHistory) RecordNodeEnd(rec *NodeExecution, output any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Output = output

	switch {
	case err == nil:
		rec.Status = ExecutionStatusCompleted
	case types.IsCategory(err, types.CategoryCancelled):
		rec.Status = ExecutionStatusCancelled
		rec.Error = err.Error()
		rec.ErrorCategory = types.CategoryCancelled
	default:
		rec.Status = ExecutionStatusFailed
		rec.Error = err.Error()
		rec.ErrorCategory = types.CategoryOf(err)
	}
}

// RecordNodeOutcome records a node that reached a terminal state without
// running.
func (h *ExecutionHistory) RecordNodeOutcome(node *Node, status ExecutionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	rec := &NodeExecution{
		NodeID:    node.ID,
		Name:      node.Name,
		NodeType:  node.Type(),
		StartTime: now,
		EndTime:   now,
		Status:    status,
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorCategory = types.CategoryOf(err)
	}
	h.Nodes = append(h.Nodes, rec)
}

// Complete marks the execution as finished with the given status
func (h *ExecutionHistory) Complete(status ExecutionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)
	h.Status = status
	if err != nil {
		h.Error = err.Error()
	}
}

// GetNodes returns a copy of the node executions
func (h *ExecutionHistory) GetNodes() []*NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]*NodeExecution, len(h.Nodes))
	copy(nodes, h.Nodes)
	return nodes
}

// GetNodeAttempts returns every record of a node in order
func (h *ExecutionHistory) GetNodeAttempts(nodeID NodeID) []*NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*NodeExecution
	for _, rec := range h.Nodes {
		if rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	return out
}

// GetNodeByID returns the latest record for a specific node
func (h *ExecutionHistory) GetNodeByID(nodeID NodeID) *NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.Nodes) - 1; i >= 0; i-- {
		if h.Nodes[i].NodeID == nodeID {
			return h.Nodes[i]
		}
	}
	return nil
}

// ExecutionHistoryStore stores and queries execution histories in memory
type ExecutionHistoryStore struct {
	histories map[string]*ExecutionHistory
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a new execution history store
func NewExecutionHistoryStore() *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		histories: make(map[string]*ExecutionHistory),
	}
}

// Save saves an execution history
func (s *ExecutionHistoryStore) Save(history *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[history.ExecutionID] = history
}

// Get retrieves an execution history by ID
func (s *ExecutionHistoryStore) Get(executionID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[executionID]
	return h, ok
}

// ListByWorkflow returns all executions for a workflow
func (s *ExecutionHistoryStore) ListByWorkflow(workflowID string) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		if h.WorkflowID == workflowID {
			result = append(result, h)
		}
	}
	return result
}

// ListByTimeRange returns executions within a time range
func (s *ExecutionHistoryStore) ListByTimeRange(start, end time.Time) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		if !h.StartTime.Before(start) && !h.StartTime.After(end) {
			result = append(result, h)
		}
	}
	return result
}

// ListByStatus returns executions with a specific status
func (s *ExecutionHistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		h.mu.RLock()
		st := h.Status
		h.mu.RUnlock()
		if st == status {
			result = append(result, h)
		}
	}
	return result
}
