package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Graph validation errors.
var (
	ErrDuplicateID      = errors.New("duplicate node id")
	ErrDuplicateAgentID = errors.New("duplicate agent id")
	ErrDuplicateName    = errors.New("duplicate node name")
	ErrDuplicateEdge    = errors.New("duplicate edge")
	ErrUnknownEndpoint  = errors.New("unknown edge endpoint")
	ErrCycleDetected    = errors.New("cycle detected")
	ErrInvalidNode      = errors.New("invalid node")
	ErrEmptyGraph       = errors.New("graph has no nodes")
)

// Execution errors.
var (
	ErrNilGraph       = errors.New("graph cannot be nil")
	ErrOutputNotFound = errors.New("output not found")
	ErrNoInvoker      = errors.New("no invoker registered")
	ErrNoEvaluator    = errors.New("no expression evaluator configured")
	ErrNoProvider     = errors.New("no completion provider configured")
)

// CycleError names the offending cycle. Path starts and ends with the same
// node, so the closing edge is Path[len-2] -> Path[len-1].
type CycleError struct {
	Path []NodeID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = string(id)
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// UnresolvedReferenceError reports a template reference with no value.
type UnresolvedReferenceError struct {
	Key string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved template reference: %s", e.Key)
}
