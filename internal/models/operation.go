package models

import (
	"fmt"
	"strings"
)

// Operation is the kind of mutation a queue item applies remotely.
type Operation string

const (
	OperationCreate      Operation = "create"
	OperationUpdate      Operation = "update"
	OperationDelete      Operation = "delete"
	OperationBatchCreate Operation = "batch_create"
	OperationBatchUpdate Operation = "batch_update"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete, OperationBatchCreate, OperationBatchUpdate:
		return true
	}
	return false
}

// RequiresEntityID reports whether the operation targets an existing entity.
func (op Operation) RequiresEntityID() bool {
	return op == OperationUpdate || op == OperationDelete
}

// Priority orders queue items; higher priorities drain first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns a comparable weight, larger is more urgent. Unknown is 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// ParsePriority parses a config or CLI string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}
