// Package dag defines the execution plan model: a validated collection
// of tool invocations with dependencies.
package dag

import (
	"encoding/json"
	"time"
)

// NodeStatus is the execution state of a node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// Node is a single tool invocation in a plan. Status, Result, Error and
// ExecutionTime are mutated by the scheduler; everything else is set at
// plan construction.
type Node struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params"`
	Dependencies []string       `json:"dependencies"`

	Status        NodeStatus    `json:"status"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewNode builds a pending node.
func NewNode(id, name, tool string, params map[string]any, deps []string) *Node {
	if params == nil {
		params = map[string]any{}
	}
	return &Node{
		ID:           id,
		Name:         name,
		Tool:         tool,
		Params:       params,
		Dependencies: deps,
		Status:       NodeStatusPending,
	}
}

// ready reports whether every dependency is in the completed set.
func (n *Node) ready(completed map[string]struct{}) bool {
	for _, dep := range n.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON serializes ExecutionTime as seconds to match the persisted
// plan format.
func (n *Node) MarshalJSON() ([]byte, error) {
	type alias Node
	return json.Marshal(&struct {
		*alias
		ExecutionTime float64 `json:"execution_time"`
	}{
		alias:         (*alias)(n),
		ExecutionTime: n.ExecutionTime.Seconds(),
	})
}

// UnmarshalJSON mirrors MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	aux := &struct {
		*alias
		ExecutionTime float64 `json:"execution_time"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	n.ExecutionTime = time.Duration(aux.ExecutionTime * float64(time.Second))
	if n.Status == "" {
		n.Status = NodeStatusPending
	}
	if n.Params == nil {
		n.Params = map[string]any{}
	}
	return nil
}
