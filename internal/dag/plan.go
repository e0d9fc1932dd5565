package dag

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validation and sorting errors.
var (
	ErrCyclicDependency = errors.New("cyclic dependency detected")
	ErrDuplicateNodeID  = errors.New("duplicate node id")
	ErrDanglingRef      = errors.New("dependency references unknown node")
)

// Plan is a named collection of nodes. Node order is the insertion
// order, which the topological sort uses as a stable tie-break.
type Plan struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Nodes       []*Node `json:"nodes"`

	index map[string]*Node
}

// NewPlan creates an empty plan.
func NewPlan(name, description string) *Plan {
	return &Plan{Name: name, Description: description, index: map[string]*Node{}}
}

// AddNode appends a node. The last node wins the index slot when ids
// collide; Validate reports the collision.
func (p *Plan) AddNode(n *Node) {
	p.Nodes = append(p.Nodes, n)
	p.ensureIndex()
	p.index[n.ID] = n
}

// GetNode looks up a node by id.
func (p *Plan) GetNode(id string) (*Node, bool) {
	p.ensureIndex()
	n, ok := p.index[id]
	return n, ok
}

func (p *Plan) ensureIndex() {
	if p.index != nil {
		return
	}
	p.index = make(map[string]*Node, len(p.Nodes))
	for _, n := range p.Nodes {
		p.index[n.ID] = n
	}
}

// Edges returns (dependency, dependent) pairs.
func (p *Plan) Edges() [][2]string {
	var edges [][2]string
	for _, n := range p.Nodes {
		for _, dep := range n.Dependencies {
			edges = append(edges, [2]string{dep, n.ID})
		}
	}
	return edges
}

// TopologicalSort orders nodes with Kahn's algorithm so every node
// follows its dependencies. Insertion order breaks ties. Returns
// ErrCyclicDependency when a cycle prevents a complete ordering.
func (p *Plan) TopologicalSort() ([]*Node, error) {
	p.ensureIndex()

	inDegree := make(map[string]int, len(p.Nodes))
	for _, n := range p.Nodes {
		inDegree[n.ID] = len(n.Dependencies)
	}

	var queue []*Node
	for _, n := range p.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]*Node, 0, len(p.Nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		for _, other := range p.Nodes {
			for _, dep := range other.Dependencies {
				if dep != n.ID {
					continue
				}
				inDegree[other.ID]--
				if inDegree[other.ID] == 0 {
					queue = append(queue, other)
				}
			}
		}
	}

	if len(result) != len(p.Nodes) {
		return nil, ErrCyclicDependency
	}
	return result, nil
}

// Levels partitions node ids into execution layers: level(n) is
// 1 + max(level(dep)), 0 with no dependencies. Nodes within a layer have
// no dependencies on each other and may run concurrently.
func (p *Plan) Levels() ([][]string, error) {
	sorted, err := p.TopologicalSort()
	if err != nil {
		return nil, err
	}
	if len(sorted) == 0 {
		return nil, nil
	}

	level := make(map[string]int, len(sorted))
	maxLevel := 0
	for _, n := range sorted {
		l := 0
		for _, dep := range n.Dependencies {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[n.ID] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	layers := make([][]string, maxLevel+1)
	for _, n := range sorted {
		l := level[n.ID]
		layers[l] = append(layers[l], n.ID)
	}
	return layers, nil
}

// ReadyNodes returns pending nodes whose dependencies have all
// completed.
func (p *Plan) ReadyNodes() []*Node {
	completed := map[string]struct{}{}
	for _, n := range p.Nodes {
		if n.Status == NodeStatusCompleted {
			completed[n.ID] = struct{}{}
		}
	}
	var ready []*Node
	for _, n := range p.Nodes {
		if n.Status == NodeStatusPending && n.ready(completed) {
			ready = append(ready, n)
		}
	}
	return ready
}

// Validate returns the union of duplicate-id, dangling-dependency, and
// cycle errors. An empty slice means the plan may be scheduled.
func (p *Plan) Validate() []error {
	var errs []error

	seen := map[string]struct{}{}
	for _, n := range p.Nodes {
		if _, dup := seen[n.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID))
		}
		seen[n.ID] = struct{}{}
	}

	for _, n := range p.Nodes {
		for _, dep := range n.Dependencies {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: node %s depends on %s", ErrDanglingRef, n.ID, dep))
			}
		}
	}

	if _, err := p.TopologicalSort(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// IsComplete reports whether every node reached a terminal status.
func (p *Plan) IsComplete() bool {
	for _, n := range p.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// IsSuccessful reports completion with no failed nodes.
func (p *Plan) IsSuccessful() bool {
	if !p.IsComplete() {
		return false
	}
	for _, n := range p.Nodes {
		if n.Status == NodeStatusFailed {
			return false
		}
	}
	return true
}

// Progress counts nodes per status.
func (p *Plan) Progress() map[NodeStatus]int {
	counts := map[NodeStatus]int{
		NodeStatusPending:   0,
		NodeStatusRunning:   0,
		NodeStatusCompleted: 0,
		NodeStatusFailed:    0,
		NodeStatusSkipped:   0,
	}
	for _, n := range p.Nodes {
		counts[n.Status]++
	}
	return counts
}

// ToJSON serializes the plan.
func (p *Plan) ToJSON() (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON parses a serialized plan.
func FromJSON(data string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	p.ensureIndex()
	return &p, nil
}
