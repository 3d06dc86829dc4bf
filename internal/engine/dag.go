package engine

import (
	"github.com/rendis/conductor/pkg/schema"
)

// DAG is the in-memory dependency graph of one scope of a workflow definition:
// the top-level nodes, or the body of one DO_WHILE.
type DAG struct {
	Nodes   map[string]*schema.WorkflowTask // reference name → node
	Edges   map[string][]string             // reference name → dependencies
	Reverse map[string][]string             // reference name → dependents
	Order   []string                        // definition order
	Sorted  []string                        // topological order, definition order breaking ties
	Sinks   []string                        // nodes nobody depends on, in definition order
}

// ParseDAG builds the graph of nodes, resolving implicit previous-node
// dependencies, and topologically sorts it with Kahn's algorithm.
func ParseDAG(nodes []schema.WorkflowTask) (*DAG, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no tasks")
	}

	dag := &DAG{
		Nodes:   make(map[string]*schema.WorkflowTask, len(nodes)),
		Edges:   make(map[string][]string, len(nodes)),
		Reverse: make(map[string][]string, len(nodes)),
		Order:   make([]string, 0, len(nodes)),
	}
	for i := range nodes {
		ref := nodes[i].TaskReferenceName
		if ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty taskReferenceName", i)
		}
		if _, dup := dag.Nodes[ref]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate taskReferenceName: %s", ref)
		}
		dag.Nodes[ref] = &nodes[i]
		dag.Order = append(dag.Order, ref)
	}

	for ref, deps := range schema.ResolveDependencies(nodes) {
		for _, dep := range deps {
			if _, ok := dag.Nodes[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "task %s depends on unknown task %s", ref, dep)
			}
			dag.Edges[ref] = append(dag.Edges[ref], dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], ref)
		}
	}

	position := make(map[string]int, len(dag.Order))
	inDegree := make(map[string]int, len(dag.Order))
	for i, ref := range dag.Order {
		position[ref] = i
		inDegree[ref] = len(dag.Edges[ref])
	}

	ready := make([]string, 0, len(dag.Order))
	for _, ref := range dag.Order {
		if inDegree[ref] == 0 {
			ready = append(ready, ref)
		}
	}
	for len(ready) > 0 {
		// Lowest definition position first.
		best := 0
		for i := range ready {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		dag.Sorted = append(dag.Sorted, node)
		for _, dependent := range dag.Reverse[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(dag.Sorted) != len(dag.Order) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
	}

	for _, ref := range dag.Order {
		if len(dag.Reverse[ref]) == 0 {
			dag.Sinks = append(dag.Sinks, ref)
		}
	}
	return dag, nil
}

// Roots returns the nodes without dependencies, in definition order.
func (d *DAG) Roots() []string {
	var roots []string
	for _, ref := range d.Order {
		if len(d.Edges[ref]) == 0 {
			roots = append(roots, ref)
		}
	}
	return roots
}
