package validation

import "github.com/rendis/conductor/pkg/schema"

// Validator checks definitions before they are stored and inputs before a workflow starts.
// Uses JSON Schema Draft 2020-12 for structural and input validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDef) error
	ValidateTaskDef(def *schema.TaskDef) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// TaskDefLookup reports whether a task definition is registered.
type TaskDefLookup interface {
	HasTaskDef(name string) bool
}

// EvaluatorLookup reports whether an evaluator type is available for loop conditions.
type EvaluatorLookup interface {
	HasEvaluator(name string) bool
}

// TaskDefSet is a TaskDefLookup over a fixed set of names.
type TaskDefSet map[string]struct{}

// NewTaskDefSet collects the names of defs.
func NewTaskDefSet(defs []*schema.TaskDef) TaskDefSet {
	s := make(TaskDefSet, len(defs))
	for _, d := range defs {
		s[d.Name] = struct{}{}
	}
	return s
}

func (s TaskDefSet) HasTaskDef(name string) bool {
	_, ok := s[name]
	return ok
}
