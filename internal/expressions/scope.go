package expressions

import (
	"encoding/json"

	"github.com/rendis/conductor/pkg/schema"
)

// Scope is the document templates and expressions resolve against: the
// workflow view plus one view per task reference.
type Scope struct {
	workflow map[string]any
	tasks    map[string]any
}

// NewScope builds a Scope for a workflow as seen from loop iteration.
// A reference resolves to its attempt in the same iteration when one exists,
// otherwise to its latest iteration. Within an iteration the highest retry wins.
func NewScope(wf *schema.Workflow, iteration int) *Scope {
	s := &Scope{
		workflow: workflowView(wf),
		tasks:    make(map[string]any),
	}
	if wf == nil {
		return s
	}
	for ref, t := range latestAttempts(wf.Tasks, iteration) {
		s.tasks[ref] = TaskView(t)
	}
	return s
}

// Document returns the template document: {"workflow": ..., "<ref>": ...}.
func (s *Scope) Document() map[string]any {
	doc := make(map[string]any, len(s.tasks)+1)
	for ref, v := range s.tasks {
		doc[ref] = v
	}
	doc["workflow"] = s.workflow
	return doc
}

// ExpressionData returns the expression document:
// {"workflow", "tasks", "input", "iteration"}.
func (s *Scope) ExpressionData(input map[string]any, iteration int) map[string]any {
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"workflow":  s.workflow,
		"tasks":     s.tasks,
		"input":     input,
		"iteration": iteration,
	}
}

// TaskView is the read-only map form of a task exposed to expressions.
func TaskView(t *schema.Task) map[string]any {
	return map[string]any{
		"taskId":                t.TaskID,
		"referenceTaskName":     t.ReferenceTaskName,
		"taskType":              string(t.TaskType),
		"status":                string(t.Status),
		"retryCount":            t.RetryCount,
		"iteration":             t.Iteration,
		"input":                 orEmpty(t.InputData),
		"output":                orEmpty(t.OutputData),
		"reasonForIncompletion": t.ReasonForIncompletion,
	}
}

func workflowView(wf *schema.Workflow) map[string]any {
	if wf == nil {
		return map[string]any{"input": map[string]any{}, "output": map[string]any{}}
	}
	return map[string]any{
		"workflowId":       wf.WorkflowID,
		"workflowType":     wf.WorkflowName,
		"version":          wf.WorkflowVersion,
		"status":           string(wf.Status),
		"correlationId":    wf.CorrelationID,
		"parentWorkflowId": wf.ParentWorkflowID,
		"priority":         wf.Priority,
		"input":            orEmpty(wf.Input),
		"output":           orEmpty(wf.Output),
		"variables":        orEmpty(wf.Variables),
	}
}

func latestAttempts(tasks []*schema.Task, iteration int) map[string]*schema.Task {
	best := make(map[string]*schema.Task)
	for _, t := range tasks {
		cur, ok := best[t.ReferenceTaskName]
		if !ok || betterAttempt(t, cur, iteration) {
			best[t.ReferenceTaskName] = t
		}
	}
	return best
}

func betterAttempt(cand, cur *schema.Task, iteration int) bool {
	candSame, curSame := cand.Iteration == iteration, cur.Iteration == iteration
	if candSame != curSame {
		return candSame
	}
	if cand.Iteration != cur.Iteration {
		return cand.Iteration > cur.Iteration
	}
	return cand.RetryCount > cur.RetryCount
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices; scalars are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
