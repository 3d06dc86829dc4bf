package validation

import (
	"errors"

	"github.com/rendis/conductor/pkg/schema"
)

// WorkflowValidator runs the three-stage definition pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, per-type fields, nesting, task definitions)
// 3. DAG (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	evaluators EvaluatorLookup
}

// NewWorkflowValidator creates a WorkflowValidator. evaluators may be nil to
// skip evaluator type checks.
func NewWorkflowValidator(evaluators EvaluatorLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, evaluators: evaluators}, nil
}

// Validate runs the pipeline; tasks may be nil to skip task definition checks.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDef, tasks TaskDefLookup) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.Add("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := structural(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, tasks, wv.evaluators))
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDefinition satisfies Validator without task definition checks.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDef) error {
	return wv.Validate(def, nil).ToError()
}

// ValidateDefinitionWith validates def and requires every SIMPLE node's task definition.
func (wv *WorkflowValidator) ValidateDefinitionWith(def *schema.WorkflowDef, tasks TaskDefLookup) error {
	return wv.Validate(def, tasks).ToError()
}

// ValidateTaskDef validates a task definition.
func (wv *WorkflowValidator) ValidateTaskDef(def *schema.TaskDef) error {
	return wv.jsonSchema.ValidateTaskDef(def)
}

// ValidateInput delegates to the JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// structural turns a JSONSchemaValidator error into a ValidationResult.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		result.Add("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.Add("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.Add("/", schema.ErrCodeValidation, engErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
