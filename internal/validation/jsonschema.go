package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	workflowDefSchemaURL = "https://conductor.rendis.dev/schemas/workflow-def.json"
	taskDefSchemaURL     = "https://conductor.rendis.dev/schemas/task-def.json"
)

// workflowDefSchemaJSON is the structural schema of a WorkflowDef.
const workflowDefSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.rendis.dev/schemas/workflow-def.json",
  "type": "object",
  "required": ["name", "version", "tasks"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "description": { "type": "string" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    },
    "inputParameters": { "type": "array", "items": { "type": "string" } },
    "inputSchema": { "type": "object" },
    "outputParameters": { "type": "object" },
    "restartable": { "type": "boolean" },
    "ownerEmail": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["name", "taskReferenceName"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "taskReferenceName": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z0-9_\\-]+$"
        },
        "type": { "type": "string" },
        "description": { "type": "string" },
        "inputParameters": { "type": "object" },
        "optional": { "type": "boolean" },
        "dependsOn": {
          "type": ["array", "null"],
          "items": { "type": "string" }
        },
        "loopCondition": { "type": "string" },
        "evaluatorType": { "type": "string" },
        "loopOver": {
          "type": "array",
          "items": { "$ref": "#/$defs/task" }
        },
        "subWorkflowParam": { "$ref": "#/$defs/subWorkflowParam" },
        "startDelay": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "subWorkflowParam": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "version": { "type": "integer", "minimum": 0 },
        "standbyOnFail": { "type": "boolean" },
        "restartOnFail": { "type": "boolean" },
        "restartCount": { "type": "integer" }
      },
      "additionalProperties": false
    }
  }
}`

// taskDefSchemaJSON is the structural schema of a TaskDef.
const taskDefSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.rendis.dev/schemas/task-def.json",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "retryCount": { "type": "integer", "minimum": 0 },
    "retryLogic": {
      "type": "string",
      "enum": ["FIXED", "LINEAR_BACKOFF", "EXPONENTIAL_BACKOFF"]
    },
    "retryDelaySeconds": { "type": "integer", "minimum": 0 },
    "timeoutSeconds": { "type": "integer", "minimum": 0 },
    "responseTimeoutSeconds": { "type": "integer", "minimum": 0 },
    "concurrentExecLimit": { "type": "integer", "minimum": 0 },
    "rateLimitPerFrequency": { "type": "integer", "minimum": 0 },
    "rateLimitFrequencyInSeconds": { "type": "integer", "minimum": 0 },
    "ownerEmail": { "type": "string" }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates definitions and inputs against JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	taskSchema     *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in definition schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, src := range map[string]string{
		workflowDefSchemaURL: workflowDefSchemaJSON,
		taskDefSchemaURL:     taskDefSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wfSchema, err := c.Compile(workflowDefSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow definition schema: %w", err)
	}
	taskSchema, err := c.Compile(taskDefSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile task definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		taskSchema:     taskSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the shape of a WorkflowDef.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDef) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return v.validateDoc(v.workflowSchema, def)
}

// ValidateTaskDef checks the shape of a TaskDef.
func (v *JSONSchemaValidator) ValidateTaskDef(def *schema.TaskDef) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "task definition is nil")
	}
	return v.validateDoc(v.taskSchema, def)
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their source text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return v.validateDoc(compiled, input)
}

func (v *JSONSchemaValidator) validateDoc(s *jsonschema.Schema, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("conductor://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toEngineError(err error) *schema.EngineError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into located leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
