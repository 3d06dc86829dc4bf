package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/conductor/pkg/schema"
)

// celVariables are the top-level names an expression document may carry.
var celVariables = []string{"workflow", "tasks", "input"}

// CELEngine evaluates Common Expression Language conditions.
// The environment declares workflow, tasks and input as map(string, dyn)
// and iteration as dyn.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine with the expression-document variables declared.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables)+1)
	for _, v := range celVariables {
		opts = append(opts, cel.Variable(v, mapType))
	}
	opts = append(opts, cel.Variable("iteration", cel.DynType))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, evalErr("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileErr("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileErr("CEL", expression, err)
	}
	return prg, nil
}

// celActivation fills absent variables so programs never fail on a missing name.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables)+1)
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if v, ok := data["iteration"]; ok {
		activation["iteration"] = v
	} else {
		activation["iteration"] = 0
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
