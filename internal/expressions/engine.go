package expressions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Engine evaluates one expression language against a data document.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultEvaluator is used when a task does not name an evaluatorType.
const DefaultEvaluator = "expr"

// Registry resolves evaluatorType names to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry registers the given engines by Name.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// NewDefaultRegistry registers the expr, CEL and jq engines.
func NewDefaultRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(NewExprEngine(), cel, NewGoJQEngine()), nil
}

// Evaluate runs expression with the engine named by evaluatorType ("" selects DefaultEvaluator).
func (r *Registry) Evaluate(ctx context.Context, evaluatorType, expression string, data map[string]any) (any, error) {
	if evaluatorType == "" {
		evaluatorType = DefaultEvaluator
	}
	e, ok := r.engines[evaluatorType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown evaluator type %q", evaluatorType)
	}
	return e.Evaluate(ctx, expression, data)
}

// EvaluateBool evaluates expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, evaluatorType, expression string, data map[string]any) (bool, error) {
	out, err := r.Evaluate(ctx, evaluatorType, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

// Names lists the registered evaluator types.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// programCache memoizes compiled programs by source text.
// Safe for concurrent use; compile runs at most once per successful expression.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.progs[expression]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func compileErr(engine, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalErr(engine, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// HasEvaluator reports whether name is a registered evaluator type; "" is always valid.
func (r *Registry) HasEvaluator(name string) bool {
	if name == "" {
		return true
	}
	_, ok := r.engines[name]
	return ok
}
