package systask

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// Input and output keys of JSON_JQ_TRANSFORM and INLINE.
const (
	InputQueryExpression = "queryExpression"
	InputEvaluatorType   = "evaluatorType"
	InputExpression      = "expression"

	OutputResultList = "resultList"
	OutputError      = "error"
)

// JQTransform runs the jq program in "queryExpression" over the task input.
// The first result is stored under "result", all of them under "resultList".
type JQTransform struct {
	jq  *expressions.GoJQEngine
	now func() time.Time
}

// NewJQTransform creates the JSON_JQ_TRANSFORM task. now may be nil.
func NewJQTransform(jq *expressions.GoJQEngine, now func() time.Time) *JQTransform {
	return &JQTransform{jq: jq, now: nowOr(now)}
}

func (j *JQTransform) Type() string           { return schema.TaskTypeJSONJQTransform }
func (j *JQTransform) IsAsync() bool          { return false }
func (j *JQTransform) RetryTimeInSecond() int { return 0 }

func (j *JQTransform) Start(ctx context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	now := j.now()
	inProgress(task, now)

	query, _ := task.InputData[InputQueryExpression].(string)
	if query == "" {
		failWithError(task, fmt.Sprintf("missing %s input", InputQueryExpression), now)
		return nil
	}
	results, err := j.jq.EvaluateAll(ctx, query, task.InputData)
	if err != nil {
		failWithError(task, err.Error(), now)
		return nil
	}

	var first any
	if len(results) > 0 {
		first = results[0]
	}
	task.SetOutput(schema.OutputKeyResult, first)
	task.SetOutput(OutputResultList, results)
	complete(task, now)
	return nil
}

func (j *JQTransform) Execute(context.Context, *schema.Workflow, *schema.Task, Provider) (bool, error) {
	return false, nil
}

func (j *JQTransform) Cancel(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	cancel(task, j.now())
	return nil
}

// Inline evaluates "expression" with the evaluator named by "evaluatorType".
// Every input key is a top-level variable; the whole input is also bound to "input".
type Inline struct {
	evaluators *expressions.Registry
	now        func() time.Time
}

// NewInline creates the INLINE task. now may be nil.
func NewInline(evaluators *expressions.Registry, now func() time.Time) *Inline {
	return &Inline{evaluators: evaluators, now: nowOr(now)}
}

func (i *Inline) Type() string           { return schema.TaskTypeInline }
func (i *Inline) IsAsync() bool          { return false }
func (i *Inline) RetryTimeInSecond() int { return 0 }

func (i *Inline) Start(ctx context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	now := i.now()
	inProgress(task, now)

	expression, _ := task.InputData[InputExpression].(string)
	if expression == "" {
		failWithError(task, fmt.Sprintf("missing %s input", InputExpression), now)
		return nil
	}
	evaluator, _ := task.InputData[InputEvaluatorType].(string)

	data := make(map[string]any, len(task.InputData)+1)
	for k, v := range task.InputData {
		data[k] = v
	}
	data["input"] = task.InputData

	result, err := i.evaluators.Evaluate(ctx, evaluator, expression, data)
	if err != nil {
		failWithError(task, err.Error(), now)
		return nil
	}
	task.SetOutput(schema.OutputKeyResult, result)
	complete(task, now)
	return nil
}

func (i *Inline) Execute(context.Context, *schema.Workflow, *schema.Task, Provider) (bool, error) {
	return false, nil
}

func (i *Inline) Cancel(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	cancel(task, i.now())
	return nil
}

func failWithError(task *schema.Task, reason string, now time.Time) {
	task.SetOutput(OutputError, reason)
	fail(task, reason, now)
}

var (
	_ SystemTask = (*JQTransform)(nil)
	_ SystemTask = (*Inline)(nil)
)
