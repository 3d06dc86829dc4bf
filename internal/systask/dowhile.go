package systask

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// DoWhile repeats its loopOver body while loopCondition holds. The loop
// counter lives in the task output under "iteration"; each finished pass
// stores its body outputs under the pass number.
//
// A failed body task fails the loop only once every scheduled body task of the
// pass is terminal and none of the failures has a retry pending.
type DoWhile struct {
	evaluators *expressions.Registry
	now        func() time.Time
}

// NewDoWhile creates the DO_WHILE task. now may be nil.
func NewDoWhile(evaluators *expressions.Registry, now func() time.Time) *DoWhile {
	return &DoWhile{evaluators: evaluators, now: nowOr(now)}
}

func (d *DoWhile) Type() string           { return schema.TaskTypeDoWhile }
func (d *DoWhile) IsAsync() bool          { return false }
func (d *DoWhile) RetryTimeInSecond() int { return 0 }

func (d *DoWhile) Start(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	inProgress(task, d.now())
	if task.LoopIteration() == 0 {
		task.SetOutput(schema.OutputKeyIteration, 1)
	}
	return nil
}

func (d *DoWhile) Execute(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) (bool, error) {
	if task.WorkflowTask == nil || len(task.WorkflowTask.LoopOver) == 0 {
		fail(task, "DO_WHILE task has no loopOver definition", d.now())
		return true, nil
	}
	iteration := task.LoopIteration()
	if iteration == 0 {
		iteration = 1
		task.SetOutput(schema.OutputKeyIteration, iteration)
	}

	body := task.WorkflowTask.LoopOver
	current := make([]*schema.Task, 0, len(body))
	for i := range body {
		if t := wf.TaskByRef(body[i].TaskReferenceName, iteration); t != nil {
			current = append(current, t)
		}
	}
	if len(current) == 0 {
		return false, p.ScheduleLoopIteration(ctx, wf, task)
	}

	var reasons []string
	for _, t := range current {
		if !t.Status.IsTerminal() {
			return false, nil
		}
		if t.Status.IsSuccessful() {
			continue
		}
		retry, err := p.CanRetry(ctx, t)
		if err != nil {
			return false, err
		}
		if retry {
			return false, nil
		}
		reason := t.ReasonForIncompletion
		if reason == "" {
			reason = fmt.Sprintf("%s finished with status %s", t.ReferenceTaskName, t.Status)
		}
		reasons = append(reasons, reason)
	}
	if len(reasons) > 0 {
		fail(task, strings.Join(reasons, "; "), d.now())
		return true, nil
	}
	if len(current) < len(body) {
		return false, nil
	}

	passOutput := make(map[string]any, len(current))
	for _, t := range current {
		passOutput[t.ReferenceTaskName] = t.OutputData
	}
	task.SetOutput(strconv.Itoa(iteration), passOutput)

	data := expressions.NewScope(wf, iteration).ExpressionData(task.InputData, iteration)
	again, err := d.evaluators.EvaluateBool(ctx, task.WorkflowTask.EvaluatorType, task.WorkflowTask.LoopCondition, data)
	if err != nil {
		fail(task, fmt.Sprintf("loop condition evaluation failed: %s", err.Error()), d.now())
		return true, nil
	}
	if !again {
		complete(task, d.now())
		return true, nil
	}

	task.SetOutput(schema.OutputKeyIteration, iteration+1)
	return true, p.ScheduleLoopIteration(ctx, wf, task)
}

func (d *DoWhile) Cancel(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	cancel(task, d.now())
	return nil
}

var _ SystemTask = (*DoWhile)(nil)
