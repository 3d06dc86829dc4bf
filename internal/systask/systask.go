// Package systask holds the task types executed in-process by the engine
// rather than by external workers.
package systask

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// SystemTask is the capability set every in-process task type provides.
// Implementations mutate the task they are given; the caller persists it.
type SystemTask interface {
	// Type is the task type string the implementation is registered under.
	Type() string
	// Start runs once when the task is first dispatched. It may leave the task
	// IN_PROGRESS or finish it outright.
	Start(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) error
	// Execute polls an IN_PROGRESS task and reports whether it changed it.
	Execute(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) (bool, error)
	// Cancel stops the task because its workflow is no longer running.
	Cancel(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) error
	// IsAsync reports whether the task is driven through its queue by the
	// coordinator instead of inline during decide.
	IsAsync() bool
	// RetryTimeInSecond is the delay before an async task is polled again.
	RetryTimeInSecond() int
}

// Provider is the engine surface system tasks may call back into.
type Provider interface {
	StartWorkflow(ctx context.Context, req *schema.StartWorkflowRequest) (string, error)
	GetWorkflow(ctx context.Context, id string, includeTasks bool) (*schema.Workflow, error)
	RewindWorkflow(ctx context.Context, id string) error
	TerminateWorkflow(ctx context.Context, id, reason string) error
	CancelWorkflow(ctx context.Context, id, reason string) error
	// ScheduleLoopIteration creates the ready body tasks of loopTask for its
	// current iteration and appends them to wf.Tasks.
	ScheduleLoopIteration(ctx context.Context, wf *schema.Workflow, loopTask *schema.Task) error
	// CanRetry reports whether a failed task will get another attempt.
	CanRetry(ctx context.Context, task *schema.Task) (bool, error)
}

// Registry maps task type strings to implementations.
type Registry struct {
	tasks map[string]SystemTask
}

// NewRegistry registers tasks by Type; a later entry replaces an earlier one.
func NewRegistry(tasks ...SystemTask) *Registry {
	r := &Registry{tasks: make(map[string]SystemTask, len(tasks))}
	for _, t := range tasks {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t SystemTask) {
	r.tasks[t.Type()] = t
}

func (r *Registry) Get(taskType string) (SystemTask, bool) {
	t, ok := r.tasks[taskType]
	return t, ok
}

func (r *Registry) IsSystemTask(taskType string) bool {
	_, ok := r.tasks[taskType]
	return ok
}

// AsyncTypes lists the registered types the coordinator must poll, sorted.
func (r *Registry) AsyncTypes() []string {
	var out []string
	for name, t := range r.tasks {
		if t.IsAsync() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func complete(task *schema.Task, now time.Time) {
	task.Status = schema.TaskStatusCompleted
	task.EndTime = now
}

func fail(task *schema.Task, reason string, now time.Time) {
	task.Status = schema.TaskStatusFailed
	task.ReasonForIncompletion = reason
	task.EndTime = now
}

func cancel(task *schema.Task, now time.Time) {
	if task.Status.IsTerminal() {
		return
	}
	task.Status = schema.TaskStatusCanceled
	task.EndTime = now
}

func inProgress(task *schema.Task, now time.Time) {
	task.Status = schema.TaskStatusInProgress
	if task.StartTime.IsZero() {
		task.StartTime = now
	}
}

func nowOr(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

// NewDefaultRegistry registers DO_WHILE, SUB_WORKFLOW, WAIT, JSON_JQ_TRANSFORM and INLINE.
func NewDefaultRegistry(evaluators *expressions.Registry, subWorkflowRetrySeconds int, now func() time.Time) *Registry {
	return NewRegistry(
		NewDoWhile(evaluators, now),
		NewSubWorkflow(subWorkflowRetrySeconds, now),
		NewWait(now),
		NewJQTransform(expressions.NewGoJQEngine(), now),
		NewInline(evaluators, now),
	)
}
