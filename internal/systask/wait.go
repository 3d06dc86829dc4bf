package systask

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Input keys understood by WAIT.
const (
	WaitInputDuration = "duration"
	WaitInputUntil    = "until"
)

// Wait holds the workflow at this node. Without inputs it stays IN_PROGRESS
// until an external TaskResult finishes it; with "duration" (a Go duration) or
// "until" (RFC 3339) it completes on its own once that moment has passed.
type Wait struct {
	now func() time.Time
}

// NewWait creates the WAIT task. now may be nil.
func NewWait(now func() time.Time) *Wait {
	return &Wait{now: nowOr(now)}
}

func (w *Wait) Type() string           { return schema.TaskTypeWait }
func (w *Wait) IsAsync() bool          { return false }
func (w *Wait) RetryTimeInSecond() int { return 0 }

func (w *Wait) Start(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	now := w.now()
	inProgress(task, now)
	deadline, ok, err := w.deadline(task, now)
	if err != nil {
		fail(task, err.Error(), now)
		return nil
	}
	if ok && !now.Before(deadline) {
		complete(task, now)
	}
	return nil
}

func (w *Wait) Execute(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) (bool, error) {
	now := w.now()
	deadline, ok, err := w.deadline(task, task.StartTime)
	if err != nil {
		fail(task, err.Error(), now)
		return true, nil
	}
	if !ok || now.Before(deadline) {
		return false, nil
	}
	complete(task, now)
	return true, nil
}

func (w *Wait) Cancel(_ context.Context, _ *schema.Workflow, task *schema.Task, _ Provider) error {
	cancel(task, w.now())
	return nil
}

func (w *Wait) deadline(task *schema.Task, started time.Time) (time.Time, bool, error) {
	if raw, ok := task.InputData[WaitInputUntil].(string); ok && raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid wait until %q: %w", raw, err)
		}
		return until, true, nil
	}
	if raw, ok := task.InputData[WaitInputDuration].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid wait duration %q: %w", raw, err)
		}
		return started.Add(d), true, nil
	}
	return time.Time{}, false, nil
}

var _ SystemTask = (*Wait)(nil)
