package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/pkg/schema"
)

func (e *executorImpl) PauseWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.locks.lock(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := e.store.GetWorkflow(ctx, workflowID, false)
	if err != nil {
		return err
	}
	if wf.Status == schema.WorkflowStatusPaused {
		return nil
	}
	if err := e.setWorkflowStatus(ctx, wf, schema.WorkflowStatusPaused, ""); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow paused")
	return nil
}

func (e *executorImpl) ResumeWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.locks.lock(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := e.store.GetWorkflow(ctx, workflowID, false)
	if err != nil {
		return err
	}
	if wf.Status != schema.WorkflowStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, only PAUSED workflows can be resumed", workflowID, wf.Status)
	}
	if err := e.setWorkflowStatus(ctx, wf, schema.WorkflowStatusRunning, ""); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow resumed")
	return e.decide(ctx, workflowID)
}

// RewindWorkflow restarts a terminal workflow from scratch: its tasks are
// deleted and it runs again with its original input.
func (e *executorImpl) RewindWorkflow(ctx context.Context, id string) error {
	unlock := e.locks.lock(id)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, id)

	wf, err := e.store.GetWorkflow(ctx, id, true)
	if err != nil {
		return err
	}
	if !wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, only terminal workflows can be rewound", id, wf.Status)
	}
	def, err := e.metadata.GetWorkflowDef(ctx, wf.WorkflowName, wf.WorkflowVersion)
	if err != nil {
		return err
	}
	if !def.IsRestartable() {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow definition %s v%d is not restartable",
			def.Name, def.Version)
	}

	for _, t := range wf.Tasks {
		if err := e.queue.Remove(ctx, t.QueueName(), t.TaskID); err != nil {
			e.logger.WarnContext(ctx, "remove rewound task from queue", "task_id", t.TaskID, "error", err)
		}
	}
	if err := e.store.RemoveTasksForWorkflow(ctx, id); err != nil {
		return err
	}
	wf.Tasks = nil
	wf.Output = nil
	wf.ReasonForIncompletion = ""
	wf.FailedReferenceTaskNames = nil
	wf.EndTime = nil
	if err := e.setWorkflowStatus(ctx, wf, schema.WorkflowStatusRunning, "rewind"); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow rewound")
	return e.decide(ctx, id)
}

// RetryWorkflow reopens an unsuccessful terminal workflow. The current attempt
// of every unsuccessful task gets a successor; a failed DO_WHILE is reopened
// in place so its failed body tasks retry within the same iteration.
func (e *executorImpl) RetryWorkflow(ctx context.Context, workflowID string) error {
	unlock := e.locks.lock(workflowID)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, workflowID)

	wf, err := e.store.GetWorkflow(ctx, workflowID, true)
	if err != nil {
		return err
	}
	switch wf.Status {
	case schema.WorkflowStatusFailed, schema.WorkflowStatusTimedOut,
		schema.WorkflowStatusTerminated, schema.WorkflowStatusCancelled:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, only failed or stopped workflows can be retried", workflowID, wf.Status)
	}

	now := e.now()
	seq := 0
	for _, t := range wf.Tasks {
		if t.Seq > seq {
			seq = t.Seq
		}
	}
	var updates, successors []*schema.Task
	for _, t := range currentAttempts(wf.Tasks) {
		if !t.Status.IsTerminal() || t.Status.IsSuccessful() {
			continue
		}
		if t.TaskType == schema.TaskTypeDoWhile {
			reopened := *t
			reopened.OutputData = cloneMap(t.OutputData)
			reopened.Status = schema.TaskStatusInProgress
			reopened.ReasonForIncompletion = ""
			reopened.EndTime = time.Time{}
			updates = append(updates, &reopened)
			continue
		}
		old := *t
		old.Retried = true
		updates = append(updates, &old)

		next := newRetryAttempt(t, 0, now)
		seq++
		next.Seq = seq
		next.TaskID = uuid.NewString()
		successors = append(successors, next)
	}

	wf.Output = nil
	wf.ReasonForIncompletion = ""
	wf.FailedReferenceTaskNames = nil
	wf.EndTime = nil
	if err := e.setWorkflowStatus(ctx, wf, schema.WorkflowStatusRunning, "retry"); err != nil {
		return err
	}
	if err := e.applyUpdates(ctx, wf, updates); err != nil {
		return err
	}
	if _, err := e.scheduleTasks(ctx, wf, successors); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow retried", "tasks", len(successors))
	return e.decide(ctx, workflowID)
}

// currentAttempts returns the highest-retry attempt per (reference, iteration), in Seq order.
func currentAttempts(tasks []*schema.Task) []*schema.Task {
	type key struct {
		ref       string
		iteration int
	}
	latest := make(map[key]*schema.Task)
	for _, t := range tasks {
		k := key{t.ReferenceTaskName, t.Iteration}
		if cur, ok := latest[k]; !ok || t.RetryCount > cur.RetryCount {
			latest[k] = t
		}
	}
	out := make([]*schema.Task, 0, len(latest))
	for _, t := range latest {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
