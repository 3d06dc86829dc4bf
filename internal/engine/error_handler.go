package engine

import (
	"context"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/pkg/schema"
)

// terminate ends a workflow the Decider gave up on. The failing task's reason
// is persisted with the Decider's other updates before the workflow moves.
func (e *executorImpl) terminate(ctx context.Context, wf *schema.Workflow, outcome *DeciderOutcome) error {
	if err := e.applyUpdates(ctx, wf, outcome.TasksToBeUpdated); err != nil {
		return err
	}
	term := outcome.Terminate
	var failed []string
	if term.Task != nil {
		failed = []string{term.Task.ReferenceTaskName}
	}
	status := term.Status
	if status == "" {
		status = schema.WorkflowStatusFailed
	}
	return e.endWorkflow(ctx, wf, status, term.Reason, failed)
}

// endWorkflow moves wf to an unsuccessful terminal status, cancels its open
// tasks and wakes its parent.
func (e *executorImpl) endWorkflow(ctx context.Context, wf *schema.Workflow, status schema.WorkflowStatus, reason string, failedRefs []string) error {
	wf.ReasonForIncompletion = reason
	wf.FailedReferenceTaskNames = append(wf.FailedReferenceTaskNames, failedRefs...)
	if err := e.setWorkflowStatus(ctx, wf, status, reason); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "workflow ended", "status", status, "reason", reason)
	e.cancelTasks(ctx, wf)
	e.wakeParent(ctx, wf)
	return nil
}

// cancelTasks cancels every non-terminal task of wf. Failures are logged and
// the remaining tasks are still cancelled.
func (e *executorImpl) cancelTasks(ctx context.Context, wf *schema.Workflow) {
	for _, t := range append([]*schema.Task(nil), wf.Tasks...) {
		if t.Status.IsTerminal() {
			continue
		}
		st, _ := e.systemTasks.Get(t.TaskType)
		if err := e.cancelTask(ctx, wf, t, st); err != nil {
			e.logger.WarnContext(ctx, "cancel task", "task_id", t.TaskID, "error", err)
		}
	}
}

// cancelTask stops t because wf is no longer running. st is nil for worker tasks.
func (e *executorImpl) cancelTask(ctx context.Context, wf *schema.Workflow, t *schema.Task, st systask.SystemTask) error {
	from := t.Status
	if st != nil {
		if err := st.Cancel(ctx, wf, t, e); err != nil {
			e.logger.WarnContext(ctx, "system task cancel", "task_id", t.TaskID, "type", t.TaskType, "error", err)
		}
	}
	if !t.Status.IsTerminal() {
		t.Status = schema.TaskStatusCanceled
		t.EndTime = e.now()
	}
	var owner *schema.Workflow
	if len(wf.Tasks) > 0 {
		owner = wf
	}
	return e.saveTask(ctx, owner, t, from)
}

// wakeParent requeues the SUB_WORKFLOW task waiting on a finished child.
func (e *executorImpl) wakeParent(ctx context.Context, wf *schema.Workflow) {
	if wf.ParentWorkflowTaskID == "" {
		return
	}
	parent, err := e.store.GetTask(ctx, wf.ParentWorkflowTaskID)
	if err != nil {
		e.logger.WarnContext(ctx, "load parent task", "parent_task_id", wf.ParentWorkflowTaskID, "error", err)
		return
	}
	if parent.Status.IsTerminal() {
		return
	}
	if err := e.queue.Push(ctx, parent.QueueName(), parent.TaskID, 0, parent.Priority); err != nil {
		e.logger.WarnContext(ctx, "wake parent task", "parent_task_id", parent.TaskID, "error", err)
	}
}

func (e *executorImpl) TerminateWorkflow(ctx context.Context, id, reason string) error {
	return e.stop(ctx, id, schema.WorkflowStatusTerminated, reason)
}

func (e *executorImpl) CancelWorkflow(ctx context.Context, id, reason string) error {
	return e.stop(ctx, id, schema.WorkflowStatusCancelled, reason)
}

func (e *executorImpl) stop(ctx context.Context, id string, status schema.WorkflowStatus, reason string) error {
	unlock := e.locks.lock(id)
	defer unlock()
	ctx = logging.WithWorkflowID(ctx, id)

	wf, err := e.store.GetWorkflow(ctx, id, true)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeWorkflowTerminal, "workflow %s is already %s", id, wf.Status)
	}
	return e.endWorkflow(ctx, wf, status, reason, nil)
}
