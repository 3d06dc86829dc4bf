package engine

import (
	"context"
	"time"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/pkg/schema"
)

// --- Worker task flow ---

func (e *executorImpl) Poll(ctx context.Context, taskType, workerID string, count int, timeout time.Duration) ([]*schema.Task, error) {
	if taskType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task type is required")
	}
	if count <= 0 {
		count = 1
	}
	ctx = logging.WithWorkerID(ctx, workerID)
	ids, err := e.queue.Pop(ctx, taskType, count, timeout)
	if err != nil {
		return nil, err
	}

	tasks := make([]*schema.Task, 0, len(ids))
	for _, id := range ids {
		t, err := e.claim(ctx, taskType, id, workerID)
		if err != nil {
			// The lease runs out and the message is offered again.
			e.logger.WarnContext(ctx, "claim task failed", "task_id", id, "error", err)
			continue
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// claim turns a popped message into an IN_PROGRESS task owned by workerID.
// It returns nil when the message carried nothing to hand out.
func (e *executorImpl) claim(ctx context.Context, queueName, taskID, workerID string) (*schema.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if schema.IsNotFound(err) {
			e.ack(ctx, queueName, taskID)
			return nil, nil
		}
		return nil, err
	}
	unlock := e.locks.lock(t.WorkflowInstanceID)
	defer unlock()
	ctx = logging.WithTask(ctx, t.WorkflowInstanceID, t.TaskID)

	if t, err = e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		e.ack(ctx, queueName, taskID)
		return nil, nil
	}
	wf, err := e.store.GetWorkflow(ctx, t.WorkflowInstanceID, false)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		e.ack(ctx, queueName, taskID)
		return nil, nil
	}
	if wf.Status == schema.WorkflowStatusPaused {
		e.backoff(ctx, queueName, taskID, e.config.AdmissionBackoff)
		return nil, nil
	}
	if t.Status == schema.TaskStatusScheduled {
		admitted, err := e.admit(ctx, t)
		if err != nil {
			return nil, err
		}
		if !admitted {
			e.backoff(ctx, queueName, taskID, e.config.AdmissionBackoff)
			return nil, nil
		}
	}

	from := t.Status
	t.Status = schema.TaskStatusInProgress
	t.WorkerID = workerID
	t.PollCount++
	t.CallbackAfterSeconds = 0
	if t.StartTime.IsZero() {
		t.StartTime = e.now()
	}
	if err := e.saveTask(ctx, nil, t, from); err != nil {
		if from == schema.TaskStatusScheduled && e.limiter != nil {
			_ = e.limiter.Release(ctx, t)
		}
		return nil, err
	}
	if from == schema.TaskStatusInProgress {
		e.recordEvent(ctx, t.WorkflowInstanceID, t.TaskID, schema.EventTaskRedelivery,
			map[string]any{"workerId": workerID, "pollCount": t.PollCount})
	}
	return t, nil
}

func (e *executorImpl) UpdateTask(ctx context.Context, result *schema.TaskResult) error {
	if result == nil || result.TaskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task result requires a task id")
	}
	if !result.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown task status %q", result.Status).WithTask(result.TaskID)
	}
	t, err := e.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(t.WorkflowInstanceID)
	defer unlock()
	ctx = logging.WithWorkerID(logging.WithTask(ctx, t.WorkflowInstanceID, t.TaskID), result.WorkerID)

	if t, err = e.store.GetTask(ctx, result.TaskID); err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "task %s is already %s", t.TaskID, t.Status).
			WithTask(t.TaskID)
	}
	wf, err := e.store.GetWorkflow(ctx, t.WorkflowInstanceID, false)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeWorkflowTerminal, "workflow %s is already %s", wf.WorkflowID, wf.Status).
			WithTask(t.TaskID)
	}

	now := e.now()
	from := t.Status
	t.Status = result.Status
	if result.OutputData != nil {
		t.OutputData = cloneMap(result.OutputData)
	}
	t.ReasonForIncompletion = result.ReasonForIncompletion
	t.CallbackAfterSeconds = result.CallbackAfterSeconds
	if result.WorkerID != "" {
		t.WorkerID = result.WorkerID
	}
	if result.ResetStartTime || t.StartTime.IsZero() {
		t.StartTime = now
	}
	if t.Status.IsTerminal() {
		t.EndTime = now
	}
	if err := e.saveTask(ctx, nil, t, from); err != nil {
		return err
	}
	if len(result.Logs) > 0 {
		e.logger.DebugContext(ctx, "task logs", "lines", result.Logs)
	}

	if !t.Status.IsTerminal() {
		if t.CallbackAfterSeconds > 0 {
			delay := time.Duration(t.CallbackAfterSeconds) * time.Second
			if err := e.queue.Push(ctx, t.QueueName(), t.TaskID, delay, t.Priority); err != nil {
				return schema.NewErrorf(schema.ErrCodeQueue, "requeue task %s: %s", t.TaskID, err.Error()).
					WithTask(t.TaskID).WithCause(err)
			}
		}
		return nil
	}
	e.logger.InfoContext(ctx, "task finished", "ref", t.DisplayReferenceName(), "status", t.Status)
	return e.decide(ctx, t.WorkflowInstanceID)
}

func (e *executorImpl) AckTask(ctx context.Context, taskType, taskID string) (bool, error) {
	return e.queue.Ack(ctx, taskType, taskID)
}

func (e *executorImpl) SetUnackTimeout(ctx context.Context, taskType, taskID string, timeout time.Duration) (bool, error) {
	return e.queue.SetUnackTimeout(ctx, taskType, taskID, timeout)
}

// --- System task flow ---

func (e *executorImpl) ExecuteSystemTask(ctx context.Context, st systask.SystemTask, taskID string) error {
	queueName := st.Type()
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if schema.IsNotFound(err) {
			e.ack(ctx, queueName, taskID)
			return nil
		}
		return err
	}
	unlock := e.locks.lock(t.WorkflowInstanceID)
	defer unlock()
	ctx = logging.WithTask(ctx, t.WorkflowInstanceID, t.TaskID)

	if t, err = e.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		e.ack(ctx, queueName, taskID)
		return nil
	}
	wf, err := e.store.GetWorkflow(ctx, t.WorkflowInstanceID, false)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return e.cancelTask(ctx, wf, t, st)
	}
	retryAfter := time.Duration(st.RetryTimeInSecond()) * time.Second
	if wf.Status == schema.WorkflowStatusPaused {
		e.backoff(ctx, queueName, taskID, retryAfter)
		return nil
	}

	from := t.Status
	if from == schema.TaskStatusScheduled {
		admitted, err := e.admit(ctx, t)
		if err != nil {
			return err
		}
		if !admitted {
			e.backoff(ctx, queueName, taskID, e.config.AdmissionBackoff)
			return nil
		}
		t.PollCount++
		if err := st.Start(ctx, wf, t, e); err != nil {
			if e.limiter != nil {
				_ = e.limiter.Release(ctx, t)
			}
			return err
		}
	} else {
		changed, err := st.Execute(ctx, wf, t, e)
		if err != nil {
			return err
		}
		if !changed {
			e.backoff(ctx, queueName, taskID, retryAfter)
			return nil
		}
	}

	if err := e.saveTask(ctx, nil, t, from); err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return e.decide(ctx, t.WorkflowInstanceID)
	}
	e.backoff(ctx, queueName, taskID, retryAfter)
	return nil
}

// admit asks the limiter whether t may run now.
func (e *executorImpl) admit(ctx context.Context, t *schema.Task) (bool, error) {
	if e.limiter == nil {
		return true, nil
	}
	d, err := e.limiter.Admit(ctx, t)
	if err != nil {
		return false, err
	}
	if !d.Admitted {
		e.logger.DebugContext(ctx, "task admission deferred", "task_def", t.TaskDefName, "reason", d.Reason)
	}
	return d.Admitted, nil
}

// backoff keeps a leased message invisible for d.
func (e *executorImpl) backoff(ctx context.Context, queueName, taskID string, d time.Duration) {
	if _, err := e.queue.SetUnackTimeout(ctx, queueName, taskID, d); err != nil {
		e.logger.WarnContext(ctx, "extend task lease", "task_id", taskID, "error", err)
	}
}

func (e *executorImpl) ack(ctx context.Context, queueName, taskID string) {
	if _, err := e.queue.Ack(ctx, queueName, taskID); err != nil {
		e.logger.WarnContext(ctx, "ack task", "task_id", taskID, "error", err)
	}
}
