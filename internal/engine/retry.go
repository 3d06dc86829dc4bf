package engine

import (
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// maxBackoffExponent bounds EXPONENTIAL_BACKOFF so the delay cannot overflow.
const maxBackoffExponent = 20

// defaultTaskDef applies to tasks whose type has no registered definition.
var defaultTaskDef = &schema.TaskDef{RetryLogic: schema.RetryLogicFixed}

// ComputeRetryDelay returns the delay before the attempt that follows failed.
// FIXED waits retryDelaySeconds, LINEAR_BACKOFF multiplies it by the new
// attempt number and EXPONENTIAL_BACKOFF by 2^failed.RetryCount.
func ComputeRetryDelay(def *schema.TaskDef, failed *schema.Task) time.Duration {
	if def == nil || def.RetryDelaySeconds <= 0 {
		return 0
	}
	base := time.Duration(def.RetryDelaySeconds) * time.Second

	switch def.RetryLogic {
	case schema.RetryLogicLinearBackoff:
		return base * time.Duration(failed.RetryCount+1)
	case schema.RetryLogicExponentialBackoff:
		exp := failed.RetryCount
		if exp > maxBackoffExponent {
			exp = maxBackoffExponent
		}
		return base * time.Duration(1<<exp)
	default:
		return base
	}
}

// canRetry reports whether failed gets another attempt under def.
// Optional nodes and DO_WHILE tasks are never retried; loops retry their body tasks instead.
func canRetry(def *schema.TaskDef, failed *schema.Task) bool {
	if !failed.Status.IsRetriable() || failed.Retried {
		return false
	}
	if failed.TaskType == schema.TaskTypeDoWhile {
		return false
	}
	if failed.WorkflowTask != nil && failed.WorkflowTask.Optional {
		return false
	}
	if def == nil {
		def = defaultTaskDef
	}
	return failed.RetryCount < def.RetryCount
}

// newRetryAttempt copies failed into its successor: a fresh SCHEDULED task with
// RetryCount+1. The caller assigns TaskID and Seq.
func newRetryAttempt(failed *schema.Task, delay time.Duration, now time.Time) *schema.Task {
	next := &schema.Task{
		WorkflowInstanceID:   failed.WorkflowInstanceID,
		WorkflowType:         failed.WorkflowType,
		ReferenceTaskName:    failed.ReferenceTaskName,
		TaskDefName:          failed.TaskDefName,
		TaskType:             failed.TaskType,
		Status:               schema.TaskStatusScheduled,
		RetryCount:           failed.RetryCount + 1,
		Iteration:            failed.Iteration,
		RetriedTaskID:        failed.TaskID,
		Priority:             failed.Priority,
		CallbackAfterSeconds: int64(delay / time.Second),
		ScheduledTime:        now,
		InputData:            cloneMap(failed.InputData),
		WorkflowTask:         failed.WorkflowTask,
	}
	return next
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
