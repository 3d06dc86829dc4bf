package schema

// Event type constants for the execution event log.
const (
	EventWorkflowStarted    = "workflow_started"
	EventWorkflowCompleted  = "workflow_completed"
	EventWorkflowFailed     = "workflow_failed"
	EventWorkflowTimedOut   = "workflow_timed_out"
	EventWorkflowTerminated = "workflow_terminated"
	EventWorkflowCancelled  = "workflow_cancelled"
	EventWorkflowPaused     = "workflow_paused"
	EventWorkflowResumed    = "workflow_resumed"
	EventWorkflowRewound    = "workflow_rewound"

	EventTaskScheduled  = "task_scheduled"
	EventTaskStarted    = "task_started"
	EventTaskUpdated    = "task_updated"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskTimedOut   = "task_timed_out"
	EventTaskCanceled   = "task_canceled"
	EventTaskSkipped    = "task_skipped"
	EventTaskRetried    = "task_retried"
	EventTaskRedelivery = "task_redelivered"

	EventLoopIterationStarted = "loop_iteration_started"
	EventSubWorkflowRestarted = "sub_workflow_restarted"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// workflowEventTypes maps a target workflow status to the event that records it.
var workflowEventTypes = map[WorkflowStatus]string{
	WorkflowStatusRunning:    EventWorkflowResumed,
	WorkflowStatusPaused:     EventWorkflowPaused,
	WorkflowStatusCompleted:  EventWorkflowCompleted,
	WorkflowStatusFailed:     EventWorkflowFailed,
	WorkflowStatusTimedOut:   EventWorkflowTimedOut,
	WorkflowStatusTerminated: EventWorkflowTerminated,
	WorkflowStatusCancelled:  EventWorkflowCancelled,
	WorkflowStatusReset:      EventWorkflowRewound,
}

// WorkflowEventType returns the event type recorded when a workflow enters status.
func WorkflowEventType(status WorkflowStatus) string {
	return workflowEventTypes[status]
}

// TaskEventType returns the event type recorded when a task enters status.
func TaskEventType(status TaskStatus) string {
	switch status {
	case TaskStatusScheduled:
		return EventTaskScheduled
	case TaskStatusInProgress:
		return EventTaskStarted
	case TaskStatusCompleted, TaskStatusCompletedWithErrors:
		return EventTaskCompleted
	case TaskStatusFailed, TaskStatusFailedWithTerminalError:
		return EventTaskFailed
	case TaskStatusTimedOut:
		return EventTaskTimedOut
	case TaskStatusCanceled:
		return EventTaskCanceled
	case TaskStatusSkipped:
		return EventTaskSkipped
	}
	return EventTaskUpdated
}
