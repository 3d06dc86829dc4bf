package schema

// TaskStatus represents the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusScheduled               TaskStatus = "SCHEDULED"
	TaskStatusInProgress              TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted               TaskStatus = "COMPLETED"
	TaskStatusCompletedWithErrors     TaskStatus = "COMPLETED_WITH_ERRORS"
	TaskStatusFailed                  TaskStatus = "FAILED"
	TaskStatusFailedWithTerminalError TaskStatus = "FAILED_WITH_TERMINAL_ERROR"
	TaskStatusTimedOut                TaskStatus = "TIMED_OUT"
	TaskStatusCanceled                TaskStatus = "CANCELED"
	TaskStatusSkipped                 TaskStatus = "SKIPPED"
)

type statusTraits struct {
	terminal   bool
	successful bool
	retriable  bool
}

var taskStatusTraits = map[TaskStatus]statusTraits{
	TaskStatusScheduled:               {},
	TaskStatusInProgress:              {},
	TaskStatusCompleted:               {terminal: true, successful: true},
	TaskStatusCompletedWithErrors:     {terminal: true, successful: true},
	TaskStatusFailed:                  {terminal: true, retriable: true},
	TaskStatusFailedWithTerminalError: {terminal: true},
	TaskStatusTimedOut:                {terminal: true, retriable: true},
	TaskStatusCanceled:                {terminal: true},
	TaskStatusSkipped:                 {terminal: true, successful: true},
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool { return taskStatusTraits[s].terminal }

// IsSuccessful reports whether s counts as satisfied for downstream dependencies.
func (s TaskStatus) IsSuccessful() bool { return taskStatusTraits[s].successful }

// IsRetriable reports whether a task ending in s may be followed by a new attempt.
func (s TaskStatus) IsRetriable() bool { return taskStatusTraits[s].retriable }

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := taskStatusTraits[s]
	return ok
}

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning    WorkflowStatus = "RUNNING"
	WorkflowStatusPaused     WorkflowStatus = "PAUSED"
	WorkflowStatusCompleted  WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed     WorkflowStatus = "FAILED"
	WorkflowStatusTimedOut   WorkflowStatus = "TIMED_OUT"
	WorkflowStatusTerminated WorkflowStatus = "TERMINATED"
	WorkflowStatusCancelled  WorkflowStatus = "CANCELLED"
	WorkflowStatusReset      WorkflowStatus = "RESET"
)

var workflowStatusTraits = map[WorkflowStatus]statusTraits{
	WorkflowStatusRunning:    {},
	WorkflowStatusPaused:     {},
	WorkflowStatusCompleted:  {terminal: true, successful: true},
	WorkflowStatusFailed:     {terminal: true},
	WorkflowStatusTimedOut:   {terminal: true},
	WorkflowStatusTerminated: {terminal: true},
	WorkflowStatusCancelled:  {terminal: true},
	WorkflowStatusReset:      {terminal: true},
}

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool { return workflowStatusTraits[s].terminal }

// IsSuccessful reports whether the workflow finished successfully.
func (s WorkflowStatus) IsSuccessful() bool { return workflowStatusTraits[s].successful }

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	_, ok := workflowStatusTraits[s]
	return ok
}
