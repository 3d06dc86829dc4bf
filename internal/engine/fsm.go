package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

// EventAppender is satisfied by the Store and events.Recorder; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// transitionPayload is the event payload of every state change.
type transitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// --- Workflow FSM ---

// WorkflowFSM validates workflow state transitions and records them in the event log.
// The caller (Executor) is responsible for persisting the new state to the store.
type WorkflowFSM struct {
	appender EventAppender
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{appender: appender}
}

// Transition validates from -> to and emits the corresponding event.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, reason string) error {
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	eventType := schema.WorkflowEventType(to)
	if to == schema.WorkflowStatusRunning && from.IsTerminal() {
		eventType = schema.EventWorkflowRewound
	}
	return emit(ctx, f.appender, &store.Event{WorkflowID: workflowID, Type: eventType},
		transitionPayload{From: string(from), To: string(to), Reason: reason})
}

// Started records the creation of a RUNNING workflow.
func (f *WorkflowFSM) Started(ctx context.Context, workflowID string) error {
	return emit(ctx, f.appender, &store.Event{WorkflowID: workflowID, Type: schema.EventWorkflowStarted},
		transitionPayload{To: string(schema.WorkflowStatusRunning)})
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// --- Task FSM ---

// TaskFSM validates task state transitions and records them in the event log.
type TaskFSM struct {
	appender EventAppender
}

// NewTaskFSM creates a new TaskFSM that emits events via the given appender.
func NewTaskFSM(appender EventAppender) *TaskFSM {
	return &TaskFSM{appender: appender}
}

// Transition validates from -> to for task and emits the corresponding event.
// A same-status transition is a no-op, except IN_PROGRESS -> IN_PROGRESS which
// records an update.
func (f *TaskFSM) Transition(ctx context.Context, task *schema.Task, from schema.TaskStatus) error {
	to := task.Status
	if from == to && to != schema.TaskStatusInProgress {
		return nil
	}
	if !IsValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(task.TaskID).
			WithDetails(map[string]any{"workflow_id": task.WorkflowInstanceID, "from": string(from), "to": string(to)})
	}
	eventType := schema.TaskEventType(to)
	if from == to {
		eventType = schema.EventTaskUpdated
	}
	return emit(ctx, f.appender,
		&store.Event{WorkflowID: task.WorkflowInstanceID, TaskID: task.TaskID, Type: eventType},
		transitionPayload{From: string(from), To: string(to), Reason: task.ReasonForIncompletion})
}

// Scheduled records the creation of a SCHEDULED task.
func (f *TaskFSM) Scheduled(ctx context.Context, task *schema.Task) error {
	return emit(ctx, f.appender,
		&store.Event{WorkflowID: task.WorkflowInstanceID, TaskID: task.TaskID, Type: schema.EventTaskScheduled},
		transitionPayload{To: string(schema.TaskStatusScheduled)})
}

// IsValidTaskTransition reports whether the task table allows from -> to.
func IsValidTaskTransition(from, to schema.TaskStatus) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func emit(ctx context.Context, appender EventAppender, event *store.Event, payload transitionPayload) error {
	if appender == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode event payload").WithCause(err)
	}
	event.Payload = raw
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", event.Type, err.Error()).
			WithTask(event.TaskID).WithCause(err)
	}
	return nil
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
// A terminal workflow only leaves its state through rewind or retry.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed,
		schema.WorkflowStatusTimedOut, schema.WorkflowStatusTerminated, schema.WorkflowStatusCancelled,
		schema.WorkflowStatusReset,
	},
	schema.WorkflowStatusPaused: {
		schema.WorkflowStatusRunning, schema.WorkflowStatusTerminated, schema.WorkflowStatusCancelled,
		schema.WorkflowStatusFailed, schema.WorkflowStatusTimedOut,
	},
	schema.WorkflowStatusCompleted:  {schema.WorkflowStatusRunning},
	schema.WorkflowStatusFailed:     {schema.WorkflowStatusRunning},
	schema.WorkflowStatusTimedOut:   {schema.WorkflowStatusRunning},
	schema.WorkflowStatusTerminated: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusCancelled:  {schema.WorkflowStatusRunning},
	schema.WorkflowStatusReset:      {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
// A new attempt after a failure is a new task, not a transition.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusScheduled: {
		schema.TaskStatusInProgress, schema.TaskStatusCompleted, schema.TaskStatusFailed,
		schema.TaskStatusFailedWithTerminalError, schema.TaskStatusTimedOut,
		schema.TaskStatusCanceled, schema.TaskStatusSkipped,
	},
	schema.TaskStatusInProgress: {
		schema.TaskStatusInProgress, schema.TaskStatusCompleted, schema.TaskStatusFailed,
		schema.TaskStatusFailedWithTerminalError, schema.TaskStatusTimedOut, schema.TaskStatusCanceled,
	},
	// Optional tasks that failed are re-labelled; a failed or canceled loop is reopened by a workflow retry.
	schema.TaskStatusFailed:                  {schema.TaskStatusCompletedWithErrors, schema.TaskStatusInProgress},
	schema.TaskStatusFailedWithTerminalError: {schema.TaskStatusCompletedWithErrors},
	schema.TaskStatusTimedOut:                {schema.TaskStatusCompletedWithErrors},
	schema.TaskStatusCompleted:               {},
	schema.TaskStatusCompletedWithErrors:     {},
	schema.TaskStatusCanceled:                {schema.TaskStatusInProgress},
	schema.TaskStatusSkipped:                 {},
}
