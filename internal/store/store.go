package store

import (
	"context"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// ExecutionStore persists workflow and task instances.
// Implementations must reject concurrent writes to the same row with an
// ErrCodeConflict error instead of silently overwriting them.
type ExecutionStore interface {
	// CreateTasks inserts the tasks whose (workflow, reference, iteration, retry)
	// key is not yet present and returns only the ones actually created.
	CreateTasks(ctx context.Context, tasks []*schema.Task) ([]*schema.Task, error)
	UpdateTask(ctx context.Context, task *schema.Task) error
	UpdateTasks(ctx context.Context, tasks []*schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	GetTasks(ctx context.Context, ids []string) ([]*schema.Task, error)
	GetTasksForWorkflow(ctx context.Context, workflowID string) ([]*schema.Task, error)
	GetPendingTasksForTaskType(ctx context.Context, taskType string) ([]*schema.Task, error)
	GetInProgressTaskCount(ctx context.Context, taskDefName string) (int, error)
	RemoveTasksForWorkflow(ctx context.Context, workflowID string) error

	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string, includeTasks bool) (*schema.Workflow, error)
	GetRunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error)
	GetWorkflowsByCorrelationID(ctx context.Context, correlationID string) ([]*schema.Workflow, error)

	ExceedsInProgressLimit(ctx context.Context, task *schema.Task, limit int) (bool, error)
	ExceedsRateLimitPerFrequency(ctx context.Context, task *schema.Task, count int, window time.Duration) (bool, error)
	ReleaseTaskLimit(ctx context.Context, task *schema.Task) error
}

// MetadataStore persists task and workflow definitions.
type MetadataStore interface {
	RegisterTaskDef(ctx context.Context, def *schema.TaskDef) error
	GetTaskDef(ctx context.Context, name string) (*schema.TaskDef, error)
	ListTaskDefs(ctx context.Context) ([]*schema.TaskDef, error)

	RegisterWorkflowDef(ctx context.Context, def *schema.WorkflowDef) error
	// GetWorkflowDef returns the given version, or the latest one when version is 0.
	GetWorkflowDef(ctx context.Context, name string, version int) (*schema.WorkflowDef, error)
}

// EventStore is the append-only execution event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)
}

// Store bundles every persistence contract the engine needs.
type Store interface {
	ExecutionStore
	MetadataStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
