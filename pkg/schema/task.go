package schema

import (
	"strconv"
	"time"
)

// Output keys the engine reserves on system tasks.
const (
	OutputKeyIteration     = "iteration"
	OutputKeySubWorkflowID = "subWorkflowId"
	OutputKeyRestartCount  = "restartCount"
	OutputKeyResult        = "result"
)

// Workflow is a running (or finished) instance of a WorkflowDef.
type Workflow struct {
	WorkflowID               string         `json:"workflowId"`
	WorkflowName             string         `json:"workflowName"`
	WorkflowVersion          int            `json:"workflowVersion"`
	Status                   WorkflowStatus `json:"status"`
	Tasks                    []*Task        `json:"tasks,omitempty"`
	Input                    map[string]any `json:"input,omitempty"`
	Output                   map[string]any `json:"output,omitempty"`
	CorrelationID            string         `json:"correlationId,omitempty"`
	ParentWorkflowID         string         `json:"parentWorkflowId,omitempty"`
	ParentWorkflowTaskID     string         `json:"parentWorkflowTaskId,omitempty"`
	ReasonForIncompletion    string         `json:"reasonForIncompletion,omitempty"`
	FailedReferenceTaskNames []string       `json:"failedReferenceTaskNames,omitempty"`
	Priority                 int            `json:"priority"`
	Variables                map[string]any `json:"variables,omitempty"`
	Tags                     []string       `json:"tags,omitempty"`
	CreateTime               time.Time      `json:"createTime"`
	UpdateTime               time.Time      `json:"updateTime"`
	EndTime                  *time.Time     `json:"endTime,omitempty"`
	// Version is the optimistic-concurrency row version maintained by the store.
	Version int64 `json:"version"`
}

// TaskByRef returns the current attempt of the task with the given reference
// name and iteration, or nil.
func (w *Workflow) TaskByRef(ref string, iteration int) *Task {
	var current *Task
	for _, t := range w.Tasks {
		if t.ReferenceTaskName != ref || t.Iteration != iteration {
			continue
		}
		if current == nil || t.RetryCount > current.RetryCount {
			current = t
		}
	}
	return current
}

// Task is one attempt at executing a WorkflowTask node.
type Task struct {
	TaskID                string         `json:"taskId"`
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	WorkflowType          string         `json:"workflowType,omitempty"`
	ReferenceTaskName     string         `json:"referenceTaskName"`
	TaskDefName           string         `json:"taskDefName"`
	TaskType              string         `json:"taskType"`
	Status                TaskStatus     `json:"status"`
	RetryCount            int            `json:"retryCount"`
	Iteration             int            `json:"iteration"`
	Seq                   int            `json:"seq"`
	PollCount             int            `json:"pollCount"`
	Retried               bool           `json:"retried,omitempty"`
	RetriedTaskID         string         `json:"retriedTaskId,omitempty"`
	Priority              int            `json:"priority"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds,omitempty"`
	ScheduledTime         time.Time      `json:"scheduledTime"`
	StartTime             time.Time      `json:"startTime"`
	UpdateTime            time.Time      `json:"updateTime"`
	EndTime               time.Time      `json:"endTime"`
	InputData             map[string]any `json:"inputData,omitempty"`
	OutputData            map[string]any `json:"outputData,omitempty"`
	WorkerID              string         `json:"workerId,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	WorkflowTask          *WorkflowTask  `json:"workflowTask,omitempty"`
	// Version is the optimistic-concurrency row version maintained by the store.
	Version int64 `json:"version"`
}

// QueueName is the lease queue this task is dispatched on.
func (t *Task) QueueName() string {
	if t.TaskType == TaskTypeSimple || t.TaskType == "" {
		return t.TaskDefName
	}
	return t.TaskType
}

// DisplayReferenceName renders the reference name with the loop iteration for humans.
func (t *Task) DisplayReferenceName() string {
	if t.Iteration <= 0 {
		return t.ReferenceTaskName
	}
	return t.ReferenceTaskName + "__" + strconv.Itoa(t.Iteration)
}

// LoopIteration returns the active pass of a DO_WHILE task, 0 before its first entry.
func (t *Task) LoopIteration() int {
	switch v := t.OutputData[OutputKeyIteration].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetOutput sets a single output key, allocating the map on first use.
func (t *Task) SetOutput(key string, value any) {
	if t.OutputData == nil {
		t.OutputData = make(map[string]any)
	}
	t.OutputData[key] = value
}

// TaskResult is what a worker reports back for a claimed task.
type TaskResult struct {
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	TaskID                string         `json:"taskId"`
	Status                TaskStatus     `json:"status"`
	OutputData            map[string]any `json:"outputData,omitempty"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds,omitempty"`
	WorkerID              string         `json:"workerId,omitempty"`
	ResetStartTime        bool           `json:"resetStartTime,omitempty"`
	Logs                  []string       `json:"logs,omitempty"`
}

// StartWorkflowRequest describes a new workflow instance.
type StartWorkflowRequest struct {
	Name                 string         `json:"name"`
	Version              int            `json:"version,omitempty"`
	Input                map[string]any `json:"input,omitempty"`
	CorrelationID        string         `json:"correlationId,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	ParentWorkflowID     string         `json:"parentWorkflowId,omitempty"`
	ParentWorkflowTaskID string         `json:"parentWorkflowTaskId,omitempty"`
}
