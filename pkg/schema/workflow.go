package schema

import "encoding/json"

// Built-in task types. Any other type string names a task definition polled by external workers.
const (
	TaskTypeSimple          = "SIMPLE"
	TaskTypeDoWhile         = "DO_WHILE"
	TaskTypeSubWorkflow     = "SUB_WORKFLOW"
	TaskTypeWait            = "WAIT"
	TaskTypeJSONJQTransform = "JSON_JQ_TRANSFORM"
	TaskTypeInline          = "INLINE"
)

// WorkflowDef is an immutable, versioned workflow blueprint identified by (Name, Version).
type WorkflowDef struct {
	Name             string          `json:"name"`
	Version          int             `json:"version"`
	Description      string          `json:"description,omitempty"`
	Tasks            []WorkflowTask  `json:"tasks"`
	InputParameters  []string        `json:"inputParameters,omitempty"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	OutputParameters map[string]any  `json:"outputParameters,omitempty"`
	Restartable      *bool           `json:"restartable,omitempty"`
	OwnerEmail       string          `json:"ownerEmail,omitempty"`
}

// IsRestartable reports whether a terminal instance of the definition may be rewound.
func (d *WorkflowDef) IsRestartable() bool {
	return d.Restartable == nil || *d.Restartable
}

// TaskByRef searches the definition, loop bodies included, for the node with the given reference name.
func (d *WorkflowDef) TaskByRef(ref string) *WorkflowTask {
	for i := range d.Tasks {
		if found := d.Tasks[i].find(ref); found != nil {
			return found
		}
	}
	return nil
}

// WorkflowTask is one node of a WorkflowDef.
type WorkflowTask struct {
	Name              string             `json:"name"`
	TaskReferenceName string             `json:"taskReferenceName"`
	Type              string             `json:"type,omitempty"`
	Description       string             `json:"description,omitempty"`
	InputParameters   map[string]any     `json:"inputParameters,omitempty"`
	Optional          bool               `json:"optional,omitempty"`
	// DependsOn lists upstream reference names. Nil means the previous node in
	// definition order; an empty, non-nil slice marks a root.
	DependsOn        []string           `json:"dependsOn"`
	LoopCondition    string             `json:"loopCondition,omitempty"`
	EvaluatorType    string             `json:"evaluatorType,omitempty"`
	LoopOver         []WorkflowTask     `json:"loopOver,omitempty"`
	SubWorkflowParam *SubWorkflowParams `json:"subWorkflowParam,omitempty"`
	StartDelay       int                `json:"startDelay,omitempty"`
}

// TaskType returns the node's type, defaulting to SIMPLE.
func (t *WorkflowTask) TaskType() string {
	if t.Type == "" {
		return TaskTypeSimple
	}
	return t.Type
}

// QueueName is the lease queue a task for this node is dispatched on.
func (t *WorkflowTask) QueueName() string {
	if t.TaskType() == TaskTypeSimple {
		return t.Name
	}
	return t.TaskType()
}

// Has reports whether ref names this node or any node nested in its loop body.
func (t *WorkflowTask) Has(ref string) bool {
	return t.find(ref) != nil
}

func (t *WorkflowTask) find(ref string) *WorkflowTask {
	if t.TaskReferenceName == ref {
		return t
	}
	for i := range t.LoopOver {
		if found := t.LoopOver[i].find(ref); found != nil {
			return found
		}
	}
	return nil
}

// SubWorkflowParams configures a SUB_WORKFLOW node.
type SubWorkflowParams struct {
	Name          string `json:"name"`
	Version       int    `json:"version,omitempty"`
	StandbyOnFail bool   `json:"standbyOnFail,omitempty"`
	RestartOnFail bool   `json:"restartOnFail,omitempty"`
	RestartCount  int    `json:"restartCount,omitempty"`
}

// RetryLogic selects how the delay before a retry attempt grows.
type RetryLogic string

const (
	RetryLogicFixed              RetryLogic = "FIXED"
	RetryLogicLinearBackoff      RetryLogic = "LINEAR_BACKOFF"
	RetryLogicExponentialBackoff RetryLogic = "EXPONENTIAL_BACKOFF"
)

// TaskDef carries the retry policy, timeouts and admission limits of a task type.
type TaskDef struct {
	Name                        string     `json:"name"`
	Description                 string     `json:"description,omitempty"`
	RetryCount                  int        `json:"retryCount"`
	RetryLogic                  RetryLogic `json:"retryLogic,omitempty"`
	RetryDelaySeconds           int        `json:"retryDelaySeconds,omitempty"`
	TimeoutSeconds              int64      `json:"timeoutSeconds,omitempty"`
	ResponseTimeoutSeconds      int64      `json:"responseTimeoutSeconds,omitempty"`
	ConcurrentExecLimit         int        `json:"concurrentExecLimit,omitempty"`
	RateLimitPerFrequency       int        `json:"rateLimitPerFrequency,omitempty"`
	RateLimitFrequencyInSeconds int        `json:"rateLimitFrequencyInSeconds,omitempty"`
	OwnerEmail                  string     `json:"ownerEmail,omitempty"`
}

// ConcurrencyLimit returns the max simultaneous IN_PROGRESS tasks, 0 meaning unlimited.
func (d *TaskDef) ConcurrencyLimit() int {
	if d == nil || d.ConcurrentExecLimit < 0 {
		return 0
	}
	return d.ConcurrentExecLimit
}

// RateLimited reports whether the definition configures a rate window.
func (d *TaskDef) RateLimited() bool {
	return d != nil && d.RateLimitPerFrequency > 0 && d.RateLimitFrequencyInSeconds > 0
}

// ResolveDependencies returns, for every node in nodes, the reference names it
// waits on, with the implicit previous-node dependency made explicit.
func ResolveDependencies(nodes []WorkflowTask) map[string][]string {
	deps := make(map[string][]string, len(nodes))
	for i, n := range nodes {
		switch {
		case n.DependsOn != nil:
			deps[n.TaskReferenceName] = n.DependsOn
		case i == 0:
			deps[n.TaskReferenceName] = []string{}
		default:
			deps[n.TaskReferenceName] = []string{nodes[i-1].TaskReferenceName}
		}
	}
	return deps
}
