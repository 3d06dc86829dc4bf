package systask

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// ReasonRestartsExhausted is the failure reason once a failing child has been
// rewound restartCount times.
const ReasonRestartsExhausted = "Number of restart attempts reached configured value"

// DefaultSubWorkflowRetrySeconds is how often a running child is checked.
const DefaultSubWorkflowRetrySeconds = 1

// SubWorkflow runs another workflow definition as a child of the task's workflow.
type SubWorkflow struct {
	retrySeconds int
	now          func() time.Time
}

// NewSubWorkflow creates the SUB_WORKFLOW task. retrySeconds <= 0 selects the default.
func NewSubWorkflow(retrySeconds int, now func() time.Time) *SubWorkflow {
	if retrySeconds <= 0 {
		retrySeconds = DefaultSubWorkflowRetrySeconds
	}
	return &SubWorkflow{retrySeconds: retrySeconds, now: nowOr(now)}
}

func (s *SubWorkflow) Type() string           { return schema.TaskTypeSubWorkflow }
func (s *SubWorkflow) IsAsync() bool          { return true }
func (s *SubWorkflow) RetryTimeInSecond() int { return s.retrySeconds }

func (s *SubWorkflow) Start(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) error {
	params := subWorkflowParams(task)
	if params == nil || params.Name == "" {
		fail(task, "SUB_WORKFLOW task has no subWorkflowParam", s.now())
		return nil
	}

	childID, err := p.StartWorkflow(ctx, &schema.StartWorkflowRequest{
		Name:                 params.Name,
		Version:              params.Version,
		Input:                task.InputData,
		CorrelationID:        wf.CorrelationID,
		Priority:             wf.Priority,
		ParentWorkflowID:     wf.WorkflowID,
		ParentWorkflowTaskID: task.TaskID,
	})
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeStore) {
			return err
		}
		fail(task, fmt.Sprintf("failed to start sub workflow %s: %s", params.Name, err.Error()), s.now())
		return nil
	}

	task.SetOutput(schema.OutputKeySubWorkflowID, childID)
	if _, ok := task.OutputData[schema.OutputKeyRestartCount]; !ok {
		task.SetOutput(schema.OutputKeyRestartCount, 0)
	}
	inProgress(task, s.now())
	return nil
}

func (s *SubWorkflow) Execute(ctx context.Context, _ *schema.Workflow, task *schema.Task, p Provider) (bool, error) {
	childID, _ := task.OutputData[schema.OutputKeySubWorkflowID].(string)
	if childID == "" {
		fail(task, "sub workflow id is missing from task output", s.now())
		return true, nil
	}
	child, err := p.GetWorkflow(ctx, childID, false)
	if err != nil {
		return false, err
	}
	if !child.Status.IsTerminal() {
		return false, nil
	}

	if child.Status.IsSuccessful() {
		for k, v := range child.Output {
			task.SetOutput(k, v)
		}
		complete(task, s.now())
		return true, nil
	}

	if params := subWorkflowParams(task); params != nil && params.StandbyOnFail {
		if !params.RestartOnFail {
			// Left IN_PROGRESS until the child is resolved by hand.
			return false, nil
		}
		restarts := restartCount(task)
		if params.RestartCount >= 0 && restarts >= params.RestartCount {
			fail(task, ReasonRestartsExhausted, s.now())
			return true, nil
		}
		if err := p.RewindWorkflow(ctx, childID); err != nil {
			return false, err
		}
		task.SetOutput(schema.OutputKeyRestartCount, restarts+1)
		return true, nil
	}

	reason := child.ReasonForIncompletion
	if reason == "" {
		reason = fmt.Sprintf("sub workflow %s finished with status %s", childID, child.Status)
	}
	fail(task, reason, s.now())
	if child.Status == schema.WorkflowStatusTimedOut {
		task.Status = schema.TaskStatusTimedOut
	}
	return true, nil
}

// Cancel stops the child: CANCELLED when the parent was cancelled, TERMINATED otherwise.
func (s *SubWorkflow) Cancel(ctx context.Context, wf *schema.Workflow, task *schema.Task, p Provider) error {
	defer cancel(task, s.now())

	childID, _ := task.OutputData[schema.OutputKeySubWorkflowID].(string)
	if childID == "" {
		return nil
	}
	reason := fmt.Sprintf("parent workflow %s is %s", wf.WorkflowID, wf.Status)
	var err error
	if wf.Status == schema.WorkflowStatusCancelled {
		err = p.CancelWorkflow(ctx, childID, reason)
	} else {
		err = p.TerminateWorkflow(ctx, childID, reason)
	}
	if err != nil && !schema.HasCode(err, schema.ErrCodeWorkflowTerminal) && !schema.IsNotFound(err) {
		return err
	}
	return nil
}

func subWorkflowParams(task *schema.Task) *schema.SubWorkflowParams {
	if task.WorkflowTask == nil {
		return nil
	}
	return task.WorkflowTask.SubWorkflowParam
}

func restartCount(task *schema.Task) int {
	switch v := task.OutputData[schema.OutputKeyRestartCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ SystemTask = (*SubWorkflow)(nil)
