package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

// taskDefMap is an in-memory TaskDefSource.
type taskDefMap map[string]*schema.TaskDef

func (m taskDefMap) GetTaskDef(_ context.Context, name string) (*schema.TaskDef, error) {
	if def, ok := m[name]; ok {
		return def, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task definition %s not found", name)
}

// systemTypes is a SystemTaskLookup over a fixed set of types.
type systemTypes []string

func (s systemTypes) IsSystemTask(taskType string) bool {
	for _, t := range s {
		if t == taskType {
			return true
		}
	}
	return false
}

func newTestDecider(defs taskDefMap, clock *fakeClock) *Decider {
	d := NewDecider(defs, systemTypes{schema.TaskTypeDoWhile, schema.TaskTypeInline, schema.TaskTypeWait}, clock.Now)
	n := 0
	d.newID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return d
}

func runningWorkflow(tasks ...*schema.Task) *schema.Workflow {
	return &schema.Workflow{
		WorkflowID:   "wf-1",
		WorkflowName: "orders",
		Status:       schema.WorkflowStatusRunning,
		Input:        map[string]any{"orderId": "o-1"},
		Priority:     3,
		Tasks:        tasks,
	}
}

func taskOf(ref string, status schema.TaskStatus, seq int) *schema.Task {
	return &schema.Task{
		TaskID:             ref + "-id",
		WorkflowInstanceID: "wf-1",
		ReferenceTaskName:  ref,
		TaskDefName:        ref + "_task",
		TaskType:           schema.TaskTypeSimple,
		Status:             status,
		Seq:                seq,
	}
}

func TestDecider_SchedulesRootWithResolvedInput(t *testing.T) {
	clock := newFakeClock()
	d := newTestDecider(taskDefMap{}, clock)
	def := &schema.WorkflowDef{Name: "orders", Version: 1, Tasks: []schema.WorkflowTask{
		{Name: "a_task", TaskReferenceName: "a", InputParameters: map[string]any{"id": "${workflow.input.orderId}"}, StartDelay: 5},
		{Name: "b_task", TaskReferenceName: "b"},
	}}

	out, err := d.Decide(context.Background(), runningWorkflow(), def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Empty(t, out.TasksToBeUpdated)
	assert.False(t, out.IsComplete)

	a := out.TasksToBeScheduled[0]
	assert.Equal(t, "task-1", a.TaskID)
	assert.Equal(t, "a", a.ReferenceTaskName)
	assert.Equal(t, "a_task", a.TaskDefName)
	assert.Equal(t, schema.TaskTypeSimple, a.TaskType)
	assert.Equal(t, schema.TaskStatusScheduled, a.Status)
	assert.Equal(t, 1, a.Seq)
	assert.Equal(t, 3, a.Priority)
	assert.Equal(t, int64(5), a.CallbackAfterSeconds)
	assert.Equal(t, clock.Now(), a.ScheduledTime)
	assert.Equal(t, map[string]any{"id": "o-1"}, a.InputData)
	require.NotNil(t, a.WorkflowTask)
	assert.Equal(t, "a", a.WorkflowTask.TaskReferenceName)
}

func TestDecider_IdempotentWhileTaskRuns(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := linearDef("orders", "a", "b")
	wf := runningWorkflow(taskOf("a", schema.TaskStatusInProgress, 1))

	for i := 0; i < 3; i++ {
		out, err := d.Decide(context.Background(), wf, def)
		require.NoError(t, err)
		assert.True(t, out.Empty())
	}
}

func TestDecider_SchedulesSuccessorAfterCompletion(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := linearDef("orders", "a", "b")
	a := taskOf("a", schema.TaskStatusCompleted, 1)
	a.OutputData = map[string]any{"paid": true}

	out, err := d.Decide(context.Background(), runningWorkflow(a), def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, "b", out.TasksToBeScheduled[0].ReferenceTaskName)
	assert.Equal(t, 2, out.TasksToBeScheduled[0].Seq)
}

func TestDecider_FanInWaitsForAllDependencies(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := &schema.WorkflowDef{Name: "orders", Version: 1, Tasks: []schema.WorkflowTask{
		rootNode("left"),
		rootNode("right"),
		simpleNode("join", "left", "right"),
	}}

	wf := runningWorkflow(taskOf("left", schema.TaskStatusCompleted, 1), taskOf("right", schema.TaskStatusInProgress, 2))
	out, err := d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	assert.Empty(t, out.TasksToBeScheduled)

	wf.Tasks[1].Status = schema.TaskStatusCompleted
	out, err = d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, "join", out.TasksToBeScheduled[0].ReferenceTaskName)
}

func TestDecider_CompletesWithLastOutput(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := linearDef("orders", "a", "b")
	a := taskOf("a", schema.TaskStatusCompleted, 1)
	a.OutputData = map[string]any{"step": "a"}
	b := taskOf("b", schema.TaskStatusCompleted, 2)
	b.OutputData = map[string]any{"step": "b"}

	out, err := d.Decide(context.Background(), runningWorkflow(a, b), def)
	require.NoError(t, err)
	assert.True(t, out.IsComplete)
	assert.Equal(t, map[string]any{"step": "b"}, out.Output)

	out.Output["step"] = "mutated"
	assert.Equal(t, "b", b.OutputData["step"])
}

func TestDecider_CompletesWithOutputParameters(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := linearDef("orders", "a")
	def.OutputParameters = map[string]any{"charged": "${a.output.amount}", "order": "${workflow.input.orderId}"}
	a := taskOf("a", schema.TaskStatusCompleted, 1)
	a.OutputData = map[string]any{"amount": 12.5}

	out, err := d.Decide(context.Background(), runningWorkflow(a), def)
	require.NoError(t, err)
	require.True(t, out.IsComplete)
	assert.Equal(t, map[string]any{"charged": 12.5, "order": "o-1"}, out.Output)
}

func TestDecider_RetryBoundedByRetryCount(t *testing.T) {
	clock := newFakeClock()
	defs := taskDefMap{"a_task": {Name: "a_task", RetryCount: 1, RetryDelaySeconds: 3, RetryLogic: schema.RetryLogicFixed}}
	d := newTestDecider(defs, clock)
	def := linearDef("orders", "a")

	failed := taskOf("a", schema.TaskStatusFailed, 1)
	failed.ReasonForIncompletion = "boom"
	wf := runningWorkflow(failed)

	out, err := d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	assert.Nil(t, out.Terminate)
	require.Len(t, out.TasksToBeUpdated, 1)
	assert.True(t, out.TasksToBeUpdated[0].Retried)
	assert.False(t, failed.Retried, "the input task must not be mutated")

	require.Len(t, out.TasksToBeScheduled, 1)
	retry := out.TasksToBeScheduled[0]
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, failed.TaskID, retry.RetriedTaskID)
	assert.Equal(t, int64(3), retry.CallbackAfterSeconds)
	assert.Equal(t, 2, retry.Seq)

	// Second attempt also fails: the bound is reached.
	retry.Status = schema.TaskStatusFailed
	retry.ReasonForIncompletion = "boom again"
	wf.Tasks = []*schema.Task{out.TasksToBeUpdated[0], retry}
	out, err = d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	require.NotNil(t, out.Terminate)
	assert.Equal(t, schema.WorkflowStatusFailed, out.Terminate.Status)
	assert.Equal(t, "Task a failed with status FAILED and reason: boom again", out.Terminate.Reason)
	assert.Equal(t, retry.TaskID, out.Terminate.Task.TaskID)
	assert.Empty(t, out.TasksToBeScheduled)
}

func TestDecider_TerminateFillsMissingReason(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	out, err := d.Decide(context.Background(), runningWorkflow(taskOf("a", schema.TaskStatusFailed, 1)), linearDef("orders", "a"))
	require.NoError(t, err)
	require.NotNil(t, out.Terminate)
	assert.Equal(t, "Task a failed with status FAILED and reason: task finished with status FAILED", out.Terminate.Reason)
	require.Len(t, out.TasksToBeUpdated, 1)
	assert.Equal(t, "task finished with status FAILED", out.TasksToBeUpdated[0].ReasonForIncompletion)
}

func TestDecider_OptionalFailureIsRelabelled(t *testing.T) {
	d := newTestDecider(taskDefMap{"a_task": {Name: "a_task", RetryCount: 3}}, newFakeClock())
	def := linearDef("orders", "a", "b")
	def.Tasks[0].Optional = true

	out, err := d.Decide(context.Background(), runningWorkflow(taskOf("a", schema.TaskStatusTimedOut, 1)), def)
	require.NoError(t, err)
	assert.Nil(t, out.Terminate)
	require.Len(t, out.TasksToBeUpdated, 1)
	assert.Equal(t, schema.TaskStatusCompletedWithErrors, out.TasksToBeUpdated[0].Status)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, "b", out.TasksToBeScheduled[0].ReferenceTaskName)
}

func TestDecider_ResponseTimeout(t *testing.T) {
	clock := newFakeClock()
	defs := taskDefMap{"a_task": {Name: "a_task", ResponseTimeoutSeconds: 10}}
	d := newTestDecider(defs, clock)
	def := linearDef("orders", "a")

	a := taskOf("a", schema.TaskStatusInProgress, 1)
	a.StartTime = clock.Now()
	a.UpdateTime = clock.Now()
	wf := runningWorkflow(a)

	clock.Advance(5 * time.Second)
	out, err := d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	assert.True(t, out.Empty())

	clock.Advance(6 * time.Second)
	out, err = d.Decide(context.Background(), wf, def)
	require.NoError(t, err)
	require.NotNil(t, out.Terminate)
	require.Len(t, out.TasksToBeUpdated, 1)
	assert.Equal(t, schema.TaskStatusTimedOut, out.TasksToBeUpdated[0].Status)
	assert.Contains(t, out.TasksToBeUpdated[0].ReasonForIncompletion, "responseTimeout")
}

func TestDecider_TotalTimeoutRetries(t *testing.T) {
	clock := newFakeClock()
	defs := taskDefMap{"a_task": {Name: "a_task", TimeoutSeconds: 60, RetryCount: 1}}
	d := newTestDecider(defs, clock)

	a := taskOf("a", schema.TaskStatusInProgress, 1)
	a.StartTime = clock.Now()
	clock.Advance(61 * time.Second)
	a.UpdateTime = clock.Now()

	out, err := d.Decide(context.Background(), runningWorkflow(a), linearDef("orders", "a"))
	require.NoError(t, err)
	assert.Nil(t, out.Terminate)
	require.Len(t, out.TasksToBeUpdated, 1)
	assert.Equal(t, schema.TaskStatusTimedOut, out.TasksToBeUpdated[0].Status)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, 1, out.TasksToBeScheduled[0].RetryCount)
}

func TestDecider_SystemTasksNeverTimeOut(t *testing.T) {
	clock := newFakeClock()
	d := newTestDecider(taskDefMap{"pause": {Name: "pause", ResponseTimeoutSeconds: 1}}, clock)
	def := &schema.WorkflowDef{Name: "orders", Version: 1, Tasks: []schema.WorkflowTask{
		{Name: "pause", TaskReferenceName: "pause", Type: schema.TaskTypeWait},
	}}
	wait := taskOf("pause", schema.TaskStatusInProgress, 1)
	wait.TaskType = schema.TaskTypeWait
	wait.TaskDefName = "pause"
	wait.StartTime = clock.Now()
	clock.Advance(time.Hour)

	out, err := d.Decide(context.Background(), runningWorkflow(wait), def)
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestDecider_BadInputTerminates(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := &schema.WorkflowDef{Name: "orders", Version: 1, Tasks: []schema.WorkflowTask{
		{Name: "a_task", TaskReferenceName: "a", InputParameters: map[string]any{"x": "${workflow.input.items[oops}"}},
	}}

	out, err := d.Decide(context.Background(), runningWorkflow(), def)
	require.NoError(t, err)
	require.NotNil(t, out.Terminate)
	assert.Contains(t, out.Terminate.Reason, "failed to resolve input of task a")
}

func TestDecider_TerminalAndPausedWorkflowsAreIgnored(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := linearDef("orders", "a")
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed} {
		wf := runningWorkflow()
		wf.Status = status
		out, err := d.Decide(context.Background(), wf, def)
		require.NoError(t, err)
		assert.True(t, out.Empty(), "status %s", status)
	}
}

func loopDef() *schema.WorkflowDef {
	return &schema.WorkflowDef{Name: "orders", Version: 1, Tasks: []schema.WorkflowTask{{
		Name:              "loop",
		TaskReferenceName: "loop",
		Type:              schema.TaskTypeDoWhile,
		LoopCondition:     "iteration < 3",
		LoopOver: []schema.WorkflowTask{
			{Name: "fetch_task", TaskReferenceName: "fetch"},
			{Name: "store_task", TaskReferenceName: "store"},
		},
	}}}
}

func TestDecider_LoopBodyAdvancesWithinIteration(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := loopDef()
	loop := taskOf("loop", schema.TaskStatusInProgress, 1)
	loop.TaskType = schema.TaskTypeDoWhile
	loop.WorkflowTask = &def.Tasks[0]
	loop.OutputData = map[string]any{"iteration": 2}

	fetch := taskOf("fetch", schema.TaskStatusCompleted, 2)
	fetch.Iteration = 2

	out, err := d.Decide(context.Background(), runningWorkflow(loop, fetch), def)
	require.NoError(t, err)
	require.Len(t, out.TasksToBeScheduled, 1)
	assert.Equal(t, "store", out.TasksToBeScheduled[0].ReferenceTaskName)
	assert.Equal(t, 2, out.TasksToBeScheduled[0].Iteration)
	assert.False(t, out.IsComplete)
}

func TestDecider_LoopBodyFailureDoesNotTerminate(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := loopDef()
	loop := taskOf("loop", schema.TaskStatusInProgress, 1)
	loop.TaskType = schema.TaskTypeDoWhile
	loop.WorkflowTask = &def.Tasks[0]
	loop.OutputData = map[string]any{"iteration": 1}

	fetch := taskOf("fetch", schema.TaskStatusFailed, 2)
	fetch.Iteration = 1

	out, err := d.Decide(context.Background(), runningWorkflow(loop, fetch), def)
	require.NoError(t, err)
	assert.Nil(t, out.Terminate)
	assert.Empty(t, out.TasksToBeScheduled)
}

func TestDecider_LoopIterationTasks(t *testing.T) {
	d := newTestDecider(taskDefMap{}, newFakeClock())
	def := loopDef()
	loop := taskOf("loop", schema.TaskStatusInProgress, 4)
	loop.TaskType = schema.TaskTypeDoWhile
	loop.WorkflowTask = &def.Tasks[0]
	loop.OutputData = map[string]any{"iteration": 3}

	tasks, err := d.LoopIterationTasks(runningWorkflow(loop), loop)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fetch", tasks[0].ReferenceTaskName)
	assert.Equal(t, 3, tasks[0].Iteration)
	assert.Equal(t, 5, tasks[0].Seq)
	assert.NotEmpty(t, tasks[0].TaskID)
}

func TestDecider_CanRetry(t *testing.T) {
	d := newTestDecider(taskDefMap{"a_task": {Name: "a_task", RetryCount: 1}}, newFakeClock())
	ok, err := d.CanRetry(context.Background(), taskOf("a", schema.TaskStatusFailed, 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.CanRetry(context.Background(), taskOf("unknown", schema.TaskStatusFailed, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}
