package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/limiter"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// --- Harness ---

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	store    *store.LibSQLStore
	queue    *queue.MemoryQueue
	registry *systask.Registry
	exec     Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	evaluators, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(evaluators)
	require.NoError(t, err)

	logger := discardLogger()
	q := queue.NewMemoryQueue(queue.Options{UnackTimeout: time.Minute, PollInterval: time.Millisecond, Now: clock.Now})
	registry := systask.NewDefaultRegistry(evaluators, 0, clock.Now)

	exec := NewExecutor(ExecutorDeps{
		Store:       s,
		Metadata:    s,
		Events:      s,
		Queue:       q,
		Limiter:     limiter.New(s, s, s, logger),
		SystemTasks: registry,
		Validator:   validator,
		Logger:      logger,
	}, ExecutorConfig{Now: clock.Now})

	return &harness{t: t, ctx: ctx, clock: clock, store: s, queue: q, registry: registry, exec: exec}
}

func (h *harness) taskDef(name string, retries int) *schema.TaskDef {
	h.t.Helper()
	def := &schema.TaskDef{Name: name, RetryCount: retries, RetryLogic: schema.RetryLogicFixed}
	require.NoError(h.t, h.exec.RegisterTaskDef(h.ctx, def))
	return def
}

func (h *harness) workflowDef(def *schema.WorkflowDef) {
	h.t.Helper()
	if def.Version == 0 {
		def.Version = 1
	}
	require.NoError(h.t, h.exec.RegisterWorkflowDef(h.ctx, def))
}

func (h *harness) start(name string, input map[string]any) string {
	h.t.Helper()
	id, err := h.exec.StartWorkflow(h.ctx, &schema.StartWorkflowRequest{Name: name, Input: input})
	require.NoError(h.t, err)
	return id
}

func (h *harness) workflow(id string) *schema.Workflow {
	h.t.Helper()
	wf, err := h.exec.GetWorkflow(h.ctx, id, true)
	require.NoError(h.t, err)
	return wf
}

// pollOne claims exactly one task from taskType.
func (h *harness) pollOne(taskType string) *schema.Task {
	h.t.Helper()
	tasks, err := h.exec.Poll(h.ctx, taskType, "worker-1", 1, 0)
	require.NoError(h.t, err)
	require.Len(h.t, tasks, 1, "expected one task on %s", taskType)
	return tasks[0]
}

func (h *harness) pollNone(taskType string) {
	h.t.Helper()
	tasks, err := h.exec.Poll(h.ctx, taskType, "worker-1", 10, 0)
	require.NoError(h.t, err)
	require.Empty(h.t, tasks, "expected no task on %s", taskType)
}

func (h *harness) finish(task *schema.Task, status schema.TaskStatus, output map[string]any, reason string) {
	h.t.Helper()
	require.NoError(h.t, h.exec.UpdateTask(h.ctx, &schema.TaskResult{
		WorkflowInstanceID:    task.WorkflowInstanceID,
		TaskID:                task.TaskID,
		Status:                status,
		OutputData:            output,
		ReasonForIncompletion: reason,
		WorkerID:              "worker-1",
	}))
}

// drainSystemTasks runs every visible message of an async system task queue once
// and returns how many it ran.
func (h *harness) drainSystemTasks(taskType string) int {
	h.t.Helper()
	st, ok := h.registry.Get(taskType)
	require.True(h.t, ok)
	ids, err := h.queue.Pop(h.ctx, taskType, 100, 0)
	require.NoError(h.t, err)
	for _, id := range ids {
		require.NoError(h.t, h.exec.ExecuteSystemTask(h.ctx, st, id))
	}
	return len(ids)
}

func tasksByRef(wf *schema.Workflow, ref string) []*schema.Task {
	var out []*schema.Task
	for _, t := range wf.Tasks {
		if t.ReferenceTaskName == ref {
			out = append(out, t)
		}
	}
	return out
}

func linearDef(name string, refs ...string) *schema.WorkflowDef {
	def := &schema.WorkflowDef{Name: name, Version: 1}
	for _, ref := range refs {
		def.Tasks = append(def.Tasks, schema.WorkflowTask{Name: ref + "_task", TaskReferenceName: ref})
	}
	return def
}

func eventTypes(t *testing.T, exec Executor, workflowID string) []string {
	t.Helper()
	events, err := exec.GetEvents(context.Background(), workflowID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// --- Definitions ---

func TestExecutor_RegisterWorkflowDefRequiresTaskDefs(t *testing.T) {
	h := newHarness(t)

	err := h.exec.RegisterWorkflowDef(h.ctx, linearDef("orders", "a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a_task")

	h.taskDef("a_task", 0)
	assert.NoError(t, h.exec.RegisterWorkflowDef(h.ctx, linearDef("orders", "a")))
}

func TestExecutor_StartUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.StartWorkflow(h.ctx, &schema.StartWorkflowRequest{Name: "missing"})
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

// --- Linear flow ---

func TestExecutor_LinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("linear", "a", "b"))

	id := h.start("linear", map[string]any{"order": "o-1"})
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "a", wf.Tasks[0].ReferenceTaskName)
	assert.Equal(t, schema.TaskStatusScheduled, wf.Tasks[0].Status)

	h.pollNone("b_task")
	a := h.pollOne("a_task")
	assert.Equal(t, schema.TaskStatusInProgress, a.Status)
	assert.Equal(t, "worker-1", a.WorkerID)
	assert.Equal(t, 1, a.PollCount)
	h.finish(a, schema.TaskStatusCompleted, map[string]any{"paid": true}, "")

	b := h.pollOne("b_task")
	assert.Equal(t, 2, b.Seq)
	h.finish(b, schema.TaskStatusCompleted, map[string]any{"shipped": true}, "")

	wf = h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, map[string]any{"shipped": true}, wf.Output)
	require.NotNil(t, wf.EndTime)

	types := eventTypes(t, h.exec, id)
	assert.Equal(t, schema.EventWorkflowStarted, types[0])
	assert.Equal(t, schema.EventWorkflowCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventTaskScheduled)
	assert.Contains(t, types, schema.EventTaskStarted)
	assert.Contains(t, types, schema.EventTaskCompleted)
}

func TestExecutor_DecideIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("idem", "a", "b"))

	id := h.start("idem", nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.exec.Decide(h.ctx, id))
	}

	wf := h.workflow(id)
	require.Len(t, wf.Tasks, 1)
	size, err := h.queue.Size(h.ctx, "a_task")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestExecutor_DecideRequeuesLostMessage(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("lost", "a"))

	id := h.start("lost", nil)
	wf := h.workflow(id)
	require.NoError(t, h.queue.Remove(h.ctx, "a_task", wf.Tasks[0].TaskID))

	require.NoError(t, h.exec.Decide(h.ctx, id))
	a := h.pollOne("a_task")
	assert.Equal(t, wf.Tasks[0].TaskID, a.TaskID)
}

// --- Failures and retries ---

func TestExecutor_FailureWithoutRetriesFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("fragile", "a", "b"))

	id := h.start("fragile", nil)
	a := h.pollOne("a_task")
	h.finish(a, schema.TaskStatusFailed, nil, "card declined")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Contains(t, wf.ReasonForIncompletion, "Task a failed with status FAILED")
	assert.Contains(t, wf.ReasonForIncompletion, "card declined")
	assert.Equal(t, []string{"a"}, wf.FailedReferenceTaskNames)
	assert.Empty(t, tasksByRef(wf, "b"))
	h.pollNone("b_task")
}

func TestExecutor_RetriesUpToRetryCount(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 2)
	h.workflowDef(linearDef("flaky", "a"))

	id := h.start("flaky", nil)
	for attempt := 0; attempt < 3; attempt++ {
		a := h.pollOne("a_task")
		assert.Equal(t, attempt, a.RetryCount)
		h.finish(a, schema.TaskStatusFailed, nil, "timeout talking to bank")
	}

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	attempts := tasksByRef(wf, "a")
	require.Len(t, attempts, 3)

	ids := make(map[string]bool)
	retries := make(map[int]bool)
	for _, att := range attempts {
		ids[att.TaskID] = true
		retries[att.RetryCount] = true
		assert.Equal(t, schema.TaskStatusFailed, att.Status)
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, retries)
	assert.Contains(t, eventTypes(t, h.exec, id), schema.EventTaskRetried)
	h.pollNone("a_task")
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 1)
	h.workflowDef(linearDef("second-chance", "a"))

	id := h.start("second-chance", nil)
	h.finish(h.pollOne("a_task"), schema.TaskStatusFailed, nil, "transient")
	retry := h.pollOne("a_task")
	assert.Equal(t, 1, retry.RetryCount)
	h.finish(retry, schema.TaskStatusCompleted, map[string]any{"ok": true}, "")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	attempts := tasksByRef(wf, "a")
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].Retried)
}

func TestExecutor_TerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 3)
	h.workflowDef(linearDef("terminal-error", "a"))

	id := h.start("terminal-error", nil)
	h.finish(h.pollOne("a_task"), schema.TaskStatusFailedWithTerminalError, nil, "bad input")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Len(t, tasksByRef(wf, "a"), 1)
}

func TestExecutor_OptionalFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	def := linearDef("optional", "a", "b")
	def.Tasks[0].Optional = true
	h.workflowDef(def)

	id := h.start("optional", nil)
	h.finish(h.pollOne("a_task"), schema.TaskStatusFailed, nil, "not important")
	h.finish(h.pollOne("b_task"), schema.TaskStatusCompleted, nil, "")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	a := tasksByRef(wf, "a")
	require.Len(t, a, 1)
	assert.Equal(t, schema.TaskStatusCompletedWithErrors, a[0].Status)
}

func TestExecutor_UpdateOfTerminalTaskIsRejected(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("once", "a", "b"))

	h.start("once", nil)
	a := h.pollOne("a_task")
	h.finish(a, schema.TaskStatusCompleted, nil, "")

	err := h.exec.UpdateTask(h.ctx, &schema.TaskResult{TaskID: a.TaskID, Status: schema.TaskStatusFailed})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	err = h.exec.UpdateTask(h.ctx, &schema.TaskResult{TaskID: a.TaskID, Status: "DONE"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Worker callbacks and limits ---

func TestExecutor_CallbackRequeuesInProgressTask(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("long-running", "a"))

	id := h.start("long-running", nil)
	a := h.pollOne("a_task")
	require.NoError(t, h.exec.UpdateTask(h.ctx, &schema.TaskResult{
		TaskID:               a.TaskID,
		Status:               schema.TaskStatusInProgress,
		OutputData:           map[string]any{"progress": 50},
		CallbackAfterSeconds: 30,
	}))

	h.pollNone("a_task")
	h.clock.Advance(31 * time.Second)
	again := h.pollOne("a_task")
	assert.Equal(t, a.TaskID, again.TaskID)
	assert.Equal(t, 2, again.PollCount)
	assert.Contains(t, eventTypes(t, h.exec, id), schema.EventTaskRedelivery)

	h.finish(again, schema.TaskStatusCompleted, nil, "")
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(id).Status)
}

func TestExecutor_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.RegisterTaskDef(h.ctx, &schema.TaskDef{Name: "a_task", ConcurrentExecLimit: 1}))
	h.workflowDef(linearDef("limited", "a"))

	first := h.start("limited", nil)
	second := h.start("limited", nil)

	claimed, err := h.exec.Poll(h.ctx, "a_task", "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Advance(DefaultAdmissionBackoff + time.Millisecond)
	h.pollNone("a_task")

	h.finish(claimed[0], schema.TaskStatusCompleted, nil, "")
	h.clock.Advance(DefaultAdmissionBackoff + time.Millisecond)
	next := h.pollOne("a_task")
	assert.NotEqual(t, claimed[0].WorkflowInstanceID, next.WorkflowInstanceID)
	h.finish(next, schema.TaskStatusCompleted, nil, "")

	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(first).Status)
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(second).Status)
}

// --- Operator commands ---

func TestExecutor_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("pausable", "a", "b"))

	id := h.start("pausable", nil)
	a := h.pollOne("a_task")
	require.NoError(t, h.exec.PauseWorkflow(h.ctx, id))
	require.NoError(t, h.exec.PauseWorkflow(h.ctx, id))

	h.finish(a, schema.TaskStatusCompleted, nil, "")
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusPaused, wf.Status)
	assert.Empty(t, tasksByRef(wf, "b"))

	require.NoError(t, h.exec.ResumeWorkflow(h.ctx, id))
	err := h.exec.ResumeWorkflow(h.ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	h.finish(h.pollOne("b_task"), schema.TaskStatusCompleted, nil, "")
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(id).Status)

	types := eventTypes(t, h.exec, id)
	assert.Contains(t, types, schema.EventWorkflowPaused)
	assert.Contains(t, types, schema.EventWorkflowResumed)
}

func TestExecutor_PausedWorkflowTasksAreNotHandedOut(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("frozen", "a"))

	id := h.start("frozen", nil)
	require.NoError(t, h.exec.PauseWorkflow(h.ctx, id))
	h.pollNone("a_task")

	require.NoError(t, h.exec.ResumeWorkflow(h.ctx, id))
	h.clock.Advance(DefaultAdmissionBackoff + time.Millisecond)
	h.pollOne("a_task")
}

func TestExecutor_TerminateCancelsOpenTasks(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("doomed", "a"))

	id := h.start("doomed", nil)
	a := h.pollOne("a_task")

	require.NoError(t, h.exec.TerminateWorkflow(h.ctx, id, "operator request"))
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusTerminated, wf.Status)
	assert.Equal(t, "operator request", wf.ReasonForIncompletion)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, schema.TaskStatusCanceled, wf.Tasks[0].Status)

	err := h.exec.TerminateWorkflow(h.ctx, id, "again")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeWorkflowTerminal))

	err = h.exec.UpdateTask(h.ctx, &schema.TaskResult{TaskID: a.TaskID, Status: schema.TaskStatusCompleted})
	assert.Error(t, err)

	exists, err := h.queue.Exists(h.ctx, "a_task", a.TaskID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecutor_CancelWorkflow(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("cancellable", "a"))

	id := h.start("cancellable", nil)
	require.NoError(t, h.exec.CancelWorkflow(h.ctx, id, "no longer needed"))
	assert.Equal(t, schema.WorkflowStatusCancelled, h.workflow(id).Status)
	h.pollNone("a_task")
}

func TestExecutor_RewindRestartsFromScratch(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.workflowDef(linearDef("rewindable", "a"))

	id := h.start("rewindable", map[string]any{"n": 1})
	first := h.pollOne("a_task")
	h.finish(first, schema.TaskStatusFailed, nil, "boom")
	require.Equal(t, schema.WorkflowStatusFailed, h.workflow(id).Status)

	require.NoError(t, h.exec.RewindWorkflow(h.ctx, id))
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	assert.Empty(t, wf.ReasonForIncompletion)
	assert.Nil(t, wf.EndTime)
	require.Len(t, wf.Tasks, 1)
	assert.NotEqual(t, first.TaskID, wf.Tasks[0].TaskID)
	assert.EqualValues(t, 1, wf.Input["n"])

	h.finish(h.pollOne("a_task"), schema.TaskStatusCompleted, nil, "")
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(id).Status)
	assert.Contains(t, eventTypes(t, h.exec, id), schema.EventWorkflowRewound)
}

func TestExecutor_RewindRequiresTerminalAndRestartable(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	def := linearDef("pinned", "a")
	restartable := false
	def.Restartable = &restartable
	h.workflowDef(def)

	id := h.start("pinned", nil)
	err := h.exec.RewindWorkflow(h.ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	require.NoError(t, h.exec.TerminateWorkflow(h.ctx, id, "stop"))
	err = h.exec.RewindWorkflow(h.ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExecutor_RetryWorkflowResumesFromFailedTask(t *testing.T) {
	h := newHarness(t)
	h.taskDef("a_task", 0)
	h.taskDef("b_task", 0)
	h.workflowDef(linearDef("retryable", "a", "b"))

	id := h.start("retryable", nil)
	h.finish(h.pollOne("a_task"), schema.TaskStatusCompleted, nil, "")
	h.finish(h.pollOne("b_task"), schema.TaskStatusFailed, nil, "downstream unavailable")
	require.Equal(t, schema.WorkflowStatusFailed, h.workflow(id).Status)

	err := h.exec.RetryWorkflow(h.ctx, id)
	require.NoError(t, err)
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	assert.Empty(t, wf.FailedReferenceTaskNames)

	h.pollNone("a_task")
	b := h.pollOne("b_task")
	assert.Equal(t, 1, b.RetryCount)
	h.finish(b, schema.TaskStatusCompleted, map[string]any{"done": true}, "")

	wf = h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	assert.Len(t, tasksByRef(wf, "a"), 1)
	assert.Len(t, tasksByRef(wf, "b"), 2)

	err = h.exec.RetryWorkflow(h.ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

// --- System tasks ---

func TestExecutor_InlineTaskAndOutputParameters(t *testing.T) {
	h := newHarness(t)
	h.workflowDef(&schema.WorkflowDef{
		Name: "calc",
		Tasks: []schema.WorkflowTask{{
			Name:              "double",
			TaskReferenceName: "double",
			Type:              schema.TaskTypeInline,
			InputParameters: map[string]any{
				"evaluatorType": "expr",
				"expression":    "value * 2",
				"value":         "${workflow.input.x}",
			},
		}},
		OutputParameters: map[string]any{"doubled": "${double.output.result}"},
	})

	id := h.start("calc", map[string]any{"x": 21})
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	assert.EqualValues(t, 42, wf.Output["doubled"])
}

func TestExecutor_InlineFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.workflowDef(&schema.WorkflowDef{
		Name: "broken-calc",
		Tasks: []schema.WorkflowTask{{
			Name:              "broken",
			TaskReferenceName: "broken",
			Type:              schema.TaskTypeInline,
			InputParameters:   map[string]any{"expression": ""},
		}},
	})

	id := h.start("broken-calc", nil)
	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Equal(t, []string{"broken"}, wf.FailedReferenceTaskNames)
}

func TestExecutor_DoWhileRunsBodyUntilConditionFails(t *testing.T) {
	h := newHarness(t)
	h.taskDef("step_task", 0)
	h.workflowDef(&schema.WorkflowDef{
		Name: "loop",
		Tasks: []schema.WorkflowTask{{
			Name:              "loop",
			TaskReferenceName: "loop",
			Type:              schema.TaskTypeDoWhile,
			LoopCondition:     "iteration < 3",
			LoopOver: []schema.WorkflowTask{
				{Name: "step_task", TaskReferenceName: "step"},
			},
		}},
	})

	id := h.start("loop", nil)
	for pass := 1; pass <= 3; pass++ {
		step := h.pollOne("step_task")
		assert.Equal(t, pass, step.Iteration)
		h.finish(step, schema.TaskStatusCompleted, map[string]any{"pass": pass}, "")
	}
	h.pollNone("step_task")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	assert.Len(t, tasksByRef(wf, "step"), 3)

	loop := tasksByRef(wf, "loop")
	require.Len(t, loop, 1)
	assert.Equal(t, schema.TaskStatusCompleted, loop[0].Status)
	assert.Equal(t, 3, loop[0].LoopIteration())
	for _, key := range []string{"1", "2", "3"} {
		assert.Contains(t, loop[0].OutputData, key)
	}
	assert.Contains(t, eventTypes(t, h.exec, id), schema.EventLoopIterationStarted)
}

func TestExecutor_DoWhileBodyFailureFailsLoop(t *testing.T) {
	h := newHarness(t)
	h.taskDef("step_task", 0)
	h.workflowDef(&schema.WorkflowDef{
		Name: "failing-loop",
		Tasks: []schema.WorkflowTask{{
			Name:              "loop",
			TaskReferenceName: "loop",
			Type:              schema.TaskTypeDoWhile,
			LoopCondition:     "iteration < 5",
			LoopOver:          []schema.WorkflowTask{{Name: "step_task", TaskReferenceName: "step"}},
		}},
	})

	id := h.start("failing-loop", nil)
	h.finish(h.pollOne("step_task"), schema.TaskStatusCompleted, nil, "")
	h.finish(h.pollOne("step_task"), schema.TaskStatusFailed, nil, "bad record")

	wf := h.workflow(id)
	assert.Equal(t, schema.WorkflowStatusFailed, wf.Status)
	assert.Equal(t, []string{"loop"}, wf.FailedReferenceTaskNames)
	assert.Contains(t, wf.ReasonForIncompletion, "bad record")
}

func TestExecutor_SubWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	h.taskDef("c_task", 0)
	h.workflowDef(linearDef("child", "c"))
	h.workflowDef(&schema.WorkflowDef{
		Name: "parent",
		Tasks: []schema.WorkflowTask{{
			Name:              "child",
			TaskReferenceName: "sub",
			Type:              schema.TaskTypeSubWorkflow,
			InputParameters:   map[string]any{"order": "${workflow.input.order}"},
			SubWorkflowParam:  &schema.SubWorkflowParams{Name: "child", Version: 1},
		}},
	})

	parentID := h.start("parent", map[string]any{"order": "o-7"})
	require.Equal(t, 1, h.drainSystemTasks(schema.TaskTypeSubWorkflow))

	parent := h.workflow(parentID)
	sub := tasksByRef(parent, "sub")
	require.Len(t, sub, 1)
	assert.Equal(t, schema.TaskStatusInProgress, sub[0].Status)
	childID, _ := sub[0].OutputData[schema.OutputKeySubWorkflowID].(string)
	require.NotEmpty(t, childID)

	child := h.workflow(childID)
	assert.Equal(t, parentID, child.ParentWorkflowID)
	assert.Equal(t, sub[0].TaskID, child.ParentWorkflowTaskID)
	assert.Equal(t, "o-7", child.Input["order"])

	c := h.pollOne("c_task")
	assert.Equal(t, childID, c.WorkflowInstanceID)
	h.finish(c, schema.TaskStatusCompleted, map[string]any{"total": 12}, "")
	require.Equal(t, schema.WorkflowStatusCompleted, h.workflow(childID).Status)

	require.Equal(t, 1, h.drainSystemTasks(schema.TaskTypeSubWorkflow))
	parent = h.workflow(parentID)
	assert.Equal(t, schema.WorkflowStatusCompleted, parent.Status)
	assert.EqualValues(t, 12, parent.Output["total"])
}

func TestExecutor_SubWorkflowRestartBound(t *testing.T) {
	h := newHarness(t)
	h.taskDef("c_task", 0)
	h.workflowDef(linearDef("child", "c"))
	h.workflowDef(&schema.WorkflowDef{
		Name: "parent",
		Tasks: []schema.WorkflowTask{{
			Name:              "child",
			TaskReferenceName: "sub",
			Type:              schema.TaskTypeSubWorkflow,
			SubWorkflowParam: &schema.SubWorkflowParams{
				Name: "child", StandbyOnFail: true, RestartOnFail: true, RestartCount: 2,
			},
		}},
	})

	parentID := h.start("parent", nil)
	require.Equal(t, 1, h.drainSystemTasks(schema.TaskTypeSubWorkflow))

	var childID string
	for run := 0; run < 3; run++ {
		c := h.pollOne("c_task")
		childID = c.WorkflowInstanceID
		h.finish(c, schema.TaskStatusFailed, nil, "child broke")
		require.Equal(t, 1, h.drainSystemTasks(schema.TaskTypeSubWorkflow))
	}

	parent := h.workflow(parentID)
	assert.Equal(t, schema.WorkflowStatusFailed, parent.Status)
	sub := tasksByRef(parent, "sub")
	require.Len(t, sub, 1)
	assert.Equal(t, schema.TaskStatusFailed, sub[0].Status)
	assert.Equal(t, systask.ReasonRestartsExhausted, sub[0].ReasonForIncompletion)
	assert.EqualValues(t, 2, sub[0].OutputData[schema.OutputKeyRestartCount])

	rewinds := 0
	for _, typ := range eventTypes(t, h.exec, childID) {
		if typ == schema.EventWorkflowRewound {
			rewinds++
		}
	}
	assert.Equal(t, 2, rewinds)
}

func TestExecutor_TerminatingParentTerminatesChild(t *testing.T) {
	h := newHarness(t)
	h.taskDef("c_task", 0)
	h.workflowDef(linearDef("child", "c"))
	h.workflowDef(&schema.WorkflowDef{
		Name: "parent",
		Tasks: []schema.WorkflowTask{{
			Name:              "child",
			TaskReferenceName: "sub",
			Type:              schema.TaskTypeSubWorkflow,
			SubWorkflowParam:  &schema.SubWorkflowParams{Name: "child"},
		}},
	})

	parentID := h.start("parent", nil)
	require.Equal(t, 1, h.drainSystemTasks(schema.TaskTypeSubWorkflow))
	c := h.pollOne("c_task")

	require.NoError(t, h.exec.TerminateWorkflow(h.ctx, parentID, "abort"))
	assert.Equal(t, schema.WorkflowStatusTerminated, h.workflow(parentID).Status)

	child := h.workflow(c.WorkflowInstanceID)
	assert.Equal(t, schema.WorkflowStatusTerminated, child.Status)
	require.Len(t, child.Tasks, 1)
	assert.Equal(t, schema.TaskStatusCanceled, child.Tasks[0].Status)
}

func TestExecutor_WaitTaskCompletedExternally(t *testing.T) {
	h := newHarness(t)
	h.taskDef("b_task", 0)
	def := &schema.WorkflowDef{
		Name: "approval",
		Tasks: []schema.WorkflowTask{
			{Name: "approval", TaskReferenceName: "approval", Type: schema.TaskTypeWait},
			{Name: "b_task", TaskReferenceName: "b"},
		},
	}
	h.workflowDef(def)

	id := h.start("approval", nil)
	wf := h.workflow(id)
	wait := tasksByRef(wf, "approval")
	require.Len(t, wait, 1)
	assert.Equal(t, schema.TaskStatusInProgress, wait[0].Status)
	h.pollNone("b_task")

	require.NoError(t, h.exec.UpdateTask(h.ctx, &schema.TaskResult{
		TaskID:     wait[0].TaskID,
		Status:     schema.TaskStatusCompleted,
		OutputData: map[string]any{"approved": true},
	}))
	h.finish(h.pollOne("b_task"), schema.TaskStatusCompleted, nil, "")
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(id).Status)
}

func TestExecutor_WaitDurationCompletesOnDecide(t *testing.T) {
	h := newHarness(t)
	h.workflowDef(&schema.WorkflowDef{
		Name: "cooldown",
		Tasks: []schema.WorkflowTask{{
			Name:              "pause",
			TaskReferenceName: "pause",
			Type:              schema.TaskTypeWait,
			InputParameters:   map[string]any{"duration": "10s"},
		}},
	})

	id := h.start("cooldown", nil)
	require.NoError(t, h.exec.Decide(h.ctx, id))
	assert.Equal(t, schema.WorkflowStatusRunning, h.workflow(id).Status)

	h.clock.Advance(11 * time.Second)
	require.NoError(t, h.exec.Decide(h.ctx, id))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(id).Status)
}

func TestExecutor_SyncSystemTaskHonorsConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.exec.RegisterTaskDef(h.ctx, &schema.TaskDef{Name: "approval", ConcurrentExecLimit: 1}))
	h.workflowDef(&schema.WorkflowDef{
		Name:  "approval",
		Tasks: []schema.WorkflowTask{{Name: "approval", TaskReferenceName: "approval", Type: schema.TaskTypeWait}},
	})

	first := h.start("approval", nil)
	second := h.start("approval", nil)

	held := tasksByRef(h.workflow(first), "approval")
	require.Len(t, held, 1)
	assert.Equal(t, schema.TaskStatusInProgress, held[0].Status)
	waiting := tasksByRef(h.workflow(second), "approval")
	require.Len(t, waiting, 1)
	assert.Equal(t, schema.TaskStatusScheduled, waiting[0].Status, "the limit defers the second start")

	require.NoError(t, h.exec.UpdateTask(h.ctx, &schema.TaskResult{
		TaskID: held[0].TaskID,
		Status: schema.TaskStatusCompleted,
	}))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.workflow(first).Status)

	require.NoError(t, h.exec.Decide(h.ctx, second))
	waiting = tasksByRef(h.workflow(second), "approval")
	require.Len(t, waiting, 1)
	assert.Equal(t, schema.TaskStatusInProgress, waiting[0].Status)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("wf-1")
	unlockOther := k.lock("wf-2")
	unlock()
	unlockOther()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
