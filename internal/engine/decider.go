package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// TaskDefSource resolves task definitions by name.
type TaskDefSource interface {
	GetTaskDef(ctx context.Context, name string) (*schema.TaskDef, error)
}

// SystemTaskLookup reports whether a task type runs in-process.
type SystemTaskLookup interface {
	IsSystemTask(taskType string) bool
}

// TerminateWorkflow asks the caller to end the workflow unsuccessfully.
// It is a value in DeciderOutcome, never an error.
type TerminateWorkflow struct {
	Reason string
	Status schema.WorkflowStatus
	Task   *schema.Task
}

// DeciderOutcome is the set of mutations one decide pass produced.
type DeciderOutcome struct {
	TasksToBeScheduled []*schema.Task
	TasksToBeUpdated   []*schema.Task
	IsComplete         bool
	Output             map[string]any
	Terminate          *TerminateWorkflow
}

// Empty reports whether the pass produced no mutation at all.
func (o *DeciderOutcome) Empty() bool {
	return len(o.TasksToBeScheduled) == 0 && len(o.TasksToBeUpdated) == 0 && !o.IsComplete && o.Terminate == nil
}

// Decider computes what a workflow needs next from its tasks and definition.
// Decide has no side effects: tasks it changes are copies returned in the outcome.
type Decider struct {
	defs        TaskDefSource
	systemTasks SystemTaskLookup
	now         func() time.Time
	newID       func() string
}

// NewDecider creates a Decider. now may be nil.
func NewDecider(defs TaskDefSource, systemTasks SystemTaskLookup, now func() time.Time) *Decider {
	if now == nil {
		now = time.Now
	}
	return &Decider{defs: defs, systemTasks: systemTasks, now: now, newID: uuid.NewString}
}

// decideState is the working view of one pass: the workflow's tasks with this
// pass's changes applied.
type decideState struct {
	d       *Decider
	wf      *schema.Workflow
	tasks   []*schema.Task
	defs    map[string]*schema.TaskDef
	seq     int
	now     time.Time
	out     *DeciderOutcome
	updated map[string]*schema.Task
}

// Decide runs one pass over wf. Terminal and paused workflows yield an empty outcome.
func (d *Decider) Decide(ctx context.Context, wf *schema.Workflow, def *schema.WorkflowDef) (*DeciderOutcome, error) {
	out := &DeciderOutcome{}
	if wf.Status.IsTerminal() || wf.Status == schema.WorkflowStatusPaused {
		return out, nil
	}
	dag, err := ParseDAG(def.Tasks)
	if err != nil {
		return nil, err
	}

	st := &decideState{
		d:       d,
		wf:      wf,
		tasks:   append([]*schema.Task(nil), wf.Tasks...),
		defs:    make(map[string]*schema.TaskDef),
		now:     d.now(),
		out:     out,
		updated: make(map[string]*schema.Task),
	}
	for _, t := range wf.Tasks {
		if t.Seq > st.seq {
			st.seq = t.Seq
		}
	}

	if err := st.checkTimeouts(ctx); err != nil {
		return nil, err
	}
	if err := st.walk(ctx, dag, 0, true); err != nil {
		return nil, err
	}
	if out.Terminate != nil {
		return out, nil
	}
	if len(out.TasksToBeScheduled) == 0 && st.complete(dag) {
		output, err := st.output(def)
		if err != nil {
			out.Terminate = &TerminateWorkflow{
				Reason: fmt.Sprintf("failed to resolve workflow output: %s", err.Error()),
				Status: schema.WorkflowStatusFailed,
			}
			return out, nil
		}
		out.IsComplete = true
		out.Output = output
	}
	return out, nil
}

// walk visits the nodes of one scope in topological order. iteration is 0 for
// the top level and the loop pass for a DO_WHILE body.
func (st *decideState) walk(ctx context.Context, dag *DAG, iteration int, topLevel bool) error {
	for _, ref := range dag.Sorted {
		node := dag.Nodes[ref]
		cur := st.current(ref, iteration)

		if cur == nil {
			if st.ready(dag, ref, iteration) {
				if err := st.schedule(node, iteration); err != nil {
					st.out.Terminate = &TerminateWorkflow{
						Reason: fmt.Sprintf("failed to resolve input of task %s: %s", ref, err.Error()),
						Status: schema.WorkflowStatusFailed,
					}
					return nil
				}
			}
			continue
		}

		if !cur.Status.IsTerminal() {
			if node.TaskType() == schema.TaskTypeDoWhile && cur.Status == schema.TaskStatusInProgress {
				if err := st.walkLoop(ctx, node, cur); err != nil {
					return err
				}
				if st.out.Terminate != nil {
					return nil
				}
			}
			continue
		}
		if cur.Status.IsSuccessful() {
			continue
		}

		if err := st.handleFailure(ctx, node, cur, topLevel); err != nil {
			return err
		}
		if st.out.Terminate != nil {
			return nil
		}
	}
	return nil
}

func (st *decideState) walkLoop(ctx context.Context, node *schema.WorkflowTask, loop *schema.Task) error {
	iteration := loop.LoopIteration()
	if iteration < 1 || len(node.LoopOver) == 0 {
		return nil
	}
	body, err := ParseDAG(node.LoopOver)
	if err != nil {
		return err
	}
	return st.walk(ctx, body, iteration, false)
}

// handleFailure applies the optional, retry and terminate rules to a
// terminal, unsuccessful current attempt. Body tasks never terminate the
// workflow; their loop decides.
func (st *decideState) handleFailure(ctx context.Context, node *schema.WorkflowTask, cur *schema.Task, topLevel bool) error {
	if node.Optional {
		if cur.Status.IsRetriable() || cur.Status == schema.TaskStatusFailedWithTerminalError {
			t := st.update(cur)
			t.Status = schema.TaskStatusCompletedWithErrors
		}
		return nil
	}

	def, err := st.taskDef(ctx, node.Name)
	if err != nil {
		return err
	}
	if canRetry(def, cur) {
		prev := st.update(cur)
		prev.Retried = true
		next := newRetryAttempt(prev, ComputeRetryDelay(def, prev), st.now)
		st.add(next)
		return nil
	}
	if !topLevel {
		return nil
	}

	failing := cur
	if cur.ReasonForIncompletion == "" {
		failing = st.update(cur)
		failing.ReasonForIncompletion = fmt.Sprintf("task finished with status %s", cur.Status)
	}
	st.out.Terminate = &TerminateWorkflow{
		Reason: fmt.Sprintf("Task %s failed with status %s and reason: %s",
			failing.DisplayReferenceName(), failing.Status, failing.ReasonForIncompletion),
		Status: schema.WorkflowStatusFailed,
		Task:   failing,
	}
	return nil
}

// checkTimeouts marks IN_PROGRESS worker tasks TIMED_OUT once their response
// or total timeout has elapsed.
func (st *decideState) checkTimeouts(ctx context.Context) error {
	for _, t := range st.wf.Tasks {
		if t.Status != schema.TaskStatusInProgress {
			continue
		}
		if st.d.systemTasks != nil && st.d.systemTasks.IsSystemTask(t.TaskType) {
			continue
		}
		def, err := st.taskDef(ctx, t.TaskDefName)
		if err != nil {
			return err
		}
		reason := timeoutReason(def, t, st.now)
		if reason == "" {
			continue
		}
		u := st.update(t)
		u.Status = schema.TaskStatusTimedOut
		u.ReasonForIncompletion = reason
		u.EndTime = st.now
	}
	return nil
}

func timeoutReason(def *schema.TaskDef, t *schema.Task, now time.Time) string {
	if def.ResponseTimeoutSeconds > 0 {
		last := t.UpdateTime
		if last.IsZero() {
			last = t.StartTime
		}
		if !last.IsZero() && now.Sub(last) > time.Duration(def.ResponseTimeoutSeconds)*time.Second {
			return fmt.Sprintf("responseTimeout: %ds exceeded", def.ResponseTimeoutSeconds)
		}
	}
	if def.TimeoutSeconds > 0 && !t.StartTime.IsZero() &&
		now.Sub(t.StartTime) > time.Duration(def.TimeoutSeconds)*time.Second {
		return fmt.Sprintf("task timed out after %ds", def.TimeoutSeconds)
	}
	return ""
}

// ready reports whether every dependency of ref is satisfied: its current
// attempt is successful, or it is optional and terminal.
func (st *decideState) ready(dag *DAG, ref string, iteration int) bool {
	for _, dep := range dag.Edges[ref] {
		c := st.current(dep, iteration)
		if !satisfied(dag.Nodes[dep], c) {
			return false
		}
	}
	return true
}

func satisfied(node *schema.WorkflowTask, t *schema.Task) bool {
	if t == nil {
		return false
	}
	return t.Status.IsSuccessful() || (node.Optional && t.Status.IsTerminal())
}

// complete reports whether every sink is satisfied and nothing is still running.
func (st *decideState) complete(dag *DAG) bool {
	for _, t := range st.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	for _, sink := range dag.Sinks {
		if !satisfied(dag.Nodes[sink], st.current(sink, 0)) {
			return false
		}
	}
	return true
}

func (st *decideState) output(def *schema.WorkflowDef) (map[string]any, error) {
	if len(def.OutputParameters) > 0 {
		return expressions.ResolveParameters(def.OutputParameters, expressions.NewScope(st.view(), 0))
	}
	var last *schema.Task
	for _, t := range st.tasks {
		if t.Iteration != 0 || !t.Status.IsSuccessful() {
			continue
		}
		if last == nil || t.Seq > last.Seq {
			last = t
		}
	}
	if last == nil {
		return map[string]any{}, nil
	}
	return cloneMap(last.OutputData), nil
}

func (st *decideState) schedule(node *schema.WorkflowTask, iteration int) error {
	input, err := expressions.ResolveParameters(node.InputParameters, expressions.NewScope(st.view(), iteration))
	if err != nil {
		return err
	}
	snapshot := *node
	t := &schema.Task{
		WorkflowInstanceID:   st.wf.WorkflowID,
		WorkflowType:         st.wf.WorkflowName,
		ReferenceTaskName:    node.TaskReferenceName,
		TaskDefName:          node.Name,
		TaskType:             node.TaskType(),
		Status:               schema.TaskStatusScheduled,
		Iteration:            iteration,
		Priority:             st.wf.Priority,
		CallbackAfterSeconds: int64(node.StartDelay),
		ScheduledTime:        st.now,
		InputData:            input,
		WorkflowTask:         &snapshot,
	}
	st.add(t)
	return nil
}

func (st *decideState) add(t *schema.Task) {
	st.seq++
	t.Seq = st.seq
	t.TaskID = st.d.newID()
	st.tasks = append(st.tasks, t)
	st.out.TasksToBeScheduled = append(st.out.TasksToBeScheduled, t)
}

// update returns a mutable copy of t, registered once in TasksToBeUpdated and
// swapped into the working view.
func (st *decideState) update(t *schema.Task) *schema.Task {
	if u, ok := st.updated[t.TaskID]; ok {
		return u
	}
	cp := *t
	cp.OutputData = cloneMap(t.OutputData)
	st.updated[t.TaskID] = &cp
	for i := range st.tasks {
		if st.tasks[i].TaskID == t.TaskID {
			st.tasks[i] = &cp
		}
	}
	st.out.TasksToBeUpdated = append(st.out.TasksToBeUpdated, &cp)
	return &cp
}

// current returns the highest-retry attempt of ref in iteration.
func (st *decideState) current(ref string, iteration int) *schema.Task {
	var cur *schema.Task
	for _, t := range st.tasks {
		if t.ReferenceTaskName != ref || t.Iteration != iteration {
			continue
		}
		if cur == nil || t.RetryCount > cur.RetryCount {
			cur = t
		}
	}
	return cur
}

func (st *decideState) view() *schema.Workflow {
	v := *st.wf
	v.Tasks = st.tasks
	return &v
}

func (st *decideState) taskDef(ctx context.Context, name string) (*schema.TaskDef, error) {
	if def, ok := st.defs[name]; ok {
		return def, nil
	}
	def, err := lookupTaskDef(ctx, st.d.defs, name)
	if err != nil {
		return nil, err
	}
	st.defs[name] = def
	return def, nil
}

// CanRetry reports whether a terminal, unsuccessful task will get another attempt.
func (d *Decider) CanRetry(ctx context.Context, t *schema.Task) (bool, error) {
	def, err := lookupTaskDef(ctx, d.defs, t.TaskDefName)
	if err != nil {
		return false, err
	}
	return canRetry(def, t), nil
}

// LoopIterationTasks returns the ready body tasks of loop for its current
// iteration that wf does not hold yet, with ids and sequence numbers assigned.
func (d *Decider) LoopIterationTasks(wf *schema.Workflow, loop *schema.Task) ([]*schema.Task, error) {
	if loop.WorkflowTask == nil || len(loop.WorkflowTask.LoopOver) == 0 {
		return nil, nil
	}
	body, err := ParseDAG(loop.WorkflowTask.LoopOver)
	if err != nil {
		return nil, err
	}
	st := &decideState{
		d:       d,
		wf:      wf,
		tasks:   append([]*schema.Task(nil), wf.Tasks...),
		now:     d.now(),
		out:     &DeciderOutcome{},
		updated: make(map[string]*schema.Task),
	}
	for _, t := range wf.Tasks {
		if t.Seq > st.seq {
			st.seq = t.Seq
		}
	}
	iteration := loop.LoopIteration()
	for _, ref := range body.Sorted {
		if st.current(ref, iteration) == nil && st.ready(body, ref, iteration) {
			if err := st.schedule(body.Nodes[ref], iteration); err != nil {
				return nil, err
			}
		}
	}
	return st.out.TasksToBeScheduled, nil
}

func lookupTaskDef(ctx context.Context, defs TaskDefSource, name string) (*schema.TaskDef, error) {
	if defs == nil || name == "" {
		return defaultTaskDef, nil
	}
	def, err := defs.GetTaskDef(ctx, name)
	if err != nil {
		if schema.IsNotFound(err) {
			return defaultTaskDef, nil
		}
		return nil, err
	}
	return def, nil
}
