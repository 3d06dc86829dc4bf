package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/limiter"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Executor is the central workflow execution coordinator. It persists what the
// Decider asks for, dispatches tasks to their queues and applies worker and
// operator commands.
type Executor interface {
	systask.Provider

	RegisterTaskDef(ctx context.Context, def *schema.TaskDef) error
	// RegisterWorkflowDef validates def against the registered task definitions before storing it.
	RegisterWorkflowDef(ctx context.Context, def *schema.WorkflowDef) error

	// Decide advances a workflow until a decide pass changes nothing.
	Decide(ctx context.Context, workflowID string) error

	// Poll claims up to count tasks of taskType for an external worker.
	Poll(ctx context.Context, taskType, workerID string, count int, timeout time.Duration) ([]*schema.Task, error)
	// UpdateTask applies a worker's result; a terminal result triggers a decide.
	UpdateTask(ctx context.Context, result *schema.TaskResult) error
	AckTask(ctx context.Context, taskType, taskID string) (bool, error)
	SetUnackTimeout(ctx context.Context, taskType, taskID string, timeout time.Duration) (bool, error)

	PauseWorkflow(ctx context.Context, workflowID string) error
	ResumeWorkflow(ctx context.Context, workflowID string) error
	// RetryWorkflow gives the last failed tasks of a terminal workflow a new attempt.
	RetryWorkflow(ctx context.Context, workflowID string) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)

	// ExecuteSystemTask drives one queued async system task: start, poll or cancel it.
	ExecuteSystemTask(ctx context.Context, st systask.SystemTask, taskID string) error
}

// EventLogger abstracts the event log operations needed by the executor.
// Satisfied by *store.LibSQLStore, *events.Recorder and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error)
}

// DefinitionValidator checks definitions and workflow input. Satisfied by
// *validation.WorkflowValidator.
type DefinitionValidator interface {
	ValidateDefinitionWith(def *schema.WorkflowDef, tasks validation.TaskDefLookup) error
	ValidateTaskDef(def *schema.TaskDef) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

const (
	// DefaultAdmissionBackoff is how long a task rejected by the limiter stays invisible.
	DefaultAdmissionBackoff = time.Second
	// DefaultMaxDecidePasses bounds the passes of a single Decide call.
	DefaultMaxDecidePasses = 64
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	AdmissionBackoff time.Duration
	MaxDecidePasses  int
	Now              func() time.Time
}

// ExecutorDeps are the collaborators of the executor. Limiter may be nil,
// which admits every task.
type ExecutorDeps struct {
	Store       store.ExecutionStore
	Metadata    store.MetadataStore
	Events      EventLogger
	Queue       queue.Queue
	Limiter     *limiter.Limiter
	SystemTasks *systask.Registry
	Validator   DefinitionValidator
	Logger      *slog.Logger
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store       store.ExecutionStore
	metadata    store.MetadataStore
	eventLog    EventLogger
	queue       queue.Queue
	limiter     *limiter.Limiter
	systemTasks *systask.Registry
	validator   DefinitionValidator
	decider     *Decider
	wfFSM       *WorkflowFSM
	taskFSM     *TaskFSM
	config      ExecutorConfig
	logger      *slog.Logger

	// locks serializes decide and task mutations per workflow within the process.
	locks *keyedMutex
}

// NewExecutor creates a new Executor with the given dependencies.
func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) Executor {
	if cfg.AdmissionBackoff <= 0 {
		cfg.AdmissionBackoff = DefaultAdmissionBackoff
	}
	if cfg.MaxDecidePasses <= 0 {
		cfg.MaxDecidePasses = DefaultMaxDecidePasses
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &executorImpl{
		store:       deps.Store,
		metadata:    deps.Metadata,
		eventLog:    deps.Events,
		queue:       deps.Queue,
		limiter:     deps.Limiter,
		systemTasks: deps.SystemTasks,
		validator:   deps.Validator,
		decider:     NewDecider(deps.Metadata, deps.SystemTasks, cfg.Now),
		wfFSM:       NewWorkflowFSM(deps.Events),
		taskFSM:     NewTaskFSM(deps.Events),
		config:      cfg,
		logger:      logger.With("component", "executor"),
		locks:       newKeyedMutex(),
	}
}

func (e *executorImpl) now() time.Time { return e.config.Now().UTC() }

// --- Definitions ---

func (e *executorImpl) RegisterTaskDef(ctx context.Context, def *schema.TaskDef) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "task definition is nil")
	}
	if err := e.validator.ValidateTaskDef(def); err != nil {
		return err
	}
	return e.metadata.RegisterTaskDef(ctx, def)
}

func (e *executorImpl) RegisterWorkflowDef(ctx context.Context, def *schema.WorkflowDef) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	defs, err := e.metadata.ListTaskDefs(ctx)
	if err != nil {
		return err
	}
	if err := e.validator.ValidateDefinitionWith(def, validation.NewTaskDefSet(defs)); err != nil {
		return err
	}
	return e.metadata.RegisterWorkflowDef(ctx, def)
}

// --- Workflow lifecycle ---

func (e *executorImpl) StartWorkflow(ctx context.Context, req *schema.StartWorkflowRequest) (string, error) {
	if req == nil || req.Name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	def, err := e.metadata.GetWorkflowDef(ctx, req.Name, req.Version)
	if err != nil {
		return "", err
	}
	if err := e.validator.ValidateInput(req.Input, def.InputSchema); err != nil {
		return "", err
	}

	wf := &schema.Workflow{
		WorkflowID:           uuid.NewString(),
		WorkflowName:         def.Name,
		WorkflowVersion:      def.Version,
		Status:               schema.WorkflowStatusRunning,
		Input:                cloneMap(req.Input),
		CorrelationID:        req.CorrelationID,
		ParentWorkflowID:     req.ParentWorkflowID,
		ParentWorkflowTaskID: req.ParentWorkflowTaskID,
		Priority:             clampPriority(req.Priority),
		Tags:                 req.Tags,
		CreateTime:           e.now(),
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	ctx = logging.WithWorkflowID(ctx, wf.WorkflowID)
	if err := e.wfFSM.Started(ctx, wf.WorkflowID); err != nil {
		return wf.WorkflowID, err
	}
	e.logger.InfoContext(ctx, "workflow started", "name", def.Name, "version", def.Version)

	// A failed first decide is picked up again by the sweeper.
	if err := e.Decide(ctx, wf.WorkflowID); err != nil {
		e.logger.WarnContext(ctx, "initial decide failed", "error", err)
	}
	return wf.WorkflowID, nil
}

func (e *executorImpl) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*schema.Workflow, error) {
	return e.store.GetWorkflow(ctx, id, includeTasks)
}

func (e *executorImpl) GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	return e.eventLog.GetEvents(ctx, workflowID, since)
}

// --- Decide ---

func (e *executorImpl) Decide(ctx context.Context, workflowID string) error {
	unlock := e.locks.lock(workflowID)
	defer unlock()
	return e.decide(logging.WithWorkflowID(ctx, workflowID), workflowID)
}

// decide runs decide passes until one changes nothing. The caller holds the workflow lock.
func (e *executorImpl) decide(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID, true)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() || wf.Status == schema.WorkflowStatusPaused {
		return nil
	}
	def, err := e.metadata.GetWorkflowDef(ctx, wf.WorkflowName, wf.WorkflowVersion)
	if err != nil {
		return err
	}

	for pass := 0; pass < e.config.MaxDecidePasses; pass++ {
		outcome, err := e.decider.Decide(ctx, wf, def)
		if err != nil {
			return err
		}
		if outcome.Terminate != nil {
			return e.terminate(ctx, wf, outcome)
		}
		if err := e.applyUpdates(ctx, wf, outcome.TasksToBeUpdated); err != nil {
			return err
		}
		if outcome.IsComplete {
			return e.complete(ctx, wf, outcome.Output)
		}
		created, err := e.scheduleTasks(ctx, wf, outcome.TasksToBeScheduled)
		if err != nil {
			return err
		}
		executed, err := e.executeSyncTasks(ctx, wf)
		if err != nil {
			return err
		}
		if len(outcome.TasksToBeUpdated) == 0 && len(created) == 0 && !executed {
			return e.requeuePending(ctx, wf)
		}
	}
	e.logger.WarnContext(ctx, "decide pass limit reached", "passes", e.config.MaxDecidePasses)
	return nil
}

// applyUpdates persists the Decider's task changes in one batch, then records them.
func (e *executorImpl) applyUpdates(ctx context.Context, wf *schema.Workflow, updates []*schema.Task) error {
	if len(updates) == 0 {
		return nil
	}
	now := e.now()
	from := make(map[string]schema.TaskStatus, len(updates))
	for _, u := range updates {
		prev := u.Status
		if old := findTask(wf, u.TaskID); old != nil {
			prev = old.Status
		}
		if prev != u.Status && !IsValidTaskTransition(prev, u.Status) {
			return invalidTaskTransition(u, prev)
		}
		from[u.TaskID] = prev
		u.UpdateTime = now
	}
	if err := e.store.UpdateTasks(ctx, updates); err != nil {
		return err
	}
	for _, u := range updates {
		replaceTask(wf, u)
		if err := e.taskFSM.Transition(ctx, u, from[u.TaskID]); err != nil {
			return err
		}
		if !from[u.TaskID].IsTerminal() && u.Status.IsTerminal() {
			e.finishTask(ctx, u)
		}
	}
	return nil
}

// scheduleTasks creates the tasks not stored yet and dispatches them.
func (e *executorImpl) scheduleTasks(ctx context.Context, wf *schema.Workflow, tasks []*schema.Task) ([]*schema.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	created, err := e.store.CreateTasks(ctx, tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range created {
		wf.Tasks = append(wf.Tasks, t)
		if err := e.taskFSM.Scheduled(ctx, t); err != nil {
			return created, err
		}
		if t.RetriedTaskID != "" {
			e.recordEvent(ctx, t.WorkflowInstanceID, t.TaskID, schema.EventTaskRetried, map[string]any{
				"retriedTaskId": t.RetriedTaskID,
				"retryCount":    t.RetryCount,
			})
		}
	}
	for _, t := range created {
		if err := e.dispatch(ctx, wf, t); err != nil {
			return created, err
		}
	}
	return created, nil
}

// dispatch starts a synchronous system task inline and queues everything else.
func (e *executorImpl) dispatch(ctx context.Context, wf *schema.Workflow, t *schema.Task) error {
	if st, ok := e.systemTasks.Get(t.TaskType); ok && !st.IsAsync() {
		_, err := e.startSystemTask(ctx, wf, t, st)
		return err
	}
	delay := time.Duration(t.CallbackAfterSeconds) * time.Second
	if _, err := e.queue.PushIfNotExists(ctx, t.QueueName(), t.TaskID, delay, t.Priority); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "push task %s: %s", t.TaskID, err.Error()).
			WithTask(t.TaskID).WithCause(err)
	}
	return nil
}

// startSystemTask starts a synchronous system task once the limiter admits it.
// A deferred task stays SCHEDULED and is offered again on the next decide.
func (e *executorImpl) startSystemTask(ctx context.Context, wf *schema.Workflow, t *schema.Task, st systask.SystemTask) (bool, error) {
	admitted, err := e.admit(ctx, t)
	if err != nil || !admitted {
		return false, err
	}
	from := t.Status
	if err := st.Start(ctx, wf, t, e); err != nil {
		if e.limiter != nil {
			_ = e.limiter.Release(ctx, t)
		}
		return false, err
	}
	return true, e.saveTask(ctx, wf, t, from)
}

// executeSyncTasks polls every open synchronous system task once and reports
// whether anything changed.
func (e *executorImpl) executeSyncTasks(ctx context.Context, wf *schema.Workflow) (bool, error) {
	changed := false
	for _, t := range append([]*schema.Task(nil), wf.Tasks...) {
		if t.Status.IsTerminal() {
			continue
		}
		st, ok := e.systemTasks.Get(t.TaskType)
		if !ok || st.IsAsync() {
			continue
		}
		if t.Status == schema.TaskStatusScheduled {
			started, err := e.startSystemTask(ctx, wf, t, st)
			if err != nil {
				return changed, err
			}
			changed = changed || started
			continue
		}
		from := t.Status
		before := len(wf.Tasks)
		updated, err := st.Execute(ctx, wf, t, e)
		if err != nil {
			return changed, err
		}
		if len(wf.Tasks) != before {
			changed = true
		}
		if updated {
			if err := e.saveTask(ctx, wf, t, from); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

// requeuePending puts back open queue-bound tasks a crash may have left unqueued.
func (e *executorImpl) requeuePending(ctx context.Context, wf *schema.Workflow) error {
	for _, t := range wf.Tasks {
		if t.Status != schema.TaskStatusScheduled && t.Status != schema.TaskStatusInProgress {
			continue
		}
		if st, ok := e.systemTasks.Get(t.TaskType); ok && !st.IsAsync() {
			continue
		}
		delay := time.Duration(t.CallbackAfterSeconds) * time.Second
		pushed, err := e.queue.PushIfNotExists(ctx, t.QueueName(), t.TaskID, delay, t.Priority)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeQueue, "requeue task %s: %s", t.TaskID, err.Error()).
				WithTask(t.TaskID).WithCause(err)
		}
		if pushed {
			e.logger.InfoContext(ctx, "requeued task missing from its queue", "task_id", t.TaskID, "queue", t.QueueName())
		}
	}
	return nil
}

// saveTask persists a task mutated in place and records the transition from from.
// wf may be nil when the caller does not hold the workflow's task list.
func (e *executorImpl) saveTask(ctx context.Context, wf *schema.Workflow, t *schema.Task, from schema.TaskStatus) error {
	if from != t.Status && !IsValidTaskTransition(from, t.Status) {
		return invalidTaskTransition(t, from)
	}
	t.UpdateTime = e.now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	if wf != nil {
		replaceTask(wf, t)
	}
	if err := e.taskFSM.Transition(ctx, t, from); err != nil {
		return err
	}
	if !from.IsTerminal() && t.Status.IsTerminal() {
		e.finishTask(ctx, t)
	}
	return nil
}

// finishTask drops a task that just became terminal from its queue and frees its limiter slot.
func (e *executorImpl) finishTask(ctx context.Context, t *schema.Task) {
	if err := e.queue.Remove(ctx, t.QueueName(), t.TaskID); err != nil {
		e.logger.WarnContext(ctx, "remove finished task from queue", "task_id", t.TaskID, "error", err)
	}
	if e.limiter != nil {
		if err := e.limiter.Release(ctx, t); err != nil {
			e.logger.WarnContext(ctx, "release task limit", "task_id", t.TaskID, "error", err)
		}
	}
}

func (e *executorImpl) complete(ctx context.Context, wf *schema.Workflow, output map[string]any) error {
	wf.Output = output
	if err := e.setWorkflowStatus(ctx, wf, schema.WorkflowStatusCompleted, ""); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow completed", "tasks", len(wf.Tasks))
	e.wakeParent(ctx, wf)
	return nil
}

// setWorkflowStatus validates, persists and records a workflow transition.
func (e *executorImpl) setWorkflowStatus(ctx context.Context, wf *schema.Workflow, to schema.WorkflowStatus, reason string) error {
	from := wf.Status
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": wf.WorkflowID, "from": string(from), "to": string(to)})
	}
	prevEnd := wf.EndTime
	wf.Status = to
	if to.IsTerminal() {
		now := e.now()
		wf.EndTime = &now
	}
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		wf.Status = from
		wf.EndTime = prevEnd
		return err
	}
	return e.wfFSM.Transition(ctx, wf.WorkflowID, from, to, reason)
}

// --- Loop and retry callbacks for system tasks ---

func (e *executorImpl) ScheduleLoopIteration(ctx context.Context, wf *schema.Workflow, loopTask *schema.Task) error {
	tasks, err := e.decider.LoopIterationTasks(wf, loopTask)
	if err != nil {
		return err
	}
	created, err := e.scheduleTasks(ctx, wf, tasks)
	if err != nil {
		return err
	}
	if len(created) > 0 {
		e.recordEvent(ctx, loopTask.WorkflowInstanceID, loopTask.TaskID, schema.EventLoopIterationStarted,
			map[string]any{"iteration": loopTask.LoopIteration(), "tasks": len(created)})
	}
	return nil
}

func (e *executorImpl) CanRetry(ctx context.Context, task *schema.Task) (bool, error) {
	return e.decider.CanRetry(ctx, task)
}

// recordEvent appends an informational event. Failures are logged only.
func (e *executorImpl) recordEvent(ctx context.Context, workflowID, taskID, eventType string, payload any) {
	if e.eventLog == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.WarnContext(ctx, "encode event payload", "type", eventType, "error", err)
		return
	}
	if err := e.eventLog.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		e.logger.WarnContext(ctx, "append event", "type", eventType, "error", err)
	}
}

// --- helpers ---

func findTask(wf *schema.Workflow, id string) *schema.Task {
	for _, t := range wf.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}

func replaceTask(wf *schema.Workflow, t *schema.Task) {
	for i := range wf.Tasks {
		if wf.Tasks[i].TaskID == t.TaskID {
			wf.Tasks[i] = t
			return
		}
	}
	wf.Tasks = append(wf.Tasks, t)
}

func invalidTaskTransition(t *schema.Task, from schema.TaskStatus) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid task transition: %s -> %s", from, t.Status).
		WithTask(t.TaskID).
		WithDetails(map[string]any{"workflow_id": t.WorkflowInstanceID, "from": string(from), "to": string(t.Status)})
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > queue.MaxPriority {
		return queue.MaxPriority
	}
	return p
}

// keyedMutex hands out one mutex per key, dropping it once nobody holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
