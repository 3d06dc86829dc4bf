// Package limiter decides whether a task may be dispatched now given the
// concurrency and rate limits of its task definition.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// Backend holds the shared admission state. Each Exceeds call must check and
// admit atomically, and must never reject a task it already admitted.
type Backend interface {
	ExceedsInProgressLimit(ctx context.Context, task *schema.Task, limit int) (bool, error)
	ExceedsRateLimitPerFrequency(ctx context.Context, task *schema.Task, count int, window time.Duration) (bool, error)
	ReleaseTaskLimit(ctx context.Context, task *schema.Task) error
	AdmittedTaskIDs(ctx context.Context, taskDefName string) ([]string, error)
	EvictTaskLimits(ctx context.Context, taskDefName string, taskIDs []string) error
}

// TaskDefSource resolves task definitions.
type TaskDefSource interface {
	GetTaskDef(ctx context.Context, name string) (*schema.TaskDef, error)
}

// TaskSource resolves task instances, used to spot slots held by finished tasks.
type TaskSource interface {
	GetTasks(ctx context.Context, ids []string) ([]*schema.Task, error)
}

// Decision is the outcome of an admission check. A rejection is backpressure,
// not an error: the task stays queued and is offered again later.
type Decision struct {
	Admitted bool
	Reason   string
}

var admitted = Decision{Admitted: true}

// Limiter applies per-task-definition admission control.
type Limiter struct {
	backend Backend
	defs    TaskDefSource
	tasks   TaskSource
	logger  *slog.Logger
}

// New creates a Limiter. tasks may be nil, which disables stale-slot reconciliation.
func New(backend Backend, defs TaskDefSource, tasks TaskSource, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{backend: backend, defs: defs, tasks: tasks, logger: logger}
}

// Admit checks the concurrency limit, then the rate limit, of the task's definition.
// Tasks without a registered definition are always admitted.
func (l *Limiter) Admit(ctx context.Context, task *schema.Task) (Decision, error) {
	def, err := l.defs.GetTaskDef(ctx, task.TaskDefName)
	if err != nil {
		if schema.IsNotFound(err) {
			return admitted, nil
		}
		return Decision{}, err
	}

	if limit := def.ConcurrencyLimit(); limit > 0 {
		exceeded, err := l.backend.ExceedsInProgressLimit(ctx, task, limit)
		if err != nil {
			return Decision{}, err
		}
		if exceeded {
			exceeded, err = l.reconcile(ctx, task, limit)
			if err != nil {
				return Decision{}, err
			}
		}
		if exceeded {
			return Decision{Reason: fmt.Sprintf("concurrency limit %d reached for %s", limit, def.Name)}, nil
		}
	}

	if def.RateLimited() {
		window := time.Duration(def.RateLimitFrequencyInSeconds) * time.Second
		exceeded, err := l.backend.ExceedsRateLimitPerFrequency(ctx, task, def.RateLimitPerFrequency, window)
		if err != nil {
			return Decision{}, err
		}
		if exceeded {
			// A task held back by its rate gives up the slot it was just granted.
			if def.ConcurrencyLimit() > 0 {
				if err := l.backend.ReleaseTaskLimit(ctx, task); err != nil {
					return Decision{}, err
				}
			}
			return Decision{Reason: fmt.Sprintf("rate limit %d per %ds reached for %s",
				def.RateLimitPerFrequency, def.RateLimitFrequencyInSeconds, def.Name)}, nil
		}
	}
	return admitted, nil
}

// Release frees the task's concurrency slot once it is terminal.
func (l *Limiter) Release(ctx context.Context, task *schema.Task) error {
	return l.backend.ReleaseTaskLimit(ctx, task)
}

// reconcile evicts slots held by tasks that finished (or vanished) without
// releasing them, then retries the check once.
func (l *Limiter) reconcile(ctx context.Context, task *schema.Task, limit int) (bool, error) {
	if l.tasks == nil {
		return true, nil
	}
	ids, err := l.backend.AdmittedTaskIDs(ctx, task.TaskDefName)
	if err != nil {
		return true, err
	}
	found, err := l.tasks.GetTasks(ctx, ids)
	if err != nil {
		return true, err
	}
	live := make(map[string]bool, len(found))
	for _, t := range found {
		if !t.Status.IsTerminal() {
			live[t.TaskID] = true
		}
	}
	var stale []string
	for _, id := range ids {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return true, nil
	}
	l.logger.InfoContext(ctx, "evicting stale concurrency slots",
		slog.String("task_def", task.TaskDefName), slog.Int("count", len(stale)))
	if err := l.backend.EvictTaskLimits(ctx, task.TaskDefName, stale); err != nil {
		return true, err
	}
	return l.backend.ExceedsInProgressLimit(ctx, task, limit)
}
