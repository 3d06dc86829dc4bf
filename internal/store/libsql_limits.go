package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// --- Admission control ---
//
// Admitted task ids are tracked per task definition in task_limits. A task
// already present is always re-admitted, so repeated checks for the same
// task never reject it.

// ExceedsInProgressLimit admits task unless limit tasks of its definition are
// already admitted and not yet released.
func (s *LibSQLStore) ExceedsInProgressLimit(ctx context.Context, task *schema.Task, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	var exceeded bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		admitted, err := limitSlotExists(ctx, tx, limitKindConcurrency, task)
		if err != nil || admitted {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_limits WHERE kind = ? AND task_def_name = ?`,
			limitKindConcurrency, task.TaskDefName,
		).Scan(&n); err != nil {
			return storeErr("count concurrency slots", err)
		}
		if n >= limit {
			exceeded = true
			return nil
		}
		return insertLimitSlot(ctx, tx, limitKindConcurrency, task, s.now())
	})
	return exceeded, err
}

// ExceedsRateLimitPerFrequency admits task unless count tasks of its definition
// were admitted within the trailing window.
func (s *LibSQLStore) ExceedsRateLimitPerFrequency(ctx context.Context, task *schema.Task, count int, window time.Duration) (bool, error) {
	if count <= 0 || window <= 0 {
		return false, nil
	}
	now := s.now()
	var exceeded bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_limits WHERE kind = ? AND task_def_name = ? AND admitted_at <= ?`,
			limitKindRate, task.TaskDefName, millis(now.Add(-window)),
		); err != nil {
			return storeErr("expire rate window", err)
		}
		admitted, err := limitSlotExists(ctx, tx, limitKindRate, task)
		if err != nil || admitted {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_limits WHERE kind = ? AND task_def_name = ?`,
			limitKindRate, task.TaskDefName,
		).Scan(&n); err != nil {
			return storeErr("count rate window", err)
		}
		if n >= count {
			exceeded = true
			return nil
		}
		return insertLimitSlot(ctx, tx, limitKindRate, task, now)
	})
	return exceeded, err
}

// ReleaseTaskLimit frees the concurrency slot of a task. Rate-window entries
// are left to age out.
func (s *LibSQLStore) ReleaseTaskLimit(ctx context.Context, task *schema.Task) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_limits WHERE kind = ? AND task_def_name = ? AND task_id = ?`,
		limitKindConcurrency, task.TaskDefName, task.TaskID)
	if err != nil {
		return storeErr("release concurrency slot", err)
	}
	return nil
}

// AdmittedTaskIDs lists the task ids holding a concurrency slot for a definition.
func (s *LibSQLStore) AdmittedTaskIDs(ctx context.Context, taskDefName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM task_limits WHERE kind = ? AND task_def_name = ? ORDER BY admitted_at`,
		limitKindConcurrency, taskDefName)
	if err != nil {
		return nil, storeErr("list concurrency slots", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan concurrency slot", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EvictTaskLimits drops stale concurrency slots.
func (s *LibSQLStore) EvictTaskLimits(ctx context.Context, taskDefName string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	args := []any{limitKindConcurrency, taskDefName}
	for _, id := range taskIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_limits WHERE kind = ? AND task_def_name = ? AND task_id IN (`+placeholders(len(taskIDs))+`)`,
		args...)
	if err != nil {
		return storeErr("evict concurrency slots", err)
	}
	return nil
}

func limitSlotExists(ctx context.Context, tx *sql.Tx, kind string, task *schema.Task) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM task_limits WHERE kind = ? AND task_def_name = ? AND task_id = ?`,
		kind, task.TaskDefName, task.TaskID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("check "+kind+" slot", err)
	}
	return true, nil
}

func insertLimitSlot(ctx context.Context, tx *sql.Tx, kind string, task *schema.Task, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_limits (kind, task_def_name, task_id, admitted_at) VALUES (?, ?, ?, ?)`,
		kind, task.TaskDefName, task.TaskID, millis(at),
	); err != nil {
		return storeErr("admit "+kind+" slot", err)
	}
	return nil
}
