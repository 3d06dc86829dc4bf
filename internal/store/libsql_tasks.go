package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rendis/conductor/pkg/schema"
)

// --- Tasks ---

const taskColumns = `data, row_version`

func (s *LibSQLStore) CreateTasks(ctx context.Context, tasks []*schema.Task) ([]*schema.Task, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	var created []*schema.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		now := s.now().UTC()
		for _, t := range tasks {
			if t.ScheduledTime.IsZero() {
				t.ScheduledTime = now
			}
			t.UpdateTime = now
			t.Version = 1
			doc, err := marshalDoc(t)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO tasks (id, workflow_id, ref_name, iteration, retry_count, seq, task_type, task_def_name, queue_name, status, data, row_version, scheduled_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				t.TaskID, t.WorkflowInstanceID, t.ReferenceTaskName, t.Iteration, t.RetryCount, t.Seq,
				t.TaskType, t.TaskDefName, t.QueueName(), string(t.Status), doc,
				millis(t.ScheduledTime), millis(t.UpdateTime),
			)
			if err != nil {
				return storeErr("insert task", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return storeErr("rows affected", err)
			}
			if n == 1 {
				created = append(created, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateTask writes the task if its version still matches task.Version, then bumps task.Version.
func (s *LibSQLStore) UpdateTask(ctx context.Context, task *schema.Task) error {
	return s.updateTask(ctx, s.db, task)
}

// UpdateTasks applies every update in one transaction; a conflict on any task aborts all of them.
func (s *LibSQLStore) UpdateTasks(ctx context.Context, tasks []*schema.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	versions := make([]int64, len(tasks))
	for i, t := range tasks {
		versions[i] = t.Version
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := s.updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i, t := range tasks {
			t.Version = versions[i]
		}
	}
	return err
}

func (s *LibSQLStore) updateTask(ctx context.Context, q querier, task *schema.Task) error {
	expected := task.Version
	task.Version = expected + 1
	task.UpdateTime = s.now().UTC()
	doc, err := marshalDoc(task)
	if err != nil {
		task.Version = expected
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, data = ?, row_version = ?, updated_at = ?
		 WHERE id = ? AND row_version = ?`,
		string(task.Status), doc, task.Version, millis(task.UpdateTime), task.TaskID, expected,
	)
	if err != nil {
		task.Version = expected
		return storeErr("update task", err)
	}
	if err := checkVersioned(ctx, q, res, "tasks", "task", task.TaskID, expected); err != nil {
		task.Version = expected
		return err
	}
	return nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

// GetTasks returns the tasks that exist among ids; missing ids are skipped.
func (s *LibSQLStore) GetTasks(ctx context.Context, ids []string) ([]*schema.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders(len(ids))+`) ORDER BY seq`, args...)
}

func (s *LibSQLStore) GetTasksForWorkflow(ctx context.Context, workflowID string) ([]*schema.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY seq, retry_count`, workflowID)
}

// GetPendingTasksForTaskType returns the non-terminal tasks dispatched on the given queue.
func (s *LibSQLStore) GetPendingTasksForTaskType(ctx context.Context, taskType string) ([]*schema.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE queue_name = ? AND status IN (?, ?) ORDER BY scheduled_at`,
		taskType, string(schema.TaskStatusScheduled), string(schema.TaskStatusInProgress))
}

func (s *LibSQLStore) GetInProgressTaskCount(ctx context.Context, taskDefName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE task_def_name = ? AND status = ?`,
		taskDefName, string(schema.TaskStatusInProgress),
	).Scan(&n)
	if err != nil {
		return 0, storeErr("count in-progress tasks", err)
	}
	return n, nil
}

// RemoveTasksForWorkflow deletes every task of a workflow, used when rewinding it.
func (s *LibSQLStore) RemoveTasksForWorkflow(ctx context.Context, workflowID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM task_limits WHERE task_id IN (SELECT id FROM tasks WHERE workflow_id = ?)`, workflowID); err != nil {
			return storeErr("remove task limits", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE workflow_id = ?`, workflowID); err != nil {
			return storeErr("remove tasks", err)
		}
		return nil
	})
}

func (s *LibSQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*schema.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query tasks", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*schema.Task, error) {
	var (
		doc     string
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storeErr("scan task", err)
	}
	t := &schema.Task{}
	if err := json.Unmarshal([]byte(doc), t); err != nil {
		return nil, storeErr("unmarshal task", err)
	}
	t.Version = version
	return t, nil
}
