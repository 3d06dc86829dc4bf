package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rendis/conductor/pkg/schema"
)

// --- Workflows ---

// workflowDoc is the persisted form of a workflow; tasks live in their own table.
func workflowDoc(wf *schema.Workflow) (string, error) {
	cp := *wf
	cp.Tasks = nil
	return marshalDoc(&cp)
}

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	now := s.now().UTC()
	if wf.CreateTime.IsZero() {
		wf.CreateTime = now
	}
	wf.UpdateTime = now
	wf.Version = 1
	doc, err := workflowDoc(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, status, correlation_id, parent_workflow_id, data, row_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		wf.WorkflowID, wf.WorkflowName, wf.WorkflowVersion, string(wf.Status),
		nullStr(wf.CorrelationID), nullStr(wf.ParentWorkflowID), doc,
		millis(wf.CreateTime), millis(wf.UpdateTime),
	)
	if err != nil {
		wf.Version = 0
		return storeErr("insert workflow", err)
	}
	return nil
}

// UpdateWorkflow writes the workflow row if its version still matches wf.Version,
// then bumps wf.Version. Tasks are not touched.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	expected := wf.Version
	wf.Version = expected + 1
	wf.UpdateTime = s.now().UTC()
	doc, err := workflowDoc(wf)
	if err != nil {
		wf.Version = expected
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, correlation_id = ?, data = ?, row_version = ?, updated_at = ?
		 WHERE id = ? AND row_version = ?`,
		string(wf.Status), nullStr(wf.CorrelationID), doc, wf.Version, millis(wf.UpdateTime),
		wf.WorkflowID, expected,
	)
	if err != nil {
		wf.Version = expected
		return storeErr("update workflow", err)
	}
	if err := checkVersioned(ctx, s.db, res, "workflows", "workflow", wf.WorkflowID, expected); err != nil {
		wf.Version = expected
		return err
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*schema.Workflow, error) {
	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, row_version FROM workflows WHERE id = ?`, id).Scan(&doc, &version)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(doc), wf); err != nil {
		return nil, storeErr("unmarshal workflow", err)
	}
	wf.Version = version
	if includeTasks {
		tasks, err := s.GetTasksForWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		wf.Tasks = tasks
	}
	return wf, nil
}

// GetRunningWorkflowIDs lists RUNNING workflows, optionally restricted to one definition name.
func (s *LibSQLStore) GetRunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error) {
	query := `SELECT id FROM workflows WHERE status = ?`
	args := []any{string(schema.WorkflowStatusRunning)}
	if workflowName != "" {
		query += ` AND name = ?`
		args = append(args, workflowName)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list running workflows", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan workflow id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *LibSQLStore) GetWorkflowsByCorrelationID(ctx context.Context, correlationID string) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, row_version FROM workflows WHERE correlation_id = ? ORDER BY created_at`, correlationID)
	if err != nil {
		return nil, storeErr("list workflows by correlation id", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var (
			doc     string
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf := &schema.Workflow{}
		if err := json.Unmarshal([]byte(doc), wf); err != nil {
			return nil, storeErr("unmarshal workflow", err)
		}
		wf.Version = version
		out = append(out, wf)
	}
	return out, rows.Err()
}
