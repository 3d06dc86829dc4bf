package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/rendis/conductor/pkg/schema"
)

// --- Task definitions ---

// RegisterTaskDef creates or replaces a task definition.
func (s *LibSQLStore) RegisterTaskDef(ctx context.Context, def *schema.TaskDef) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "task definition name is required")
	}
	doc, err := marshalDoc(def)
	if err != nil {
		return err
	}
	now := millis(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_defs (name, definition, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		def.Name, doc, now, now,
	)
	if err != nil {
		return storeErr("upsert task definition", err)
	}
	return nil
}

func (s *LibSQLStore) GetTaskDef(ctx context.Context, name string) (*schema.TaskDef, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM task_defs WHERE name = ?`, name).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task definition", name)
	}
	if err != nil {
		return nil, storeErr("get task definition", err)
	}
	def := &schema.TaskDef{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, storeErr("unmarshal task definition", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListTaskDefs(ctx context.Context) ([]*schema.TaskDef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM task_defs ORDER BY name`)
	if err != nil {
		return nil, storeErr("list task definitions", err)
	}
	defer rows.Close()

	var defs []*schema.TaskDef
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr("scan task definition", err)
		}
		def := &schema.TaskDef{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, storeErr("unmarshal task definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Workflow definitions ---

// RegisterWorkflowDef stores a new (name, version). Definitions are immutable,
// so registering an existing version is a conflict.
func (s *LibSQLStore) RegisterWorkflowDef(ctx context.Context, def *schema.WorkflowDef) error {
	if def.Name == "" || def.Version <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition needs a name and a positive version")
	}
	doc, err := marshalDoc(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_defs (name, version, definition, created_at) VALUES (?, ?, ?, ?)`,
		def.Name, def.Version, doc, millis(s.now()),
	)
	if err != nil {
		return storeErr("insert workflow definition", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow definition %s v%d already exists", def.Name, def.Version)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflowDef(ctx context.Context, name string, version int) (*schema.WorkflowDef, error) {
	var (
		doc string
		err error
	)
	if version > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_defs WHERE name = ? AND version = ?`, name, version).Scan(&doc)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_defs WHERE name = ? ORDER BY version DESC LIMIT 1`, name).Scan(&doc)
	}
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", name+" v"+strconv.Itoa(version))
	}
	if err != nil {
		return nil, storeErr("get workflow definition", err)
	}
	def := &schema.WorkflowDef{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, storeErr("unmarshal workflow definition", err)
	}
	return def, nil
}
