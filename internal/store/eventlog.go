package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-workflow sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
		).Scan(&seq); err != nil {
			return storeErr("next event sequence", err)
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = s.now().UTC()
		}
		var payload any
		if len(event.Payload) > 0 {
			payload = string(event.Payload)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (workflow_id, task_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			event.WorkflowID, nullStr(event.TaskID), event.Type, payload, millis(event.Timestamp), seq,
		)
		if err != nil {
			return storeErr("insert event", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
		event.Sequence = seq
		return nil
	})
}

// GetEvents returns events for a workflow with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, task_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence`,
		workflowID, since)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var (
			taskID, payload sql.NullString
			ts              int64
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &taskID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.TaskID = taskID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// TaskTransition is one replayed status change of a task.
type TaskTransition struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplayTaskHistory folds the event log of a workflow into per-task status histories.
// Returns an error if sequence gaps are detected.
func ReplayTaskHistory(ctx context.Context, es EventStore, workflowID string) (map[string][]TaskTransition, error) {
	events, err := es.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}

	history := make(map[string][]TaskTransition)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, e.Sequence)
		}
		if e.TaskID == "" {
			continue
		}
		var p struct {
			To string `json:"to"`
		}
		_ = json.Unmarshal(e.Payload, &p)
		if p.To == "" {
			continue
		}
		history[e.TaskID] = append(history[e.TaskID], TaskTransition{Status: p.To, Timestamp: e.Timestamp})
	}
	return history, nil
}
