package store

import (
	"encoding/json"
	"time"
)

// Event is an immutable entry in the execution event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	TaskID     string          `json:"taskId,omitempty"`
	Type       string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Limit kinds tracked in the task_limits table.
const (
	limitKindConcurrency = "concurrency"
	limitKindRate        = "rate"
)
