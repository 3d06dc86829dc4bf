package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

const testTaskDefs = `[
  {"name": "reserve_task", "retryCount": 1, "timeoutSeconds": 60},
  {"name": "charge_task", "retryCount": 0, "timeoutSeconds": 60}
]`

const testWorkflowDef = `{
  "name": "checkout",
  "version": 1,
  "tasks": [
    {"name": "reserve_task", "taskReferenceName": "reserve", "inputParameters": {"sku": "${workflow.input.sku}"}},
    {"name": "charge_task", "taskReferenceName": "charge"}
  ]
}`

// run executes the root command with args against dbPath and returns stdout.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd([]string{"CONDUCTOR_DB_PATH=" + dbPath, "CONDUCTOR_LOG_LEVEL=error"})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCLI_RegisterStartStatus(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "conductor.db")
	tasksFile := writeFile(t, dir, "tasks.json", testTaskDefs)
	workflowFile := writeFile(t, dir, "workflow.json", testWorkflowDef)

	out, err := run(t, dbPath, "register", "tasks", tasksFile)
	require.NoError(t, err)
	assert.Contains(t, out, "registered task definition reserve_task")
	assert.Contains(t, out, "registered task definition charge_task")

	out, err = run(t, dbPath, "register", "workflow", workflowFile)
	require.NoError(t, err)
	assert.Contains(t, out, "registered workflow definition checkout v1")

	out, err = run(t, dbPath, "start", "checkout", "--input", `{"sku": "A-1"}`)
	require.NoError(t, err)
	workflowID := strings.TrimSpace(out)
	require.NotEmpty(t, workflowID)

	out, err = run(t, dbPath, "status", workflowID, "--tasks")
	require.NoError(t, err)
	var wf schema.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	require.Len(t, wf.Tasks, 1)
	assert.Equal(t, "reserve", wf.Tasks[0].ReferenceTaskName)
	assert.Equal(t, "A-1", wf.Tasks[0].InputData["sku"])

	out, err = run(t, dbPath, "events", workflowID)
	require.NoError(t, err)
	var evs []*store.Event
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.NotEmpty(t, evs)
	assert.Equal(t, schema.EventWorkflowStarted, evs[0].Type)
}

func TestCLI_RegisterWorkflowWithoutTaskDefs(t *testing.T) {
	dir := t.TempDir()
	workflowFile := writeFile(t, dir, "workflow.json", testWorkflowDef)

	_, err := run(t, filepath.Join(dir, "conductor.db"), "register", "workflow", workflowFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkout")
}

func TestCLI_StartRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, filepath.Join(dir, "conductor.db"), "start", "checkout", "--input", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse --input")
}

func TestCLI_Version(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestReadJSONList(t *testing.T) {
	dir := t.TempDir()

	var one []*schema.TaskDef
	require.NoError(t, readJSONList(writeFile(t, dir, "one.json", `{"name": "a"}`), &one))
	require.Len(t, one, 1)
	assert.Equal(t, "a", one[0].Name)

	var many []*schema.TaskDef
	require.NoError(t, readJSONList(writeFile(t, dir, "many.json", "\n [{\"name\": \"a\"}, {\"name\": \"b\"}]"), &many))
	assert.Len(t, many, 2)

	var missing []*schema.TaskDef
	require.Error(t, readJSONList(filepath.Join(dir, "absent.json"), &missing))
}
