package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

type evaluatorSet map[string]bool

func (e evaluatorSet) HasEvaluator(name string) bool { return name == "" || e[name] }

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(evaluatorSet{"expr": true, "cel": true})
	require.NoError(t, err)
	return v
}

func validDef() *schema.WorkflowDef {
	return &schema.WorkflowDef{
		Name:    "orders",
		Version: 1,
		Tasks: []schema.WorkflowTask{
			{Name: "fetch", TaskReferenceName: "fetch"},
			{Name: "loop", TaskReferenceName: "loop", Type: schema.TaskTypeDoWhile,
				LoopCondition: "iteration < 3",
				LoopOver: []schema.WorkflowTask{
					{Name: "charge", TaskReferenceName: "charge"},
					{Name: "notify", TaskReferenceName: "notify"},
				}},
			{Name: "child", TaskReferenceName: "child", Type: schema.TaskTypeSubWorkflow,
				SubWorkflowParam: &schema.SubWorkflowParams{Name: "shipping", RestartOnFail: true, RestartCount: 2}},
		},
	}
}

func codes(r *schema.ValidationResult) []string {
	out := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t)
	r := v.Validate(validDef(), NewTaskDefSet([]*schema.TaskDef{{Name: "fetch"}, {Name: "charge"}, {Name: "notify"}}))
	assert.True(t, r.Valid(), "%v", r.Issues)
}

func TestValidate_Structural(t *testing.T) {
	v := newValidator(t)

	def := validDef()
	def.Version = 0
	def.Tasks[0].TaskReferenceName = "bad ref"
	r := v.Validate(def, nil)
	require.False(t, r.Valid())
	assert.GreaterOrEqual(t, len(r.Issues), 2)

	r = v.Validate(&schema.WorkflowDef{Name: "x", Version: 1}, nil)
	assert.False(t, r.Valid())

	r = v.Validate(nil, nil)
	assert.False(t, r.Valid())
}

func TestValidate_DuplicateRefAcrossLoopBody(t *testing.T) {
	def := validDef()
	def.Tasks[1].LoopOver[1].TaskReferenceName = "fetch"
	r := newValidator(t).Validate(def, nil)
	require.False(t, r.Valid())
	assert.Contains(t, r.Issues[0].Message, "duplicate taskReferenceName")
}

func TestValidate_NestedDoWhileRejected(t *testing.T) {
	def := validDef()
	def.Tasks[1].LoopOver = append(def.Tasks[1].LoopOver, schema.WorkflowTask{
		Name: "inner", TaskReferenceName: "inner", Type: schema.TaskTypeDoWhile,
		LoopCondition: "false",
		LoopOver:      []schema.WorkflowTask{{Name: "x", TaskReferenceName: "x"}},
	})
	r := newValidator(t).Validate(def, nil)
	require.False(t, r.Valid())
	assert.Contains(t, r.Issues[0].Message, "cannot be nested")
}

func TestValidate_TypeSpecificFields(t *testing.T) {
	def := validDef()
	def.Tasks[1].LoopCondition = ""
	def.Tasks[1].EvaluatorType = "python"
	def.Tasks[2].SubWorkflowParam = nil
	r := newValidator(t).Validate(def, nil)
	assert.Len(t, r.Issues, 3)
}

func TestValidate_UnknownDependencyAndMissingTaskDef(t *testing.T) {
	def := validDef()
	def.Tasks[2].DependsOn = []string{"charge"}
	r := newValidator(t).Validate(def, NewTaskDefSet(nil))
	require.False(t, r.Valid())
	assert.Contains(t, codes(r), schema.ErrCodeValidation)
	assert.Contains(t, codes(r), schema.ErrCodeNotFound)
}

func TestValidate_Cycle(t *testing.T) {
	def := &schema.WorkflowDef{
		Name: "cyclic", Version: 1,
		Tasks: []schema.WorkflowTask{
			{Name: "a", TaskReferenceName: "a", DependsOn: []string{"c"}},
			{Name: "b", TaskReferenceName: "b", DependsOn: []string{"a"}},
			{Name: "c", TaskReferenceName: "c", DependsOn: []string{"b"}},
		},
	}
	err := newValidator(t).ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}

func TestValidate_ImplicitChainIsAcyclic(t *testing.T) {
	def := &schema.WorkflowDef{
		Name: "chain", Version: 1,
		Tasks: []schema.WorkflowTask{
			{Name: "a", TaskReferenceName: "a"},
			{Name: "b", TaskReferenceName: "b"},
			{Name: "c", TaskReferenceName: "c", DependsOn: []string{"a"}},
		},
	}
	assert.NoError(t, newValidator(t).ValidateDefinition(def))
}

func TestValidateTaskDef(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateTaskDef(&schema.TaskDef{Name: "charge", RetryCount: 2, RetryLogic: schema.RetryLogicFixed}))
	assert.Error(t, v.ValidateTaskDef(&schema.TaskDef{Name: "charge", RetryCount: -1}))
	assert.Error(t, v.ValidateTaskDef(&schema.TaskDef{Name: "charge", RetryLogic: "RANDOM"}))
	assert.Error(t, v.ValidateTaskDef(nil))
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type":"object","required":["orderId"],"properties":{"orderId":{"type":"string"},"qty":{"type":"integer","minimum":1}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"orderId": "o-1", "qty": 2}, inputSchema))
	assert.NoError(t, v.ValidateInput(nil, nil))

	err := v.ValidateInput(map[string]any{"qty": 0}, inputSchema)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = v.ValidateInput(map[string]any{}, []byte(`{not json`))
	assert.Error(t, err)
}

func TestResolveDependencies(t *testing.T) {
	deps := schema.ResolveDependencies([]schema.WorkflowTask{
		{TaskReferenceName: "a"},
		{TaskReferenceName: "b"},
		{TaskReferenceName: "c", DependsOn: []string{}},
		{TaskReferenceName: "d", DependsOn: []string{"a", "c"}},
	})
	assert.Equal(t, []string{}, deps["a"])
	assert.Equal(t, []string{"a"}, deps["b"])
	assert.Equal(t, []string{}, deps["c"])
	assert.Equal(t, []string{"a", "c"}, deps["d"])
}
