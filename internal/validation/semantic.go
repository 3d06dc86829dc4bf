package validation

import (
	"fmt"

	"github.com/rendis/conductor/pkg/schema"
)

// validateSemantic checks what the structural schema cannot: unique reference
// names across the whole definition, dependsOn targets within the same scope,
// per-type required fields, no nested DO_WHILE, and registered task definitions.
func validateSemantic(def *schema.WorkflowDef, tasks TaskDefLookup, evaluators EvaluatorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]string)
	validateNodes(def.Tasks, "tasks", false, seen, tasks, evaluators, result)
	return result
}

func validateNodes(nodes []schema.WorkflowTask, path string, inLoop bool, seen map[string]string,
	tasks TaskDefLookup, evaluators EvaluatorLookup, result *schema.ValidationResult) {
	local := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		local[n.TaskReferenceName] = true
	}

	for i := range nodes {
		n := &nodes[i]
		p := fmt.Sprintf("%s[%d]", path, i)

		if prev, dup := seen[n.TaskReferenceName]; dup {
			result.Addf(p+".taskReferenceName", schema.ErrCodeValidation,
				"duplicate taskReferenceName %q (also at %s)", n.TaskReferenceName, prev)
		} else {
			seen[n.TaskReferenceName] = p
		}

		for j, dep := range n.DependsOn {
			switch {
			case dep == n.TaskReferenceName:
				result.Addf(fmt.Sprintf("%s.dependsOn[%d]", p, j), schema.ErrCodeCycleDetected,
					"task %q depends on itself", dep)
			case !local[dep]:
				result.Addf(fmt.Sprintf("%s.dependsOn[%d]", p, j), schema.ErrCodeValidation,
					"references unknown task %q in the same scope", dep)
			}
		}

		switch n.TaskType() {
		case schema.TaskTypeDoWhile:
			if inLoop {
				result.Addf(p, schema.ErrCodeValidation, "DO_WHILE %q cannot be nested in another DO_WHILE", n.TaskReferenceName)
			}
			if n.LoopCondition == "" {
				result.Add(p+".loopCondition", schema.ErrCodeValidation, "DO_WHILE requires a loopCondition")
			}
			if len(n.LoopOver) == 0 {
				result.Add(p+".loopOver", schema.ErrCodeValidation, "DO_WHILE requires at least one task in loopOver")
			}
			if evaluators != nil && !evaluators.HasEvaluator(n.EvaluatorType) {
				result.Addf(p+".evaluatorType", schema.ErrCodeValidation, "unknown evaluator type %q", n.EvaluatorType)
			}
			validateNodes(n.LoopOver, p+".loopOver", true, seen, tasks, evaluators, result)
		case schema.TaskTypeSubWorkflow:
			if n.SubWorkflowParam == nil || n.SubWorkflowParam.Name == "" {
				result.Add(p+".subWorkflowParam", schema.ErrCodeValidation, "SUB_WORKFLOW requires subWorkflowParam.name")
			}
		case schema.TaskTypeSimple:
			if tasks != nil && !tasks.HasTaskDef(n.Name) {
				result.Addf(p+".name", schema.ErrCodeNotFound, "task definition %q is not registered", n.Name)
			}
		}

		if len(n.LoopOver) > 0 && n.TaskType() != schema.TaskTypeDoWhile {
			result.Addf(p+".loopOver", schema.ErrCodeValidation, "loopOver is only valid on DO_WHILE tasks")
		}
	}
}
