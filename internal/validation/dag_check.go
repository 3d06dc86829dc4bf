package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/conductor/pkg/schema"
)

// validateDAG runs Kahn's algorithm over the top-level nodes and every loop
// body, reporting any dependency cycle.
func validateDAG(def *schema.WorkflowDef) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkAcyclic(def.Tasks, "tasks", result)
	return result
}

func checkAcyclic(nodes []schema.WorkflowTask, path string, result *schema.ValidationResult) {
	deps := schema.ResolveDependencies(nodes)

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for ref, ds := range deps {
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if _, ok := deps[d]; !ok || seen[d] {
				continue
			}
			seen[d] = true
			inDegree[ref]++
			dependents[d] = append(dependents[d], ref)
		}
	}

	queue := make([]string, 0, len(nodes))
	for ref := range deps {
		if inDegree[ref] == 0 {
			queue = append(queue, ref)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[node] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if visited != len(deps) {
		var stuck []string
		for ref, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, ref)
			}
		}
		sort.Strings(stuck)
		result.Addf(path, schema.ErrCodeCycleDetected, "dependency cycle among tasks %v", stuck)
	}

	for i := range nodes {
		if len(nodes[i].LoopOver) > 0 {
			checkAcyclic(nodes[i].LoopOver, fmt.Sprintf("%s[%d].loopOver", path, i), result)
		}
	}
}
