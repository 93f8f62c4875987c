package supervisor

import (
	"fmt"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// Report is the FailureReport handed back to the caller of Status once an
// execution reaches `failed` (spec §3 FailureReport, supplemented with a
// Recommendations list — the original spec leaves operator-facing guidance
// unspecified, so the kernel derives a small, deterministic set of
// heuristics from what it already tracks rather than inventing a
// free-form diagnosis engine).
type Report struct {
	FailedNodes     []string            `json:"failed_nodes"`
	SkippedNodes    []string            `json:"skipped_nodes"`
	Categories      map[string]int      `json:"categories"`
	BreakerOpen     []string            `json:"breaker_open"`
	Recommendations []string            `json:"recommendations"`
}

// buildReport inspects the DAG's final node states and the breaker
// manager's per-persona snapshots to classify why an execution failed. cause
// is the hard error that stopped the run, if any (a gate-driven block has no
// such error — the phase simply exhausted its iterations).
func buildReport(dag *workflow.DAG, mgr *breaker.Manager, cause error) *Report {
	r := &Report{Categories: make(map[string]int)}

	dag.Lock()
	for _, n := range dag.Nodes {
		switch n.State {
		case workflow.NodeFailed:
			r.FailedNodes = append(r.FailedNodes, n.ID)
			cat := string(apperror.GetType(n.Error))
			r.Categories[cat]++
			if mgr != nil && mgr.Snapshot(n.PersonaID).State == breaker.StateOpen {
				r.BreakerOpen = append(r.BreakerOpen, n.PersonaID)
			}
		case workflow.NodeSkipped:
			r.SkippedNodes = append(r.SkippedNodes, n.ID)
		}
	}
	dag.Unlock()

	for persona, count := range countBy(r.FailedNodes, dag) {
		if count >= 2 {
			r.Recommendations = append(r.Recommendations,
				fmt.Sprintf("persona %q failed %d times: review its prompt/tooling before re-running", persona, count))
		}
	}
	for _, personaID := range r.BreakerOpen {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("circuit breaker is open for persona %q: consecutive failures exceeded threshold", personaID))
	}
	if len(r.SkippedNodes) > 0 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d downstream node(s) were skipped as a consequence of the failures above", len(r.SkippedNodes)))
	}
	if cause != nil {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("execution stopped on a hard error: %s", cause.Error()))
	}
	if len(r.Recommendations) == 0 {
		r.Recommendations = append(r.Recommendations, "a blocking quality gate failed and was never satisfied within max_phase_iterations; consider raising the iteration budget or relaxing the gate")
	}

	return r
}

func countBy(nodeIDs []string, dag *workflow.DAG) map[string]int {
	out := make(map[string]int, len(nodeIDs))
	dag.Lock()
	defer dag.Unlock()
	for _, id := range nodeIDs {
		if n, ok := dag.Nodes[id]; ok {
			out[n.PersonaID]++
		}
	}
	return out
}
