package phase

import (
	"context"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// evaluateExit implements spec §4.7 step 3: per-node verdicts for every
// non-optional node plus the phase-level exit gate, aggregated into a
// single phase verdict. It returns the node ids whose verdict contributed
// to a fail, used by reworkPlan to target the rework subset (spec §9 Open
// Question, resolved in favour of "node + transitive dependents").
func (c *Controller) evaluateExit(ctx context.Context, dag *workflow.DAG, phaseObj *workflow.Phase) (policy.Verdict, []string, error) {
	nodes := dag.NodesInPhase(phaseObj.ID)
	overall := policy.VerdictPass
	var failing []string

	for _, n := range nodes {
		if n.Optional {
			continue
		}
		if !n.State.TerminalGood() {
			// Sunday-problem property: a non-optional node that never
			// reached completed/reused blocks phase completion outright,
			// regardless of any gate.
			overall = policy.VerdictFail
			failing = append(failing, n.ID)
			continue
		}

		res, err := c.cfg.Policy.EvaluatePersona(ctx, n.PersonaID, phaseObj.ID, phaseObj.IterationIndex, n.Metrics)
		if err != nil {
			return "", nil, err
		}
		switch res.Verdict {
		case policy.VerdictFail:
			overall = policy.VerdictFail
			failing = append(failing, n.ID)
			c.cfg.Bus.Publish(eventbus.KindGateFail, map[string]any{"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseObj.ID, "gates": res.FailingBlocking()})
		case policy.VerdictWarning:
			if overall == policy.VerdictPass {
				overall = policy.VerdictWarning
			}
			c.cfg.Bus.Publish(eventbus.KindGatePass, map[string]any{"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseObj.ID, "verdict": "warning"})
		default:
			c.cfg.Bus.Publish(eventbus.KindGatePass, map[string]any{"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseObj.ID, "verdict": "pass"})
		}
	}

	if _, ok := c.cfg.Policy.PhaseSLO(phaseObj.ID); !ok {
		// No phase SLO means no phase-level exit criteria (as evaluateEntry
		// treats it as no entry criteria): the per-node verdicts decide.
		return overall, failing, nil
	}

	exitRes, err := c.cfg.Policy.EvaluatePhaseExit(ctx, phaseObj.ID, phaseObj.IterationIndex, overall != policy.VerdictFail, aggregateMetrics(nodes))
	if err != nil {
		if apperror.IsType(err, apperror.TypeUnknownGate) {
			// Fail-safe default (spec §4.5/§8 "Gate fail-safe"): an
			// unrecognised exit criterion fails the phase, it never
			// propagates as a hard error out of Run.
			return policy.VerdictFail, failing, nil
		}
		return "", nil, err
	}
	if exitRes.Verdict == policy.VerdictFail {
		overall = policy.VerdictFail
	} else if exitRes.Verdict == policy.VerdictWarning && overall == policy.VerdictPass {
		overall = policy.VerdictWarning
	}

	return overall, failing, nil
}

// aggregateMetrics merges every node's reported metrics into one map for
// phase-level exit gates (e.g. a phase-wide "completeness" signal computed
// over all nodes' outputs). Later nodes' keys win on collision; phase-level
// gates are expected to use distinctly-named metrics from node-level ones.
func aggregateMetrics(nodes []*workflow.Node) map[string]any {
	out := make(map[string]any)
	for _, n := range nodes {
		for k, v := range n.Metrics {
			out[k] = v
		}
	}
	return out
}

// reworkPlan composes the subset of nodes to reset to pending on a failing
// exit verdict: the failing nodes themselves plus every node within the
// same phase that transitively depends on one of them (spec §4.7 step 5).
func (c *Controller) reworkPlan(dag *workflow.DAG, phaseID string, failing []string) map[string]struct{} {
	set := make(map[string]struct{}, len(failing))
	for _, id := range failing {
		set[id] = struct{}{}
	}
	for id := range dag.TransitiveDependents(failing) {
		if dag.Nodes[id].PhaseID == phaseID {
			set[id] = struct{}{}
		}
	}
	return set
}
