// Package phase implements the PhaseController (spec §4.7): it drives one
// phase through entry gate -> DAG slice -> exit gate, composing a targeted
// rework plan on exit failure and bounding the loop by a configured maximum
// number of iterations (the "Sunday-problem" property: a phase can never
// advance to completed while required outputs are missing or a blocking
// gate fails, however many per-node "success" flags say otherwise).
package phase

import (
	"context"

	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// Config wires a Controller to the collaborators it drives.
type Config struct {
	MaxIterations int
	DAGExec       *dagexec.DAGExecutor
	Policy        *policy.Engine
	Store         *contextstore.Store
	Bus           *eventbus.Bus
	Logger        *zap.Logger

	// OnCheckpoint is invoked after every observable phase transition (spec
	// §4.6 step 5 generalised to the phase level: "Persist checkpoint after
	// every state change"). ExecutionSupervisor wires this to
	// checkpoint.Store.Save; nil disables it (tests).
	OnCheckpoint func()
}

// Outcome is the result of one Controller.Run call.
type Outcome struct {
	Verdict policy.Verdict
	Phase   *workflow.Phase
}

// Controller drives a single phase. It carries no per-phase state of its
// own — every field it reads or writes lives on the *workflow.DAG passed
// into Run, so one Controller is reused across every phase of an
// execution.
type Controller struct {
	cfg Config
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 && cfg.MaxIterations != 0 {
		cfg.MaxIterations = 5
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) checkpoint() {
	if c.cfg.OnCheckpoint != nil {
		c.cfg.OnCheckpoint()
	}
}

// Run drives phaseID through spec §4.7's per-iteration algorithm until it
// reaches `completed` or `blocked`.
func (c *Controller) Run(ctx context.Context, dag *workflow.DAG, phaseID string) (Outcome, error) {
	phase, ok := dag.PhaseByID(phaseID)
	if !ok {
		return Outcome{}, apperror.Newf(apperror.TypeInternalConsistency, "unknown phase %q", phaseID)
	}

	for {
		dag.Lock()
		phase.State = workflow.PhaseInProgress
		iteration := phase.IterationIndex
		dag.Unlock()
		c.cfg.Bus.Publish(eventbus.KindPhaseEntered, map[string]any{"phase_id": phaseID, "iteration": iteration})
		c.checkpoint()

		entryOK, err := c.evaluateEntry(dag, phase)
		if err != nil {
			return Outcome{}, err
		}
		if !entryOK {
			dag.Lock()
			phase.State = workflow.PhaseBlocked
			dag.Unlock()
			c.cfg.Bus.Publish(eventbus.KindPhaseExited, map[string]any{"phase_id": phaseID, "iteration": iteration, "verdict": "blocked_entry"})
			c.checkpoint()
			return Outcome{Verdict: policy.VerdictFail, Phase: phase}, nil
		}

		if ctx.Err() == nil {
			if err := c.cfg.DAGExec.RunSlice(ctx, dag, phaseID, iteration); err != nil {
				return Outcome{}, err
			}
		}
		c.checkpoint()

		verdict, failing, err := c.evaluateExit(ctx, dag, phase)
		if err != nil {
			return Outcome{}, err
		}

		if verdict != policy.VerdictFail {
			dag.Lock()
			phase.State = workflow.PhaseCompleted
			dag.Unlock()
			c.cfg.Bus.Publish(eventbus.KindPhaseExited, map[string]any{"phase_id": phaseID, "iteration": iteration, "verdict": string(verdict)})
			c.checkpoint()
			return Outcome{Verdict: verdict, Phase: phase}, nil
		}

		if iteration+1 >= c.cfg.MaxIterations {
			dag.Lock()
			phase.State = workflow.PhaseBlocked
			dag.Unlock()
			c.cfg.Bus.Publish(eventbus.KindPhaseExited, map[string]any{"phase_id": phaseID, "iteration": iteration, "verdict": "fail", "reason": "max_iterations_exhausted"})
			c.checkpoint()
			return Outcome{Verdict: policy.VerdictFail, Phase: phase}, nil
		}

		reworkSet := c.reworkPlan(dag, phaseID, failing)
		dag.Lock()
		for id := range reworkSet {
			n := dag.Nodes[id]
			n.State = workflow.NodePending
			n.AttemptCount = 0
			n.Error = nil
			n.StartedAt = nil
			n.CompletedAt = nil
		}
		phase.IterationIndex++
		phase.State = workflow.PhaseAwaitingRework
		dag.Unlock()
		c.cfg.Bus.Publish(eventbus.KindPhaseRework, map[string]any{
			"phase_id": phaseID, "iteration": phase.IterationIndex, "nodes": setKeys(reworkSet),
		})
		c.checkpoint()
	}
}

// Rework resumes a blocked phase for one more iteration, as if it had not
// exhausted MaxIterations (spec §4.10 "trigger_rework": an operator may
// force one additional attempt after widening scope or fixing an external
// dependency). It recomputes the failing set from the phase's last exit
// evaluation, resets those nodes to pending, and re-enters the normal
// Run loop; if the phase fails again it is bound by MaxIterations exactly
// as any other iteration.
func (c *Controller) Rework(ctx context.Context, dag *workflow.DAG, phaseID string) (Outcome, error) {
	phaseObj, ok := dag.PhaseByID(phaseID)
	if !ok {
		return Outcome{}, apperror.Newf(apperror.TypeInternalConsistency, "unknown phase %q", phaseID)
	}
	dag.Lock()
	state := phaseObj.State
	dag.Unlock()
	if state != workflow.PhaseBlocked {
		return Outcome{}, apperror.Newf(apperror.TypeInternalConsistency, "phase %q is not blocked", phaseID)
	}

	_, failing, err := c.evaluateExit(ctx, dag, phaseObj)
	if err != nil {
		return Outcome{}, err
	}

	reworkSet := c.reworkPlan(dag, phaseID, failing)
	dag.Lock()
	for id := range reworkSet {
		n := dag.Nodes[id]
		n.State = workflow.NodePending
		n.AttemptCount = 0
		n.Error = nil
		n.StartedAt = nil
		n.CompletedAt = nil
	}
	phaseObj.IterationIndex++
	phaseObj.State = workflow.PhaseAwaitingRework
	dag.Unlock()
	c.cfg.Bus.Publish(eventbus.KindPhaseRework, map[string]any{
		"phase_id": phaseID, "iteration": phaseObj.IterationIndex, "nodes": setKeys(reworkSet), "triggered_by": "operator",
	})
	c.checkpoint()

	return c.Run(ctx, dag, phaseID)
}

// evaluateEntry implements spec §4.7 step 1: entry criteria are evaluated
// against ContextStore and prior phase outputs. "completeness" checks that
// every strictly-earlier phase has completed; any other named criterion is
// treated as a required artifact label that must already be present in
// ContextStore (spec §9 Open Question: the exact entry-criteria vocabulary
// is left to the policy bundle, so the kernel only special-cases the one
// name the spec itself names).
func (c *Controller) evaluateEntry(dag *workflow.DAG, phase *workflow.Phase) (bool, error) {
	slo, ok := c.cfg.Policy.PhaseSLO(phase.ID)
	if !ok {
		return true, nil
	}
	for _, criterion := range slo.EntryCriteria {
		if criterion == "completeness" {
			if !priorPhasesComplete(dag, phase) {
				return false, nil
			}
			continue
		}
		if len(c.cfg.Store.List(contextstore.Filter{Label: criterion})) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func priorPhasesComplete(dag *workflow.DAG, phase *workflow.Phase) bool {
	for _, other := range dag.Phases {
		if other.Ordinal >= phase.Ordinal {
			continue
		}
		if other.State != workflow.PhaseCompleted {
			return false
		}
	}
	return true
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
