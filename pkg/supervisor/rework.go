package supervisor

import (
	"context"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/phase"
	"github.com/maestro-hive/kernel/pkg/policy"
)

// TriggerRework resumes a blocked phase for one more iteration and, if it
// clears its exit gate, continues driving the remaining phases exactly as
// the original run would have (spec §4.10 `trigger_rework`: an operator
// forces one additional attempt after widening scope or fixing an external
// dependency). phaseID must name a phase already in the `blocked` state.
func (s *Supervisor) TriggerRework(executionID, phaseID string) error {
	t, ok := s.get(executionID)
	if !ok {
		return apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", executionID)
	}

	t.mu.Lock()
	status := t.exec.Status
	ctx, ctrl, mgr := t.runCtx, t.ctrl, t.mgr
	t.mu.Unlock()
	if status.terminal() {
		return apperror.Newf(apperror.TypeInternalConsistency, "execution %q already terminal", executionID)
	}
	if ctrl == nil {
		return apperror.Newf(apperror.TypeInternalConsistency, "execution %q has not started driving any phase yet", executionID)
	}

	idx := -1
	for i, p := range t.dag.Phases {
		if p.ID == phaseID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperror.Newf(apperror.TypeInternalConsistency, "unknown phase %q", phaseID)
	}

	t.mu.Lock()
	t.exec.Status = StatusRunning
	t.mu.Unlock()
	t.bus.Publish(eventbus.KindExecutionResumed, map[string]any{"execution_id": executionID, "reason": "trigger_rework", "phase_id": phaseID})

	go s.reworkFrom(ctx, t, ctrl, mgr, idx)
	return nil
}

// reworkFrom runs ctrl.Rework on dag.Phases[idx] and, on success, hands
// control back to runFrom for every phase after it.
func (s *Supervisor) reworkFrom(ctx context.Context, t *tracked, ctrl *phase.Controller, mgr *breaker.Manager, idx int) {
	p := t.dag.Phases[idx]
	outcome, err := ctrl.Rework(ctx, t.dag, p.ID)
	if err != nil {
		s.finish(t, StatusFailed, buildReport(t.dag, mgr, err))
		return
	}
	if outcome.Verdict == policy.VerdictFail {
		s.finish(t, StatusFailed, buildReport(t.dag, mgr, nil))
		return
	}
	if ctx.Err() != nil {
		s.finish(t, StatusCancelled, nil)
		return
	}
	s.runFrom(ctx, t, ctrl, mgr, idx+1, t.requirement, t.blueprintID, t.personaIDs)
}
