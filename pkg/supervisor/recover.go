package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/phase"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// Recover reloads every non-terminal execution from CheckpointStore,
// re-materialises its DAG, restores node/phase state, and resumes driving it
// from its last in-progress phase (spec §4.10 "startup recovery": a restart
// reloads every non-terminal execution and resumes without re-executing
// already-completed/reused nodes").
func (s *Supervisor) Recover(ctx context.Context) error {
	ids, err := s.cfg.Checkpoints.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.recoverOne(ctx, id); err != nil {
			s.cfg.Logger.Warn("execution_recovery_failed", zap.String("execution_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Supervisor) recoverOne(ctx context.Context, executionID string) error {
	snap, err := s.cfg.Checkpoints.Load(executionID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if Status(snap.Status).terminal() {
		return nil
	}

	dag, err := s.cfg.Builder.Build(workflow.BuildInput{
		ExecutionID: executionID,
		Requirement: snap.Requirement,
		BlueprintID: snap.BlueprintID,
		PersonaIDs:  snap.PersonaIDs,
	})
	if err != nil {
		return err
	}

	nodeByID := make(map[string]workflow.NodeState, len(snap.Nodes))
	for _, ns := range snap.Nodes {
		nodeByID[ns.ID] = workflow.NodeState(ns.State)
	}
	phaseByID := make(map[string]struct {
		State workflow.PhaseState
		Iter  int
	}, len(snap.Phases))
	for _, ps := range snap.Phases {
		phaseByID[ps.ID] = struct {
			State workflow.PhaseState
			Iter  int
		}{workflow.PhaseState(ps.State), ps.IterationIndex}
	}

	dag.Lock()
	for id, state := range nodeByID {
		if n, ok := dag.Nodes[id]; ok {
			n.State = state
		}
	}
	startIdx := 0
	for i, p := range dag.Phases {
		if saved, ok := phaseByID[p.ID]; ok {
			p.State = saved.State
			p.IterationIndex = saved.Iter
		}
		if p.State == workflow.PhaseCompleted {
			startIdx = i + 1
		}
	}
	dag.Unlock()

	bus := eventbus.New(executionID)
	runCtx, cancel := context.WithCancel(context.Background())
	t := &tracked{
		dag:    dag,
		bus:    bus,
		cancel: cancel,
		paused: closedChan(),
		exec: Execution{
			ID:             executionID,
			Status:         StatusRunning,
			CurrentPhaseID: snap.CurrentPhase,
			StartedAt:      time.Now().UTC(),
			DAG:            dag,
		},
	}

	s.mu.Lock()
	s.executions[executionID] = t
	s.mu.Unlock()

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Attach(runCtx, executionID, bus)
	}

	var executor dagexec.Executor
	if s.cfg.NewExecutor != nil {
		executor = s.cfg.NewExecutor(executionID)
	}

	mgr := breaker.NewManager(s.cfg.BreakerConfig)
	for _, bs := range snap.Breakers {
		mgr.Restore(bs.PersonaID, breaker.Snapshot{
			PersonaID:           bs.PersonaID,
			State:               breaker.BreakerState(bs.State),
			ConsecutiveFailures: bs.ConsecutiveFailures,
		})
	}
	de := dagexec.New(dagexec.Options{
		Workers:     s.cfg.DAGWorkers,
		Executor:    executor,
		Catalog:     s.cfg.Personas,
		Store:       s.cfg.Artifacts,
		Bus:         bus,
		Breakers:    mgr,
		Logger:      s.cfg.Logger,
		BackoffBase: s.cfg.BackoffBase,
		BackoffMax:  s.cfg.BackoffMax,
	})
	ctrl := phase.New(phase.Config{
		MaxIterations: s.cfg.MaxPhaseIterations,
		DAGExec:       de,
		Policy:        s.cfg.Policy,
		Store:         s.cfg.Artifacts,
		Bus:           bus,
		Logger:        s.cfg.Logger,
		OnCheckpoint:  func() { s.persist(t, snap.Requirement, snap.BlueprintID, snap.PersonaIDs) },
	})

	t.mu.Lock()
	t.runCtx, t.ctrl, t.mgr = runCtx, ctrl, mgr
	t.requirement, t.blueprintID, t.personaIDs = snap.Requirement, snap.BlueprintID, snap.PersonaIDs
	t.mu.Unlock()

	go s.runFrom(runCtx, t, ctrl, mgr, startIdx, snap.Requirement, snap.BlueprintID, snap.PersonaIDs)
	return nil
}
