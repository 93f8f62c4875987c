// Package supervisor implements the ExecutionSupervisor (spec §4.10): the
// only component allowed to mutate Execution/DAG/Phase records. It owns one
// goroutine per in-flight execution, composing WorkflowBuilder, ContextStore,
// CheckpointStore, PolicyEngine, DAGExecutor (via PhaseController),
// ReuseCoordinator, EventBus and the breaker.Manager into the control
// surface described by spec §6 (start/status/pause/resume/cancel/
// trigger_rework).
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/checkpoint"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/notify"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/phase"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/reuse"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// Status is the execution-level lifecycle state (spec §3 Execution).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StartRequest is spec §6's `start` input.
type StartRequest struct {
	ExecutionID     string
	Requirement     string
	BlueprintID     string
	PersonaIDs      []string
	ReuseDecisions  map[string]reuse.PersonaDecision
	ReuseSource     reuse.Source
}

// Execution is the read-only view Status() returns (spec §6 `status`
// output: phase, progress_percent, node states).
type Execution struct {
	ID              string
	Status          Status
	CurrentPhaseID  string
	ProgressPercent float64
	StartedAt       time.Time
	CompletedAt     time.Time
	FailureReport   *Report
	DAG             *workflow.DAG
}

type tracked struct {
	mu     sync.Mutex
	exec   Execution
	dag    *workflow.DAG
	bus    *eventbus.Bus
	cancel context.CancelFunc
	paused chan struct{} // closed while NOT paused; replaced on pause/resume

	// runCtx, ctrl and mgr are retained (rather than kept local to run/
	// runFrom) so TriggerRework can drive one more iteration of an already
	// blocked phase on the same collaborators the original run used (spec
	// §4.10 `trigger_rework`).
	runCtx      context.Context
	ctrl        *phase.Controller
	mgr         *breaker.Manager
	requirement string
	blueprintID string
	personaIDs  []string
}

// Config wires a Supervisor to its collaborators. Every field is shared
// across every execution the Supervisor owns except Bus, which is
// constructed per execution (spec §4.9 "one Bus per execution").
type Config struct {
	Builder     *workflow.Builder
	Personas    persona.Catalog
	Policy      *policy.Engine
	Checkpoints *checkpoint.Store
	Artifacts   *contextstore.Store
	Logger      *zap.Logger

	MaxPhaseIterations int
	DAGWorkers         int
	BreakerConfig      breaker.Config
	BackoffBase        time.Duration
	BackoffMax         time.Duration

	// Notifier posts operator-facing Slack alerts for every execution the
	// Supervisor runs, attached automatically by Start/Recover so neither
	// the long-running service nor the one-shot CLI path has to wire it by
	// hand. Nil disables notifications entirely.
	Notifier *notify.Notifier

	// NewExecutor builds the Executor used for one execution. The kernel
	// never hardcodes an executor implementation (spec §9): callers supply
	// pkg/llmexec, a test stub, or any other Executor.
	NewExecutor func(executionID string) dagexec.Executor
}

// Supervisor owns every Execution/DAG/Phase record in the process (spec §5
// "ExecutionSupervisor ... is the only writer to Execution/DAG/Phase
// records").
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	executions map[string]*tracked
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxPhaseIterations <= 0 {
		cfg.MaxPhaseIterations = 5
	}
	if cfg.DAGWorkers <= 0 {
		cfg.DAGWorkers = 4
	}
	return &Supervisor{cfg: cfg, executions: make(map[string]*tracked)}
}

// Start materialises a DAG for req and begins driving it through its phases
// in a background goroutine (spec §4.10 `start`).
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	dag, err := s.cfg.Builder.Build(workflow.BuildInput{
		ExecutionID: req.ExecutionID,
		Requirement: req.Requirement,
		BlueprintID: req.BlueprintID,
		PersonaIDs:  req.PersonaIDs,
	})
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(req.ExecutionID)

	if req.ReuseSource != nil && len(req.ReuseDecisions) > 0 {
		coord := reuse.New(req.ReuseSource, s.cfg.Artifacts, bus)
		outcomes, err := coord.Apply(ctx, req.ExecutionID, req.ReuseDecisions)
		if err != nil {
			return nil, err
		}
		dag.Lock()
		for personaID, outcome := range outcomes {
			if n, ok := dag.Nodes[personaID]; ok && outcome.Reused {
				n.State = workflow.NodeReused
				now := time.Now().UTC()
				n.CompletedAt = &now
			}
		}
		dag.Unlock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &tracked{
		dag:    dag,
		bus:    bus,
		cancel: cancel,
		paused: closedChan(),
		exec: Execution{
			ID:        req.ExecutionID,
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
			DAG:       dag,
		},
	}

	s.mu.Lock()
	s.executions[req.ExecutionID] = t
	s.mu.Unlock()

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Attach(runCtx, req.ExecutionID, bus)
	}

	bus.Publish(eventbus.KindExecutionStarted, map[string]any{"execution_id": req.ExecutionID})
	s.persist(t, req.Requirement, req.BlueprintID, req.PersonaIDs)

	var executor dagexec.Executor
	if s.cfg.NewExecutor != nil {
		executor = s.cfg.NewExecutor(req.ExecutionID)
	}
	go s.run(runCtx, t, executor, req.Requirement, req.BlueprintID, req.PersonaIDs)

	out := t.exec
	return &out, nil
}

// run drives every phase of dag in ordinal order, persisting a checkpoint
// after every observable transition (spec §4.10 step "drive phases in
// order; checkpoint after every transition").
func (s *Supervisor) run(ctx context.Context, t *tracked, executor dagexec.Executor, requirement, blueprintID string, personaIDs []string) {
	mgr := breaker.NewManager(s.cfg.BreakerConfig)
	de := dagexec.New(dagexec.Options{
		Workers:     s.cfg.DAGWorkers,
		Executor:    executor,
		Catalog:     s.cfg.Personas,
		Store:       s.cfg.Artifacts,
		Bus:         t.bus,
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
		Bus:           t.bus,
		Logger:        s.cfg.Logger,
		OnCheckpoint:  func() { s.persist(t, requirement, blueprintID, personaIDs) },
	})

	t.mu.Lock()
	t.runCtx, t.ctrl, t.mgr = ctx, ctrl, mgr
	t.requirement, t.blueprintID, t.personaIDs = requirement, blueprintID, personaIDs
	t.mu.Unlock()

	s.runFrom(ctx, t, ctrl, mgr, 0, requirement, blueprintID, personaIDs)
}

// runFrom drives phases starting at dag.Phases[startIdx] onward, skipping
// phases that are already PhaseCompleted (spec §4.10 "smart resume": a
// restart never re-executes a node already completed or reused).
func (s *Supervisor) runFrom(ctx context.Context, t *tracked, ctrl *phase.Controller, mgr *breaker.Manager, startIdx int, requirement, blueprintID string, personaIDs []string) {
	for i := startIdx; i < len(t.dag.Phases); i++ {
		p := t.dag.Phases[i]
		if p.State == workflow.PhaseCompleted {
			continue
		}

		<-t.paused // blocks while paused

		t.mu.Lock()
		t.exec.CurrentPhaseID = p.ID
		t.exec.ProgressPercent = s.progress(t.dag)
		t.mu.Unlock()

		outcome, err := ctrl.Run(ctx, t.dag, p.ID)
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
	}
	s.finish(t, StatusCompleted, nil)
}

func (s *Supervisor) finish(t *tracked, status Status, report *Report) {
	t.mu.Lock()
	t.exec.Status = status
	t.exec.CompletedAt = time.Now().UTC()
	t.exec.ProgressPercent = s.progress(t.dag)
	t.exec.FailureReport = report
	t.mu.Unlock()

	switch status {
	case StatusCompleted:
		t.bus.Publish(eventbus.KindExecutionCompleted, map[string]any{"execution_id": t.exec.ID})
	case StatusFailed:
		t.bus.Publish(eventbus.KindExecutionFailed, map[string]any{"execution_id": t.exec.ID, "report": report})
		if s.cfg.Notifier != nil && report != nil {
			for _, personaID := range report.BreakerOpen {
				s.cfg.Notifier.BreakerOpened(t.exec.ID, personaID)
			}
		}
	case StatusCancelled:
		t.bus.Publish(eventbus.KindExecutionCancelled, map[string]any{"execution_id": t.exec.ID})
	}
}

// RequestBypass records an operator-requested bypass of a quality gate
// against executionID's policy engine and event log (spec §4.5, §6 control
// surface). The caller supplies the gate and phase being bypassed; the
// execution id and timestamp are stamped here so callers cannot spoof them.
func (s *Supervisor) RequestBypass(executionID string, rec policy.BypassRecord) (policy.EvalResult, error) {
	t, ok := s.get(executionID)
	if !ok {
		return policy.EvalResult{}, apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", executionID)
	}
	rec.ExecutionID = executionID
	rec.Timestamp = time.Now().UTC()
	return s.cfg.Policy.EvaluateBypass(t.bus, rec)
}

// progress computes the fraction of non-optional nodes in a terminal-good
// state across the whole DAG (spec §6 `status` "progress_percent").
func (s *Supervisor) progress(dag *workflow.DAG) float64 {
	dag.Lock()
	defer dag.Unlock()
	total, done := 0, 0
	for _, n := range dag.Nodes {
		if n.Optional {
			continue
		}
		total++
		if n.State.TerminalGood() {
			done++
		}
	}
	if total == 0 {
		return 100
	}
	return 100 * float64(done) / float64(total)
}

// Status returns the current view of executionID (spec §6 `status`).
func (s *Supervisor) Status(executionID string) (*Execution, bool) {
	t, ok := s.get(executionID)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.exec
	return &out, true
}

// Pause suspends dispatch of new phases (and, transitively, new node
// dispatch once the in-flight phase's slice settles) until Resume is
// called (spec §6 `pause`). Already-running nodes are allowed to finish.
func (s *Supervisor) Pause(executionID string) error {
	t, ok := s.get(executionID)
	if !ok {
		return apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", executionID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec.Status.terminal() {
		return apperror.Newf(apperror.TypeInternalConsistency, "execution %q already terminal", executionID)
	}
	select {
	case <-t.paused:
		t.paused = make(chan struct{}) // open (blocking) channel: paused
	default:
		return nil // already paused
	}
	t.exec.Status = StatusPaused
	t.bus.Publish(eventbus.KindExecutionPaused, map[string]any{"execution_id": executionID})
	return nil
}

// Resume reverses Pause (spec §6 `resume`).
func (s *Supervisor) Resume(executionID string) error {
	t, ok := s.get(executionID)
	if !ok {
		return apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", executionID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec.Status != StatusPaused {
		return nil
	}
	close(t.paused)
	t.exec.Status = StatusRunning
	t.bus.Publish(eventbus.KindExecutionResumed, map[string]any{"execution_id": executionID})
	return nil
}

// Cancel stops the execution's goroutine at its next cancellation checkpoint
// (spec §6 `cancel`: "new dispatches stop immediately, in-flight nodes still
// record their artifacts").
func (s *Supervisor) Cancel(executionID string) error {
	t, ok := s.get(executionID)
	if !ok {
		return apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", executionID)
	}
	t.mu.Lock()
	if t.exec.Status.terminal() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.cancel()
	return nil
}

// Subscribe returns the execution's live EventBus subscription, used by
// pkg/httpapi's SSE-style event tail.
func (s *Supervisor) Subscribe(executionID string) (*eventbus.Subscription, bool) {
	t, ok := s.get(executionID)
	if !ok {
		return nil, false
	}
	return t.bus.Subscribe(), true
}

func (s *Supervisor) get(executionID string) (*tracked, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.executions[executionID]
	return t, ok
}

func (s *Supervisor) persist(t *tracked, requirement, blueprintID string, personaIDs []string) {
	t.mu.Lock()
	snap := checkpoint.Snapshot{
		ExecutionID:  t.exec.ID,
		Status:       string(t.exec.Status),
		CurrentPhase: t.exec.CurrentPhaseID,
		EventCursor:  t.bus.Cursor(),
		PersonaIDs:   personaIDs,
		BlueprintID:  blueprintID,
		Requirement:  requirement,
	}
	mgr := t.mgr
	t.mu.Unlock()

	// mgr is nil on the very first persist (right after Start, before run
	// installs it); a checkpoint with no breaker state yet is fine since
	// every breaker starts closed.
	if mgr != nil {
		for _, personaID := range personaIDs {
			bs := mgr.Snapshot(personaID)
			snap.Breakers = append(snap.Breakers, checkpoint.BreakerSnapshot{
				PersonaID:           bs.PersonaID,
				State:               string(bs.State),
				ConsecutiveFailures: bs.ConsecutiveFailures,
			})
		}
	}

	t.dag.Lock()
	for _, n := range t.dag.Nodes {
		snap.Nodes = append(snap.Nodes, checkpoint.NodeSnapshot{
			ID:           n.ID,
			State:        string(n.State),
			AttemptCount: n.AttemptCount,
			Error:        errString(n.Error),
		})
	}
	for _, p := range t.dag.Phases {
		snap.Phases = append(snap.Phases, checkpoint.PhaseSnapshot{
			ID:             p.ID,
			State:          string(p.State),
			IterationIndex: p.IterationIndex,
		})
	}
	t.dag.Unlock()

	if err := s.cfg.Checkpoints.Save(snap); err != nil {
		s.cfg.Logger.Warn("checkpoint_save_failed", zap.String("execution_id", t.exec.ID), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
