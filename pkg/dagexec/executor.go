// Package dagexec implements the DAGExecutor (spec §4.6): a bounded
// concurrency scheduler that drives every node of a workflow DAG phase
// slice through its state machine, invoking an external executor callback
// per node and enforcing per-node timeouts, retries, and cancellation.
package dagexec

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// ExecArtifact is one artifact produced by an executor callback invocation
// (spec §6 "Executor callback").
type ExecArtifact struct {
	Name            string
	Bytes           []byte
	Path            string
	Labels          map[string]string
	ContractVersion string
}

// ExecResult is the executor callback's return value (spec §6).
type ExecResult struct {
	Artifacts []ExecArtifact
	Metrics   map[string]any
	Error     error
}

// ExecRequest is everything the executor callback needs, with no reach-back
// into the kernel's stores (spec §6: "must be pure with respect to the
// kernel... all inputs are passed in, all outputs returned").
type ExecRequest struct {
	NodeID    string
	Persona   persona.Spec
	Inputs    map[string]contextstore.Artifact
	Iteration int
	Attempt   int
	Deadline  time.Time
}

// Executor is the external collaborator that actually runs a persona (spec
// §1 "the LLM/agent backend... an executor callback", §6). The kernel never
// substitutes a mock in its place (spec §7, §9 "no silent fallbacks").
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Metrics is the optional Prometheus instrumentation surface; a nil Metrics
// disables recording without requiring callers to special-case it.
type Metrics interface {
	ObserveNodeCompleted(personaID string, duration time.Duration)
	ObserveNodeFailed(personaID, category string)
	ObserveNodeRetry(personaID string)
}

// Options configures one DAGExecutor.
type Options struct {
	Workers  int
	Executor Executor
	Catalog  persona.Catalog
	Store    *contextstore.Store
	Bus      *eventbus.Bus
	Breakers *breaker.Manager
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  Metrics

	// BackoffBase/BackoffMax override the default retry backoff when a
	// persona spec does not declare its own (spec §4.6 "Backoff").
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DAGExecutor drives phase-scoped slices of a workflow.DAG to completion.
// One instance is shared across every phase of an execution; it holds no
// per-phase state of its own, all of which lives on the *workflow.DAG and
// its Nodes (spec §9 "arena + integer indices... references by index only").
type DAGExecutor struct {
	opts Options
	sem  *semaphore.Weighted
}

// New constructs a DAGExecutor. Workers <= 0 defaults to 1 (sequential
// execution, spec §8 boundary: "N workers = 1 => execution is sequential").
func New(opts Options) *DAGExecutor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DAGExecutor{opts: opts, sem: semaphore.NewWeighted(int64(opts.Workers))}
}

// pollInterval bounds how long the dispatcher waits for a wake signal
// before re-scanning the frontier on its own; it is a backstop, not the
// primary wake mechanism (spec §4.6 "scheduling loop").
const pollInterval = 200 * time.Millisecond

// RunSlice drives every node of dag belonging to phaseID through the state
// machine of spec §4.6 until none remains ready or running, honoring ctx
// cancellation (spec §4.6 "Cancellation": new dispatches stop immediately,
// in-flight nodes still record their artifacts).
func (e *DAGExecutor) RunSlice(ctx context.Context, dag *workflow.DAG, phaseID string, iteration int) error {
	if e.opts.Executor == nil {
		return apperror.New(apperror.TypeMissingExecutor, "no executor callback configured")
	}

	wake := make(chan struct{}, 1)
	trigger := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup

	for {
		dag.Lock()
		nodes := dag.NodesInPhase(phaseID)
		frontier, allTerminal := e.scan(dag, nodes)
		dag.Unlock()

		if allTerminal {
			wg.Wait()
			return nil
		}

		if ctx.Err() != nil && e.sem.TryAcquire(int64(e.opts.Workers)) {
			// Cancelled with nothing in flight: no new dispatch will ever
			// happen, so stop instead of spinning on permanently-pending
			// nodes (spec §4.6 Cancellation: "new dispatches stop
			// immediately").
			e.sem.Release(int64(e.opts.Workers))
			wg.Wait()
			return ctx.Err()
		}

		if ctx.Err() == nil {
			for _, n := range frontier {
				if !e.sem.TryAcquire(1) {
					break
				}
				dag.Lock()
				n.State = workflow.NodeRunning
				now := time.Now().UTC()
				n.StartedAt = &now
				dag.Unlock()
				e.opts.Bus.Publish(eventbus.KindNodeStarted, map[string]any{
					"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseID, "attempt": n.AttemptCount + 1,
				})

				wg.Add(1)
				go func(n *workflow.Node) {
					defer wg.Done()
					defer e.sem.Release(1)
					defer trigger()
					e.runNode(ctx, dag, phaseID, iteration, n)
				}(n)
			}
		}

		select {
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

// scan marks dependency-satisfied pending nodes ready, and reports the
// dispatchable frontier (ready, not yet running) ordered by wave index then
// id (spec §4.6 step 1-2), plus whether every node in the slice is terminal.
func (e *DAGExecutor) scan(dag *workflow.DAG, nodes []*workflow.Node) (frontier []*workflow.Node, allTerminal bool) {
	allTerminal = true
	for _, n := range nodes {
		switch n.State {
		case workflow.NodePending:
			if e.depsSatisfied(dag, n) {
				n.State = workflow.NodeReady
				e.opts.Bus.Publish(eventbus.KindNodeReady, map[string]any{"node_id": n.ID, "persona_id": n.PersonaID})
			}
		}
		if !n.State.Terminal() {
			allTerminal = false
		}
	}
	for _, n := range nodes {
		if n.State == workflow.NodeReady {
			frontier = append(frontier, n)
		}
	}
	return frontier, allTerminal
}

func (e *DAGExecutor) depsSatisfied(dag *workflow.DAG, n *workflow.Node) bool {
	for dep := range n.Dependencies {
		depNode, ok := dag.Nodes[dep]
		if !ok {
			return false
		}
		if !depNode.State.TerminalGood() {
			return false
		}
	}
	return true
}
