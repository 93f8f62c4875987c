package dagexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// runNode drives one node through running -> {completed, failed} (spec
// §4.6 steps 3-4), including the node-level retry/backoff loop and circuit
// breaker, then persists artifacts and propagates a skip to dependents on
// failure. It never mutates dag outside dag.Lock()/Unlock().
func (e *DAGExecutor) runNode(ctx context.Context, dag *workflow.DAG, phaseID string, iteration int, n *workflow.Node) {
	spec, ok := e.opts.Catalog.Get(n.PersonaID)
	if !ok {
		e.fail(dag, phaseID, n, apperror.Newf(apperror.TypeInternalConsistency, "persona %q vanished from catalog mid-execution", n.PersonaID))
		return
	}

	nodeCtx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	ctxForExec, endSpan := e.startSpan(nodeCtx, n)

	var deadline time.Time
	if n.Timeout > 0 {
		deadline = time.Now().Add(n.Timeout)
	}

	inputs := e.resolveInputs(dag, n)

	policy := breaker.RetryPolicy{
		MaxRetries: n.MaxRetries,
		BaseDelay:  e.opts.BackoffBase,
		MaxDelay:   e.opts.BackoffMax,
	}

	var result ExecResult
	var lastReport *breaker.FailureReport

	retryErr, attempts := breaker.Do(ctxForExec, policy, func(attemptCtx context.Context, attempt int) error {
		dag.Lock()
		n.AttemptCount = attempt
		dag.Unlock()
		if attempt > 1 && e.opts.Metrics != nil {
			e.opts.Metrics.ObserveNodeRetry(n.PersonaID)
		}

		fr, err := e.opts.Breakers.Execute(attemptCtx, n.PersonaID, n.ID, attempt, func(callCtx context.Context) error {
			res, callErr := e.opts.Executor.Execute(callCtx, ExecRequest{
				NodeID:    n.ID,
				Persona:   spec,
				Inputs:    inputs,
				Iteration: iteration,
				Attempt:   attempt,
				Deadline:  deadline,
			})
			if callErr != nil {
				if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					return apperror.Wrap(callErr, apperror.TypeTimeout, "executor callback exceeded node timeout")
				}
				return apperror.Wrap(callErr, apperror.TypeExecutorError, "executor callback returned an error")
			}
			if res.Error != nil {
				return apperror.Wrap(res.Error, apperror.TypeExecutorError, "executor callback reported a failure")
			}
			if err := spec.OutputContract.Validate(artifactNames(res.Artifacts)); err != nil {
				return apperror.Wrap(err, apperror.TypeContractViolation, "output contract violation")
			}
			result = res
			return nil
		})
		lastReport = fr
		return err
	})

	if retryErr == nil {
		e.complete(ctx, dag, phaseID, iteration, n, result)
		endSpan(nil)
		return
	}

	dag.Lock()
	n.AttemptCount = attempts
	dag.Unlock()
	e.fail(dag, phaseID, n, retryErr)
	if lastReport != nil && e.opts.Metrics != nil {
		e.opts.Metrics.ObserveNodeFailed(n.PersonaID, string(lastReport.Category))
	}
	endSpan(retryErr)
}

// complete stamps every produced artifact into the ContextStore and marks
// the node completed (spec §4.6 step 4 "success and output contract
// validates => completed; stamp artifacts; emit node_completed").
func (e *DAGExecutor) complete(ctx context.Context, dag *workflow.DAG, phaseID string, iteration int, n *workflow.Node, result ExecResult) {
	refs := make([]string, 0, len(result.Artifacts))
	for _, art := range result.Artifacts {
		var r io.Reader
		if art.Path != "" {
			f, err := os.Open(art.Path)
			if err != nil {
				e.fail(dag, phaseID, n, apperror.Wrap(err, apperror.TypeStorageIO, "open produced artifact"))
				return
			}
			defer f.Close()
			r = f
		} else {
			r = bytes.NewReader(art.Bytes)
		}
		ref, err := e.opts.Store.Put(ctx, contextstore.PutInput{
			ExecutionID: dag.ExecutionID,
			Iteration:   iteration,
			NodeID:      n.ID,
			PhaseID:     phaseID,
			PersonaID:   n.PersonaID,
			Name:        art.Name,
			Labels:      art.Labels,
			ContractVer: art.ContractVersion,
			Reader:      r,
		})
		if err != nil {
			e.fail(dag, phaseID, n, err)
			return
		}
		refs = append(refs, ref.CanonicalPath)
	}

	dag.Lock()
	n.State = workflow.NodeCompleted
	now := time.Now().UTC()
	n.CompletedAt = &now
	n.Error = nil
	n.Metrics = result.Metrics
	started := n.StartedAt
	dag.Unlock()

	if e.opts.Metrics != nil && started != nil {
		e.opts.Metrics.ObserveNodeCompleted(n.PersonaID, now.Sub(*started))
	}

	e.opts.Bus.Publish(eventbus.KindNodeCompleted, map[string]any{
		"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseID,
		"artifacts": refs, "metrics": result.Metrics, "attempt": n.AttemptCount,
	})
}

// fail marks n failed and propagates a skip to every node, in this phase or
// any later one, that transitively depends on it, since those dependents
// can now never become terminal-good (spec §4.6 state diagram: "skipped
// (dependency failed and propagation = skip)"). PhaseController observes
// these skips via the DAG directly rather than waiting on a later phase's
// slice to discover the same thing the hard way.
func (e *DAGExecutor) fail(dag *workflow.DAG, phaseID string, n *workflow.Node, cause error) {
	dag.Lock()
	n.State = workflow.NodeFailed
	now := time.Now().UTC()
	n.CompletedAt = &now
	n.Error = cause
	descendants := dag.TransitiveDependents([]string{n.ID})
	var skipped []string
	for id := range descendants {
		dep := dag.Nodes[id]
		if dep.State.Terminal() {
			continue
		}
		dep.State = workflow.NodeSkipped
		skipped = append(skipped, id)
	}
	attempt := n.AttemptCount
	dag.Unlock()

	e.opts.Bus.Publish(eventbus.KindNodeFailed, map[string]any{
		"node_id": n.ID, "persona_id": n.PersonaID, "phase_id": phaseID,
		"error": cause.Error(), "category": string(apperror.GetType(cause)), "attempt": attempt,
	})
	for _, id := range skipped {
		e.opts.Bus.Publish(eventbus.KindNodeFailed, map[string]any{
			"node_id": id, "phase_id": dag.Nodes[id].PhaseID, "skipped_due_to": n.ID,
		})
	}
}

// resolveInputs gathers the most recent artifacts produced by each direct
// dependency, keyed by artifact basename. Dependencies are resolved purely
// through ContextStore lookups, matching spec §6's "all inputs are passed
// in" contract — the executor callback never queries the store itself.
func (e *DAGExecutor) resolveInputs(dag *workflow.DAG, n *workflow.Node) map[string]contextstore.Artifact {
	inputs := make(map[string]contextstore.Artifact)
	for dep := range n.Dependencies {
		depNode, ok := dag.Nodes[dep]
		if !ok {
			continue
		}
		for _, a := range e.opts.Store.List(contextstore.Filter{PhaseID: depNode.PhaseID, PersonaID: depNode.PersonaID}) {
			inputs[lastSegment(a.CanonicalPath)] = a
		}
	}
	return inputs
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func artifactNames(artifacts []ExecArtifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.Name)
	}
	return out
}
