// Package reuse implements the ReuseCoordinator (spec §4.8): given a
// persona-level REUSE/EXECUTE decision map, it resolves prior artifacts
// from an external source, verifies their integrity, and materialises them
// into the new execution's ContextStore before DAGExecutor ever dispatches
// those nodes.
package reuse

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/eventbus"
)

// Decision is one persona's reuse instruction.
type Decision string

const (
	DecisionReuse   Decision = "REUSE"
	DecisionExecute Decision = "EXECUTE"
)

// PersonaDecision pairs a Decision with the source reference it reuses
// from, when applicable.
type PersonaDecision struct {
	Decision  Decision
	SourceRef string
}

// Source resolves prior artifacts by reference. Production callers back
// this by an external artifact catalogue (object storage, another
// execution's ContextStore); tests use an in-memory stub.
type Source interface {
	Resolve(ctx context.Context, sourceRef string) (SourceArtifact, error)
}

// SourceArtifact is a reusable artifact as reported by Source, prior to
// integrity verification.
type SourceArtifact struct {
	PersonaID string
	PhaseID   string
	NodeID    string
	Name      string
	SHA256    string
	Size      int64
	Labels    map[string]string
	Open      func() (io.ReadCloser, error)
}

// Outcome records what the coordinator actually did for one persona, so
// Supervisor.Start can decide which nodes start in state `reused` versus
// `pending` (spec §4.8 step 4).
type Outcome struct {
	PersonaID string
	Reused    bool
	Ref       contextstore.Ref
	Downgraded bool
}

// Coordinator applies a reuse decision map ahead of DAGExecutor dispatch.
type Coordinator struct {
	source Source
	store  *contextstore.Store
	bus    *eventbus.Bus
}

// New constructs a Coordinator.
func New(source Source, store *contextstore.Store, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{source: source, store: store, bus: bus}
}

// Apply resolves every REUSE decision in decisions, verifying hashes and
// materialising surviving reuses into store under executionID's canonical
// path (spec §4.8 steps 1-3). A hash mismatch downgrades that persona to
// EXECUTE and publishes node_reused with downgraded=true and
// reason=hash_mismatch rather than failing the whole execution; no separate
// reuse_downgraded event kind is emitted.
func (c *Coordinator) Apply(ctx context.Context, executionID string, decisions map[string]PersonaDecision) (map[string]Outcome, error) {
	outcomes := make(map[string]Outcome, len(decisions))

	for personaID, decision := range decisions {
		if decision.Decision != DecisionReuse {
			outcomes[personaID] = Outcome{PersonaID: personaID, Reused: false}
			continue
		}

		sa, err := c.source.Resolve(ctx, decision.SourceRef)
		if err != nil {
			return nil, apperror.Wrapf(err, apperror.TypeStorageIO, "resolve reuse source for persona %q", personaID)
		}

		rc, err := sa.Open()
		if err != nil {
			return nil, apperror.Wrapf(err, apperror.TypeStorageIO, "open reuse source for persona %q", personaID)
		}

		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, apperror.Wrapf(err, apperror.TypeStorageIO, "read reuse source for persona %q", personaID)
		}

		if sa.SHA256 != "" {
			sum := sha256.Sum256(data)
			if hex.EncodeToString(sum[:]) != sa.SHA256 {
				if c.bus != nil {
					c.bus.Publish(eventbus.KindNodeReused, map[string]any{
						"persona_id": personaID,
						"downgraded": true,
						"reason":     "hash_mismatch",
					})
				}
				outcomes[personaID] = Outcome{PersonaID: personaID, Reused: false, Downgraded: true}
				continue
			}
		}

		ref, err := c.store.Put(ctx, contextstore.PutInput{
			ExecutionID: executionID,
			NodeID:      sa.NodeID,
			PhaseID:     sa.PhaseID,
			PersonaID:   personaID,
			Name:        sa.Name,
			Labels:      sa.Labels,
			Reader:      bytes.NewReader(data),
		})
		if err != nil {
			return nil, apperror.Wrapf(err, apperror.TypeStorageIO, "materialise reused artifact for persona %q", personaID)
		}

		if c.bus != nil {
			c.bus.Publish(eventbus.KindNodeReused, map[string]any{
				"persona_id": personaID,
				"downgraded": false,
			})
		}
		outcomes[personaID] = Outcome{PersonaID: personaID, Reused: true, Ref: ref}
	}

	return outcomes, nil
}
