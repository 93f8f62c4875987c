package workflow

import (
	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/persona"
)

// Blueprint resolves a blueprint id to a persona set and optional
// execution-mode hint (spec §4.2, an external collaborator consumed by id —
// spec §1 "Persona and blueprint catalogs... consumed by lookups").
type Blueprint struct {
	ID             string
	PersonaIDs     []string
	ExecutionHint  string
}

// BlueprintCatalog is the external lookup WorkflowBuilder consults when a
// blueprint id is given instead of an explicit persona set.
type BlueprintCatalog interface {
	Get(id string) (Blueprint, bool)
}

// Builder implements spec §4.2's six-step algorithm.
type Builder struct {
	Personas   persona.Catalog
	Blueprints BlueprintCatalog
}

// NewBuilder constructs a Builder backed by the given persona catalog and
// an optional blueprint catalog (nil is fine when blueprints are unused).
func NewBuilder(personas persona.Catalog, blueprints BlueprintCatalog) *Builder {
	return &Builder{Personas: personas, Blueprints: blueprints}
}

// BuildInput is the (execution_id, requirement, blueprint?, persona set)
// triple of spec §4.2. Requirement is carried through for provenance only;
// the kernel does not interpret natural-language requirements itself (that
// is the WorkflowBuilder's external collaborator's job upstream of this
// call — by the time Build is invoked the persona set is already resolved
// or a blueprint id is given).
type BuildInput struct {
	ExecutionID string
	Requirement string
	BlueprintID string
	PersonaIDs  []string
}

// Build turns a BuildInput into a frozen WorkflowDAG.
func (b *Builder) Build(in BuildInput) (*DAG, error) {
	personaIDs := in.PersonaIDs
	if in.BlueprintID != "" {
		if b.Blueprints == nil {
			return nil, apperror.New(apperror.TypeMissingDependency, "blueprint catalog not configured").
				WithDetails(in.BlueprintID)
		}
		bp, ok := b.Blueprints.Get(in.BlueprintID)
		if !ok {
			return nil, apperror.Newf(apperror.TypeMissingDependency, "unknown blueprint %q", in.BlueprintID)
		}
		personaIDs = bp.PersonaIDs
	}

	// Step 1: seed nodes from P, one node per persona.
	present := make(map[string]struct{}, len(personaIDs))
	for _, id := range personaIDs {
		present[id] = struct{}{}
	}

	nodes := make(map[string]*Node, len(personaIDs))
	specs := make(map[string]persona.Spec, len(personaIDs))
	for _, id := range personaIDs {
		spec, ok := b.Personas.Get(id)
		if !ok {
			return nil, apperror.Newf(apperror.TypeMissingDependency, "unknown persona %q", id).
				WithDetails(in.ExecutionID)
		}
		specs[id] = spec

		deps := make(map[string]struct{}, len(spec.Dependencies))
		// Step 2: add edges only for personas also in P.
		for _, dep := range spec.Dependencies {
			if _, ok := present[dep]; !ok {
				return nil, apperror.Newf(apperror.TypeMissingDependency,
					"persona %q declares dependency %q which is not in the selected persona set", id, dep)
			}
			deps[dep] = struct{}{}
		}

		nodes[id] = &Node{
			ID:              id,
			PhaseID:         spec.PhaseID,
			PersonaID:       id,
			Dependencies:    deps,
			ParallelCapable: spec.ParallelCapable,
			Timeout:         spec.Timeout.Duration(),
			MaxRetries:      spec.MaxRetries,
			Optional:        spec.Optional,
			State:           NodePending,
		}
	}

	// Step 4: topological order / cycle detection.
	order, err := topologicalOrder(nodes)
	if err != nil {
		return nil, err
	}

	// Step 3 + edge case: cross-phase dependency validation. A dependency is
	// only legal if it belongs to a strictly earlier phase ordinal, or the
	// same phase (handled by wave grouping below).
	phaseOrdinal := make(map[string]int)
	for _, id := range order {
		n := nodes[id]
		if _, seen := phaseOrdinal[n.PhaseID]; !seen {
			phaseOrdinal[n.PhaseID] = len(phaseOrdinal)
		}
	}
	for _, id := range order {
		n := nodes[id]
		for dep := range n.Dependencies {
			depPhase := nodes[dep].PhaseID
			if depPhase == n.PhaseID {
				continue
			}
			if phaseOrdinal[depPhase] >= phaseOrdinal[n.PhaseID] {
				return nil, apperror.Newf(apperror.TypeCrossPhaseDependency,
					"node %q depends on %q in a non-earlier phase (%q -> %q)", n.ID, dep, depPhase, n.PhaseID)
			}
		}
	}

	dag := &DAG{
		ExecutionID: in.ExecutionID,
		Nodes:       nodes,
		phaseByID:   make(map[string]*Phase),
	}

	// Step 5: group into phases and waves.
	phasesByID := make(map[string]*Phase)
	var phaseOrder []string
	for _, id := range order {
		n := nodes[id]
		if _, ok := phasesByID[n.PhaseID]; !ok {
			phasesByID[n.PhaseID] = &Phase{
				ID:      n.PhaseID,
				Ordinal: phaseOrdinal[n.PhaseID],
				State:   PhasePending,
			}
			phaseOrder = append(phaseOrder, n.PhaseID)
		}
	}

	for _, phaseID := range phaseOrder {
		assignWaves(nodes, phasesByID[phaseID])
	}

	for _, phaseID := range phaseOrder {
		p := phasesByID[phaseID]
		dag.Phases = append(dag.Phases, p)
		dag.phaseByID[phaseID] = p
	}

	return dag, nil
}

// topologicalOrder runs Kahn's algorithm and fails with WorkflowCycle if any
// node remains unresolved (spec §4.2 step 4).
func topologicalOrder(nodes map[string]*Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.Dependencies)
		for dep := range n.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, apperror.New(apperror.TypeWorkflowCycle, "persona dependency graph contains a cycle")
	}
	return order, nil
}

// assignWaves sets each of a phase's nodes' WaveIndex to the length of its
// longest in-phase dependency chain (0 for a node with no in-phase
// dependency). Nodes at the same depth share a wave index whether or not
// they are ParallelCapable and whether or not their in-phase dependency sets
// are equal.
func assignWaves(nodes map[string]*Node, phase *Phase) {
	inPhase := func(n *Node) bool { return n.PhaseID == phase.ID }

	// Topological order restricted to this phase (dependencies across
	// phases are already terminal-good by construction, so depth only
	// counts in-phase edges).
	depth := make(map[string]int)
	var assign func(id string) int
	visiting := make(map[string]bool)
	assign = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		n := nodes[id]
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		maxDep := -1
		for dep := range n.Dependencies {
			if !inPhase(nodes[dep]) {
				continue
			}
			if d := assign(dep); d > maxDep {
				maxDep = d
			}
		}
		depth[id] = maxDep + 1
		visiting[id] = false
		return depth[id]
	}

	var ids []string
	for id, n := range nodes {
		if inPhase(n) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		assign(id)
	}

	// Stable ordering: by wave depth, then id, for deterministic dispatch
	// preference (spec §4.6 step 2: "preferring lowest phase ordinal then
	// lowest wave index").
	sortByDepthThenID(ids, depth)

	phase.NodeIDs = ids
	for _, id := range ids {
		nodes[id].WaveIndex = depth[id]
	}
}

func sortByDepthThenID(ids []string, depth map[string]int) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 {
			a, bID := ids[j-1], ids[j]
			if depth[a] > depth[bID] || (depth[a] == depth[bID] && a > bID) {
				ids[j-1], ids[j] = ids[j], ids[j-1]
				j--
			} else {
				break
			}
		}
	}
}
