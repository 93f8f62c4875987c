// Package persona implements the PersonaCatalog (spec §4.1): a read-only
// lookup from persona id to its declared dependencies, contract, and
// executor selector. The catalog itself is an external collaborator in the
// full system (loaded from a persona/blueprint catalog service); the kernel
// only needs the lookup shape, so this package provides both the interface
// DAGExecutor and WorkflowBuilder consume and an in-memory implementation
// suitable for embedding a statically-defined catalog.
package persona

import (
	"fmt"
	"time"
)

// Contract describes a persona's required/optional inputs and outputs,
// used by DAGExecutor to validate executor output before marking a node
// completed (spec §3 Node.output_contract).
type Contract struct {
	RequiredInputs  []string
	OptionalInputs  []string
	RequiredOutputs []string
	OptionalOutputs []string
}

// Validate checks that produced output names satisfy RequiredOutputs.
// Extra, unlisted outputs are permitted.
func (c Contract) Validate(produced []string) error {
	have := make(map[string]bool, len(produced))
	for _, name := range produced {
		have[name] = true
	}
	for _, want := range c.RequiredOutputs {
		if !have[want] {
			return fmt.Errorf("missing required output %q", want)
		}
	}
	return nil
}

// Spec is everything the DAG needs to know about a persona without knowing
// how it actually executes (spec §4.1, §9 "personas are data + executor
// selector, not subclasses").
type Spec struct {
	ID               string
	PhaseID          string
	Dependencies     []string
	ParallelCapable  bool
	Timeout          DurationSeconds
	MaxRetries       int
	InputContract    Contract
	OutputContract   Contract
	ExecutorSelector string
	Optional         bool
}

// DurationSeconds avoids importing time at the catalog boundary (a parsed
// policy/catalog object may arrive as plain seconds from an external
// loader); kernel-internal code converts via Duration().
type DurationSeconds float64

// Duration converts to a time.Duration for kernel-internal use.
func (d DurationSeconds) Duration() time.Duration {
	return time.Duration(float64(d) * float64(time.Second))
}

// Catalog is the read-only lookup DAGExecutor and WorkflowBuilder consume.
type Catalog interface {
	Get(id string) (Spec, bool)
	All() []Spec
}

// StaticCatalog is an in-memory Catalog built from a fixed slice of Specs,
// suitable when the catalog is small enough to hold in process (tests,
// embedded demos); production deployments back Catalog with their own
// persona-store client.
type StaticCatalog struct {
	byID map[string]Spec
}

// NewStaticCatalog builds a catalog from specs, indexed by ID. Later
// duplicate IDs overwrite earlier ones.
func NewStaticCatalog(specs ...Spec) *StaticCatalog {
	c := &StaticCatalog{byID: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		c.byID[s.ID] = s
	}
	return c
}

func (c *StaticCatalog) Get(id string) (Spec, bool) {
	s, ok := c.byID[id]
	return s, ok
}

func (c *StaticCatalog) All() []Spec {
	out := make([]Spec, 0, len(c.byID))
	for _, s := range c.byID {
		out = append(out, s)
	}
	return out
}
