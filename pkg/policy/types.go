// Package policy implements the PolicyEngine (spec §4.5): persona-level
// quality gates, phase exit criteria, progressive thresholds, and bypass
// auditing.
package policy

// Severity is a gate's blocking/warning classification (spec §3 QualityGate,
// §4.5 "Gate severities").
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Gate is one quality criterion (spec §3 QualityGate). MetricPath is a
// gojq-compatible path into the metrics map an executor reports (e.g.
// ".tests.coverage" or ".stub_rate"); RegoQuery, if set, is evaluated
// instead of the simple threshold comparison for gates whose pass condition
// cannot be expressed as "metric >= threshold" (spec §9: gates never throw
// to signal fail — both paths produce a GateResult).
type Gate struct {
	Name          string
	Threshold     float64
	Severity      Severity
	MetricPath    string
	RegoQuery     string
	Bypassable    bool
}

// PersonaPolicy is the master contract's per-persona gate list (spec §6
// "a master contract: global defaults + per-persona gate thresholds and
// severities").
type PersonaPolicy struct {
	PersonaID string
	Gates     []Gate
}

// PhaseSLO is the phase SLOs document's per-phase entry/exit configuration
// (spec §6 "phase SLOs: per-phase entry criteria, exit criteria,
// progressive scale, modifiers, bypass rules").
type PhaseSLO struct {
	PhaseID         string
	EntryCriteria   []string
	ExitGates       []Gate
	ProgressiveScale []float64 // monotonically non-decreasing, indexed by iteration
	PhaseModifier   float64    // >=1.0 raises strictness (e.g. Deployment)
}

// Bundle is the parsed, validated policy object the kernel consumes (spec
// §6, §9: "kernel never sees free-form maps"). Loaders external to the
// kernel (YAML, OPA bundle, etc.) normalise into this shape.
type Bundle struct {
	MasterContract map[string]PersonaPolicy // keyed by persona id
	PhaseSLOs      map[string]PhaseSLO      // keyed by phase id
}

// GateResult is one gate's evaluated outcome.
type GateResult struct {
	Gate      Gate
	Value     float64
	Threshold float64
	Passed    bool
	Error     error
}

// Verdict is the aggregated result of spec §4.5/§4.7.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarning Verdict = "warning"
	VerdictFail    Verdict = "fail"
)

// EvalResult bundles the aggregate verdict with the individual gate
// outcomes, so PhaseController can compose a rework plan from exactly the
// gates (and hence personas) that failed.
type EvalResult struct {
	Verdict Verdict
	Results []GateResult
}

// FailingBlocking returns the names of every blocking gate that failed.
func (r EvalResult) FailingBlocking() []string {
	var out []string
	for _, gr := range r.Results {
		if !gr.Passed && gr.Gate.Severity == SeverityBlocking {
			out = append(out, gr.Gate.Name)
		}
	}
	return out
}
