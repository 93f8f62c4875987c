package policy

import (
	"context"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/eventbus"
)

// Engine evaluates persona-level gates and phase exit criteria (spec §4.5).
type Engine struct {
	bundle *Bundle
	logger *zap.Logger
	audit  *AuditLog
	rego   *RegoEvaluator
}

// NewEngine constructs an Engine over bundle. audit may be nil to disable
// bypass auditing (not recommended outside tests).
func NewEngine(bundle *Bundle, logger *zap.Logger, audit *AuditLog) *Engine {
	return &Engine{bundle: bundle, logger: logger, audit: audit, rego: NewRegoEvaluator()}
}

// PhaseSLO exposes the normalised phase SLO for phaseID, used by
// PhaseController to evaluate entry criteria ahead of dispatching a phase's
// slice (spec §4.7 step 1).
func (e *Engine) PhaseSLO(phaseID string) (PhaseSLO, bool) {
	slo, ok := e.bundle.PhaseSLOs[phaseID]
	return slo, ok
}

// SetBundle hot-swaps the normalised policy object, used by the
// config.Watch fsnotify callback (spec §9: the kernel reparses the bundle
// on change, never per gate evaluation).
func (e *Engine) SetBundle(bundle *Bundle) { e.bundle = bundle }

// EffectiveThreshold computes base · scale[iteration] · phase_modifier,
// clamping iteration to the scale's last index once exhausted (spec §4.5
// progressive threshold, §8 "Progressive thresholds" property: non-decreasing
// in iteration).
func EffectiveThreshold(base float64, scale []float64, iteration int, phaseModifier float64) float64 {
	modifier := phaseModifier
	if modifier == 0 {
		modifier = 1.0
	}
	if len(scale) == 0 {
		return base * modifier
	}
	idx := iteration
	if idx >= len(scale) {
		idx = len(scale) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return base * scale[idx] * modifier
}

// EvaluatePersona evaluates every gate declared for personaID against
// metrics, at the progressive threshold for (phaseID, iteration) (spec
// §4.5, §4.7 step 3's per-node verdicts).
func (e *Engine) EvaluatePersona(ctx context.Context, personaID, phaseID string, iteration int, metrics map[string]any) (EvalResult, error) {
	pp, ok := e.bundle.MasterContract[personaID]
	if !ok {
		// No gates declared for this persona: vacuously passes.
		return EvalResult{Verdict: VerdictPass}, nil
	}
	slo := e.bundle.PhaseSLOs[phaseID]
	return e.evaluateGates(ctx, pp.Gates, iteration, slo.ProgressiveScale, slo.PhaseModifier, metrics)
}

// EvaluatePhaseExit evaluates a phase's exit gates (spec §4.7 step 3).
// UnknownGate is fail-safe: an unrecognised exit criterion fails the phase
// (spec §4.5, §8 "Gate fail-safe" property).
func (e *Engine) EvaluatePhaseExit(ctx context.Context, phaseID string, iteration int, entryOutputsPresent bool, metrics map[string]any) (EvalResult, error) {
	slo, ok := e.bundle.PhaseSLOs[phaseID]
	if !ok {
		return EvalResult{}, apperror.Newf(apperror.TypeUnknownGate, "no phase SLO registered for phase %q", phaseID)
	}

	for _, criterion := range slo.EntryCriteria {
		if criterion == "completeness" && !entryOutputsPresent {
			return EvalResult{
				Verdict: VerdictFail,
				Results: []GateResult{{
					Gate:   Gate{Name: "completeness", Severity: SeverityBlocking},
					Passed: false,
				}},
			}, nil
		}
	}

	return e.evaluateGates(ctx, slo.ExitGates, iteration, slo.ProgressiveScale, slo.PhaseModifier, metrics)
}

// EvaluateBypass records an operator-requested bypass of a gate named in
// rec, publishing bypass_recorded on bus for every live subscriber (spec
// §4.5 "bypass requires an ADR reference and is recorded in an append-only
// audit log"). bus may be nil, in which case the bypass is still audited
// but no event is emitted. The gate is located by searching rec.PhaseID's
// exit gates first, then every persona's declared gates, since a bypass
// request names the gate but not which contract it came from.
func (e *Engine) EvaluateBypass(bus *eventbus.Bus, rec BypassRecord) (EvalResult, error) {
	if e.audit == nil {
		return EvalResult{}, apperror.New(apperror.TypeContractViolation, "bypass auditing is not configured for this engine")
	}
	gate, ok := e.findGate(rec.PhaseID, rec.GateName)
	if !ok {
		return EvalResult{}, apperror.Newf(apperror.TypeUnknownGate, "no gate named %q is registered for phase %q", rec.GateName, rec.PhaseID)
	}
	if err := e.audit.RecordBypass(rec, gate); err != nil {
		return EvalResult{}, err
	}
	if bus != nil {
		bus.Publish(eventbus.KindBypassRecorded, map[string]any{
			"phase_id": rec.PhaseID,
			"gate_name": rec.GateName,
			"adr_ref":   rec.ADRRef,
			"actor":     rec.Actor,
			"reason":    rec.Reason,
		})
	}
	return EvalResult{Verdict: VerdictPass, Results: []GateResult{{Gate: gate, Passed: true}}}, nil
}

// findGate resolves gateName against phaseID's exit gates, falling back to
// every persona's gate list declared in the master contract.
func (e *Engine) findGate(phaseID, gateName string) (Gate, bool) {
	if slo, ok := e.bundle.PhaseSLOs[phaseID]; ok {
		for _, g := range slo.ExitGates {
			if g.Name == gateName {
				return g, true
			}
		}
	}
	for _, pp := range e.bundle.MasterContract {
		for _, g := range pp.Gates {
			if g.Name == gateName {
				return g, true
			}
		}
	}
	return Gate{}, false
}

func (e *Engine) evaluateGates(ctx context.Context, gates []Gate, iteration int, scale []float64, phaseModifier float64, metrics map[string]any) (EvalResult, error) {
	result := EvalResult{Verdict: VerdictPass}

	for _, gate := range gates {
		gr, err := e.evaluateGate(ctx, gate, iteration, scale, phaseModifier, metrics)
		if err != nil {
			return EvalResult{}, err
		}
		result.Results = append(result.Results, gr)

		if !gr.Passed {
			switch gate.Severity {
			case SeverityBlocking:
				result.Verdict = VerdictFail
			case SeverityWarning:
				if result.Verdict == VerdictPass {
					result.Verdict = VerdictWarning
				}
			default:
				return EvalResult{}, apperror.Newf(apperror.TypeUnknownGate, "gate %q has unrecognised severity %q", gate.Name, gate.Severity)
			}
		}
	}
	return result, nil
}

func (e *Engine) evaluateGate(ctx context.Context, gate Gate, iteration int, scale []float64, phaseModifier float64, metrics map[string]any) (GateResult, error) {
	threshold := EffectiveThreshold(gate.Threshold, scale, iteration, phaseModifier)

	if gate.RegoQuery != "" {
		passed, value, err := e.rego.Evaluate(ctx, gate.RegoQuery, metrics, threshold)
		if err != nil {
			return GateResult{}, apperror.Wrapf(err, apperror.TypeUnknownGate, "rego evaluation failed for gate %q", gate.Name)
		}
		return GateResult{Gate: gate, Value: value, Threshold: threshold, Passed: passed}, nil
	}

	value, err := resolveMetric(gate.MetricPath, metrics)
	if err != nil {
		return GateResult{Gate: gate, Threshold: threshold, Passed: false, Error: err}, nil
	}
	return GateResult{Gate: gate, Value: value, Threshold: threshold, Passed: value >= threshold}, nil
}

// resolveMetric extracts a numeric value from the executor-reported
// metrics map using a gojq path expression (e.g. ".tests.coverage"),
// matching the teacher pack's use of jq-style extraction over loosely
// structured JSON metric payloads.
func resolveMetric(path string, metrics map[string]any) (float64, error) {
	if path == "" {
		return 0, apperror.New(apperror.TypeContractViolation, "gate has no metric path configured")
	}
	query, err := gojq.Parse(path)
	if err != nil {
		return 0, apperror.Wrapf(err, apperror.TypeContractViolation, "invalid metric path %q", path)
	}
	iter := query.Run(metrics)
	v, ok := iter.Next()
	if !ok {
		return 0, apperror.Newf(apperror.TypeContractViolation, "metric path %q produced no value", path)
	}
	if err, ok := v.(error); ok {
		return 0, apperror.Wrapf(err, apperror.TypeContractViolation, "metric path %q failed", path)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, apperror.Newf(apperror.TypeContractViolation, "metric path %q did not resolve to a number", path)
	}
}
