package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoEvaluator compiles and runs rego queries for gates whose pass
// condition is richer than a single metric comparison (spec §4.5: some
// gates "express pass conditions that aren't a single threshold
// comparison"). Compiled queries are cached by source text since a
// PolicyEngine re-evaluates the same gates on every node/phase transition.
type RegoEvaluator struct {
	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

// NewRegoEvaluator returns an evaluator with an empty compiled-query cache.
func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{cache: make(map[string]rego.PreparedEvalQuery)}
}

// Evaluate runs query with input {"metrics": metrics, "threshold": threshold}
// and reads the first expression of the first result. A boolean result is
// the pass verdict (value 0); a numeric result passes when it is >= threshold
// and is returned as value. Any other result type, or a query that produces
// no result, is an error.
func (r *RegoEvaluator) Evaluate(ctx context.Context, query string, metrics map[string]any, threshold float64) (passed bool, value float64, err error) {
	r.mu.Lock()
	pq, ok := r.cache[query]
	if !ok {
		compiled, cErr := rego.New(
			rego.Query(query),
			rego.Module("gate.rego", defaultGateModule),
		).PrepareForEval(ctx)
		if cErr != nil {
			r.mu.Unlock()
			return false, 0, fmt.Errorf("compile rego query: %w", cErr)
		}
		pq = compiled
		r.cache[query] = pq
	}
	r.mu.Unlock()

	input := map[string]any{
		"metrics":   metrics,
		"threshold": threshold,
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, 0, fmt.Errorf("evaluate rego query: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, 0, fmt.Errorf("rego query %q produced no result", query)
	}

	switch v := rs[0].Expressions[0].Value.(type) {
	case bool:
		return v, 0, nil
	case float64:
		return v >= threshold, v, nil
	case json.Number:
		f, nErr := v.Float64()
		if nErr != nil {
			return false, 0, fmt.Errorf("rego query %q returned number %q: %w", query, v, nErr)
		}
		return f >= threshold, f, nil
	default:
		return false, 0, fmt.Errorf("rego query %q returned unsupported type %T", query, v)
	}
}

// defaultGateModule is the only module loaded alongside each per-gate query.
// It declares package gate with `result` defaulting to false and nothing
// else; no gate-supplied module is loaded, so "data.gate.result" always
// evaluates to false and a query states its pass condition directly against
// input.metrics and input.threshold.
const defaultGateModule = `package gate

default result := false
`
