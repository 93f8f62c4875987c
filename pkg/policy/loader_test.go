package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/policy"
)

const sampleBundle = `
masterContract:
  - personaId: backend_developer
    gates:
      - name: stub_rate
        threshold: 0.6
        severity: blocking
        metricPath: .stub_rate
        bypassable: false
phaseSLOs:
  - phaseId: I
    entryCriteria: [completeness]
    exitGates:
      - name: build_success
        threshold: 1
        severity: blocking
        metricPath: .build_success
    progressiveScale: [0.6, 0.7, 0.8, 0.9, 0.95]
    phaseModifier: 1.0
`

func TestParseBundle(t *testing.T) {
	b, err := policy.ParseBundle([]byte(sampleBundle))
	require.NoError(t, err)

	pp, ok := b.MasterContract["backend_developer"]
	require.True(t, ok)
	require.Len(t, pp.Gates, 1)
	assert.Equal(t, "stub_rate", pp.Gates[0].Name)
	assert.Equal(t, policy.SeverityBlocking, pp.Gates[0].Severity)

	slo, ok := b.PhaseSLOs["I"]
	require.True(t, ok)
	assert.Equal(t, []string{"completeness"}, slo.EntryCriteria)
	assert.Equal(t, 1.0, slo.PhaseModifier)
	assert.InDelta(t, 0.95, slo.ProgressiveScale[4], 1e-9)
}

func TestParseBundleRejectsUnknownSeverity(t *testing.T) {
	_, err := policy.ParseBundle([]byte(`
masterContract:
  - personaId: qa_engineer
    gates:
      - name: weird
        severity: sometimes
`))
	require.Error(t, err)
}
