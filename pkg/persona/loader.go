package persona

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maestro-hive/kernel/internal/apperror"
)

// yamlCatalog mirrors the on-disk shape of a persona catalog document. The
// kernel never hands this type to DAGExecutor/WorkflowBuilder directly
// (spec §9 "kernel never sees free-form maps"); LoadCatalog normalises it
// into a StaticCatalog of Spec values before returning.
type yamlCatalog struct {
	Personas []yamlPersona `yaml:"personas"`
}

type yamlPersona struct {
	ID               string   `yaml:"id"`
	PhaseID          string   `yaml:"phase_id"`
	Dependencies     []string `yaml:"dependencies"`
	ParallelCapable  bool     `yaml:"parallel_capable"`
	TimeoutSeconds   float64  `yaml:"timeout_seconds"`
	MaxRetries       int      `yaml:"max_retries"`
	ExecutorSelector string   `yaml:"executor_selector"`
	Optional         bool     `yaml:"optional"`
	Inputs           yamlContract `yaml:"inputs"`
	Outputs          yamlContract `yaml:"outputs"`
}

type yamlContract struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// LoadCatalog reads a persona catalog document (the external collaborator
// of spec §4.1) from path and returns a StaticCatalog. This is the one
// place a free-form document is parsed; every other component receives the
// resulting Spec values only.
func LoadCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "read persona catalog").WithDetails(path)
	}
	var doc yamlCatalog
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "parse persona catalog").WithDetails(path)
	}

	specs := make([]Spec, 0, len(doc.Personas))
	for _, p := range doc.Personas {
		specs = append(specs, Spec{
			ID:              p.ID,
			PhaseID:         p.PhaseID,
			Dependencies:    p.Dependencies,
			ParallelCapable: p.ParallelCapable,
			Timeout:         DurationSeconds(p.TimeoutSeconds),
			MaxRetries:      p.MaxRetries,
			InputContract: Contract{
				RequiredInputs: p.Inputs.Required,
				OptionalInputs: p.Inputs.Optional,
			},
			OutputContract: Contract{
				RequiredOutputs: p.Outputs.Required,
				OptionalOutputs: p.Outputs.Optional,
			},
			ExecutorSelector: p.ExecutorSelector,
			Optional:         p.Optional,
		})
	}
	return NewStaticCatalog(specs...), nil
}
