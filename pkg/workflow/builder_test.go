package workflow_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

func TestWorkflow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "WorkflowBuilder Suite")
}

func spec(id, phase string, deps []string, parallel bool) persona.Spec {
	return persona.Spec{
		ID:              id,
		PhaseID:         phase,
		Dependencies:    deps,
		ParallelCapable: parallel,
		Timeout:         60,
		MaxRetries:      2,
	}
}

var _ = Describe("WorkflowBuilder", func() {
	Context("Scenario A: linear three-phase happy path", func() {
		It("builds a DAG with one node per phase in order", func() {
			catalog := persona.NewStaticCatalog(
				spec("requirement_analyst", "R", nil, false),
				spec("backend_developer", "I", []string{"requirement_analyst"}, false),
				spec("qa_engineer", "T", []string{"backend_developer"}, false),
			)
			builder := workflow.NewBuilder(catalog, nil)

			dag, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-a",
				PersonaIDs:  []string{"requirement_analyst", "backend_developer", "qa_engineer"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(dag.Phases).To(HaveLen(3))
			Expect(dag.Phases[0].ID).To(Equal("R"))
			Expect(dag.Phases[1].ID).To(Equal("I"))
			Expect(dag.Phases[2].ID).To(Equal("T"))
			Expect(dag.Nodes).To(HaveLen(3))
		})
	})

	Context("Scenario B: parallel wave in Implementation", func() {
		It("groups independent parallel-capable siblings into one wave", func() {
			catalog := persona.NewStaticCatalog(
				spec("requirement_analyst", "R", nil, false),
				spec("backend_developer", "I", []string{"requirement_analyst"}, true),
				spec("frontend_developer", "I", []string{"requirement_analyst"}, true),
			)
			builder := workflow.NewBuilder(catalog, nil)

			dag, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-b",
				PersonaIDs:  []string{"requirement_analyst", "backend_developer", "frontend_developer"},
			})
			Expect(err).NotTo(HaveOccurred())

			be := dag.Nodes["backend_developer"]
			fe := dag.Nodes["frontend_developer"]
			Expect(be.WaveIndex).To(Equal(fe.WaveIndex))
			Expect(be.ParallelCapable).To(BeTrue())
			Expect(fe.ParallelCapable).To(BeTrue())
		})
	})

	Context("acyclicity", func() {
		It("fails with WorkflowCycle when personas depend on each other", func() {
			catalog := persona.NewStaticCatalog(
				spec("a", "P", []string{"b"}, false),
				spec("b", "P", []string{"a"}, false),
			)
			builder := workflow.NewBuilder(catalog, nil)

			_, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-cycle",
				PersonaIDs:  []string{"a", "b"},
			})
			Expect(err).To(HaveOccurred())
			Expect(apperror.IsType(err, apperror.TypeWorkflowCycle)).To(BeTrue())
		})
	})

	Context("missing dependency", func() {
		It("fails when a declared dependency is outside the persona set", func() {
			catalog := persona.NewStaticCatalog(
				spec("backend_developer", "I", []string{"requirement_analyst"}, false),
			)
			builder := workflow.NewBuilder(catalog, nil)

			_, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-missing",
				PersonaIDs:  []string{"backend_developer"},
			})
			Expect(err).To(HaveOccurred())
			Expect(apperror.IsType(err, apperror.TypeMissingDependency)).To(BeTrue())
		})
	})

	Context("cross-phase dependency", func() {
		It("rejects a dependency on a later or same-ordinal phase", func() {
			catalog := persona.NewStaticCatalog(
				spec("requirement_analyst", "R", nil, false),
				spec("backend_developer", "I", []string{"requirement_analyst"}, false),
				spec("architect", "R", []string{"backend_developer"}, false),
			)
			builder := workflow.NewBuilder(catalog, nil)

			_, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-xphase",
				PersonaIDs:  []string{"requirement_analyst", "backend_developer", "architect"},
			})
			Expect(err).To(HaveOccurred())
			Expect(apperror.IsType(err, apperror.TypeCrossPhaseDependency)).To(BeTrue())
		})
	})

	Context("a node with no dependencies", func() {
		It("enters the first wave of its phase", func() {
			catalog := persona.NewStaticCatalog(
				spec("solo", "P", nil, false),
			)
			builder := workflow.NewBuilder(catalog, nil)

			dag, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-solo",
				PersonaIDs:  []string{"solo"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(dag.Nodes["solo"].WaveIndex).To(Equal(0))
		})
	})

	Context("blueprint resolution", func() {
		It("resolves the persona set from a blueprint catalog", func() {
			catalog := persona.NewStaticCatalog(spec("solo", "P", nil, false))
			blueprints := fakeBlueprints{"bp-1": {ID: "bp-1", PersonaIDs: []string{"solo"}}}
			builder := workflow.NewBuilder(catalog, blueprints)

			dag, err := builder.Build(workflow.BuildInput{
				ExecutionID: "exec-bp",
				BlueprintID: "bp-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(dag.Nodes).To(HaveKey("solo"))
		})
	})
})

type fakeBlueprints map[string]workflow.Blueprint

func (f fakeBlueprints) Get(id string) (workflow.Blueprint, bool) {
	bp, ok := f[id]
	return bp, ok
}
