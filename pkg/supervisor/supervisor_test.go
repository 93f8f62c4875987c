package supervisor_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/checkpoint"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/supervisor"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

func TestSupervisor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ExecutionSupervisor Suite")
}

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, req dagexec.ExecRequest) (dagexec.ExecResult, error) {
	return dagexec.ExecResult{Artifacts: []dagexec.ExecArtifact{{Name: "output.txt", Bytes: []byte("ok")}}}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, req dagexec.ExecRequest) (dagexec.ExecResult, error) {
	return dagexec.ExecResult{}, apperror.New(apperror.TypeExecutorError, "always fails")
}

var _ = Describe("Supervisor", func() {
	var sup *supervisor.Supervisor
	var artifacts *contextstore.Store
	var checkpoints *checkpoint.Store

	BeforeEach(func() {
		catalog := persona.NewStaticCatalog(
			persona.Spec{ID: "requirement_analyst", PhaseID: "R", Timeout: 5, MaxRetries: 1,
				OutputContract: persona.Contract{RequiredOutputs: []string{"output.txt"}}},
			persona.Spec{ID: "backend_developer", PhaseID: "I", Dependencies: []string{"requirement_analyst"}, Timeout: 5, MaxRetries: 1,
				OutputContract: persona.Contract{RequiredOutputs: []string{"output.txt"}}},
		)
		artifacts = contextstore.New(GinkgoT().TempDir())
		checkpoints = checkpoint.New(GinkgoT().TempDir())
		engine := policy.NewEngine(&policy.Bundle{}, nil, nil)

		sup = supervisor.New(supervisor.Config{
			Builder:       workflow.NewBuilder(catalog, nil),
			Personas:      catalog,
			Policy:        engine,
			Checkpoints:   checkpoints,
			Artifacts:     artifacts,
			DAGWorkers:    2,
			BreakerConfig: breaker.Config{ConsecutiveFailureThreshold: 5, Cooldown: time.Millisecond},
			NewExecutor:   func(string) dagexec.Executor { return okExecutor{} },
		})
	})

	It("drives an execution to completion and reports full progress", func() {
		exec, err := sup.Start(context.Background(), supervisor.StartRequest{
			ExecutionID: "exec-1",
			PersonaIDs:  []string{"requirement_analyst", "backend_developer"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(exec.Status).To(Equal(supervisor.StatusRunning))

		Eventually(func() supervisor.Status {
			got, _ := sup.Status("exec-1")
			return got.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(supervisor.StatusCompleted))

		final, ok := sup.Status("exec-1")
		Expect(ok).To(BeTrue())
		Expect(final.ProgressPercent).To(Equal(100.0))
	})

	It("cancels a running execution", func() {
		_, err := sup.Start(context.Background(), supervisor.StartRequest{
			ExecutionID: "exec-2",
			PersonaIDs:  []string{"requirement_analyst", "backend_developer"},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(sup.Cancel("exec-2")).To(Succeed())

		Eventually(func() supervisor.Status {
			got, _ := sup.Status("exec-2")
			return got.Status
		}, time.Second, 5*time.Millisecond).Should(SatisfyAny(
			Equal(supervisor.StatusCancelled),
			Equal(supervisor.StatusCompleted), // cancellation raced a fast completion
		))
	})

	It("rejects operations on an unknown execution", func() {
		Expect(sup.Pause("does-not-exist")).To(HaveOccurred())
		Expect(sup.Resume("does-not-exist")).To(HaveOccurred())
		Expect(sup.Cancel("does-not-exist")).To(HaveOccurred())
	})

	It("rejects a bypass request naming a non-bypassable gate", func() {
		_, err := sup.Start(context.Background(), supervisor.StartRequest{
			ExecutionID: "exec-bypass",
			PersonaIDs:  []string{"requirement_analyst", "backend_developer"},
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = sup.RequestBypass("exec-bypass", policy.BypassRecord{PhaseID: "R", GateName: "security", ADRRef: "ADR-1"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects bypass requests against an unknown execution", func() {
		_, err := sup.RequestBypass("does-not-exist", policy.BypassRecord{PhaseID: "R", GateName: "stub_rate", ADRRef: "ADR-1"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Supervisor breaker checkpointing", func() {
	It("persists an open circuit breaker's state on the execution's checkpoint", func() {
		catalog := persona.NewStaticCatalog(
			persona.Spec{ID: "flaky", PhaseID: "R", Timeout: 5, MaxRetries: 0,
				OutputContract: persona.Contract{RequiredOutputs: []string{"output.txt"}}},
		)
		checkpoints := checkpoint.New(GinkgoT().TempDir())
		artifacts := contextstore.New(GinkgoT().TempDir())
		engine := policy.NewEngine(&policy.Bundle{}, nil, nil)

		sup := supervisor.New(supervisor.Config{
			Builder:       workflow.NewBuilder(catalog, nil),
			Personas:      catalog,
			Policy:        engine,
			Checkpoints:   checkpoints,
			Artifacts:     artifacts,
			DAGWorkers:    1,
			BreakerConfig: breaker.Config{ConsecutiveFailureThreshold: 1, Cooldown: time.Hour},
			NewExecutor:   func(string) dagexec.Executor { return failingExecutor{} },
		})

		_, err := sup.Start(context.Background(), supervisor.StartRequest{
			ExecutionID: "exec-breaker",
			PersonaIDs:  []string{"flaky"},
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() supervisor.Status {
			got, _ := sup.Status("exec-breaker")
			return got.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(supervisor.StatusFailed))

		snap, err := checkpoints.Load("exec-breaker")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap).NotTo(BeNil())
		Expect(snap.Breakers).To(ContainElement(checkpoint.BreakerSnapshot{
			PersonaID: "flaky", State: "open", ConsecutiveFailures: 1,
		}))
	})

	It("restores an open breaker from a checkpoint before resuming dispatch", func() {
		catalog := persona.NewStaticCatalog(
			persona.Spec{ID: "flaky", PhaseID: "R", Timeout: 5, MaxRetries: 0,
				OutputContract: persona.Contract{RequiredOutputs: []string{"output.txt"}}},
		)
		checkpoints := checkpoint.New(GinkgoT().TempDir())
		artifacts := contextstore.New(GinkgoT().TempDir())
		engine := policy.NewEngine(&policy.Bundle{}, nil, nil)

		Expect(checkpoints.Save(checkpoint.Snapshot{
			ExecutionID: "exec-resume",
			Status:      string(supervisor.StatusRunning),
			PersonaIDs:  []string{"flaky"},
			Nodes:       []checkpoint.NodeSnapshot{{ID: "flaky", State: "pending"}},
			Phases:      []checkpoint.PhaseSnapshot{{ID: "R"}},
			Breakers:    []checkpoint.BreakerSnapshot{{PersonaID: "flaky", State: "open", ConsecutiveFailures: 1}},
		})).To(Succeed())

		sup := supervisor.New(supervisor.Config{
			Builder:       workflow.NewBuilder(catalog, nil),
			Personas:      catalog,
			Policy:        engine,
			Checkpoints:   checkpoints,
			Artifacts:     artifacts,
			DAGWorkers:    1,
			BreakerConfig: breaker.Config{ConsecutiveFailureThreshold: 1, Cooldown: time.Hour},
			NewExecutor:   func(string) dagexec.Executor { return okExecutor{} },
		})

		Expect(sup.Recover(context.Background())).To(Succeed())

		// The restored breaker is open with a long cooldown, so the node
		// fails fast even though the executor itself would have succeeded:
		// proof the breaker's open state actually carried across recovery
		// rather than starting fresh and closed.
		Eventually(func() supervisor.Status {
			got, _ := sup.Status("exec-resume")
			return got.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(supervisor.StatusFailed))
	})
})
