package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "maestro-hive-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		os.Unsetenv("CHECKPOINT_ROOT")
		os.Unsetenv("ARTIFACT_ROOT")
		os.Unsetenv("MAX_WORKERS")
		os.Unsetenv("EXECUTION_DEADLINE")
	})

	Describe("Load", func() {
		Context("when no file is present", func() {
			It("returns defaults", func() {
				cfg, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.MaxWorkers).To(Equal(4))
				Expect(cfg.MaxPhaseIterations).To(Equal(5))
			})
		})

		Context("when a file overrides some fields", func() {
			BeforeEach(func() {
				content := `
checkpoint_root: "/var/lib/maestro-hive/checkpoints"
max_workers: 8
max_phase_iterations: 3
breaker:
  consecutive_failure_threshold: 5
  cooldown: 30s
`
				Expect(os.WriteFile(configFile, []byte(content), 0o644)).To(Succeed())
			})

			It("loads overrides and keeps unspecified defaults", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.CheckpointRoot).To(Equal("/var/lib/maestro-hive/checkpoints"))
				Expect(cfg.MaxWorkers).To(Equal(8))
				Expect(cfg.MaxPhaseIterations).To(Equal(3))
				Expect(cfg.Breaker.ConsecutiveFailureThreshold).To(Equal(5))
				Expect(cfg.Breaker.Cooldown).To(Equal(30 * time.Second))
				// Unspecified: still defaulted.
				Expect(cfg.ArtifactRoot).To(Equal("./data/artifacts"))
			})
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("max_workers: 2\n"), 0o644)).To(Succeed())
				os.Setenv("CHECKPOINT_ROOT", "/tmp/override-checkpoints")
				os.Setenv("MAX_WORKERS", "16")
				os.Setenv("EXECUTION_DEADLINE", "45m")
			})

			It("overrides file and default values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.CheckpointRoot).To(Equal("/tmp/override-checkpoints"))
				Expect(cfg.MaxWorkers).To(Equal(16))
				Expect(cfg.ExecutionDeadline).To(Equal(45 * time.Minute))
			})
		})
	})
})
