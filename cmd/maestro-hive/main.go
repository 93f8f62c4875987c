// Command maestro-hive is the composition root: it wires the library
// packages under pkg/ and internal/ into a running service, the way the
// teacher's cmd/ binaries wire controllers to a manager. The kernel itself
// never imports this package.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/internal/config"
	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/checkpoint"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/httpapi"
	"github.com/maestro-hive/kernel/pkg/llmexec"
	"github.com/maestro-hive/kernel/pkg/notify"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/supervisor"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// Exit codes, spec §6.
const (
	exitSuccess         = 0
	exitValidationError = 1
	exitPolicyFailure   = 2
	exitInternalError   = 3
)

var (
	configPath          string
	catalogPath         string
	listenAddr          string
	slackChannel        string
	submitExecID        string
	submitReq           string
	submitPersonaIDsCSV string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "maestro-hive",
		Short: "Phase-gated multi-agent workflow orchestration kernel",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to kernel config YAML (defaults are used if empty)")
	root.PersistentFlags().StringVar(&catalogPath, "persona-catalog", "", "path to persona catalog YAML (required)")
	root.PersistentFlags().StringVar(&listenAddr, "listen", ":8080", "address for the status/control HTTP surface")
	root.PersistentFlags().StringVar(&slackChannel, "slack-channel", "", "Slack channel for operator notifications (disabled if empty)")

	exitCode := exitSuccess
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration kernel and its status HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(cmd.Context())
			exitCode = code
			return err
		},
	}
	root.AddCommand(serveCmd)
	root.RunE = serveCmd.RunE

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Start one execution, wait for it to reach a terminal state, and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := submit(cmd.Context())
			exitCode = code
			return err
		},
	}
	submitCmd.Flags().StringVar(&submitExecID, "execution-id", "", "execution id (generated if empty)")
	submitCmd.Flags().StringVar(&submitReq, "requirement", "", "free-text requirement, carried for provenance only")
	submitCmd.Flags().StringVar(&submitPersonaIDsCSV, "persona-ids", "", "comma-separated persona ids to include")
	root.AddCommand(submitCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "maestro-hive:", err)
		if exitCode == exitSuccess {
			exitCode = classifyExitCode(err)
		}
		return exitCode
	}
	return exitCode
}

func classifyExitCode(err error) int {
	switch apperror.GetType(err) {
	case apperror.TypeMissingDependency, apperror.TypeCrossPhaseDependency, apperror.TypeWorkflowCycle, apperror.TypeMissingExecutor:
		return exitValidationError
	case apperror.TypeQualityGateFail, apperror.TypeUnknownGate:
		return exitPolicyFailure
	default:
		return exitInternalError
	}
}

// kernel bundles everything serve and submit both need, so the composition
// logic is written once.
type kernel struct {
	sup    *supervisor.Supervisor
	logger *zap.Logger
}

func buildKernel(ctx context.Context) (*kernel, int, error) {
	if catalogPath == "" {
		return nil, exitValidationError, apperror.New(apperror.TypeMissingDependency, "--persona-catalog is required")
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return nil, exitInternalError, apperror.Wrap(err, apperror.TypeInternalConsistency, "build logger")
	}
	zapr.NewLogger(zlog).Info("starting maestro-hive")

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, exitValidationError, apperror.Wrap(err, apperror.TypeMissingDependency, "load config")
		}
	}

	catalog, err := persona.LoadCatalog(catalogPath)
	if err != nil {
		return nil, exitValidationError, err
	}

	policyEngine, err := buildPolicyEngine(cfg, zlog)
	if err != nil {
		return nil, exitPolicyFailure, err
	}
	if cfg.PolicyBundlePath != "" {
		if _, err := config.Watch(cfg.PolicyBundlePath, zlog, func(data []byte) {
			bundle, err := policy.ParseBundle(data)
			if err != nil {
				zlog.Warn("policy_bundle_reload_failed", zap.Error(err))
				return
			}
			policyEngine.SetBundle(bundle)
			zlog.Info("policy_bundle_reloaded")
		}); err != nil {
			zlog.Warn("policy_bundle_watch_unavailable", zap.Error(err))
		}
	}

	checkpoints := checkpoint.New(cfg.CheckpointRoot)
	artifacts := contextstore.New(cfg.ArtifactRoot)

	var notifier *notify.Notifier
	if slackChannel != "" {
		if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
			notifier = notify.New(notify.NewSlackClient(token), slackChannel, zlog)
		} else {
			zlog.Warn("slack_channel_set_without_token")
		}
	}

	executorFactory := func(executionID string) dagexec.Executor {
		if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
			return llmexec.New(llmexec.Config{
				Client:       llmexec.NewSDKClient(apiKey),
				ArtifactRoot: cfg.ArtifactRoot,
				Logger:       zlog,
			})
		}
		return stubExecutor{}
	}

	sup := supervisor.New(supervisor.Config{
		Builder:            workflow.NewBuilder(catalog, nil),
		Personas:           catalog,
		Policy:             policyEngine,
		Checkpoints:        checkpoints,
		Artifacts:          artifacts,
		Logger:             zlog,
		MaxPhaseIterations: cfg.MaxPhaseIterations,
		DAGWorkers:         cfg.MaxWorkers,
		BreakerConfig: breaker.Config{
			ConsecutiveFailureThreshold: uint32(cfg.Breaker.ConsecutiveFailureThreshold),
			Cooldown:                    cfg.Breaker.Cooldown,
		},
		BackoffBase: cfg.Breaker.BaseBackoff,
		BackoffMax:  cfg.Breaker.MaxBackoff,
		Notifier:    notifier,
		NewExecutor: executorFactory,
	})

	if err := sup.Recover(ctx); err != nil {
		return nil, exitInternalError, apperror.Wrap(err, apperror.TypeInternalConsistency, "recover in-flight executions")
	}

	return &kernel{sup: sup, logger: zlog}, exitSuccess, nil
}

func serve(ctx context.Context) (int, error) {
	k, code, err := buildKernel(ctx)
	if err != nil {
		return code, err
	}
	defer k.logger.Sync() //nolint:errcheck

	handler := httpapi.New(k.sup, k.logger)
	srv := &http.Server{Addr: listenAddr, Handler: handler.Router()}

	errCh := make(chan error, 1)
	go func() {
		k.logger.Info("http_listen", zap.String("addr", listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return exitSuccess, nil
	case err := <-errCh:
		return exitInternalError, apperror.Wrap(err, apperror.TypeInternalConsistency, "http server")
	}
}

func submit(ctx context.Context) (int, error) {
	k, code, err := buildKernel(ctx)
	if err != nil {
		return code, err
	}
	defer k.logger.Sync() //nolint:errcheck

	execID := submitExecID
	if execID == "" {
		execID = uuid.NewString()
	}
	var personaIDs []string
	if submitPersonaIDsCSV != "" {
		personaIDs = strings.Split(submitPersonaIDsCSV, ",")
	}

	exec, err := k.sup.Start(ctx, supervisor.StartRequest{
		ExecutionID: execID,
		Requirement: submitReq,
		PersonaIDs:  personaIDs,
	})
	if err != nil {
		return exitValidationError, err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return exitInternalError, ctx.Err()
		case <-ticker.C:
			cur, ok := k.sup.Status(exec.ID)
			if !ok {
				return exitInternalError, apperror.Newf(apperror.TypeInternalConsistency, "execution %q vanished", exec.ID)
			}
			switch cur.Status {
			case supervisor.StatusCompleted:
				fmt.Printf("execution %s completed\n", exec.ID)
				return exitSuccess, nil
			case supervisor.StatusFailed:
				fmt.Printf("execution %s failed\n", exec.ID)
				if cur.FailureReport != nil {
					for _, r := range cur.FailureReport.Recommendations {
						fmt.Println(" -", r)
					}
				}
				return exitPolicyFailure, apperror.Newf(apperror.TypeQualityGateFail, "execution %q failed", exec.ID)
			case supervisor.StatusCancelled:
				return exitInternalError, apperror.Newf(apperror.TypeInternalConsistency, "execution %q cancelled", exec.ID)
			}
		}
	}
}

// buildPolicyEngine loads the policy bundle and opens the bypass audit log
// that backs Engine.EvaluateBypass (spec §4.5). The AuditLog itself is
// never exposed outside the Engine it's wired into: every bypass request
// flows through Supervisor.RequestBypass -> Engine.EvaluateBypass, so
// nothing else needs direct access to it.
func buildPolicyEngine(cfg *config.Config, zlog *zap.Logger) (*policy.Engine, error) {
	var bundle *policy.Bundle
	var err error
	if cfg.PolicyBundlePath != "" {
		bundle, err = policy.LoadBundle(cfg.PolicyBundlePath)
		if err != nil {
			return nil, err
		}
	} else {
		bundle = &policy.Bundle{}
	}

	auditPath := cfg.CheckpointRoot + "/policy_bypass_audit.jsonl"
	audit, err := policy.NewAuditLog(auditPath)
	if err != nil {
		return nil, err
	}

	return policy.NewEngine(bundle, zlog, audit), nil
}

// stubExecutor is the default when no executor backend is configured: it
// fails fast rather than silently fabricating artifacts (spec §9 "no silent
// fallbacks").
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, req dagexec.ExecRequest) (dagexec.ExecResult, error) {
	return dagexec.ExecResult{}, apperror.Newf(apperror.TypeMissingExecutor,
		"no executor backend configured for persona %q (set ANTHROPIC_API_KEY to use pkg/llmexec)", req.Persona.ID)
}

