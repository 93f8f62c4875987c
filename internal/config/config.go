// Package config loads the kernel's runtime configuration the way the
// teacher's internal/config does: a typed struct populated from YAML with
// environment-variable overrides and sane defaults, optionally hot-reloaded
// via fsnotify.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the top-level object handed to ExecutionSupervisor at
// construction (spec §9 "Global mutable state... replace with a
// configuration object passed into ExecutionSupervisor at construction").
type Config struct {
	CheckpointRoot     string        `yaml:"checkpoint_root"`
	ArtifactRoot       string        `yaml:"artifact_root"`
	MaxWorkers         int           `yaml:"max_workers"`
	GlobalMaxWorkers   int           `yaml:"global_max_workers"`
	ExecutionDeadline  time.Duration `yaml:"execution_deadline"`
	MaxPhaseIterations int           `yaml:"max_phase_iterations"`
	PolicyBundlePath   string        `yaml:"policy_bundle_path"`
	Breaker            BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the default RetryWrapper/CircuitBreaker pair
// (spec §4.11) used when a persona does not override it.
type BreakerConfig struct {
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold"`
	Cooldown                    time.Duration `yaml:"cooldown"`
	MaxRetries                  int           `yaml:"max_retries"`
	BaseBackoff                 time.Duration `yaml:"base_backoff"`
	MaxBackoff                  time.Duration `yaml:"max_backoff"`
}

// Default returns the baseline configuration; every field can be overridden
// by YAML or by the environment variables named in spec §6.
func Default() *Config {
	return &Config{
		CheckpointRoot:     "./data/checkpoints",
		ArtifactRoot:       "./data/artifacts",
		MaxWorkers:         4,
		GlobalMaxWorkers:   32,
		ExecutionDeadline:  2 * time.Hour,
		MaxPhaseIterations: 5,
		Breaker: BreakerConfig{
			ConsecutiveFailureThreshold: 3,
			Cooldown:                    60 * time.Second,
			MaxRetries:                  2,
			BaseBackoff:                 500 * time.Millisecond,
			MaxBackoff:                  30 * time.Second,
		},
	}
}

// Load reads a YAML file (if path is non-empty and exists) over the default
// configuration, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides implements spec §6's "Environment variables may override
// paths for CHECKPOINT_ROOT, ARTIFACT_ROOT, MAX_WORKERS, EXECUTION_DEADLINE".
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHECKPOINT_ROOT"); v != "" {
		cfg.CheckpointRoot = v
	}
	if v := os.Getenv("ARTIFACT_ROOT"); v != "" {
		cfg.ArtifactRoot = v
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("EXECUTION_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ExecutionDeadline = d
		}
	}
}

// Watch reloads the policy bundle file on change and invokes onChange with
// the freshly parsed bytes. The kernel never re-parses a policy bundle on
// every gate evaluation (spec §9's "Dict-of-dict dynamic config... typed
// records at load"); this is the one place reparsing happens, and only in
// response to an actual file-system event.
func Watch(path string, logger *zap.Logger, onChange func([]byte)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					logger.Warn("policy_bundle_reload_failed", zap.Error(err))
					continue
				}
				onChange(data)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy_bundle_watch_error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}
