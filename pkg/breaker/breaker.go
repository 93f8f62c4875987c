// Package breaker implements the RetryWrapper + CircuitBreaker (spec
// §4.11): per (execution, persona) consecutive-failure circuit breaking
// around executor invocations, plus FailureReport classification consumed
// by PhaseController.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/maestro-hive/kernel/internal/apperror"
)

// FailureCategory classifies why an executor invocation failed (spec §3
// FailureReport).
type FailureCategory string

const (
	CategorySyntax             FailureCategory = "syntax"
	CategoryTestFailure        FailureCategory = "test_failure"
	CategoryContractViolation  FailureCategory = "contract_violation"
	CategoryTimeout            FailureCategory = "timeout"
	CategoryQualityGate        FailureCategory = "quality_gate"
	CategoryDependencyMissing  FailureCategory = "dependency_missing"
	CategoryExecutorError      FailureCategory = "executor_error"
)

// FailureReport is produced by the wrapper on every surfaced failure and
// consumed by PhaseController to pick a targeted rework plan (spec §3,
// §4.11).
type FailureReport struct {
	FailedNode   string
	Category     FailureCategory
	Recoverable  bool
	ArtifactRefs []string
	AttemptCount int
	CreatedAt    time.Time
}

// categoryFor maps an apperror.Type to the spec's FailureReport taxonomy.
// A non-bypassable blocking-gate failure is always recoverable=false (spec
// §4.11).
func categoryFor(err error) (FailureCategory, bool) {
	t := apperror.GetType(err)
	switch t {
	case apperror.TypeTimeout:
		return CategoryTimeout, true
	case apperror.TypeContractViolation:
		return CategoryContractViolation, true
	case apperror.TypeQualityGateFail:
		return CategoryQualityGate, false
	case apperror.TypeMissingDependency, apperror.TypeCrossPhaseDependency:
		return CategoryDependencyMissing, false
	case apperror.TypeExecutorError:
		return CategoryExecutorError, true
	default:
		return CategoryExecutorError, false
	}
}

// BreakerState mirrors gobreaker's three states in the vocabulary spec §3
// uses (closed/open/half-open), decoupled from gobreaker's own type so
// checkpoint snapshots never import it directly.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Snapshot captures one breaker's persisted state (spec §3
// CircuitBreakerState).
type Snapshot struct {
	PersonaID           string
	State                BreakerState
	ConsecutiveFailures int
	OpenedAt             time.Time
}

// Config configures a persona's breaker (spec §4.11: "after K consecutive
// blocking failures, state=open ... then half-open: one probe").
type Config struct {
	ConsecutiveFailureThreshold uint32
	Cooldown                    time.Duration
}

// Manager owns one CircuitBreaker per (execution, persona), matching the
// spec's "per execution × persona" breaker scoping.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager constructs a Manager for one execution.
func NewManager(cfg Config) *Manager {
	if cfg.ConsecutiveFailureThreshold == 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Manager{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (m *Manager) breakerFor(personaID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[personaID]
	if ok {
		return cb
	}
	settings := gobreaker.Settings{
		Name:        personaID,
		MaxRequests: 1, // half-open allows exactly one probe (spec §4.11)
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.ConsecutiveFailureThreshold
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[personaID] = cb
	return cb
}

// Execute runs fn through personaID's breaker. If the breaker is open, it
// fails fast with BreakerOpen without invoking fn, and produces a
// corresponding FailureReport (non-bypassable, recoverable=false).
func (m *Manager) Execute(ctx context.Context, personaID, nodeID string, attempt int, fn func(context.Context) error) (*FailureReport, error) {
	cb := m.breakerFor(personaID)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil, nil
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &FailureReport{
			FailedNode:   nodeID,
			Category:     CategoryExecutorError,
			Recoverable:  false,
			AttemptCount: attempt,
			CreatedAt:    time.Now().UTC(),
		}, apperror.Newf(apperror.TypeBreakerOpen, "circuit breaker open for persona %q", personaID)
	}

	category, recoverable := categoryFor(err)
	return &FailureReport{
		FailedNode:   nodeID,
		Category:     category,
		Recoverable:  recoverable,
		AttemptCount: attempt,
		CreatedAt:    time.Now().UTC(),
	}, err
}

// Snapshot returns the current persisted state of personaID's breaker.
func (m *Manager) Snapshot(personaID string) Snapshot {
	m.mu.Lock()
	cb, ok := m.breakers[personaID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{PersonaID: personaID, State: StateClosed}
	}
	counts := cb.Counts()
	return Snapshot{
		PersonaID:           personaID,
		State:               fromGobreaker(cb.State()),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
	}
}

// Restore seeds a persona's breaker so a restart can resume from a
// persisted open state (spec §4.11: "a restart restores the timer"). Since
// gobreaker has no public state-injection hook, restoring an open breaker
// means re-running enough synthetic failures to re-trip it; the cooldown
// clock itself restarts from the moment of restore rather than the
// original open time, a documented approximation (see project notes).
func (m *Manager) Restore(personaID string, snap Snapshot) {
	if snap.State != StateOpen {
		return
	}
	cb := m.breakerFor(personaID)
	for i := uint32(0); i < m.cfg.ConsecutiveFailureThreshold; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, apperror.New(apperror.TypeExecutorError, "restore") })
	}
}
