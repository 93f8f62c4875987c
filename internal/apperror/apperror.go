// Package apperror defines the structured error taxonomy shared by every
// kernel component (spec §7). Components never return bare errors for
// classifiable failures; they wrap them with New/Wrap so that RetryWrapper
// and PhaseController can dispatch on Type without string matching.
package apperror

import "fmt"

// Type enumerates the error categories from spec §7. It is distinct from an
// HTTP status: the kernel has no transport opinions of its own.
type Type string

const (
	TypeWorkflowCycle           Type = "workflow_cycle"
	TypeMissingDependency       Type = "missing_dependency"
	TypeCrossPhaseDependency    Type = "cross_phase_dependency"
	TypeExecutorError           Type = "executor_error"
	TypeContractViolation       Type = "contract_violation"
	TypeQualityGateFail          Type = "quality_gate_fail"
	TypeUnknownGate              Type = "unknown_gate"
	TypeStorageIO                Type = "storage_io"
	TypeBreakerOpen              Type = "breaker_open"
	TypeInternalConsistency      Type = "internal_consistency_error"
	TypeMissingExecutor          Type = "missing_executor"
	TypeTimeout                  Type = "timeout"
)

// recoverable records, per category, whether the node-level retry loop may
// absorb the failure (spec §7 "Propagation policy").
var recoverable = map[Type]bool{
	TypeWorkflowCycle:        false,
	TypeMissingDependency:    false,
	TypeCrossPhaseDependency: false,
	TypeExecutorError:        true,
	TypeContractViolation:    true,
	TypeQualityGateFail:      false, // triggers rework, not node retry
	TypeUnknownGate:          false,
	TypeStorageIO:            true,
	TypeBreakerOpen:          false,
	TypeInternalConsistency:  false,
	TypeMissingExecutor:      false,
	TypeTimeout:              true,
}

// AppError is the kernel's structured error. It mirrors the shape the
// teacher's service-facing errors use (Type/Message/Details/Cause) but keys
// recoverability off the spec's taxonomy rather than an HTTP status.
type AppError struct {
	Type    Type
	Message string
	Details string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Recoverable reports whether this category may be retried at the node
// level rather than forcing a phase-level rework decision.
func (e *AppError) Recoverable() bool { return recoverable[e.Type] }

// New creates an AppError with no underlying cause.
func New(t Type, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(t Type, format string, args ...any) *AppError {
	return &AppError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an existing error.
func Wrap(cause error, t Type, message string) *AppError {
	return &AppError{Type: t, Message: message, Cause: cause}
}

// Wrapf attaches a category to an existing error with a formatted message.
func Wrapf(cause error, t Type, format string, args ...any) *AppError {
	return &AppError{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails sets the error's Details, replacing any previous value, and
// returns the same pointer (matches the teacher's builder style).
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets Details from a format string, replacing any previous
// value.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is an *AppError of type t.
func IsType(err error, t Type) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Type == t
}

// GetType extracts the category, defaulting to TypeInternalConsistency for
// unclassified errors (fail-safe default, matching §4.5's UnknownGate rule).
func GetType(err error) Type {
	if ae, ok := err.(*AppError); ok {
		return ae.Type
	}
	return TypeInternalConsistency
}

// IsRecoverable reports whether err, if classifiable, permits a node-level
// retry. Non-AppError values are treated as unrecoverable.
func IsRecoverable(err error) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Recoverable()
}
