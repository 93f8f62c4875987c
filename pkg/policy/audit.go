package policy

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maestro-hive/kernel/internal/apperror"
)

// nonBypassable names gates that reject every bypass attempt regardless of
// their Bundle-declared Bypassable flag (spec §4.5: "non-bypassable gates
// (security, build_success) reject bypass attempts").
var nonBypassable = map[string]bool{
	"security":      true,
	"build_success": true,
}

// BypassRecord is one append-only audit entry (spec §4.5 "bypass requires
// an ADR reference and is recorded in an append-only audit log").
type BypassRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	PhaseID     string    `json:"phase_id"`
	GateName    string    `json:"gate_name"`
	ADRRef      string    `json:"adr_ref"`
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason"`
}

// AuditLog is an append-only, one-line-per-record JSON log of every
// recorded bypass, kept alongside checkpoints so a post-incident review can
// reconstruct exactly which gates were waived and why.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog opens (creating if absent) an audit log file at path.
func NewAuditLog(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperror.Wrap(err, apperror.TypeStorageIO, "create audit log directory")
		}
	}
	return &AuditLog{path: path}, nil
}

// RecordBypass validates and appends a bypass record. It rejects bypass of
// a gate that either the Bundle marks non-Bypassable or that is in the
// hard-coded nonBypassable set, and rejects any record missing an ADR
// reference.
func (a *AuditLog) RecordBypass(rec BypassRecord, gate Gate) error {
	if nonBypassable[gate.Name] {
		return apperror.Newf(apperror.TypeContractViolation, "gate %q is non-bypassable", gate.Name)
	}
	if !gate.Bypassable {
		return apperror.Newf(apperror.TypeContractViolation, "gate %q is not declared bypassable", gate.Name)
	}
	if rec.ADRRef == "" {
		return apperror.New(apperror.TypeContractViolation, "bypass requires an ADR reference")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "open audit log")
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "marshal audit record")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "append audit record")
	}
	return f.Sync()
}

// Read returns every recorded bypass, in append order.
func (a *AuditLog) Read() ([]BypassRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "read audit log")
	}

	var out []BypassRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec BypassRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, apperror.Wrap(err, apperror.TypeStorageIO, "decode audit record")
		}
		out = append(out, rec)
	}
	return out, nil
}
