// Package checkpoint implements the CheckpointStore (spec §4.4): durable,
// atomically-written snapshots of execution state sufficient for the
// "smart resume" invariant — a restart never re-executes a node already
// marked completed or reused.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/maestro-hive/kernel/internal/apperror"
)

const schemaVersion = 1

// NodeSnapshot captures enough of a Node to reconstruct its scheduling
// state without replaying the DAG build (spec §3 Checkpoint).
type NodeSnapshot struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	AttemptCount int    `json:"attempt_count"`
	ArtifactRefs []string `json:"artifact_refs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PhaseSnapshot captures one phase's progress.
type PhaseSnapshot struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	IterationIndex int    `json:"iteration_index"`
}

// BreakerSnapshot captures one (execution, persona) circuit breaker.
type BreakerSnapshot struct {
	PersonaID           string `json:"persona_id"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenedAtUnixNano    int64  `json:"opened_at_unix_nano,omitempty"`
}

// Snapshot is the full durable state of one execution (spec §3 Checkpoint,
// §6 "Snapshot JSON fields").
type Snapshot struct {
	SchemaVersion int               `json:"schema_version"`
	ExecutionID   string            `json:"execution_id"`
	Status        string            `json:"status"`
	CurrentPhase  string            `json:"current_phase,omitempty"`
	Nodes         []NodeSnapshot    `json:"nodes"`
	Phases        []PhaseSnapshot   `json:"phases"`
	Breakers      []BreakerSnapshot `json:"breakers,omitempty"`
	EventCursor   uint64            `json:"event_cursor"`

	// PersonaIDs/BlueprintID/Requirement are the original WorkflowBuilder
	// inputs, carried so ExecutionSupervisor can re-materialise the DAG on
	// restart without a second round trip to the persona/blueprint catalog
	// caller (spec §4.10 "startup recovery": reload every non-terminal
	// execution and resume without re-executing completed/reused nodes).
	PersonaIDs  []string `json:"persona_ids,omitempty"`
	BlueprintID string   `json:"blueprint_id,omitempty"`
	Requirement string   `json:"requirement,omitempty"`
}

type envelope struct {
	Payload json.RawMessage `json:"payload"`
	SHA256  string          `json:"sha256"`
}

// Store persists snapshots under {root}/{execution_id}/checkpoint.json,
// rotating the previous version to checkpoint.prev.json (spec §6).
type Store struct {
	root string

	mu     sync.Mutex
	fileMu map[string]*sync.Mutex
}

// New creates a Store rooted at root (typically CHECKPOINT_ROOT).
func New(root string) *Store {
	return &Store{root: root, fileMu: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(executionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileMu[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.fileMu[executionID] = l
	}
	return l
}

func (s *Store) dir(executionID string) string {
	return filepath.Join(s.root, executionID)
}

// Save writes snap to disk: temp file, fsync, atomic rename, rotating any
// existing checkpoint.json to checkpoint.prev.json first (spec §4.4: "save
// writes to a temp file, fsyncs, then renames over the destination; a
// corrupted file must not replace a valid one").
func (s *Store) Save(snap Snapshot) error {
	snap.SchemaVersion = schemaVersion
	lock := s.lockFor(snap.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(snap.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "create checkpoint directory").WithDetails(snap.ExecutionID)
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "marshal checkpoint payload")
	}
	sum := sha256.Sum256(payload)
	wrapped, err := json.Marshal(envelope{Payload: payload, SHA256: hex.EncodeToString(sum[:])})
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "marshal checkpoint envelope")
	}

	dest := filepath.Join(dir, "checkpoint.json")
	prev := filepath.Join(dir, "checkpoint.prev.json")

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "create checkpoint temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(wrapped); err != nil {
		tmp.Close()
		return apperror.Wrap(err, apperror.TypeStorageIO, "write checkpoint temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperror.Wrap(err, apperror.TypeStorageIO, "fsync checkpoint temp file")
	}
	if err := tmp.Close(); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "close checkpoint temp file")
	}

	// Rotate: only if the existing checkpoint.json is itself valid, so a
	// bad prior write can never push out the last-known-good snapshot.
	if data, err := os.ReadFile(dest); err == nil {
		if _, verifyErr := decode(data); verifyErr == nil {
			_ = os.Rename(dest, prev)
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "rename checkpoint into place").WithDetails(snap.ExecutionID)
	}
	return nil
}

// Load reads the latest valid snapshot for executionID, falling back to the
// rotated previous snapshot if the latest is corrupted (spec §4.4 load).
// Returns (nil, nil) if no checkpoint exists at all.
func (s *Store) Load(executionID string) (*Snapshot, error) {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dir(executionID)
	dest := filepath.Join(dir, "checkpoint.json")
	prev := filepath.Join(dir, "checkpoint.prev.json")

	if data, err := os.ReadFile(dest); err == nil {
		if snap, verifyErr := decode(data); verifyErr == nil {
			return snap, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "read checkpoint").WithDetails(executionID)
	}

	if data, err := os.ReadFile(prev); err == nil {
		if snap, verifyErr := decode(data); verifyErr == nil {
			return snap, nil
		}
		return nil, apperror.New(apperror.TypeStorageIO, "both checkpoint and rotated checkpoint are corrupted").
			WithDetails(executionID)
	} else if !os.IsNotExist(err) {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "read rotated checkpoint").WithDetails(executionID)
	}

	return nil, nil
}

func decode(data []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "decode checkpoint envelope")
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.SHA256 {
		return nil, apperror.New(apperror.TypeStorageIO, "checkpoint checksum mismatch")
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "decode checkpoint payload")
	}
	return &snap, nil
}

// List returns every execution id with at least one checkpoint on disk,
// used by ExecutionSupervisor's startup recovery sweep (spec §4.10).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "list checkpoint root")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes all checkpoint state for an execution.
func (s *Store) Delete(executionID string) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.dir(executionID)); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "delete checkpoint").WithDetails(executionID)
	}
	return nil
}
