// Package pgindex provides a secondary Postgres index over ContextStore
// artifact metadata, so deployments that need cross-execution artifact
// search (e.g. "every artifact labelled review:approved across the last
// week of executions") can query SQL instead of scanning the filesystem.
// This is additive: the filesystem remains the source of truth for
// ContextStore.Get/Verify; the index only accelerates List-style queries.
package pgindex

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sqlx driver

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/contextstore"
)

// Index is a queryable artifact metadata index backed by Postgres.
type Index struct {
	db *sqlx.DB
}

// Open connects using lib/pq through sqlx (matches the teacher's
// jmoiron/sqlx + lib/pq pairing used for its relational stores).
func Open(ctx context.Context, dsn string) (*Index, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "connect to artifact index database")
	}
	return &Index{db: db}, nil
}

// NewPgxConnConfig mirrors the teacher's db_connection helper: artifacts
// carry JSONB label maps, so the driver must describe parameter types on
// every execution rather than caching a prepared-statement plan that a
// schema migration could invalidate underneath a long-lived connection
// pool.
func NewPgxConnConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "parse artifact index dsn")
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec
	return cfg, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS artifact_index (
	canonical_path TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL,
	phase_id       TEXT NOT NULL,
	persona_id     TEXT NOT NULL,
	sha256         TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	iteration      INT NOT NULL,
	labels         JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS artifact_index_execution_idx ON artifact_index (execution_id);
CREATE INDEX IF NOT EXISTS artifact_index_labels_idx ON artifact_index USING GIN (labels);
`

// Migrate creates the index table if absent.
func (idx *Index) Migrate(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, schema); err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "migrate artifact index schema")
	}
	return nil
}

// Record upserts one artifact's metadata into the index. Callers invoke
// this after a successful contextstore.Store.Put; a failure here does not
// roll back the filesystem write (the filesystem copy remains authoritative
// and the index can be rebuilt by re-scanning List results).
func (idx *Index) Record(ctx context.Context, executionID string, a contextstore.Artifact) error {
	_, err := idx.db.NamedExecContext(ctx, `
		INSERT INTO artifact_index
			(canonical_path, execution_id, phase_id, persona_id, sha256, size_bytes, iteration, labels, created_at)
		VALUES
			(:canonical_path, :execution_id, :phase_id, :persona_id, :sha256, :size_bytes, :iteration, :labels, :created_at)
		ON CONFLICT (canonical_path) DO UPDATE SET
			sha256 = EXCLUDED.sha256,
			size_bytes = EXCLUDED.size_bytes,
			labels = EXCLUDED.labels,
			created_at = EXCLUDED.created_at
	`, artifactRow{
		CanonicalPath: a.CanonicalPath,
		ExecutionID:   executionID,
		PhaseID:       a.PhaseID,
		PersonaID:     a.PersonaID,
		SHA256:        a.SHA256,
		SizeBytes:     a.Size,
		Iteration:     a.Iteration,
		Labels:        labelsJSON(a.Labels),
		CreatedAt:     a.CreatedAt,
	})
	if err != nil {
		return apperror.Wrap(err, apperror.TypeStorageIO, "record artifact in index")
	}
	return nil
}

// SearchByLabel finds every artifact across executions carrying a given
// label key, most recent first.
func (idx *Index) SearchByLabel(ctx context.Context, labelKey string, limit int) ([]contextstore.Artifact, error) {
	var rows []artifactRow
	err := idx.db.SelectContext(ctx, &rows, `
		SELECT canonical_path, execution_id, phase_id, persona_id, sha256, size_bytes, iteration, labels, created_at
		FROM artifact_index
		WHERE labels ? $1
		ORDER BY created_at DESC
		LIMIT $2
	`, labelKey, limit)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.TypeStorageIO, "search artifact index by label")
	}

	out := make([]contextstore.Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, contextstore.Artifact{
			CanonicalPath: r.CanonicalPath,
			SHA256:        r.SHA256,
			Size:          r.SizeBytes,
			PhaseID:       r.PhaseID,
			PersonaID:     r.PersonaID,
			Iteration:     r.Iteration,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

// WrapForTest builds an Index around an already-open *sqlx.DB (e.g. a
// sqlmock connection). Production callers use Open; tests that need to
// stub the driver use this seam instead of a real network connection.
func WrapForTest(db *sqlx.DB) *Index {
	return &Index{db: db}
}

type artifactRow struct {
	CanonicalPath string    `db:"canonical_path"`
	ExecutionID   string    `db:"execution_id"`
	PhaseID       string    `db:"phase_id"`
	PersonaID     string    `db:"persona_id"`
	SHA256        string    `db:"sha256"`
	SizeBytes     int64     `db:"size_bytes"`
	Iteration     int       `db:"iteration"`
	Labels        []byte    `db:"labels"`
	CreatedAt     time.Time `db:"created_at"`
}

func labelsJSON(labels map[string]string) []byte {
	if len(labels) == 0 {
		return []byte("{}")
	}
	buf := []byte("{")
	first := true
	for k, v := range labels {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, '"')
		buf = append(buf, []byte(k)...)
		buf = append(buf, `":"`...)
		buf = append(buf, []byte(v)...)
		buf = append(buf, '"')
	}
	buf = append(buf, '}')
	return buf
}
