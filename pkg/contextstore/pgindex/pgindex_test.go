package pgindex_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/contextstore/pgindex"
)

// newMockIndex builds a pgindex.Index around a sqlmock connection through
// pgindex.WrapForTest, the exported constructor that accepts an existing
// *sqlx.DB, so the test pins behaviour at the SQL-generation level via the
// package's public Record/SearchByLabel methods.
func newMockIndex(t *testing.T) (*pgindex.Index, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return pgindex.WrapForTest(sqlxDB), mock
}

func TestRecordUpsertsArtifact(t *testing.T) {
	idx, mock := newMockIndex(t)
	defer idx.Close()

	mock.ExpectExec("INSERT INTO artifact_index").WillReturnResult(sqlmock.NewResult(1, 1))

	err := idx.Record(context.Background(), "exec-1", contextstore.Artifact{
		CanonicalPath: "exec-1/0/n1/out.txt",
		PhaseID:       "I",
		PersonaID:     "backend_developer",
		SHA256:        "deadbeef",
		Size:          42,
		Iteration:     0,
		Labels:        map[string]string{"kind": "code"},
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchByLabelReturnsRows(t *testing.T) {
	idx, mock := newMockIndex(t)
	defer idx.Close()

	rows := sqlmock.NewRows([]string{
		"canonical_path", "execution_id", "phase_id", "persona_id", "sha256", "size_bytes", "iteration", "labels", "created_at",
	}).AddRow("exec-1/0/n1/out.txt", "exec-1", "I", "backend_developer", "deadbeef", int64(42), 0, []byte(`{"kind":"code"}`), time.Now())

	mock.ExpectQuery("SELECT canonical_path").WillReturnRows(rows)

	found, err := idx.SearchByLabel(context.Background(), "kind", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "backend_developer", found[0].PersonaID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
