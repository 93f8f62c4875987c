package contextstore_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/contextstore"
)

func TestPutGetVerify(t *testing.T) {
	root, err := os.MkdirTemp("", "contextstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	store := contextstore.New(root)

	ref, err := store.Put(context.Background(), contextstore.PutInput{
		ExecutionID: "exec-1",
		Iteration:   0,
		NodeID:      "backend_developer",
		PhaseID:     "I",
		PersonaID:   "backend_developer",
		Name:        "handler.go",
		Labels:      map[string]string{"review": "approved"},
		Reader:      strings.NewReader("package main\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, contextstore.CanonicalPath("exec-1", 0, "backend_developer", "handler.go"), ref.CanonicalPath)
	assert.NotEmpty(t, ref.SHA256)

	got, ok := store.Get("exec-1", ref.CanonicalPath)
	require.True(t, ok)
	assert.Equal(t, ref.SHA256, got.SHA256)
	assert.Equal(t, int64(len("package main\n")), got.Size)

	ok, err = store.Verify(ref)
	require.NoError(t, err)
	assert.True(t, ok, "recomputed hash should match recorded hash")
}

func TestPutOverwriteCreatesNewVersion(t *testing.T) {
	root, err := os.MkdirTemp("", "contextstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	store := contextstore.New(root)
	in := contextstore.PutInput{
		ExecutionID: "exec-2",
		NodeID:      "n1",
		PhaseID:     "I",
		PersonaID:   "p1",
		Name:        "out.txt",
	}

	in.Reader = strings.NewReader("v1")
	first, err := store.Put(context.Background(), in)
	require.NoError(t, err)

	in.Reader = strings.NewReader("v2-longer")
	second, err := store.Put(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.CanonicalPath, second.CanonicalPath)
	assert.NotEqual(t, first.SHA256, second.SHA256)

	latest, ok := store.Get("exec-2", first.CanonicalPath)
	require.True(t, ok)
	assert.Equal(t, second.SHA256, latest.SHA256, "Get should return the most recent version")
}

func TestListFiltersByPhaseAndLabel(t *testing.T) {
	root, err := os.MkdirTemp("", "contextstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	store := contextstore.New(root)
	ctx := context.Background()

	_, err = store.Put(ctx, contextstore.PutInput{
		ExecutionID: "exec-3", NodeID: "n1", PhaseID: "I", PersonaID: "p1",
		Name: "a.txt", Labels: map[string]string{"kind": "code"}, Reader: strings.NewReader("a"),
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, contextstore.PutInput{
		ExecutionID: "exec-3", NodeID: "n2", PhaseID: "T", PersonaID: "p2",
		Name: "b.txt", Labels: map[string]string{"kind": "report"}, Reader: strings.NewReader("b"),
	})
	require.NoError(t, err)

	filtered := store.List(contextstore.Filter{PhaseID: "I"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "p1", filtered[0].PersonaID)

	byLabel := store.List(contextstore.Filter{Label: "kind"})
	assert.Len(t, byLabel, 2)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	root, err := os.MkdirTemp("", "contextstore-test")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	store := contextstore.New(root)
	ref, err := store.Put(context.Background(), contextstore.PutInput{
		ExecutionID: "exec-4", NodeID: "n1", PhaseID: "I", PersonaID: "p1",
		Name: "a.txt", Reader: strings.NewReader("original"),
	})
	require.NoError(t, err)

	full := root + "/" + ref.CanonicalPath
	require.NoError(t, os.WriteFile(full, []byte("tampered"), 0o644))

	ok, err := store.Verify(ref)
	require.NoError(t, err)
	assert.False(t, ok)
}
