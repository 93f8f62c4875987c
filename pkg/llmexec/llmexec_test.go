package llmexec_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/llmexec"
	"github.com/maestro-hive/kernel/pkg/persona"
)

type fakeClient struct {
	reply string
	err   error
}

func (f fakeClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}},
	}, nil
}

func TestExecuteRendersPromptAndWrapsReply(t *testing.T) {
	root := t.TempDir()
	relPath := contextstore.CanonicalPath("exec-1", 0, "req", "requirements.md")
	full := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("build a login page"), 0o644))

	exec := llmexec.New(llmexec.Config{
		Client:       fakeClient{reply: "package main\n"},
		ArtifactRoot: root,
	})

	res, err := exec.Execute(context.Background(), dagexec.ExecRequest{
		NodeID: "n1",
		Persona: persona.Spec{
			ID:             "backend_developer",
			PhaseID:        "I",
			OutputContract: persona.Contract{RequiredOutputs: []string{"service.go"}},
		},
		Inputs: map[string]contextstore.Artifact{
			"requirements.md": {CanonicalPath: relPath},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "service.go", res.Artifacts[0].Name)
	assert.Equal(t, "package main\n", string(res.Artifacts[0].Bytes))
}

func TestExecuteRejectsEmptyReply(t *testing.T) {
	exec := llmexec.New(llmexec.Config{Client: fakeClient{reply: ""}, ArtifactRoot: t.TempDir()})
	_, err := exec.Execute(context.Background(), dagexec.ExecRequest{NodeID: "n1", Persona: persona.Spec{ID: "qa_engineer"}})
	assert.Error(t, err)
}
