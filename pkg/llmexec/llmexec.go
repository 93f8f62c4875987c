// Package llmexec is a sample dagexec.Executor backed by the Anthropic
// Messages API. It is explicitly a demo external collaborator (spec §1 "the
// LLM/agent backend... an executor callback", §9): the kernel never imports
// this package, and nothing in pkg/supervisor or pkg/dagexec knows it
// exists. A deployment is free to wire any other Executor in its place via
// supervisor.Config.NewExecutor.
package llmexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/dagexec"
)

// Client is the subset of the Anthropic SDK Executor needs, so tests can
// stub it without a network-backed client.
type Client interface {
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type sdkClient struct {
	inner anthropic.Client
}

func (c sdkClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.inner.Messages.New(ctx, params)
}

// NewSDKClient builds a Client backed by the real Anthropic API, reading
// the API key from apiKey (callers typically pass os.Getenv("ANTHROPIC_API_KEY")).
func NewSDKClient(apiKey string) Client {
	return sdkClient{inner: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Config wires an Executor to a Client and a persona-to-output-artifact
// convention.
type Config struct {
	Client Client
	Model  anthropic.Model
	// ArtifactRoot is the same root contextstore.Store was constructed
	// with. The executor reads input artifact bytes straight off disk by
	// their already-resolved CanonicalPath rather than reaching back into
	// the Store (spec §6 "all inputs are passed in... the executor
	// callback never queries the store itself" — ContextStore resolves
	// the metadata, Executor resolves the bytes).
	ArtifactRoot string
	MaxTokens    int64
	Logger       *zap.Logger
}

// Executor runs one persona invocation as a single Anthropic Messages API
// call: the persona's contract and the resolved input artifacts become the
// prompt, and the reply's text content becomes the sole output artifact
// named after the persona's first required output (or "output.txt" if the
// contract declares none).
type Executor struct {
	cfg Config
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Model == "" {
		cfg.Model = anthropic.ModelClaude3_7SonnetLatest
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{cfg: cfg}
}

var _ dagexec.Executor = (*Executor)(nil)

// Execute implements dagexec.Executor.
func (e *Executor) Execute(ctx context.Context, req dagexec.ExecRequest) (dagexec.ExecResult, error) {
	prompt, err := e.buildPrompt(req)
	if err != nil {
		return dagexec.ExecResult{}, err
	}

	msg, err := e.cfg.Client.CreateMessage(ctx, anthropic.MessageNewParams{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return dagexec.ExecResult{}, apperror.Wrap(err, apperror.TypeExecutorError, "anthropic messages.create").
			WithDetailsf("node=%s persona=%s", req.NodeID, req.Persona.ID)
	}

	var out bytes.Buffer
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return dagexec.ExecResult{}, apperror.Newf(apperror.TypeExecutorError, "empty response for node %s", req.NodeID)
	}

	name := "output.txt"
	if len(req.Persona.OutputContract.RequiredOutputs) > 0 {
		name = req.Persona.OutputContract.RequiredOutputs[0]
	}

	return dagexec.ExecResult{
		Artifacts: []dagexec.ExecArtifact{{
			Name:  name,
			Bytes: out.Bytes(),
		}},
		Metrics: map[string]any{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
		},
	}, nil
}

// buildPrompt renders the persona contract plus every resolved input
// artifact's on-disk content into a single user turn.
func (e *Executor) buildPrompt(req dagexec.ExecRequest) (string, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "You are acting as the %q persona in phase %q.\n", req.Persona.ID, req.Persona.PhaseID)
	if len(req.Persona.OutputContract.RequiredOutputs) > 0 {
		fmt.Fprintf(&b, "Produce exactly one artifact named %q.\n", req.Persona.OutputContract.RequiredOutputs[0])
	}
	fmt.Fprintf(&b, "Iteration %d, attempt %d.\n\n", req.Iteration, req.Attempt)

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		artifact := req.Inputs[name]
		content, err := os.ReadFile(filepath.Join(e.cfg.ArtifactRoot, artifact.CanonicalPath))
		if err != nil {
			return "", apperror.Wrap(err, apperror.TypeStorageIO, "read input artifact for prompt").WithDetails(artifact.CanonicalPath)
		}
		fmt.Fprintf(&b, "--- input: %s ---\n%s\n\n", name, content)
	}

	return b.String(), nil
}
