package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/breaker"
	"github.com/maestro-hive/kernel/pkg/checkpoint"
	"github.com/maestro-hive/kernel/pkg/contextstore"
	"github.com/maestro-hive/kernel/pkg/dagexec"
	"github.com/maestro-hive/kernel/pkg/httpapi"
	"github.com/maestro-hive/kernel/pkg/persona"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/supervisor"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, req dagexec.ExecRequest) (dagexec.ExecResult, error) {
	return dagexec.ExecResult{Artifacts: []dagexec.ExecArtifact{{Name: "output.txt", Bytes: []byte("ok")}}}, nil
}

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	catalog := persona.NewStaticCatalog(
		persona.Spec{ID: "requirement_analyst", PhaseID: "R", Timeout: 5, MaxRetries: 1,
			OutputContract: persona.Contract{RequiredOutputs: []string{"output.txt"}}},
	)
	return supervisor.New(supervisor.Config{
		Builder:       workflow.NewBuilder(catalog, nil),
		Personas:      catalog,
		Policy:        policy.NewEngine(&policy.Bundle{}, nil, nil),
		Checkpoints:   checkpoint.New(t.TempDir()),
		Artifacts:     contextstore.New(t.TempDir()),
		DAGWorkers:    2,
		BreakerConfig: breaker.Config{ConsecutiveFailureThreshold: 5, Cooldown: time.Millisecond},
		NewExecutor:   func(string) dagexec.Executor { return okExecutor{} },
	})
}

func TestStartAndStatus(t *testing.T) {
	sup := newTestSupervisor(t)
	h := httpapi.New(sup, nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	body := strings.NewReader(`{"execution_id":"exec-1","requirement":"build a thing","persona_ids":["requirement_analyst"]}`)
	resp, err := http.Post(srv.URL+"/executions/", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started httpapi.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "exec-1", started.ExecutionID)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/executions/exec-1")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var s httpapi.StatusResponse
		_ = json.NewDecoder(r.Body).Decode(&s)
		return s.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusUnknownExecution(t *testing.T) {
	sup := newTestSupervisor(t)
	h := httpapi.New(sup, nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseUnknownExecution(t *testing.T) {
	sup := newTestSupervisor(t)
	h := httpapi.New(sup, nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/executions/does-not-exist/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusNoContent, resp.StatusCode)
}
