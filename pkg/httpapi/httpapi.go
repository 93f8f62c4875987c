// Package httpapi is a thin, read-mostly transport over
// ExecutionSupervisor's control surface (spec §4.10/§6). It is deliberately
// kept outside the kernel's own import graph in the other direction: the
// kernel (pkg/supervisor and everything it composes) has zero knowledge of
// HTTP, chi, or net/http. This package only ever calls into *supervisor.
// Supervisor's already-public methods.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/internal/apperror"
	"github.com/maestro-hive/kernel/pkg/policy"
	"github.com/maestro-hive/kernel/pkg/supervisor"
	"github.com/maestro-hive/kernel/pkg/workflow"
)

// StartRequest is the JSON body accepted by POST /executions.
type StartRequest struct {
	ExecutionID string   `json:"execution_id"`
	Requirement string   `json:"requirement"`
	BlueprintID string   `json:"blueprint_id,omitempty"`
	PersonaIDs  []string `json:"persona_ids,omitempty"`
}

// StatusResponse is the JSON shape of GET /executions/{id} (spec §6
// "status payload containing execution.status, current_phase, per-phase
// iteration, per-node state/attempt, progress percent ..., and the latest
// gate verdicts").
type StatusResponse struct {
	ExecutionID     string             `json:"execution_id"`
	Status          string             `json:"status"`
	CurrentPhaseID  string             `json:"current_phase_id,omitempty"`
	ProgressPercent float64            `json:"progress_percent"`
	Phases          []PhaseStatus      `json:"phases"`
	Nodes           []NodeStatus       `json:"nodes"`
	FailureReport   *supervisor.Report `json:"failure_report,omitempty"`
}

// PhaseStatus is one phase's entry in StatusResponse.Phases.
type PhaseStatus struct {
	ID             string `json:"id"`
	Ordinal        int    `json:"ordinal"`
	State          string `json:"state"`
	IterationIndex int    `json:"iteration_index"`
}

// NodeStatus is one node's entry in StatusResponse.Nodes.
type NodeStatus struct {
	ID           string `json:"id"`
	PersonaID    string `json:"persona_id"`
	PhaseID      string `json:"phase_id"`
	State        string `json:"state"`
	AttemptCount int    `json:"attempt_count"`
	Reused       bool   `json:"reused"`
}

// BypassRequest is the JSON body accepted by POST /executions/{id}/bypass
// (spec §4.5 "bypass requires an ADR reference and is recorded in an
// append-only audit log").
type BypassRequest struct {
	PhaseID  string `json:"phase_id"`
	GateName string `json:"gate_name"`
	ADRRef   string `json:"adr_ref"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// Handler wires the chi router to a Supervisor.
type Handler struct {
	sup    *supervisor.Supervisor
	logger *zap.Logger
}

// New constructs a Handler.
func New(sup *supervisor.Supervisor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sup: sup, logger: logger}
}

// Router builds the chi.Router exposing the control surface of spec §6:
// GET /executions/{id}, GET /executions/{id}/events (SSE tail),
// POST /executions (start), POST /executions/{id}/pause|resume|cancel,
// POST /executions/{id}/rework/{phaseId}.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", h.start)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Get("/events", h.events)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Post("/cancel", h.cancel)
			r.Post("/rework/{phaseID}", h.rework)
			r.Post("/bypass", h.bypass)
		})
	})
	return r
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	exec, err := h.sup.Start(r.Context(), supervisor.StartRequest{
		ExecutionID: req.ExecutionID,
		Requirement: req.Requirement,
		BlueprintID: req.BlueprintID,
		PersonaIDs:  req.PersonaIDs,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStatusResponse(exec))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, ok := h.sup.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", id))
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(exec))
}

// events streams bus events as an SSE tail (spec §6 "GET
// /executions/{id}/events (SSE-style tail of the EventBus)"). It never
// replays history older than this connection; callers wanting replay use
// the status endpoint to establish a starting point first.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	sub, ok := h.sup.Subscribe(id)
	if !ok {
		writeError(w, http.StatusNotFound, apperror.Newf(apperror.TypeInternalConsistency, "unknown execution %q", id))
		return
	}
	defer sub.Unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, apperror.New(apperror.TypeInternalConsistency, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.sup.Pause)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.sup.Resume)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.sup.Cancel)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "executionID")
	if err := fn(id); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rework(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	phaseID := chi.URLParam(r, "phaseID")
	if err := h.sup.TriggerRework(id, phaseID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// bypass records an operator-requested quality-gate bypass against the
// execution's policy engine and audit log (spec §4.5, §6).
func (h *Handler) bypass(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	var req BypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.sup.RequestBypass(id, policy.BypassRecord{
		PhaseID:  req.PhaseID,
		GateName: req.GateName,
		ADRRef:   req.ADRRef,
		Actor:    req.Actor,
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func toStatusResponse(exec *supervisor.Execution) StatusResponse {
	resp := StatusResponse{
		ExecutionID:     exec.ID,
		Status:          string(exec.Status),
		CurrentPhaseID:  exec.CurrentPhaseID,
		ProgressPercent: exec.ProgressPercent,
		FailureReport:   exec.FailureReport,
	}
	if exec.DAG == nil {
		return resp
	}

	exec.DAG.Lock()
	defer exec.DAG.Unlock()
	for _, p := range exec.DAG.Phases {
		resp.Phases = append(resp.Phases, PhaseStatus{
			ID: p.ID, Ordinal: p.Ordinal, State: string(p.State), IterationIndex: p.IterationIndex,
		})
	}
	for _, n := range exec.DAG.Nodes {
		resp.Nodes = append(resp.Nodes, NodeStatus{
			ID: n.ID, PersonaID: n.PersonaID, PhaseID: n.PhaseID,
			State: string(n.State), AttemptCount: n.AttemptCount, Reused: n.State == workflow.NodeReused,
		})
	}
	return resp
}

func statusForError(err error) int {
	switch apperror.GetType(err) {
	case apperror.TypeMissingDependency, apperror.TypeCrossPhaseDependency, apperror.TypeWorkflowCycle,
		apperror.TypeContractViolation, apperror.TypeUnknownGate:
		return http.StatusBadRequest
	case apperror.TypeInternalConsistency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
