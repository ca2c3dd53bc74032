// Package httpapi implements the REST thin-wrapper surface (§1
// out-of-core, SPEC_FULL §12): list/browse endpoints over agents,
// commands, terminal output and traces, plus the emergency-stop
// trigger reused by both dashboards and operator tooling.
//
// Grounded on control_plane/api.go's handler set (handleListAgents,
// handleListJobs, handleGetJob) generalized from tenant-scoped jobs to
// the new agent/command/trace schema, routed through chi instead of
// the teacher's bare http.ServeMux.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	amw "github.com/agentbridge/conductor/middleware"
	"github.com/agentbridge/conductor/idempotency"
	"github.com/agentbridge/conductor/observability"
	"github.com/agentbridge/conductor/orchestrator"
	"github.com/agentbridge/conductor/store"
	"github.com/agentbridge/conductor/trace"
)

// API holds every collaborator the REST surface reads from or drives.
type API struct {
	store store.Store
	orch  *orchestrator.Orchestrator
	cfg   trace.Config
	idem  *idempotency.Store
}

// New builds an API. idem may be nil, in which case Idempotency-Key
// replay protection on command submission is skipped.
func New(st store.Store, orch *orchestrator.Orchestrator, traceCfg trace.Config, idem *idempotency.Store) *API {
	return &API{store: st, orch: orch, cfg: traceCfg, idem: idem}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// Mount wires every route onto r under the given AuthVerifier; chi's
// Route groups keep CORS+logging global and auth scoped to the API.
func Mount(r chi.Router, a *API, authenticate func(http.Handler) http.Handler) {
	r.Use(chimw.Logger)
	r.Use(amw.CORSMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate)

		r.Get("/agents", a.handleListAgents)
		r.Get("/agents/{agentID}", a.handleGetAgent)

		r.Post("/commands", a.handleSubmitCommand)
		r.Get("/commands/{commandID}", a.handleGetCommand)
		r.Get("/commands", a.handleListCommands)
		r.Post("/commands/{commandID}/interrupt", a.handleInterruptCommand)
		r.Get("/commands/{commandID}/output", a.handleListTerminalOutput)
		r.Get("/commands/{commandID}/trace", a.handleGetTrace)

		r.Post("/emergency-stop", a.handleEmergencyStop)
		r.Get("/audit-logs", a.handleListAuditLogs)
	})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := a.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type submitCommandRequest struct {
	CommandID   string `json:"commandId"`
	AgentID     string `json:"agentId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"maxAttempts"`
}

// handleSubmitCommand replays the cached response for a repeated
// Idempotency-Key header instead of resubmitting, on top of
// orchestrator.Submit's own commandId-keyed dedup: a client retrying a
// dropped response gets the exact same HTTP body back rather than a
// second (merged-but-distinct) lookup round trip.
func (a *API) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && a.idem != nil {
		if cached, ok := a.idem.Get(r.Context(), idemKey); ok {
			for k, vs := range cached.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "agentId and content are required")
		return
	}

	principal, ok := amw.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cmd, err := a.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		CommandID:   req.CommandID,
		UserID:      principal.UserID,
		AgentID:     req.AgentID,
		Content:     req.Content,
		Type:        req.Type,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to submit command: "+err.Error())
		return
	}

	a.orch.TickDispatch(r.Context(), req.AgentID)

	body, _ := json.Marshal(cmd)
	if idemKey != "" && a.idem != nil {
		a.idem.Set(r.Context(), idemKey, idempotency.Response{
			StatusCode: http.StatusAccepted,
			Body:       body,
			Headers:    map[string][]string{"Content-Type": {"application/json"}},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	cmd, err := a.store.GetCommand(r.Context(), commandID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get command")
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		cmds []*store.Command
		err  error
	)
	if agentID := r.URL.Query().Get("agentId"); agentID != "" {
		cmds, err = a.store.ListCommandsByAgent(r.Context(), agentID, limit)
	} else {
		principal, ok := amw.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		cmds, err = a.store.ListCommandsByUser(r.Context(), principal.UserID, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

type interruptRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (a *API) handleInterruptCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	var req interruptRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := a.orch.Interrupt(r.Context(), commandID, req.Reason, req.Force, 5*time.Second); err != nil {
		writeError(w, http.StatusConflict, "failed to interrupt command: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (a *API) handleListTerminalOutput(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	outs, err := a.store.ListTerminalOutputs(r.Context(), commandID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list terminal output")
		return
	}
	writeJSON(w, http.StatusOK, outs)
}

// handleGetTrace rebuilds the trace tree/aggregation for a command on
// demand from the persisted flat entry list, rather than keeping the
// in-memory Collector state around past command completion.
func (a *API) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	entries, err := a.store.ListTraceEntries(r.Context(), commandID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list trace entries")
		return
	}

	start := time.Now()
	events := make([]*trace.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, &trace.Event{
			ID: e.ID, CommandID: e.CommandID, AgentID: e.AgentID, ParentID: e.ParentID,
			Type: e.Type, Name: e.Name, Content: e.Content,
			StartedAt: e.StartedAt, CompletedAt: e.CompletedAt, TokensUsed: e.TokensUsed,
		})
	}
	agg := trace.BuildAggregation(events, a.cfg)
	observability.TraceBuildDuration.Observe(time.Since(start).Seconds())

	switch r.URL.Query().Get("format") {
	case "flamegraph":
		writeJSON(w, http.StatusOK, trace.Flamegraph(agg, a.cfg))
	case "timeline":
		writeJSON(w, http.StatusOK, trace.Timeline(agg, a.cfg))
	default:
		writeJSON(w, http.StatusOK, agg)
	}
}

type emergencyStopRequest struct {
	Reason         string   `json:"reason"`
	LiveCommandIDs []string `json:"liveCommandIds"`
}

func (a *API) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	principal, ok := amw.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var liveIDs []string
	if len(req.LiveCommandIDs) > 0 {
		liveIDs = req.LiveCommandIDs
	} else {
		cmds, err := a.store.ListCommandsByUser(r.Context(), "", 1000)
		if err == nil {
			for _, c := range cmds {
				if c.Status == "Executing" || c.Status == "Queued" {
					liveIDs = append(liveIDs, c.CommandID)
				}
			}
		}
	}

	if err := a.orch.EmergencyStop(r.Context(), principal.UserID, req.Reason, liveIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to emergency stop: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "emergencyId": uuid.NewString()})
}

func (a *API) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := a.store.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
