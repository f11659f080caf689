package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/plangraph"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"go.uber.org/zap"
)

// EventSource streams the lifecycle events of a session.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) <-chan *orchestrator.Event
}

// History serves sessions and logs that outlived the in-memory views.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]orchestrator.Summary, error)
	SessionResult(ctx context.Context, sessionID string) (*orchestrator.Result, error)
	SessionLogs(ctx context.Context, sessionID string, limit int) ([]eventlog.Entry, error)
	LoadEntries(ctx context.Context, sessionID string) ([]state.Entry, error)
}

// Lineage serves the recorded plan graph of a session.
type Lineage interface {
	Lineage(ctx context.Context, sessionID string) ([]plangraph.StepNode, error)
}

// Pinger is a backend the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	state    *state.Manager
	events   *eventlog.Logger
	logger   *zap.Logger

	providers *provider.Router
	source    EventSource
	history   History
	lineage   Lineage
	backends  map[string]Pinger
}

// Option wires an optional dependency into the Handler.
type Option func(*Handler)

func WithProviders(r *provider.Router) Option { return func(h *Handler) { h.providers = r } }
func WithEventSource(s EventSource) Option { return func(h *Handler) { h.source = s } }
func WithHistory(s History) Option { return func(h *Handler) { h.history = s } }
func WithLineage(l Lineage) Option { return func(h *Handler) { h.lineage = l } }

// WithBackend adds a named backend to the health report.
func WithBackend(name string, p Pinger) Option {
	return func(h *Handler) { h.backends[name] = p }
}

// NewHandler creates a new API handler.
func NewHandler(
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	st *state.Manager,
	events *eventlog.Logger,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		orch:     orch,
		registry: reg,
		state:    st,
		events:   events,
		logger:   logger,
		backends: make(map[string]Pinger),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/stats", h.stats)
		r.Get("/logs/recent", h.recentLogs)

		r.Post("/orchestrate", h.orchestrate)
		r.Get("/sessions", h.listSessions)
		r.Get("/history", h.sessionHistory)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Post("/cancel", h.cancelSession)
			r.Get("/logs", h.sessionLogs)
			r.Get("/errors", h.sessionErrors)
			r.Get("/stats", h.sessionStats)
			r.Get("/state", h.sessionState)
			r.Get("/events", h.sessionEvents)
			r.Get("/lineage", h.sessionLineage)
		})

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deregisterAgent)
		r.Put("/agents/{id}/status", h.setAgentStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	backends := make(map[string]string, len(h.backends))
	for name, p := range h.backends {
		if err := p.Ping(ctx); err != nil {
			backends[name] = err.Error()
			status = "degraded"
			continue
		}
		backends[name] = "ok"
	}
	body := map[string]any{
		"status":   status,
		"service":  "conductor",
		"backends": backends,
	}
	if h.providers != nil {
		body["providers"] = h.providers.Health(ctx)
	}
	writeJSON(w, http.StatusOK, body)
}

type orchestrateRequest struct {
	Goal string `json:"goal"`
	orchestrator.Options
	// Wait blocks the request until the session finishes.
	Wait bool `json:"wait,omitempty"`
}

func (h *Handler) orchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.Wait {
		res, err := h.orch.Orchestrate(r.Context(), req.Goal, req.Options)
		if err != nil && res == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	// The session outlives the request.
	res, err := h.orch.Start(context.WithoutCancel(r.Context()), req.Goal, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.List())
}

func (h *Handler) sessionHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session history not configured"})
		return
	}
	sessions, err := h.history.ListSessions(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// getSession serves live sessions from memory and retired ones from history.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.orch.Session(id)
	if errors.Is(err, orchestrator.ErrSessionNotFound) && h.history != nil {
		res, err = h.history.SessionResult(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.orch.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) sessionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs := h.events.SessionLogs(id)
	if len(logs) == 0 && h.history != nil {
		stored, err := h.history.SessionLogs(r.Context(), id, queryInt(r, "limit", 500))
		if err != nil {
			h.logger.Warn("load stored logs", zap.String("session", id), zap.Error(err))
		} else {
			logs = stored
		}
	}
	if logs == nil {
		logs = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *Handler) sessionErrors(w http.ResponseWriter, r *http.Request) {
	errs := h.events.Errors(chi.URLParam(r, "id"))
	if errs == nil {
		errs = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.events.Statistics(chi.URLParam(r, "id")))
}

// sessionState lists the entries visible without an agent identity, which
// excludes private entries.
func (h *Handler) sessionState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.state.Entries(id, "")
	if errors.Is(err, state.ErrSessionNotFound) && h.history != nil {
		stored, lerr := h.history.LoadEntries(r.Context(), id)
		switch {
		case lerr != nil:
			err = lerr
		case len(stored) > 0:
			entries, err = state.Visible(stored, "", time.Now()), nil
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) sessionLineage(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "plan graph not configured"})
		return
	}
	nodes, err := h.lineage.Lineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// sessionEvents streams session events as server-sent events until the
// session finishes or the client goes away.
func (h *Handler) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.orch.Session(id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.source.Subscribe(r.Context(), id) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
		if ev.Type == orchestrator.EventSessionFinished {
			return
		}
	}
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	created, err := h.registry.Register(a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Deregister(id); err != nil {
		writeError(w, err)
		return
	}
	a, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status registry.Status `json:"status"`
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.SetStatus(id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	a, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, a)
}

// statsResponse is the registry capacity report plus session and log totals.
type statsResponse struct {
	registry.Stats
	Sessions map[orchestrator.Status]int `json:"sessions"`
	Running  []orchestrator.RunningJob   `json:"running"`
	Logs     eventlog.Stats              `json:"logs"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[orchestrator.Status]int)
	for _, s := range h.orch.List() {
		sessions[s.Status]++
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:    h.registry.Stats(),
		Sessions: sessions,
		Running:  h.orch.Running(),
		Logs:     h.events.Statistics(""),
	})
}

func (h *Handler) recentLogs(w http.ResponseWriter, r *http.Request) {
	logs := h.events.Recent(queryInt(r, "n", 50))
	if logs == nil {
		logs = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, state.ErrSessionNotFound),
		errors.Is(err, registry.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrPlanningFailed),
		errors.Is(err, orchestrator.ErrCycleDetected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrInvalidGoal),
		errors.Is(err, registry.ErrInvalidAgent):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrAccessDenied):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
