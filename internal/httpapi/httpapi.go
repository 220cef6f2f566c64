// Package httpapi implements the coordinator's HTTP façade (spec §6): the
// only surface workers and the CLI talk to. Routing follows the teacher's
// chi-based server wiring (grounded on
// goadesign-goa-ai/runtime/registry/gen/grpc/registry/server, adapted from
// gRPC transport to a plain chi REST mux since the spec's wire contract is
// HTTP/JSON, not gRPC).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noetl/noetl-go/internal/engine"
	"github.com/noetl/noetl-go/internal/eventlog"
	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/model"
	"github.com/noetl/noetl-go/internal/state"
	"github.com/noetl/noetl-go/internal/telemetry"
	"github.com/noetl/noetl-go/internal/varstore"
)

// maxPageSize caps GET /executions/{id}'s page_size (spec §6: "page_size
// ≤500").
const maxPageSize = 500

// defaultPageSize is applied when the caller omits page_size.
const defaultPageSize = 100

type (
	// CatalogResolver resolves a playbook by path/version or catalog_id
	// (component, implemented by internal/catalog.Store).
	CatalogResolver interface {
		Resolve(ctx context.Context, path, version string) (*model.Playbook, id.ID, error)
		ResolveByID(ctx context.Context, catalogID id.ID) (*model.Playbook, error)
		Register(ctx context.Context, path, version, source string) (id.ID, error)
	}

	// EventReader exposes the execution's paginated event history (spec §6
	// GET /executions/{id}).
	EventReader interface {
		ReadAllAscending(ctx context.Context, execution id.ID, sinceEventID id.ID) ([]*model.Event, error)
		Read(ctx context.Context, execution id.ID, f eventlog.Filters, p eventlog.Pagination) ([]*model.Event, error)
	}

	// Pinger reports reachability of a backing store, used by the health
	// endpoint (supplemented feature, grounded on
	// original_source/noetl/server/api/system/service.py's health
	// aggregation).
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Server is the coordinator's HTTP façade.
	Server struct {
		Engine   *engine.Engine
		Catalog  CatalogResolver
		State    *state.Reconstructor
		Events   EventReader
		Lister   engine.ExecutionLister
		Vars     *varstore.Store
		Logger   telemetry.Logger

		// Postgres, Redis, and NATS back the health endpoint's dependency
		// checks; nil entries are reported as "unchecked" rather than down.
		Postgres Pinger
		Redis    Pinger
		NATS     Pinger
	}
)

// NewRouter builds the chi mux for s. The handlers are bound to s itself
// and read its fields on every request.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/system/health", s.handleHealth)

	r.Post("/catalog", s.handleRegisterCatalog)

	r.Post("/executions", s.handleStartExecution)
	r.Get("/executions/{execution_id}", s.handleGetExecution)
	r.Post("/executions/{execution_id}/cancel", s.handleCancel)
	r.Get("/executions/{execution_id}/cancellation-check", s.handleCancellationCheck)
	r.Post("/executions/{execution_id}/finalize", s.handleFinalize)
	r.Post("/executions/cleanup", s.handleCleanup)

	r.Post("/events", s.handlePostEvent)

	r.Get("/vars/{execution_id}", s.handleListVars)
	r.Post("/vars/{execution_id}", s.handleSetVar)
	r.Get("/vars/{execution_id}/{name}", s.handleGetVar)
	r.Delete("/vars/{execution_id}/{name}", s.handleDeleteVar)

	return r
}

// handleHealth implements GET /system/health (supplemented feature): it
// reports reachability of the Event Log/Command Store (Postgres), the
// Notification Bus (NATS), and the Loop KV/Variable Store (Redis).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"postgres": pingStatus(r.Context(), s.Postgres),
		"redis":    pingStatus(r.Context(), s.Redis),
		"nats":     pingStatus(r.Context(), s.NATS),
	}
	status := http.StatusOK
	for _, v := range checks {
		if v == "down" {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{"status": "ok", "checks": checks})
}

func pingStatus(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unchecked"
	}
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}

type registerCatalogRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

// handleRegisterCatalog implements POST /catalog: registers a playbook's
// YAML source under path/version, returning the minted catalog_id. Used by
// the CLI's submit command and by anything else that needs to publish a
// playbook before starting an execution against it.
func (s *Server) handleRegisterCatalog(w http.ResponseWriter, r *http.Request) {
	var req registerCatalogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	catalogID, err := s.Catalog.Register(r.Context(), req.Path, req.Version, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"catalog_id": catalogID.String()})
}

type startExecutionRequest struct {
	Path              string         `json:"path"`
	Version           string         `json:"version"`
	CatalogID         string         `json:"catalog_id"`
	Payload           map[string]any `json:"payload"`
	ParentExecutionID string         `json:"parent_execution_id"`
}

// handleStartExecution implements POST /executions (spec §6): resolves a
// playbook by path or catalog_id and starts a new execution.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		pb        *model.Playbook
		catalogID id.ID
		err       error
	)
	if req.CatalogID != "" {
		cid, perr := id.Parse(req.CatalogID)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		pb, err = s.Catalog.ResolveByID(r.Context(), cid)
		catalogID = cid
	} else {
		pb, catalogID, err = s.Catalog.Resolve(r.Context(), req.Path, req.Version)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var parentExecution id.ID
	if req.ParentExecutionID != "" {
		parentExecution, err = id.Parse(req.ParentExecutionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	execution, commands, err := s.Engine.StartExecution(r.Context(), pb, catalogID, req.Payload, parentExecution)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution_id": execution.String(),
		"commands":     commands,
	})
}

// handleGetExecution implements GET /executions/{id} (spec §6): returns the
// execution's state summary plus its event history, honoring page,
// page_size (≤500), since_event_id, and event_type query parameters.
// since_event_id drives incremental polling (a caller resumes from the last
// event_id it saw instead of re-reading from page 1).
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.State.LoadState(r.Context(), execution)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}

	q := r.URL.Query()
	pageSize := defaultPageSize
	if raw := q.Get("page_size"); raw != "" {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var sinceEventID id.ID
	if raw := q.Get("since_event_id"); raw != "" {
		sinceEventID, err = id.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	offset := 0
	if sinceEventID.IsZero() {
		page := 1
		if raw := q.Get("page"); raw != "" {
			if n, perr := strconv.Atoi(raw); perr == nil && n > 0 {
				page = n
			}
		}
		offset = (page - 1) * pageSize
	}

	events, err := s.Events.Read(r.Context(), execution, eventlog.Filters{
		EventType:    model.EventName(q.Get("event_type")),
		SinceEventID: sinceEventID,
	}, eventlog.Pagination{Limit: pageSize, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  st,
		"events": events,
	})
}

type cancelRequest struct {
	Reason  string `json:"reason"`
	Cascade bool   `json:"cascade"`
}

// handleCancel implements POST /executions/{id}/cancel (spec §4.7.6, §6).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	cancelled, err := s.Engine.CancelExecution(r.Context(), s.Lister, execution, req.Reason, req.Cascade)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": idsToStrings(cancelled)})
}

// handleCancellationCheck implements GET /executions/{id}/cancellation-check
// (spec §4.7.6): the lightweight poll a worker issues before starting a new
// task attempt.
func (s *Server) handleCancellationCheck(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	check, err := s.Engine.CancellationCheck(r.Context(), execution)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type finalizeRequest struct {
	Reason string `json:"reason"`
}

// handleFinalize implements POST /executions/{id}/finalize (spec §6): an
// admin override that emits terminal failure events now, for an execution
// the operator has determined will never otherwise complete.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req finalizeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "finalized by operator"
	}

	finalized, err := s.Engine.FinalizeExecution(r.Context(), execution, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"finalized": finalized})
}

type cleanupRequest struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
	DryRun           bool  `json:"dry_run"`
}

// handleCleanup implements POST /executions/cleanup (spec §4.7.7, admin
// stuck-execution scan).
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OlderThanSeconds <= 0 {
		req.OlderThanSeconds = int64(time.Hour.Seconds())
	}
	olderThan := time.Now().Add(-time.Duration(req.OlderThanSeconds) * time.Second)

	cancelled, err := s.Engine.CleanupStuckExecutions(r.Context(), s.Lister, olderThan, req.DryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	key := "cancelled"
	if req.DryRun {
		key = "candidates"
	}
	writeJSON(w, http.StatusOK, map[string]any{key: idsToStrings(cancelled)})
}

// handlePostEvent implements POST /events (spec §6): a worker reports a
// lifecycle event (step.enter, call.done, call.error, step.exit), which
// drives the control-flow engine and returns any commands issued as a
// result.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	commands, err := s.Engine.HandleEvent(r.Context(), &ev, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

func (s *Server) handleListVars(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.Vars.List(r.Context(), execution)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type setVarRequest struct {
	Name       string         `json:"name"`
	Value      any            `json:"value"`
	Type       varstore.VarType `json:"type"`
	SourceStep string         `json:"source_step"`
}

func (s *Server) handleSetVar(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req setVarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		req.Type = varstore.VarUserDefined
	}
	if err := s.Vars.Set(r.Context(), execution, req.Name, req.Value, req.Type, req.SourceStep); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetVar(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := chi.URLParam(r, "name")
	rec, ok, err := s.Vars.Get(r.Context(), execution, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteVar(w http.ResponseWriter, r *http.Request) {
	execution, err := parseIDParam(r, "execution_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.Vars.Delete(r.Context(), execution, name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func parseIDParam(r *http.Request, key string) (id.ID, error) {
	return id.Parse(chi.URLParam(r, key))
}

func idsToStrings(ids []id.ID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

var errNotFound = &apiErr{"not found"}

type apiErr struct{ msg string }

func (e *apiErr) Error() string { return e.msg }

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}
