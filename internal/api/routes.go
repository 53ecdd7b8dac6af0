// Package api exposes sync, enrichment, audit and reconcile operations over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"extract-sync-service/internal/audit"
	"extract-sync-service/internal/connector"
	"extract-sync-service/internal/enrichment"
	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/reconcile"
	"extract-sync-service/internal/store"
	gosync "extract-sync-service/internal/sync"
)

const defaultRunsLimit = 20

type Syncer interface {
	RunSync(ctx context.Context, profileID int64) (*store.SyncRun, error)
	Datasets(ctx context.Context, sourceID int64) ([]connector.RemoteDataset, error)
}

type Enricher interface {
	RunEnrichment(ctx context.Context, profileID int64) (*enrichment.Summary, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, source, dest string, identifierColumns []string) (int64, error)
}

// Services are the operations the handler serves.
type Services struct {
	Store      store.Store
	Sync       Syncer
	Enrichment Enricher
	Reconcile  Reconciler
	Auditor    *audit.Auditor
}

type Handler struct {
	svc         Services
	auth        *JWTAuth
	corsOrigins []string
}

func NewHandler(svc Services, auth *JWTAuth, corsOrigins []string) *Handler {
	return &Handler{svc: svc, auth: auth, corsOrigins: corsOrigins}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.corsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/profiles/{id}/sync", h.TriggerSync)
		r.Get("/profiles/{id}/runs", h.ListRuns)
		r.Post("/enrichments/{id}/run", h.RunEnrichment)
		r.Post("/audits", h.RunAudit)
		r.Get("/audits/{id}/violations", h.ListViolations)
		r.Post("/reconcile", h.Reconcile)
		r.Get("/sources/{id}/datasets", h.ListDatasets)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TriggerSync runs the profile synchronously. A run that started and then
// failed is returned with status 200 and status "failed".
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := h.svc.Sync.RunSync(r.Context(), id)
	if err != nil && run == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if _, err := h.svc.Store.GetProfile(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	runs, err := h.svc.Store.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) RunEnrichment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.Enrichment.RunEnrichment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type auditResponse struct {
	Run        *store.AuditRun    `json:"run"`
	Violations []*store.Violation `json:"violations"`
}

// RunAudit accepts one audit definition in its JSON form.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	var def audit.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON: "+err.Error()))
		return
	}
	run, err := def.Builder(h.svc.Auditor).Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	violations, err := h.svc.Store.ListViolations(r.Context(), run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{Run: run, Violations: nonNil(violations)})
}

func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	violations, err := h.svc.Store.ListViolations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(violations))
}

type reconcileRequest struct {
	Source            string   `json:"source"`
	Destination       string   `json:"destination"`
	IdentifierColumns []string `json:"identifier_columns"`
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON: "+err.Error()))
		return
	}
	if req.Source == "" || req.Destination == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("source and destination are required"))
		return
	}
	n, err := h.svc.Reconcile.Reconcile(r.Context(), req.Source, req.Destination, req.IdentifierColumns)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rows": n})
}

func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	datasets, err := h.svc.Sync.Datasets(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if datasets == nil {
		datasets = []connector.RemoteDataset{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return 0, false
	}
	return id, true
}

func nonNil(v []*store.Violation) []*store.Violation {
	if v == nil {
		return []*store.Violation{}
	}
	return v
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func statusFor(err error) int {
	switch {
	case gosync.IsRunInProgress(err), errors.Is(err, enrichment.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrTableNotFound),
		errors.Is(err, reconcile.ErrSourceTableMissing):
		return http.StatusNotFound
	case connector.IsConfigError(err),
		errors.Is(err, store.ErrProtectedTable),
		errors.Is(err, connector.ErrUnknownConnector),
		errors.Is(err, enrichment.ErrProviderNotRegistered):
		return http.StatusBadRequest
	case connector.IsNotImplemented(err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to encode response", zap.Error(err))
	}
}
