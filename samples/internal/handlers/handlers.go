// Package handlers provides HTTP request handlers for the samples service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/worldwormmap/wwm-stack/common/httputil"
	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/samples/internal/auth"
	"github.com/worldwormmap/wwm-stack/samples/internal/ingest"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/repository"
	"github.com/worldwormmap/wwm-stack/samples/internal/service"
)

// IngestActor is recorded on runs triggered through the admin endpoint.
const IngestActor = "admin"

const defaultAuditLimit = 100

// IngestRunner runs and introspects ingestion. ingest.Orchestrator satisfies it.
type IngestRunner interface {
	Run(ctx context.Context, actor string) (*models.IngestResult, error)
	FieldsDebug(ctx context.Context) (*models.FieldsDebug, error)
}

// Handler provides HTTP handlers for the samples service
type Handler struct {
	svc         *service.Service
	ingest      IngestRunner
	authz       *auth.Authorizer
	scheduler   service.SchedulerState
	development bool
	frontendDir string
	logger      *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(svc *service.Service, runner IngestRunner, authz *auth.Authorizer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, ingest: runner, authz: authz, logger: logger}
}

// WithScheduler reports sched in /api/health
func (h *Handler) WithScheduler(sched service.SchedulerState) *Handler {
	h.scheduler = sched
	return h
}

// WithDevelopment relaxes the ingest trigger's key check
func (h *Handler) WithDevelopment(dev bool) *Handler {
	h.development = dev
	return h
}

// WithFrontend serves the static frontend from dir when it exists
func (h *Handler) WithFrontend(dir string) *Handler {
	h.frontendDir = dir
	return h
}

// Authorizer returns the role guard used for protected routes.
func (h *Handler) Authorizer() *auth.Authorizer {
	return h.authz
}

// FrontendAvailable reports whether the configured frontend directory exists.
func (h *Handler) FrontendAvailable() bool {
	if h.frontendDir == "" {
		return false
	}
	info, err := os.Stat(h.frontendDir)
	return err == nil && info.IsDir()
}

// =============================================================================
// Helper Methods
// =============================================================================

// actor identifies the caller in audit entries by its role name.
func actor(r *http.Request) string {
	return string(auth.RoleFrom(r.Context()))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteValidationError(w, verr.Fields)
	case errors.Is(err, repository.ErrSampleNotFound):
		httputil.WriteError(w, http.StatusNotFound, "Sample not found")
	case errors.Is(err, repository.ErrSpeciesEntryNotFound):
		httputil.WriteError(w, http.StatusNotFound, "Sample species entry not found")
	case errors.Is(err, ingest.ErrFetchFailed):
		h.logger.Error("submission fetch failed", slog.String("path", r.URL.Path), logging.Error(err))
		httputil.WriteError(w, http.StatusBadGateway, "failed to fetch submissions")
	default:
		h.logger.Error("request failed", slog.String("path", r.URL.Path), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := httputil.DecodeJSON(r, dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// =============================================================================
// Health Check Handlers
// =============================================================================

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.svc.Health(r.Context(), h.scheduler))
}

// =============================================================================
// Listing Handlers
// =============================================================================

// ListSamples handles GET /api/samples
func (h *Handler) ListSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	samples, err := h.svc.ListSamples(r.Context(), models.SampleFilter{
		Species:     q.Get("species"),
		Status:      q.Get("status"),
		Affiliation: q.Get("affiliation"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if samples == nil {
		samples = []*models.SampleSummary{}
	}
	httputil.WriteJSON(w, http.StatusOK, samples)
}

// ListSpecies handles GET /api/species
func (h *Handler) ListSpecies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	species, err := h.svc.ListSpecies(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if species == nil {
		species = []*models.SpeciesCount{}
	}
	httputil.WriteJSON(w, http.StatusOK, species)
}

// ListAffiliations handles GET /api/affiliations
func (h *Handler) ListAffiliations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	affiliations, err := h.svc.ListAffiliations(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if affiliations == nil {
		affiliations = []*models.AffiliationSummary{}
	}
	httputil.WriteJSON(w, http.StatusOK, affiliations)
}

// =============================================================================
// Curation Handlers
// =============================================================================

// ApproveSample handles POST /api/samples/{id}/approve
func (h *Handler) ApproveSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, err := httputil.PathID(r.URL.Path, "/api/samples/")
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Sample not found")
		return
	}

	var req models.ApprovalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.svc.ApproveSample(r.Context(), id, &req, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// AddSpecies handles POST /api/samples/{id}/species
func (h *Handler) AddSpecies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, err := httputil.PathID(r.URL.Path, "/api/samples/")
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Sample not found")
		return
	}

	var req models.SpeciesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.svc.AddSpecies(r.Context(), id, &req, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

// AddGenomicRecord handles POST /api/species/{id}/genomics
func (h *Handler) AddGenomicRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, err := httputil.PathID(r.URL.Path, "/api/species/")
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Sample species entry not found")
		return
	}

	var req models.GenomicsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	record, err := h.svc.AddGenomicRecord(r.Context(), id, &req, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// =============================================================================
// Admin Handlers
// =============================================================================

// TriggerIngest handles POST /api/admin/ingest/kobo. Outside development the
// admin role is required; in development the key may be omitted but a key
// that is sent must be the admin key.
func (h *Handler) TriggerIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	key := r.Header.Get(auth.HeaderAPIKey)
	if h.development {
		if key != "" && !h.authz.IsAdminKey(key) {
			httputil.WriteError(w, http.StatusForbidden, "Invalid admin API key")
			return
		}
	} else if !h.authz.Resolve(key).AtLeast(auth.RoleAdmin) {
		httputil.WriteError(w, http.StatusForbidden, string(auth.RoleAdmin)+" role required")
		return
	}

	result, err := h.ingest.Run(r.Context(), IngestActor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// KoboFields handles GET /api/admin/kobo/fields
func (h *Handler) KoboFields(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	debug, err := h.ingest.FieldsDebug(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, debug)
}

// ListAudit handles GET /api/admin/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), defaultAuditLimit)
	entries, err := h.svc.ListAudit(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

// =============================================================================
// Frontend
// =============================================================================

// Root handles GET /. It serves index.html when the frontend is present.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if h.FrontendAvailable() {
		index := filepath.Join(h.frontendDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "WWM API running"})
}

// Frontend serves /frontend/* from the frontend directory.
func (h *Handler) Frontend() http.Handler {
	fs := http.FileServer(http.Dir(h.frontendDir))
	return http.StripPrefix("/frontend", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "..") {
			httputil.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		fs.ServeHTTP(w, r)
	}))
}
