// Package server provides HTTP server setup for the samples service.
package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldwormmap/wwm-stack/common/httputil"
	"github.com/worldwormmap/wwm-stack/common/middleware"
	"github.com/worldwormmap/wwm-stack/samples/internal/auth"
	"github.com/worldwormmap/wwm-stack/samples/internal/handlers"
)

// NewRouter constructs a ServeMux with the samples API routes registered,
// wrapped in request ID, access log and CORS middleware.
func NewRouter(h *handlers.Handler, cors middleware.CORSConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	authz := h.Authorizer()

	// Health check endpoints
	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/api/health", h.Health)
	mux.Handle("/metrics", promhttp.Handler())

	// Public listings
	mux.HandleFunc("/api/samples", h.ListSamples)
	mux.HandleFunc("/api/species", h.ListSpecies)
	mux.HandleFunc("/api/affiliations", h.ListAffiliations)

	// Curation (under /api/samples/{id}/* and /api/species/{id}/*)
	mux.HandleFunc("/api/samples/", authz.Require(auth.RoleCurator, sampleRouteHandler(h)))
	mux.HandleFunc("/api/species/", authz.Require(auth.RoleCurator, speciesRouteHandler(h)))

	// Admin; the ingest trigger checks its own key policy
	mux.HandleFunc("/api/admin/ingest/kobo", h.TriggerIngest)
	mux.HandleFunc("/api/admin/kobo/fields", authz.Require(auth.RoleAdmin, h.KoboFields))
	mux.HandleFunc("/api/admin/audit", authz.Require(auth.RoleAdmin, h.ListAudit))

	if h.FrontendAvailable() {
		mux.Handle("/frontend/", h.Frontend())
	}
	mux.HandleFunc("/", h.Root)

	var handler http.Handler = mux
	handler = middleware.CORS(cors)(handler)
	handler = middleware.AccessLog(logger)(handler)
	return middleware.RequestID(handler)
}

// sampleRouteHandler routes /api/samples/{id}/* requests to appropriate handlers
func sampleRouteHandler(h *handlers.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		switch {
		case strings.HasSuffix(path, "/approve"):
			h.ApproveSample(w, r)
		case strings.HasSuffix(path, "/species"):
			h.AddSpecies(w, r)
		default:
			httputil.WriteError(w, http.StatusNotFound, "not found")
		}
	}
}

// speciesRouteHandler routes /api/species/{id}/* requests to appropriate handlers
func speciesRouteHandler(h *handlers.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/genomics") {
			h.AddGenomicRecord(w, r)
			return
		}
		httputil.WriteError(w, http.StatusNotFound, "not found")
	}
}
