package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/auth"
	"secure-analysis-gateway/internal/jobs"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/ratelimit"
)

// formOverhead is the multipart framing allowed on top of the upload limit.
const formOverhead = 64 * 1024

// Server wires HTTP handlers for the gateway.
type Server struct {
	tokens    *auth.Service
	jobs      *jobs.Service
	audit     *audit.Log
	limiter   ratelimit.Limiter
	logger    zerolog.Logger
	maxUpload int64
}

// New constructs the API server.
func New(tokens *auth.Service, js *jobs.Service, log *audit.Log, limiter ratelimit.Limiter, logger zerolog.Logger, maxUpload int64) *Server {
	return &Server{
		tokens:    tokens,
		jobs:      js,
		audit:     log,
		limiter:   limiter,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// Router builds the HTTP router. The API is served both at the root and
// under /api/v1. Metrics are not exposed here; they have their own
// listener on METRICS_ADDR.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(auditContext)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(s.routes)
	r.Route("/api/v1", s.routes)
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Post("/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.With(s.requireScope(models.ScopeWrite)).Post("/jobs", s.handleSubmit)
		r.With(s.requireScope(models.ScopeRead)).Get("/jobs/{id}", s.handleStatus)
		r.With(s.requireScope(models.ScopeRead)).Get("/jobs/{id}/result", s.handleResult)
		r.With(s.requireScope(models.ScopeAdmin)).Get("/audit/logs", s.handleAuditLogs)
		r.With(s.requireScope(models.ScopeAdmin)).Get("/audit/verify", s.handleAuditVerify)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders err as the JSON error envelope. Unclassified errors
// become a generic internal error.
func writeError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindAuthentication {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), errorBody{Error: errorDetail{Code: e.Code, Message: e.Message}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
