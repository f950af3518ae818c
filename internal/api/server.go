package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/backtrue/mitenow-sub001/internal/api/handler"
	mw "github.com/backtrue/mitenow-sub001/internal/api/middleware"
	"github.com/backtrue/mitenow-sub001/internal/api/response"
	"github.com/backtrue/mitenow-sub001/internal/config"
	"github.com/backtrue/mitenow-sub001/internal/core"
	"github.com/backtrue/mitenow-sub001/internal/model"
	"github.com/backtrue/mitenow-sub001/internal/ratelimit"
)

// ReadinessCheck reports whether one dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	limiter  mw.Limiter
	cfg      *config.Config
	checks   map[string]ReadinessCheck
}

func NewServer(logger zerolog.Logger, services *core.Services, limiter mw.Limiter, cfg *config.Config, checks map[string]ReadinessCheck) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: services,
		limiter:  limiter,
		cfg:      cfg,
		checks:   checks,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.RealIP(s.cfg.TrustedProxies))
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
	s.router.Use(mw.SecureHeaders)
	s.router.Use(mw.CORS(s.cfg.CORSOrigins))
}

func (s *Server) setupRoutes() {
	s.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.WriteError(w, http.StatusNotFound, model.CodeNotFound, "route not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	deployment := handler.NewDeployment(s.services.Deployment, s.cfg.MaxUploadBytes)
	secret := handler.NewSecret(s.services.Secret)

	// Build system callbacks
	s.router.With(mw.CallbackToken(s.cfg.CallbackToken)).
		Post("/builds/{build_id}/status", deployment.BuildStatus)

	s.router.Group(func(r chi.Router) {
		r.Use(mw.Auth(s.services.Session))

		r.With(s.limit(ratelimit.ClassPrepare)).Post("/prepare", deployment.Prepare)
		r.With(s.limit(ratelimit.ClassUpload)).Put("/uploads/{token}", deployment.Upload)
		r.With(s.limit(ratelimit.ClassDeploy)).Post("/deploy", deployment.Deploy)

		r.With(s.limit(ratelimit.ClassCheck)).Get("/subdomain/check/{name}", deployment.CheckSubdomain)
		r.With(s.limit(ratelimit.ClassRelease)).Post("/subdomain/{name}/release", deployment.ReleaseSubdomain)

		r.Get("/apps/{id}", deployment.GetApp)
		r.Delete("/apps/{id}", deployment.DeleteApp)

		r.With(s.limit(ratelimit.ClassSecrets)).Post("/secrets", secret.Create)
	})
}

func (s *Server) limit(class string) func(http.Handler) http.Handler {
	return mw.RateLimit(s.limiter, class)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz names failing dependencies without their error text, which
// can carry addresses.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = "unavailable"
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, status, checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
