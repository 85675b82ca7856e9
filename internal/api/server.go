package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codeguard/internal/config"
	"codeguard/internal/monitor"
	"codeguard/internal/ratelimit"
)

// SlotReporter exposes execution slot usage.
type SlotReporter interface {
	Capacity() int
	Active() int64
}

// HealthSources are what /health reports on. Identities and Database may be
// nil.
type HealthSources struct {
	Slots      SlotReporter
	Identities interface{ Len() int }
	Database   interface{ Healthy(ctx context.Context) bool }
}

// Server is the main HTTP server for the submission API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	health     HealthSources
	metrics    *monitor.Metrics
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// analyzeLimiter may be nil to leave /v1/analyze unthrottled.
func NewServer(cfg *config.Config, svc Submitter, health HealthSources, analyzeLimiter *ratelimit.Limiter, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  NewHandlers(svc),
		cfg:       cfg,
		health:    health,
		metrics:   metrics,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured; the submission API accepts unauthenticated requests")
	}

	var analyze http.Handler = http.HandlerFunc(s.handlers.HandleAnalyze)
	if analyzeLimiter != nil {
		analyze = RateLimitMiddleware(analyzeLimiter)(analyze)
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/submissions", s.handlers.HandleSubmit)
	apiMux.Handle("POST /v1/analyze", analyze)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled; serving plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.health.Database == nil || s.health.Database.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.health.Slots != nil {
		resp.Capacity = s.health.Slots.Capacity()
		resp.ActiveExecutions = s.health.Slots.Active()
	}
	if s.health.Identities != nil {
		resp.TrackedIdentities = s.health.Identities.Len()
		s.metrics.TrackedIdentities.Set(float64(resp.TrackedIdentities))
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
