// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/terraverify/terraverify/internal/auth"
	"github.com/terraverify/terraverify/internal/blobs"
	claimsDomain "github.com/terraverify/terraverify/internal/claims/domain"
	claimsTransport "github.com/terraverify/terraverify/internal/claims/transport"
	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/idempotency"
	"github.com/terraverify/terraverify/internal/middleware/logging"
	"github.com/terraverify/terraverify/internal/middleware/ratelimit"
	"github.com/terraverify/terraverify/internal/middleware/realip"
	"github.com/terraverify/terraverify/internal/middleware/security"
	"github.com/terraverify/terraverify/internal/observability/metrics"
	"github.com/terraverify/terraverify/internal/storage"
	verificationDomain "github.com/terraverify/terraverify/internal/verification/domain"
	verificationTransport "github.com/terraverify/terraverify/internal/verification/transport"
)

// Dependencies are the external collaborators constructed by main.
type Dependencies struct {
	Verifier verificationDomain.Verifier
	Blobs    blobs.Store
	Monitor  claimsDomain.Monitor
}

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger
	router *chi.Mux

	// Services typed via transport interfaces
	verificationSvc verificationTransport.Service
	claimsSvc       claimsTransport.Service
}

// New creates a new server
func New(cfg *config.Config, store storage.Store, deps Dependencies, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}

	var guardOpts []idempotency.Option
	if cfg.Cache.Enabled {
		guardOpts = append(guardOpts, idempotency.WithCache(cfg.Cache.Size, time.Duration(cfg.Cache.TTLSeconds)*time.Second))
	}
	guard := idempotency.NewGuard(store, guardOpts...)

	verifyImpl := verificationDomain.NewService(store, deps.Verifier, guard, deps.Blobs,
		verificationDomain.RetryConfig{
			MaxAttempts:     cfg.Verifier.MaxAttempts,
			InitialInterval: time.Duration(cfg.Verifier.BackoffMillis) * time.Millisecond,
		}, logger)
	claimsImpl := claimsDomain.NewService(store, deps.Monitor,
		claimsDomain.RetryConfig{
			MaxAttempts:     cfg.Claims.MaxAttempts,
			InitialInterval: time.Duration(cfg.Claims.BackoffMillis) * time.Millisecond,
		}, logger)

	// Wrap verification service with logging middleware
	s.verificationSvc = verificationDomain.LoggingMiddleware(logger)(verifyImpl)
	s.claimsSvc = claimsImpl

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	// Real IP first so every later middleware sees the client address.
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))
	s.router.Use(security.MaxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		MaxClients:     s.cfg.RateLimit.MaxClients,
		IdleTTL:        time.Duration(s.cfg.RateLimit.IdleMinutes) * time.Minute,
	}))

	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	if metrics.Enabled() {
		s.router.Handle("/metrics", metrics.Handler())
	}

	verificationHandler := verificationTransport.NewHandler(s.verificationSvc)
	claimsHandler := claimsTransport.NewHandler(s.claimsSvc)

	// Auth and the tighter write bucket apply to everything that reaches the
	// verifier or the chain.
	writes := func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.Middleware(s.store, writeError))
		}
		r.Use(ratelimit.Middleware(ratelimit.Config{
			Enabled:        s.cfg.RateLimit.Enabled,
			RequestsPerMin: s.cfg.RateLimit.WriteRequestsPerMin,
			BurstSize:      s.cfg.RateLimit.WriteBurstSize,
			MaxClients:     s.cfg.RateLimit.MaxClients,
			IdleTTL:        time.Duration(s.cfg.RateLimit.IdleMinutes) * time.Minute,
		}))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/verifications", func(r chi.Router) {
			// Read operations - no auth required
			verificationHandler.RegisterReadRoutes(r)

			r.Group(func(r chi.Router) {
				writes(r)
				verificationHandler.RegisterWriteRoutes(r)
				claimsHandler.RegisterRoutes(r)
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only while the record store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
