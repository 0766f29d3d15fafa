package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fleetdeck.gateway/internal/adapters/handler/ws"
	"fleetdeck.gateway/internal/core/services"
	"fleetdeck.gateway/internal/proxy"
)

// Server routes the two relay upgrade paths and the gateway's own
// health/metrics endpoints; every other request is handed to the reverse
// proxy untouched.
type Server struct {
	router    *chi.Mux
	relay     *ws.Relay
	healthSvc *services.HealthService
	proxy     *proxy.Proxy
	http      *http.Server
}

func NewServer(relay *ws.Relay, healthSvc *services.HealthService, upstreamProxy *proxy.Proxy, enableMetrics bool) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		relay:     relay,
		healthSvc: healthSvc,
		proxy:     upstreamProxy,
	}
	s.routes(enableMetrics)
	return s
}

func (s *Server) routes(enableMetrics bool) {
	s.router.Use(middleware.Recoverer)
	if enableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The two relay endpoints intercepted from the proxied surface.
	s.router.Get("/ws/agent", s.relay.ServeAgent)
	s.router.Get("/ws/dashboard", s.relay.ServeDashboard)

	// Gateway-owned probes, namespaced to avoid colliding with inner
	// application routes.
	s.router.Get("/gateway/healthz", s.handleLiveness)
	s.router.Get("/gateway/readyz", s.handleReadiness)
	s.router.Get("/gateway/health", s.handleDetailedHealth)
	if enableMetrics {
		s.router.Get("/gateway/metrics", func(w http.ResponseWriter, r *http.Request) {
			MetricsHandler().ServeHTTP(w, r)
		})
	}

	// Everything else belongs to the inner web application.
	s.router.NotFound(s.proxy.ServeHTTP)
	s.router.MethodNotAllowed(s.proxy.ServeHTTP)
}

func (s *Server) Run(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(report)
}
