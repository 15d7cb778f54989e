// Package api is the request-validating HTTP layer over the certificate
// core: store, vault, engine, scheduler, and the push channel.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/api/handler"
	mw "github.com/edvin/certmgr/internal/api/middleware"
	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/config"
	"github.com/edvin/certmgr/internal/deploy"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/scheduler"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

// Deps carries everything the API serves.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Vault     *vault.Vault
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Docker    deploy.DockerClient
	Issuer    engine.Issuer
	Logger    zerolog.Logger
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
	events *handler.Events
}

func NewServer(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: deps.Logger,
		deps:   deps,
		events: handler.NewEvents(deps.Logger, deps.Bus),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.Auth(s.deps.Config.APIKey))

		certificate := handler.NewCertificate(s.logger, s.deps.Store, s.deps.Vault,
			s.deps.Engine, s.deps.Issuer, s.deps.Bus, s.deps.Config.ACMEDirectoryURL)
		r.Get("/certificates", certificate.List)
		r.Post("/certificate", certificate.Create)
		r.Post("/certificate/upload", certificate.Upload)
		r.Get("/certificate/{id}", certificate.Get)
		r.Delete("/certificate/{id}", certificate.Delete)
		r.Post("/certificate/{id}/renew", certificate.Renew)
		r.Delete("/certificate/{id}/renew", certificate.CancelRenew)
		r.Post("/certificate/{id}/config", certificate.SetConfig)
		r.Post("/certificate/{id}/update-domains", certificate.UpdateDomains)
		r.Get("/certificate/{id}/backups", certificate.Backups)
		r.Post("/certificate/{id}/restore", certificate.Restore)

		passphrase := handler.NewPassphrase(s.logger, s.deps.Store, s.deps.Vault, s.deps.Engine)
		r.Get("/certificate/{id}/passphrase", passphrase.Check)
		r.Post("/certificate/{id}/passphrase", passphrase.Set)
		r.Delete("/certificate/{id}/passphrase", passphrase.Clear)

		settings := handler.NewSettings(s.logger, s.deps.Store, s.deps.Scheduler)
		r.Get("/settings", settings.Get)
		r.Post("/settings", settings.Update)

		sched := handler.NewScheduler(s.deps.Scheduler)
		r.Get("/scheduler/status", sched.Status)
		r.Post("/scheduler/run", sched.Run)

		docker := handler.NewDocker(s.deps.Docker)
		r.Get("/docker/containers", docker.Containers)

		filesystem := handler.NewFilesystem()
		r.Get("/filesystem", filesystem.List)

		// Push channel
		r.Get("/events", s.events.Connect)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	response.WriteOK(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	response.WriteOK(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"records": len(s.deps.Store.List()),
		"clients": s.events.ClientCount(),
	})
}

// Router exposes the configured mux.
func (s *Server) Router() http.Handler {
	return s.router
}
