// Package server exposes the GoWPS REST API: process deployment, job
// execution and retrieval, the input vault, and the worker protocol.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/gowps/internal/dispatch"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/registry"
	"github.com/me/gowps/internal/results"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/internal/vault"
)

// Config holds the API settings the handlers need.
type Config struct {
	// WorkerKey is the shared secret remote workers present. Empty
	// disables worker authentication.
	WorkerKey string
	// IsAdmin reports whether a user is an administrator.
	IsAdmin func(user string) bool
	// MaxDeployBytes bounds deploy request bodies.
	MaxDeployBytes int64
	// MaxWait bounds the wait=N preference of execute requests.
	MaxWait time.Duration
	// EventsInterval is the polling interval of the job event stream.
	EventsInterval time.Duration
}

// Deps are the components behind the API.
type Deps struct {
	Store      store.Store
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Jobs       *jobs.Manager
	Results    *results.Aggregator
	Vault      *vault.Vault
	Queue      queue.Queue
}

// Server is the GoWPS REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	cfg       Config
	startTime time.Time

	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	jobs       *jobs.Manager
	relay      *jobs.RelayReporter
	results    *results.Aggregator
	vault      *vault.Vault
	queue      queue.Queue
}

// New creates a Server with all routes registered.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.MaxDeployBytes <= 0 {
		cfg.MaxDeployBytes = 4 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.EventsInterval <= 0 {
		cfg.EventsInterval = 2 * time.Second
	}
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logging.OrDiscard(logger).With("component", "server"),
		cfg:        cfg,
		startTime:  time.Now(),
		store:      deps.Store,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		jobs:       deps.Jobs,
		relay:      jobs.NewRelayReporter(deps.Jobs),
		results:    deps.Results,
		vault:      deps.Vault,
		queue:      deps.Queue,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Client API
		r.Group(func(r chi.Router) {
			r.Use(callerMiddleware(s.cfg.IsAdmin))

			r.Route("/processes", func(r chi.Router) {
				r.Get("/", s.handleListProcesses)
				r.Post("/", s.handleDeployProcess)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleDescribeProcess)
					r.Put("/", s.handleUpdateProcess)
					r.Delete("/", s.handleUndeployProcess)
					r.Get("/versions", s.handleProcessVersions)
					r.Put("/visibility", s.handleSetVisibility)
					r.Post("/execution", s.handleExecute)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetJob)
					r.Delete("/", s.handleDismissJob)
					r.Get("/results", s.handleJobResults)
					r.Get("/logs", s.handleJobLogs)
					r.Get("/exceptions", s.handleJobExceptions)
					r.Get("/history", s.handleJobHistory)
					r.Get("/events", s.handleJobEvents)
					r.Get("/outputs/{output}/{name}", s.handleJobOutput)
				})
			})

			r.Route("/vault", func(r chi.Router) {
				r.Post("/", s.handleVaultUpload)
				r.Get("/{id}", s.handleVaultDownload)
				r.Head("/{id}", s.handleVaultStat)
				r.Delete("/{id}", s.handleVaultDelete)
			})

			r.With(requireAdmin).Get("/admin/workers", s.handleListWorkers)
		})

		// Worker protocol
		r.Route("/workers", func(r chi.Router) {
			r.Use(workerAuthMiddleware(s.cfg.WorkerKey, s.logger))
			r.Post("/", s.handleRegisterWorker)
			r.Route("/{wid}", func(r chi.Router) {
				r.Delete("/", s.handleDeregisterWorker)
				r.Put("/heartbeat", s.handleWorkerHeartbeat)
				r.Get("/work", s.handleWorkerCheckout)
				r.Route("/jobs/{jobID}", func(r chi.Router) {
					r.Delete("/", s.handleWorkerAck)
					r.Put("/lease", s.handleWorkerExtend)
					r.Put("/status", s.handleWorkerStatus)
					r.Post("/logs", s.handleWorkerLogs)
					r.Post("/outputs", s.handleWorkerPublish)
					r.Get("/dismiss", s.handleWorkerDismiss)
				})
			})
		})
	})
}
