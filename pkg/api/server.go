// Package api exposes the control plane over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/notify"
	"github.com/vyvo/compute/fleet/pkg/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultKeepAlive      = 15 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the services behind the HTTP surface.
type Options struct {
	Registry      *controlplane.Registry
	Authenticator *controlplane.Authenticator
	Jobs          *controlplane.Jobs
	Resources     *controlplane.Resources
	Hub           *notify.Hub
	Users         controlplane.UserDirectory
	Metrics       *telemetry.Metrics
	Logger        controlplane.Logger
	Health        Pinger

	RequestTimeout time.Duration
	KeepAlive      time.Duration
}

type server struct {
	registry  *controlplane.Registry
	authn     *controlplane.Authenticator
	jobs      *controlplane.Jobs
	resources *controlplane.Resources
	hub       *notify.Hub
	users     controlplane.UserDirectory
	metrics   *telemetry.Metrics
	logger    controlplane.Logger
	health    Pinger

	requestTimeout time.Duration
	keepAlive      time.Duration
}

// NewHandler builds the router for the owner and runner APIs.
func NewHandler(opts Options) http.Handler {
	s := &server{
		registry:       opts.Registry,
		authn:          opts.Authenticator,
		jobs:           opts.Jobs,
		resources:      opts.Resources,
		hub:            opts.Hub,
		users:          opts.Users,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		health:         opts.Health,
		requestTimeout: opts.RequestTimeout,
		keepAlive:      opts.KeepAlive,
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}
	return s.routes()
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Owner role.
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.requestTimeout))
			r.Use(s.ownerAuth)

			r.Route("/runners", func(r chi.Router) {
				r.Post("/", s.handleCreateRunner)
				r.Get("/", s.handleListRunners)
				r.Get("/status", s.handleRunnerStatus)
				r.Get("/system", s.handleRunnerSystem)
				r.Get("/{runnerID}", s.handleGetRunner)
				r.Patch("/{runnerID}", s.handleRenameRunner)
				r.Delete("/{runnerID}", s.handleDeleteRunner)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.handleCreateJob)
				r.Get("/", s.handleListJobs)
				r.Get("/{jobID}", s.handleGetJob)
				r.Put("/{jobID}", s.handleUpdateJob)
				r.Patch("/{jobID}", s.handleUpdateJob)
				r.Delete("/{jobID}", s.handleDeleteJob)
				r.Get("/{jobID}/resources", s.handleJobResources)
			})

			r.Route("/resources", func(r chi.Router) {
				r.Get("/", s.handleListResources)
				r.Post("/", s.handleUploadResource)
				r.Get("/{resourceID}/download", s.handleDownloadResource)
				r.Delete("/{resourceID}", s.handleDeleteResource)
			})
		})

		r.Route("/runner", func(r chi.Router) {
			// Pairing and liveness calls check the credential against the addressed runner.
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(s.requestTimeout))
				r.Post("/register/{runnerID}", s.handleRegister)
				r.Patch("/heartbeat/{runnerID}", s.handleHeartbeat)
				r.Put("/system/{runnerID}", s.handleUpdateSystem)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.runnerAuth)

				r.Get("/subscribe/{runnerID}", s.handleSubscribe)

				r.Group(func(r chi.Router) {
					r.Use(timeoutMiddleware(s.requestTimeout))
					r.Post("/notifications/{deliveryID}/ack", s.handleAck)

					r.Get("/self", s.handleRunnerSelf)
					r.Patch("/self", s.handleRenameSelf)
					r.Get("/runners", s.handleRunnerListForbidden)

					r.Route("/jobs", func(r chi.Router) {
						r.Get("/", s.handleListJobs)
						r.Post("/", s.handleCreateJob)
						r.Get("/{jobID}", s.handleGetJob)
						r.Put("/{jobID}", s.handleUpdateJob)
						r.Patch("/{jobID}", s.handleUpdateJob)
						r.Delete("/{jobID}", s.handleDeleteJob)
					})

					r.Route("/resources", func(r chi.Router) {
						r.Get("/", s.handleListResources)
						r.Post("/", s.handleUploadResource)
						r.Get("/{resourceID}/download", s.handleDownloadResource)
						r.Delete("/{resourceID}", s.handleDeleteResource)
					})
				})
			})
		})
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			respondJSON(w, map[string]string{"status": "degraded"}, http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
