// Package server provides the valence HTTP server.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/config"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
	"git.cscs.ch/openchami/chamicore-valence/internal/podmanager"
	"git.cscs.ch/openchami/chamicore-valence/internal/reconcile"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/pkg/types"
)

const maxBodyBytes = 1 << 20

// Pinger reports datastore reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PodManagers is the pod manager API surface.
type PodManagers interface {
	Create(ctx context.Context, req podmanager.CreateRequest) (model.PodManager, error)
	Get(ctx context.Context, id string) (podmanager.View, error)
	List(ctx context.Context) ([]model.PodManager, error)
	Update(ctx context.Context, id string, req podmanager.UpdateRequest) (model.PodManager, error)
	Delete(ctx context.Context, id string) (store.CascadeCounts, error)
	Systems(ctx context.Context, id string, filters map[string]string) ([]driver.SystemSummary, error)
	System(ctx context.Context, id, systemID string) (driver.SystemDetail, error)
	Racks(ctx context.Context, id string) ([]driver.Rack, error)
	Rack(ctx context.Context, id, rackID string) (driver.Rack, error)
}

// Nodes is the composed node and task API surface.
type Nodes interface {
	Compose(ctx context.Context, req compose.ComposeRequest) (compose.Node, error)
	ComposeAsync(ctx context.Context, req compose.ComposeRequest) (model.Task, error)
	ListNodes(ctx context.Context, filter store.Filter) ([]model.ComposedNode, error)
	GetNode(ctx context.Context, id string) (compose.Node, error)
	DeleteNode(ctx context.Context, id string) (driver.Confirmation, error)
	NodeAction(ctx context.Context, id string, raw []byte) (driver.Confirmation, error)
	ManageNode(ctx context.Context, req compose.ManageRequest) (compose.Node, error)
	IronicParams(ctx context.Context, id string, overrides map[string]any) (driver.IronicParams, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Devices is the pooled device API surface.
type Devices interface {
	ListDevices(ctx context.Context, filter store.Filter) ([]model.Device, error)
	GetDevice(ctx context.Context, id string) (model.Device, error)
	AttachDevice(ctx context.Context, deviceID string, req reconcile.AttachRequest) (driver.Confirmation, error)
	DetachDevice(ctx context.Context, deviceID string) (driver.Confirmation, error)
	SynchronizeDevices(ctx context.Context, podmID string) ([]reconcile.Result, error)
	Statuses() []reconcile.Status
}

// Server wraps HTTP routes and dependencies.
type Server struct {
	db          Pinger
	podms       PodManagers
	nodes       Nodes
	devices     Devices
	cfg         config.Config
	logger      zerolog.Logger
	version     string
	commit      string
	buildDate   string
	openapiSpec []byte
	router      chi.Router
}

// Option configures server construction.
type Option func(*Server)

// WithOpenAPISpec sets the embedded OpenAPI bytes.
func WithOpenAPISpec(spec []byte) Option {
	return func(s *Server) {
		s.openapiSpec = spec
	}
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New constructs a valence API server.
func New(db Pinger, podms PodManagers, nodes Nodes, devices Devices, cfg config.Config, version, commit, buildDate string, opts ...Option) *Server {
	s := &Server{
		db:        db,
		podms:     podms,
		nodes:     nodes,
		devices:   devices,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		version:   version,
		commit:    commit,
		buildDate: buildDate,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(middleware.RequestSize(maxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondProblem(w, r, http.StatusNotFound, "NotFound", "Not found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondProblem(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed", r.Method+" is not allowed on "+r.URL.Path)
	})

	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/version", s.handleVersion)
		if s.cfg.MetricsEnabled {
			r.Method(http.MethodGet, "/metrics", metrics.Handler())
		}
		r.Get("/api/openapi.yaml", s.handleOpenAPI)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pod_managers", func(r chi.Router) {
			r.Get("/", s.handleListPodManagers)
			r.Post("/", s.handleCreatePodManager)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPodManager)
				r.Patch("/", s.handleUpdatePodManager)
				r.Delete("/", s.handleDeletePodManager)
				r.Get("/systems", s.handleListSystems)
				r.Get("/systems/{system_id}", s.handleGetSystem)
				r.Get("/racks", s.handleListRacks)
				r.Get("/racks/{rack_id}", s.handleGetRack)
			})
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Post("/", s.handleComposeNode)
			r.Post("/manage", s.handleManageNode)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Delete("/", s.handleDeleteNode)
				r.Post("/action", s.handleNodeAction)
				r.Get("/ironic_params", s.handleIronicParams)
				r.Post("/ironic_params", s.handleIronicParams)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/sync", s.handleSyncDevices)
			r.Get("/sync/status", s.handleSyncStatus)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/attach", s.handleAttachDevice)
				r.Post("/detach", s.handleDetachDevice)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, types.HealthStatus{Status: "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, types.HealthStatus{Status: "unavailable", Detail: "datastore unreachable"})
		return
	}
	respondJSON(w, http.StatusOK, types.HealthStatus{Status: "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, types.VersionInfo{Version: s.version, Commit: s.commit, BuildDate: s.buildDate})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if len(s.openapiSpec) == 0 {
		respondProblem(w, r, http.StatusNotFound, "NotFound", "Not found", "openapi document is not bundled")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.openapiSpec)
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
