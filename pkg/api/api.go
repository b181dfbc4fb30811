package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/gitws"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/registry"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// SessionService is the slice of the session manager the API needs
type SessionService interface {
	Start(ctx context.Context, userID, siteName string) (*types.EditingSession, error)
	Commit(ctx context.Context, sessionID, message string) (string, error)
	Deploy(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	HandleFileSaved(ctx context.Context, sessionID, relPath string) error
}

// ContainerService is the slice of the supervisor the API needs
type ContainerService interface {
	Create(ctx context.Context, spec supervisor.Spec, role types.ContainerRole) (*types.Container, error)
	Stop(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) bool
	Get(name string) (*types.Container, bool)
}

// Config carries the API server's settings
type Config struct {
	RootDir string // sites live under <RootDir>/<name>
	Domain  string
}

// Server exposes the control plane over HTTP
type Server struct {
	cfg        Config
	store      registry.Store
	sessions   SessionService
	containers ContainerService
	git        *gitws.Workspace
	logger     zerolog.Logger
}

// NewServer wires the API to its collaborators
func NewServer(cfg Config, store registry.Store, sessions SessionService, containers ContainerService, git *gitws.Workspace) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		containers: containers,
		git:        git,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the HTTP surface. Everything under /api requires a caller
// identity; /health and /metrics stay open for infrastructure.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireCaller)

		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.handleListSites)
			r.Post("/", s.handleCreateSite)
			r.Get("/{id}", s.handleGetSite)
			r.Patch("/{id}", s.handleUpdateSite)
			r.Delete("/{id}", s.handleDeleteSite)
			r.Post("/{id}/deploy", s.handleDeploySite)
			r.Patch("/{id}/env", s.handleUpdateEnv)

			r.Route("/{name}/edit", func(r chi.Router) {
				r.Post("/start", s.handleEditStart)
				r.Get("/status", s.handleEditStatus)
				r.Post("/{sid}/commit", s.handleEditCommit)
				r.Post("/{sid}/deploy", s.handleEditDeploy)
				r.Delete("/{sid}", s.handleEditCancel)
			})

			r.Get("/{name}/tree", s.handleFileTree)
			r.Get("/{name}/file/*", s.handleFileRead)
			r.Put("/{name}/file/*", s.handleFileWrite)
			r.Post("/{name}/file/*", s.handleFileWrite)
			r.Delete("/{name}/file/*", s.handleFileDelete)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
