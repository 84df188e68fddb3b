// Package pifs wires every collaborator of spec.md §4 into the HTTP
// surface of spec.md §6: a chi.Mux with one handler per method/path pair,
// authentication resolved once per request and stashed on the request
// context, and every handler-returned error translated at the edge by
// pkg/errhandler. It follows the same chi-based service shape as the
// teacher corpus's internal/http/services/owncloud/ocapi ("a chi.Mux plus
// typed route handlers, wrapped by a thin svc for Handler()/Prefix()"),
// generalized from ocapi's static-content routes to PIFS's stateful
// upload/delete/task surface.
package pifs

import (
	"net/http"
	"time"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/datasetguard"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/metrics"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/trash"
	"github.com/csc-fi/pifs/pkg/tusadapter"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/tus/tusd/v2/pkg/handler"
)

// Config is the subset of pkg/config.Config the HTTP layer needs directly
// (everything else is already baked into the collaborators passed to New).
type Config struct {
	ProjectsPath string
	TusBasePath  string
}

// Deps collects every collaborator a handler may need. The caller (cmd/pifsd)
// builds each of these once at startup and passes them here, per the Design
// Note "global client singletons -> lifecycle objects owned by the
// application root, injected into handlers" (spec.md §9).
type Deps struct {
	Store      store.Store
	Locks      *lockmanager.Manager
	Catalogue  *catalogue.Client
	Quota      *quota.Accountant
	Guard      *datasetguard.Guard
	Queue      *taskqueue.Queue
	Uploads    *upload.Service
	Trash      *trash.Mover
	Auth       *auth.Resolver
	Tus        *handler.UnroutedHandler
	Metrics    *metrics.Metrics
	Log        *zerolog.Logger
}

// Service is the PIFS HTTP service: a chi.Mux plus the dependency set every
// handler closes over.
type Service struct {
	cfg  Config
	deps Deps
	mux  *chi.Mux
}

// New builds the full route table of spec.md §6.
func New(cfg Config, deps Deps) *Service {
	s := &Service{cfg: cfg, deps: deps, mux: chi.NewRouter()}
	s.mux.Use(s.requestLogger)
	s.mux.Use(s.authenticate)

	s.mux.Route("/v1/files/{pid}", func(r chi.Router) {
		r.Post("/*", s.handleUploadFile)
		r.Get("/*", s.handleGetFile)
		r.Delete("/*", s.handleDeleteFile)
		r.Post("/", s.handleUploadFile)
		r.Get("/", s.handleGetFile)
		r.Delete("/", s.handleDeleteFile)
	})

	s.mux.Post("/v1/archives/{pid}", s.handleUploadArchive)

	s.mux.Handle("/v1/files_tus", s.tusHandler())
	s.mux.Handle("/v1/files_tus/*", s.tusHandler())

	s.mux.Get("/v1/tasks/{id}", s.handleGetTask)
	s.mux.Delete("/v1/tasks/{id}", s.handleDeleteTask)

	s.mux.Route("/v1/directories/{pid}", func(r chi.Router) {
		r.Post("/*", s.handleCreateDirectory)
		r.Post("/", s.handleCreateDirectory)
	})

	s.mux.Route("/v1/datasets/{pid}", func(r chi.Router) {
		r.Get("/*", s.handleListDatasets)
		r.Get("/", s.handleListDatasets)
	})

	s.mux.Route("/v1/tokens", func(r chi.Router) {
		r.Post("/", s.handleCreateToken)
		r.Get("/", s.handleListTokens)
		r.Delete("/{id}", s.handleDeleteToken)
	})

	s.mux.Get("/v1/users/projects", s.handleListProjects)

	return s
}

// Handler returns the root http.Handler, the shape the teacher's services
// expose to rhttp's dispatcher.
func (s *Service) Handler() http.Handler { return s.mux }

// Prefix matches the teacher's global.Service convention; PIFS mounts at
// the root because every route already carries its own /v1/... prefix.
func (s *Service) Prefix() string { return "" }

func (s *Service) tusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := tusadapter.WithPrincipal(r.Context(), p)
		s.deps.Tus.ServeHTTP(w, r.WithContext(ctx))
	})
}

const defaultTimeout = 30 * time.Second
