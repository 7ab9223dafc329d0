package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/internal/tags"
)

// Starter resumes a finished torrent in the configured clients.
type Starter interface {
	StartAll(ctx context.Context, torrentPath string)
}

type Server struct {
	jobs      *jobs.Manager
	tags      *tags.Engine
	clients   Starter
	templates map[string]string

	router chi.Router
	server *http.Server
}

type Option func(*Server)

func WithTags(engine *tags.Engine) Option {
	return func(s *Server) {
		s.tags = engine
	}
}

func WithClients(clients Starter) Option {
	return func(s *Server) {
		s.clients = clients
	}
}

// WithTemplates sets the template allow-list served on /templates.
func WithTemplates(names map[string]string) Option {
	return func(s *Server) {
		s.templates = names
	}
}

func NewServer(manager *jobs.Manager, opts ...Option) *Server {
	s := &Server{
		jobs:      manager,
		templates: map[string]string{},
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/fill", s.handleFill)
	r.Post("/generate", s.handleSubmitJob)
	r.Get("/generate/{id}", s.handleJobNDJSON)
	r.Get("/generate/{id}/events", s.handleJobSSE)
	r.Get("/ws/generate/{id}", s.handleJobWebsocket)
	r.Get("/jobs", s.handleListJobs)
	r.Post("/submit", s.handleStartTorrent)
	r.Get("/suggestions", s.handlePendingSuggestions)
	r.Post("/suggestions", s.handleSuggestions)
	r.Get("/templates", s.handleTemplates)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}
