package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/engine"
)

// Server is the secretary HTTP command API. It is the only way commands reach
// the engine from outside the process.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server around the engine.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/trackers", s.handleListTrackers)
			r.Post("/trackers", s.handleStartTracker)
			r.Delete("/trackers/{selector}", s.handleStopTracker)

			r.Get("/windows", s.handleListWindows)
			r.Post("/windows", s.handleCreateWindow)
			r.Delete("/windows/{windowID}", s.handleCancelWindow)

			r.Post("/state", s.handleUpdateState)
			r.Post("/messages", s.handleRecordMessage)
			r.Get("/next", s.handleNext)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"degraded": s.engine.Degraded(),
	})
}
