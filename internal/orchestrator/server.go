// Package orchestrator is the Sprint Orchestrator's external surface:
// the REST API, the /ws observer protocol, and the lifecycle glue
// between HTTP requests, the State Store, the Queue Broker, the Wave
// Scheduler, and the Approval Gate. A gorilla/mux router under a
// security-headers middleware fronts a websocket Hub and JSON
// request/response helpers.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/sprintforge/orchestrator/internal/approval"
	"github.com/sprintforge/orchestrator/internal/config"
	"github.com/sprintforge/orchestrator/internal/events"
	"github.com/sprintforge/orchestrator/internal/queue"
	"github.com/sprintforge/orchestrator/internal/state"
	"github.com/sprintforge/orchestrator/internal/workers"
)

// Server is the process's single HTTP/WebSocket entry point.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	store    *state.Store
	bus      *events.Bus
	broker   *queue.Broker
	deps     *workers.Deps
	approval *approval.Gate
	cfg      *config.Config

	startTime time.Time
}

// New builds a Server wired to every collaborator it fronts. Routes
// are registered immediately; ListenAndServe starts accepting
// connections.
func New(cfg *config.Config, store *state.Store, bus *events.Bus, broker *queue.Broker, deps *workers.Deps, gate *approval.Gate) *Server {
	s := &Server{
		store:     store,
		bus:       bus,
		broker:    broker,
		deps:      deps,
		approval:  gate,
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.hub = NewHub(s)
	s.router = mux.NewRouter()
	s.setupRoutes()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}).Handler(securityHeaders(s.router))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes registers the REST surface and /ws under a /api
// subrouter.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sprints", s.handleListSprints).Methods(http.MethodGet)
	api.HandleFunc("/sprints", s.handleCreateSprint).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}", s.handleGetSprint).Methods(http.MethodGet)
	api.HandleFunc("/sprints/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/restart", s.handleRestart).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/merge-local", s.handleMergeLocal).Methods(http.MethodPost)
	api.HandleFunc("/sprints/{id}/spec", s.handleGetSpec).Methods(http.MethodGet)
	api.HandleFunc("/sprints/{id}/logs", s.handleGetLogs).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{sprint}/{task}/retry", s.handleRetryTask).Methods(http.MethodPost)

	api.HandleFunc("/system/browse", s.handleBrowse).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.HandleWebSocket)
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	log.Printf("[ORCHESTRATOR] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
