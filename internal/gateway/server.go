package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/gateway/ws"
	"github.com/dohr-michael/taskdeck/internal/runner"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/tasks"
)

// Engine is the run engine surface exposed over HTTP and WebSocket.
type Engine interface {
	ws.Engine
	GetTaskRuns(ctx context.Context, taskID string) ([]*runs.Run, error)
	GetActiveRunForTask(ctx context.Context, taskID string) (*runs.Run, error)
}

// Options configure a Server.
type Options struct {
	Host string
	Port int
	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
}

// Server is the taskdeck gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	engine     Engine
	tasks      tasks.Store
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, engine Engine, taskStore tasks.Store, opts Options) *Server {
	hub := ws.NewHub(engine)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:    hub,
		bus:    bus,
		engine: engine,
		tasks:  taskStore,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	// API: tasks
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Get("/{taskID}/runs", s.handleTaskRuns)
		r.Post("/{taskID}/runs", s.handleStartRun)
		r.Get("/{taskID}/runs/active", s.handleActiveRun)
	})

	// API: runs
	r.Route("/api/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Post("/cancel", s.handleCancelRun)
		r.Post("/complete", s.handleCompleteRun)
	})

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("taskdeck gateway listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit := 50
	if limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID          string             `json:"id"`
		WorkspaceID string             `json:"workspace_id,omitempty"`
		TaskID      string             `json:"task_id,omitempty"`
		Type        string             `json:"type"`
		Timestamp   string             `json:"timestamp"`
		Source      events.EventSource `json:"source"`
		Payload     map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:          e.ID,
			WorkspaceID: e.WorkspaceID,
			TaskID:      e.TaskID,
			Type:        string(e.Type),
			Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
			Source:      e.Source,
			Payload:     e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps engine and store errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var ve *runner.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if ve.Conflict() {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": ve.Message, "reason": string(ve.Reason)})
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, runs.ErrTaskNotFound), errors.Is(err, tasks.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}
