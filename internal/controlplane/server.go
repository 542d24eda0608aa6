package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaolou86/sjaiengine/internal/logging"
	"github.com/xiaolou86/sjaiengine/internal/orchestrator"
	"github.com/xiaolou86/sjaiengine/internal/store"
	"github.com/xiaolou86/sjaiengine/internal/version"
)

const refreshTimeout = 30 * time.Second

// Server provides the HTTP API for the engine.
type Server struct {
	service *Service
	hub     *Hub
	metrics http.Handler
	addr    string
	server  *http.Server
	log     zerolog.Logger
}

// NewServer creates a new HTTP server. A nil hub or metrics handler leaves
// that endpoint unregistered.
func NewServer(service *Service, hub *Hub, metrics http.Handler, addr string) *Server {
	s := &Server{
		service: service,
		hub:     hub,
		metrics: metrics,
		addr:    addr,
		log:     logging.For("api"),
	}
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/refresh", s.handleRefresh)

	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/alerts", s.handleAlerts)

	if s.hub != nil {
		mux.Handle("/events/ws", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start starts the HTTP server and blocks until it stops. Start after
// Shutdown returns nil without listening.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("control plane listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. It is safe to call before or
// concurrently with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK      bool               `json:"ok"`
	DB      string             `json:"db"`
	Version string             `json:"version"`
	Time    string             `json:"time"`
	Stats   orchestrator.Stats `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Stats:   s.service.Stats(),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleTasks handles GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.ListTasks())
}

// handleTaskByID handles GET /tasks/{id}
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view, err := s.service.GetTask(id)
	if errors.Is(err, ErrTaskNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleWorkers handles GET /workers
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.ListWorkers())
}

// handleRefresh handles POST /refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := s.service.Refresh(r.Context(), refreshTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("manual refresh failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEvents handles GET /events?task_id=&kind=&since=&limit=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	f := store.EventFilter{
		TaskID: q.Get("task_id"),
		Kind:   q.Get("kind"),
	}
	var err error
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, fmt.Sprintf("%v: since", ErrBadQuery), http.StatusBadRequest)
			return
		}
	}

	events, err := s.service.ListEvents(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAlerts handles GET /alerts?task_id=&limit=
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	alerts, err := s.service.ListAlerts(r.Context(), q.Get("task_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit", ErrBadQuery)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
