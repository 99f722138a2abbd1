package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides the HTTP API for runq.
type Server struct {
	service *Service
	addr    string
	version string
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr, version string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		version: version,
		log:     slog.Default().With("component", "http"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/namespaces", s.handleNamespaces)
	mux.HandleFunc("/runners", s.handleRunners)
	mux.HandleFunc("/runners/", s.handleRunnerByID)
	mux.HandleFunc("/audit", s.handleAudit)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("starting runq daemon", "addr", s.addr, "namespace", s.service.Namespace())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "status" && r.Method == http.MethodPost:
		s.updateStatus(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	case action == "await" && r.Method == http.MethodPost:
		s.awaitResponse(w, r, taskID)
	case action == "respond" && r.Method == http.MethodPost:
		s.respond(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Task Handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	item, err := s.service.EnqueueTask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.service.ListTasks(r.Context(), TaskFilter{
		Status:      models.TaskStatus(strings.ToUpper(q.Get("status"))),
		TaskGroupID: q.Get("group"),
		Namespace:   q.Get("namespace"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	item, err := s.service.GetTask(r.Context(), taskID, r.URL.Query().Get("namespace"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if item == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type statusRequest struct {
	Status models.TaskStatus `json:"status"`
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.service.UpdateStatus(r.Context(), taskID, req.Status)
	s.writeResult(w, res, err)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	res, err := s.service.CancelTask(r.Context(), taskID)
	s.writeResult(w, res, err)
}

func (s *Server) awaitResponse(w http.ResponseWriter, r *http.Request, taskID string) {
	var req AwaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.service.AwaitResponse(r.Context(), taskID, req)
	s.writeResult(w, res, err)
}

type respondRequest struct {
	Response string `json:"response"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, taskID string) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.service.Respond(r.Context(), taskID, req.Response)
	s.writeResult(w, res, err)
}

// --- Summary Handlers ---

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	groups, err := s.service.ListTaskGroups(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if groups == nil {
		groups = []models.TaskGroupSummary{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	namespaces, err := s.service.ListNamespaces(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if namespaces == nil {
		namespaces = []models.NamespaceSummary{}
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			http.Error(w, "timeout_ms must be a non-negative integer", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	runners, err := s.service.ListRunners(r.Context(), timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runners == nil {
		runners = []models.RunnerWithStatus{}
	}
	writeJSON(w, http.StatusOK, runners)
}

// handleRunnerByID handles DELETE /runners/{id}
func (s *Server) handleRunnerByID(w http.ResponseWriter, r *http.Request) {
	runnerID := strings.TrimPrefix(r.URL.Path, "/runners/")
	if runnerID == "" || strings.Contains(runnerID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ok, err := s.service.DeleteRunner(r.Context(), runnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "runner not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.service.ListAudit(r.Context(), q.Get("task_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func (s *Server) writeResult(w http.ResponseWriter, res queue.StatusUpdateResult, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, httpStatusForResult(res), res)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatusForError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
