// Package server exposes the generation engine over HTTP: session
// lifecycle, ordered progress streaming, artifact retrieval, and sandbox
// previews.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/appforge/internal/coordinator"
	"github.com/szaher/appforge/internal/scheduler"
	"github.com/szaher/appforge/internal/telemetry"
)

// Server is the engine's HTTP front end.
type Server struct {
	coord     *coordinator.Coordinator
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	startTime time.Time
	apiKey    string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication. Empty disables auth.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes a metrics registry at /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the HTTP server for a coordinator.
func NewServer(coord *coordinator.Coordinator, opts ...ServerOption) *Server {
	s := &Server{
		coord:     coord,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/generations", s.handleStartGeneration)
	mux.HandleFunc("GET /v1/generations", s.handleListGenerations)
	mux.HandleFunc("GET /v1/generations/{id}", s.handleGetGeneration)
	mux.HandleFunc("POST /v1/generations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/generations/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/generations/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /v1/generations/{id}/agents", s.handleAgents)
	mux.HandleFunc("GET /v1/generations/{id}/tasks", s.handleTasks)
	mux.HandleFunc("POST /v1/generations/{id}/preview", s.handlePreview)
	mux.HandleFunc("GET /v1/generations/{id}/logs", s.handleLogs)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.authMiddleware(s.mux),
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics don't require auth
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}

		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": len(s.coord.Sessions()),
		"version":  "0.1.0",
	})
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requirement string `json:"requirement"`
		Model       string `json:"model,omitempty"`
		Roles       []struct {
			Role      string   `json:"role"`
			DependsOn []string `json:"depends_on,omitempty"`
			Priority  int      `json:"priority,omitempty"`
		} `json:"roles,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	start := coordinator.StartRequest{
		Requirement: req.Requirement,
		Model:       req.Model,
	}
	for _, role := range req.Roles {
		start.Roles = append(start.Roles, scheduler.RoleSpec{
			Role:      role.Role,
			DependsOn: role.DependsOn,
			Priority:  role.Priority,
		})
	}

	view, err := s.coord.StartGeneration(r.Context(), start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.coord.Sessions(),
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.coord.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.coord.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, "cannot_cancel", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "cancelling",
	})
}

// handleEvents streams the session's ordered progress events over SSE
// until the session finishes or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stream, err := s.coord.Events(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-stream:
			if !ok {
				_, _ = fmt.Fprintf(w, "event: stream_closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := event.JSON()
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()
		}
	}
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	artifacts, err := s.coord.Artifacts(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
		return
	}

	items := make([]map[string]interface{}, len(artifacts))
	for i, a := range artifacts {
		items[i] = map[string]interface{}{
			"name":         a.Name,
			"role":         a.Role,
			"path":         a.Path,
			"content":      a.Content,
			"content_type": a.ContentType,
			"score":        a.Score,
			"version":      a.Version,
			"created_at":   a.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"artifacts":  items,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	states, err := s.coord.Agents(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"agents":     states,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tasks, err := s.coord.Tasks(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Session %q not found", id))
		return
	}

	items := make([]map[string]interface{}, len(tasks))
	for i, t := range tasks {
		items[i] = map[string]interface{}{
			"role":       t.Role,
			"depends_on": t.DependsOn,
			"priority":   t.Priority,
			"state":      string(t.State),
			"attempts":   t.Attempts,
			"last_error": t.LastError,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"tasks":      items,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.coord.LaunchPreview(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, "preview_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   id,
		"sandbox_id":   inst.SandboxID,
		"state":        string(inst.State),
		"project_type": string(inst.ProjectType),
		"port":         inst.Port,
		"preview_url":  inst.PreviewURL,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	maxLines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "lines must be a non-negative integer")
			return
		}
		maxLines = n
	}

	lines, err := s.coord.PreviewLogs(id, maxLines)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	items := make([]map[string]interface{}, len(lines))
	for i, line := range lines {
		items[i] = map[string]interface{}{
			"stream": line.Stream,
			"line":   line.Text,
			"at":     line.At.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"logs":       items,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
