// Package transport provides HTTP API handlers.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/consensusbench/internal/bench"
	"github.com/gateway-fm/consensusbench/internal/storage"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Input validation constants
const (
	maxTransactions = 10_000_000 // Largest batch a single run may request
	maxSubmitRate   = 1_000_000  // Submissions per second
)

// validateStartRequest validates the start run request parameters
func validateStartRequest(req *types.StartRunRequest) error {
	if n := req.NumTransactions; n != nil {
		if *n < 0 {
			return fmt.Errorf("numTransactions cannot be negative, got %d", *n)
		}
		if *n > maxTransactions {
			return fmt.Errorf("numTransactions exceeds maximum of %d", maxTransactions)
		}
	}
	if r := req.SubmitRate; r != nil {
		if *r < 0 {
			return fmt.Errorf("submitRate cannot be negative, got %g", *r)
		}
		if *r > maxSubmitRate {
			return fmt.Errorf("submitRate exceeds maximum of %d", maxSubmitRate)
		}
	}
	return nil
}

// BenchAPI defines what the handlers need from the benchmark service.
type BenchAPI interface {
	StartRun(req types.StartRunRequest) error
	StopRun()
	Status() types.Progress

	History(limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(id string) (*storage.Run, error)
	DeleteRun(id string) error
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckStorage() error
	CheckBackend() error
}

// Server handles HTTP requests for the benchmark service.
type Server struct {
	api       BenchAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. Call Close to stop the progress
// stream.
func NewServer(api BenchAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the progress stream and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the live progress of the current or last run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleStart starts a run in the background. The body is optional.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.api.StartRun(req); err != nil {
		if errors.Is(err, bench.ErrRunInProgress) {
			s.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleStop cancels the current run; teardown still completes.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.api.StopRun()

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleHistory returns stored runs with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.History(limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET and DELETE on /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(runID); err != nil {
			if strings.Contains(err.Error(), "not found") {
				s.writeJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodGet:
		run, err := s.api.RunDetail(runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, run)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		for _, c := range []struct {
			name  string
			check func() error
		}{
			{"storage", s.health.CheckStorage},
			{"node-backend", s.health.CheckBackend},
		} {
			start := time.Now()
			err := c.check()
			check := ReadinessCheck{
				Name:      c.name,
				Status:    "ok",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = "failed"
				check.Error = err.Error()
				allHealthy = false
			}
			checks = append(checks, check)
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}
