// Package opsserver exposes the pool's operational surface over HTTP:
// liveness and readiness checks, Prometheus metrics, a JSON status view,
// a log tail, and aggregate usage queries.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentpool/pkg/alert"
	"agentpool/pkg/dispatch"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
	"agentpool/pkg/version"
)

const (
	defaultLogTail  = 100
	maxLogTail      = 1000
	defaultUsageWin = time.Hour
	shutdownGrace   = 5 * time.Second
)

// Server serves the operational HTTP endpoints for one dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	usage      *metrics.QueryService // nil when telemetry queries are disabled
	logger     *logx.Logger
}

// InstanceStatus is one instance's row in the status response.
type InstanceStatus struct {
	ID              string    `json:"id"`
	Endpoint        string    `json:"endpoint"`
	Status          string    `json:"status"`
	Load            int       `json:"load"`
	Capacity        int       `json:"capacity"`
	CircuitState    string    `json:"circuit_state"`
	Perf            pool.Perf `json:"perf"`
	LastHealthCheck time.Time `json:"last_health_check,omitzero"`
}

// StatusResponse is the full pool view returned by GET /status.
type StatusResponse struct {
	Running      bool                        `json:"running"`
	Version      string                      `json:"version"`
	Strategy     string                      `json:"strategy"`
	AgentTypes   map[string][]InstanceStatus `json:"agent_types"`
	ActiveAlerts []alert.Alert               `json:"active_alerts"`
	SpentCents   map[string]int64            `json:"spent_cents"`
}

// NewServer creates an ops server for the dispatcher. A nil usage service
// disables the /usage endpoint.
func NewServer(dispatcher *dispatch.Dispatcher, usage *metrics.QueryService) *Server {
	return &Server{
		dispatcher: dispatcher,
		usage:      usage,
		logger:     logx.NewLogger("opsserver"),
	}
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/usage", s.handleUsage)
}

// StartServer starts the HTTP server on addr and shuts it down when ctx is
// cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting ops server on %s", addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Graceful shutdown - use background context with timeout since parent is cancelled.
		s.logger.Info("Shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}

// handleHealthz implements GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReadyz implements GET /readyz. Ready means the monitor loop runs.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.dispatcher.GetStats().Running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "starting"}); err != nil {
			s.logger.Error("Failed to encode readiness response: %v", err)
		}
		return
	}

	s.writeJSON(w, map[string]string{"status": "ready"})
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.dispatcher.GetStats()
	resp := StatusResponse{
		Running:    stats.Running,
		Version:    version.Version,
		Strategy:   stats.Strategy,
		AgentTypes: make(map[string][]InstanceStatus),
		SpentCents: stats.SpentCents,
	}

	// All() is sorted by agent type then ID, so rows stay in stable order.
	for _, inst := range s.dispatcher.Instances() {
		row := InstanceStatus{
			ID:              inst.ID(),
			Endpoint:        inst.Endpoint(),
			Status:          string(inst.Status()),
			Load:            inst.Load(),
			Capacity:        inst.Capacity(),
			Perf:            inst.Perf(),
			LastHealthCheck: inst.LastHealthCheck(),
		}
		if cs, err := s.dispatcher.CircuitStats(inst.ID()); err == nil {
			row.CircuitState = cs.State.String()
		}
		resp.AgentTypes[inst.AgentType()] = append(resp.AgentTypes[inst.AgentType()], row)
	}

	resp.ActiveAlerts = s.dispatcher.ActiveAlerts()
	if resp.ActiveAlerts == nil {
		resp.ActiveAlerts = []alert.Alert{}
	}

	s.writeJSON(w, resp)
}

// handleLogs implements GET /logs?n=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := defaultLogTail
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid n parameter (positive integer)", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if n > maxLogTail {
		n = maxLogTail
	}

	s.writeJSON(w, logx.Recent(n))
}

// handleUsage implements GET /usage?agent_type=&window=. It answers from the
// external Prometheus server and is disabled without one.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.usage == nil {
		http.Error(w, "Usage queries disabled (no prometheus_url configured)", http.StatusNotFound)
		return
	}

	agentType := r.URL.Query().Get("agent_type")
	if agentType == "" {
		http.Error(w, "Missing agent_type parameter", http.StatusBadRequest)
		return
	}

	window := defaultUsageWin
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid window parameter (use a duration like 1h)", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	usage, err := s.usage.GetAgentTypeUsage(r.Context(), agentType, window)
	if err != nil {
		s.logger.Error("Usage query for %s failed: %v", agentType, err)
		http.Error(w, fmt.Sprintf("Usage query failed: %v", err), http.StatusBadGateway)
		return
	}

	s.writeJSON(w, usage)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
