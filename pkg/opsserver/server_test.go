package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"

	"agentpool/pkg/config"
	"agentpool/pkg/dispatch"
	"agentpool/pkg/logx"
	"agentpool/pkg/metrics"
	"agentpool/pkg/pool"
	"agentpool/pkg/strategy"
)

func newTestServer(t *testing.T) (*dispatch.Dispatcher, *Server) {
	t.Helper()
	d, err := dispatch.New(nil, dispatch.Options{})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return d, NewServer(d, nil)
}

func TestHandleHealthz(t *testing.T) {
	_, server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
	if resp["version"] == "" {
		t.Error("Expected a version in the response")
	}
}

func TestHandleHealthzRejectsPost(t *testing.T) {
	_, server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealthz(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleReadyzBeforeStart(t *testing.T) {
	_, server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	server.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 before Start, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["status"] != "starting" {
		t.Errorf("Expected status starting, got %s", resp["status"])
	}
}

func TestHandleReadyzWhileRunning(t *testing.T) {
	cfg := config.Default()
	cfg.HealthInterval = model.Duration(50 * time.Millisecond)
	cfg.ProbeTimeout = model.Duration(10 * time.Millisecond)
	d, err := dispatch.New(&cfg, dispatch.Options{})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	server := NewServer(d, nil)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	server.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 while running, got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	d, server := newTestServer(t)

	for _, cfg := range []pool.InstanceConfig{
		{ID: "nina-1", AgentType: "nina", Endpoint: "http://127.0.0.1:9001", Capacity: 4},
		{ID: "nina-2", AgentType: "nina", Endpoint: "http://127.0.0.1:9002", Capacity: 4},
		{ID: "argo-1", AgentType: "argo", Endpoint: "http://127.0.0.1:9011", Capacity: 2},
	} {
		if err := d.Register(cfg); err != nil {
			t.Fatalf("Failed to register %s: %v", cfg.ID, err)
		}
	}

	inst, err := d.SelectInstance("nina", strategy.Hints{})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	err = d.ReportOutcome(dispatch.Outcome{
		AgentType:       "nina",
		InstanceID:      inst.ID(),
		Success:         true,
		ExecutionTimeMs: 80,
		CostCents:       10,
	})
	if err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()

	var resp StatusResponse
	if err := json.NewDecoder(strings.NewReader(body)).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Running {
		t.Error("Expected running false before Start")
	}
	if len(resp.AgentTypes["nina"]) != 2 {
		t.Errorf("Expected 2 nina rows, got %d", len(resp.AgentTypes["nina"]))
	}
	if len(resp.AgentTypes["argo"]) != 1 {
		t.Errorf("Expected 1 argo row, got %d", len(resp.AgentTypes["argo"]))
	}

	row := resp.AgentTypes["argo"][0]
	if row.Status != "healthy" {
		t.Errorf("Expected healthy argo, got %s", row.Status)
	}
	if row.CircuitState != "CLOSED" {
		t.Errorf("Expected CLOSED circuit, got %s", row.CircuitState)
	}
	if row.Load != 0 {
		t.Errorf("Expected load 0, got %d", row.Load)
	}

	// The reported outcome shows up in the instance's rolling perf.
	var served *InstanceStatus
	for i := range resp.AgentTypes["nina"] {
		if resp.AgentTypes["nina"][i].ID == inst.ID() {
			served = &resp.AgentTypes["nina"][i]
		}
	}
	if served == nil {
		t.Fatalf("Expected %s in the status rows", inst.ID())
	}
	if served.Perf.TotalRequests != 1 {
		t.Errorf("Expected 1 total request, got %d", served.Perf.TotalRequests)
	}

	// No alerts yet, but the field must be an array, not null.
	if !strings.Contains(body, `"active_alerts":[]`) {
		t.Errorf("Expected empty active_alerts array in body: %s", body)
	}
}

func TestHandleLogs(t *testing.T) {
	_, server := newTestServer(t)

	logger := logx.NewLogger("opstest")
	logger.Info("first line for the tail")
	logger.Info("second line for the tail")

	req := httptest.NewRequest(http.MethodGet, "/logs?n=5", nil)
	w := httptest.NewRecorder()
	server.handleLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var entries []logx.Entry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(entries) == 0 || len(entries) > 5 {
		t.Errorf("Expected between 1 and 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Timestamp == "" || e.Level == "" {
			t.Errorf("Entry %d is missing fields: %+v", i, e)
		}
	}
}

func TestHandleLogsRejectsBadCount(t *testing.T) {
	_, server := newTestServer(t)

	for _, n := range []string{"abc", "-1", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/logs?n="+n, nil)
		w := httptest.NewRecorder()
		server.handleLogs(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("n=%s: expected status 400, got %d", n, w.Code)
		}
	}
}

func TestHandleUsageDisabled(t *testing.T) {
	_, server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/usage?agent_type=nina", nil)
	w := httptest.NewRecorder()
	server.handleUsage(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without a query service, got %d", w.Code)
	}
}

func TestHandleUsageValidation(t *testing.T) {
	d, _ := newTestServer(t)
	qs, err := metrics.NewQueryService("http://127.0.0.1:19090")
	if err != nil {
		t.Fatalf("Failed to create query service: %v", err)
	}
	server := NewServer(d, qs)

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	w := httptest.NewRecorder()
	server.handleUsage(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without agent_type, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/usage?agent_type=nina&window=soon", nil)
	w = httptest.NewRecorder()
	server.handleUsage(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad window, got %d", w.Code)
	}
}

func TestRegisteredRoutesServeMetrics(t *testing.T) {
	_, server := newTestServer(t)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /metrics, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("Expected a metrics exposition body")
	}
}
