package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"agentd/internal/domain"
)

// Metrics tracks gateway counters for the status API and /metrics.
type Metrics struct {
	ConnectionsTotal  atomic.Int64
	ConnectionsActive atomic.Int64
	MessagesReceived  atomic.Int64
	MessagesSent      atomic.Int64
	SlowConsumers     atomic.Int64
	AuthFailures      atomic.Int64
	Callbacks         atomic.Int64
	CallbackErrors    atomic.Int64
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       string        `json:"service"`
	Version       string        `json:"version,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Classes       []string      `json:"classes"`
	ActorsLoaded  int           `json:"actors_loaded"`
	Connections   ConnStatus    `json:"connections"`
	Messages      MessageStatus `json:"messages"`
}

// ConnStatus holds observer connection counts.
type ConnStatus struct {
	Active int64 `json:"active"`
	Total  int64 `json:"total"`
}

// MessageStatus holds frame counters.
type MessageStatus struct {
	Received int64 `json:"received"`
	Sent     int64 `json:"sent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admit(w, r, domain.PermStatusView, "status"); !ok {
		return
	}
	conns := ConnStatus{
		Active: s.metrics.ConnectionsActive.Load(),
		Total:  s.metrics.ConnectionsTotal.Load(),
	}
	msgs := MessageStatus{
		Received: s.metrics.MessagesReceived.Load(),
		Sent:     s.metrics.MessagesSent.Load(),
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Service:       "agentd",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Classes:       s.host.Classes(),
		ActorsLoaded:  s.host.Len(),
		Connections:   conns,
		Messages:      msgs,
	})
}

// handleMetrics writes the Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admit(w, r, domain.PermStatusView, "metrics"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := s.metrics
	for _, metric := range []struct {
		name, help, kind string
		value            int64
	}{
		{"agentd_connections_active", "Observer connections currently open.", "gauge", m.ConnectionsActive.Load()},
		{"agentd_connections_total", "Observer connections accepted.", "counter", m.ConnectionsTotal.Load()},
		{"agentd_actors_loaded", "Actor instances held in memory.", "gauge", int64(s.host.Len())},
		{"agentd_messages_received_total", "Frames received from observers.", "counter", m.MessagesReceived.Load()},
		{"agentd_messages_sent_total", "Frames written to observers.", "counter", m.MessagesSent.Load()},
		{"agentd_slow_consumers_total", "Observers disconnected for a full send buffer.", "counter", m.SlowConsumers.Load()},
		{"agentd_auth_failures_total", "Rejected gateway credentials.", "counter", m.AuthFailures.Load()},
		{"agentd_oauth_callbacks_total", "OAuth callbacks received.", "counter", m.Callbacks.Load()},
		{"agentd_oauth_callback_errors_total", "OAuth callbacks that failed.", "counter", m.CallbackErrors.Load()},
		{"agentd_goroutines", "Number of goroutines.", "gauge", int64(runtime.NumGoroutine())},
		{"agentd_uptime_seconds", "Seconds since the gateway started.", "gauge", int64(time.Since(s.started).Seconds())},
	} {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}
