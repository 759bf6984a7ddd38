// Package health serves the agent's HTTP health endpoints
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/telem"
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Agent is the view of the measurement agent the endpoints need
type Agent interface {
	Running() bool
	Counters() map[string]int64
	LastLocation() (pkg.Location, bool)
	Radius() float64
}

// Server provides health check endpoints for covmond
type Server struct {
	agent     Agent
	store     *telem.Store
	logger    *logx.Logger
	version   string
	startTime time.Time

	mu         sync.RWMutex
	components map[string]Component
	lastError  *ErrorInfo
	server     *http.Server
	listener   net.Listener
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     time.Duration        `json:"uptime"`
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`
	Statistics *Statistics          `json:"statistics,omitempty"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
	LastError  *ErrorInfo           `json:"last_error,omitempty"`
	Warning    *pkg.WarningEvent    `json:"warning,omitempty"`
}

// Component represents the health of a component
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// Statistics summarises what the agent has measured
type Statistics struct {
	Counters       map[string]int64 `json:"counters"`
	TotalWarnings  int              `json:"total_warnings"`
	WarningReasons map[string]int   `json:"warning_reasons"`
	RadiusMeters   float64          `json:"distance_filter_radius_m"`
	LastLocation   *pkg.Location    `json:"last_location,omitempty"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
}

// ErrorInfo represents error information
type ErrorInfo struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
}

// NewServer creates a new health server. store may be nil.
func NewServer(agent Agent, store *telem.Store, logger *logx.Logger, version string) *Server {
	if logger == nil {
		logger = logx.New("error")
	}
	return &Server{
		agent:      agent,
		store:      store,
		logger:     logger,
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Component),
	}
}

// Handler returns the endpoint mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/detailed", s.detailedHealthHandler)
	mux.HandleFunc("/health/warning", s.warningHandler)
	mux.HandleFunc("/health/counters", s.countersHandler)
	mux.HandleFunc("/health/ready", s.readyHandler)
	mux.HandleFunc("/health/live", s.liveHandler)
	return mux
}

// Start serves the endpoints on addr (host:port)
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("health server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting health server", "addr", ln.Addr().String())
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when not running
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the health server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping health server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus()
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.getDetailedHealthStatus())
}

// warningHandler returns the newest watchdog event
func (s *Server) warningHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ev, ok := s.store.LastEvent()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	counters := map[string]int64{}
	if s.agent != nil {
		counters = s.agent.Counters()
	}
	writeJSON(w, http.StatusOK, counters)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.getHealthStatus().Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) getHealthStatus() HealthStatus {
	now := time.Now()
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  now,
		Uptime:     time.Since(s.startTime),
		Version:    s.version,
		Components: make(map[string]Component),
	}

	agent := Component{Status: StatusHealthy, Message: "agent is running", LastCheck: now}
	if s.agent == nil || !s.agent.Running() {
		agent = Component{Status: StatusUnhealthy, Message: "agent is not running", LastCheck: now}
	}
	status.Components["agent"] = agent

	s.mu.RLock()
	for name, c := range s.components {
		status.Components[name] = c
	}
	s.mu.RUnlock()

	for _, c := range status.Components {
		if c.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
			break
		}
		if c.Status == StatusDegraded {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (s *Server) getDetailedHealthStatus() HealthStatus {
	status := s.getHealthStatus()
	stats := s.getStatistics()
	mem := s.getMemoryInfo()
	status.Statistics = &stats
	status.Memory = &mem

	s.mu.RLock()
	if s.lastError != nil {
		e := *s.lastError
		status.LastError = &e
	}
	s.mu.RUnlock()

	if s.store != nil {
		if ev, ok := s.store.LastEvent(); ok {
			status.Warning = &ev
		}
	}
	return status
}

func (s *Server) getStatistics() Statistics {
	stats := Statistics{WarningReasons: make(map[string]int)}

	if s.agent != nil {
		stats.Counters = s.agent.Counters()
		stats.RadiusMeters = s.agent.Radius()
		if loc, ok := s.agent.LastLocation(); ok {
			stats.LastLocation = &loc
		}
	}

	if s.store != nil {
		events := s.store.GetEvents(0)
		stats.TotalWarnings = len(events)
		for _, ev := range events {
			stats.WarningReasons[ev.Reason]++
		}
	}
	return stats
}

func (s *Server) getMemoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
	}
}

// UpdateComponentHealth sets the status of a named component
func (s *Server) UpdateComponentHealth(componentName, status, message string) {
	s.mu.Lock()
	s.components[componentName] = Component{Status: status, Message: message, LastCheck: time.Now()}
	s.mu.Unlock()

	s.logger.Debug("Component health update", "component", componentName, "status", status, "message", message)
}

// RecordError remembers the most recent error for /health/detailed
func (s *Server) RecordError(errorType, component, message string) {
	s.mu.Lock()
	s.lastError = &ErrorInfo{
		Message:   message,
		Type:      errorType,
		Timestamp: time.Now(),
		Component: component,
	}
	s.mu.Unlock()

	s.logger.Warn("Health error recorded", "type", errorType, "component", component, "message", message)
}
