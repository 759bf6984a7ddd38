// Package metrics exposes the agent's Prometheus metrics
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/telem"
)

// CounterSource provides the recorder's category counters
type CounterSource interface {
	Counters() map[string]int64
}

// Server provides Prometheus metrics for covmond
type Server struct {
	registry *prometheus.Registry
	counters CounterSource
	store    *telem.Store
	logger   *logx.Logger
	version  string
	started  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	samplesRecorded *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec
	gateEvaluations *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	sourceErrors    *prometheus.CounterVec
	rowsDropped     prometheus.Counter
	persistFailures prometheus.Counter
	radius          prometheus.Gauge

	categoryCount        *prometheus.GaugeVec
	telemetrySamples     *prometheus.GaugeVec
	telemetryEvents      prometheus.Gauge
	telemetryMemoryUsage prometheus.Gauge

	daemonUptime  prometheus.Gauge
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a metrics server on its own registry. counters and
// store may be nil.
func NewServer(counters CounterSource, store *telem.Store, logger *logx.Logger, version string) *Server {
	if logger == nil {
		logger = logx.New("error")
	}
	s := &Server{
		registry: prometheus.NewRegistry(),
		counters: counters,
		store:    store,
		logger:   logger,
		version:  version,
		started:  time.Now(),
	}

	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.samplesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covmon_samples_recorded_total",
			Help: "Total number of admitted samples by access category",
		},
		[]string{"category"},
	)

	s.samplesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covmon_samples_rejected_total",
			Help: "Total number of samples vetoed by the admission chain",
		},
		[]string{"reason"},
	)

	s.gateEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covmon_gate_evaluations_total",
			Help: "Admission gate evaluations by outcome",
		},
		[]string{"gate", "result"},
	)

	s.warnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covmon_warnings_total",
			Help: "Watchdog events by reason",
		},
		[]string{"reason"},
	)

	s.sourceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covmon_source_errors_total",
			Help: "Errors and malformed pushes per source",
		},
		[]string{"source"},
	)

	s.rowsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "covmon_rows_dropped_total",
		Help: "Rows dropped because the persistence queue was full",
	})

	s.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "covmon_persist_failures_total",
		Help: "Rows the table store failed to write",
	})

	s.radius = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "covmon_distance_filter_radius_meters",
		Help: "Current location distance filter radius",
	})

	s.categoryCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covmon_category_count",
			Help: "Recorder counter value per category",
		},
		[]string{"category"},
	)

	s.telemetrySamples = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covmon_telemetry_samples",
			Help: "Number of samples in the telemetry store",
		},
		[]string{"category"},
	)

	s.telemetryEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "covmon_telemetry_events",
		Help: "Number of warnings in the telemetry store",
	})

	s.telemetryMemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "covmon_telemetry_memory_bytes",
		Help: "Estimated memory usage of the telemetry store",
	})

	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "covmon_daemon_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "covmon_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version", "go_version"},
	)

	s.registry.MustRegister(
		s.samplesRecorded,
		s.samplesRejected,
		s.gateEvaluations,
		s.warnings,
		s.sourceErrors,
		s.rowsDropped,
		s.persistFailures,
		s.radius,
		s.categoryCount,
		s.telemetrySamples,
		s.telemetryEvents,
		s.telemetryMemoryUsage,
		s.daemonUptime,
		s.daemonVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the server's registry
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns the /metrics handler. Gauges are refreshed per scrape.
func (s *Server) Handler() http.Handler {
	inner := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.UpdateMetrics()
		inner.ServeHTTP(w, r)
	})
}

// Start serves /metrics on addr (host:port). It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting metrics server", "addr", ln.Addr().String())
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when not running
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SetCounterSource attaches the counters exported as covmon_category_count
func (s *Server) SetCounterSource(c CounterSource) {
	s.mu.Lock()
	s.counters = c
	s.mu.Unlock()
}

// UpdateMetrics refreshes the gauges from the recorder and telemetry store
func (s *Server) UpdateMetrics() {
	s.mu.Lock()
	counters := s.counters
	s.mu.Unlock()

	if counters != nil {
		for cat, n := range counters.Counters() {
			s.categoryCount.WithLabelValues(cat).Set(float64(n))
		}
	}

	if s.store != nil {
		for _, cat := range s.store.GetCategories() {
			s.telemetrySamples.WithLabelValues(cat).Set(float64(len(s.store.GetSamples(cat, 0))))
		}
		stats := s.store.GetStats()
		if n, ok := stats["total_events"].(int); ok {
			s.telemetryEvents.Set(float64(n))
		}
		if b, ok := stats["estimated_bytes"].(int); ok {
			s.telemetryMemoryUsage.Set(float64(b))
		}
	}

	s.daemonUptime.Set(time.Since(s.started).Seconds())
	s.daemonVersion.WithLabelValues(s.version, runtime.Version()).Set(1)
}

// SampleRecorded counts an admitted sample
func (s *Server) SampleRecorded(category string) {
	s.samplesRecorded.WithLabelValues(category).Inc()
}

// RowDropped counts a row lost to a full persistence queue
func (s *Server) RowDropped() {
	s.rowsDropped.Inc()
}

// PersistFailed counts a failed insert
func (s *Server) PersistFailed() {
	s.persistFailures.Inc()
}

// RecordRejection counts a vetoed sample
func (s *Server) RecordRejection(reason string) {
	s.samplesRejected.WithLabelValues(reason).Inc()
}

// ObserveGate counts one gate evaluation
func (s *Server) ObserveGate(gate string, vetoed bool) {
	result := "pass"
	if vetoed {
		result = "veto"
	}
	s.gateEvaluations.WithLabelValues(gate, result).Inc()
}

// RecordWarning counts a watchdog event
func (s *Server) RecordWarning(reason string) {
	s.warnings.WithLabelValues(reason).Inc()
}

// RecordSourceError counts a source failure or malformed push
func (s *Server) RecordSourceError(source string) {
	s.sourceErrors.WithLabelValues(source).Inc()
}

// SetRadius publishes the distance filter radius
func (s *Server) SetRadius(meters float64) {
	s.radius.Set(meters)
}
