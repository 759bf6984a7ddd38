// Package recorder classifies admitted samples, keeps the coverage counters
// and hands rows to the table store
package recorder

import (
	"fmt"
	"sync"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/category"
	"github.com/covmon/covmon/pkg/logx"
)

// Table names
const (
	CoverageTable = "coverage"
	MetaTable     = "meta"
)

// CoverageColumns is the declared coverage schema, in order
var CoverageColumns = []string{
	"track_id", "app_geo_timestamp", "app_geo_timezone", "client_os",
	"client_os_version", "app_manufacturer", "app_manufacturer_id", "app_manufacturer_version",
	"app_operator_net", "app_operator_net_mcc", "app_operator_net_mnc", "app_operator_sim",
	"app_operator_sim_mcc", "app_operator_sim_mnc", "app_version", "app_library_version",
	"app_latitude", "app_longitude", "app_altitude", "app_accuracy", "app_velocity", "app_distance",
	"app_altitude_max", "app_velocity_max", "app_velocity_avg", "app_mode", "app_access",
	"app_access_id", "app_access_id_debug", "app_access_category", "app_call_state", "app_voice",
	"app_voice_id", "app_rssi", "app_arfcn", "app_cellid", "app_celllac", "sent",
}

// MetaColumns is the schema of the per-track meta table
var MetaColumns = []string{"ftable", "fkey", "timestamp", "sent", "deleted"}

// TableStore persists rows. Declare must be idempotent.
type TableStore interface {
	Declare(table string, columns []string) error
	Insert(table string, row map[string]interface{}) error
}

// Observer receives every admitted sample
type Observer func(pkg.FusedSample)

// Instrumentation receives recorder events; all methods must be cheap
type Instrumentation interface {
	SampleRecorded(category string)
	RowDropped()
	PersistFailed()
}

// Option configures a Recorder
type Option func(*Recorder)

// WithQueueSize sets the persistence queue capacity
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithObserver registers a data observer
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		r.observers = append(r.observers, o)
	}
}

// WithInstrumentation attaches metrics hooks
func WithInstrumentation(i Instrumentation) Option {
	return func(r *Recorder) {
		r.metrics = i
	}
}

type pendingRow struct {
	table string
	row   map[string]interface{}
}

// trackStats accumulates per-track extremes for the *_max/_avg columns
type trackStats struct {
	altitudeMax   float64
	velocityMax   float64
	velocitySum   float64
	velocityCount int
	samples       int
}

// Recorder is the only writer of the counters and the last admitted location
type Recorder struct {
	store     TableStore
	logger    *logx.Logger
	counters  *Counters
	metrics   Instrumentation
	queueSize int

	mu        sync.RWMutex
	observers []Observer
	last      *pkg.Location
	stats     trackStats

	queueMu sync.RWMutex
	queue   chan pendingRow
	closed  bool
	done    chan struct{}
}

// New creates a recorder and starts its writer goroutine
func New(store TableStore, logger *logx.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = logx.New("error")
	}
	r := &Recorder{
		store:     store,
		logger:    logger,
		counters:  NewCounters(),
		queueSize: 256,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.queue = make(chan pendingRow, r.queueSize)
	r.done = make(chan struct{})
	go r.writer()
	return r
}

// AddObserver registers a data observer after construction
func (r *Recorder) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Declare creates the coverage and meta tables
func (r *Recorder) Declare() error {
	if err := r.store.Declare(CoverageTable, CoverageColumns); err != nil {
		return fmt.Errorf("failed to declare %s table: %w", CoverageTable, err)
	}
	if err := r.store.Declare(MetaTable, MetaColumns); err != nil {
		return fmt.Errorf("failed to declare %s table: %w", MetaTable, err)
	}
	return nil
}

// WriteMeta records the track in the meta table
func (r *Recorder) WriteMeta(trackID string) error {
	err := r.store.Insert(MetaTable, map[string]interface{}{
		"ftable":    CoverageTable,
		"fkey":      trackID,
		"timestamp": trackID,
		"sent":      false,
		"deleted":   false,
	})
	if err != nil {
		return fmt.Errorf("failed to write meta row: %w", err)
	}
	return nil
}

// Record books an admitted sample and returns its category
func (r *Recorder) Record(s pkg.FusedSample) string {
	cat := string(category.Classify(s.Network.AccessID))
	s.AccessCategory = cat

	r.counters.Add(cat)
	if r.metrics != nil {
		r.metrics.SampleRecorded(cat)
	}

	r.mu.Lock()
	r.updateStats(s.Location)
	row := s.Record()
	row["app_altitude_max"] = r.stats.altitudeMax
	row["app_velocity_max"] = r.stats.velocityMax
	if r.stats.velocityCount > 0 {
		row["app_velocity_avg"] = r.stats.velocitySum / float64(r.stats.velocityCount)
	} else {
		row["app_velocity_avg"] = 0.0
	}
	r.last = &pkg.Location{Latitude: s.Location.Latitude, Longitude: s.Location.Longitude}
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	r.enqueue(pendingRow{table: CoverageTable, row: row})

	for _, o := range observers {
		o(s)
	}
	return cat
}

func (r *Recorder) updateStats(loc pkg.RawLocationSample) {
	if r.stats.samples == 0 || loc.Altitude > r.stats.altitudeMax {
		r.stats.altitudeMax = loc.Altitude
	}
	if loc.Velocity >= 0 {
		if loc.Velocity > r.stats.velocityMax {
			r.stats.velocityMax = loc.Velocity
		}
		r.stats.velocitySum += loc.Velocity
		r.stats.velocityCount++
	}
	r.stats.samples++
}

func (r *Recorder) enqueue(p pendingRow) {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.closed {
		r.logger.Debug("recorder closed, row not persisted", "table", p.table)
		return
	}

	select {
	case r.queue <- p:
	default:
		r.logger.Warn("persistence queue full, dropping row", "table", p.table, "capacity", r.queueSize)
		if r.metrics != nil {
			r.metrics.RowDropped()
		}
	}
}

func (r *Recorder) writer() {
	defer close(r.done)
	for p := range r.queue {
		if err := r.store.Insert(p.table, p.row); err != nil {
			r.logger.Error("failed to persist row", "table", p.table, "error", err)
			if r.metrics != nil {
				r.metrics.PersistFailed()
			}
		}
	}
}

// Counters returns a snapshot of the category counters
func (r *Recorder) Counters() map[string]int64 {
	return r.counters.Snapshot()
}

// LastLocation returns the last admitted location
func (r *Recorder) LastLocation() (pkg.Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return pkg.Location{}, false
	}
	return *r.last, true
}

// Close drains pending rows and stops the writer. Counters and the last
// location stay readable. Safe to call more than once.
func (r *Recorder) Close() {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.queueMu.Unlock()
	<-r.done
}
