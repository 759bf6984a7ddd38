// Package agent wires the location, network and wireless sources through
// fusion, admission and recording, and runs the watchdog alongside them
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/admission"
	"github.com/covmon/covmon/pkg/collector"
	"github.com/covmon/covmon/pkg/fusion"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/recorder"
	"github.com/covmon/covmon/pkg/sampling"
	"github.com/covmon/covmon/pkg/watchdog"
)

// Config holds everything the agent needs to run one track
type Config struct {
	Device         pkg.DeviceInfo
	MinInterval    time.Duration
	MinDistanceM   float64
	Priority       collector.Priority
	DistanceFilter bool
	QueueSize      int

	Admission admission.Config
	Sampling  sampling.Config
	Watchdog  watchdog.Config
}

// DefaultConfig returns the default agent configuration without track metadata
func DefaultConfig() Config {
	return Config{
		MinInterval:    time.Second,
		MinDistanceM:   1,
		Priority:       collector.PriorityHighAccuracy,
		DistanceFilter: true,
		QueueSize:      256,
		Admission:      admission.DefaultConfig(),
		Sampling:       sampling.DefaultConfig(),
		Watchdog:       watchdog.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Device.TrackID == "" {
		return fmt.Errorf("track id is required")
	}
	if c.Device.AppVersion == "" {
		return fmt.Errorf("app version is required")
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("min interval must be positive")
	}
	if c.MinDistanceM < 0 {
		return fmt.Errorf("min distance must not be negative")
	}
	if c.Admission.MinAccuracyM <= 0 {
		return fmt.Errorf("min accuracy must be positive")
	}
	if c.Admission.LocationAgeThresholdMS <= 0 {
		return fmt.Errorf("location age threshold must be positive")
	}
	return nil
}

// Instrumentation receives agent events. metrics.Server implements it.
type Instrumentation interface {
	recorder.Instrumentation
	RecordRejection(reason string)
	ObserveGate(gate string, vetoed bool)
	RecordWarning(reason string)
	RecordSourceError(source string)
	SetRadius(meters float64)
}

// SampleObserver receives every recorded sample
type SampleObserver func(pkg.FusedSample)

// WarningObserver receives every watchdog event
type WarningObserver func(pkg.WarningEvent)

// SampleChannel adapts a channel to a SampleObserver. Sends never block;
// samples are dropped while the channel is full.
func SampleChannel(ch chan<- pkg.FusedSample) SampleObserver {
	return func(s pkg.FusedSample) {
		select {
		case ch <- s:
		default:
		}
	}
}

// WarningChannel adapts a channel to a WarningObserver. Sends never block.
func WarningChannel(ch chan<- pkg.WarningEvent) WarningObserver {
	return func(ev pkg.WarningEvent) {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Option configures an Agent
type Option func(*Agent)

// WithLogger sets the logger
func WithLogger(logger *logx.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithInstrumentation attaches metrics hooks
func WithInstrumentation(i Instrumentation) Option {
	return func(a *Agent) {
		if i != nil {
			a.metrics = i
		}
	}
}

// WithSampleObserver registers a recorded sample observer
func WithSampleObserver(o SampleObserver) Option {
	return func(a *Agent) {
		a.sampleObservers = append(a.sampleObservers, o)
	}
}

// WithWarningObserver registers a watchdog event observer
func WithWarningObserver(o WarningObserver) Option {
	return func(a *Agent) {
		a.warningObservers = append(a.warningObservers, o)
	}
}

type errorReporter interface {
	SetErrorHandler(collector.ErrorHandler)
}

// Agent is the measurement pipeline for one track. It is single use:
// once stopped it cannot be started again.
type Agent struct {
	config   Config
	logger   *logx.Logger
	metrics  Instrumentation
	location collector.LocationSource
	network  collector.NetworkSource
	wireless collector.WirelessSource

	buffer   *fusion.Buffer
	filter   *sampling.DistanceFilter
	chain    *admission.Chain
	recorder *recorder.Recorder
	watchdog *watchdog.Watchdog

	sampleObservers  []SampleObserver
	warningObservers []WarningObserver

	// events serialises the location path so the distance reference
	// and the recorded location never interleave
	events sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
}

// New builds an agent over the given sources and table store
func New(config Config, location collector.LocationSource, network collector.NetworkSource,
	wireless collector.WirelessSource, store recorder.TableStore, opts ...Option) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	if location == nil || network == nil || wireless == nil {
		return nil, fmt.Errorf("location, network and wireless sources are required")
	}
	if store == nil {
		return nil, fmt.Errorf("table store is required")
	}

	a := &Agent{
		config:   config,
		logger:   logx.New("error"),
		metrics:  noopInstrumentation{},
		location: location,
		network:  network,
		wireless: wireless,
		buffer:   fusion.NewBuffer(config.Device),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.filter = sampling.NewDistanceFilter(config.Sampling, a.logger)
	a.filter.SetEnabled(config.DistanceFilter)
	a.chain = admission.NewChain(config.Admission, a.filter, admission.WithObserver(a.metrics.ObserveGate))

	recOpts := []recorder.Option{
		recorder.WithQueueSize(config.QueueSize),
		recorder.WithInstrumentation(a.metrics),
	}
	for _, o := range a.sampleObservers {
		recOpts = append(recOpts, recorder.WithObserver(recorder.Observer(o)))
	}
	a.recorder = recorder.New(store, a.logger, recOpts...)

	// the watchdog judges with the same thresholds as admission
	wcfg := config.Watchdog
	wcfg.MinAccuracyM = config.Admission.MinAccuracyM
	wcfg.LocationAgeThresholdMS = config.Admission.LocationAgeThresholdMS
	wcfg.SimReadyState = config.Admission.SimReadyState
	a.watchdog = watchdog.New(wcfg, a, a.emitWarning, a.logger)

	return a, nil
}

// Start declares the tables, writes the track meta row, starts the watchdog
// and subscribes to every source. On failure everything started is undone.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return fmt.Errorf("agent already stopped")
	}
	if a.running {
		return fmt.Errorf("agent already running")
	}

	if err := a.recorder.Declare(); err != nil {
		return fmt.Errorf("failed to prepare storage: %w", err)
	}
	if err := a.recorder.WriteMeta(a.config.Device.TrackID); err != nil {
		a.logger.Error("Failed to write track meta", "track_id", a.config.Device.TrackID, "error", err)
		a.metrics.PersistFailed()
	}

	ctx, cancel := context.WithCancel(ctx)
	var undo []func()
	unwind := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		cancel()
	}

	if err := a.watchdog.Start(ctx); err != nil {
		unwind()
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	undo = append(undo, a.watchdog.Stop)

	for _, src := range []interface{}{a.network, a.wireless, a.location} {
		if r, ok := src.(errorReporter); ok {
			r.SetErrorHandler(a.sourceError)
		}
	}

	if err := a.network.Start(ctx, a.OnNetwork); err != nil {
		unwind()
		return fmt.Errorf("failed to subscribe to network state: %w", err)
	}
	undo = append(undo, a.network.Stop)

	if err := a.wireless.Start(ctx, a.OnWireless); err != nil {
		unwind()
		return fmt.Errorf("failed to subscribe to wireless state: %w", err)
	}
	undo = append(undo, a.wireless.Stop)

	req := collector.LocationRequest{
		MinInterval:  a.config.MinInterval,
		MinDistanceM: a.config.MinDistanceM,
		Priority:     a.config.Priority,
	}
	if err := a.location.Start(ctx, req, a.OnLocation); err != nil {
		unwind()
		return fmt.Errorf("failed to subscribe to location updates: %w", err)
	}

	a.cancel = cancel
	a.running = true
	a.logger.Info("Coverage agent started",
		"track_id", a.config.Device.TrackID,
		"min_interval", a.config.MinInterval.String(),
		"min_distance_m", a.config.MinDistanceM,
		"distance_filter", a.config.DistanceFilter,
		"debug", a.config.Admission.Debug,
	)
	return nil
}

// Stop unsubscribes every source, stops the watchdog and drains pending
// rows. Safe to call more than once and on an agent that never started.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	a.watchdog.Stop()
	a.location.Stop()
	a.wireless.Stop()
	a.network.Stop()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.recorder.Close()

	a.running = false
	a.stopped = true
	a.logger.Info("Coverage agent stopped", "counters", a.recorder.Counters())
}

// Running reports whether the agent is started
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// OnLocation handles a location push
func (a *Agent) OnLocation(loc pkg.RawLocationSample) {
	if err := loc.Validate(); err != nil {
		a.sourceError("location", err)
		return
	}

	a.events.Lock()
	defer a.events.Unlock()

	if _, ok := a.buffer.Network(); ok && loc.Velocity >= 0 {
		if radius, changed := a.filter.Recompute(loc.Velocity); changed {
			a.location.SetMinDistance(radius)
			a.metrics.SetRadius(radius)
		}
	}

	var reference *pkg.Location
	if last, ok := a.recorder.LastLocation(); ok {
		reference = &last
	}

	decision := a.chain.Admit(a.buffer.Fuse(loc, reference))
	if !decision.Admitted {
		a.metrics.RecordRejection(decision.Reason)
		a.logger.Debug("Sample rejected",
			"reason", decision.Reason,
			"accuracy", loc.Accuracy,
			"distance", decision.Sample.Distance,
		)
		return
	}

	cat := a.recorder.Record(decision.Sample)
	a.logger.Debug("Sample recorded",
		"category", cat,
		"latitude", loc.Latitude,
		"longitude", loc.Longitude,
		"accuracy", loc.Accuracy,
	)
}

// OnNetwork handles a network state push
func (a *Agent) OnNetwork(n pkg.NetworkSnapshot) {
	if err := a.buffer.UpdateNetwork(n); err != nil {
		a.sourceError("network", err)
	}
}

// OnWireless handles a wireless state push
func (a *Agent) OnWireless(w pkg.WirelessSnapshot) {
	if err := a.buffer.UpdateWireless(w); err != nil {
		a.sourceError("wireless", err)
	}
}

// HealthState returns the state the watchdog judges
func (a *Agent) HealthState() watchdog.State {
	var st watchdog.State
	if n, ok := a.buffer.Network(); ok {
		st.Airplane = n.Airplane
		st.SimState = n.SimState
		st.MultiSimSupported = n.MultiSimSupported
		st.ActiveSimCount = n.ActiveSimCount
	}
	if w, ok := a.buffer.Wireless(); ok {
		st.WiFiConnected = w.WiFiConnected
	}
	if q, ok := a.buffer.Quality(); ok {
		st.HasFix = true
		st.Accuracy = q.Accuracy
		st.AgeMS = q.AgeMS
	}
	return st
}

// Counters returns a snapshot of the category counters
func (a *Agent) Counters() map[string]int64 {
	return a.recorder.Counters()
}

// LastLocation returns the last recorded location
func (a *Agent) LastLocation() (pkg.Location, bool) {
	return a.recorder.LastLocation()
}

// Radius returns the current distance filter radius in meters
func (a *Agent) Radius() float64 {
	return a.filter.Radius()
}

// FilterState returns a snapshot of the distance filter
func (a *Agent) FilterState() sampling.State {
	return a.filter.State()
}

// ResetWarnings restarts the watchdog tick counter
func (a *Agent) ResetWarnings() {
	a.watchdog.ResetTickCounter()
}

func (a *Agent) emitWarning(ev pkg.WarningEvent) {
	a.metrics.RecordWarning(ev.Reason)
	for _, o := range a.warningObservers {
		o(ev)
	}
}

func (a *Agent) sourceError(source string, err error) {
	a.logger.Warn("Source error", "source", source, "error", err)
	a.metrics.RecordSourceError(source)
}

type noopInstrumentation struct{}

func (noopInstrumentation) SampleRecorded(string)    {}
func (noopInstrumentation) RowDropped()              {}
func (noopInstrumentation) PersistFailed()           {}
func (noopInstrumentation) RecordRejection(string)   {}
func (noopInstrumentation) ObserveGate(string, bool) {}
func (noopInstrumentation) RecordWarning(string)     {}
func (noopInstrumentation) RecordSourceError(string) {}
func (noopInstrumentation) SetRadius(float64)        {}
