// Package watchdog reports, once per tick, the most important reason why
// coverage measurements are currently suppressed
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/logx"
)

// Warning priorities
const (
	PriorityNone     = 0
	PriorityGPS      = 1
	PriorityWiFi     = 10
	PriorityBlocking = 30
)

// Config controls the watchdog
type Config struct {
	Interval               time.Duration
	InfoTick               int // tick on which the informational event is sent
	MinAccuracyM           float64
	LocationAgeThresholdMS float64
	SimReadyState          int
}

// DefaultConfig returns the default watchdog configuration
func DefaultConfig() Config {
	return Config{
		Interval:               time.Second,
		InfoTick:               20,
		MinAccuracyM:           50,
		LocationAgeThresholdMS: 1000,
		SimReadyState:          pkg.DefaultSimReadyState,
	}
}

// State is the shared read model sampled on every tick
type State struct {
	WiFiConnected     bool
	Airplane          bool
	HasFix            bool
	Accuracy          float64
	AgeMS             float64
	SimState          int
	MultiSimSupported bool
	ActiveSimCount    int
}

// Reader provides the current State. It must not block on writers for
// longer than a copy.
type Reader interface {
	HealthState() State
}

// ReaderFunc adapts a function to Reader
type ReaderFunc func() State

// HealthState calls f
func (f ReaderFunc) HealthState() State { return f() }

// Watchdog emits exactly one WarningEvent per tick while running
type Watchdog struct {
	config Config
	reader Reader
	emit   func(pkg.WarningEvent)
	logger *logx.Logger
	now    func() time.Time

	tick int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watchdog
func New(config Config, reader Reader, emit func(pkg.WarningEvent), logger *logx.Logger) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.InfoTick <= 0 {
		config.InfoTick = 20
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &Watchdog{
		config: config,
		reader: reader,
		emit:   emit,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the tick loop
func (w *Watchdog) Start(ctx context.Context) error {
	if w.reader == nil || w.emit == nil {
		return fmt.Errorf("watchdog requires a reader and an emitter")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("watchdog already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("watchdog started", "interval", w.config.Interval.String())
	return nil
}

// Stop halts the loop and waits for it to exit; safe to call repeatedly
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("watchdog stopped")
}

// Running reports whether the loop is active
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// ResetTickCounter re-arms the informational event
func (w *Watchdog) ResetTickCounter() {
	atomic.StoreInt64(&w.tick, 0)
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a stop that raced with the tick wins
			if ctx.Err() != nil {
				return
			}
			w.emit(w.Tick())
		}
	}
}

// Tick advances the counter and evaluates the checks once. The first
// matching check decides the event; priority values play no part.
func (w *Watchdog) Tick() pkg.WarningEvent {
	counter := int(atomic.AddInt64(&w.tick, 1))
	st := w.reader.HealthState()

	ev := pkg.WarningEvent{
		ID:        uuid.NewString(),
		Timestamp: w.now(),
		Tick:      counter,
		Accuracy:  st.Accuracy,
		Show:      true,
	}

	switch {
	case counter == w.config.InfoTick:
		ev.Reason = pkg.WarningInfo
		ev.Show = false
	case st.WiFiConnected:
		ev.Reason = pkg.WarningWiFi
		ev.Priority = PriorityWiFi
	case st.Airplane:
		ev.Reason = pkg.WarningAirplane
		ev.Priority = PriorityBlocking
	case st.HasFix && st.Accuracy > w.config.MinAccuracyM:
		ev.Reason = pkg.WarningGPS
		ev.Priority = PriorityGPS
		ev.Context = map[string]interface{}{"accuracy_threshold_m": w.config.MinAccuracyM}
	case st.HasFix && st.AgeMS > w.config.LocationAgeThresholdMS:
		ev.Reason = pkg.WarningAge
		ev.Priority = PriorityBlocking
		ev.Context = map[string]interface{}{"age_ms": st.AgeMS, "threshold_ms": w.config.LocationAgeThresholdMS}
	case st.SimState != w.config.SimReadyState || (st.MultiSimSupported && st.ActiveSimCount < 1):
		ev.Reason = pkg.WarningSimNone
		ev.Priority = PriorityBlocking
		ev.Context = map[string]interface{}{"sim_state": st.SimState}
	case st.MultiSimSupported && st.ActiveSimCount > 1:
		ev.Reason = pkg.WarningSimMulti
		ev.Priority = PriorityBlocking
		ev.Context = map[string]interface{}{"active_sim_count": st.ActiveSimCount}
	default:
		ev.Reason = pkg.WarningNone
		ev.Priority = PriorityNone
	}

	return ev
}
