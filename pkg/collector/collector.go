// Package collector implements the push sources feeding the coverage agent
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/logx"
)

// Priority is the power/accuracy trade-off requested from a location source
type Priority int

const (
	PriorityHighAccuracy Priority = iota
	PriorityBalanced
	PriorityLowPower
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHighAccuracy:
		return "high_accuracy"
	case PriorityBalanced:
		return "balanced"
	case PriorityLowPower:
		return "low_power"
	default:
		return "unknown"
	}
}

// LocationRequest configures a location subscription
type LocationRequest struct {
	MinInterval  time.Duration
	MinDistanceM float64
	Priority     Priority
}

// LocationSource pushes location fixes
type LocationSource interface {
	Start(ctx context.Context, req LocationRequest, emit func(pkg.RawLocationSample)) error
	// SetMinDistance reconfigures the minimum displacement between fixes
	SetMinDistance(meters float64)
	Stop()
}

// NetworkSource pushes telephony/network snapshots
type NetworkSource interface {
	Start(ctx context.Context, emit func(pkg.NetworkSnapshot)) error
	Stop()
}

// WirelessSource pushes Wi-Fi/mode snapshots
type WirelessSource interface {
	Start(ctx context.Context, emit func(pkg.WirelessSnapshot)) error
	Stop()
}

// ErrorHandler is notified about failed polls
type ErrorHandler func(source string, err error)

// Poller runs a collection function on a fixed interval until stopped.
// Stop is idempotent and safe to call on a poller that never started.
type Poller struct {
	name     string
	interval time.Duration
	logger   *logx.Logger

	mu      sync.Mutex
	onError ErrorHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller; a non-positive interval defaults to one second
func NewPoller(name string, interval time.Duration, logger *logx.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &Poller{name: name, interval: interval, logger: logger}
}

// Name returns the source name used in logs and metrics
func (p *Poller) Name() string {
	return p.name
}

// SetErrorHandler registers a callback for failed polls
func (p *Poller) SetErrorHandler(h ErrorHandler) {
	p.mu.Lock()
	p.onError = h
	p.mu.Unlock()
}

// Run starts polling; tick is invoked once immediately and then every interval
func (p *Poller) Run(ctx context.Context, tick func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("%s source already started", p.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, tick, p.done)

	p.logger.Debug("source started", "source", p.name, "interval", p.interval.String())
	return nil
}

// Stop cancels polling and waits for an in-flight tick to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("source stopped", "source", p.name)
}

func (p *Poller) loop(ctx context.Context, tick func(context.Context) error, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx, tick)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, tick)
		}
	}
}

func (p *Poller) poll(ctx context.Context, tick func(context.Context) error) {
	err := tick(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	p.logger.Warn("source poll failed", "source", p.name, "error", err)
	p.mu.Lock()
	h := p.onError
	p.mu.Unlock()
	if h != nil {
		h(p.name, err)
	}
}
