package gps

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/collector"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/ubus"
)

// errNoFix is returned by Collect while the receiver has no position
var errNoFix = fmt.Errorf("no GNSS fix")

// GPSCtlSource reads the router's GNSS receiver through gpsctl, falling back
// to the ubus gps object. Fixes closer than the minimum distance to the last
// emitted fix are suppressed.
type GPSCtlSource struct {
	runner    *retry.Runner
	client    *ubus.Client
	logger    *logx.Logger
	estimator *VelocityEstimator
	now       func() time.Time

	mu          sync.Mutex
	poller      *collector.Poller
	onError     collector.ErrorHandler
	minDistance float64
	last        *pkg.Location
}

// NewGPSCtlSource creates a location source; runner may be nil for local execution
func NewGPSCtlSource(runner *retry.Runner, logger *logx.Logger) *GPSCtlSource {
	if runner == nil {
		runner = retry.NewRunner(retry.Config{MaxAttempts: 2, InitialDelay: 50 * time.Millisecond})
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &GPSCtlSource{
		runner:    runner,
		client:    ubus.NewClient(runner, logger),
		logger:    logger,
		estimator: NewVelocityEstimator(5, 30*time.Second),
		now:       time.Now,
	}
}

// SetErrorHandler registers a callback for failed polls
func (s *GPSCtlSource) SetErrorHandler(h collector.ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	if s.poller != nil {
		s.poller.SetErrorHandler(h)
	}
	s.mu.Unlock()
}

// Start polls the receiver every req.MinInterval and pushes qualifying fixes
func (s *GPSCtlSource) Start(ctx context.Context, req collector.LocationRequest, emit func(pkg.RawLocationSample)) error {
	if emit == nil {
		return fmt.Errorf("gps source: nil callback")
	}

	s.mu.Lock()
	if s.poller != nil {
		s.mu.Unlock()
		return fmt.Errorf("gps source already started")
	}
	poller := collector.NewPoller("gps", req.MinInterval, s.logger)
	poller.SetErrorHandler(s.onError)
	s.poller = poller
	s.minDistance = req.MinDistanceM
	s.last = nil
	s.mu.Unlock()

	s.logger.Info("gps source starting", "interval", req.MinInterval.String(),
		"min_distance_m", req.MinDistanceM, "priority", req.Priority.String())

	err := poller.Run(ctx, func(ctx context.Context) error {
		fix, err := s.Collect(ctx)
		if err == errNoFix {
			s.logger.Debug("waiting for gnss fix")
			return nil
		}
		if err != nil {
			return err
		}
		if s.accept(fix) {
			emit(fix)
		}
		return nil
	})
	if err != nil {
		s.mu.Lock()
		s.poller = nil
		s.mu.Unlock()
	}
	return err
}

// SetMinDistance changes the displacement filter applied before emission
func (s *GPSCtlSource) SetMinDistance(meters float64) {
	s.mu.Lock()
	s.minDistance = meters
	s.mu.Unlock()
	s.logger.Debug("gps min distance updated", "min_distance_m", meters)
}

// Stop halts polling; safe to call repeatedly
func (s *GPSCtlSource) Stop() {
	s.mu.Lock()
	poller := s.poller
	s.poller = nil
	s.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
}

// accept applies the minimum displacement filter and remembers emitted fixes
func (s *GPSCtlSource) accept(fix pkg.RawLocationSample) bool {
	loc := pkg.Location{Latitude: fix.Latitude, Longitude: fix.Longitude}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.minDistance > 0 && Distance(*s.last, loc) < s.minDistance {
		return false
	}
	s.last = &loc
	return true
}

// Collect reads one fix, preferring gpsctl
func (s *GPSCtlSource) Collect(ctx context.Context) (pkg.RawLocationSample, error) {
	fix, err := s.collectFromGPSCtl(ctx)
	if err != nil && err != errNoFix {
		s.logger.Debug("gpsctl unavailable, trying ubus", "error", err)
		fix, err = s.collectFromUbus(ctx)
	}
	if err != nil {
		return pkg.RawLocationSample{}, err
	}

	s.estimator.Add(pkg.Location{Latitude: fix.Latitude, Longitude: fix.Longitude}, fix.Timestamp)
	if fix.Velocity < 0 {
		if v, ok := s.estimator.Estimate(); ok {
			fix.Velocity = v
			fix.Extra["app_velocity_estimated"] = true
		}
	}
	return fix, nil
}

// collectFromGPSCtl queries the individual gpsctl getters
func (s *GPSCtlSource) collectFromGPSCtl(ctx context.Context) (pkg.RawLocationSample, error) {
	status, err := s.value(ctx, "-s")
	if err != nil {
		return pkg.RawLocationSample{}, err
	}
	if status == 0 {
		return pkg.RawLocationSample{}, errNoFix
	}

	lat, err := s.value(ctx, "-i")
	if err != nil {
		return pkg.RawLocationSample{}, err
	}
	lon, err := s.value(ctx, "-x")
	if err != nil {
		return pkg.RawLocationSample{}, err
	}
	if lat == 0 && lon == 0 {
		return pkg.RawLocationSample{}, errNoFix
	}

	now := s.now()
	fix := pkg.RawLocationSample{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  10.0, // receivers without -u support
		Velocity:  -1,
		Timestamp: now,
		Provider:  "gpsctl",
		Extra:     map[string]interface{}{},
	}

	if alt, err := s.value(ctx, "-a"); err == nil {
		fix.Altitude = alt
	}
	if acc, err := s.value(ctx, "-u"); err == nil && acc > 0 {
		fix.Accuracy = acc
	}
	if kmh, err := s.value(ctx, "-v"); err == nil && kmh >= 0 {
		fix.Velocity = kmh / 3.6
	}
	if sats, err := s.value(ctx, "-p"); err == nil {
		fix.Extra["app_satellites"] = int(sats)
	}
	if epoch, err := s.value(ctx, "-t"); err == nil && epoch > 0 {
		fixTime := time.Unix(int64(epoch), 0)
		if age := now.Sub(fixTime); age > 0 {
			fix.AgeMS = float64(age.Milliseconds())
		}
	}

	return fix, fix.Validate()
}

// collectFromUbus uses the ubus gps object
func (s *GPSCtlSource) collectFromUbus(ctx context.Context) (pkg.RawLocationSample, error) {
	resp, err := s.client.CallMap(ctx, "gps", "info", nil)
	if err != nil {
		return pkg.RawLocationSample{}, fmt.Errorf("ubus GPS call failed: %w", err)
	}
	return parseUbusGPS(resp, s.now())
}

func (s *GPSCtlSource) value(ctx context.Context, flag string) (float64, error) {
	out, err := s.runner.Output(ctx, "gpsctl", flag)
	if err != nil {
		return 0, fmt.Errorf("gpsctl %s: %w", flag, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("gpsctl %s: unexpected output %q", flag, strings.TrimSpace(string(out)))
	}
	return v, nil
}

// parseUbusGPS parses the ubus gps info response
func parseUbusGPS(resp map[string]interface{}, now time.Time) (pkg.RawLocationSample, error) {
	fix := pkg.RawLocationSample{
		Accuracy:  10.0,
		Velocity:  -1,
		Timestamp: now,
		Provider:  "ubus",
		Extra:     map[string]interface{}{},
	}

	if lat, ok := resp["latitude"].(float64); ok {
		fix.Latitude = lat
	}
	if lon, ok := resp["longitude"].(float64); ok {
		fix.Longitude = lon
	}
	if fix.Latitude == 0 && fix.Longitude == 0 {
		return pkg.RawLocationSample{}, errNoFix
	}
	if alt, ok := resp["altitude"].(float64); ok {
		fix.Altitude = alt
	}
	if acc, ok := resp["accuracy"].(float64); ok && acc > 0 {
		fix.Accuracy = acc
	}
	if speed, ok := resp["speed"].(float64); ok && speed >= 0 {
		fix.Velocity = speed / 3.6
	}
	if sats, ok := resp["satellites"].(float64); ok {
		fix.Extra["app_satellites"] = int(sats)
	}
	if ts, ok := resp["timestamp"].(float64); ok && ts > 0 {
		if age := now.Sub(time.Unix(int64(ts), 0)); age > 0 {
			fix.AgeMS = float64(age.Milliseconds())
		}
	}

	return fix, fix.Validate()
}
