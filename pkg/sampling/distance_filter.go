// Package sampling derives the GPS distance filter from the current velocity
package sampling

import (
	"sync"

	"github.com/covmon/covmon/pkg/logx"
)

// Tier is the movement class that selects a distance filter radius
type Tier int

const (
	TierUnknown Tier = iota
	TierWalking
	TierBiking
	TierDriving
)

func (t Tier) String() string {
	switch t {
	case TierWalking:
		return "walking"
	case TierBiking:
		return "biking"
	case TierDriving:
		return "driving"
	default:
		return "unknown"
	}
}

// Config holds the tier thresholds and radii
type Config struct {
	WalkingMaxVelocity float64 `uci:"walking_max_velocity" default:"4"` // m/s, inclusive
	BikingMaxVelocity  float64 `uci:"biking_max_velocity" default:"10"` // m/s, inclusive
	WalkingRadiusM     float64 `uci:"walking_radius_m" default:"10"`
	BikingRadiusM      float64 `uci:"biking_radius_m" default:"25"`
	DrivingRadiusM     float64 `uci:"driving_radius_m" default:"50"`
}

// DefaultConfig returns the standard walking/biking/driving tiers
func DefaultConfig() Config {
	return Config{
		WalkingMaxVelocity: 4,
		BikingMaxVelocity:  10,
		WalkingRadiusM:     10,
		BikingRadiusM:      25,
		DrivingRadiusM:     50,
	}
}

// State is a snapshot of the filter
type State struct {
	RadiusM  float64 `json:"radius_m"` // 0 until the first derivation
	Tier     string  `json:"tier"`
	Velocity float64 `json:"velocity"`
	Enabled  bool    `json:"enabled"`
}

// DistanceFilter tracks the current radius and reports changes only
type DistanceFilter struct {
	mu       sync.RWMutex
	config   Config
	logger   *logx.Logger
	radius   float64
	tier     Tier
	velocity float64
	disabled bool
}

// NewDistanceFilter creates a filter with no radius derived yet
func NewDistanceFilter(config Config, logger *logx.Logger) *DistanceFilter {
	return &DistanceFilter{
		config:   config,
		logger:   logger,
		velocity: -1,
	}
}

// TierFor returns the tier and radius for a velocity without touching state.
// v <= walking max is walking, v <= biking max is biking, faster is driving.
func (f *DistanceFilter) TierFor(velocity float64) (Tier, float64) {
	switch {
	case velocity <= f.config.WalkingMaxVelocity:
		return TierWalking, f.config.WalkingRadiusM
	case velocity <= f.config.BikingMaxVelocity:
		return TierBiking, f.config.BikingRadiusM
	default:
		return TierDriving, f.config.DrivingRadiusM
	}
}

// Recompute derives the radius for velocity. It returns the new radius and true
// only when the radius changed; unknown velocity (negative) or a disabled filter
// leave the state untouched.
func (f *DistanceFilter) Recompute(velocity float64) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disabled || velocity < 0 {
		return 0, false
	}

	tier, radius := f.TierFor(velocity)
	if radius == f.radius {
		return 0, false
	}

	if f.logger != nil {
		f.logger.Debug("distance filter changed",
			"tier", tier.String(),
			"velocity", velocity,
			"old_radius_m", f.radius,
			"radius_m", radius,
		)
	}

	f.radius = radius
	f.tier = tier
	f.velocity = velocity
	return radius, true
}

// Radius returns the current radius, 0 if none was derived yet
func (f *DistanceFilter) Radius() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.radius
}

// SetEnabled toggles adaptive recomputation
func (f *DistanceFilter) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = !enabled
}

// State returns a copy of the current filter state
func (f *DistanceFilter) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return State{
		RadiusM:  f.radius,
		Tier:     f.tier.String(),
		Velocity: f.velocity,
		Enabled:  !f.disabled,
	}
}
