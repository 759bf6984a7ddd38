package gps

import (
	"math"
	"sync"
	"time"

	"github.com/sajari/regression"

	"github.com/covmon/covmon/pkg"
)

// VelocityEstimator derives ground speed from recent fixes when the
// receiver does not report one. Speed is the least-squares slope of
// cumulative track distance over elapsed time.
type VelocityEstimator struct {
	mu     sync.Mutex
	window int
	maxAge time.Duration
	fixes  []timedFix
}

type timedFix struct {
	loc pkg.Location
	at  time.Time
}

// minFixes is the smallest window the regression is run on
const minFixes = 3

// NewVelocityEstimator keeps at most window fixes no older than maxAge
func NewVelocityEstimator(window int, maxAge time.Duration) *VelocityEstimator {
	if window < minFixes {
		window = minFixes
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &VelocityEstimator{window: window, maxAge: maxAge}
}

// Add records a fix taken at the given time. Out-of-order fixes are ignored.
func (e *VelocityEstimator) Add(loc pkg.Location, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n := len(e.fixes); n > 0 && !at.After(e.fixes[n-1].at) {
		return
	}
	e.fixes = append(e.fixes, timedFix{loc: loc, at: at})

	cutoff := at.Add(-e.maxAge)
	start := 0
	for start < len(e.fixes) && e.fixes[start].at.Before(cutoff) {
		start++
	}
	if over := len(e.fixes) - start - e.window; over > 0 {
		start += over
	}
	e.fixes = append(e.fixes[:0], e.fixes[start:]...)
}

// Estimate returns the speed in m/s, or false when there is not enough data
func (e *VelocityEstimator) Estimate() (float64, bool) {
	e.mu.Lock()
	fixes := make([]timedFix, len(e.fixes))
	copy(fixes, e.fixes)
	e.mu.Unlock()

	if len(fixes) < minFixes {
		return 0, false
	}

	var r regression.Regression
	r.SetObserved("distance_m")
	r.SetVar(0, "elapsed_s")

	origin := fixes[0].at
	travelled := 0.0
	for i, f := range fixes {
		if i > 0 {
			travelled += Distance(fixes[i-1].loc, f.loc)
		}
		r.Train(regression.DataPoint(travelled, []float64{f.at.Sub(origin).Seconds()}))
	}

	if err := r.Run(); err != nil {
		return 0, false
	}

	speed := r.Coeff(1)
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0, false
	}
	if speed < 0 {
		speed = 0
	}
	return speed, true
}

// Reset drops all recorded fixes
func (e *VelocityEstimator) Reset() {
	e.mu.Lock()
	e.fixes = nil
	e.mu.Unlock()
}
