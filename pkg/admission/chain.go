// Package admission decides whether a fused sample is representative enough to record
package admission

import (
	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/category"
)

// Config holds the admission thresholds
type Config struct {
	MinAccuracyM           float64 `uci:"min_accuracy_m" default:"50"`
	LocationAgeThresholdMS float64 `uci:"location_age_threshold_ms" default:"1000"`
	SimReadyState          int     `uci:"sim_ready_state" default:"5"`
	NoServiceAccessID      int     `uci:"no_service_access_id" default:"18"`
	Debug                  bool    `uci:"debug" default:"0"`
}

// DefaultConfig returns the default admission thresholds
func DefaultConfig() Config {
	return Config{
		MinAccuracyM:           50,
		LocationAgeThresholdMS: 1000,
		SimReadyState:          pkg.DefaultSimReadyState,
		NoServiceAccessID:      pkg.DefaultNoServiceAccessID,
	}
}

// RadiusProvider reports the current minimum displacement in meters (0 = unset)
type RadiusProvider interface {
	Radius() float64
}

// Decision is the outcome of Admit. Sample is the normalised copy when
// admitted and the untouched input otherwise.
type Decision struct {
	Admitted bool
	Reason   string
	Sample   pkg.FusedSample
}

// Gate is a single named admission predicate
type Gate struct {
	Name string
	Veto func(s pkg.FusedSample) bool
}

// Observer is told about every gate evaluation, in order
type Observer func(gate string, vetoed bool)

// Option configures a Chain
type Option func(*Chain)

// WithObserver registers an observer for gate evaluations
func WithObserver(o Observer) Option {
	return func(c *Chain) {
		c.observers = append(c.observers, o)
	}
}

// Chain evaluates gates strictly in order and stops at the first veto
type Chain struct {
	config    Config
	radius    RadiusProvider
	gates     []Gate
	observers []Observer
}

// NewChain builds the admission chain. radius may be nil, in which case the
// distance gate never vetoes.
func NewChain(config Config, radius RadiusProvider, opts ...Option) *Chain {
	c := &Chain{config: config, radius: radius}
	c.gates = []Gate{
		{Name: pkg.RejectOnWiFi, Veto: func(s pkg.FusedSample) bool {
			return s.HasWireless && s.Wireless.WiFiConnected
		}},
		{Name: pkg.RejectAirplane, Veto: func(s pkg.FusedSample) bool {
			return s.Network.Airplane
		}},
		{Name: pkg.RejectSimNotReady, Veto: func(s pkg.FusedSample) bool {
			return s.Network.SimState != c.config.SimReadyState
		}},
		{Name: pkg.RejectSimCount, Veto: func(s pkg.FusedSample) bool {
			return s.Network.MultiSimSupported && s.Network.ActiveSimCount != 1
		}},
		{Name: pkg.RejectTooClose, Veto: func(s pkg.FusedSample) bool {
			return s.HasPriorLocation && s.Distance < c.currentRadius()
		}},
		{Name: pkg.RejectLowAccuracy, Veto: func(s pkg.FusedSample) bool {
			return s.Location.Accuracy > c.config.MinAccuracyM
		}},
		{Name: pkg.RejectNoService, Veto: func(s pkg.FusedSample) bool {
			return s.Network.AccessID == c.config.NoServiceAccessID
		}},
		{Name: pkg.RejectStaleFix, Veto: func(s pkg.FusedSample) bool {
			return s.Location.AgeMS > c.config.LocationAgeThresholdMS
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gates returns the gate names in evaluation order
func (c *Chain) Gates() []string {
	names := make([]string, len(c.gates))
	for i, g := range c.gates {
		names[i] = g.Name
	}
	return names
}

// Admit runs the chain. In debug mode every sample is admitted unchanged.
func (c *Chain) Admit(s pkg.FusedSample) Decision {
	if c.config.Debug {
		return Decision{Admitted: true, Sample: s}
	}

	for _, g := range c.gates {
		vetoed := g.Veto(s)
		for _, o := range c.observers {
			o(g.Name, vetoed)
		}
		if vetoed {
			return Decision{Reason: g.Name, Sample: s}
		}
	}

	return Decision{Admitted: true, Sample: normalize(s)}
}

func (c *Chain) currentRadius() float64 {
	if c.radius == nil {
		return 0
	}
	return c.radius.Radius()
}

// normalize returns a copy with the platform quirks rewritten:
// Wi-Fi mode is reported as WWAN, an unknown access id with GSM voice or a
// registered operator is legacy 2G, as is an unknown access id during a
// call, and emergency-only service is always unknown.
func normalize(s pkg.FusedSample) pkg.FusedSample {
	out := s
	out.Fields = make(map[string]interface{}, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}

	if out.Wireless.Mode == pkg.ModeWiFi {
		out.Wireless.Mode = pkg.ModeWWAN
	}

	n := &out.Network
	if n.CallState == pkg.CallIdle && n.AccessID == pkg.AccessIDUnknown &&
		(n.VoiceID == pkg.VoiceIDGSM || n.OperatorNetMNC != "") && !n.EmergencyOnly {
		n.AccessID = pkg.AccessIDLegacy2G
		out.AccessName = string(category.Gen2G)
	}
	if n.CallState == pkg.CallActive && n.AccessID == pkg.AccessIDUnknown {
		n.AccessID = pkg.AccessIDLegacy2G
		out.AccessName = string(category.Gen2G)
	}
	if n.EmergencyOnly {
		n.AccessID = pkg.AccessIDUnknown
		out.AccessName = category.NetTypeName(pkg.AccessIDUnknown)
	}

	out.AccessCategory = string(category.Classify(n.AccessID))
	return out
}
