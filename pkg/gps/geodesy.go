// Package gps provides geodesy helpers, velocity estimation and the router GNSS location source
package gps

import (
	"github.com/golang/geo/s2"

	"github.com/covmon/covmon/pkg"
)

// EarthRadiusMeters is the mean Earth radius used for all distances
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance between a and b in meters
func Distance(a, b pkg.Location) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}
