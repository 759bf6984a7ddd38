package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecomputeTierBoundaries(t *testing.T) {
	tests := []struct {
		velocity float64
		radius   float64
		tier     Tier
	}{
		{0, 10, TierWalking},
		{4.0, 10, TierWalking},
		{4.01, 25, TierBiking},
		{10.0, 25, TierBiking},
		{10.01, 50, TierDriving},
		{42, 50, TierDriving},
	}

	for _, tt := range tests {
		f := NewDistanceFilter(DefaultConfig(), nil)
		radius, changed := f.Recompute(tt.velocity)
		assert.True(t, changed, "velocity %v", tt.velocity)
		assert.Equal(t, tt.radius, radius, "velocity %v", tt.velocity)
		assert.Equal(t, tt.tier.String(), f.State().Tier)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	for _, v := range []float64{0, 1.5, 4, 4.01, 7, 10, 10.01, 30} {
		f := NewDistanceFilter(DefaultConfig(), nil)
		_, changed := f.Recompute(v)
		assert.True(t, changed)

		radius, changed := f.Recompute(v)
		assert.False(t, changed, "second recompute with %v must be a no-op", v)
		assert.Zero(t, radius)
	}
}

func TestRecomputeSameTierDifferentVelocity(t *testing.T) {
	f := NewDistanceFilter(DefaultConfig(), nil)
	f.Recompute(1)

	_, changed := f.Recompute(3.9)
	assert.False(t, changed)
	assert.Equal(t, 10.0, f.Radius())

	radius, changed := f.Recompute(12)
	assert.True(t, changed)
	assert.Equal(t, 50.0, radius)
}

func TestRecomputeGuards(t *testing.T) {
	f := NewDistanceFilter(DefaultConfig(), nil)

	_, changed := f.Recompute(-1)
	assert.False(t, changed)
	assert.Zero(t, f.Radius())

	f.SetEnabled(false)
	_, changed = f.Recompute(20)
	assert.False(t, changed)
	assert.Zero(t, f.Radius())
	assert.False(t, f.State().Enabled)

	f.SetEnabled(true)
	_, changed = f.Recompute(20)
	assert.True(t, changed)
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "walking", TierWalking.String())
	assert.Equal(t, "biking", TierBiking.String())
	assert.Equal(t, "driving", TierDriving.String())
	assert.Equal(t, "unknown", TierUnknown.String())
}
