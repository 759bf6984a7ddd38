package fusion

import (
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covmon/covmon/pkg"
)

var device = pkg.DeviceInfo{TrackID: "1700000000000", AppVersion: "1.4.0", ClientOS: "RutOS"}

func TestFuseWithoutSnapshots(t *testing.T) {
	b := NewBuffer(device)

	s := b.Fuse(pkg.RawLocationSample{Latitude: 1, Longitude: 2, Accuracy: 5}, nil)

	assert.False(t, s.HasNetwork)
	assert.False(t, s.HasWireless)
	assert.False(t, s.HasPriorLocation)
	assert.Zero(t, s.Distance)
	assert.Equal(t, "unknown", s.AccessCategory)
	assert.Equal(t, device, s.Device)
	assert.False(t, s.GeoTimestamp.IsZero())
}

func TestFuseUsesLatestSnapshots(t *testing.T) {
	b := NewBuffer(device)

	require.NoError(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: 3, VoiceID: -1}))
	require.NoError(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: 13, VoiceID: -1, CallState: 2}))
	require.NoError(t, b.UpdateWireless(pkg.WirelessSnapshot{Mode: pkg.ModeWWAN}))

	s := b.Fuse(pkg.RawLocationSample{Latitude: 1, Longitude: 2}, nil)

	assert.True(t, s.HasNetwork)
	assert.True(t, s.HasWireless)
	assert.Equal(t, 13, s.Network.AccessID)
	assert.Equal(t, pkg.CallActive, s.Network.CallState, "raw call state normalised")
	assert.Equal(t, "LTE", s.AccessName)
	assert.Equal(t, "4G", s.AccessCategory)
	assert.Equal(t, pkg.ModeWWAN, s.Wireless.Mode)
}

func TestFuseMergeOrderLocationWins(t *testing.T) {
	b := NewBuffer(device)

	require.NoError(t, b.UpdateNetwork(pkg.NetworkSnapshot{
		AccessID: 13,
		Extra:    map[string]interface{}{"shared": "network", "app_band": "B3"},
	}))
	require.NoError(t, b.UpdateWireless(pkg.WirelessSnapshot{
		Mode:  pkg.ModeWWAN,
		Extra: map[string]interface{}{"shared": "wireless", "wifi_device": "wlan1"},
	}))

	s := b.Fuse(pkg.RawLocationSample{Extra: map[string]interface{}{"shared": "location"}}, nil)
	assert.Equal(t, "location", s.Fields["shared"])
	assert.Equal(t, "B3", s.Fields["app_band"])
	assert.Equal(t, "wlan1", s.Fields["wifi_device"])

	s = b.Fuse(pkg.RawLocationSample{}, nil)
	assert.Equal(t, "wireless", s.Fields["shared"])
}

func TestFuseDistanceToReference(t *testing.T) {
	b := NewBuffer(device)
	ref := pkg.Location{Latitude: 59.3293, Longitude: 18.0686}

	s := b.Fuse(pkg.RawLocationSample{Latitude: 59.3303, Longitude: 18.0686}, &ref)
	assert.True(t, s.HasPriorLocation)
	assert.InDelta(t, 111.19, s.Distance, 0.05)
}

func TestMalformedSnapshotsRejected(t *testing.T) {
	b := NewBuffer(device)
	require.NoError(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: 13}))
	require.NoError(t, b.UpdateWireless(pkg.WirelessSnapshot{Mode: pkg.ModeWWAN}))

	assert.Error(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: -1}))
	assert.Error(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: 13, RSSI: math.NaN()}))
	assert.Error(t, b.UpdateWireless(pkg.WirelessSnapshot{}))

	n, ok := b.Network()
	require.True(t, ok)
	assert.Equal(t, 13, n.AccessID, "previous network snapshot kept")

	w, ok := b.Wireless()
	require.True(t, ok)
	assert.Equal(t, pkg.ModeWWAN, w.Mode, "wireless buffer untouched")
}

func TestSnapshotIsolation(t *testing.T) {
	b := NewBuffer(device)
	extra := map[string]interface{}{"app_band": "B3"}
	require.NoError(t, b.UpdateNetwork(pkg.NetworkSnapshot{AccessID: 13, Extra: extra}))

	extra["app_band"] = "B20"
	s := b.Fuse(pkg.RawLocationSample{}, nil)
	assert.Equal(t, "B3", s.Fields["app_band"])

	s.Fields["app_band"] = "mutated"
	s = b.Fuse(pkg.RawLocationSample{}, nil)
	assert.Equal(t, "B3", s.Fields["app_band"])
}

func TestQualityTracksLatestFix(t *testing.T) {
	b := NewBuffer(device)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	_, ok := b.Quality()
	assert.False(t, ok)

	b.Fuse(pkg.RawLocationSample{Accuracy: 12, AgeMS: 300, Velocity: 3}, nil)
	q, ok := b.Quality()
	require.True(t, ok)
	assert.Equal(t, 12.0, q.Accuracy)
	assert.Equal(t, 3.0, q.Velocity)
	assert.Equal(t, 300.0, q.AgeMS)
	assert.Equal(t, now, q.ReceivedAt)

	now = now.Add(1500 * time.Millisecond)
	q, _ = b.Quality()
	assert.Equal(t, 300.0, q.AgeMS, "reported age does not grow between fixes")
}

func TestGeoTimezoneOffset(t *testing.T) {
	b := NewBuffer(device)
	cest := time.FixedZone("CEST", 2*3600)

	s := b.Fuse(pkg.RawLocationSample{Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, cest)}, nil)
	assert.Equal(t, 7200, s.GeoTimezone)
}

func TestGeoTimezoneIgnoresDaylightSaving(t *testing.T) {
	b := NewBuffer(device)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	summer := b.Fuse(pkg.RawLocationSample{Timestamp: time.Date(2024, 7, 15, 12, 0, 0, 0, berlin)}, nil)
	winter := b.Fuse(pkg.RawLocationSample{Timestamp: time.Date(2024, 1, 15, 12, 0, 0, 0, berlin)}, nil)
	assert.Equal(t, 3600, summer.GeoTimezone)
	assert.Equal(t, 3600, winter.GeoTimezone)

	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	s := b.Fuse(pkg.RawLocationSample{Timestamp: time.Date(2024, 1, 15, 12, 0, 0, 0, sydney)}, nil)
	assert.Equal(t, 10*3600, s.GeoTimezone)
}
