package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covmon/covmon/pkg"
)

func TestParseStation(t *testing.T) {
	tests := []struct {
		name      string
		data      map[string]interface{}
		connected bool
	}{
		{
			name:      "associated client",
			data:      map[string]interface{}{"mode": "Client", "ssid": "Cafe", "bssid": "AA:BB:CC:DD:EE:FF", "signal": float64(-58)},
			connected: true,
		},
		{
			name:      "client without association",
			data:      map[string]interface{}{"mode": "Client", "bssid": "00:00:00:00:00:00"},
			connected: false,
		},
		{
			name:      "access point",
			data:      map[string]interface{}{"mode": "Master", "ssid": "RUT_AP", "bssid": "AA:BB:CC:DD:EE:01"},
			connected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseStation(tt.data)
			assert.Equal(t, tt.connected, ok)
		})
	}
}

func TestWiFiSourceCollect(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{
		"iwinfo devices":                 `{"devices":["wlan1","wlan0"]}`,
		`iwinfo info {"device":"wlan0"}`: `{"mode":"Master","ssid":"RUT_AP","bssid":"AA:BB:CC:DD:EE:01"}`,
		`iwinfo info {"device":"wlan1"}`: `{"mode":"Client","ssid":"Cafe","bssid":"AA:BB:CC:DD:EE:FF","signal":-58}`,
	})
	source := NewWiFiSource(time.Second, runner, nil)

	snap, err := source.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.ModeWiFi, snap.Mode)
	assert.True(t, snap.WiFiConnected)
	assert.Equal(t, "Cafe", snap.SSID)
	assert.Equal(t, -58, snap.Signal)
	assert.Equal(t, "wlan1", snap.Extra["wifi_device"])
	assert.NoError(t, snap.Validate())
}

func TestWiFiSourceAccessPointOnly(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{
		"iwinfo devices":                 `{"devices":["wlan0"]}`,
		`iwinfo info {"device":"wlan0"}`: `{"mode":"Master","ssid":"RUT_AP"}`,
	})
	source := NewWiFiSource(time.Second, runner, nil)

	snap, err := source.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.ModeWWAN, snap.Mode)
	assert.False(t, snap.WiFiConnected)
}

func TestWiFiSourceChangeDetection(t *testing.T) {
	source := NewWiFiSource(time.Second, nil, nil)

	assert.True(t, source.changed(pkg.WirelessSnapshot{Mode: pkg.ModeWWAN}))
	assert.False(t, source.changed(pkg.WirelessSnapshot{Mode: pkg.ModeWWAN}))
	assert.True(t, source.changed(pkg.WirelessSnapshot{Mode: pkg.ModeWiFi, WiFiConnected: true}))
}

func TestWiFiSourceNoIwinfo(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{})
	source := NewWiFiSource(time.Second, runner, nil)

	_, err := source.Collect(context.Background())
	assert.Error(t, err)
}
