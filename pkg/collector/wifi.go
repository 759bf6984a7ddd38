package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/ubus"
)

// WiFiSource polls iwinfo over ubus and pushes WirelessSnapshots.
// A station (client mode) association counts as "connected to Wi-Fi";
// access point radios serving LAN clients do not.
type WiFiSource struct {
	*Poller
	client *ubus.Client
	logger *logx.Logger

	mu   sync.Mutex
	last *pkg.WirelessSnapshot
}

// NewWiFiSource creates a new wireless source
func NewWiFiSource(interval time.Duration, runner *retry.Runner, logger *logx.Logger) *WiFiSource {
	if runner == nil {
		runner = retry.NewRunner(retry.Config{
			MaxAttempts:   2,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			BackoffFactor: 2.0,
		})
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &WiFiSource{
		Poller: NewPoller("wifi", interval, logger),
		client: ubus.NewClient(runner, logger),
		logger: logger,
	}
}

// Start begins polling. Every poll is pushed; changes are logged.
func (w *WiFiSource) Start(ctx context.Context, emit func(pkg.WirelessSnapshot)) error {
	if emit == nil {
		return fmt.Errorf("wifi source: nil callback")
	}
	return w.Run(ctx, func(ctx context.Context) error {
		snap, err := w.Collect(ctx)
		if err != nil {
			return err
		}
		if w.changed(snap) {
			w.logger.Info("wireless state changed", "mode", snap.Mode, "ssid", snap.SSID, "connected", snap.WiFiConnected)
		}
		emit(snap)
		return nil
	})
}

// Collect performs a single poll of all wireless devices
func (w *WiFiSource) Collect(ctx context.Context) (pkg.WirelessSnapshot, error) {
	devices, err := w.devices(ctx)
	if err != nil {
		return pkg.WirelessSnapshot{}, err
	}

	snap := pkg.WirelessSnapshot{Mode: pkg.ModeWWAN, Extra: make(map[string]interface{})}
	for _, dev := range devices {
		info, err := w.info(ctx, dev)
		if err != nil {
			w.logger.Debug("iwinfo query failed", "device", dev, "error", err)
			continue
		}
		if station, ok := parseStation(info); ok {
			snap.Mode = pkg.ModeWiFi
			snap.WiFiConnected = true
			snap.SSID = station.SSID
			snap.Signal = station.Signal
			snap.Extra["wifi_device"] = dev
			break
		}
	}
	snap.UpdatedAt = time.Now()
	return snap, nil
}

func (w *WiFiSource) changed(snap pkg.WirelessSnapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.last
	w.last = &snap
	if prev == nil {
		return true
	}
	return prev.Mode != snap.Mode || prev.WiFiConnected != snap.WiFiConnected || prev.SSID != snap.SSID
}

// devices lists wireless devices via ubus iwinfo, sorted for stable output
func (w *WiFiSource) devices(ctx context.Context) ([]string, error) {
	var resp struct {
		Devices []string `json:"devices"`
	}
	if err := w.client.CallInto(ctx, "iwinfo", "devices", nil, &resp); err != nil {
		return nil, fmt.Errorf("iwinfo devices failed: %w", err)
	}
	sort.Strings(resp.Devices)
	return resp.Devices, nil
}

// info queries WiFi information for one device via ubus iwinfo
func (w *WiFiSource) info(ctx context.Context, device string) (map[string]interface{}, error) {
	result, err := w.client.CallMap(ctx, "iwinfo", "info", map[string]string{"device": device})
	if err != nil {
		return nil, fmt.Errorf("iwinfo info failed: %w", err)
	}
	return result, nil
}

type station struct {
	SSID   string
	Signal int
}

// parseStation reports whether an iwinfo response describes an associated client
func parseStation(data map[string]interface{}) (station, bool) {
	mode, _ := extractString(data, []string{"mode"})
	switch strings.ToLower(mode) {
	case "client", "sta", "station", "managed":
	default:
		return station{}, false
	}

	bssid, _ := extractString(data, []string{"bssid"})
	if bssid == "" || bssid == "00:00:00:00:00:00" {
		return station{}, false
	}

	var st station
	st.SSID, _ = extractString(data, []string{"ssid"})
	st.Signal, _ = extractNumber(data, []string{"signal"})
	return st, true
}
