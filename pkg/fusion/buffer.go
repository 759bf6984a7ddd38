// Package fusion merges asynchronous network and wireless state into location events
package fusion

import (
	"fmt"
	"sync"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/category"
	"github.com/covmon/covmon/pkg/gps"
)

// LocationQuality is the most recent fix quality, read by the watchdog.
// AgeMS is the age the source reported with the fix; it does not grow
// while no new fix arrives.
type LocationQuality struct {
	Accuracy   float64
	AgeMS      float64
	Velocity   float64
	ReceivedAt time.Time
}

// Buffer holds the latest network and wireless snapshots. Readers never
// wait for a fresh push; they get whatever was last written.
type Buffer struct {
	device pkg.DeviceInfo
	now    func() time.Time

	mu          sync.RWMutex
	network     pkg.NetworkSnapshot
	wireless    pkg.WirelessSnapshot
	hasNetwork  bool
	hasWireless bool
	quality     LocationQuality
	hasQuality  bool
}

// NewBuffer creates a buffer stamping every fused sample with device
func NewBuffer(device pkg.DeviceInfo) *Buffer {
	return &Buffer{device: device, now: time.Now}
}

// UpdateNetwork replaces the network snapshot; malformed snapshots are rejected
func (b *Buffer) UpdateNetwork(n pkg.NetworkSnapshot) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("network snapshot rejected: %w", err)
	}
	n.CallState = pkg.NormalizeCallState(n.CallState)
	n.Extra = copyFields(n.Extra)
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = b.now()
	}

	b.mu.Lock()
	b.network = n
	b.hasNetwork = true
	b.mu.Unlock()
	return nil
}

// UpdateWireless replaces the wireless snapshot; malformed snapshots are rejected
func (b *Buffer) UpdateWireless(w pkg.WirelessSnapshot) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("wireless snapshot rejected: %w", err)
	}
	w.Extra = copyFields(w.Extra)
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = b.now()
	}

	b.mu.Lock()
	b.wireless = w
	b.hasWireless = true
	b.mu.Unlock()
	return nil
}

// Network returns a copy of the latest network snapshot
func (b *Buffer) Network() (pkg.NetworkSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.network, b.hasNetwork
}

// Wireless returns a copy of the latest wireless snapshot
func (b *Buffer) Wireless() (pkg.WirelessSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wireless, b.hasWireless
}

// Quality returns the latest location quality
func (b *Buffer) Quality() (LocationQuality, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quality, b.hasQuality
}

// Fuse combines a location fix with the latest snapshots. reference is the
// last admitted location; nil means none exists and distance is 0.
func (b *Buffer) Fuse(loc pkg.RawLocationSample, reference *pkg.Location) pkg.FusedSample {
	now := b.now()

	b.mu.Lock()
	b.quality = LocationQuality{
		Accuracy:   loc.Accuracy,
		AgeMS:      loc.AgeMS,
		Velocity:   loc.Velocity,
		ReceivedAt: now,
	}
	b.hasQuality = true
	network, hasNetwork := b.network, b.hasNetwork
	wireless, hasWireless := b.wireless, b.hasWireless
	b.mu.Unlock()

	fields := make(map[string]interface{}, len(network.Extra)+len(wireless.Extra)+len(loc.Extra))
	for k, v := range network.Extra {
		fields[k] = v
	}
	for k, v := range wireless.Extra {
		fields[k] = v
	}
	for k, v := range loc.Extra {
		fields[k] = v
	}

	geoTime := loc.Timestamp
	if geoTime.IsZero() {
		geoTime = now
	}
	offset := standardOffset(geoTime)

	sample := pkg.FusedSample{
		Location:     loc,
		Network:      network,
		Wireless:     wireless,
		Device:       b.device,
		HasNetwork:   hasNetwork,
		HasWireless:  hasWireless,
		GeoTimestamp: geoTime,
		GeoTimezone:  offset,
		Fields:       fields,
	}
	sample.Location.Extra = nil
	sample.Network.Extra = nil
	sample.Wireless.Extra = nil

	if hasNetwork {
		fields["app_access_id_debug"] = network.AccessID
		sample.AccessName = category.NetTypeName(network.AccessID)
		sample.AccessCategory = string(category.Classify(network.AccessID))
	} else {
		sample.AccessName = category.NetTypeName(pkg.AccessIDUnknown)
		sample.AccessCategory = string(category.Unknown)
	}

	if reference != nil {
		sample.HasPriorLocation = true
		sample.Distance = gps.Distance(*reference, pkg.Location{Latitude: loc.Latitude, Longitude: loc.Longitude})
	}

	return sample
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// standardOffset is the zone offset of t in seconds without any daylight
// saving shift: the smaller of the January and July offsets of that year.
func standardOffset(t time.Time) int {
	loc := t.Location()
	_, jan := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(t.Year(), time.July, 1, 0, 0, 0, 0, loc).Zone()
	if jul < jan {
		return jul
	}
	return jan
}
