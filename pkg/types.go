package pkg

import (
	"fmt"
	"math"
	"time"
)

// RawLocationSample is a single fix emitted by a location source
type RawLocationSample struct {
	Latitude  float64   `json:"app_latitude"`
	Longitude float64   `json:"app_longitude"`
	Altitude  float64   `json:"app_altitude"`
	Accuracy  float64   `json:"app_accuracy"` // meters
	Velocity  float64   `json:"app_velocity"` // m/s, negative when unknown
	AgeMS     float64   `json:"app_location_age_ms"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider,omitempty"`

	// Extra carries source specific fields that are merged into the fused record
	Extra map[string]interface{} `json:"-"`
}

// Validate checks that the sample carries usable coordinates
func (s RawLocationSample) Validate() error {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) {
		return fmt.Errorf("location sample has NaN coordinates")
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", s.Longitude)
	}
	if math.IsNaN(s.Accuracy) || s.Accuracy < 0 {
		return fmt.Errorf("invalid accuracy %f", s.Accuracy)
	}
	return nil
}

// NetworkSnapshot is the latest telephony/network state reported by the modem
type NetworkSnapshot struct {
	AccessID       int     `json:"app_access_id"`
	VoiceID        int     `json:"app_voice_id"`   // -1 when unknown
	CallState      int     `json:"app_call_state"` // 0 idle, 1 active
	OperatorNet    string  `json:"app_operator_net,omitempty"`
	OperatorNetMCC string  `json:"app_operator_net_mcc,omitempty"`
	OperatorNetMNC string  `json:"app_operator_net_mnc,omitempty"`
	OperatorSIM    string  `json:"app_operator_sim,omitempty"`
	OperatorSIMMCC string  `json:"app_operator_sim_mcc,omitempty"`
	OperatorSIMMNC string  `json:"app_operator_sim_mnc,omitempty"`
	EmergencyOnly  bool    `json:"app_emergency_only"`
	RSSI           float64 `json:"app_rssi"`
	ARFCN          int     `json:"app_arfcn"`
	CellID         string  `json:"app_cellid,omitempty"`
	CellLAC        string  `json:"app_celllac,omitempty"`
	Voice          string  `json:"app_voice,omitempty"`

	// Device level signals shared with the watchdog
	SimState          int  `json:"sim_state"`
	ActiveSimCount    int  `json:"active_sim_count"`
	MultiSimSupported bool `json:"multi_sim_supported"`
	Airplane          bool `json:"airplane"`

	Extra     map[string]interface{} `json:"-"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NormalizeCallState folds any non-idle raw call state into CallActive
func NormalizeCallState(raw int) int {
	if raw == CallIdle {
		return CallIdle
	}
	return CallActive
}

// Validate rejects partial or malformed network pushes
func (n NetworkSnapshot) Validate() error {
	if n.AccessID < 0 {
		return fmt.Errorf("missing access id")
	}
	if math.IsNaN(n.RSSI) || math.IsInf(n.RSSI, 0) {
		return fmt.Errorf("invalid rssi")
	}
	if n.ActiveSimCount < 0 {
		return fmt.Errorf("negative active sim count %d", n.ActiveSimCount)
	}
	return nil
}

// WirelessSnapshot is the latest Wi-Fi/mode state
type WirelessSnapshot struct {
	Mode          string `json:"app_mode"`
	WiFiConnected bool   `json:"wifi_connected"`
	SSID          string `json:"wifi_ssid,omitempty"`
	Signal        int    `json:"wifi_signal,omitempty"`

	Extra     map[string]interface{} `json:"-"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Validate rejects malformed wireless pushes
func (w WirelessSnapshot) Validate() error {
	if w.Mode == "" {
		return fmt.Errorf("missing mode")
	}
	return nil
}

// Location is a plain coordinate pair
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceInfo is the static metadata stamped on every fused sample
type DeviceInfo struct {
	TrackID             string `json:"track_id"`
	AppVersion          string `json:"app_version"`
	LibraryVersion      string `json:"app_library_version"`
	ClientOS            string `json:"client_os"`
	ClientOSVersion     string `json:"client_os_version"`
	Manufacturer        string `json:"app_manufacturer"`
	ManufacturerID      string `json:"app_manufacturer_id"`
	ManufacturerVersion string `json:"app_manufacturer_version"`
}

// FusedSample is a location fix combined with the network and wireless state
// known at fusion time. Treat as a value: the admission chain returns copies.
type FusedSample struct {
	Location RawLocationSample `json:"location"`
	Network  NetworkSnapshot   `json:"network"`
	Wireless WirelessSnapshot  `json:"wireless"`
	Device   DeviceInfo        `json:"device"`

	HasNetwork  bool `json:"has_network"`
	HasWireless bool `json:"has_wireless"`

	Distance         float64   `json:"app_distance"`
	HasPriorLocation bool      `json:"has_prior_location"`
	AccessName       string    `json:"app_access"`
	AccessCategory   string    `json:"app_access_category"`
	GeoTimestamp     time.Time `json:"app_geo_timestamp"`
	GeoTimezone      int       `json:"app_geo_timezone"` // UTC offset in seconds

	// Fields holds the merged passthrough payload (location wins on collisions)
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Record flattens the sample into a persistence row keyed by column name
func (f FusedSample) Record() map[string]interface{} {
	row := make(map[string]interface{}, len(f.Fields)+40)
	for k, v := range f.Fields {
		row[k] = v
	}

	row["track_id"] = f.Device.TrackID
	row["timestamp"] = f.Device.TrackID
	row["app_geo_timestamp"] = f.GeoTimestamp.UnixMilli()
	row["app_geo_timezone"] = f.GeoTimezone
	row["client_os"] = f.Device.ClientOS
	row["client_os_version"] = f.Device.ClientOSVersion
	row["app_manufacturer"] = f.Device.Manufacturer
	row["app_manufacturer_id"] = f.Device.ManufacturerID
	row["app_manufacturer_version"] = f.Device.ManufacturerVersion
	row["app_version"] = f.Device.AppVersion
	row["app_library_version"] = f.Device.LibraryVersion

	row["app_latitude"] = f.Location.Latitude
	row["app_longitude"] = f.Location.Longitude
	row["app_altitude"] = f.Location.Altitude
	row["app_accuracy"] = f.Location.Accuracy
	row["app_velocity"] = f.Location.Velocity
	row["app_distance"] = f.Distance

	if f.HasNetwork {
		row["app_operator_net"] = f.Network.OperatorNet
		row["app_operator_net_mcc"] = f.Network.OperatorNetMCC
		row["app_operator_net_mnc"] = f.Network.OperatorNetMNC
		row["app_operator_sim"] = f.Network.OperatorSIM
		row["app_operator_sim_mcc"] = f.Network.OperatorSIMMCC
		row["app_operator_sim_mnc"] = f.Network.OperatorSIMMNC
		row["app_access_id"] = f.Network.AccessID
		row["app_call_state"] = f.Network.CallState
		row["app_voice"] = f.Network.Voice
		row["app_voice_id"] = f.Network.VoiceID
		row["app_rssi"] = f.Network.RSSI
		row["app_arfcn"] = f.Network.ARFCN
		row["app_cellid"] = f.Network.CellID
		row["app_celllac"] = f.Network.CellLAC
	}
	if f.HasWireless {
		row["app_mode"] = f.Wireless.Mode
	}
	row["app_access"] = f.AccessName
	row["app_access_category"] = f.AccessCategory
	row["sent"] = false

	return row
}

// WarningEvent is the single result of one watchdog tick
type WarningEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Reason    string                 `json:"warning"`
	Priority  int                    `json:"priority"`
	Show      bool                   `json:"show"`
	Tick      int                    `json:"counter"`
	Accuracy  float64                `json:"app_accuracy"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Call states
const (
	CallIdle   = 0
	CallActive = 1
)

// Wireless modes
const (
	ModeWiFi = "WIFI"
	ModeWWAN = "WWAN"
)

// Admission rejection reasons
const (
	RejectOnWiFi      = "on_wifi"
	RejectAirplane    = "airplane"
	RejectSimNotReady = "sim_not_ready"
	RejectSimCount    = "sim_count"
	RejectTooClose    = "too_close"
	RejectLowAccuracy = "low_accuracy"
	RejectNoService   = "no_service"
	RejectStaleFix    = "stale_fix"
)

// Watchdog warning reasons
const (
	WarningInfo     = "info"
	WarningWiFi     = "wifi"
	WarningAirplane = "airplane"
	WarningGPS      = "gps"
	WarningAge      = "age"
	WarningSimNone  = "sim<1"
	WarningSimMulti = "sim>1"
	WarningNone     = "no"
)

// Well known platform values
const (
	DefaultSimReadyState     = 5
	DefaultNoServiceAccessID = 18
	AccessIDUnknown          = 0
	AccessIDLegacy2G         = 4
	VoiceIDGSM               = 16
)
