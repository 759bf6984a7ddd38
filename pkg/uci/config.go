// Package uci loads the covmon configuration from OpenWrt UCI files or the uci CLI
package uci

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMissingOption is returned when a required option is absent
var ErrMissingOption = errors.New("missing required option")

// Config represents the covmon configuration (config covmon 'main')
type Config struct {
	// Sampling
	MinTimeMS              int     `json:"min_time_ms"`
	MinAccuracyM           float64 `json:"min_accuracy_m"`
	LocationAgeThresholdMS float64 `json:"location_age_threshold_ms"`
	MinDistanceM           float64 `json:"min_distance_m"`
	DistanceFilter         bool    `json:"distance_filter"`
	Debug                  bool    `json:"debug"`
	SimReadyState          int     `json:"sim_ready_state"`
	NoServiceAccessID      int     `json:"no_service_access_id"`
	WatchdogIntervalMS     int     `json:"watchdog_interval_ms"`
	PollIntervalMS         int     `json:"poll_interval_ms"`

	// Track metadata
	TrackID        string `json:"track_id"`
	AppVersion     string `json:"app_version"`
	LibraryVersion string `json:"library_version"`

	// Storage
	DatabasePath   string `json:"database_path"`
	QueueSize      int    `json:"queue_size"`
	RetentionHours int    `json:"retention_hours"`
	MaxRAMMB       int    `json:"max_ram_mb"`

	// Listeners
	MetricsListener bool `json:"metrics_listener"`
	MetricsPort     int  `json:"metrics_port"`
	HealthListener  bool `json:"health_listener"`
	HealthPort      int  `json:"health_port"`

	// Telemetry publish
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`

	// Logging
	LogLevel string `json:"log_level"`
	Syslog   bool   `json:"syslog"`

	// Collection
	UbusProvider string `json:"ubus_provider"`
	RemoteHost   string `json:"remote_host"`
	RemoteUser   string `json:"remote_user"`
	RemoteKey    string `json:"remote_key"`
}

// Default configuration values
const (
	DefaultMinTimeMS              = 1000
	DefaultMinAccuracyM           = 50
	DefaultLocationAgeThresholdMS = 1000
	DefaultMinDistanceM           = 1
	DefaultSimReadyState          = 5
	DefaultNoServiceAccessID      = 18
	DefaultWatchdogIntervalMS     = 1000
	DefaultPollIntervalMS         = 1000
	DefaultDatabasePath           = "/var/lib/covmon/coverage.db"
	DefaultQueueSize              = 256
	DefaultRetentionHours         = 24
	DefaultMaxRAMMB               = 16
	DefaultMetricsPort            = 9101
	DefaultHealthPort             = 9102
	DefaultMQTTPort               = 1883
	DefaultMQTTTopicPrefix        = "covmon"
	DefaultLogLevel               = "info"
	DefaultRemoteUser             = "root"

	// TrackIDAuto asks the daemon to use its start time as track id
	TrackIDAuto = "auto"
)

// Default returns a configuration with every default applied and no track metadata
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// LoadConfig loads and validates the covmon configuration from a UCI file.
// A missing file is reported with an error wrapping os.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read UCI config: %w", err)
	}

	cfg := Default()
	if err := cfg.parseUCI(string(data)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.MinTimeMS = DefaultMinTimeMS
	c.MinAccuracyM = DefaultMinAccuracyM
	c.LocationAgeThresholdMS = DefaultLocationAgeThresholdMS
	c.MinDistanceM = DefaultMinDistanceM
	c.DistanceFilter = true
	c.Debug = false
	c.SimReadyState = DefaultSimReadyState
	c.NoServiceAccessID = DefaultNoServiceAccessID
	c.WatchdogIntervalMS = DefaultWatchdogIntervalMS
	c.PollIntervalMS = DefaultPollIntervalMS
	c.DatabasePath = DefaultDatabasePath
	c.QueueSize = DefaultQueueSize
	c.RetentionHours = DefaultRetentionHours
	c.MaxRAMMB = DefaultMaxRAMMB
	c.MetricsListener = false
	c.MetricsPort = DefaultMetricsPort
	c.HealthListener = true
	c.HealthPort = DefaultHealthPort
	c.MQTTPort = DefaultMQTTPort
	c.MQTTTopicPrefix = DefaultMQTTTopicPrefix
	c.LogLevel = DefaultLogLevel
	c.RemoteUser = DefaultRemoteUser
}

// parseUCI parses the text of a UCI file. Only the covmon 'main' section is read.
func (c *Config) parseUCI(data string) error {
	inMain := false

	for n, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, name := splitWord(rest)
			inMain = unquote(sectionType) == "covmon" && unquote(name) == "main"
		case "option":
			if !inMain {
				continue
			}
			name, value := splitWord(rest)
			if name == "" {
				return fmt.Errorf("line %d: option without name", n+1)
			}
			if err := c.SetOption(name, unquote(value)); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
		}
	}
	return nil
}

// SetOption applies a single main section option. Unknown options are ignored.
func (c *Config) SetOption(option, value string) error {
	var err error
	switch option {
	case "min_time_ms":
		c.MinTimeMS, err = parseInt(option, value)
	case "min_accuracy_m":
		c.MinAccuracyM, err = parseFloat(option, value)
	case "location_age_threshold_ms":
		c.LocationAgeThresholdMS, err = parseFloat(option, value)
	case "min_distance_m":
		c.MinDistanceM, err = parseFloat(option, value)
	case "distance_filter":
		c.DistanceFilter = value == "1"
	case "debug":
		c.Debug = value == "1"
	case "sim_ready_state":
		c.SimReadyState, err = parseInt(option, value)
	case "no_service_access_id":
		c.NoServiceAccessID, err = parseInt(option, value)
	case "watchdog_interval_ms":
		c.WatchdogIntervalMS, err = parseInt(option, value)
	case "poll_interval_ms":
		c.PollIntervalMS, err = parseInt(option, value)
	case "track_id":
		c.TrackID = value
	case "app_version":
		c.AppVersion = value
	case "library_version":
		c.LibraryVersion = value
	case "database_path":
		c.DatabasePath = value
	case "queue_size":
		c.QueueSize, err = parseInt(option, value)
	case "retention_hours":
		c.RetentionHours, err = parseInt(option, value)
	case "max_ram_mb":
		c.MaxRAMMB, err = parseInt(option, value)
	case "metrics_listener":
		c.MetricsListener = value == "1"
	case "metrics_port":
		c.MetricsPort, err = parseInt(option, value)
	case "health_listener":
		c.HealthListener = value == "1"
	case "health_port":
		c.HealthPort, err = parseInt(option, value)
	case "mqtt_broker":
		c.MQTTBroker = value
	case "mqtt_port":
		c.MQTTPort, err = parseInt(option, value)
	case "mqtt_topic_prefix":
		c.MQTTTopicPrefix = value
	case "log_level":
		c.LogLevel = value
	case "syslog":
		c.Syslog = value == "1"
	case "ubus_provider":
		c.UbusProvider = value
	case "remote_host":
		c.RemoteHost = value
	case "remote_user":
		c.RemoteUser = value
	case "remote_key":
		c.RemoteKey = value
	}
	return err
}

// Validate checks required options and ranges
func (c *Config) Validate() error {
	if c.TrackID == "" {
		return fmt.Errorf("%w: track_id", ErrMissingOption)
	}
	if c.AppVersion == "" {
		return fmt.Errorf("%w: app_version", ErrMissingOption)
	}

	if c.MinTimeMS < 100 || c.MinTimeMS > 60000 {
		return fmt.Errorf("min_time_ms must be between 100 and 60000")
	}
	if c.MinAccuracyM <= 0 {
		return fmt.Errorf("min_accuracy_m must be positive")
	}
	if c.LocationAgeThresholdMS <= 0 {
		return fmt.Errorf("location_age_threshold_ms must be positive")
	}
	if c.MinDistanceM < 0 {
		return fmt.Errorf("min_distance_m must not be negative")
	}
	if c.WatchdogIntervalMS < 100 || c.WatchdogIntervalMS > 60000 {
		return fmt.Errorf("watchdog_interval_ms must be between 100 and 60000")
	}
	if c.PollIntervalMS < 100 || c.PollIntervalMS > 60000 {
		return fmt.Errorf("poll_interval_ms must be between 100 and 60000")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if c.RetentionHours < 1 || c.RetentionHours > 168 {
		return fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if c.MaxRAMMB < 1 || c.MaxRAMMB > 128 {
		return fmt.Errorf("max_ram_mb must be between 1 and 128")
	}
	for name, port := range map[string]int{"metrics_port": c.MetricsPort, "health_port": c.HealthPort, "mqtt_port": c.MQTTPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", name)
		}
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	return nil
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseInt(option, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", option, value, err)
	}
	return v, nil
}

func parseFloat(option, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", option, value, err)
	}
	return v, nil
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
