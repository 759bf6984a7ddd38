package uci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covmon/covmon/pkg/retry"
)

const sampleConfig = `
# covmon agent
config covmon 'main'
	option track_id '1700000000000'
	option app_version '2.1.0'
	option min_accuracy_m '25'
	option location_age_threshold_ms '2000'
	option debug '1'
	option distance_filter '0'
	option database_path '/tmp/covmon test/coverage.db'
	option mqtt_broker 'broker.lan'
	option remote_host '192.168.1.1'

config other 'main'
	option track_id 'ignored'
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "covmon")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1000, cfg.MinTimeMS)
	assert.Equal(t, 50.0, cfg.MinAccuracyM)
	assert.Equal(t, 1000.0, cfg.LocationAgeThresholdMS)
	assert.Equal(t, 1.0, cfg.MinDistanceM)
	assert.True(t, cfg.DistanceFilter)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 5, cfg.SimReadyState)
	assert.Equal(t, 18, cfg.NoServiceAccessID)
	assert.Equal(t, 1000, cfg.WatchdogIntervalMS)
	assert.Equal(t, "covmon", cfg.MQTTTopicPrefix)
	assert.Equal(t, "root", cfg.RemoteUser)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "1700000000000", cfg.TrackID)
	assert.Equal(t, "2.1.0", cfg.AppVersion)
	assert.Equal(t, 25.0, cfg.MinAccuracyM)
	assert.Equal(t, 2000.0, cfg.LocationAgeThresholdMS)
	assert.True(t, cfg.Debug)
	assert.False(t, cfg.DistanceFilter)
	assert.Equal(t, "/tmp/covmon test/coverage.db", cfg.DatabasePath)
	assert.Equal(t, "broker.lan", cfg.MQTTBroker)
	assert.Equal(t, "192.168.1.1", cfg.RemoteHost)
	assert.Equal(t, 1000, cfg.MinTimeMS, "untouched options keep defaults")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConfigRequiredOptions(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config covmon 'main'\n\toption app_version '1'\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingOption))
	assert.Contains(t, err.Error(), "track_id")

	_, err = LoadConfig(writeConfig(t, "config covmon 'main'\n\toption track_id '1'\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingOption))
	assert.Contains(t, err.Error(), "app_version")
}

func TestLoadConfigBadNumber(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config covmon 'main'\n\toption min_time_ms 'soon'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_time_ms")
}

func TestValidateRanges(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.TrackID = "1"
		c.AppVersion = "1"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"min time too small", func(c *Config) { c.MinTimeMS = 10 }},
		{"accuracy zero", func(c *Config) { c.MinAccuracyM = 0 }},
		{"age zero", func(c *Config) { c.LocationAgeThresholdMS = 0 }},
		{"negative distance", func(c *Config) { c.MinDistanceM = -1 }},
		{"watchdog interval", func(c *Config) { c.WatchdogIntervalMS = 0 }},
		{"poll interval", func(c *Config) { c.PollIntervalMS = 99 }},
		{"queue size", func(c *Config) { c.QueueSize = 0 }},
		{"retention", func(c *Config) { c.RetentionHours = 1000 }},
		{"ram", func(c *Config) { c.MaxRAMMB = 0 }},
		{"port", func(c *Config) { c.HealthPort = 70000 }},
		{"log level", func(c *Config) { c.LogLevel = "trace" }},
		{"database path", func(c *Config) { c.DatabasePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

type fakeUCI struct {
	output string
	err    error
	calls  []string
}

func (f *fakeUCI) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.output), nil
}

func TestUCILoadConfig(t *testing.T) {
	exec := &fakeUCI{output: strings.Join([]string{
		"covmon.main=covmon",
		"covmon.main.track_id='42'",
		"covmon.main.app_version='1.0.0'",
		"covmon.main.poll_interval_ms='2000'",
		"covmon.main.mqtt_topic_prefix='fleet/car1'",
	}, "\n")}
	u := NewUCI(retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, exec), nil)

	cfg, err := u.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", cfg.TrackID)
	assert.Equal(t, 2000, cfg.PollIntervalMS)
	assert.Equal(t, "fleet/car1", cfg.MQTTTopicPrefix)
	assert.Equal(t, []string{"uci -q show covmon.main"}, exec.calls)
}

func TestUCILoadConfigFailure(t *testing.T) {
	exec := &fakeUCI{err: errors.New("exit status 1")}
	u := NewUCI(retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, exec), nil)

	_, err := u.LoadConfig(context.Background())
	assert.Error(t, err)
}

func TestUCIGet(t *testing.T) {
	exec := &fakeUCI{output: "1700000000000\n"}
	u := NewUCI(retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, exec), nil)

	v, err := u.Get(context.Background(), "covmon", "main", "track_id")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", v)
}

func TestParseShow(t *testing.T) {
	out := parseShow([]byte("covmon.main=covmon\ncovmon.main.debug='1'\ncovmon.other.debug='0'\ngarbage\n"), "covmon.main")
	assert.Equal(t, map[string]string{"debug": "1"}, out)
}
