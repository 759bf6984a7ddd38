package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/uci"
)

type failingExecutor struct{}

func (failingExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, errors.New("ubus: not found")
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covmon")
	require.NoError(t, os.WriteFile(path, []byte("config covmon 'main'\n\toption track_id 'auto'\n\toption app_version '1.2.3'\n"), 0o644))

	config, err := loadConfig(path, logx.New("error"))
	require.NoError(t, err)
	assert.Equal(t, uci.TrackIDAuto, config.TrackID)
	assert.Equal(t, "1.2.3", config.AppVersion)
}

func TestLoadConfigInvalidFileDoesNotFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covmon")
	require.NoError(t, os.WriteFile(path, []byte("config covmon 'main'\n\toption app_version '1'\n"), 0o644))

	_, err := loadConfig(path, logx.New("error"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, uci.ErrMissingOption))
}

func TestDeviceInfoAutoTrackID(t *testing.T) {
	config := uci.Default()
	config.TrackID = uci.TrackIDAuto
	config.AppVersion = "1.2.3"
	runner := retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, failingExecutor{})

	before := time.Now().UnixMilli()
	device := deviceInfo(context.Background(), runner, config, logx.New("error"))

	id, err := strconv.ParseInt(device.TrackID, 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, before)
	assert.Equal(t, "OpenWrt", device.ClientOS)
	assert.Equal(t, "1.2.3", device.AppVersion)
	assert.Equal(t, version, device.LibraryVersion)
}

func TestAgentConfig(t *testing.T) {
	config := uci.Default()
	config.TrackID = "42"
	config.AppVersion = "1"
	config.Debug = true
	config.MinAccuracyM = 20
	config.WatchdogIntervalMS = 500

	device := deviceInfo(context.Background(),
		retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, failingExecutor{}), config, logx.New("error"))
	cfg := agentConfig(config, device, 2*time.Second)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "42", cfg.Device.TrackID)
	assert.Equal(t, 2*time.Second, cfg.MinInterval)
	assert.True(t, cfg.Admission.Debug)
	assert.Equal(t, 20.0, cfg.Admission.MinAccuracyM)
	assert.Equal(t, 500*time.Millisecond, cfg.Watchdog.Interval)
	assert.True(t, cfg.DistanceFilter)
}

func TestMQTTConfig(t *testing.T) {
	config := uci.Default()
	assert.False(t, mqttConfig(config).Enabled)

	config.MQTTBroker = "broker.lan"
	config.MQTTTopicPrefix = "fleet/van7"
	cfg := mqttConfig(config)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "broker.lan", cfg.Broker)
	assert.Equal(t, 1883, cfg.Port)
	assert.Equal(t, "fleet/van7", cfg.TopicPrefix)
}
