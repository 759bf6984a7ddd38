package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/admission"
	"github.com/covmon/covmon/pkg/agent"
	"github.com/covmon/covmon/pkg/collector"
	"github.com/covmon/covmon/pkg/gps"
	"github.com/covmon/covmon/pkg/health"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/metrics"
	"github.com/covmon/covmon/pkg/mqtt"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/telem"
	"github.com/covmon/covmon/pkg/uci"
	"github.com/covmon/covmon/pkg/watchdog"
)

const (
	version = "1.0.0-dev"
	appName = "covmond"
)

// statusInterval is how often counters are published and the telemetry
// store is pruned
const statusInterval = 30 * time.Second

func main() {
	// Command line flags
	var (
		configFile  = flag.String("config", "/etc/config/covmon", "UCI config file path")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error), overrides the config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	bootLevel := *logLevel
	if bootLevel == "" {
		bootLevel = uci.DefaultLogLevel
	}
	logger := logx.New(bootLevel)

	config, err := loadConfig(*configFile, logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "config_file", *configFile)
		os.Exit(1)
	}

	if *logLevel == "" && config.LogLevel != bootLevel {
		logger = logx.New(config.LogLevel)
	}
	if config.Syslog {
		logger.EnableSyslog(appName)
	}

	logger.Info("Starting coverage daemon",
		"version", version,
		"config", *configFile,
		"track_id", config.TrackID,
		"debug", config.Debug,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Coverage daemon stopped")
}

// loadConfig reads the UCI file and falls back to the uci CLI when the file
// does not exist
func loadConfig(path string, logger *logx.Logger) (*uci.Config, error) {
	config, err := uci.LoadConfig(path)
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Warn("Config file not found, asking uci", "config_file", path)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return uci.NewUCI(nil, logger).LoadConfig(ctx)
}

func run(ctx context.Context, config *uci.Config, logger *logx.Logger) error {
	runner, closeRunner := newRunner(config, logger)
	defer closeRunner()

	device := deviceInfo(ctx, runner, config, logger)

	db, err := telem.OpenSQLStore(config.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store := telem.NewStore(telem.Config{
		RetentionHours: config.RetentionHours,
		MaxRAMMB:       config.MaxRAMMB,
	})

	metricsServer := metrics.NewServer(nil, store, logger, version)

	samples := make(chan pkg.FusedSample, config.QueueSize)
	warnings := make(chan pkg.WarningEvent, 16)

	interval := time.Duration(config.MinTimeMS) * time.Millisecond
	poll := time.Duration(config.PollIntervalMS) * time.Millisecond

	location := gps.NewGPSCtlSource(runner, logger.With("source", "gps"))
	network := collector.NewCellularSource(config.UbusProvider, poll, runner, logger.With("source", "cellular"))
	wireless := collector.NewWiFiSource(poll, runner, logger.With("source", "wifi"))

	a, err := agent.New(agentConfig(config, device, interval), location, network, wireless, db,
		agent.WithLogger(logger),
		agent.WithInstrumentation(metricsServer),
		agent.WithSampleObserver(func(s pkg.FusedSample) { store.AddSample(telem.SampleFromFused(s)) }),
		agent.WithSampleObserver(agent.SampleChannel(samples)),
		agent.WithWarningObserver(store.AddEvent),
		agent.WithWarningObserver(agent.WarningChannel(warnings)),
	)
	if err != nil {
		return err
	}
	metricsServer.SetCounterSource(a)

	healthServer := health.NewServer(a, store, logger, version)
	if config.HealthListener {
		if err := healthServer.Start(fmt.Sprintf(":%d", config.HealthPort)); err != nil {
			return err
		}
		defer healthServer.Stop()
	}
	if config.MetricsListener {
		if err := metricsServer.Start(fmt.Sprintf(":%d", config.MetricsPort)); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	publisher := mqtt.NewClient(mqttConfig(config), logger)
	if err := publisher.Connect(); err != nil {
		logger.Warn("MQTT publishing unavailable", "error", err)
		healthServer.UpdateComponentHealth("mqtt", health.StatusDegraded, err.Error())
	}
	defer publisher.Disconnect()

	if err := a.Start(ctx); err != nil {
		a.Stop()
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer a.Stop()

	forwardCtx, stopForward := context.WithCancel(context.Background())
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		publisher.Forward(forwardCtx, samples, warnings)
	}()
	defer func() {
		stopForward()
		<-forwarded
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// SIGHUP re-arms the watchdog info event
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("Coverage daemon started successfully", "track_id", device.TrackID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			return nil
		case <-hup:
			logger.Info("Resetting watchdog tick counter")
			a.ResetWarnings()
		case <-ticker.C:
			store.Cleanup()
			counters := a.Counters()
			if err := publisher.PublishStatus(counters); err != nil {
				logger.Warn("Failed to publish status", "error", err)
			}
			logger.Debug("Daemon heartbeat", "counters", counters, "radius_m", a.Radius())
		}
	}
}

// newRunner returns a command runner for the local router, or one that
// executes over SSH when remote_host is set
func newRunner(config *uci.Config, logger *logx.Logger) (*retry.Runner, func()) {
	if config.RemoteHost == "" {
		return retry.NewRunner(retry.DefaultConfig()), func() {}
	}

	exec := retry.NewSSHExecutor(retry.SSHConfig{
		Host:    config.RemoteHost,
		User:    config.RemoteUser,
		KeyFile: config.RemoteKey,
	})
	logger.Info("Collecting from remote router", "host", config.RemoteHost, "user", config.RemoteUser)
	return retry.NewRunnerWithExecutor(retry.DefaultConfig(), exec), func() {
		if err := exec.Close(); err != nil {
			logger.Debug("Failed to close ssh connection", "error", err)
		}
	}
}

func deviceInfo(ctx context.Context, runner *retry.Runner, config *uci.Config, logger *logx.Logger) pkg.DeviceInfo {
	device, err := collector.BoardInfo(ctx, runner)
	if err != nil {
		logger.Warn("Board info unavailable", "error", err)
		device = pkg.DeviceInfo{ClientOS: "OpenWrt"}
	}

	device.TrackID = config.TrackID
	if device.TrackID == uci.TrackIDAuto {
		device.TrackID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	device.AppVersion = config.AppVersion
	device.LibraryVersion = config.LibraryVersion
	if device.LibraryVersion == "" {
		device.LibraryVersion = version
	}
	return device
}

func agentConfig(config *uci.Config, device pkg.DeviceInfo, interval time.Duration) agent.Config {
	cfg := agent.DefaultConfig()
	cfg.Device = device
	cfg.MinInterval = interval
	cfg.MinDistanceM = config.MinDistanceM
	cfg.DistanceFilter = config.DistanceFilter
	cfg.QueueSize = config.QueueSize
	cfg.Admission = admission.Config{
		MinAccuracyM:           config.MinAccuracyM,
		LocationAgeThresholdMS: config.LocationAgeThresholdMS,
		SimReadyState:          config.SimReadyState,
		NoServiceAccessID:      config.NoServiceAccessID,
		Debug:                  config.Debug,
	}
	cfg.Watchdog = watchdog.DefaultConfig()
	cfg.Watchdog.Interval = time.Duration(config.WatchdogIntervalMS) * time.Millisecond
	return cfg
}

func mqttConfig(config *uci.Config) *mqtt.Config {
	cfg := mqtt.DefaultConfig()
	if config.MQTTBroker == "" {
		return cfg
	}
	cfg.Enabled = true
	cfg.Broker = config.MQTTBroker
	cfg.Port = config.MQTTPort
	cfg.TopicPrefix = config.MQTTTopicPrefix
	cfg.ClientID = fmt.Sprintf("%s-%d", appName, os.Getpid())
	return cfg
}
