package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/admission"
	"github.com/covmon/covmon/pkg/collector"
	"github.com/covmon/covmon/pkg/fusion"
	"github.com/covmon/covmon/pkg/gps"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/ubus"
)

var (
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	continuous = flag.Bool("continuous", false, "Probe repeatedly until interrupted")
	interval   = flag.Duration("interval", 5*time.Second, "Probe interval for continuous mode")
	timeout    = flag.Duration("timeout", 30*time.Second, "Timeout for one probe")
	provider   = flag.String("provider", "", "ubus modem object to query first")
	remoteHost = flag.String("remote", "", "Probe a remote router over SSH")
	remoteKey  = flag.String("key", "", "SSH private key for -remote")
)

// probe polls every source once and runs the result through fusion and admission
type probe struct {
	location *gps.GPSCtlSource
	network  *collector.CellularSource
	wireless *collector.WiFiSource
	buffer   *fusion.Buffer
	chain    *admission.Chain
	last     *pkg.Location
}

func main() {
	flag.Parse()

	logLevel := "warn"
	if *verbose {
		logLevel = "debug"
	}
	logger := logx.New(logLevel)

	fmt.Println("Coverage Probe")
	fmt.Println("==============")

	runner := retry.NewRunner(retry.DefaultConfig())
	if *remoteHost != "" {
		exec := retry.NewSSHExecutor(retry.SSHConfig{Host: *remoteHost, KeyFile: *remoteKey})
		defer exec.Close()
		runner = retry.NewRunnerWithExecutor(retry.DefaultConfig(), exec)
		fmt.Printf("Probing remote router %s\n", *remoteHost)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	device, err := collector.BoardInfo(ctx, runner)
	if err != nil {
		fmt.Printf("Board info unavailable: %v\n", err)
	} else {
		fmt.Printf("Board: %s (%s %s)\n", device.Manufacturer, device.ClientOS, device.ClientOSVersion)
	}

	objects := []string{"gps", "iwinfo", "mobiled", "gsm.modem0"}
	if *provider != "" {
		objects = append([]string{*provider}, objects...)
	}
	client := ubus.NewClient(runner, logger)
	for _, object := range objects {
		fmt.Printf("ubus %-12s present: %t\n", object, client.HasObject(ctx, object))
	}

	p := &probe{
		location: gps.NewGPSCtlSource(runner, logger),
		network:  collector.NewCellularSource(*provider, time.Second, runner, logger),
		wireless: collector.NewWiFiSource(time.Second, runner, logger),
		buffer:   fusion.NewBuffer(device),
		chain:    admission.NewChain(admission.DefaultConfig(), nil),
	}

	if !*continuous {
		if !p.run(ctx) {
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Probing every %v, press Ctrl+C to stop...\n", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for count := 1; ; count++ {
		fmt.Printf("\n--- Probe #%d ---\n", count)
		p.run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// run performs one probe and reports whether a location fix was obtained
func (p *probe) run(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, *timeout)
	defer cancel()

	if snap, err := p.network.Collect(ctx); err != nil {
		fmt.Printf("Network:  unavailable (%v)\n", err)
	} else if err := p.buffer.UpdateNetwork(snap); err != nil {
		fmt.Printf("Network:  rejected (%v)\n", err)
	} else {
		fmt.Printf("Network:  access id %d, operator %q, rssi %.0f, sim state %d, active sims %d\n",
			snap.AccessID, snap.OperatorNet, snap.RSSI, snap.SimState, snap.ActiveSimCount)
	}

	if snap, err := p.wireless.Collect(ctx); err != nil {
		fmt.Printf("Wireless: unavailable (%v)\n", err)
	} else if err := p.buffer.UpdateWireless(snap); err != nil {
		fmt.Printf("Wireless: rejected (%v)\n", err)
	} else {
		fmt.Printf("Wireless: mode %s, wifi connected %t, ssid %q\n", snap.Mode, snap.WiFiConnected, snap.SSID)
	}

	fix, err := p.location.Collect(ctx)
	if err != nil {
		fmt.Printf("Location: unavailable (%v)\n", err)
		return false
	}
	fmt.Printf("Location: %.6f, %.6f (accuracy %.1f m, velocity %.1f m/s, age %.0f ms, via %s)\n",
		fix.Latitude, fix.Longitude, fix.Accuracy, fix.Velocity, fix.AgeMS, fix.Provider)

	decision := p.chain.Admit(p.buffer.Fuse(fix, p.last))
	if decision.Admitted {
		fmt.Printf("Verdict:  admitted as %s (%s)\n", decision.Sample.AccessCategory, decision.Sample.AccessName)
		p.last = &pkg.Location{Latitude: fix.Latitude, Longitude: fix.Longitude}
	} else {
		fmt.Printf("Verdict:  rejected by %s\n", decision.Reason)
	}
	return true
}
