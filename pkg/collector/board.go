package collector

import (
	"context"
	"fmt"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/ubus"
)

// BoardInfo reads the router identity from `ubus call system board` and
// returns it as device metadata. Track and version fields are left empty.
func BoardInfo(ctx context.Context, runner *retry.Runner) (pkg.DeviceInfo, error) {
	var board struct {
		Kernel    string `json:"kernel"`
		Model     string `json:"model"`
		BoardName string `json:"board_name"`
		Release   struct {
			Distribution string `json:"distribution"`
			Version      string `json:"version"`
			Revision     string `json:"revision"`
		} `json:"release"`
	}
	if err := ubus.NewClient(runner, nil).CallInto(ctx, "system", "board", nil, &board); err != nil {
		return pkg.DeviceInfo{}, fmt.Errorf("failed to query board info: %w", err)
	}

	info := pkg.DeviceInfo{
		ClientOS:            board.Release.Distribution,
		ClientOSVersion:     board.Release.Version,
		Manufacturer:        board.Model,
		ManufacturerID:      board.BoardName,
		ManufacturerVersion: board.Kernel,
	}
	if info.ClientOS == "" {
		info.ClientOS = "OpenWrt"
	}
	return info, nil
}
