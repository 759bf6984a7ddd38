package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/category"
	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
	"github.com/covmon/covmon/pkg/ubus"
)

// SIM states reported in NetworkSnapshot.SimState
const (
	SimStateUnknown        = 0
	SimStateAbsent         = 1
	SimStatePinRequired    = 2
	SimStatePukRequired    = 3
	SimStateNetworkLocked  = 4
	SimStateReady          = 5
	SimStateNotReady       = 6
	SimStatePermDisabled   = 7
	SimStateCardIOError    = 8
	SimStateCardRestricted = 9
)

// CellularSource polls the modem over ubus and pushes NetworkSnapshots
type CellularSource struct {
	*Poller
	provider string       // ubus object to query first (auto-detect if empty)
	client   *ubus.Client // ubus calls with retry logic
}

// NewCellularSource creates a new telephony source
func NewCellularSource(provider string, interval time.Duration, runner *retry.Runner, logger *logx.Logger) *CellularSource {
	if runner == nil {
		// Conservative retry config for ubus operations
		runner = retry.NewRunner(retry.Config{
			MaxAttempts:   3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      500 * time.Millisecond,
			BackoffFactor: 2.0,
		})
	}
	return &CellularSource{
		Poller:   NewPoller("cellular", interval, logger),
		provider: provider,
		client:   ubus.NewClient(runner, logger),
	}
}

// Start begins interval polling; every successful poll is pushed to emit
func (c *CellularSource) Start(ctx context.Context, emit func(pkg.NetworkSnapshot)) error {
	if emit == nil {
		return fmt.Errorf("cellular source: nil callback")
	}
	return c.Run(ctx, func(ctx context.Context) error {
		snap, err := c.Collect(ctx)
		if err != nil {
			return err
		}
		emit(snap)
		return nil
	})
}

// Collect performs a single poll of the modem
func (c *CellularSource) Collect(ctx context.Context) (pkg.NetworkSnapshot, error) {
	info, err := c.modemInfo(ctx)
	if err != nil {
		return pkg.NetworkSnapshot{}, err
	}
	snap := parseModemInfo(info)
	snap.UpdatedAt = time.Now()
	return snap, nil
}

// modemInfo fetches telemetry from the configured provider, gsm.modem0,
// mobiled or the generic gsm object, in that order
func (c *CellularSource) modemInfo(ctx context.Context) (map[string]interface{}, error) {
	var lastErr error

	if c.provider != "" {
		info, err := c.call(ctx, c.provider, "info", nil)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}

	for _, object := range []string{"gsm.modem0", "mobiled", "gsm"} {
		var info map[string]interface{}
		var err error
		if object == "mobiled" {
			info, err = c.mobiledInfo(ctx)
		} else {
			info, err = c.call(ctx, object, "info", nil)
		}
		if err == nil {
			return info, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("no cellular data sources available: %w", lastErr)
}

// mobiledInfo queries the first interface reported by RutOS mobiled
func (c *CellularSource) mobiledInfo(ctx context.Context) (map[string]interface{}, error) {
	interfaces, err := c.call(ctx, "mobiled", "get_interfaces", nil)
	if err != nil {
		return nil, err
	}

	var interfaceID string
	if ifaces, ok := interfaces["interfaces"].(map[string]interface{}); ok {
		for id := range ifaces {
			if interfaceID == "" || id < interfaceID {
				interfaceID = id
			}
		}
	}
	if interfaceID == "" {
		return nil, fmt.Errorf("no mobile interfaces found")
	}

	return c.call(ctx, "mobiled", "get_interface_info", map[string]string{"interface": interfaceID})
}

func (c *CellularSource) call(ctx context.Context, object, method string, data interface{}) (map[string]interface{}, error) {
	info, err := c.client.CallMap(ctx, object, method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", object, err)
	}
	return info, nil
}

// parseModemInfo maps a ubus modem response onto a NetworkSnapshot
func parseModemInfo(raw map[string]interface{}) pkg.NetworkSnapshot {
	info := flatten(raw)
	snap := pkg.NetworkSnapshot{
		VoiceID: -1,
		Extra:   make(map[string]interface{}),
	}

	if tech, ok := extractString(info, []string{"net_mode_str", "network_type", "access_technology", "net_mode"}); ok {
		snap.AccessID = category.FromTechnology(tech)
	}
	if voice, ok := extractString(info, []string{"voice_technology", "voice_network_type"}); ok {
		snap.VoiceID = category.FromTechnology(voice)
		snap.Voice = category.NetTypeName(snap.VoiceID)
	}
	if state, ok := extractNumber(info, []string{"call_state"}); ok {
		snap.CallState = pkg.NormalizeCallState(state)
	}

	if rssi, ok := extractFloat(info, []string{"rssi_value", "rssi", "signal"}); ok {
		snap.RSSI = rssi
	}
	if arfcn, ok := extractNumber(info, []string{"earfcn", "nr_arfcn", "uarfcn", "arfcn"}); ok {
		snap.ARFCN = arfcn
	}
	if cell, ok := extractString(info, []string{"cell_id", "cellid", "ci"}); ok {
		snap.CellID = cell
	}
	if lac, ok := extractString(info, []string{"lac", "tac"}); ok {
		snap.CellLAC = lac
	}

	if op, ok := extractString(info, []string{"provider_name", "operator", "provider"}); ok {
		snap.OperatorNet = op
	}
	if plmn, ok := extractString(info, []string{"operator_num", "plmn"}); ok {
		snap.OperatorNetMCC, snap.OperatorNetMNC = splitPLMN(plmn)
	}
	if mcc, ok := extractString(info, []string{"mcc"}); ok {
		snap.OperatorNetMCC = mcc
	}
	if mnc, ok := extractString(info, []string{"mnc"}); ok {
		snap.OperatorNetMNC = mnc
	}
	if op, ok := extractString(info, []string{"home_operator", "sim_operator"}); ok {
		snap.OperatorSIM = op
	}
	if imsi, ok := extractString(info, []string{"imsi"}); ok {
		snap.OperatorSIMMCC, snap.OperatorSIMMNC = splitPLMN(imsi)
	}

	snap.SimState = parseSimState(info)
	if count, ok := extractNumber(info, []string{"active_sim_count", "sim_count"}); ok {
		snap.ActiveSimCount = count
	} else if snap.SimState == SimStateReady {
		snap.ActiveSimCount = 1
	}
	if slots, ok := extractNumber(info, []string{"sim_slots"}); ok {
		snap.MultiSimSupported = slots > 1
	} else if dual, ok := extractBool(info, []string{"dual_sim", "multi_sim"}); ok {
		snap.MultiSimSupported = dual
	}

	if emergency, ok := extractBool(info, []string{"emergency_only"}); ok {
		snap.EmergencyOnly = emergency
	} else if reg, ok := extractString(info, []string{"registration", "reg_state"}); ok {
		snap.EmergencyOnly = strings.Contains(strings.ToLower(reg), "emergency")
	}

	// AT+CFUN=0 (minimum) and 4 (RF off) both mean the radio is disabled
	if cfun, ok := extractNumber(info, []string{"cfun", "radio_state"}); ok {
		snap.Airplane = cfun == 0 || cfun == 4
	} else if airplane, ok := extractBool(info, []string{"airplane", "flight_mode"}); ok {
		snap.Airplane = airplane
	}

	if band, ok := extractString(info, []string{"band"}); ok {
		snap.Extra["app_band"] = band
	}
	if model, ok := extractString(info, []string{"model"}); ok {
		snap.Extra["app_modem"] = model
	}
	if rsrp, ok := extractFloat(info, []string{"rsrp_value", "rsrp"}); ok {
		snap.Extra["app_rsrp"] = rsrp
	}
	if rsrq, ok := extractFloat(info, []string{"rsrq_value", "rsrq"}); ok {
		snap.Extra["app_rsrq"] = rsrq
	}
	if sinr, ok := extractFloat(info, []string{"sinr_value", "sinr"}); ok {
		snap.Extra["app_sinr"] = sinr
	}

	return snap
}

// parseSimState maps the modem's textual SIM status onto SimState values
func parseSimState(info map[string]interface{}) int {
	if n, ok := extractNumber(info, []string{"sim_state_id"}); ok {
		return n
	}
	state, ok := extractString(info, []string{"sim_state", "sim_status", "simstate"})
	if !ok {
		return SimStateUnknown
	}

	s := strings.ToLower(state)
	switch {
	case s == "ready" || s == "inserted" || s == "ok":
		return SimStateReady
	case strings.Contains(s, "puk"):
		return SimStatePukRequired
	case strings.Contains(s, "pin"):
		return SimStatePinRequired
	case strings.Contains(s, "lock"):
		return SimStateNetworkLocked
	case s == "absent" || s == "not inserted" || s == "missing":
		return SimStateAbsent
	case strings.Contains(s, "error"):
		return SimStateCardIOError
	case strings.Contains(s, "disabled"):
		return SimStatePermDisabled
	default:
		return SimStateNotReady
	}
}

// splitPLMN splits "24001" style codes (or an IMSI prefix) into MCC and MNC.
// MNC length is ambiguous from digits alone; two digits are assumed unless
// the input is exactly six digits long.
func splitPLMN(code string) (string, string) {
	code = strings.TrimSpace(code)
	if len(code) < 5 {
		return "", ""
	}
	if len(code) == 6 {
		return code[:3], code[3:]
	}
	return code[:3], code[3:5]
}
