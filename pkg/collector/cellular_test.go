package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/retry"
)

// fakeUbus answers ubus calls from canned JSON keyed by "object method"
type fakeUbus struct {
	mu        sync.Mutex
	responses map[string]string
	calls     []string
}

func (f *fakeUbus) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(key, "call "+prefix) {
			return []byte(resp), nil
		}
	}
	return nil, errors.New("Command failed: Not found")
}

func newFakeRunner(responses map[string]string) (*retry.Runner, *fakeUbus) {
	f := &fakeUbus{responses: responses}
	return retry.NewRunnerWithExecutor(retry.Config{MaxAttempts: 1}, f), f
}

func TestExtractNumber(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]interface{}
		keys     []string
		expected int
		found    bool
	}{
		{"float64 value", map[string]interface{}{"rsrp": -95.5}, []string{"rsrp"}, -95, true},
		{"int value", map[string]interface{}{"rsrq": -10}, []string{"rsrq"}, -10, true},
		{"string value", map[string]interface{}{"sinr": "15"}, []string{"sinr"}, 15, true},
		{"multiple keys, second matches", map[string]interface{}{"signal_rsrp": -88}, []string{"rsrp", "signal_rsrp"}, -88, true},
		{"no match", map[string]interface{}{"other": "value"}, []string{"rsrp"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, found := extractNumber(tt.data, tt.keys)
			assert.Equal(t, tt.found, found)
			if found {
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestExtractString(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]interface{}
		keys     []string
		expected string
		found    bool
	}{
		{"string value", map[string]interface{}{"operator": "Test Operator"}, []string{"operator"}, "Test Operator", true},
		{"empty string ignored", map[string]interface{}{"operator": ""}, []string{"operator"}, "", false},
		{"multiple keys", map[string]interface{}{"operator_name": "Carrier"}, []string{"operator", "operator_name"}, "Carrier", true},
		{"number rendered", map[string]interface{}{"operator_num": float64(24001)}, []string{"operator_num"}, "24001", true},
		{"no match", map[string]interface{}{"other": "value"}, []string{"operator"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, found := extractString(tt.data, tt.keys)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExtractBool(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected bool
		found    bool
	}{
		{"boolean true", true, true, true},
		{"boolean false", false, false, true},
		{"string true", "true", true, true},
		{"string 1", "1", true, true},
		{"string false", "false", false, true},
		{"string 0", "0", false, true},
		{"garbage", "maybe", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, found := extractBool(map[string]interface{}{"roaming": tt.value}, []string{"roaming"})
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseModemInfo(t *testing.T) {
	info := map[string]interface{}{
		"model": "RG501Q-EU",
		"cache": map[string]interface{}{
			"net_mode_str":  "LTE",
			"provider_name": "Telia",
			"operator_num":  "24001",
			"imsi":          "240011234567890",
			"rssi_value":    float64(-67),
			"rsrp_value":    float64(-95),
			"earfcn":        float64(1850),
			"cell_id":       "1A2B3C",
			"tac":           "ABCD",
			"sim_state":     "inserted",
			"sim_slots":     float64(2),
			"band":          "B3",
		},
	}

	snap := parseModemInfo(info)

	assert.Equal(t, 13, snap.AccessID)
	assert.Equal(t, -1, snap.VoiceID)
	assert.Equal(t, "Telia", snap.OperatorNet)
	assert.Equal(t, "240", snap.OperatorNetMCC)
	assert.Equal(t, "01", snap.OperatorNetMNC)
	assert.Equal(t, "240", snap.OperatorSIMMCC)
	assert.Equal(t, "01", snap.OperatorSIMMNC)
	assert.Equal(t, -67.0, snap.RSSI)
	assert.Equal(t, 1850, snap.ARFCN)
	assert.Equal(t, "1A2B3C", snap.CellID)
	assert.Equal(t, "ABCD", snap.CellLAC)
	assert.Equal(t, SimStateReady, snap.SimState)
	assert.Equal(t, 1, snap.ActiveSimCount)
	assert.True(t, snap.MultiSimSupported)
	assert.False(t, snap.Airplane)
	assert.Equal(t, "B3", snap.Extra["app_band"])
	assert.Equal(t, "RG501Q-EU", snap.Extra["app_modem"])
	assert.NoError(t, snap.Validate())
}

func TestParseModemInfoRadioOff(t *testing.T) {
	snap := parseModemInfo(map[string]interface{}{
		"network_type": "GSM",
		"cfun":         float64(4),
		"sim_status":   "SIM PIN required",
		"call_state":   float64(3),
		"registration": "emergency calls only",
	})

	assert.Equal(t, 16, snap.AccessID)
	assert.True(t, snap.Airplane)
	assert.Equal(t, SimStatePinRequired, snap.SimState)
	assert.Equal(t, 0, snap.ActiveSimCount)
	assert.Equal(t, pkg.CallActive, snap.CallState)
	assert.True(t, snap.EmergencyOnly)
}

func TestParseSimState(t *testing.T) {
	tests := map[string]int{
		"ready":          SimStateReady,
		"Inserted":       SimStateReady,
		"not inserted":   SimStateAbsent,
		"PUK required":   SimStatePukRequired,
		"network locked": SimStateNetworkLocked,
		"busy":           SimStateNotReady,
	}
	for state, want := range tests {
		assert.Equal(t, want, parseSimState(map[string]interface{}{"sim_state": state}), state)
	}
	assert.Equal(t, SimStateUnknown, parseSimState(map[string]interface{}{}))
}

func TestSplitPLMN(t *testing.T) {
	mcc, mnc := splitPLMN("310260")
	assert.Equal(t, "310", mcc)
	assert.Equal(t, "260", mnc)

	mcc, mnc = splitPLMN("123")
	assert.Empty(t, mcc)
	assert.Empty(t, mnc)
}

func TestCellularSourceFallsBackToMobiled(t *testing.T) {
	runner, ubus := newFakeRunner(map[string]string{
		"mobiled get_interfaces":     `{"interfaces":{"mob1s1a1":{}}}`,
		"mobiled get_interface_info": `{"network_type":"NR5G-NSA","operator":"Tele2","sim_state":"ready"}`,
	})
	source := NewCellularSource("", time.Second, runner, nil)

	snap, err := source.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, snap.AccessID)
	assert.Equal(t, "Tele2", snap.OperatorNet)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.Contains(t, ubus.calls, `call mobiled get_interface_info {"interface":"mob1s1a1"}`)
}

func TestCellularSourceNoProvider(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{})
	source := NewCellularSource("gsm.modem1", time.Second, runner, nil)

	_, err := source.Collect(context.Background())
	assert.Error(t, err)
}

func TestCellularSourcePushesAndStops(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{
		"gsm.modem0 info": `{"cache":{"net_mode_str":"LTE","sim_state":"inserted"}}`,
	})
	source := NewCellularSource("", 10*time.Millisecond, runner, nil)

	got := make(chan pkg.NetworkSnapshot, 16)
	require.NoError(t, source.Start(context.Background(), func(s pkg.NetworkSnapshot) {
		select {
		case got <- s:
		default:
		}
	}))
	assert.Error(t, source.Start(context.Background(), func(pkg.NetworkSnapshot) {}), "double start")

	select {
	case s := <-got:
		assert.Equal(t, 13, s.AccessID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot pushed")
	}

	source.Stop()
	source.Stop()
}

func TestPollerReportsErrors(t *testing.T) {
	runner, _ := newFakeRunner(map[string]string{})
	source := NewCellularSource("", 10*time.Millisecond, runner, nil)

	errs := make(chan string, 16)
	source.SetErrorHandler(func(name string, err error) {
		select {
		case errs <- name:
		default:
		}
	})
	require.NoError(t, source.Start(context.Background(), func(pkg.NetworkSnapshot) {}))
	defer source.Stop()

	select {
	case name := <-errs:
		assert.Equal(t, "cellular", name)
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
}

func TestPollerStopWithoutStart(t *testing.T) {
	p := NewPoller("idle", 0, nil)
	p.Stop()
	assert.Equal(t, "idle", p.Name())
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "high_accuracy", PriorityHighAccuracy.String())
	assert.Equal(t, "low_power", PriorityLowPower.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestBoardInfo(t *testing.T) {
	runner, f := newFakeRunner(map[string]string{
		"system board": `{"kernel":"5.15.150","hostname":"RUTX50","model":"Teltonika RUTX50","board_name":"teltonika,rutx",
			"release":{"distribution":"OpenWrt","version":"21.02.0","revision":"r16279"}}`,
	})

	info, err := BoardInfo(context.Background(), runner)
	require.NoError(t, err)
	assert.Equal(t, "OpenWrt", info.ClientOS)
	assert.Equal(t, "21.02.0", info.ClientOSVersion)
	assert.Equal(t, "Teltonika RUTX50", info.Manufacturer)
	assert.Equal(t, "teltonika,rutx", info.ManufacturerID)
	assert.Equal(t, "5.15.150", info.ManufacturerVersion)
	assert.Equal(t, []string{"call system board"}, f.calls)
}

func TestBoardInfoUnavailable(t *testing.T) {
	runner, _ := newFakeRunner(nil)
	_, err := BoardInfo(context.Background(), runner)
	assert.Error(t, err)
}
