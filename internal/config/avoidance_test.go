package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyAvoidanceConfig()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"frame width", cfg.GetFrameWidth(), 1280},
		{"frame height", cfg.GetFrameHeight(), 720},
		{"grid size", cfg.GetGridSize(), 17},
		{"half width", cfg.GetHalfWidth(), 314},
		{"half height", cfg.GetHalfHeight(), 126},
		{"distance threshold", cfg.GetDistanceThresholdMeters(), 1.8288},
		{"percent threshold", cfg.GetPercentThreshold(), 15.0},
		{"speed", cfg.GetSpeedMPS(), 2.5},
		{"spin rate", cfg.GetSpinRateRadPerS(), math.Pi / 4},
		{"max cycle rate", cfg.GetMaxCycleRate(), 0.0},
		{"dispatch timeout", cfg.GetDispatchTimeout(), 100 * time.Millisecond},
		{"plot every", cfg.GetPlotEveryNCycles(), 0},
		{"serial device", cfg.GetSerialDevice(), "/dev/ttyUSB0"},
		{"baud rate", cfg.GetBaudRate(), 57600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestDefaultConfigMatchesGetters(t *testing.T) {
	cfg := DefaultAvoidanceConfig()
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.GridSize)
	assert.Equal(t, 17, *cfg.GridSize)
	assert.Equal(t, "100ms", *cfg.DispatchTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *AvoidanceConfig
		wantErr bool
	}{
		{"empty", &AvoidanceConfig{}, false},
		{"zero frame width", &AvoidanceConfig{FrameWidth: ptrInt(0)}, true},
		{"negative half height", &AvoidanceConfig{HalfHeight: ptrInt(-3)}, true},
		{"grid of one", &AvoidanceConfig{GridSize: ptrInt(1)}, true},
		{"grid of two", &AvoidanceConfig{GridSize: ptrInt(2)}, false},
		{"negative distance", &AvoidanceConfig{DistanceThresholdMeters: ptrFloat64(-0.1)}, true},
		{"nan distance", &AvoidanceConfig{DistanceThresholdMeters: ptrFloat64(math.NaN())}, true},
		{"zero percent", &AvoidanceConfig{PercentThreshold: ptrFloat64(0)}, true},
		{"hundred percent", &AvoidanceConfig{PercentThreshold: ptrFloat64(100)}, false},
		{"over hundred percent", &AvoidanceConfig{PercentThreshold: ptrFloat64(101)}, true},
		{"negative speed", &AvoidanceConfig{SpeedMPS: ptrFloat64(-1)}, true},
		{"negative cycle rate", &AvoidanceConfig{MaxCycleRate: ptrFloat64(-1)}, true},
		{"bad timeout", &AvoidanceConfig{DispatchTimeout: ptrString("soon")}, true},
		{"good timeout", &AvoidanceConfig{DispatchTimeout: ptrString("250ms")}, false},
		{"negative plot cadence", &AvoidanceConfig{PlotEveryNCycles: ptrInt(-1)}, true},
		{"zero baud", &AvoidanceConfig{BaudRate: ptrInt(0)}, true},
		{"region wider than frame", &AvoidanceConfig{HalfWidth: ptrInt(700)}, true},
		{"region as wide as frame", &AvoidanceConfig{HalfWidth: ptrInt(640)}, true},
		{"region just fits width", &AvoidanceConfig{HalfWidth: ptrInt(639)}, false},
		{"region taller than small frame", &AvoidanceConfig{FrameHeight: ptrInt(200)}, true},
		{"small frame with small regions", &AvoidanceConfig{FrameWidth: ptrInt(30), FrameHeight: ptrInt(30), HalfWidth: ptrInt(5), HalfHeight: ptrInt(5)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaultsFile(t *testing.T) {
	cfg, err := LoadAvoidanceConfig("../../config/avoidance.defaults.json")
	require.NoError(t, err)

	want := DefaultAvoidanceConfig()
	assert.Equal(t, *want.FrameWidth, cfg.GetFrameWidth())
	assert.Equal(t, *want.FrameHeight, cfg.GetFrameHeight())
	assert.Equal(t, *want.GridSize, cfg.GetGridSize())
	assert.Equal(t, *want.HalfWidth, cfg.GetHalfWidth())
	assert.Equal(t, *want.HalfHeight, cfg.GetHalfHeight())
	assert.InDelta(t, *want.DistanceThresholdMeters, cfg.GetDistanceThresholdMeters(), 1e-9)
	assert.InDelta(t, *want.SpinRateRadPerS, cfg.GetSpinRateRadPerS(), 1e-12)
	assert.Equal(t, *want.SerialDevice, cfg.GetSerialDevice())
	assert.Equal(t, *want.BaudRate, cfg.GetBaudRate())
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	assert.Equal(t, 17, cfg.GetGridSize())
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"grid_size": 3, "speed_mps": 1.0}`), 0644))

	cfg, err := LoadAvoidanceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.GetGridSize())
	assert.Equal(t, 1.0, cfg.GetSpeedMPS())
	// Unset fields fall back to defaults.
	assert.Equal(t, 314, cfg.GetHalfWidth())
	assert.Equal(t, 15.0, cfg.GetPercentThreshold())
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	yaml := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yaml, []byte("grid_size: 3"), 0644))

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"grid_size": `), 0644))

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"grid_size": 1}`), 0644))

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, []byte(`{"serial_device": "`+strings.Repeat("x", 2*1024*1024)+`"}`), 0644))

	tests := map[string]string{
		"wrong extension": yaml,
		"missing":         filepath.Join(dir, "nope.json"),
		"malformed":       broken,
		"invalid values":  invalid,
		"too large":       big,
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadAvoidanceConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestGetDispatchTimeoutFallsBack(t *testing.T) {
	cfg := &AvoidanceConfig{DispatchTimeout: ptrString("garbage")}
	assert.Equal(t, 100*time.Millisecond, cfg.GetDispatchTimeout())
}
