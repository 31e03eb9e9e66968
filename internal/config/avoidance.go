package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical avoidance defaults file.
const DefaultConfigPath = "config/avoidance.defaults.json"

// AvoidanceConfig is the process-wide configuration for the control loop. All
// fields are optional in the JSON file; the Get* methods supply defaults for
// anything omitted, so partial files are safe.
type AvoidanceConfig struct {
	// Frame geometry (pixels)
	FrameWidth  *int `json:"frame_width,omitempty"`
	FrameHeight *int `json:"frame_height,omitempty"`

	// Region grid
	GridSize   *int `json:"grid_size,omitempty"`   // regions per row and per column
	HalfWidth  *int `json:"half_width,omitempty"`  // half of each region's width (pixels)
	HalfHeight *int `json:"half_height,omitempty"` // half of each region's height (pixels)

	// Thresholds
	DistanceThresholdMeters *float64 `json:"distance_threshold_meters,omitempty"`
	PercentThreshold        *float64 `json:"percent_threshold,omitempty"`

	// Command output
	SpeedMPS         *float64 `json:"speed_mps,omitempty"`
	SpinRateRadPerS  *float64 `json:"spin_rate_rad_per_s,omitempty"`
	MaxCycleRate     *float64 `json:"max_cycle_rate,omitempty"` // cycles per second; 0 means unlimited
	DispatchTimeout  *string  `json:"dispatch_timeout,omitempty"`
	PlotEveryNCycles *int     `json:"plot_every_n_cycles,omitempty"`

	// Autopilot link
	SerialDevice *string `json:"serial_device,omitempty"`
	BaudRate     *int    `json:"baud_rate,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyAvoidanceConfig returns a config with every field nil.
func EmptyAvoidanceConfig() *AvoidanceConfig {
	return &AvoidanceConfig{}
}

// DefaultAvoidanceConfig returns a config with every field populated from the
// built-in defaults. The values match config/avoidance.defaults.json.
func DefaultAvoidanceConfig() *AvoidanceConfig {
	c := EmptyAvoidanceConfig()
	return &AvoidanceConfig{
		FrameWidth:              ptrInt(c.GetFrameWidth()),
		FrameHeight:             ptrInt(c.GetFrameHeight()),
		GridSize:                ptrInt(c.GetGridSize()),
		HalfWidth:               ptrInt(c.GetHalfWidth()),
		HalfHeight:              ptrInt(c.GetHalfHeight()),
		DistanceThresholdMeters: ptrFloat64(c.GetDistanceThresholdMeters()),
		PercentThreshold:        ptrFloat64(c.GetPercentThreshold()),
		SpeedMPS:                ptrFloat64(c.GetSpeedMPS()),
		SpinRateRadPerS:         ptrFloat64(c.GetSpinRateRadPerS()),
		MaxCycleRate:            ptrFloat64(c.GetMaxCycleRate()),
		DispatchTimeout:         ptrString(c.GetDispatchTimeout().String()),
		PlotEveryNCycles:        ptrInt(c.GetPlotEveryNCycles()),
		SerialDevice:            ptrString(c.GetSerialDevice()),
		BaudRate:                ptrInt(c.GetBaudRate()),
	}
}

// LoadAvoidanceConfig loads an AvoidanceConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadAvoidanceConfig(path string) (*AvoidanceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAvoidanceConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended for
// test setup and tools.
func MustLoadDefaultConfig() *AvoidanceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/depth/network/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadAvoidanceConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks the values that are set, and that a region fits inside the
// frame once defaults are applied. Whether the bisection yields distinct
// centres is checked when the layout is built.
func (c *AvoidanceConfig) Validate() error {
	positive := map[string]*int{
		"frame_width":  c.FrameWidth,
		"frame_height": c.FrameHeight,
		"half_width":   c.HalfWidth,
		"half_height":  c.HalfHeight,
		"baud_rate":    c.BaudRate,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	if c.GridSize != nil && *c.GridSize < 2 {
		return fmt.Errorf("grid_size must be at least 2, got %d", *c.GridSize)
	}

	if w, hw := c.GetFrameWidth(), c.GetHalfWidth(); 2*hw >= w {
		return fmt.Errorf("region width %d (2*half_width) must be less than frame_width %d", 2*hw, w)
	}
	if h, hh := c.GetFrameHeight(), c.GetHalfHeight(); 2*hh >= h {
		return fmt.Errorf("region height %d (2*half_height) must be less than frame_height %d", 2*hh, h)
	}

	if c.DistanceThresholdMeters != nil {
		if v := *c.DistanceThresholdMeters; v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("distance_threshold_meters must be a non-negative number, got %f", v)
		}
	}

	if c.PercentThreshold != nil {
		if v := *c.PercentThreshold; v <= 0 || v > 100 {
			return fmt.Errorf("percent_threshold must be in (0, 100], got %f", v)
		}
	}

	if c.SpeedMPS != nil && (*c.SpeedMPS < 0 || math.IsNaN(*c.SpeedMPS)) {
		return fmt.Errorf("speed_mps must be non-negative, got %f", *c.SpeedMPS)
	}

	if c.SpinRateRadPerS != nil && math.IsNaN(*c.SpinRateRadPerS) {
		return fmt.Errorf("spin_rate_rad_per_s must be a number")
	}

	if c.MaxCycleRate != nil && *c.MaxCycleRate < 0 {
		return fmt.Errorf("max_cycle_rate must be non-negative, got %f", *c.MaxCycleRate)
	}

	if c.DispatchTimeout != nil && *c.DispatchTimeout != "" {
		if _, err := time.ParseDuration(*c.DispatchTimeout); err != nil {
			return fmt.Errorf("invalid dispatch_timeout '%s': %w", *c.DispatchTimeout, err)
		}
	}

	if c.PlotEveryNCycles != nil && *c.PlotEveryNCycles < 0 {
		return fmt.Errorf("plot_every_n_cycles must be non-negative, got %d", *c.PlotEveryNCycles)
	}

	return nil
}

// GetFrameWidth returns the frame width in pixels (default 1280).
func (c *AvoidanceConfig) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame height in pixels (default 720).
func (c *AvoidanceConfig) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetGridSize returns the number of regions per axis (default 17).
func (c *AvoidanceConfig) GetGridSize() int {
	if c.GridSize == nil {
		return 17
	}
	return *c.GridSize
}

// GetHalfWidth returns half of a region's width in pixels (default 314).
func (c *AvoidanceConfig) GetHalfWidth() int {
	if c.HalfWidth == nil {
		return 314
	}
	return *c.HalfWidth
}

// GetHalfHeight returns half of a region's height in pixels (default 126).
func (c *AvoidanceConfig) GetHalfHeight() int {
	if c.HalfHeight == nil {
		return 126
	}
	return *c.HalfHeight
}

// GetDistanceThresholdMeters returns the blocked-pixel distance (default 6 ft).
func (c *AvoidanceConfig) GetDistanceThresholdMeters() float64 {
	if c.DistanceThresholdMeters == nil {
		return 1.8288
	}
	return *c.DistanceThresholdMeters
}

// GetPercentThreshold returns the occupancy percentage a region must stay
// strictly below to be selectable (default 15).
func (c *AvoidanceConfig) GetPercentThreshold() float64 {
	if c.PercentThreshold == nil {
		return 15
	}
	return *c.PercentThreshold
}

// GetSpeedMPS returns the commanded speed toward a selected region (default 2.5).
func (c *AvoidanceConfig) GetSpeedMPS() float64 {
	if c.SpeedMPS == nil {
		return 2.5
	}
	return *c.SpeedMPS
}

// GetSpinRateRadPerS returns the search-spin yaw rate (default pi/4).
func (c *AvoidanceConfig) GetSpinRateRadPerS() float64 {
	if c.SpinRateRadPerS == nil {
		return math.Pi / 4
	}
	return *c.SpinRateRadPerS
}

// GetMaxCycleRate returns the cycle rate cap in Hz (default 0, unlimited).
func (c *AvoidanceConfig) GetMaxCycleRate() float64 {
	if c.MaxCycleRate == nil {
		return 0
	}
	return *c.MaxCycleRate
}

// GetDispatchTimeout parses and returns DispatchTimeout (default 100ms).
func (c *AvoidanceConfig) GetDispatchTimeout() time.Duration {
	if c.DispatchTimeout == nil || *c.DispatchTimeout == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.DispatchTimeout)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetPlotEveryNCycles returns how often an occupancy plot is written
// (default 0, never).
func (c *AvoidanceConfig) GetPlotEveryNCycles() int {
	if c.PlotEveryNCycles == nil {
		return 0
	}
	return *c.PlotEveryNCycles
}

// GetSerialDevice returns the autopilot serial device (default /dev/ttyUSB0).
func (c *AvoidanceConfig) GetSerialDevice() string {
	if c.SerialDevice == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialDevice
}

// GetBaudRate returns the autopilot link baud rate (default 57600).
func (c *AvoidanceConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 57600
	}
	return *c.BaudRate
}
