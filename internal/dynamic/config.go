// Package dynamic supervises the adaptive-controller child process: it
// builds the argv, owns the process lifecycle, and parses the
// newline-delimited status protocol on its stdout.
package dynamic

import (
	"fmt"
	"strconv"

	"github.com/decktune/decktune/internal/fan"
)

// CoreCount mirrors the four CPU cores the child controls.
const CoreCount = 4

// CoreConfig is the per-core adaptation range.
type CoreConfig struct {
	MinMV     int     `json:"min_mv"`
	MaxMV     int     `json:"max_mv"`
	Threshold float64 `json:"threshold"` // load percent that triggers deepening
}

// FanConfig is the optional fan-control section of the child's argv.
type FanConfig struct {
	Enabled        bool        `json:"enabled"`
	Mode           string      `json:"mode"` // "stock", "aggressive", "custom", ...
	HysteresisTemp int         `json:"hysteresis_temp"`
	ZeroRPMEnabled bool        `json:"zero_rpm_enabled"`
	Curve          []fan.Point `json:"curve,omitempty"` // only for mode "custom"
}

// Config is the full child configuration.
type Config struct {
	Strategy          string       `json:"strategy"`
	SampleIntervalMS  int          `json:"sample_interval_ms"`
	HysteresisPercent float64      `json:"hysteresis_percent"`
	StatusIntervalMS  int          `json:"status_interval_ms"`
	SimpleMode        bool         `json:"simple_mode"`
	SimpleValue       int          `json:"simple_value"` // used for min and max in simple mode
	Cores             []CoreConfig `json:"cores"`
	Fan               FanConfig    `json:"fan"`
}

// DefaultConfig returns a balanced configuration with per-core defaults.
func DefaultConfig() Config {
	cores := make([]CoreConfig, CoreCount)
	for i := range cores {
		cores[i] = CoreConfig{MinMV: -20, MaxMV: 0, Threshold: 50.0}
	}
	return Config{
		Strategy:          "balanced",
		SampleIntervalMS:  100,
		HysteresisPercent: 5.0,
		StatusIntervalMS:  1000,
		Cores:             cores,
	}
}

// Validate rejects configurations the child cannot run with.
func (c Config) Validate() error {
	if c.Strategy == "" {
		return fmt.Errorf("strategy must not be empty")
	}
	if c.SampleIntervalMS <= 0 {
		return fmt.Errorf("sample interval must be > 0, got %d", c.SampleIntervalMS)
	}
	if c.StatusIntervalMS <= 0 {
		return fmt.Errorf("status interval must be > 0, got %d", c.StatusIntervalMS)
	}
	if len(c.Cores) != CoreCount {
		return fmt.Errorf("expected %d core configs, got %d", CoreCount, len(c.Cores))
	}
	for i, core := range c.Cores {
		if core.MinMV > core.MaxMV {
			return fmt.Errorf("core %d: min %d above max %d", i, core.MinMV, core.MaxMV)
		}
		if core.MaxMV > 0 {
			return fmt.Errorf("core %d: max %d above 0", i, core.MaxMV)
		}
		if core.Threshold < 0 || core.Threshold > 100 {
			return fmt.Errorf("core %d: threshold %v outside [0, 100]", i, core.Threshold)
		}
	}
	if c.SimpleMode && c.SimpleValue > 0 {
		return fmt.Errorf("simple value must be <= 0, got %d", c.SimpleValue)
	}
	return nil
}

// BuildArgs assembles the child argv:
//
//	<strategy> <sample_interval_us> --hysteresis=<f> --ryzenadj-path=<p>
//	--status-interval=<ms> --core=<i>:<min>:<max>:<threshold> (x4)
//	[fan control args]
func (c Config) BuildArgs(ryzenadjPath string) []string {
	args := []string{
		c.Strategy,
		strconv.Itoa(c.SampleIntervalMS * 1000), // child wants microseconds
		fmt.Sprintf("--hysteresis=%g", c.HysteresisPercent),
		"--ryzenadj-path=" + ryzenadjPath,
		fmt.Sprintf("--status-interval=%d", c.StatusIntervalMS),
	}

	for i, core := range c.Cores {
		if c.SimpleMode {
			args = append(args, fmt.Sprintf("--core=%d:%d:%d:%g", i, c.SimpleValue, c.SimpleValue, core.Threshold))
		} else {
			args = append(args, fmt.Sprintf("--core=%d:%d:%d:%g", i, core.MinMV, core.MaxMV, core.Threshold))
		}
	}

	if c.Fan.Enabled {
		args = append(args,
			"--fan-control",
			"--fan-mode="+c.Fan.Mode,
			fmt.Sprintf("--fan-hysteresis=%d", c.Fan.HysteresisTemp),
		)
		if c.Fan.ZeroRPMEnabled {
			args = append(args, "--fan-zero-rpm")
		}
		if c.Fan.Mode == "custom" {
			for _, p := range c.Fan.Curve {
				args = append(args, fmt.Sprintf("--fan-curve=%d:%d", p.TempC, p.SpeedPercent))
			}
		}
	}

	return args
}

// FanStatus is the optional fan block of a status message.
type FanStatus struct {
	RPM   int     `json:"rpm"`
	PWM   int     `json:"pwm"`
	TempC float64 `json:"temp_c"`
}

// Status is the parsed last message from the child.
type Status struct {
	Running  bool       `json:"running"`
	Strategy string     `json:"strategy,omitempty"`
	Load     []float64  `json:"load,omitempty"`
	Values   []int      `json:"values,omitempty"`
	Fan      *FanStatus `json:"fan,omitempty"`
	PowerW   float64    `json:"power_w,omitempty"`
	Error    string     `json:"error,omitempty"`
}
