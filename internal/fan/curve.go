// Package fan evaluates fan curves and enforces the thermal safety
// override that no curve may disable.
package fan

import (
	"fmt"
	"math"
	"sort"
)

// Curve size and range limits.
const (
	MinPoints = 3
	MaxPoints = 10
	MaxTempC  = 120
)

// Thermal safety thresholds. At CriticalTempC the fan is forced to 100%;
// from HighTempC on it never drops below HighTempMinSpeed.
const (
	CriticalTempC    = 95.0
	HighTempC        = 90.0
	HighTempMinSpeed = 80
)

// Point is one (temperature, speed) node of a curve.
type Point struct {
	TempC        int `json:"temp_c"`
	SpeedPercent int `json:"speed_percent"`
}

// Curve is a named, temperature-sorted sequence of points.
type Curve struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// NewCurve validates and sorts points into a Curve. Insertion order is
// irrelevant; temperatures must be unique.
func NewCurve(name string, points []Point) (Curve, error) {
	if len(points) < MinPoints || len(points) > MaxPoints {
		return Curve{}, fmt.Errorf("curve needs %d-%d points, got %d", MinPoints, MaxPoints, len(points))
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TempC < sorted[j].TempC })

	for i, p := range sorted {
		if p.TempC < 0 || p.TempC > MaxTempC {
			return Curve{}, fmt.Errorf("point temperature %d outside [0, %d]", p.TempC, MaxTempC)
		}
		if p.SpeedPercent < 0 || p.SpeedPercent > 100 {
			return Curve{}, fmt.Errorf("point speed %d outside [0, 100]", p.SpeedPercent)
		}
		if i > 0 && sorted[i-1].TempC == p.TempC {
			return Curve{}, fmt.Errorf("duplicate point temperature %d", p.TempC)
		}
	}

	return Curve{Name: name, Points: sorted}, nil
}

// Evaluate returns the curve speed for a temperature: the edge speeds
// outside the curve range, linear interpolation (rounded to nearest)
// between the bracketing points inside it. Output is always in [0, 100].
func (c Curve) Evaluate(tempC float64) int {
	pts := c.Points
	if len(pts) == 0 {
		return 0
	}
	if tempC <= float64(pts[0].TempC) {
		return clampSpeed(pts[0].SpeedPercent)
	}
	if tempC >= float64(pts[len(pts)-1].TempC) {
		return clampSpeed(pts[len(pts)-1].SpeedPercent)
	}

	for i := 0; i < len(pts)-1; i++ {
		p1, p2 := pts[i], pts[i+1]
		if tempC >= float64(p1.TempC) && tempC < float64(p2.TempC) {
			span := float64(p2.TempC - p1.TempC)
			frac := (tempC - float64(p1.TempC)) / span
			speed := float64(p1.SpeedPercent) + float64(p2.SpeedPercent-p1.SpeedPercent)*frac
			return clampSpeed(int(math.Round(speed)))
		}
	}
	return clampSpeed(pts[len(pts)-1].SpeedPercent)
}

// ApplySafetyOverride enforces the mandatory thermal floor on a
// curve-calculated speed.
func ApplySafetyOverride(tempC float64, speed int) int {
	switch {
	case tempC >= CriticalTempC:
		return 100
	case tempC >= HighTempC:
		if speed < HighTempMinSpeed {
			return HighTempMinSpeed
		}
		return speed
	default:
		return speed
	}
}

// SpeedToPWM converts a speed percentage to the 8-bit PWM value written
// to the hardware control file.
func SpeedToPWM(speed int) int {
	return int(math.Round(float64(clampSpeed(speed)) * 255.0 / 100.0))
}

func clampSpeed(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// Preset names.
const (
	PresetStock  = "Stock"
	PresetSilent = "Silent"
	PresetTurbo  = "Turbo"
)

// presets are the immutable built-in curves.
var presets = map[string]Curve{
	PresetStock: {Name: PresetStock, Points: []Point{
		{TempC: 40, SpeedPercent: 0},
		{TempC: 55, SpeedPercent: 20},
		{TempC: 70, SpeedPercent: 45},
		{TempC: 80, SpeedPercent: 70},
		{TempC: 90, SpeedPercent: 100},
	}},
	PresetSilent: {Name: PresetSilent, Points: []Point{
		{TempC: 45, SpeedPercent: 0},
		{TempC: 60, SpeedPercent: 15},
		{TempC: 75, SpeedPercent: 35},
		{TempC: 85, SpeedPercent: 60},
		{TempC: 95, SpeedPercent: 90},
	}},
	PresetTurbo: {Name: PresetTurbo, Points: []Point{
		{TempC: 30, SpeedPercent: 20},
		{TempC: 50, SpeedPercent: 50},
		{TempC: 70, SpeedPercent: 80},
		{TempC: 80, SpeedPercent: 100},
	}},
}

// Preset returns a built-in curve by name.
func Preset(name string) (Curve, bool) {
	c, ok := presets[name]
	if !ok {
		return Curve{}, false
	}
	// Copy so callers cannot mutate the built-in.
	pts := make([]Point, len(c.Points))
	copy(pts, c.Points)
	return Curve{Name: c.Name, Points: pts}, true
}

// PresetNames lists the built-in curves.
func PresetNames() []string {
	return []string{PresetStock, PresetSilent, PresetTurbo}
}
