// Package platform resolves the handheld hardware variant and its
// undervolt safety caps from DMI firmware information, with an on-disk
// cache so repeated startups skip the sysfs read.
package platform

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// DMIProductNamePath is the sysfs file carrying the firmware product name.
const DMIProductNamePath = "/sys/devices/virtual/dmi/id/product_name"

// Variant is the hardware family of the device.
type Variant string

const (
	VariantLCD     Variant = "LCD"
	VariantOLED    Variant = "OLED"
	VariantUnknown Variant = "UNKNOWN"
)

// Limits are the per-variant undervolt caps in millivolts.
// SafeLimit is the user-visible floor; AbsoluteLimit is the expert-mode floor.
type Limits struct {
	SafeLimit     int
	AbsoluteLimit int
	DefaultStep   int
}

// limits indexes the caps by variant. The extended expert-mode floors
// (-50/-60/-30) superseded an earlier -40/-50/-30 set; the current values
// are what expert mode unlocks.
var limits = map[Variant]Limits{
	VariantLCD:     {SafeLimit: -30, AbsoluteLimit: -50, DefaultStep: 5},
	VariantOLED:    {SafeLimit: -35, AbsoluteLimit: -60, DefaultStep: 5},
	VariantUnknown: {SafeLimit: -25, AbsoluteLimit: -30, DefaultStep: 5},
}

// LimitsFor returns the caps for a variant, falling back to the
// conservative UNKNOWN set for anything unrecognized.
func LimitsFor(v Variant) Limits {
	if l, ok := limits[v]; ok {
		return l
	}
	return limits[VariantUnknown]
}

// Info describes the detected device. Immutable once detected.
type Info struct {
	Model     string  `json:"model"`      // "Jupiter", "Galileo", or "Unknown"
	Variant   Variant `json:"variant"`    // LCD, OLED, or UNKNOWN
	SafeLimit int     `json:"safe_limit"` // maximum safe undervolt (-30, -35, -25)
	Detected  bool    `json:"detected"`   // true if DMI identified the device
}

// AbsoluteLimit returns the expert-mode floor for this device.
func (i Info) AbsoluteLimit() int {
	return LimitsFor(i.Variant).AbsoluteLimit
}

// Detector resolves platform info, consulting the cache first.
type Detector struct {
	dmiPath string
	cache   *Cache
	log     *zap.Logger
}

// NewDetector creates a Detector. cache may be nil to disable caching.
func NewDetector(dmiPath string, cache *Cache, log *zap.Logger) *Detector {
	if dmiPath == "" {
		dmiPath = DMIProductNamePath
	}
	return &Detector{dmiPath: dmiPath, cache: cache, log: log}
}

// Detect resolves the platform. A valid cache entry short-circuits the DMI
// read; fresh detections that succeed are written back to the cache.
// Detect never fails: unreadable DMI yields the conservative UNKNOWN info.
func (d *Detector) Detect() Info {
	if d.cache != nil {
		if cached, ok := d.cache.Load(); ok {
			d.log.Info("using cached platform",
				zap.String("model", cached.Model),
				zap.String("variant", string(cached.Variant)))
			return cached
		}
	}

	info := d.detectFresh()

	if d.cache != nil && info.Detected {
		d.cache.Save(info)
	}
	return info
}

// Redetect clears the cache and performs a fresh DMI read.
func (d *Detector) Redetect() Info {
	if d.cache != nil {
		d.cache.Clear()
	}
	info := d.detectFresh()
	if d.cache != nil && info.Detected {
		d.cache.Save(info)
	}
	return info
}

func (d *Detector) detectFresh() Info {
	data, err := os.ReadFile(d.dmiPath)
	if err != nil {
		d.log.Warn("failed to read DMI product name",
			zap.String("path", d.dmiPath), zap.Error(err))
		return mapProductName("")
	}
	return mapProductName(strings.TrimSpace(string(data)))
}

// mapProductName maps the raw DMI product name to platform info.
func mapProductName(name string) Info {
	switch {
	case strings.Contains(name, "Jupiter"):
		return Info{Model: "Jupiter", Variant: VariantLCD, SafeLimit: limits[VariantLCD].SafeLimit, Detected: true}
	case strings.Contains(name, "Galileo"):
		return Info{Model: "Galileo", Variant: VariantOLED, SafeLimit: limits[VariantOLED].SafeLimit, Detected: true}
	default:
		return Info{Model: "Unknown", Variant: VariantUnknown, SafeLimit: limits[VariantUnknown].SafeLimit, Detected: false}
	}
}
