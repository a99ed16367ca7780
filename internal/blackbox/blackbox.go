// Package blackbox keeps the most recent metric samples in a fixed ring
// so the seconds leading up to a crash can be persisted for post-mortem
// analysis.
package blackbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RingSize is the sample capacity: ~30 s of history at a 500 ms cadence.
const RingSize = 60

// MetricSample is one recorded observation from the dynamic controller.
type MetricSample struct {
	Timestamp      float64 `json:"timestamp"` // epoch seconds
	TemperatureC   float64 `json:"temperature_c"`
	CPULoadPercent float64 `json:"cpu_load_percent"`
	Offsets        []int   `json:"undervolt_values"`
	FanRPM         int     `json:"fan_speed_rpm"`
	FanPWM         int     `json:"fan_pwm"`
}

// Recording is the persisted form of the ring contents.
type Recording struct {
	Timestamp   string         `json:"timestamp"` // wall time of persistence
	Reason      string         `json:"reason"`
	DurationSec float64        `json:"duration_sec"`
	Samples     []MetricSample `json:"samples"`
}

// BlackBox is a fixed-capacity ring of metric samples with on-demand
// persistence. Safe for concurrent use.
type BlackBox struct {
	dir string
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	samples []MetricSample // insertion order, oldest first
}

// New creates a BlackBox persisting recordings under dir.
func New(dir string, log *zap.Logger) *BlackBox {
	return &BlackBox{dir: dir, log: log, now: time.Now}
}

// Record appends a sample, evicting the oldest once the ring is full.
func (b *BlackBox) Record(sample MetricSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, sample)
	if len(b.samples) > RingSize {
		b.samples = b.samples[len(b.samples)-RingSize:]
	}
}

// Snapshot returns a copy of the current contents in insertion order.
func (b *BlackBox) Snapshot() []MetricSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MetricSample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the number of buffered samples.
func (b *BlackBox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Clear drops all buffered samples.
func (b *BlackBox) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = nil
}

// Persist writes the ring contents to a timestamped recording file and
// returns its path. An empty ring returns "" without touching the disk.
func (b *BlackBox) Persist(reason string) string {
	samples := b.Snapshot()
	if len(samples) == 0 {
		b.log.Debug("blackbox empty, nothing to persist", zap.String("reason", reason))
		return ""
	}

	now := b.now()
	rec := Recording{
		Timestamp:   now.Format(time.RFC3339),
		Reason:      reason,
		DurationSec: samples[len(samples)-1].Timestamp - samples[0].Timestamp,
		Samples:     samples,
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		b.log.Error("failed to create blackbox dir", zap.Error(err))
		return ""
	}

	name := fmt.Sprintf("blackbox_%s_%s.json", now.Format("20060102_150405"), reason)
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		b.log.Error("failed to encode blackbox recording", zap.Error(err))
		return ""
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.log.Error("failed to write blackbox recording", zap.Error(err))
		return ""
	}

	b.log.Info("blackbox persisted",
		zap.String("file", path), zap.String("reason", reason), zap.Int("samples", len(samples)))
	return path
}
