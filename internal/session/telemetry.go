package session

import "sync"

// TelemetryRingSize holds ~5 minutes of samples at 1 Hz.
const TelemetryRingSize = 300

// TelemetrySample is the lightweight observation stream for the UI and
// for session metrics.
type TelemetrySample struct {
	Timestamp    float64 `json:"timestamp"` // epoch seconds
	TemperatureC float64 `json:"temperature_c"`
	PowerW       float64 `json:"power_w"`
	LoadPercent  float64 `json:"load_percent"`
}

// TelemetryBuffer is a fixed ring of recent telemetry samples.
// Safe for concurrent use.
type TelemetryBuffer struct {
	mu      sync.Mutex
	samples []TelemetrySample
}

// NewTelemetryBuffer creates an empty buffer.
func NewTelemetryBuffer() *TelemetryBuffer {
	return &TelemetryBuffer{}
}

// Record appends a sample, evicting the oldest past TelemetryRingSize.
func (b *TelemetryBuffer) Record(s TelemetrySample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	if len(b.samples) > TelemetryRingSize {
		b.samples = b.samples[len(b.samples)-TelemetryRingSize:]
	}
}

// Snapshot returns a copy of the buffered samples in insertion order.
func (b *TelemetryBuffer) Snapshot() []TelemetrySample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TelemetrySample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the number of buffered samples.
func (b *TelemetryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
