package blackbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sample(ts float64) MetricSample {
	return MetricSample{
		Timestamp:      ts,
		TemperatureC:   70,
		CPULoadPercent: 50,
		Offsets:        []int{-20, -20, -20, -20},
		FanRPM:         3000,
		FanPWM:         128,
	}
}

func TestRingKeepsLastSixtyInOrder(t *testing.T) {
	b := New(t.TempDir(), zap.NewNop())

	const n = 75
	for i := 0; i < n; i++ {
		b.Record(sample(float64(i)))
	}

	snap := b.Snapshot()
	require.Len(t, snap, RingSize)
	for i, s := range snap {
		assert.Equal(t, float64(n-RingSize+i), s.Timestamp, "insertion order preserved")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New(t.TempDir(), zap.NewNop())
	b.Record(sample(1))

	snap := b.Snapshot()
	snap[0].TemperatureC = 999
	assert.Equal(t, 70.0, b.Snapshot()[0].TemperatureC)
}

func TestPersistEmptyReturnsNothing(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, zap.NewNop())
	assert.Empty(t, b.Persist("watchdog_timeout"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPersistWritesRecording(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, zap.NewNop())
	for i := 0; i < 5; i++ {
		b.Record(sample(100.0 + float64(i)*0.5))
	}

	path := b.Persist("watchdog_timeout")
	require.NotEmpty(t, path)
	assert.True(t, strings.Contains(filepath.Base(path), "watchdog_timeout"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec Recording
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "watchdog_timeout", rec.Reason)
	assert.InDelta(t, 2.0, rec.DurationSec, 1e-9)
	assert.Len(t, rec.Samples, 5)
	assert.NotEmpty(t, rec.Timestamp)
}

func TestClear(t *testing.T) {
	b := New(t.TempDir(), zap.NewNop())
	b.Record(sample(1))
	b.Clear()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Persist("gymdeck3_crash_code_1"))
}
