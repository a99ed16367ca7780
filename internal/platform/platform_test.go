package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeDMI(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "product_name")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectVariants(t *testing.T) {
	tests := []struct {
		name      string
		product   string
		model     string
		variant   Variant
		safeLimit int
		detected  bool
	}{
		{"lcd", "Jupiter\n", "Jupiter", VariantLCD, -30, true},
		{"oled", "Galileo\n", "Galileo", VariantOLED, -35, true},
		{"lcd with suffix", "Jupiter 3\n", "Jupiter", VariantLCD, -30, true},
		{"unknown device", "Win600\n", "Unknown", VariantUnknown, -25, false},
		{"empty", "", "Unknown", VariantUnknown, -25, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(writeDMI(t, tt.product), nil, zap.NewNop())
			info := d.Detect()
			assert.Equal(t, tt.model, info.Model)
			assert.Equal(t, tt.variant, info.Variant)
			assert.Equal(t, tt.safeLimit, info.SafeLimit)
			assert.Equal(t, tt.detected, info.Detected)
		})
	}
}

func TestDetectUnreadableDMI(t *testing.T) {
	d := NewDetector(filepath.Join(t.TempDir(), "missing"), nil, zap.NewNop())
	info := d.Detect()
	assert.Equal(t, VariantUnknown, info.Variant)
	assert.Equal(t, -25, info.SafeLimit)
	assert.False(t, info.Detected)
}

func TestLimitsFor(t *testing.T) {
	assert.Equal(t, -50, LimitsFor(VariantLCD).AbsoluteLimit)
	assert.Equal(t, -60, LimitsFor(VariantOLED).AbsoluteLimit)
	assert.Equal(t, -30, LimitsFor(VariantUnknown).AbsoluteLimit)
	// Unrecognized variants fall back to the conservative set.
	assert.Equal(t, -25, LimitsFor(Variant("bogus")).SafeLimit)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, zap.NewNop())

	_, ok := cache.Load()
	assert.False(t, ok, "empty cache should miss")

	cache.Save(Info{Model: "Galileo", Variant: VariantOLED, SafeLimit: -35, Detected: true})

	info, ok := cache.Load()
	require.True(t, ok)
	assert.Equal(t, "Galileo", info.Model)
	assert.Equal(t, VariantOLED, info.Variant)
	assert.Equal(t, -35, info.SafeLimit)
	assert.True(t, info.Detected)
}

func TestCacheExpiry(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, zap.NewNop())
	cache.Save(Info{Model: "Jupiter", Variant: VariantLCD, SafeLimit: -30, Detected: true})

	// Shift "now" past the TTL.
	cache.now = func() time.Time { return time.Now().Add(CacheTTL + time.Hour) }
	_, ok := cache.Load()
	assert.False(t, ok, "expired cache should miss")
}

func TestCacheCorruption(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, zap.NewNop())
	require.NoError(t, os.WriteFile(cache.path(), []byte("{not json"), 0o644))

	_, ok := cache.Load()
	assert.False(t, ok)
	// Corrupt file is deleted so the next detection can repopulate it.
	_, err := os.Stat(cache.path())
	assert.True(t, os.IsNotExist(err))
}

func TestDetectorUsesCacheBeforeDMI(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, zap.NewNop())
	cache.Save(Info{Model: "Jupiter", Variant: VariantLCD, SafeLimit: -30, Detected: true})

	// DMI says OLED, but the cache wins until it expires or is cleared.
	d := NewDetector(writeDMI(t, "Galileo"), cache, zap.NewNop())
	assert.Equal(t, VariantLCD, d.Detect().Variant)

	// Redetect clears the cache and re-reads DMI.
	assert.Equal(t, VariantOLED, d.Redetect().Variant)

	// The fresh result was cached in turn.
	info, ok := cache.Load()
	require.True(t, ok)
	assert.Equal(t, VariantOLED, info.Variant)
}

func TestUndetectedNotCached(t *testing.T) {
	dir := t.TempDir()
	cache := NewCache(dir, zap.NewNop())
	d := NewDetector(writeDMI(t, "SomethingElse"), cache, zap.NewNop())

	info := d.Detect()
	assert.False(t, info.Detected)
	_, ok := cache.Load()
	assert.False(t, ok, "detected=false must not be cached")
}
