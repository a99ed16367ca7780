package platform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// CacheTTL is how long a cached detection stays valid.
const CacheTTL = 30 * 24 * time.Hour

const cacheFileName = "platform_cache.json"

// cachedPlatform is the on-disk cache record.
type cachedPlatform struct {
	Model     string `json:"model"`
	Variant   string `json:"variant"`
	SafeLimit int    `json:"safe_limit"`
	CachedAt  string `json:"cached_at"` // RFC 3339
}

// Cache persists detection results so startups avoid the DMI read.
// Corrupt or expired cache files are treated as absent; every failure
// path degrades to re-detection, never an error.
type Cache struct {
	dir string
	log *zap.Logger
	now func() time.Time
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, log *zap.Logger) *Cache {
	return &Cache{dir: dir, log: log, now: time.Now}
}

func (c *Cache) path() string {
	return filepath.Join(c.dir, cacheFileName)
}

// Load returns the cached platform info if the file exists, parses, and is
// within TTL. Corrupt files are deleted so the next save starts clean.
func (c *Cache) Load() (Info, bool) {
	data, err := os.ReadFile(c.path())
	if err != nil {
		return Info{}, false
	}

	var rec cachedPlatform
	if err := json.Unmarshal(data, &rec); err != nil {
		c.log.Warn("platform cache corrupted, discarding", zap.Error(err))
		c.Clear()
		return Info{}, false
	}

	cachedAt, err := time.Parse(time.RFC3339, rec.CachedAt)
	if err != nil {
		c.log.Warn("platform cache has invalid timestamp, discarding", zap.Error(err))
		c.Clear()
		return Info{}, false
	}
	if c.now().Sub(cachedAt) > CacheTTL {
		c.log.Info("platform cache expired, will re-detect")
		return Info{}, false
	}

	return Info{
		Model:     rec.Model,
		Variant:   Variant(rec.Variant),
		SafeLimit: rec.SafeLimit,
		Detected:  true, // only successful detections are cached
	}, true
}

// Save writes a detection result to the cache file. Best effort.
func (c *Cache) Save(info Info) {
	rec := cachedPlatform{
		Model:     info.Model,
		Variant:   string(info.Variant),
		SafeLimit: info.SafeLimit,
		CachedAt:  c.now().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		c.log.Error("failed to encode platform cache", zap.Error(err))
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Error("failed to create platform cache dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(c.path(), data, 0o644); err != nil {
		c.log.Error("failed to write platform cache", zap.Error(err))
		return
	}
	c.log.Info("saved platform to cache",
		zap.String("model", info.Model), zap.String("variant", string(info.Variant)))
}

// Clear deletes the cache file. Best effort.
func (c *Cache) Clear() {
	if err := os.Remove(c.path()); err != nil && !os.IsNotExist(err) {
		c.log.Warn("failed to delete platform cache", zap.Error(err))
	}
}
