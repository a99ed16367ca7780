// Package settings is the persistent JSON key/value store backing user
// settings, LKG records, crash metrics, and session history.
//
// Writes are atomic (temp file + rename) with a sibling .backup taken
// before every write; reads fall back to the backup when the main file is
// corrupt. Keys with a leading underscore are reserved for internal
// migration flags and are rejected by the public save API.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const (
	fileName   = "settings.json"
	backupName = "settings.json.backup"

	writeRetries   = 2
	writeRetryWait = 500 * time.Millisecond
)

// Store is a settings store rooted at a single directory.
// All methods are safe for concurrent use; the in-memory cache always
// serves the last written value even when the disk write failed.
type Store struct {
	dir string
	log *zap.Logger

	mu     sync.RWMutex
	cache  map[string]json.RawMessage
	loaded bool
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir %q: %w", dir, err)
	}
	return &Store{dir: dir, log: log, cache: map[string]json.RawMessage{}}, nil
}

func (s *Store) path() string       { return filepath.Join(s.dir, fileName) }
func (s *Store) backupPath() string { return filepath.Join(s.dir, backupName) }

// Save stores value under key and persists to disk. Returns false when the
// disk write failed; the value is still served from memory in that case.
// Keys starting with "_" are reserved and rejected.
func (s *Store) Save(key string, value any) bool {
	if strings.HasPrefix(key, "_") {
		s.log.Warn("rejecting reserved settings key", zap.String("key", key))
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Error("failed to encode setting", zap.String("key", key), zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	s.cache[key] = raw
	return s.writeWithRetryLocked()
}

// Get decodes the value under key into out. Returns false when the key is
// absent or cannot be decoded into out.
func (s *Store) Get(key string, out any) bool {
	s.mu.Lock()
	s.ensureLoadedLocked()
	raw, ok := s.cache[key]
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Warn("failed to decode setting", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Delete removes key and persists. Deleting an absent key succeeds.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	if _, ok := s.cache[key]; !ok {
		return true
	}
	delete(s.cache, key)
	return s.writeWithRetryLocked()
}

// Keys returns all public keys (reserved "_" keys filtered out).
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	var keys []string
	for k := range s.cache {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	return keys
}

// ensureLoadedLocked populates the cache from disk on first access.
// Main file first, backup second; an unreadable pair yields an empty store.
func (s *Store) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	if s.loadFileLocked(s.path()) {
		return
	}
	if s.loadFileLocked(s.backupPath()) {
		s.log.Info("loaded settings from backup, restoring main file")
		// Best-effort restore of the main file.
		if data, err := os.ReadFile(s.backupPath()); err == nil {
			if err := renameio.WriteFile(s.path(), data, 0o644); err != nil {
				s.log.Error("failed to restore settings from backup", zap.Error(err))
			}
		}
		return
	}
	s.cache = map[string]json.RawMessage{}
	s.log.Info("no existing settings found, starting empty")
}

func (s *Store) loadFileLocked(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var cache map[string]json.RawMessage
	if err := json.Unmarshal(data, &cache); err != nil {
		s.log.Warn("settings file corrupted", zap.String("path", path), zap.Error(err))
		return false
	}
	s.cache = cache
	return true
}

// writeWithRetryLocked writes the cache to disk, backing up the previous
// file first. The rename step makes readers see either the old or the new
// content, never a partial write.
func (s *Store) writeWithRetryLocked() bool {
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryWait)
		}
		if s.writeLocked() {
			return true
		}
	}
	s.log.Error("failed to write settings after retries", zap.Int("attempts", writeRetries+1))
	return false
}

func (s *Store) writeLocked() bool {
	if data, err := os.ReadFile(s.path()); err == nil {
		if err := os.WriteFile(s.backupPath(), data, 0o644); err != nil {
			s.log.Warn("failed to create settings backup", zap.Error(err))
		}
	}

	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		s.log.Error("failed to encode settings", zap.Error(err))
		return false
	}
	if err := renameio.WriteFile(s.path(), data, 0o644); err != nil {
		s.log.Error("failed to write settings", zap.Error(err))
		return false
	}
	return true
}
