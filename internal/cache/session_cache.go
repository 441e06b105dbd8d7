package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
)

const sessionCacheVersion = 1

type sessionCacheEntry struct {
	Provider   string      `json:"provider"`
	SourcePath string      `json:"source_path"`
	MtimeNS    int64       `json:"mtime_ns"`
	Size       int64       `json:"size"`
	Session    sessionJSON `json:"session"`
}

type sessionCachePayload struct {
	Version   int                 `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Entries   []sessionCacheEntry `json:"entries"`
}

// DiskSessionCache caches parsed session records per source file, validated
// by exact mtime and size. Not safe for concurrent use; the service guards
// it with its own locking.
type DiskSessionCache struct {
	Enabled  bool
	CacheDir string

	cachePath string
	entries   map[string]sessionCacheEntry
	order     []string
}

// NewDiskSessionCache creates a cache rooted at cacheDir.
func NewDiskSessionCache(cacheDir string, enabled bool) *DiskSessionCache {
	return &DiskSessionCache{
		Enabled:   enabled,
		CacheDir:  cacheDir,
		cachePath: filepath.Join(cacheDir, sessionCacheFilename),
		entries:   make(map[string]sessionCacheEntry),
	}
}

// SessionCacheFromEnv builds the cache from environment configuration. When
// disk caching is disabled the returned cache is inert.
func SessionCacheFromEnv() *DiskSessionCache {
	if Disabled() {
		return NewDiskSessionCache(".", false)
	}
	return NewDiskSessionCache(DirFromEnv(), true)
}

func entryKey(provider, sourcePath string) string {
	return provider + "::" + sourcePath
}

// Load reads the cache file. Missing, malformed, or version-mismatched
// files leave the cache empty.
func (c *DiskSessionCache) Load() {
	if !c.Enabled {
		return
	}
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}
	var payload sessionCachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.Version != sessionCacheVersion {
		return
	}
	for _, entry := range payload.Entries {
		if entry.Provider == "" || entry.SourcePath == "" {
			continue
		}
		key := entryKey(entry.Provider, entry.SourcePath)
		if _, exists := c.entries[key]; !exists {
			c.order = append(c.order, key)
		}
		c.entries[key] = entry
	}
}

// Lookup returns the cached record for (provider, path) iff the file's
// current mtime and size match the stored entry exactly.
func (c *DiskSessionCache) Lookup(provider, path string) *model.SessionRecord {
	if !c.Enabled {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	entry, ok := c.entries[entryKey(provider, path)]
	if !ok {
		return nil
	}
	if entry.MtimeNS != info.ModTime().UnixNano() || entry.Size != info.Size() {
		return nil
	}
	return deserializeSession(entry.Session)
}

// Store replaces the entry for (provider, path) with a fresh serialization.
// Unstatable paths are skipped.
func (c *DiskSessionCache) Store(provider, path string, record *model.SessionRecord) {
	if !c.Enabled {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	key := entryKey(provider, path)
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = sessionCacheEntry{
		Provider:   provider,
		SourcePath: path,
		MtimeNS:    info.ModTime().UnixNano(),
		Size:       info.Size(),
		Session:    serializeSession(record),
	}
}

// Persist writes the cache file atomically. Any failure disables the cache
// for the rest of the process; in-memory entries stay usable.
func (c *DiskSessionCache) Persist() {
	if !c.Enabled {
		return
	}
	entries := make([]sessionCacheEntry, 0, len(c.order))
	for _, key := range c.order {
		entries = append(entries, c.entries[key])
	}
	payload := sessionCachePayload{
		Version:   sessionCacheVersion,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Entries:   entries,
	}
	if err := writeJSONAtomic(c.CacheDir, c.cachePath, payload); err != nil {
		c.Enabled = false
	}
}

func writeJSONAtomic(dir, path string, payload interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
