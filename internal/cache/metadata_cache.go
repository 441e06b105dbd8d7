package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

const (
	metadataVersion = 1
	// MetadataSchemaVersion participates in the provider cache key, so any
	// change to the serialized record shape invalidates old snapshots.
	MetadataSchemaVersion = 1
)

// Load and persist outcomes.
const (
	StatusHit          = "hit"
	StatusFallbackHit  = "fallback_hit"
	StatusMiss         = "miss"
	StatusFallbackFail = "fallback_fail"
	StatusWriteFail    = "write_fail"

	attemptInvalid = "invalid"
	attemptError   = "error"
)

// ManifestKey identifies one manifest entry.
type ManifestKey struct {
	Provider   string
	SourcePath string
}

// ManifestEntry holds the stat fingerprint for a source path.
type ManifestEntry struct {
	MtimeNS int64
	Size    int64
}

// Manifest maps (provider, canonical path) to its stat fingerprint.
type Manifest map[ManifestKey]ManifestEntry

type manifestEntryJSON struct {
	Provider   string `json:"provider"`
	SourcePath string `json:"source_path"`
	MtimeNS    int64  `json:"mtime_ns"`
	Size       int64  `json:"size"`
}

type metadataPayload struct {
	Version       int                 `json:"version"`
	SchemaVersion int                 `json:"schema_version"`
	UpdatedAt     string              `json:"updated_at"`
	CacheKey      string              `json:"cache_key"`
	ManifestHash  string              `json:"manifest_hash"`
	Manifest      []manifestEntryJSON `json:"manifest"`
	Sessions      []sessionJSON       `json:"sessions"`
}

// MetadataSnapshot is a restored metadata cache payload.
type MetadataSnapshot struct {
	CacheKey     string
	ManifestHash string
	Manifest     Manifest
	Sessions     []*model.SessionRecord
	UpdatedAt    time.Time
}

// DiskMetadataCache persists the whole session snapshot so a restart can
// serve metadata without re-parsing transcripts. Candidates are tried in
// order for both reads and writes; a working fallback directory is promoted
// for subsequent persists.
type DiskMetadataCache struct {
	Enabled    bool
	candidates []string
	selected   string
}

// NewDiskMetadataCache creates a cache with a single candidate directory.
func NewDiskMetadataCache(cacheDir string, enabled bool) *DiskMetadataCache {
	return &DiskMetadataCache{
		Enabled:    enabled,
		candidates: []string{filepath.Clean(cacheDir)},
		selected:   filepath.Clean(cacheDir),
	}
}

// MetadataCacheFromEnv builds the cache with the full candidate chain:
// primary directory, platform default, workspace fallback.
func MetadataCacheFromEnv() *DiskMetadataCache {
	if Disabled() {
		return &DiskMetadataCache{Enabled: false}
	}
	candidates := CandidateDirs(DirFromEnv())
	cache := &DiskMetadataCache{Enabled: true, candidates: candidates}
	if len(candidates) > 0 {
		cache.selected = candidates[0]
	}
	return cache
}

// Path returns the snapshot path in the currently selected directory.
func (c *DiskMetadataCache) Path() string {
	return filepath.Join(c.selected, metadataFilename)
}

// Load tries each candidate directory for a usable snapshot matching
// cacheKey. Returns the snapshot (nil on any non-hit) and the overall
// status.
func (c *DiskMetadataCache) Load(cacheKey string) (*MetadataSnapshot, string) {
	if !c.Enabled {
		return nil, StatusMiss
	}

	sawFailure := false
	for i, dir := range c.candidates {
		path := filepath.Join(dir, metadataFilename)
		snapshot, attempt, err := loadSnapshotFile(path, cacheKey)
		telemetry.Event("metadata_cache_load_attempt",
			"dir", dir, "status", attempt, "error", errString(err))
		switch attempt {
		case StatusHit:
			status := StatusHit
			if i > 0 {
				status = StatusFallbackHit
				c.selected = dir
			}
			telemetry.Event("metadata_cache_load", "status", status, "dir", dir,
				"sessions", len(snapshot.Sessions))
			return snapshot, status
		case attemptInvalid, attemptError:
			sawFailure = true
		}
	}

	status := StatusMiss
	if sawFailure {
		status = StatusFallbackFail
	}
	telemetry.Event("metadata_cache_load", "status", status)
	return nil, status
}

func loadSnapshotFile(path, cacheKey string) (*MetadataSnapshot, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, StatusMiss, nil
		}
		return nil, attemptError, err
	}
	var payload metadataPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, attemptInvalid, err
	}
	if payload.Version != metadataVersion ||
		payload.SchemaVersion != MetadataSchemaVersion ||
		payload.CacheKey != cacheKey {
		return nil, StatusMiss, nil
	}

	manifest := make(Manifest, len(payload.Manifest))
	for _, entry := range payload.Manifest {
		if entry.Provider == "" || entry.SourcePath == "" {
			return nil, attemptInvalid, errors.New("manifest entry missing identity")
		}
		manifest[ManifestKey{Provider: entry.Provider, SourcePath: entry.SourcePath}] = ManifestEntry{
			MtimeNS: entry.MtimeNS,
			Size:    entry.Size,
		}
	}

	sessions := make([]*model.SessionRecord, 0, len(payload.Sessions))
	for _, entry := range payload.Sessions {
		sessions = append(sessions, deserializeSession(entry))
	}

	var updatedAt time.Time
	if payload.UpdatedAt != "" {
		updatedAt, _ = time.Parse(time.RFC3339Nano, payload.UpdatedAt)
	}

	return &MetadataSnapshot{
		CacheKey:     payload.CacheKey,
		ManifestHash: payload.ManifestHash,
		Manifest:     manifest,
		Sessions:     sessions,
		UpdatedAt:    updatedAt,
	}, StatusHit, nil
}

// Persist writes the snapshot to the first writable candidate. When every
// candidate fails the cache disables itself so an unwritable system does
// not retry on each refresh.
func (c *DiskMetadataCache) Persist(cacheKey, manifestHash string, manifest Manifest, sessions []*model.SessionRecord) string {
	if !c.Enabled {
		return StatusWriteFail
	}

	entries := make([]manifestEntryJSON, 0, len(manifest))
	for key, entry := range manifest {
		entries = append(entries, manifestEntryJSON{
			Provider:   key.Provider,
			SourcePath: key.SourcePath,
			MtimeNS:    entry.MtimeNS,
			Size:       entry.Size,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].SourcePath < entries[j].SourcePath
	})

	serialized := make([]sessionJSON, 0, len(sessions))
	for _, record := range sessions {
		serialized = append(serialized, serializeSession(record))
	}

	payload := metadataPayload{
		Version:       metadataVersion,
		SchemaVersion: MetadataSchemaVersion,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		CacheKey:      cacheKey,
		ManifestHash:  manifestHash,
		Manifest:      entries,
		Sessions:      serialized,
	}

	// Try the selected directory first, then the remaining candidates.
	ordered := make([]string, 0, len(c.candidates))
	if c.selected != "" {
		ordered = append(ordered, c.selected)
	}
	for _, dir := range c.candidates {
		if dir != c.selected {
			ordered = append(ordered, dir)
		}
	}

	primary := ""
	if len(c.candidates) > 0 {
		primary = c.candidates[0]
	}
	for _, dir := range ordered {
		path := filepath.Join(dir, metadataFilename)
		err := writeJSONAtomic(dir, path, payload)
		telemetry.Event("metadata_cache_persist_attempt",
			"dir", dir, "error", errString(err))
		if err == nil {
			status := StatusHit
			if dir != primary {
				status = StatusFallbackHit
			}
			c.selected = dir
			telemetry.Event("metadata_cache_persist", "status", status, "dir", dir,
				"sessions", len(sessions))
			return status
		}
	}

	c.Enabled = false
	telemetry.Event("metadata_cache_persist", "status", StatusWriteFail)
	return StatusWriteFail
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
