// Package provider implements the session providers: discovery of
// transcript files for each agent CLI and their conversion into session
// records.
package provider

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kmckiern/agent-sessions/internal/cache"
	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/model"
)

// SessionProvider is the contract the session service consumes.
type SessionProvider interface {
	// Name is the stable provider slug, e.g. "openai-codex".
	Name() string
	// TypeName identifies the implementation for cache key computation.
	TypeName() string
	// BaseDir is the root directory this provider scans.
	BaseDir() string
	// EnvVar names the environment override for the base directory, or "".
	EnvVar() string
	// GlobPatterns are the file patterns scanned under BaseDir.
	GlobPatterns() []string
	// CacheValidationPaths lists the files whose fingerprints define cache
	// freshness for this provider.
	CacheValidationPaths() []string
	// Sessions enumerates all sessions, newest first.
	Sessions() []*model.SessionRecord
	// LoadSessionFromSourcePath is an optional fast path for direct opens.
	// Providers without one return nil.
	LoadSessionFromSourcePath(sourcePath, sessionID string) *model.SessionRecord
	// AttachCache wires the shared per-file cache into the provider.
	AttachCache(c *cache.DiskSessionCache)
}

// Base carries the state and defaults shared by file-scanning providers.
type Base struct {
	name       string
	typeName   string
	envVar     string
	homeSubdir string
	patterns   []string
	baseDir    string

	// cacheMu guards cache: refreshes and direct loads attach concurrently.
	cacheMu sync.Mutex
	cache   *cache.DiskSessionCache
}

func newBase(name, typeName, envVar, homeSubdir string, patterns []string, baseDir string) Base {
	if baseDir == "" {
		baseDir = defaultBaseDir(envVar, homeSubdir)
	}
	return Base{
		name:       name,
		typeName:   typeName,
		envVar:     envVar,
		homeSubdir: homeSubdir,
		patterns:   patterns,
		baseDir:    baseDir,
	}
}

func defaultBaseDir(envVar, homeSubdir string) string {
	if envVar != "" {
		if value := strings.TrimSpace(os.Getenv(envVar)); value != "" {
			return cache.ExpandUser(value)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, homeSubdir)
}

func (b *Base) Name() string           { return b.name }
func (b *Base) TypeName() string       { return b.typeName }
func (b *Base) BaseDir() string        { return b.baseDir }
func (b *Base) EnvVar() string         { return b.envVar }
func (b *Base) GlobPatterns() []string { return b.patterns }

func (b *Base) AttachCache(c *cache.DiskSessionCache) {
	b.cacheMu.Lock()
	b.cache = c
	b.cacheMu.Unlock()
}

func (b *Base) sessionCache() *cache.DiskSessionCache {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	return b.cache
}

func (b *Base) LoadSessionFromSourcePath(sourcePath, sessionID string) *model.SessionRecord {
	return nil
}

// sessionPaths enumerates candidate files via the provider's glob patterns.
func (b *Base) sessionPaths() []string {
	if len(b.patterns) == 0 {
		return nil
	}
	return ingest.IterPaths(b.baseDir, b.patterns)
}

// CacheValidationPaths defaults to the discovered session files.
func (b *Base) CacheValidationPaths() []string {
	return b.sessionPaths()
}

// buildCached consults the per-file cache before parsing path with build.
func (b *Base) buildCached(path string, build func(string) *model.SessionRecord) *model.SessionRecord {
	diskCache := b.sessionCache()
	if diskCache != nil {
		if record := diskCache.Lookup(b.name, path); record != nil {
			return record
		}
	}
	record := build(path)
	if record != nil && diskCache != nil {
		diskCache.Store(b.name, path, record)
	}
	return record
}

// collectSessions parses every discovered path, skipping empties.
func (b *Base) collectSessions(build func(string) *model.SessionRecord) []*model.SessionRecord {
	var records []*model.SessionRecord
	for _, path := range b.sessionPaths() {
		if record := b.buildCached(path, build); record != nil {
			records = append(records, record)
		}
	}
	return records
}

func recordSortKey(record *model.SessionRecord) (int64, bool) {
	ts := record.UpdatedAt
	if ts.IsZero() {
		ts = record.StartedAt
	}
	if ts.IsZero() {
		return 0, false
	}
	return ts.UnixNano(), true
}

// sortRecords orders records newest first; records with no timestamps sort
// last, keeping their relative order.
func sortRecords(records []*model.SessionRecord) []*model.SessionRecord {
	sort.SliceStable(records, func(i, j int) bool {
		ki, oki := recordSortKey(records[i])
		kj, okj := recordSortKey(records[j])
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		return ki > kj
	})
	return records
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// pathWithin reports whether target resolves inside baseDir. Both sides are
// made absolute with symlinks evaluated where possible.
func pathWithin(baseDir, target string) (string, bool) {
	resolvedBase := canonicalPath(baseDir)
	resolvedTarget := canonicalPath(target)
	rel, err := filepath.Rel(resolvedBase, resolvedTarget)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return resolvedTarget, true
}

func canonicalPath(path string) string {
	expanded := cache.ExpandUser(path)
	if abs, err := filepath.Abs(expanded); err == nil {
		expanded = abs
	}
	if resolved, err := filepath.EvalSymlinks(expanded); err == nil {
		return resolved
	}
	return filepath.Clean(expanded)
}
