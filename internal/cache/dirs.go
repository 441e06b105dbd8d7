// Package cache implements the two disk caches: a per-file session cache
// keyed by source path, and a whole-snapshot metadata cache with fallback
// directories. Both are best-effort; any persistent failure degrades to
// in-memory operation.
package cache

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// EnvCacheDir overrides the primary cache directory.
	EnvCacheDir = "AGENT_SESSIONS_CACHE_DIR"
	// EnvDisableDiskCache turns both disk caches off entirely.
	EnvDisableDiskCache = "AGENT_SESSIONS_DISABLE_DISK_CACHE"

	cacheDirName         = "agent-sessions"
	workspaceCacheDir    = ".agent-sessions-cache"
	sessionCacheFilename = "session_cache.json"
	metadataFilename     = "metadata_snapshot.json"
)

// Truthy reports whether an environment value means "on".
func Truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Disabled reports whether disk caching is switched off via environment.
func Disabled() bool {
	return Truthy(os.Getenv(EnvDisableDiskCache))
}

// DefaultCacheDir returns the platform cache directory for this tool:
// XDG_CACHE_HOME when set, the Caches directory on macOS, ~/.cache
// elsewhere.
func DefaultCacheDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); xdg != "" {
		return filepath.Join(xdg, cacheDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", cacheDirName)
	}
	return filepath.Join(home, ".cache", cacheDirName)
}

// DirFromEnv returns the primary cache directory: the environment override
// when set, the platform default otherwise.
func DirFromEnv() string {
	if value := strings.TrimSpace(os.Getenv(EnvCacheDir)); value != "" {
		return ExpandUser(value)
	}
	return DefaultCacheDir()
}

// CandidateDirs returns the ordered metadata-cache candidates: the primary
// directory, the platform default, and a hidden workspace directory.
// Duplicates are removed while preserving order.
func CandidateDirs(primary string) []string {
	candidates := []string{primary, DefaultCacheDir()}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, workspaceCacheDir))
	}

	seen := make(map[string]bool)
	var unique []string
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		cleaned := filepath.Clean(dir)
		if seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		unique = append(unique, cleaned)
	}
	return unique
}

// PathFingerprint returns the exact (mtime_ns, size) pair used for cache
// validation. ok is false when the path cannot be statted.
func PathFingerprint(path string) (mtimeNS, size int64, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	return info.ModTime().UnixNano(), info.Size(), true
}

// ExpandUser expands a leading ~ to the user's home directory.
func ExpandUser(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~"+string(os.PathSeparator)) || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
