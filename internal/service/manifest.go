package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kmckiern/agent-sessions/internal/cache"
	"github.com/kmckiern/agent-sessions/internal/provider"
)

// buildManifest fingerprints every cache validation path of every provider.
// Paths that cannot be canonicalized or statted are skipped; the manifest
// only ever describes files that exist right now.
func buildManifest(providers []provider.SessionProvider) cache.Manifest {
	manifest := make(cache.Manifest)
	for _, p := range providers {
		for _, path := range p.CacheValidationPaths() {
			canonical := canonicalSourcePath(path)
			if canonical == "" {
				continue
			}
			mtimeNS, size, ok := cache.PathFingerprint(canonical)
			if !ok {
				continue
			}
			manifest[cache.ManifestKey{Provider: p.Name(), SourcePath: canonical}] = cache.ManifestEntry{
				MtimeNS: mtimeNS,
				Size:    size,
			}
		}
	}
	return manifest
}

// manifestHashFor computes a deterministic digest over the sorted manifest
// entries. Equal manifests always hash equal regardless of map order.
func manifestHashFor(manifest cache.Manifest) string {
	keys := make([]cache.ManifestKey, 0, len(manifest))
	for key := range manifest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].SourcePath < keys[j].SourcePath
	})

	hasher := sha256.New()
	for _, key := range keys {
		entry := manifest[key]
		fmt.Fprintf(hasher, "%s\x00%s\x00%d\x00%d\n", key.Provider, key.SourcePath, entry.MtimeNS, entry.Size)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// computeCacheKey digests the provider configuration so a snapshot persisted
// under one configuration is never served under another. Map marshaling
// gives canonical key ordering; providers are sorted by name.
func computeCacheKey(providers []provider.SessionProvider) string {
	sorted := append([]provider.SessionProvider(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	entries := make([]map[string]interface{}, 0, len(sorted))
	for _, p := range sorted {
		patterns := p.GlobPatterns()
		if patterns == nil {
			patterns = []string{}
		}
		envValue := ""
		if p.EnvVar() != "" {
			envValue = os.Getenv(p.EnvVar())
		}
		entries = append(entries, map[string]interface{}{
			"name":          p.Name(),
			"type":          p.TypeName(),
			"base_dir":      cache.ExpandUser(p.BaseDir()),
			"glob_patterns": patterns,
			"env_var":       p.EnvVar(),
			"env_value":     envValue,
		})
	}

	payload := map[string]interface{}{
		"schema_version": cache.MetadataSchemaVersion,
		"providers":      entries,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalSourcePath expands, absolutizes, and where possible resolves
// symlinks so manifest keys match across processes.
func canonicalSourcePath(path string) string {
	expanded := cache.ExpandUser(path)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}
