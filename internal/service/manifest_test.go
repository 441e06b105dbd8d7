package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kmckiern/agent-sessions/internal/cache"
	"github.com/kmckiern/agent-sessions/internal/provider"
)

func TestBuildManifestSkipsMissingPaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.jsonl")
	if err := os.WriteFile(file, []byte("data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeProvider{
		name:  "fake",
		paths: []string{file, filepath.Join(dir, "missing.jsonl")},
	}
	manifest := buildManifest([]provider.SessionProvider{fake})
	if len(manifest) != 1 {
		t.Fatalf("manifest = %+v", manifest)
	}
	key := cache.ManifestKey{Provider: "fake", SourcePath: canonicalSourcePath(file)}
	entry, ok := manifest[key]
	if !ok {
		t.Fatalf("manifest missing %+v", key)
	}
	if entry.Size != 5 {
		t.Errorf("size = %d", entry.Size)
	}
}

func TestManifestHashDeterministic(t *testing.T) {
	a := cache.Manifest{
		{Provider: "p1", SourcePath: "/a"}: {MtimeNS: 1, Size: 10},
		{Provider: "p2", SourcePath: "/b"}: {MtimeNS: 2, Size: 20},
	}
	b := cache.Manifest{
		{Provider: "p2", SourcePath: "/b"}: {MtimeNS: 2, Size: 20},
		{Provider: "p1", SourcePath: "/a"}: {MtimeNS: 1, Size: 10},
	}
	if manifestHashFor(a) != manifestHashFor(b) {
		t.Error("equal manifests should hash equal")
	}

	b[cache.ManifestKey{Provider: "p1", SourcePath: "/a"}] = cache.ManifestEntry{MtimeNS: 1, Size: 11}
	if manifestHashFor(a) == manifestHashFor(b) {
		t.Error("changed entry should change the hash")
	}
	if manifestHashFor(cache.Manifest{}) == manifestHashFor(a) {
		t.Error("empty manifest should hash differently")
	}
}

func TestComputeCacheKeyStable(t *testing.T) {
	p1 := &fakeProvider{name: "alpha", baseDir: "/base/a", patterns: []string{"**/*.jsonl"}}
	p2 := &fakeProvider{name: "beta", baseDir: "/base/b"}

	forward := computeCacheKey([]provider.SessionProvider{p1, p2})
	reversed := computeCacheKey([]provider.SessionProvider{p2, p1})
	if forward == "" {
		t.Fatal("empty cache key")
	}
	if forward != reversed {
		t.Error("cache key should not depend on provider order")
	}

	moved := &fakeProvider{name: "alpha", baseDir: "/base/elsewhere", patterns: []string{"**/*.jsonl"}}
	if computeCacheKey([]provider.SessionProvider{moved, p2}) == forward {
		t.Error("base dir change should change the cache key")
	}
}

func TestComputeCacheKeyTracksEnvValue(t *testing.T) {
	p := &fakeProvider{name: "alpha", envVar: "AGENT_SESSIONS_TEST_HOME"}

	t.Setenv("AGENT_SESSIONS_TEST_HOME", "/one")
	first := computeCacheKey([]provider.SessionProvider{p})
	t.Setenv("AGENT_SESSIONS_TEST_HOME", "/two")
	second := computeCacheKey([]provider.SessionProvider{p})
	if first == second {
		t.Error("environment override change should change the cache key")
	}
}
