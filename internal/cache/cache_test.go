package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleRecord(sourcePath string) *model.SessionRecord {
	started := time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC)
	latency := 12.5
	return &model.SessionRecord{
		Provider:   "openai-codex",
		SessionID:  "abc123",
		SourcePath: sourcePath,
		StartedAt:  started,
		UpdatedAt:  started.Add(time.Hour),
		WorkingDir: "/tmp",
		Model:      "gpt-test",
		Messages: []model.Message{
			{Role: "user", Content: "hello"},
		},
		NormalizedMessages: []model.NormalizedMessage{
			{
				ID:        "openai-codex:1",
				Role:      model.RoleAssistant,
				Timestamp: started,
				LatencyMS: &latency,
				Parts: []model.NormalizedPart{
					{Kind: model.PartText, Text: "hi"},
					{Kind: model.PartToolCall, ToolName: "run", Arguments: map[string]interface{}{"cmd": "ls"}},
				},
			},
		},
		Diagnostics: &model.NormalizationDiagnostics{TotalEvents: 2, ParsedEvents: 2},
	}
}

func TestSessionCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{"type":"message","content":"hi"}`)
	record := sampleRecord(source)

	cache := NewDiskSessionCache(dir, true)
	cache.Store(record.Provider, source, record)
	cache.Persist()
	if !cache.Enabled {
		t.Fatal("persist should succeed")
	}

	fresh := NewDiskSessionCache(dir, true)
	fresh.Load()
	cached := fresh.Lookup(record.Provider, source)
	if cached == nil {
		t.Fatal("expected cache hit")
	}
	if cached.SessionID != "abc123" || cached.WorkingDir != "/tmp" || cached.Model != "gpt-test" {
		t.Errorf("cached = %+v", cached)
	}
	if cached.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", cached.Messages)
	}
	if len(cached.NormalizedMessages) != 1 || len(cached.NormalizedMessages[0].Parts) != 2 {
		t.Fatalf("normalized = %+v", cached.NormalizedMessages)
	}
	if cached.NormalizedMessages[0].LatencyMS == nil || *cached.NormalizedMessages[0].LatencyMS != 12.5 {
		t.Errorf("latency = %v", cached.NormalizedMessages[0].LatencyMS)
	}
	if !cached.StartedAt.Equal(record.StartedAt) {
		t.Errorf("started = %v", cached.StartedAt)
	}
	if cached.Diagnostics == nil || cached.Diagnostics.TotalEvents != 2 {
		t.Errorf("diagnostics = %+v", cached.Diagnostics)
	}
}

func TestSessionCacheMissOnChange(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{"content":"hi"}`)
	record := sampleRecord(source)

	cache := NewDiskSessionCache(dir, true)
	cache.Store(record.Provider, source, record)
	cache.Persist()

	// Change the size so the fingerprint no longer matches.
	writeSource(t, dir, "session.jsonl", `{"content":"changed with longer body"}`)

	fresh := NewDiskSessionCache(dir, true)
	fresh.Load()
	if cached := fresh.Lookup(record.Provider, source); cached != nil {
		t.Errorf("expected miss, got %+v", cached)
	}
}

func TestSessionCacheMissOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{}`)
	record := sampleRecord(source)

	cache := NewDiskSessionCache(dir, true)
	cache.Store(record.Provider, source, record)
	os.Remove(source)
	if cached := cache.Lookup(record.Provider, source); cached != nil {
		t.Errorf("expected miss, got %+v", cached)
	}
}

func TestSessionCachePersistBestEffort(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{}`)
	notADir := writeSource(t, dir, "not-a-dir", "nope")

	cache := NewDiskSessionCache(notADir, true)
	cache.Store("openai-codex", source, sampleRecord(source))
	cache.Persist()
	if cache.Enabled {
		t.Error("persist failure should disable the cache")
	}
	if cached := cache.Lookup("openai-codex", source); cached != nil {
		t.Error("disabled cache should not serve lookups")
	}
}

func TestSessionCacheLoadIgnoresCorruption(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "session_cache.json", "{not-json")

	cache := NewDiskSessionCache(dir, true)
	cache.Load()
	if !cache.Enabled {
		t.Error("corrupt cache file should not disable the cache")
	}
}

func TestMetadataCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{}`)
	record := sampleRecord(source)
	manifest := Manifest{
		{Provider: "openai-codex", SourcePath: source}: {MtimeNS: 1234, Size: 56},
	}

	cache := NewDiskMetadataCache(dir, true)
	if status := cache.Persist("cache-key", "manifest-hash", manifest, []*model.SessionRecord{record}); status != StatusHit {
		t.Fatalf("persist status = %q", status)
	}

	restored, status := cache.Load("cache-key")
	if status != StatusHit || restored == nil {
		t.Fatalf("load status = %q snapshot = %v", status, restored)
	}
	if restored.CacheKey != "cache-key" || restored.ManifestHash != "manifest-hash" {
		t.Errorf("snapshot = %+v", restored)
	}
	entry, ok := restored.Manifest[ManifestKey{Provider: "openai-codex", SourcePath: source}]
	if !ok || entry.MtimeNS != 1234 || entry.Size != 56 {
		t.Errorf("manifest = %+v", restored.Manifest)
	}
	if len(restored.Sessions) != 1 || restored.Sessions[0].SessionID != "abc123" {
		t.Errorf("sessions = %+v", restored.Sessions)
	}
}

func TestMetadataCacheMissOnKeyMismatch(t *testing.T) {
	dir := t.TempDir()
	cache := NewDiskMetadataCache(dir, true)
	cache.Persist("key-a", "hash", Manifest{}, nil)

	if snapshot, status := cache.Load("key-b"); snapshot != nil || status != StatusMiss {
		t.Errorf("status = %q snapshot = %v", status, snapshot)
	}
}

func TestMetadataCacheFallbackFailOnCorruption(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "metadata_snapshot.json", "{not-json")

	cache := NewDiskMetadataCache(dir, true)
	snapshot, status := cache.Load("cache-key")
	if snapshot != nil || status != StatusFallbackFail {
		t.Errorf("status = %q snapshot = %v", status, snapshot)
	}
}

func TestMetadataCacheFallbackHitPromotesDir(t *testing.T) {
	broken := filepath.Join(t.TempDir(), "broken")
	working := t.TempDir()

	seed := NewDiskMetadataCache(working, true)
	seed.Persist("cache-key", "hash", Manifest{}, nil)

	cache := &DiskMetadataCache{
		Enabled:    true,
		candidates: []string{broken, working},
		selected:   broken,
	}
	snapshot, status := cache.Load("cache-key")
	if snapshot == nil || status != StatusFallbackHit {
		t.Fatalf("status = %q", status)
	}
	if cache.selected != filepath.Clean(working) {
		t.Errorf("selected = %q, want %q", cache.selected, working)
	}
}

func TestMetadataCachePersistFallsBack(t *testing.T) {
	dir := t.TempDir()
	notADir := writeSource(t, dir, "not-a-dir", "nope")
	working := t.TempDir()

	cache := &DiskMetadataCache{
		Enabled:    true,
		candidates: []string{notADir, working},
		selected:   notADir,
	}
	status := cache.Persist("cache-key", "hash", Manifest{}, nil)
	if status != StatusFallbackHit {
		t.Fatalf("status = %q", status)
	}
	if _, err := os.Stat(filepath.Join(working, "metadata_snapshot.json")); err != nil {
		t.Errorf("snapshot not written to fallback: %v", err)
	}

	if snapshot, loadStatus := cache.Load("cache-key"); snapshot == nil || loadStatus != StatusFallbackHit {
		t.Errorf("load status = %q", loadStatus)
	}
}

func TestMetadataCachePersistWriteFailDisables(t *testing.T) {
	dir := t.TempDir()
	notADir := writeSource(t, dir, "not-a-dir", "nope")

	cache := &DiskMetadataCache{
		Enabled:    true,
		candidates: []string{notADir},
		selected:   notADir,
	}
	if status := cache.Persist("cache-key", "hash", Manifest{}, nil); status != StatusWriteFail {
		t.Fatalf("status = %q", status)
	}
	if cache.Enabled {
		t.Error("write failure across all candidates should disable the cache")
	}
}

func TestNullFidelityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := writeSource(t, dir, "session.jsonl", `{}`)
	record := &model.SessionRecord{
		Provider:   "gemini-cli",
		SessionID:  "bare",
		SourcePath: source,
		Messages:   []model.Message{{Role: "user", Content: "x"}},
	}

	cache := NewDiskSessionCache(dir, true)
	cache.Store(record.Provider, source, record)
	cache.Persist()

	fresh := NewDiskSessionCache(dir, true)
	fresh.Load()
	cached := fresh.Lookup(record.Provider, source)
	if cached == nil {
		t.Fatal("expected hit")
	}
	if !cached.StartedAt.IsZero() || !cached.UpdatedAt.IsZero() {
		t.Errorf("absent timestamps should stay absent: %v %v", cached.StartedAt, cached.UpdatedAt)
	}
	if cached.WorkingDir != "" || cached.Model != "" {
		t.Errorf("absent strings should stay absent: %q %q", cached.WorkingDir, cached.Model)
	}
	if cached.Diagnostics != nil {
		t.Errorf("absent diagnostics should stay nil: %+v", cached.Diagnostics)
	}
}

func TestCandidateDirsDedup(t *testing.T) {
	primary := DefaultCacheDir()
	candidates := CandidateDirs(primary)
	seen := make(map[string]bool)
	for _, dir := range candidates {
		if seen[dir] {
			t.Fatalf("duplicate candidate %q in %v", dir, candidates)
		}
		seen[dir] = true
	}
	if candidates[0] != filepath.Clean(primary) {
		t.Errorf("first candidate = %q, want %q", candidates[0], primary)
	}
}

func TestTruthy(t *testing.T) {
	for _, value := range []string{"1", "true", "YES", " on "} {
		if !Truthy(value) {
			t.Errorf("%q should be truthy", value)
		}
	}
	for _, value := range []string{"", "0", "false", "off", "2"} {
		if Truthy(value) {
			t.Errorf("%q should be falsy", value)
		}
	}
}
