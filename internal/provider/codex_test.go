package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kmckiern/agent-sessions/internal/cache"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func codexFixture(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "sessions", "2024", "05", "01",
		"rollout-2024-05-01T10-00-00-0196fdb5-02d9-7e34-9943-ea24e30f0b60.jsonl")
	writeLines(t, path,
		`{"timestamp": "2024-05-01T10:00:00Z", "payload": {"type": "session_meta", "cwd": "/home/dev/proj", "model": "gpt-5"}}`,
		`{"timestamp": "2024-05-01T10:00:01Z", "payload": {"type": "message", "role": "user", "content": "write a test"}}`,
		`{"timestamp": "2024-05-01T10:00:05Z", "payload": {"type": "message", "role": "assistant", "model": "gpt-5-codex", "content": [{"type": "output_text", "text": "sure"}]}}`,
	)
	return base, path
}

func TestCodexSessionID(t *testing.T) {
	id := codexSessionID("/x/rollout-2024-05-01T10-00-00-0196fdb5-02d9-7e34-9943-ea24e30f0b60.jsonl")
	if id != "0196fdb5-02d9-7e34-9943-ea24e30f0b60" {
		t.Errorf("id = %q", id)
	}
	if got := codexSessionID("/x/short.jsonl"); got != "short" {
		t.Errorf("id = %q", got)
	}
}

func TestCodexSessions(t *testing.T) {
	base, _ := codexFixture(t)
	p := NewCodexProvider(base)
	records := p.Sessions()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	record := records[0]
	if record.SessionID != "0196fdb5-02d9-7e34-9943-ea24e30f0b60" {
		t.Errorf("session id = %q", record.SessionID)
	}
	if record.WorkingDir != "/home/dev/proj" {
		t.Errorf("working dir = %q", record.WorkingDir)
	}
	if record.Model != "gpt-5-codex" {
		t.Errorf("model = %q (assistant message should win)", record.Model)
	}
	if len(record.Messages) != 2 {
		t.Errorf("messages = %+v", record.Messages)
	}
	if record.StartedAt.IsZero() || record.UpdatedAt.Before(record.StartedAt) {
		t.Errorf("bounds = %v..%v", record.StartedAt, record.UpdatedAt)
	}
	if record.Diagnostics == nil || record.Diagnostics.ParsedEvents != 2 {
		t.Errorf("diagnostics = %+v", record.Diagnostics)
	}
}

func TestCodexSessionsUseCache(t *testing.T) {
	base, path := codexFixture(t)
	p := NewCodexProvider(base)
	diskCache := cache.NewDiskSessionCache(t.TempDir(), true)
	p.AttachCache(diskCache)

	first := p.Sessions()
	if len(first) != 1 {
		t.Fatal("expected one session")
	}
	if cached := diskCache.Lookup(p.Name(), path); cached == nil {
		t.Fatal("parse should have populated the cache")
	}

	again := p.Sessions()
	if len(again) != 1 || again[0].SessionID != first[0].SessionID {
		t.Errorf("cached pass = %+v", again)
	}
}

func TestCodexDirectLoad(t *testing.T) {
	base, path := codexFixture(t)
	p := NewCodexProvider(base)

	record := p.LoadSessionFromSourcePath(path, "")
	if record == nil {
		t.Fatal("expected record")
	}
	if got := p.LoadSessionFromSourcePath(path, "wrong-id"); got != nil {
		t.Error("session id mismatch should yield nil")
	}

	outside := filepath.Join(t.TempDir(), "outside.jsonl")
	writeLines(t, outside, `{"payload": {"type": "message", "role": "user", "content": "x"}}`)
	if got := p.LoadSessionFromSourcePath(outside, ""); got != nil {
		t.Error("paths outside the base dir must be rejected")
	}
}

func TestCodexModelPriorities(t *testing.T) {
	event := map[string]interface{}{
		"payload": map[string]interface{}{"role": "assistant", "model": "m1"},
	}
	if name, priority := codexModel(event); name != "m1" || priority != 2 {
		t.Errorf("got %q %d", name, priority)
	}
	event = map[string]interface{}{
		"payload": map[string]interface{}{"context": map[string]interface{}{"model": "m2"}},
	}
	if name, priority := codexModel(event); name != "m2" || priority != 1 {
		t.Errorf("got %q %d", name, priority)
	}
	event = map[string]interface{}{"model": "m3"}
	if name, priority := codexModel(event); name != "m3" || priority != 0 {
		t.Errorf("got %q %d", name, priority)
	}
}

func TestSortRecordsNewestFirst(t *testing.T) {
	base, _ := codexFixture(t)
	second := filepath.Join(base, "sessions", "2024", "05", "02",
		"rollout-2024-05-02T09-00-00-0296fdb5-02d9-7e34-9943-ea24e30f0b61.jsonl")
	writeLines(t, second,
		`{"timestamp": "2024-05-02T09:00:00Z", "payload": {"type": "message", "role": "user", "content": "newer"}}`,
	)
	records := NewCodexProvider(base).Sessions()
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].SessionID != "0296fdb5-02d9-7e34-9943-ea24e30f0b61" {
		t.Errorf("first = %q, want the newer session", records[0].SessionID)
	}
}

func TestDefaultProvidersMatchRegistry(t *testing.T) {
	providers := DefaultProviders()
	if len(providers) != len(Registry) {
		t.Fatalf("providers = %d, registry = %d", len(providers), len(Registry))
	}
	for i, p := range providers {
		if p.Name() != Registry[i].Slug {
			t.Errorf("provider %d = %q, want %q", i, p.Name(), Registry[i].Slug)
		}
		if p.EnvVar() != Registry[i].EnvVar {
			t.Errorf("env var %q != %q", p.EnvVar(), Registry[i].EnvVar)
		}
	}
	if Lookup("openai-codex") == nil || Lookup("nope") != nil {
		t.Error("Lookup misbehaves")
	}
}

var _ = []SessionProvider{
	(*CodexProvider)(nil),
	(*ClaudeProvider)(nil),
	(*GeminiProvider)(nil),
}
